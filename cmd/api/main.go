package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/presagio-ai/presagio-backend/internal/ai"
	"github.com/presagio-ai/presagio-backend/internal/chat"
	"github.com/presagio-ai/presagio-backend/internal/config"
	"github.com/presagio-ai/presagio-backend/internal/db"
	"github.com/presagio-ai/presagio-backend/internal/httpapi"
	"github.com/presagio-ai/presagio-backend/internal/httpapi/handlers"
	"github.com/presagio-ai/presagio-backend/internal/insights"
	"github.com/presagio-ai/presagio-backend/internal/logger"
	"github.com/presagio-ai/presagio-backend/internal/market"
	"github.com/presagio-ai/presagio-backend/internal/prediction"
	"github.com/presagio-ai/presagio-backend/internal/prompt"
	"github.com/presagio-ai/presagio-backend/internal/session"
	"github.com/presagio-ai/presagio-backend/internal/store/rabbitmq"
	"github.com/presagio-ai/presagio-backend/internal/store/redisstore"
	"github.com/presagio-ai/presagio-backend/internal/validity"
	"go.uber.org/zap"
)

func newProviderRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("groq", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.GroqModel
		}
		return ai.NewGroqProvider(cfg.GroqBaseURL, cfg.GroqAPIKey, m), nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	return reg
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal("connect database", zap.Error(err))
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal("run migrations", zap.Error(err))
	}
	systemUserID, err := db.EnsureSystemUser(gdb)
	if err != nil {
		log.Fatal("ensure system user", zap.Error(err))
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal("connect rabbitmq", zap.Error(err))
	}
	defer pub.Close()

	provider, err := newProviderRegistry(cfg).Get(context.Background(), cfg.AIProvider, "")
	if err != nil {
		log.Fatal("build ai provider", zap.Error(err))
	}

	markets := market.NewClient(cfg.SubgraphURL)
	ins := insights.NewClient(cfg.InsightsBaseURL)
	prompts := prompt.NewBuilder(markets, ins)

	var checker validity.Checker
	switch cfg.ValidityMode {
	case "api":
		checker = validity.NewAPIChecker(cfg.InsightsBaseURL)
	default:
		checker = validity.NewLLMChecker(provider)
	}

	chatSvc := chat.NewService(chat.Deps{
		Repo:         chat.NewRepo(gdb),
		Provider:     provider,
		Prompts:      prompts,
		Validity:     checker,
		Locks:        rds,
		Jobs:         pub,
		Markets:      markets,
		Insights:     ins,
		Log:          log,
		SystemUserID: systemUserID,
	})
	predSvc := prediction.NewService(gdb, markets, prompts, provider, rds, log)

	sessions := session.NewManager(
		cfg.SessionSecret,
		cfg.SessionCookie,
		cfg.Env == "production",
		time.Duration(cfg.SessionTTLHrs)*time.Hour,
	)

	h := handlers.NewHandler(gdb, cfg, log, sessions, chatSvc, predSvc)
	router := httpapi.NewRouter(h, cfg, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("api listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("serve http", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown", zap.Error(err))
	}
}
