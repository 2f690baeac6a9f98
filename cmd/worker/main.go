package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/presagio-ai/presagio-backend/internal/ai"
	"github.com/presagio-ai/presagio-backend/internal/chat"
	"github.com/presagio-ai/presagio-backend/internal/config"
	"github.com/presagio-ai/presagio-backend/internal/db"
	"github.com/presagio-ai/presagio-backend/internal/insights"
	"github.com/presagio-ai/presagio-backend/internal/logger"
	"github.com/presagio-ai/presagio-backend/internal/market"
	"github.com/presagio-ai/presagio-backend/internal/prompt"
	"github.com/presagio-ai/presagio-backend/internal/store/rabbitmq"
	"github.com/presagio-ai/presagio-backend/internal/validity"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type jobMsg struct {
	JobID string `json:"job_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

// noPublish satisfies the service's publisher dependency; the worker
// only consumes jobs, it never creates them.
type noPublish struct{}

func (noPublish) PublishJob(ctx context.Context, jobID string) error { return nil }

// noLock likewise: job generation is serialized by queue delivery, not
// by per-chat turn locks.
type noLock struct{}

func (noLock) AcquireTurn(ctx context.Context, chatID string) (bool, error) { return true, nil }
func (noLock) ReleaseTurn(ctx context.Context, chatID string) error         { return nil }

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

	provider, err := reg.Get(context.Background(), cfg.AIProvider, "")
	if err != nil {
		log.Fatal("build ai provider", zap.Error(err))
	}

	markets := market.NewClient(cfg.SubgraphURL)
	ins := insights.NewClient(cfg.InsightsBaseURL)
	prompts := prompt.NewBuilder(markets, ins)

	svc := chat.NewService(chat.Deps{
		Repo:     chat.NewRepo(gdb),
		Provider: provider,
		Prompts:  prompts,
		Validity: validity.NewLLMChecker(provider),
		Locks:    noLock{},
		Jobs:     noPublish{},
		Markets:  markets,
		Insights: ins,
		Log:      log,
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	// same topology the publisher declares, so whoever starts first wins
	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("queue declare", zap.Error(err))
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started",
		zap.String("queue", cfg.RabbitQueue),
		zap.Int("concurrency", concurrency))

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m jobMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Warn("bad message", zap.Int("worker", workerID), zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := svc.GenerateAnswer(ctx, m.JobID); err != nil {
					// redelivery of an already-claimed job: drop it,
					// re-running would insert a duplicate answer
					if errors.Is(err, chat.ErrJobAlreadyClaimed) {
						log.Info("job already claimed, skipping",
							zap.Int("worker", workerID),
							zap.String("job_id", m.JobID))
						_ = d.Ack(false)
						continue
					}
					log.Error("job failed",
						zap.Int("worker", workerID),
						zap.String("job_id", m.JobID),
						zap.Duration("cost", time.Since(start)),
						zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}

				log.Info("job done",
					zap.Int("worker", workerID),
					zap.String("job_id", m.JobID),
					zap.Duration("cost", time.Since(start)))

				if err := d.Ack(false); err != nil {
					log.Warn("ack failed",
						zap.Int("worker", workerID),
						zap.String("job_id", m.JobID),
						zap.Error(err))
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
