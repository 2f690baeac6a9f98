package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/presagio-ai/presagio-backend/internal/common"
	"github.com/presagio-ai/presagio-backend/internal/config"
	"github.com/presagio-ai/presagio-backend/internal/httpapi/handlers"
	"github.com/presagio-ai/presagio-backend/internal/httpapi/middleware"
	"go.uber.org/zap"
)

func NewRouter(h *handlers.Handler, cfg config.Config, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())
	r.Use(corsMiddleware(cfg))
	r.Use(middleware.Session(h.Sessions))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	api := r.Group("/api")

	// auth: nonce and verify must work before login
	api.GET("/auth/nonce", h.Nonce)
	api.POST("/auth/verify", h.Verify)
	api.GET("/auth/session", h.SessionInfo)
	api.POST("/auth/logout", h.Logout)

	// market chat and predictions are public
	api.GET("/market-chat", h.GetMarketChat)
	api.POST("/market-chat", h.CreateMarketChat)
	api.GET("/prediction", h.GetPrediction)
	api.POST("/prediction", h.CreatePrediction)

	authed := api.Group("/")
	authed.Use(middleware.LoginRequired())
	authed.POST("/chat", h.CreateChat)
	authed.PUT("/chat", h.ContinueChat)
	authed.GET("/chat/:id", h.GetChat)
	// not under /chat/: a static segment cannot share a level with :id
	authed.GET("/jobs/:job_id", h.GetAnswerJob)
	authed.GET("/user/:id/chats", h.ListUserChats)

	return r
}

// corsMiddleware restricts browsers to the published frontends in
// production; elsewhere the origin is reflected so local dev works with
// credentialed requests.
func corsMiddleware(cfg config.Config) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	restrict := cfg.Env == "production" && !cfg.AllowAnyOrigin

	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if !restrict {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
