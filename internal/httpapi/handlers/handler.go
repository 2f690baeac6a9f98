package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/presagio-ai/presagio-backend/internal/chat"
	"github.com/presagio-ai/presagio-backend/internal/config"
	"github.com/presagio-ai/presagio-backend/internal/httpapi/middleware"
	"github.com/presagio-ai/presagio-backend/internal/prediction"
	"github.com/presagio-ai/presagio-backend/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	Log      *zap.Logger
	Sessions *session.Manager
	ChatSvc  *chat.Service
	PredSvc  *prediction.Service
}

func NewHandler(db *gorm.DB, cfg config.Config, log *zap.Logger, sessions *session.Manager, chatSvc *chat.Service, predSvc *prediction.Service) *Handler {
	return &Handler{
		DB:       db,
		Cfg:      cfg,
		Log:      log,
		Sessions: sessions,
		ChatSvc:  chatSvc,
		PredSvc:  predSvc,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(200, gin.H{"message": "pong"})
}

func sessionFrom(c *gin.Context) session.Session {
	s, _ := middleware.FromContext(c)
	return s
}
