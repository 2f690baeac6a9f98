package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/presagio-ai/presagio-backend/internal/common"
	"github.com/presagio-ai/presagio-backend/internal/session"
	"go.uber.org/zap"
)

// SessionKey is where handlers find the decoded session value.
const SessionKey = "session"

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path))
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// Session decodes the cookie on every request so handlers can read it
// without caring whether the caller is logged in.
func Session(sm *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(SessionKey, sm.Load(c))
		c.Next()
	}
}

// LoginRequired rejects requests without a logged-in session.
func LoginRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := FromContext(c)
		if !ok || !sess.IsLoggedIn || sess.UserID == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

// FromContext returns the session placed by the Session middleware.
func FromContext(c *gin.Context) (session.Session, bool) {
	v, ok := c.Get(SessionKey)
	if !ok {
		return session.Session{}, false
	}
	s, ok := v.(session.Session)
	return s, ok
}
