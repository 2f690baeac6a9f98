package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/presagio-ai/presagio-backend/internal/chat"
	"github.com/presagio-ai/presagio-backend/internal/common"
	"go.uber.org/zap"
)

// messageView flattens the stored payload into the wire shape: content
// becomes the plain reply text, news rides along as an annotation.
type messageView struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Annotations []gin.H   `json:"annotations,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewMessages(msgs []chat.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		v := messageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content.Response,
			CreatedAt: m.CreatedAt,
		}
		if len(m.Content.News) > 0 {
			v.Annotations = []gin.H{{"news": m.Content.News}}
		}
		out = append(out, v)
	}
	return out
}

type createChatReq struct {
	Message       string `json:"message" binding:"required"`
	MarketAddress string `json:"market_address"`
}

func (h *Handler) CreateChat(c *gin.Context) {
	sess := sessionFrom(c)

	var req createChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ch, job, err := h.ChatSvc.CreateChat(c.Request.Context(), sess.UserID, req.Message, req.MarketAddress)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			common.Fail(c, http.StatusBadRequest, 10002, "message required")
		case errors.Is(err, chat.ErrInvalidQuestion):
			common.Fail(c, http.StatusBadRequest, 10010, "question is not a valid prediction question")
		case errors.Is(err, chat.ErrBadMarketAddress):
			common.Fail(c, http.StatusBadRequest, 10020, "invalid market address")
		default:
			h.Log.Error("create chat", zap.String("user_id", sess.UserID), zap.Error(err))
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}

	common.OK(c, gin.H{"chat_id": ch.ID, "job_id": job.ID})
}

func (h *Handler) GetChat(c *gin.Context) {
	sess := sessionFrom(c)
	chatID := c.Param("id")

	ch, msgs, err := h.ChatSvc.GetChatWithMessages(c.Request.Context(), sess.UserID, chatID)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrNotFound):
			common.Fail(c, http.StatusNotFound, 40401, "chat not found")
		case errors.Is(err, chat.ErrUnauthorized):
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		default:
			h.Log.Error("get chat", zap.String("chat_id", chatID), zap.Error(err))
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}

	common.OK(c, gin.H{
		"chat": gin.H{
			"id":             ch.ID,
			"title":          ch.Title,
			"market_address": ch.MarketAddress,
			"created_at":     ch.CreatedAt,
		},
		"messages": viewMessages(msgs),
	})
}

type continueChatReq struct {
	ChatID   string             `json:"chat_id" binding:"required"`
	Messages []chat.TurnMessage `json:"messages" binding:"required"`
}

func (h *Handler) ContinueChat(c *gin.Context) {
	sess := sessionFrom(c)

	var req continueChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	turn, err := h.ChatSvc.BeginTurn(c.Request.Context(), sess.UserID, req.ChatID, req.Messages)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrNotFound):
			common.Fail(c, http.StatusNotFound, 40401, "chat not found")
		case errors.Is(err, chat.ErrUnauthorized):
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		case errors.Is(err, chat.ErrNoUserMessage):
			common.Fail(c, http.StatusBadRequest, 10004, "messages must include a user message")
		case errors.Is(err, chat.ErrChatBusy):
			common.Fail(c, http.StatusConflict, 40901, "a reply is already being generated for this chat")
		default:
			h.Log.Error("begin turn", zap.String("chat_id", req.ChatID), zap.Error(err))
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}

	h.streamTurn(c, turn.Chunks, turn.MsgID, turn.Done, turn.Errs, nil)
}

// streamTurn writes a turn out as server-sent events. Generation keeps
// running server-side if the client goes away; we just stop writing.
func (h *Handler) streamTurn(c *gin.Context, chunks <-chan string, msgID <-chan string, done <-chan struct{}, errs <-chan error, lead []gin.H) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	// avoid gin writing a JSON response later
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	for _, ev := range lead {
		writeJSON("annotation", ev)
	}

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()

	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			writeJSON("chunk", gin.H{
				"type":  "chunk",
				"delta": ch,
			})

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case err := <-errs:
			if err == nil {
				continue
			}
			writeJSON("error", gin.H{
				"type":    "error",
				"message": err.Error(),
			})
			return

		case <-done:
			// chunks close before done, but drain anything the select
			// loop has not picked up yet
			if chunks != nil {
				for ch := range chunks {
					writeJSON("chunk", gin.H{
						"type":  "chunk",
						"delta": ch,
					})
				}
			}
			if err, ok := <-errs; ok && err != nil {
				writeJSON("error", gin.H{
					"type":    "error",
					"message": err.Error(),
				})
				return
			}
			var mid string
			select {
			case mid = <-msgID:
			default:
			}
			writeJSON("done", gin.H{
				"type":       "done",
				"message_id": mid,
			})
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) ListUserChats(c *gin.Context) {
	sess := sessionFrom(c)
	userID := c.Param("id")
	if userID != sess.UserID {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chats, err := h.ChatSvc.ListUserChats(c.Request.Context(), userID)
	if err != nil {
		h.Log.Error("list user chats", zap.String("user_id", userID), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	out := make([]gin.H, 0, len(chats))
	for _, ch := range chats {
		out = append(out, gin.H{
			"id":             ch.ID,
			"title":          ch.Title,
			"market_address": ch.MarketAddress,
			"created_at":     ch.CreatedAt,
			"message_count":  ch.MessageCount,
		})
	}
	common.OK(c, gin.H{"chats": out})
}

func (h *Handler) GetAnswerJob(c *gin.Context) {
	sess := sessionFrom(c)
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJobForUser(c.Request.Context(), sess.UserID, jobID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		h.Log.Error("get answer job", zap.String("job_id", jobID), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"chat_id":           j.ChatID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
