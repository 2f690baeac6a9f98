package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/presagio-ai/presagio-backend/internal/chat"
	"github.com/presagio-ai/presagio-backend/internal/common"
	"github.com/presagio-ai/presagio-backend/internal/insights"
	"github.com/presagio-ai/presagio-backend/internal/market"
	"github.com/presagio-ai/presagio-backend/internal/prediction"
	"go.uber.org/zap"
)

// GetMarketChat returns the messages of the shared chat bound to a
// market, or an empty list when no prediction has been generated yet.
func (h *Handler) GetMarketChat(c *gin.Context) {
	address := c.Query("market_address")
	if !market.ValidAddress(address) {
		common.Fail(c, http.StatusBadRequest, 10020, "invalid market address")
		return
	}

	_, msgs, err := h.ChatSvc.GetMarketChatMessages(c.Request.Context(), address)
	if err != nil {
		h.Log.Error("get market chat", zap.String("market_address", address), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{"messages": viewMessages(msgs)})
}

type marketChatReq struct {
	MarketAddress string `json:"market_address" binding:"required"`
}

// CreateMarketChat streams an introductory prediction for a market.
// The chat lives under the system user and is shared by every visitor.
func (h *Handler) CreateMarketChat(c *gin.Context) {
	var req marketChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if !market.ValidAddress(req.MarketAddress) {
		common.Fail(c, http.StatusBadRequest, 10020, "invalid market address")
		return
	}

	turn, err := h.ChatSvc.BeginMarketChat(c.Request.Context(), req.MarketAddress)
	if err != nil {
		var se *insights.StatusError
		switch {
		case errors.Is(err, chat.ErrNotFound):
			common.Fail(c, http.StatusNotFound, 40403, "market not found")
		case errors.As(err, &se):
			common.Fail(c, se.StatusCode, 50210, "insights upstream error")
		default:
			h.Log.Error("begin market chat", zap.String("market_address", req.MarketAddress), zap.Error(err))
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}

	var lead []gin.H
	if len(turn.News) > 0 {
		lead = []gin.H{{"type": "annotation", "news": turn.News}}
	}
	h.streamTurn(c, turn.Chunks, turn.MsgID, turn.Done, turn.Errs, lead)
}

// GetPrediction returns the cached structured prediction for a market,
// or null when none has been generated.
func (h *Handler) GetPrediction(c *gin.Context) {
	address := c.Query("market_address")
	if !market.ValidAddress(address) {
		common.Fail(c, http.StatusBadRequest, 10020, "invalid market address")
		return
	}

	p, err := h.PredSvc.Get(c.Request.Context(), address)
	if err != nil {
		h.Log.Error("get prediction", zap.String("market_address", address), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if p == nil {
		common.OK(c, nil)
		return
	}

	common.OK(c, gin.H{
		"role":    chat.RoleAssistant,
		"message": gin.H{"response": p.Content},
	})
}

type predictionReq struct {
	MarketAddress string `json:"market_address" binding:"required"`
}

// CreatePrediction generates (or reuses) the structured prediction for
// a market. Safe to call concurrently: exactly one prediction survives
// per market.
func (h *Handler) CreatePrediction(c *gin.Context) {
	var req predictionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if !market.ValidAddress(req.MarketAddress) {
		common.Fail(c, http.StatusBadRequest, 10020, "invalid market address")
		return
	}

	p, err := h.PredSvc.GenerateOrReuse(c.Request.Context(), req.MarketAddress)
	if err != nil {
		if errors.Is(err, prediction.ErrMarketNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "market not found")
			return
		}
		h.Log.Error("create prediction", zap.String("market_address", req.MarketAddress), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{
		"role":    chat.RoleAssistant,
		"message": gin.H{"response": p.Content},
	})
}
