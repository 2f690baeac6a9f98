package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/presagio-ai/presagio-backend/internal/auth"
	"github.com/presagio-ai/presagio-backend/internal/common"
	"github.com/presagio-ai/presagio-backend/internal/models"
	"github.com/presagio-ai/presagio-backend/internal/session"
	"go.uber.org/zap"
)

// Nonce issues a fresh one-time value and stores it in the session for
// sign-in replay protection.
func (h *Handler) Nonce(c *gin.Context) {
	nonce, err := session.GenerateNonce()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to generate nonce")
		return
	}

	sess := sessionFrom(c)
	sess.Nonce = nonce
	if err := h.Sessions.Save(c, sess); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to save session")
		return
	}

	common.OK(c, gin.H{"nonce": nonce})
}

type verifyReq struct {
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// Verify checks a signed sign-in message, matches its nonce against the
// session, and looks up or creates the user for the wallet address.
func (h *Handler) Verify(c *gin.Context) {
	var req verifyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	msg, err := auth.ParseMessage(req.Message)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10030, "malformed sign-in message")
		return
	}
	if err := auth.Verify(msg, req.Signature); err != nil {
		common.Fail(c, http.StatusBadRequest, 10031, "signature verification failed")
		return
	}

	sess := sessionFrom(c)
	if sess.Nonce == "" || msg.Nonce != sess.Nonce {
		common.Fail(c, http.StatusUnprocessableEntity, 10032, "invalid nonce")
		return
	}

	address := strings.ToLower(msg.Address)
	user := models.User{WalletAddress: address}
	if err := h.DB.WithContext(c.Request.Context()).
		Where("wallet_address = ?", address).
		FirstOrCreate(&user).Error; err != nil {
		h.Log.Error("lookup or create user", zap.String("address", address), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to create user")
		return
	}

	// nonce is single-use
	sess = session.Session{
		Address:    address,
		UserID:     user.ID,
		IsLoggedIn: true,
	}
	if err := h.Sessions.Save(c, sess); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to save session")
		return
	}

	common.OK(c, gin.H{"ok": true, "userId": user.ID, "address": address})
}

func (h *Handler) SessionInfo(c *gin.Context) {
	sess := sessionFrom(c)
	common.OK(c, gin.H{
		"isLoggedIn": sess.IsLoggedIn,
		"address":    sess.Address,
		"userId":     sess.UserID,
	})
}

func (h *Handler) Logout(c *gin.Context) {
	h.Sessions.Clear(c)
	common.OK(c, gin.H{"ok": true})
}
