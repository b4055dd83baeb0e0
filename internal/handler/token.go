package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/realtime"
)

// TokenHandler выдаёт токены для локальной разработки (-dev), когда внешнего бэкенда нет.
type TokenHandler struct {
	secret string
	ttl    time.Duration
}

func NewTokenHandler(secret string, ttl time.Duration) *TokenHandler {
	return &TokenHandler{secret: secret, ttl: ttl}
}

type tokenRequest struct {
	UserID string `json:"user_id"`
}

func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	// "_" разделяет участников в id чата
	if !realtime.ValidKey(req.UserID) || strings.Contains(req.UserID, "_") {
		writeError(w, http.StatusBadRequest, "user_id must be a plain key")
		return
	}
	token, err := middleware.IssueToken(h.secret, req.UserID, h.ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "user_id": req.UserID})
}
