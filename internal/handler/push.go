package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/push"
)

// PushHandler пересылает подписку браузера пуш-сервису от имени владельца токена.
type PushHandler struct {
	client *push.Client
}

func NewPushHandler(client *push.Client) *PushHandler {
	return &PushHandler{client: client}
}

// pushBody: {"subscription": PushSubscription.toJSON()} на подписку, {"endpoint"} на отписку.
type pushBody struct {
	Subscription push.Subscription `json:"subscription"`
	Endpoint     string            `json:"endpoint"`
}

// decodePush проверяет пользователя и разбирает тело; false — ответ уже записан.
func decodePush(w http.ResponseWriter, r *http.Request) (string, pushBody, bool) {
	var body pushBody
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", body, false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return "", body, false
	}
	return userID, body, true
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, body, ok := decodePush(w, r)
	if !ok {
		return
	}
	if !body.Subscription.Valid() {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	h.reply(w, h.client.Subscribe(r.Context(), userID, body.Subscription))
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, body, ok := decodePush(w, r)
	if !ok {
		return
	}
	endpoint := body.Endpoint
	if endpoint == "" {
		endpoint = body.Subscription.Endpoint
	}
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	h.reply(w, h.client.Unsubscribe(r.Context(), userID, endpoint))
}

func (h *PushHandler) reply(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, push.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "push not configured")
	default:
		writeError(w, http.StatusBadGateway, "push service unavailable")
	}
}
