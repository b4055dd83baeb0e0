package handler

import (
	"net/http"

	"github.com/chatsync/internal/config"
)

// ConfigHandler отдаёт публичные параметры конфигурации клиентам.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetSessionConfig: задержки набора текста и отметок прочтения, TTL флага набора (без авторизации).
func (h *ConfigHandler) GetSessionConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Session)
}

// GetPushConfig сообщает, включены ли пуши на сервере.
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"enabled": h.cfg.PushServiceURL != ""})
}
