package handler

import (
	"net/http"

	"github.com/classchat/internal/config"
	"github.com/classchat/internal/fileserver"
)

// ConfigHandler отдаёт публичные параметры конфигурации для клиента чата.
type ConfigHandler struct {
	cfg   *config.Config
	files *fileserver.Service
}

func NewConfigHandler(cfg *config.Config, files *fileserver.Service) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, files: files}
}

type clientConfig struct {
	MaxUploadSize       int64    `json:"maxUploadSize"`
	MaxUploadSizeText   string   `json:"maxUploadSizeText"`
	AllowedUploadTypes  []string `json:"allowedUploadTypes"`
	HistoryFullPageSize int      `json:"historyFullPageSize"`
	MaxMessageSize      int64    `json:"maxMessageSize"`
}

// GetChatConfig возвращает лимиты, которые клиент проверяет до отправки (без авторизации).
func (h *ConfigHandler) GetChatConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, clientConfig{
		MaxUploadSize:       h.files.MaxUploadSize,
		MaxUploadSizeText:   h.files.LimitText(),
		AllowedUploadTypes:  fileserver.AllowedMIME(),
		HistoryFullPageSize: h.cfg.HistoryFullPageSize,
		MaxMessageSize:      h.cfg.WSMaxMessageSize,
	})
}
