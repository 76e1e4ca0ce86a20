package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/middleware"
	"github.com/classchat/internal/ws"
)

type WSHandler struct {
	gateway        *ws.Gateway
	allowedOrigins string
	limits         ws.Limits
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins: как в CORS (через запятую или "*").
func NewWSHandler(gateway *ws.Gateway, allowedOrigins string, limits ws.Limits) *WSHandler {
	return &WSHandler{gateway: gateway, allowedOrigins: strings.TrimSpace(allowedOrigins), limits: limits}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS: GET /ws. Токен приходит заголовком или ?token= (браузер не умеет заголовки при upgrade).
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	client := ws.NewClient(conn, p.Email, h.limits)
	session, err := h.gateway.Attach(*p, client)
	if err != nil {
		if errors.Is(err, ws.ErrTooManyConnections) {
			logger.Warnf("ws connection rejected user=%s: %v", p.Email, err)
		} else {
			logger.Errorf("ws attach user=%s: %v", p.Email, err)
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"))
		conn.Close()
		return
	}
	// контекст соединения не зависит от запроса: после upgrade обработчик возвращается сразу
	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx, cancel, session)
}
