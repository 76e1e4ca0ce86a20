package middleware

import (
	"net/http"
	"time"

	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/metrics"
)

// RequestLog логирует каждый HTTP-запрос: method, path, статус, пользователя и время (асинхронно).
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := wrapWriter(w)
		next.ServeHTTP(wrap, r)
		who := "-"
		if p := GetPrincipal(r.Context()); p != nil {
			who = p.Email
		}
		metrics.ObserveHTTP(r.Method, wrap.status)
		logger.Infof("http %s %s %d %s %v", r.Method, r.URL.Path, wrap.status, who, time.Since(start).Round(time.Microsecond))
	})
}
