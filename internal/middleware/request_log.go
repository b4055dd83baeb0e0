package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatsync/internal/logger"
)

// RequestLog пишет строку на запрос: метод, шаблон маршрута, статус и длительность.
// 5xx идут в Error, 4xx в Warn, остальное в Debug. WebSocket логируется при закрытии.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapWriter(w)
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		elapsed := time.Since(start).Round(time.Millisecond)
		switch {
		case sw.status >= 500:
			logger.Errorf("http %s %s %d %s", r.Method, route, sw.status, elapsed)
		case sw.status >= 400:
			logger.Warnf("http %s %s %d %s", r.Method, route, sw.status, elapsed)
		default:
			logger.Debugf("http %s %s %d %s", r.Method, route, sw.status, elapsed)
		}
	})
}
