package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type ipLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*ipLimiter
	limit rate.Limit
	burst int
	last  time.Time
}

func newLimiterPool(perMinute int) *limiterPool {
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &limiterPool{
		m:     make(map[string]*ipLimiter),
		limit: rate.Limit(float64(perMinute) / 60),
		burst: burst,
	}
}

func (p *limiterPool) allow(key string) bool {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.last) > limiterIdleTTL {
		for k, l := range p.m {
			if now.Sub(l.seen) > limiterIdleTTL {
				delete(p.m, k)
			}
		}
		p.last = now
	}
	l, ok := p.m[key]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.m[key] = l
	}
	l.seen = now
	return l.limiter.AllowN(now, 1)
}

// ClientIP: адрес клиента с учётом X-Real-Ip / X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if x := r.Header.Get("X-Real-Ip"); x != "" {
		return strings.TrimSpace(x)
	}
	if x := r.Header.Get("X-Forwarded-For"); x != "" {
		first, _, _ := strings.Cut(x, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit ограничивает запросы по IP и по user_id (если есть в контексте). 429 при превышении.
// perMinute <= 0 отключает ограничение.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	byIP := newLimiterPool(perMinute)
	byUser := newLimiterPool(perMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !byIP.allow(ClientIP(r)) {
				http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
				return
			}
			if userID := GetUserID(r.Context()); userID != "" {
				if !byUser.allow(userID) {
					http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
