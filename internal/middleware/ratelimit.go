package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter *rate.Limiter
	mu      sync.Mutex
	last    time.Time
}

// RateLimiter ограничивает частоту запросов каждого пользователя; для запросов
// без пользователя в контексте ключом служит IP-адрес.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	clients sync.Map // map[string]*clientLimiter
}

// NewRateLimiter создаёт ограничитель на rps запросов в секунду с запасом burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 30 * time.Minute,
	}
}

func (l *RateLimiter) get(key string) *clientLimiter {
	if v, ok := l.clients.Load(key); ok {
		return v.(*clientLimiter)
	}
	v, _ := l.clients.LoadOrStore(key, &clientLimiter{
		limiter: rate.NewLimiter(l.rps, l.burst),
		last:    time.Now(),
	})
	return v.(*clientLimiter)
}

// Middleware отвечает 429, если клиент превысил лимит.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := GetUserIDFromContext(r.Context())
		if !ok {
			key = clientIP(r)
		}

		c := l.get(key)
		c.mu.Lock()
		c.last = time.Now()
		c.mu.Unlock()

		if !c.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup периодически удаляет ограничители неактивных клиентов до отмены ctx.
func (l *RateLimiter) Cleanup(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.clients.Range(func(key, val any) bool {
				c := val.(*clientLimiter)
				c.mu.Lock()
				idle := now.Sub(c.last) > l.idleTTL
				c.mu.Unlock()
				if idle {
					l.clients.Delete(key)
				}
				return true
			})
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
