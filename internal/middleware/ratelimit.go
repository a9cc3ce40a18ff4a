package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// window counts requests from one client inside a fixed window.
type window struct {
	used  int
	reset time.Time
}

// limiter is a fixed-window counter keyed by client address. Expired
// windows are pruned once per period so idle clients do not accumulate.
type limiter struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*window
	nextPrune time.Time
}

func newLimiter(limit int, period time.Duration, now func() time.Time) *limiter {
	if now == nil {
		now = time.Now
	}
	return &limiter{limit: limit, period: period, now: now, clients: make(map[string]*window)}
}

// take consumes one request for key. It reports whether the request may
// proceed, how many remain and when the window resets.
func (l *limiter) take(key string) (ok bool, remaining int, reset time.Time) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextPrune) {
		for k, w := range l.clients {
			if !now.Before(w.reset) {
				delete(l.clients, k)
			}
		}
		l.nextPrune = now.Add(l.period)
	}

	w := l.clients[key]
	if w == nil || !now.Before(w.reset) {
		w = &window{reset: now.Add(l.period)}
		l.clients[key] = w
	}
	if w.used >= l.limit {
		return false, 0, w.reset
	}
	w.used++
	return true, l.limit - w.used, w.reset
}

// RateLimit admits limit requests per client in each period. It keys on
// RemoteAddr, so mount it after chi's RealIP. A limit below 1 disables it.
func RateLimit(limit int, period time.Duration) func(http.Handler) http.Handler {
	return rateLimit(newLimiter(limit, period, nil))
}

func rateLimit(l *limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l.limit < 1 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, remaining, reset := l.take(clientKey(r))
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				secs := int(reset.Sub(l.now()).Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"too many requests"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey is the host part of RemoteAddr, or RemoteAddr itself when it
// carries no port.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
