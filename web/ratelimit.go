package web

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultRequestInterval = 2 * time.Second
	DefaultRequestBurst    = 10
)

// RateLimiter limits inbound requests per client IP. It is independent of
// the upstream quote budget, which the gateway enforces.
type RateLimiter struct {
	every    time.Duration
	burst    int
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

// NewRateLimiter allows burst requests at once and one more every interval.
// Non-positive arguments fall back to the defaults.
func NewRateLimiter(every time.Duration, burst int) *RateLimiter {
	if every <= 0 {
		every = DefaultRequestInterval
	}
	if burst <= 0 {
		burst = DefaultRequestBurst
	}
	return &RateLimiter{
		every:    every,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *RateLimiter) getLimiter(ip string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	limiter, exists := m.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(m.every), m.burst)
		m.limiters[ip] = limiter
	}
	return limiter
}

// Clients returns the number of tracked client IPs.
func (m *RateLimiter) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

// Middleware returns a middleware that enforces rate limiting.
func (m *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !m.getLimiter(ip).Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(int(m.every.Round(time.Second)/time.Second)))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
