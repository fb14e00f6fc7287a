package middleware

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"taskdeck-conflict-engine/pkg/response"
)

type clientLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func (c *clientLimiters) get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.limiters[key] = limiter
	}
	return limiter
}

// RateLimitMiddleware throttles per client IP. Burst allows a full
// minute's quota at once so sync clients that wake up and catch up in
// one go are not penalized.
func RateLimitMiddleware(requestsPerMinute int) func(http.Handler) http.Handler {
	limiters := &clientLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    requestsPerMinute,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			if !limiters.get(host).Allow() {
				response.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
