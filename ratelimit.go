package adproxy

import (
	"net"
	"net/http"

	"github.com/bluele/gcache"
	"golang.org/x/time/rate"
)

// DefaultRateLimitClients bounds the number of per-client limiters kept
// in memory. The least recently seen clients are forgotten first.
const DefaultRateLimitClients = 65536

// RateLimiter provides per-client request throttling. Each client IP gets
// its own token bucket that refills at Rate up to Burst.
type RateLimiter struct {
	limit rate.Limit
	burst int

	clients gcache.Cache
}

// NewRateLimiter creates a new per-client rate limiter.
// r is requests/second, burst is the max tokens a client can accumulate.
func NewRateLimiter(r float64, burst int) *RateLimiter {
	return NewRateLimiterSize(r, burst, DefaultRateLimitClients)
}

// NewRateLimiterSize is NewRateLimiter with an explicit bound on tracked
// clients.
func NewRateLimiterSize(r float64, burst, clients int) *RateLimiter {
	if clients <= 0 {
		clients = DefaultRateLimitClients
	}
	rl := &RateLimiter{limit: rate.Limit(r), burst: burst}
	rl.clients = gcache.New(clients).
		LRU().
		LoaderFunc(func(any) (any, error) {
			return rate.NewLimiter(rl.limit, rl.burst), nil
		}).
		Build()
	return rl
}

// Allow returns true if the request from the given client address is
// permitted under the rate limit.
func (rl *RateLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	v, err := rl.clients.Get(host)
	if err != nil {
		return true
	}
	return v.(*rate.Limiter).Allow()
}

// AllowHTTP checks the rate limit for the given HTTP request and writes
// a 429 Too Many Requests response if the client is throttled. Returns
// true if the request is allowed.
func (rl *RateLimiter) AllowHTTP(w http.ResponseWriter, r *http.Request) bool {
	if rl.Allow(r.RemoteAddr) {
		return true
	}

	w.Header().Set("Retry-After", "1")
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	return rl.clients.Len(false)
}

// Reset forgets every client.
func (rl *RateLimiter) Reset() {
	rl.clients.Purge()
}
