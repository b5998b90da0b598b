package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/config"
)

// keyedLimiter keeps one token bucket per key and evicts idle buckets.
type keyedLimiter struct {
	name    string
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu    sync.Mutex
	byKey map[string]*bucket
	hits  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newKeyedLimiter allows l.Requests per l.Per with a burst of l.Requests.
func newKeyedLimiter(name string, l config.Limit) *keyedLimiter {
	idle := 2 * l.Per
	if idle < 10*time.Minute {
		idle = 10 * time.Minute
	}
	return &keyedLimiter{
		name:    name,
		limit:   rate.Every(l.Per / time.Duration(l.Requests)),
		burst:   l.Requests,
		idleTTL: idle,
		now:     time.Now,
		byKey:   make(map[string]*bucket),
	}
}

// allow consumes one token and, when refused, returns how long until the
// next token.
func (l *keyedLimiter) allow(key string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}

	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// middleware limits authenticated requests per user, anonymous ones per
// client address.
func (l *keyedLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if ok, retry := l.allow(key); !ok {
			slog.DebugContext(r.Context(), "Rate limit exceeded", "limit", l.name, "key", key)
			tooManyRequests(w, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if id := UserID(r.Context()); id != 0 {
		return "user:" + strconv.FormatInt(id, 10)
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func tooManyRequests(w http.ResponseWriter, retry time.Duration) {
	secs := int(retry.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "too many requests, please try again later",
		"retry_after": secs,
	})
}
