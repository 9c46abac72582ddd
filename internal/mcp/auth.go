package mcp

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"signal-desk/internal/logger"

	"golang.org/x/time/rate"
)

const (
	defaultMCPMaxBodyBytes int64 = 1 << 20 // 1MiB
	defaultRatePerMin            = 60
	clientIdleTTL                = 10 * time.Minute
)

// HTTPHandlerConfig guards the streamable HTTP transport. AuthToken is required; an empty token
// rejects every request.
type HTTPHandlerConfig struct {
	AuthToken       string
	RateLimitPerMin int
	MaxBodyBytes    int64
}

func wrapHTTPHandler(base http.Handler, cfg HTTPHandlerConfig) http.Handler {
	h := withBodyLimit(base, cfg.MaxBodyBytes)
	h = withRateLimit(h, newClientLimiter(cfg.RateLimitPerMin))
	h = withBearerAuth(h, cfg.AuthToken)
	return h
}

func withBearerAuth(next http.Handler, token string) http.Handler {
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided, ok := bearerToken(r)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(provided), want) != 1 {
			logger.Warnf("mcp: rejected bearer token from %s", clientHost(r))
			writeJSONError(w, http.StatusForbidden, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authz, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	return token, token != ""
}

func withBodyLimit(next http.Handler, limit int64) http.Handler {
	if limit <= 0 {
		limit = defaultMCPMaxBodyBytes
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func withRateLimit(next http.Handler, limiter *clientLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		if wait, ok := limiter.allow(clientKey(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds()+0.999)))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies a caller by host and a digest of its token, so raw tokens never sit in
// the limiter map.
func clientKey(r *http.Request) string {
	host := clientHost(r)
	token, ok := bearerToken(r)
	if !ok {
		return host
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8]) + "|" + host
}

func clientHost(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// clientLimiter keeps one token bucket per client. The full per-minute budget is available as burst.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*clientState
	now     func() time.Time
}

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perMin int) *clientLimiter {
	if perMin <= 0 {
		perMin = defaultRatePerMin
	}
	return &clientLimiter{
		limit:   rate.Limit(float64(perMin) / 60.0),
		burst:   perMin,
		clients: make(map[string]*clientState),
		now:     time.Now,
	}
}

// allow spends one token for key. When refused it reports how long until the next token.
func (l *clientLimiter) allow(key string) (time.Duration, bool) {
	if l == nil {
		return 0, true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)

	c, ok := l.clients[key]
	if !ok {
		c = &clientState{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now

	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute, false
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay, false
	}
	return 0, true
}

// evictLocked drops clients idle long enough for their bucket to be full again. mu must be held.
func (l *clientLimiter) evictLocked(now time.Time) {
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > clientIdleTTL {
			delete(l.clients, key)
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
