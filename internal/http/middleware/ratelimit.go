package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Policy admits Rate requests per second on average and up to Burst at once.
type Policy struct {
	Rate  float64
	Burst float64
}

func (p Policy) enabled() bool { return p.Rate > 0 && p.Burst > 0 }

// Classifier maps a request to a policy scope. An unknown scope is not limited.
type Classifier func(r *http.Request) string

// RateLimiter enforces per-client limits stored in Redis so they hold across
// replicas.
type RateLimiter struct {
	client   redis.Cmdable
	policies map[string]Policy
	classify Classifier
	logger   *zap.Logger
	script   *redis.Script
	now      func() time.Time
}

// NewRateLimiter returns nil when no Redis client is configured; a nil
// limiter's Middleware passes requests through.
func NewRateLimiter(client redis.Cmdable, classify Classifier, policies map[string]Policy, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client:   client,
		policies: policies,
		classify: classify,
		logger:   logger,
		script:   redis.NewScript(gcraLua),
		now:      time.Now,
	}
}

// Middleware rejects requests over budget with 429 and a Retry-After header.
// Redis failures let the request through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || l.classify == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := l.classify(r)
		policy, ok := l.policies[scope]
		if !ok || !policy.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		identifier := clientIdentifier(r)
		if identifier == "" {
			identifier = "anonymous"
		}
		decision, err := l.allow(r.Context(), scope, identifier, policy)
		if err != nil {
			l.logger.Warn("rate limit check failed", zap.Error(err), zap.String("scope", scope))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Floor(decision.remaining))))
		if !decision.allowed {
			w.Header().Set("Retry-After", formatRetryAfter(decision.retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"exception": http.StatusText(http.StatusTooManyRequests)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ReserveOrSearch puts POST /reserve calls in the "reserve" scope and every
// other read in "search". Remaining writes land in "write".
func ReserveOrSearch(r *http.Request) string {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/reserve"):
		return "reserve"
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		return "search"
	default:
		return "write"
	}
}

type decision struct {
	allowed    bool
	remaining  float64
	retryAfter time.Duration
}

func (l *RateLimiter) allow(ctx context.Context, scope, identifier string, p Policy) (decision, error) {
	key := strings.Join([]string{"rl", scope, identifier}, ":")
	interval := 1000 / p.Rate
	result, err := l.script.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), interval, p.Burst).Result()
	if err != nil {
		return decision{}, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return decision{}, errors.New("invalid redis response")
	}
	allowed, err := toFloat64(values[0])
	if err != nil {
		return decision{}, err
	}
	remaining, err := toFloat64(values[1])
	if err != nil {
		return decision{}, err
	}
	waitSeconds, err := toFloat64(values[2])
	if err != nil {
		return decision{}, err
	}
	return decision{
		allowed:    allowed == 1,
		remaining:  remaining,
		retryAfter: time.Duration(math.Ceil(waitSeconds*1000)) * time.Millisecond,
	}, nil
}

func clientIdentifier(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case int64:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		return strconv.ParseFloat(val, 64)
	default:
		return 0, errors.New("unsupported type")
	}
}

// gcraLua is the generic cell rate algorithm: the key holds the theoretical
// arrival time (TAT) in milliseconds. Redis truncates Lua numbers to integers
// in replies, so fractional values are returned as strings.
const gcraLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local tolerance = interval * burst

local tat = tonumber(redis.call('GET', key))
if tat == nil or tat < now_ms then
  tat = now_ms
end

local new_tat = tat + interval
local allow_at = new_tat - tolerance
if allow_at > now_ms then
  local remaining = math.max(0, (tolerance - (tat - now_ms)) / interval)
  return {0, tostring(remaining), tostring((allow_at - now_ms) / 1000)}
end

redis.call('SET', key, tostring(new_tat), 'PX', math.ceil(new_tat - now_ms))
return {1, tostring((tolerance - (new_tat - now_ms)) / interval), '0'}
`
