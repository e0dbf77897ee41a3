package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/relaydrive/relaydrive/internal/logging"
	"github.com/relaydrive/relaydrive/internal/metrics"
	"github.com/relaydrive/relaydrive/internal/protocol"
)

// Response headers describing the caller's budget.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderRetry     = "Retry-After"
)

// Middleware returns HTTP middleware that enforces policy per client key.
// Rejected requests get a 429 with Retry-After and the X-RateLimit headers.
func Middleware(limiter *Limiter, policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientKey(r)
			key := policy.Key(client)
			allowed := limiter.Check(key, policy.MaxRequests, policy.Window)

			h := w.Header()
			h.Set(HeaderLimit, strconv.Itoa(policy.MaxRequests))
			h.Set(HeaderRemaining, strconv.Itoa(limiter.Remaining(key, policy.MaxRequests)))

			resetAt, ok := limiter.ResetTime(key)
			if ok {
				h.Set(HeaderReset, strconv.FormatInt(resetAt.Unix(), 10))
			}

			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := 1
			if ok {
				retryAfter = max(1, int(math.Ceil(resetAt.Sub(limiter.now()).Seconds())))
			}
			h.Set(HeaderRetry, strconv.Itoa(retryAfter))

			metrics.RecordRateLimitHit(policy.Name)
			logging.WithContext(r.Context()).Warn("rate limit exceeded",
				zap.String("policy", policy.Name),
				zap.String("client", client))

			protocol.WriteJSON(w, http.StatusTooManyRequests, protocol.ErrorResponse{
				Error:      "Too many requests, please try again later",
				Code:       protocol.CodeRateLimitExceeded,
				RetryAfter: retryAfter,
			})
		})
	}
}
