package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/operator-gateway/internal/auth"
	"github.com/af-corp/operator-gateway/internal/httputil"
	"github.com/af-corp/operator-gateway/internal/telemetry"
)

const (
	defaultRPM = 60

	headerRateLimitRequests          = "X-RateLimit-Limit-Requests"
	headerRateLimitRemainingRequests = "X-RateLimit-Remaining-Requests"
	headerRateLimitReset             = "X-RateLimit-Reset-Requests"
	headerRetryAfter                 = "Retry-After"
)

// Checker is satisfied by *Limiter.
type Checker interface {
	Check(ctx context.Context, key string, limit int64, window time.Duration) (LimitResult, error)
}

// Middleware returns chi middleware that enforces per-token request limits.
// rpm applies to tokens without their own limit; zero means the package default.
func Middleware(limiter Checker, rpm int, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	if rpm <= 0 {
		rpm = defaultRPM
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := httputil.RequestID(r.Context())

			authInfo, ok := auth.AuthFromContext(r.Context())
			if !ok {
				// No auth info: auth is disabled or handled elsewhere
				next.ServeHTTP(w, r)
				return
			}

			limit := rpm
			if authInfo.RPMLimit != nil {
				limit = *authInfo.RPMLimit
			}

			result, _ := limiter.Check(r.Context(), fmt.Sprintf("rpm:%s", authInfo.KeyID), int64(limit), time.Minute)

			// Always set rate limit headers
			w.Header().Set(headerRateLimitRequests, strconv.Itoa(limit))
			w.Header().Set(headerRateLimitRemainingRequests, strconv.FormatInt(result.Remaining, 10))
			w.Header().Set(headerRateLimitReset, result.ResetAt.Format(time.RFC3339))

			if !result.Allowed {
				slog.Warn("rate limit exceeded",
					"request_id", reqID,
					"key_id", authInfo.KeyID,
					"account_id", authInfo.AccountID,
					"limit", limit,
				)
				metrics.RecordRateLimitHit("rpm")
				w.Header().Set(headerRetryAfter, strconv.Itoa(int(result.RetryAfter.Seconds())))
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Rate limit exceeded: %d requests per minute. Retry after %s", limit, result.ResetAt.Format(time.RFC3339)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
