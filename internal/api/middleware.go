package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/auth"
	"github.com/lalithlochan/carbonsnap/internal/metrics"
	"github.com/lalithlochan/carbonsnap/internal/redis"
)

// RequireAuth verifies the bearer token and stores its claims on the
// request context.
func RequireAuth(tokens TokenParser, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, MsgMissingToken)
				return
			}

			claims, err := tokens.Parse(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				logger.Debug("rejected bearer token", zap.Error(err))
				writeError(w, http.StatusUnauthorized, MsgMissingToken)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// RequireInternal admits only internal users. It must run after RequireAuth.
func RequireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, MsgMissingToken)
			return
		}
		if !claims.IsInternal {
			writeError(w, http.StatusForbidden, MsgInternalOnly)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePublic admits only public users. It must run after RequireAuth.
func RequirePublic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, MsgMissingToken)
			return
		}
		if claims.IsInternal {
			writeError(w, http.StatusForbidden, MsgPublicOnly)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
				metrics.RecordRateLimitRejection(routeLabel(r))
				writeError(w, http.StatusTooManyRequests, MsgRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

// IdempotencyMiddleware replays the stored response when a create is
// retried with the same Idempotency-Key. Keys are scoped to the caller.
// Only 201 responses are stored; anything else releases the key.
func IdempotencyMiddleware(svc *redis.IdempotencyService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if svc == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			scope := "anonymous"
			if claims, ok := auth.FromContext(r.Context()); ok {
				scope = claims.Email()
			}

			ctx := r.Context()
			cached, err := svc.CheckOrReserve(ctx, scope, key)
			if err != nil {
				if errors.Is(err, redis.ErrDuplicateRequest) {
					writeError(w, http.StatusConflict, MsgRequestInFlight)
					return
				}
				logger.Warn("idempotency check failed, proceeding",
					zap.Error(err),
					zap.String("idempotency_key", key),
				)
				next.ServeHTTP(w, r)
				return
			}

			if cached != nil {
				metrics.RecordIdempotencyHit()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status != http.StatusCreated {
				if err := svc.Release(ctx, scope, key); err != nil {
					logger.Warn("failed to release idempotency key",
						zap.Error(err),
						zap.String("idempotency_key", key),
					)
				}
				return
			}

			var created struct {
				OperationID string `json:"operation_id"`
			}
			_ = json.Unmarshal(rec.body.Bytes(), &created)

			result := &redis.IdempotencyResult{
				OperationID: created.OperationID,
				StatusCode:  rec.status,
				Body:        bytes.TrimSpace(rec.body.Bytes()),
			}
			if err := svc.Store(ctx, scope, key, result, redis.IdempotencyTTL); err != nil {
				logger.Warn("failed to store idempotency result",
					zap.Error(err),
					zap.String("idempotency_key", key),
				)
			}
		})
	}
}

// captureWriter passes the response through and keeps a copy of it.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// routeLabel is the matched chi pattern, for metric labels.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
