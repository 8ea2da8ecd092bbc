package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/dragondrop/internal/kv"
)

// callRateLimitLease gives each IP one call per second across all
// endpoints while the limiter is enabled.
const callRateLimitLease = 1 * time.Second

// callsKeyPrefix prefixes the per-IP marker written on each admitted
// call; the marker expires after callRateLimitLease.
const callsKeyPrefix = "calls:"

// RateLimitMiddleware enforces the store-backed call rate limit.
// enabled is consulted per request, so the config watcher can flip the
// limiter without a restart.
func RateLimitMiddleware(store *kv.Store, enabled func() bool, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled() {
				next.ServeHTTP(w, r)
				return
			}

			key := callsKeyPrefix + ClientIP(r)
			limited, err := store.Exists(r.Context(), key)
			if err != nil {
				logger.WithError(err).Error("Rate limit check failed")
				writeLimitError(w, http.StatusInternalServerError, "error connecting to database")
				return
			}
			if limited {
				writeLimitError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			if err := store.Set(r.Context(), key, "1", callRateLimitLease); err != nil {
				logger.WithError(err).Error("Rate limit record failed")
				writeLimitError(w, http.StatusInternalServerError, "error connecting to database")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeLimitError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": message,
	})
}
