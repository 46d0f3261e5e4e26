package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crstnmac/browser-pool-sub001/internal/metrics"
	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

type requestIDKey struct{}

type accountKey struct{}

// accountFrom returns the authenticated account placed by the auth
// middleware.
func accountFrom(ctx context.Context) (screenshot.Account, bool) {
	account, ok := ctx.Value(accountKey{}).(screenshot.Account)
	return account, ok
}

// HashAPIKey maps a raw API key to the stored hash form.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

// authMiddleware resolves the API key to an account and enforces the
// lockout state machine: a wrong key for a known account counts as one
// failure, a correct key resets the counter, and a locked account is
// refused outright.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		account, err := s.accounts.GetAccountByKeyHash(r.Context(), HashAPIKey(key))
		if err != nil {
			// The key matches no account. If the caller identified the
			// account it was trying, the miss counts toward its lockout.
			if claimed := r.Header.Get("X-Account-ID"); claimed != "" {
				if target, lookupErr := s.accounts.GetAccount(r.Context(), claimed); lookupErr == nil {
					if recErr := s.enforcer.RecordFailure(r.Context(), target); recErr != nil {
						s.logger.Warn("record auth failure failed",
							zap.String("account_id", claimed), zap.Error(recErr))
					}
				}
			}
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		locked, err := s.enforcer.CheckLocked(r.Context(), account)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "lockout check failed")
			return
		}
		if locked {
			metrics.ObserveQuotaDenial("locked")
			writeError(w, http.StatusForbidden, "account is locked")
			return
		}
		if err := s.enforcer.RecordSuccess(r.Context(), account); err != nil {
			s.logger.Warn("reset auth failures failed",
				zap.String("account_id", account.ID), zap.Error(err))
		}

		ctx := context.WithValue(r.Context(), accountKey{}, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
