package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/aporte-ledger/ledger"
	"go.uber.org/zap"
)

type ctxKey int

const (
	accountKey ctxKey = iota
	tokenKey
)

// accountID returns the account of the authenticated caller. Only valid
// behind RequireSession.
func accountID(r *http.Request) ledger.AccountID {
	id, _ := r.Context().Value(accountKey).(ledger.AccountID)
	return id
}

func sessionToken(r *http.Request) string {
	tok, _ := r.Context().Value(tokenKey).(string)
	return tok
}

// RequireSession rejects requests without a valid "Authorization: Bearer"
// token and stores the caller's account id in the request context.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		claims, err := h.Auth.Verify(r.Context(), token)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), accountKey, claims.AccountID())
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdminKey guards operator endpoints with the X-Admin-Key header.
// An empty configured key disables them.
func (h *Handler) RequireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AdminAPIKey == "" {
			writeError(w, http.StatusForbidden, "Admin API disabled", nil)
			return
		}
		got := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminAPIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid admin key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request through zap.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
