package middleware

import (
	"net/http"
	"strings"

	"github.com/yuhenglin/cardvault-backend/api/responses"
	pkgAuth "github.com/yuhenglin/cardvault-backend/pkg/auth"
	"github.com/yuhenglin/cardvault-backend/pkg/config"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
)

// RequireUser validates a bearer token and seeds the request context with the
// authenticated user. Merchant endpoints scope all data to this identity.
func RequireUser(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			buyer, err := pkgAuth.ParseBuyerToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithBuyer(r.Context(), buyer)
			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{"user_id": buyer.ID})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalUser seeds the context when a valid bearer token is present and
// passes the request through anonymously otherwise. Buyer checkout works
// either way; links that demand a trust level reject anonymity downstream.
func OptionalUser(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			buyer, err := pkgAuth.ParseBuyerToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithBuyer(r.Context(), buyer)
			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{"user_id": buyer.ID})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return raw
}
