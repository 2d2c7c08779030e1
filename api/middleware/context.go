package middleware

import (
	"context"

	"github.com/yuhenglin/cardvault-backend/pkg/auth"
)

type contextKey string

const ctxBuyer contextKey = "buyer"

// BuyerFromContext returns the authenticated user, or nil for anonymous
// requests.
func BuyerFromContext(ctx context.Context) *auth.Buyer {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxBuyer).(*auth.Buyer); ok {
		return v
	}
	return nil
}

// WithBuyer injects the authenticated user into the context.
func WithBuyer(ctx context.Context, buyer *auth.Buyer) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxBuyer, buyer)
}
