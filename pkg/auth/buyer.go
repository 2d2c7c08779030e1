package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yuhenglin/cardvault-backend/pkg/config"
)

// Buyer is the opaque authenticated-user handle issued by the identity
// collaborator. Identity verification itself lives outside this service; we
// only consume the signed handle.
type Buyer struct {
	ID         string
	Username   string
	TrustLevel int
}

type buyerClaims struct {
	Username   string `json:"username"`
	TrustLevel int    `json:"trust_level"`
	jwt.RegisteredClaims
}

// ParseBuyerToken validates the HMAC-signed buyer token and extracts the
// handle. An empty token is not an error upstream; callers treat absence as
// an unauthenticated buyer.
func ParseBuyerToken(cfg config.JWTConfig, token string) (*Buyer, error) {
	var claims buyerClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	}, jwt.WithIssuer(cfg.Issuer))
	if err != nil {
		return nil, fmt.Errorf("parse buyer token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("buyer token invalid")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("buyer token missing subject")
	}
	return &Buyer{
		ID:         claims.Subject,
		Username:   claims.Username,
		TrustLevel: claims.TrustLevel,
	}, nil
}

// IssueBuyerToken mints a buyer token; used by tests and local tooling.
func IssueBuyerToken(cfg config.JWTConfig, buyer Buyer) (string, error) {
	claims := buyerClaims{
		Username:   buyer.Username,
		TrustLevel: buyer.TrustLevel,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: buyer.ID,
			Issuer:  cfg.Issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign buyer token: %w", err)
	}
	return signed, nil
}
