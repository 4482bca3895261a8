// Package auth provides JWT validation using JWKS, used as an optional
// alternative to static bearer-token comparison and to verify push device
// registration tokens issued by the mobile client's pairing flow.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claim set this worker accepts. Subject identifies the
// actor; callers that care about it use GetUserID.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates JWTs using a remote JWKS endpoint.
type JWTValidator struct {
	jwks     *keyfunc.Keyfunc
	audience string
	issuer   string
}

// NewJWTValidator creates a validator that fetches keys from the JWKS
// endpoint. audience/issuer are checked only when non-empty, since the
// worker has no multi-tenant concept to scope claims against.
func NewJWTValidator(jwksURL, audience, issuer string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWTValidator{jwks: k, audience: audience, issuer: issuer}, nil
}

// Validate parses and verifies a token, checking audience/issuer when
// configured.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("failed to get audience: %w", err)
		}
		if !containsString(aud, v.audience) {
			return nil, fmt.Errorf("invalid audience")
		}
	}
	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil {
			return nil, fmt.Errorf("failed to get issuer: %w", err)
		}
		if iss != v.issuer {
			return nil, fmt.Errorf("invalid issuer")
		}
	}

	return claims, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// GetUserID extracts the actor id from validated claims.
func (v *JWTValidator) GetUserID(claims *Claims) string {
	return claims.Subject
}

// Close is a no-op.
func (v *JWTValidator) Close() {}
