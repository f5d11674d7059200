package auth

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims mirrors the teacher's internal/server/rest/middleware.go Claims
// type, adapted from an HTTP Authorization header to an in-band websocket
// event: the client sends {event:"authenticate", token:"<jwt>"} and this
// resolver verifies the RS256 signature the same way the teacher's
// JWTMiddleware verifies bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
	Email    string `json:"email"`
	GoogleID string `json:"google_id"`
}

// JWTResolver authenticates the client-carried "authenticate" verb against
// an RS256 public key.
type JWTResolver struct {
	publicKey *rsa.PublicKey
}

// NewJWTResolver builds a resolver that verifies tokens against pubKey.
func NewJWTResolver(pubKey *rsa.PublicKey) *JWTResolver {
	return &JWTResolver{publicKey: pubKey}
}

func (r *JWTResolver) Resolve(_ context.Context, event map[string]any) (*Identity, error) {
	if event["event"] != "authenticate" {
		return nil, nil
	}
	tokenStr, _ := event["token"].(string)
	if tokenStr == "" {
		return nil, fmt.Errorf("auth: authenticate event missing token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return r.publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	userID := claims.Subject
	return &Identity{
		UserID:     userID,
		SafeUserID: safeUserID(userID),
		Email:      claims.Email,
		GoogleID:   claims.GoogleID,
	}, nil
}

// safeUserID derives a public identifier from the raw user ID by adding a
// "safe-" prefix; the result is not hashed and the raw ID can be read back
// from it. What matters for this module is that safe_user_id and user_id
// are distinct values so
// the blob-storage stage's safe/legacy fallback (spec.md §4.6 step 8) has
// two different values to fall between.
func safeUserID(userID string) string {
	return "safe-" + userID
}
