package oauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is the in-memory shape of one usable access token.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the token is still usable with at least buffer left
// before expiry. Tokens without a known expiry are treated as valid.
func (t *Token) Valid(buffer time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(t.ExpiresAt) > buffer
}

// expiryFromJWT extracts the exp claim from a JWT-shaped access token without
// verifying the signature. Servers that omit expires_in often issue JWTs, so
// this recovers an expiry we would otherwise not know. Returns the zero time
// when the token is not a JWT or carries no exp claim.
func expiryFromJWT(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
