package realtime

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the claims the real-time layer reads from the session token
// the token is verified by the endpoint; the client only checks shape and expiry
type AuthClaims struct {
	Subject   string
	Role      string
	ExpiresAt time.Time
}

func (self *AuthClaims) Expired(now time.Time) bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(self.ExpiresAt)
}

func ParseAuthTokenUnverified(authToken string) (*AuthClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(authToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	authClaims := &AuthClaims{}
	if subject, err := claims.GetSubject(); err == nil {
		authClaims.Subject = subject
	}
	if role, ok := claims["role"].(string); ok {
		authClaims.Role = role
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		authClaims.ExpiresAt = expiresAt.Time
	}
	return authClaims, nil
}

// returns an `AuthError` when the token cannot be used for a new connection or join
func validateAuthToken(authToken string) (*AuthClaims, error) {
	if authToken == "" {
		return nil, &AuthError{Err: gojwt.ErrTokenMalformed}
	}
	authClaims, err := ParseAuthTokenUnverified(authToken)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	if authClaims.Expired(time.Now()) {
		return nil, &AuthError{Err: ErrTokenExpired}
	}
	return authClaims, nil
}
