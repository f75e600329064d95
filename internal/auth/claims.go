package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for this service.
// The rest of the codebase treats authentication as an opaque
// "resolve current user" step; handlers read identity via the context
// helpers, never from the token directly.
type Claims struct {
	jwt.RegisteredClaims

	UserID string `json:"user_id"`
	Role   string `json:"role"`
}
