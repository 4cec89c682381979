package api

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "bearer "

// bearerToken extracts the token from an Authorization header. The scheme match is case-insensitive.
func bearerToken(authHeader string) (string, bool) {
	authHeader = strings.TrimSpace(authHeader)
	if len(authHeader) < len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}

	token := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// unverifiedClaims decodes the token payload without checking the signature.
// The identity provider is the authority; this only rejects tokens that can never name a user.
func unverifiedClaims(tokenString string) (subject string, role string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", ""
	}

	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if r, ok := claims["role"].(string); ok {
		role = r
	}
	return subject, role
}

func missingSubjectMessage(role string) string {
	return fmt.Sprintf(
		"Invalid authorization token: missing sub claim (role=%s). Please login again and ensure Authorization uses the user's access_token, not the anon key.",
		role,
	)
}
