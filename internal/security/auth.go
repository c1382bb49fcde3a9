package security

import (
	"crypto/subtle"
	"strings"
)

// Authorized reports whether a client presenting authHeader or queryToken
// may connect. An empty expected token disables the check.
func Authorized(authHeader, queryToken, expected string) bool {
	if expected == "" {
		return true
	}
	return tokenMatch(bearerToken(authHeader), expected) || tokenMatch(queryToken, expected)
}

// bearerToken parses "Bearer <token>". The scheme is case-insensitive.
func bearerToken(authHeader string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// tokenMatch compares in constant time. Empty tokens never match.
func tokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
