package auth

import (
	"crypto/subtle"
	"os"
	"strings"
)

// EnvAPIKey is the environment variable holding the admin API key.
const EnvAPIKey = "TABLERELAY_API_KEY"

// KeyFromEnv returns the configured admin API key, or "" when unset.
func KeyFromEnv() string {
	return strings.TrimSpace(os.Getenv(EnvAPIKey))
}

// ValidateKey compares a presented key against the expected one in constant
// time. An empty expected key rejects everything.
func ValidateKey(expected, presented string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
