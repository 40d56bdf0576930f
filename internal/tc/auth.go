package tc

import (
	"github.com/golang-jwt/jwt/v5"
)

// seizeClaims is the bearer-token payload open-connection optionally
// validates before seizing a connection, mirroring the claims-based
// capability check runtime/authorizer.go performs for shard access: a
// signed subject plus the standard registered claims (expiry, issuer).
// There is no authorization *rule* evaluation here (no selector, no
// capability grant) -- only "is this token well-formed and unexpired,"
// since the coordinator has no notion of per-table ACLs to check against.
type seizeClaims struct {
	jwt.RegisteredClaims
}

// validateSeizeToken checks a bearer token carried on tc-seize-req
// against key using HS256, the same signing method
// runtime/authorizer.go uses for self-signed tokens. An empty key
// disables the check entirely (open-connection never fails for a
// reason the client can't configure its way around in a deployment that
// never turned auth on).
func validateSeizeToken(key []byte, token string) bool {
	if len(key) == 0 {
		return true
	}
	if token == "" {
		return false
	}
	parsed, err := jwt.ParseWithClaims(token, &seizeClaims{}, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && parsed.Valid
}
