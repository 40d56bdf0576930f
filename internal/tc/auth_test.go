package tc

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestValidateSeizeTokenNoKeyConfigured(t *testing.T) {
	require.True(t, validateSeizeToken(nil, ""), "auth is opt-in; no key means no check")
	require.True(t, validateSeizeToken(nil, "garbage"))
}

func TestValidateSeizeTokenRequiresToken(t *testing.T) {
	require.False(t, validateSeizeToken([]byte("secret"), ""))
}

func TestValidateSeizeTokenValidSignature(t *testing.T) {
	var key = []byte("secret")
	var claims = seizeClaims{jwt.RegisteredClaims{
		Subject:   "client-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)

	require.True(t, validateSeizeToken(key, token))
	require.False(t, validateSeizeToken([]byte("wrong-key"), token))
}

func TestValidateSeizeTokenExpired(t *testing.T) {
	var key = []byte("secret")
	var claims = seizeClaims{jwt.RegisteredClaims{
		Subject:   "client-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)

	require.False(t, validateSeizeToken(key, token))
}
