package influxdb

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/gafaelfawr/gafaelfawr/internal/schema"
)

func TestMintProducesVerifiableHS256Token(t *testing.T) {
	issuer := New(Config{Secret: "test-secret"})
	expires := time.Now().Add(time.Hour)
	data := schema.TokenData{Username: "rachel", Expires: &expires}

	raw, err := issuer.Mint(data)
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	got := parsed.Claims.(*claims)
	require.Equal(t, "rachel", got.Username)
}

func TestMintUsesConfiguredUsernameOverride(t *testing.T) {
	issuer := New(Config{Secret: "test-secret", Username: "shared-influxdb-user"})
	raw, err := issuer.Mint(schema.TokenData{Username: "rachel"})
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	require.Equal(t, "shared-influxdb-user", parsed.Claims.(*claims).Username)
}
