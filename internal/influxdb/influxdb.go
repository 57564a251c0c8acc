// Package influxdb mints the short-lived HS256 JWT handed out by
// `GET /auth/tokens/influxdb/new`, grounded on
// original_source/tests/handlers/influxdb_test.py's claim shape
// (username, exp, iat) and signed with golang-jwt/jwt/v5 the way the
// teacher's server/oauth2.go signs id_tokens with go-jose -- InfluxDB
// itself only understands HS256, so a different signing library is
// used here than for the RS256 OIDC id_token.
package influxdb

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gafaelfawr/gafaelfawr/internal/schema"
)

// Config configures the InfluxDB token issuer.
type Config struct {
	Secret string

	// Username overrides the subject claim when set, per spec.md
	// §1's `issuer.influxdb_username` config option; otherwise the
	// presenting token's own username is used.
	Username string
}

// Issuer mints InfluxDB-compatible access tokens.
type Issuer struct {
	cfg Config
}

// New builds an Issuer from cfg.
func New(cfg Config) *Issuer { return &Issuer{cfg: cfg} }

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Mint issues a token for data, expiring when data does (or 24 hours
// after issue if data never expires).
func (i *Issuer) Mint(data schema.TokenData) (string, error) {
	username := i.cfg.Username
	if username == "" {
		username = data.Username
	}

	expires := time.Now().Add(24 * time.Hour)
	if data.Expires != nil {
		expires = *data.Expires
	}

	c := claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(i.cfg.Secret))
}
