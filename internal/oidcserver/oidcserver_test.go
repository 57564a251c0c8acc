package oidcserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fernet/fernet-go"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	redisstore "github.com/gafaelfawr/gafaelfawr/internal/store/redis"
	sqlstore "github.com/gafaelfawr/gafaelfawr/internal/store/sql"
	"github.com/gafaelfawr/gafaelfawr/internal/token"
)

func newTestServer(t *testing.T) (*Server, *token.Service) {
	t.Helper()
	db, err := sqlstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	var fernetKey fernet.Key
	require.NoError(t, fernetKey.Generate())
	cache, err := redisstore.New(rdb, fernetKey.Encode(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	svc := token.New(db, cache, slog.New(slog.NewTextHandler(io.Discard, nil)))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cfg := Config{
		Issuer:         "https://gafaelfawr.example.com",
		Key:            key,
		KeyID:          DeriveKeyID(&key.PublicKey),
		IdentityClaims: []string{"email", "name", "groups"},
		Clients: map[string]Client{
			"app": {ID: "app", Secret: "app-secret", RedirectURIPrefix: "https://app.example.com/"},
		},
	}
	return New(cfg, svc, cache), svc
}

func TestAuthorizeAndRedeemCodeRoundTrip(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	code, err := s.Authorize(ctx, "app", "https://app.example.com/callback", "code", "openid", "state123", "nonce123", session.Token)
	require.NoError(t, err)

	resp, err := s.RedeemCode(ctx, "app", "app-secret", code.String(), "https://app.example.com/callback")
	require.NoError(t, err)
	require.Equal(t, "Bearer", resp.TokenType)
	require.NotEmpty(t, resp.IDToken)

	// access_token must be the backing session token's own printable
	// form, redeemable against /auth like any other bearer token.
	parsed, err := schema.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, session.Token.Key, parsed.Key)
	require.Equal(t, session.Token.Secret, parsed.Secret)

	resolved, err := svc.Resolve(ctx, parsed)
	require.NoError(t, err)
	require.Equal(t, "rachel", resolved.Username)
}

func TestRedeemCodeRejectsSecondRedemption(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)
	code, err := s.Authorize(ctx, "app", "https://app.example.com/callback", "code", "openid", "state123", "", session.Token)
	require.NoError(t, err)

	_, err = s.RedeemCode(ctx, "app", "app-secret", code.String(), "https://app.example.com/callback")
	require.NoError(t, err)

	_, err = s.RedeemCode(ctx, "app", "app-secret", code.String(), "https://app.example.com/callback")
	require.Error(t, err)
}

func TestAuthorizeRejectsRedirectURIOutsidePrefix(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	_, err = s.Authorize(ctx, "app", "https://evil.example.com/callback", "code", "openid", "state", "", session.Token)
	require.Error(t, err)
}

func TestRedeemCodeRejectsWrongClientSecret(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)
	code, err := s.Authorize(ctx, "app", "https://app.example.com/callback", "code", "openid", "state", "", session.Token)
	require.NoError(t, err)

	_, err = s.RedeemCode(ctx, "app", "wrong-secret", code.String(), "https://app.example.com/callback")
	require.Error(t, err)
}

func TestJWKSExposesConfiguredKeyID(t *testing.T) {
	s, _ := newTestServer(t)
	jwks := s.JWKS()
	require.Len(t, jwks.Keys, 1)
	require.Equal(t, s.cfg.KeyID, jwks.Keys[0].KeyID)
}
