package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fernet/fernet-go"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	"github.com/gafaelfawr/gafaelfawr/internal/store"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})

	var key fernet.Key
	require.NoError(t, key.Generate())

	c, err := New(rdb, key.Encode(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	c := newTestClient(t)
	expires := time.Now().Add(time.Hour)
	data := schema.TokenData{
		Key:       "abc123",
		Username:  "rachel",
		TokenType: schema.TokenTypeSession,
		Scopes:    []string{"read:all", "exec:admin"},
		Created:   time.Now(),
		Expires:   &expires,
	}

	require.NoError(t, c.Store(context.Background(), data, time.Hour))

	got, err := c.Get(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, data.Username, got.Username)
	require.ElementsMatch(t, data.Scopes, got.Scopes)
}

func TestGetMissReturnsNotFound(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUndecryptableBlobTreatedAsMiss(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.rdb.Set(context.Background(), tokenKey("bad"), "not-a-fernet-token", 0).Err())

	_, err := c.Get(context.Background(), "bad")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOIDCCodeSingleUse(t *testing.T) {
	c := newTestClient(t)
	code := schema.OIDCCode{
		Code:        schema.Code{Key: "codekey", Secret: "codesecret"},
		ClientID:    "app",
		RedirectURI: "https://app.example.com/cb",
		TokenKey:    "tokenkey",
	}
	require.NoError(t, c.StoreOIDCCode(context.Background(), code, time.Hour))

	got, err := c.ConsumeOIDCCode(context.Background(), code.Code.Key)
	require.NoError(t, err)
	require.Equal(t, code.ClientID, got.ClientID)

	_, err = c.ConsumeOIDCCode(context.Background(), code.Code.Key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteAll(t *testing.T) {
	c := newTestClient(t)
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, c.Store(context.Background(), schema.TokenData{Key: key, Username: "u"}, 0))
	}
	require.NoError(t, c.DeleteAll(context.Background()))
	for _, key := range []string{"a", "b", "c"} {
		_, err := c.Get(context.Background(), key)
		require.ErrorIs(t, err, store.ErrNotFound)
	}
}
