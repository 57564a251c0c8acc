package sql

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	"github.com/gafaelfawr/gafaelfawr/internal/store"
)

func newTestConn(t *testing.T) *Conn {
	t.Helper()
	c, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateAndGetToken(t *testing.T) {
	c := newTestConn(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(time.Hour)

	data := schema.TokenData{
		Key:       "key1",
		Username:  "rachel",
		TokenType: schema.TokenTypeSession,
		Scopes:    []string{"read:all", "exec:admin"},
		Created:   now,
		Expires:   &expires,
	}
	entry := schema.HistoryEntry{
		TokenKey: "key1", Username: "rachel", Event: schema.HistoryEventCreate,
		Actor: "rachel", Timestamp: now,
	}
	require.NoError(t, c.CreateToken(ctx, data, entry))

	got, err := c.GetToken(ctx, "key1")
	require.NoError(t, err)
	require.Equal(t, "rachel", got.Username)
	require.ElementsMatch(t, data.Scopes, got.Scopes)
	require.NotNil(t, got.Expires)
}

func TestGetTokenNotFound(t *testing.T) {
	c := newTestConn(t)
	_, err := c.GetToken(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteTokenCascadesToDescendants(t *testing.T) {
	c := newTestConn(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	parent := schema.TokenData{Key: "parent", Username: "rachel", TokenType: schema.TokenTypeSession, Created: now}
	child := schema.TokenData{Key: "child", Username: "rachel", TokenType: schema.TokenTypeNotebook, Created: now, Parent: "parent"}
	grandchild := schema.TokenData{Key: "grandchild", Username: "rachel", TokenType: schema.TokenTypeInternal, Created: now, Parent: "child"}

	for _, d := range []schema.TokenData{parent, child, grandchild} {
		entry := schema.HistoryEntry{TokenKey: d.Key, Username: d.Username, Event: schema.HistoryEventCreate, Actor: "rachel", Timestamp: now}
		require.NoError(t, c.CreateToken(ctx, d, entry))
	}

	descendants, err := c.ListDescendants(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, descendants, 2)

	revokeEntry := schema.HistoryEntry{TokenKey: "parent", Username: "rachel", Event: schema.HistoryEventRevoke, Actor: "rachel", Timestamp: now}
	require.NoError(t, c.DeleteToken(ctx, "parent", revokeEntry))

	for _, key := range []string{"parent", "child", "grandchild"} {
		got, err := c.GetToken(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got.Expires)
		require.True(t, got.IsExpired(time.Now().Add(time.Second)))
		require.True(t, got.Revoked)
	}
}

func TestExpireSweepExcludesRevokedTokens(t *testing.T) {
	c := newTestConn(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	data := schema.TokenData{Key: "revoked", Username: "rachel", TokenType: schema.TokenTypeUser, Created: now}
	createEntry := schema.HistoryEntry{TokenKey: "revoked", Username: "rachel", Event: schema.HistoryEventCreate, Actor: "rachel", Timestamp: now}
	require.NoError(t, c.CreateToken(ctx, data, createEntry))

	revokeEntry := schema.HistoryEntry{TokenKey: "revoked", Username: "rachel", Event: schema.HistoryEventRevoke, Actor: "rachel", Timestamp: now}
	require.NoError(t, c.DeleteToken(ctx, "revoked", revokeEntry))

	// DeleteToken sets expires to now, which would otherwise also match
	// ExpireSweep's "expired" selection; the revoked marker must keep it
	// out regardless.
	expired, err := c.ExpireSweep(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, expired)

	history, _, _, err := c.HistoryForToken(ctx, "revoked", nil, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, schema.HistoryEventRevoke, history[0].Event)
}

func TestDuplicateUserTokenNameRejected(t *testing.T) {
	c := newTestConn(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	name := "laptop"
	a := schema.TokenData{Key: "a", Username: "rachel", TokenType: schema.TokenTypeUser, Created: now, Name: name}
	b := schema.TokenData{Key: "b", Username: "rachel", TokenType: schema.TokenTypeUser, Created: now, Name: name}

	entryA := schema.HistoryEntry{TokenKey: "a", Username: "rachel", Event: schema.HistoryEventCreate, Actor: "rachel", Timestamp: now}
	entryB := schema.HistoryEntry{TokenKey: "b", Username: "rachel", Event: schema.HistoryEventCreate, Actor: "rachel", Timestamp: now}

	require.NoError(t, c.CreateToken(ctx, a, entryA))
	err := c.CreateToken(ctx, b, entryB)
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestMergeBootstrapAdminsIsIdempotentAndAdditive(t *testing.T) {
	c := newTestConn(t)
	ctx := context.Background()

	require.NoError(t, c.AddAdmin(ctx, "manual-admin"))
	require.NoError(t, c.MergeBootstrapAdmins(ctx, []string{"manual-admin", "bootstrap-admin"}))

	admins, err := c.ListAdmins(ctx)
	require.NoError(t, err)
	var names []string
	for _, a := range admins {
		names = append(names, a.Username)
	}
	require.ElementsMatch(t, []string{"manual-admin", "bootstrap-admin"}, names)
}

func TestExpireSweepRecordsHistoryButKeepsRow(t *testing.T) {
	c := newTestConn(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)

	data := schema.TokenData{Key: "expired", Username: "rachel", TokenType: schema.TokenTypeUser, Created: past.Add(-time.Hour), Expires: &past}
	entry := schema.HistoryEntry{TokenKey: "expired", Username: "rachel", Event: schema.HistoryEventCreate, Actor: "rachel", Timestamp: past.Add(-time.Hour)}
	require.NoError(t, c.CreateToken(ctx, data, entry))

	expired, err := c.ExpireSweep(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	got, err := c.GetToken(ctx, "expired")
	require.NoError(t, err)
	require.Equal(t, "rachel", got.Username)

	history, _, _, err := c.HistoryForToken(ctx, "expired", nil, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, schema.HistoryEventExpire, history[0].Event)
}
