package token

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

	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	redisstore "github.com/gafaelfawr/gafaelfawr/internal/store/redis"
	sqlstore "github.com/gafaelfawr/gafaelfawr/internal/store/sql"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestService(t *testing.T) (*Service, *fixedClock) {
	t.Helper()

	db, err := sqlstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	var key fernet.Key
	require.NoError(t, key.Generate())
	cache, err := redisstore.New(rdb, key.Encode(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	clock := &fixedClock{now: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}
	svc := New(db, cache, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clock))
	return svc, clock
}

func TestCreateSessionTokenIntersectsScopes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.CreateSessionToken(ctx, "rachel",
		[]string{"read:all", "exec:admin"}, []string{"read:all"}, nil, "127.0.0.1", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"read:all"}, issued.Data.Scopes)
	require.NotEmpty(t, issued.Token.Secret)

	resolved, err := svc.Resolve(ctx, issued.Token)
	require.NoError(t, err)
	require.Equal(t, "rachel", resolved.Username)
}

func TestCreateUserTokenRejectsDuplicateName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	_, err = svc.CreateUserToken(ctx, session.Data, "laptop", []string{"read:all"}, nil, "rachel", "")
	require.NoError(t, err)

	_, err = svc.CreateUserToken(ctx, session.Data, "laptop", []string{"read:all"}, nil, "rachel", "")
	var dup *gafaelfawrerr.ValidationError
	require.ErrorAs(t, err, &dup)
}

func TestCreateUserTokenRejectsScopeEscalation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	_, err = svc.CreateUserToken(ctx, session.Data, "laptop", []string{"read:all", "exec:admin"}, nil, "rachel", "")
	require.Error(t, err)
}

func TestGetNotebookTokenIsDeterministicAndIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	first, err := svc.GetNotebookToken(ctx, session.Data, "")
	require.NoError(t, err)
	second, err := svc.GetNotebookToken(ctx, session.Data, "")
	require.NoError(t, err)

	require.Equal(t, first.Token.Key, second.Token.Key)
	require.Equal(t, first.Data.Scopes, second.Data.Scopes)

	// The second call's printable token must be just as usable as the
	// first's, not just share a key.
	require.NotEmpty(t, first.Token.Secret)
	require.Equal(t, first.Token.Secret, second.Token.Secret)
	resolved, err := svc.Resolve(ctx, second.Token)
	require.NoError(t, err)
	require.Equal(t, "rachel", resolved.Username)
}

func TestGetInternalTokenRejectsScopesOutsideParent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	_, err = svc.GetInternalToken(ctx, session.Data, "some-service", []string{"exec:admin"}, "")
	require.Error(t, err)

	delegated, err := svc.GetInternalToken(ctx, session.Data, "some-service", []string{"read:all"}, "")
	require.NoError(t, err)
	require.Equal(t, []string{"read:all"}, delegated.Data.Scopes)
}

func TestGetInternalTokenDifferentServicesGetDifferentKeys(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	a, err := svc.GetInternalToken(ctx, session.Data, "service-a", []string{"read:all"}, "")
	require.NoError(t, err)
	b, err := svc.GetInternalToken(ctx, session.Data, "service-b", []string{"read:all"}, "")
	require.NoError(t, err)

	require.NotEqual(t, a.Token.Key, b.Token.Key)
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	expires := clock.now.Add(time.Hour)
	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, &expires, "", nil)
	require.NoError(t, err)

	clock.now = expires.Add(time.Minute)
	_, err = svc.Resolve(ctx, session.Token)
	require.Error(t, err)
}

func TestDeleteTokenCascadesThroughService(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	notebook, err := svc.GetNotebookToken(ctx, session.Data, "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteToken(ctx, session.Data.Key, "rachel", ""))

	_, err = svc.Resolve(ctx, session.Token)
	require.Error(t, err)
	_, err = svc.Resolve(ctx, notebook.Token)
	require.Error(t, err)
}

func TestExpireSweepClearsRedisAndKeepsDatabaseRow(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	expires := clock.now.Add(time.Hour)
	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, &expires, "", nil)
	require.NoError(t, err)

	clock.now = expires.Add(time.Hour)
	n, err := svc.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tokens, err := svc.ListUserTokens(ctx, "rachel")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.Equal(t, session.Data.Key, tokens[0].Key)
}

func TestModifyTokenUpdatesScopesWithinParentBounds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all", "exec:admin"}, []string{"read:all", "exec:admin"}, nil, "", nil)
	require.NoError(t, err)
	issued, err := svc.CreateUserToken(ctx, session.Data, "laptop", []string{"read:all", "exec:admin"}, nil, "rachel", "")
	require.NoError(t, err)

	narrowed := []string{"read:all"}
	after, err := svc.ModifyToken(ctx, issued.Data.Key, Modification{Scopes: narrowed}, false, "rachel", "")
	require.NoError(t, err)
	require.Equal(t, narrowed, after.Scopes)

	_, err = svc.ModifyToken(ctx, issued.Data.Key, Modification{Scopes: []string{"exec:admin", "super:root"}}, false, "rachel", "")
	require.Error(t, err)
}

func TestParseScopeParamUnionsRepeatedAndCommaSeparated(t *testing.T) {
	got := ParseScopeParam([]string{"read:all,exec:admin", "exec:admin", "write:all"})
	require.Equal(t, []string{"exec:admin", "read:all", "write:all"}, got)
}
