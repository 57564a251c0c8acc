package authorize

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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

func newTestHandler(t *testing.T) (*Handler, *token.Service) {
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

	svc := token.New(db, cache, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return New(svc, slog.New(slog.NewTextHandler(io.Discard, nil))), svc
}

func TestAuthorizeSatisfyAll(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	issued, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all", "exec:admin"}, []string{"read:all", "exec:admin"}, nil, "", nil)
	require.NoError(t, err)

	_, err = h.Authorize(ctx, issued.Token, Request{Scopes: []string{"read:all", "exec:admin"}, Satisfy: SatisfyAll})
	require.NoError(t, err)

	_, err = h.Authorize(ctx, issued.Token, Request{Scopes: []string{"read:all", "super:root"}, Satisfy: SatisfyAll})
	require.Error(t, err)
}

func TestAuthorizeSatisfyAny(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	issued, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	_, err = h.Authorize(ctx, issued.Token, Request{Scopes: []string{"read:all", "super:root"}, Satisfy: SatisfyAny})
	require.NoError(t, err)
}

func TestAuthorizeUnknownTokenReturnsInvalidToken(t *testing.T) {
	h, _ := newTestHandler(t)
	_, err := h.Authorize(context.Background(), schema.Token{Key: "missing", Secret: "whatever"}, Request{})
	require.Error(t, err)
}

func TestAuthorizeDelegatesNotebookToken(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	issued, err := svc.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	decision, err := h.Authorize(ctx, issued.Token, Request{DelegateTo: DelegateNotebook})
	require.NoError(t, err)
	require.NotNil(t, decision.Delegated)

	rr := httptest.NewRecorder()
	WriteHeaders(rr, decision)
	require.NotEmpty(t, rr.Header().Get("X-Auth-Request-Token"))
	require.Equal(t, "rachel", rr.Header().Get("X-Auth-Request-User"))
}

func TestExtractTokenPrefersBearer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	r.Header.Set("Authorization", "Bearer gt-"+"AAAAAAAAAAAAAAAAAAAAAA.BBBBBBBBBBBBBBBBBBBBBB")
	tok, err := ExtractToken(r)
	require.NoError(t, err)
	require.NotEmpty(t, tok.Key)
}

func TestExtractTokenFallsBackToCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	r.AddCookie(&http.Cookie{Name: schema.CookieName, Value: "gt-AAAAAAAAAAAAAAAAAAAAAA.BBBBBBBBBBBBBBBBBBBBBB"})
	tok, err := ExtractToken(r)
	require.NoError(t, err)
	require.NotEmpty(t, tok.Key)
}

func TestOriginalURIPrefersXOriginalURI(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	r.Header.Set("X-Original-URI", "/from-uri")
	r.Header.Set("X-Original-URL", "https://example.com/from-url")
	require.Equal(t, "/from-uri", OriginalURI(r))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	r.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "203.0.113.9", ClientIP(r))
}

func TestParseSatisfyDefaultsToAll(t *testing.T) {
	require.Equal(t, SatisfyAll, ParseSatisfy(""))
	require.Equal(t, SatisfyAny, ParseSatisfy("any"))
}
