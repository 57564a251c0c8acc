package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fernet/fernet-go"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gafaelfawr/gafaelfawr/internal/admin"
	"github.com/gafaelfawr/gafaelfawr/internal/authorize"
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
	var key fernet.Key
	require.NoError(t, key.Generate())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache, err := redisstore.New(rdb, key.Encode(), logger)
	require.NoError(t, err)

	tokens := token.New(db, cache, logger)
	admins := admin.New(db)
	authHandler := authorize.New(tokens, logger)

	srv := New(Config{
		ExternalURL: "https://gafaelfawr.example.com",
		Tokens:      tokens,
		Authorize:   authHandler,
		Admins:      admins,
		KnownScopes: []string{"read:all", "exec:admin"},
		Logger:      logger,
	})
	return srv, tokens
}

func TestHandleAuthGrantsWithSufficientScope(t *testing.T) {
	srv, tokens := newTestServer(t)
	ctx := context.Background()

	issued, err := tokens.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth?scope=read:all", nil)
	req.Header.Set("Authorization", "Bearer "+issued.Token.String())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "rachel", w.Header().Get("X-Auth-Request-User"))
}

func TestHandleAuthRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/auth?scope=read:all", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleAuthRejectsInsufficientScope(t *testing.T) {
	srv, tokens := newTestServer(t)
	ctx := context.Background()

	issued, err := tokens.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth?scope=exec:admin", nil)
	req.Header.Set("Authorization", "Bearer "+issued.Token.String())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestUserTokenCreationIsSelfServiceOnly(t *testing.T) {
	srv, tokens := newTestServer(t)
	ctx := context.Background()

	issued, err := tokens.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	body := `{"name":"laptop","scopes":["read:all"]}`
	req := httptest.NewRequest(http.MethodPost, "/auth/api/v1/users/someone-else/tokens", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+issued.Token.String())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestUserTokenCreationAndList(t *testing.T) {
	srv, tokens := newTestServer(t)
	ctx := context.Background()

	issued, err := tokens.CreateSessionToken(ctx, "rachel", []string{"read:all"}, []string{"read:all"}, nil, "", nil)
	require.NoError(t, err)

	body := `{"name":"laptop","scopes":["read:all"]}`
	req := httptest.NewRequest(http.MethodPost, "/auth/api/v1/users/rachel/tokens", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+issued.Token.String())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	require.NotEmpty(t, created["token"])

	listReq := httptest.NewRequest(http.MethodGet, "/auth/api/v1/users/rachel/tokens", nil)
	listReq.Header.Set("Authorization", "Bearer "+issued.Token.String())
	listW := httptest.NewRecorder()
	srv.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	var list []map[string]any
	require.NoError(t, json.NewDecoder(listW.Body).Decode(&list))
	require.Len(t, list, 2) // the session token plus the one just created
}
