// Package httpserver wires every Gafaelfawr HTTP endpoint onto a
// gorilla/mux router, the way server/server.go wires dex's: one mux.Router
// with SkipClean/UseEncodedPath, a per-handler instrumentation wrapper,
// a request-id/remote-ip context middleware, and an optional CORS wrapper
// on the endpoints a browser calls directly.
package httpserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/gafaelfawr/gafaelfawr/internal/admin"
	"github.com/gafaelfawr/gafaelfawr/internal/authorize"
	"github.com/gafaelfawr/gafaelfawr/internal/identity"
	"github.com/gafaelfawr/gafaelfawr/internal/identity/github"
	"github.com/gafaelfawr/gafaelfawr/internal/identity/ldap"
	"github.com/gafaelfawr/gafaelfawr/internal/identity/oidcprovider"
	"github.com/gafaelfawr/gafaelfawr/internal/influxdb"
	"github.com/gafaelfawr/gafaelfawr/internal/metrics"
	"github.com/gafaelfawr/gafaelfawr/internal/oidcserver"
	"github.com/gafaelfawr/gafaelfawr/internal/token"
)

type logRequestKey string

const (
	// RequestKeyRequestID and RequestKeyRemoteIP name the context values
	// a log handler reads back to annotate every line with the request
	// that produced it, the same two keys server/server.go exports.
	RequestKeyRequestID logRequestKey = "request_id"
	RequestKeyRemoteIP  logRequestKey = "client_remote_addr"
)

// WithRequestID stashes a freshly generated request id on ctx, the way
// server/server.go's WithRequestID does for every inbound request.
func WithRequestID(ctx context.Context) context.Context {
	return context.WithValue(ctx, RequestKeyRequestID, uuid.NewString())
}

// RequestID retrieves the id stashed by WithRequestID, or "" if none.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestKeyRequestID).(string)
	return id
}

// WithRemoteIP stashes the trust-resolved client IP on ctx.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, RequestKeyRemoteIP, ip)
}

// Config bundles every dependency the HTTP layer needs to build its
// routes. All fields are required except Github/OIDC/LDAP/OIDCServer,
// which are only wired when the corresponding upstream is configured,
// and InfluxDB and Metrics: with a nil InfluxDB the InfluxDB token
// endpoint reports not supported, and with a nil Metrics routes are not
// instrumented and /healthz and /metrics are not registered.
type Config struct {
	ExternalURL string

	Tokens    *token.Service
	Authorize *authorize.Handler
	Admins    *admin.Service
	Metrics   *metrics.Metrics
	InfluxDB  *influxdb.Issuer

	GitHub       *github.Adapter
	OIDC         *oidcprovider.Adapter
	OIDCServer   *oidcserver.Server
	LDAP         *ldap.Client
	GroupMapping identity.GroupMapping

	AllowedOrigins []string
	AllowedHeaders []string

	// KnownScopes is the full set of scopes this deployment grants;
	// a session token's scopes are this list intersected with what
	// the user's groups actually entitle them to.
	KnownScopes []string

	// AllowedReturnHosts validates the `rd` return-destination query
	// parameter on /login, per spec.md §4.5. Empty means any https host.
	AllowedReturnHosts []string
	AfterLogoutURL     string

	// RealIPHeader and TrustedRealIPCIDRs implement the same
	// reverse-proxy IP trust model as server/server.go's parseRealIP:
	// the header is only honored when the direct peer address falls
	// inside one of the trusted CIDRs.
	RealIPHeader        string
	TrustedRealIPCIDRs  []netip.Prefix

	Logger *slog.Logger
}

// Server is the fully wired HTTP surface.
type Server struct {
	cfg    Config
	mux    *mux.Router
	logger *slog.Logger
}

// New builds a Server and registers every route described by spec.md §5.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.mux = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) parseRealIP(r *http.Request) (string, error) {
	remoteAddr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", err
	}
	remoteIP, err := netip.ParseAddr(remoteAddr)
	if err != nil {
		return "", err
	}
	trusted := false
	for _, n := range s.cfg.TrustedRealIPCIDRs {
		if n.Contains(remoteIP) {
			trusted = true
			break
		}
	}
	if !trusted {
		return remoteAddr, nil
	}
	if v := r.Header.Get(s.cfg.RealIPHeader); v != "" {
		if ip, err := netip.ParseAddr(v); err == nil {
			return ip.String(), nil
		}
	}
	return remoteAddr, nil
}

func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	wrapped := func(w http.ResponseWriter, r *http.Request) {
		ctx := WithRequestID(r.Context())
		if s.cfg.RealIPHeader != "" {
			if ip, err := s.parseRealIP(r); err == nil {
				ctx = WithRemoteIP(ctx, ip)
			}
		}
		h(w, r.WithContext(ctx))
	}
	if s.cfg.Metrics == nil {
		return wrapped
	}
	return s.cfg.Metrics.Handler(name, http.HandlerFunc(wrapped))
}

func (s *Server) withCORS(h http.HandlerFunc) http.Handler {
	var handler http.Handler = h
	if len(s.cfg.AllowedOrigins) > 0 {
		cors := handlers.CORS(
			handlers.AllowedOrigins(s.cfg.AllowedOrigins),
			handlers.AllowedHeaders(s.cfg.AllowedHeaders),
		)
		handler = cors(handler)
	}
	return handler
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.NotFoundHandler = http.NotFoundHandler()

	handle := func(p string, name string, h http.HandlerFunc) {
		r.Handle(p, s.instrument(name, h))
	}
	handleCORS := func(p string, name string, h http.HandlerFunc) {
		r.Handle(p, s.instrument(name, func(w http.ResponseWriter, r *http.Request) {
			s.withCORS(h).ServeHTTP(w, r)
		}))
	}

	handle("/auth", "auth", s.handleAuth)
	handle("/login", "login", s.handleLogin)
	handle("/login/callback", "login-callback", s.handleLoginCallback)
	handle("/logout", "logout", s.handleLogout)

	handle("/auth/tokens", "tokens-ui", s.handleTokensUI)
	handle("/auth/api/v1/users/{user}/tokens", "token-list-create", s.handleUserTokens)
	handle("/auth/api/v1/users/{user}/tokens/{key}", "token-get-modify-delete", s.handleUserToken)
	handle("/auth/api/v1/history/token-changes", "history", s.handleHistory)
	handle("/auth/tokens/influxdb/new", "influxdb-token", s.handleInfluxDBToken)

	handle("/auth/admins", "admins-list-add", s.handleAdmins)
	handle("/auth/admins/{username}", "admins-delete", s.handleAdmin)

	if s.cfg.OIDCServer != nil {
		handle("/auth/openid/login", "openid-login", s.handleOIDCAuthorize)
		handle("/auth/openid/token", "openid-token", s.handleOIDCToken)
		handleCORS("/.well-known/openid-configuration", "openid-discovery", s.handleOIDCDiscovery)
		handleCORS("/.well-known/jwks.json", "openid-jwks", s.handleJWKS)
	}

	if s.cfg.Metrics != nil {
		r.Handle("/healthz", s.cfg.Metrics.Healthz())
		r.Handle("/metrics", s.cfg.Metrics.MetricsHandler())
	}

	return r
}
