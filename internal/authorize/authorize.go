// Package authorize implements the /auth subrequest handler described
// by spec.md §4.4: extract a bearer/basic/cookie token from the
// incoming subrequest, resolve it to TokenData, check scope
// satisfaction, optionally mint a delegated notebook/internal token,
// and render the X-Auth-Request-* response headers an ingress uses to
// gate the real request. Grounded on the request-parsing and
// header-writing style of server/handlers.go and the
// clientTokenMiddleware flow of server/auth_middleware.go.
package authorize

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	"github.com/gafaelfawr/gafaelfawr/internal/store"
	"github.com/gafaelfawr/gafaelfawr/internal/token"
)

// Satisfy names the scope satisfaction rule requested by the `satisfy`
// query parameter.
type Satisfy string

const (
	SatisfyAll Satisfy = "all"
	SatisfyAny Satisfy = "any"
)

// DelegateKind names which kind of delegated token `delegate_to` asks for.
type DelegateKind string

const (
	DelegateNone     DelegateKind = ""
	DelegateNotebook DelegateKind = "notebook"
	DelegateInternal DelegateKind = "internal"
)

// Request is the parsed form of an /auth subrequest, independent of
// any particular HTTP framework so it can be unit tested without a
// live *http.Request.
type Request struct {
	Scopes        []string
	Satisfy       Satisfy
	DelegateTo    DelegateKind
	DelegateScope []string
	DelegateName  string
	OriginalURI   string
	ClientIP      string
}

// Handler wires a token.Service into the /auth decision described above.
type Handler struct {
	tokens *token.Service
	logger *slog.Logger
}

// New builds a Handler over svc.
func New(svc *token.Service, logger *slog.Logger) *Handler {
	return &Handler{tokens: svc, logger: logger}
}

// Decision is the outcome of authorizing one subrequest: either a
// TokenData to render headers from, or an error to reject the request with.
type Decision struct {
	Data      schema.TokenData
	Delegated *schema.Token
}

// Authorize resolves the presented token, checks scope satisfaction,
// and optionally mints a delegated token, per spec.md §4.4.
func (h *Handler) Authorize(ctx context.Context, presented schema.Token, req Request) (Decision, error) {
	data, err := h.tokens.Resolve(ctx, presented)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Decision{}, gafaelfawrerr.NewInvalidToken("token not found, expired, or invalid")
		}
		return Decision{}, err
	}

	if !satisfied(req.Satisfy, req.Scopes, data.Scopes) {
		return Decision{}, gafaelfawrerr.NewInsufficientScope("token does not have required scope", req.Scopes)
	}

	decision := Decision{Data: data}
	switch req.DelegateTo {
	case DelegateNotebook:
		issued, err := h.tokens.GetNotebookToken(ctx, data, req.ClientIP)
		if err != nil {
			return Decision{}, err
		}
		decision.Delegated = &issued.Token
	case DelegateInternal:
		scopes := req.DelegateScope
		if scopes == nil {
			scopes = data.Scopes
		}
		issued, err := h.tokens.GetInternalToken(ctx, data, req.DelegateName, scopes, req.ClientIP)
		if err != nil {
			return Decision{}, err
		}
		decision.Delegated = &issued.Token
	}
	return decision, nil
}

// satisfied implements the `satisfy=all|any` rule from spec.md §4.4:
// "all" requires every required scope present, "any" requires at
// least one (or is vacuously true when no scopes were required).
func satisfied(satisfy Satisfy, required, held []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(held))
	for _, s := range held {
		set[s] = struct{}{}
	}
	switch satisfy {
	case SatisfyAny:
		for _, s := range required {
			if _, ok := set[s]; ok {
				return true
			}
		}
		return false
	default: // SatisfyAll
		for _, s := range required {
			if _, ok := set[s]; !ok {
				return false
			}
		}
		return true
	}
}

// ExtractToken pulls a presented token out of an incoming subrequest in
// the order spec.md §4.4 specifies: Authorization bearer, Authorization
// basic (token in either the username or password field), then the
// session cookie.
func ExtractToken(r *http.Request) (schema.Token, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if !ok {
			return schema.Token{}, errors.New("malformed Authorization header")
		}
		switch strings.ToLower(scheme) {
		case "bearer":
			return schema.ParseToken(strings.TrimSpace(value))
		case "basic":
			return extractBasic(value)
		}
	}
	if cookie, err := r.Cookie(schema.CookieName); err == nil {
		return schema.ParseToken(cookie.Value)
	}
	return schema.Token{}, errors.New("no token presented")
}

func extractBasic(encoded string) (schema.Token, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return schema.Token{}, errors.New("malformed basic auth credentials")
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return schema.Token{}, errors.New("malformed basic auth credentials")
	}
	// Some clients put the token in the username, others in the
	// password, with "x-oauth-basic" as the placeholder for the other
	// field; try whichever field actually parses as a token.
	if tok, err := schema.ParseToken(user); err == nil {
		return tok, nil
	}
	return schema.ParseToken(pass)
}

// OriginalURI implements the X-Original-URI / X-Original-URL
// precedence decided in Open Question (b): X-Original-URI wins when
// both are present, since that is the header nginx's ngx_http_auth_request
// module sets natively, with X-Original-URL as a fallback for other
// ingress controllers.
func OriginalURI(r *http.Request) string {
	if v := r.Header.Get("X-Original-URI"); v != "" {
		return v
	}
	return r.Header.Get("X-Original-URL")
}

// ClientIP extracts the caller's IP the way a reverse-proxy-aware
// component must: prefer the first address in X-Forwarded-For (set by
// the ingress closest to the real client) and fall back to
// RemoteAddr's host portion.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

// ParseSatisfy parses the `satisfy` query parameter, defaulting to "all".
func ParseSatisfy(v string) Satisfy {
	if Satisfy(strings.ToLower(v)) == SatisfyAny {
		return SatisfyAny
	}
	return SatisfyAll
}

// ParseDelegateTo parses the `delegate_to` query parameter.
func ParseDelegateTo(v string) DelegateKind {
	switch DelegateKind(strings.ToLower(v)) {
	case DelegateNotebook:
		return DelegateNotebook
	case DelegateInternal:
		return DelegateInternal
	default:
		return DelegateNone
	}
}

// WriteHeaders renders the X-Auth-Request-* response headers described
// by spec.md §4.4 from a successful Decision.
func WriteHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-Auth-Request-User", d.Data.Username)
	w.Header().Set("X-Auth-Request-Token-Scopes", schema.ScopesString(d.Data.Scopes))
	if d.Data.Email != "" {
		w.Header().Set("X-Auth-Request-Email", d.Data.Email)
	}
	if len(d.Data.Groups) > 0 {
		w.Header().Set("X-Auth-Request-Groups", strings.Join(d.Data.Groups, ","))
	}
	if d.Delegated != nil {
		w.Header().Set("X-Auth-Request-Token", d.Delegated.String())
	}
}
