package httpserver

import (
	"net/http"
	"net/url"

	"github.com/gafaelfawr/gafaelfawr/internal/authorize"
	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
)

// handleOIDCAuthorize implements GET /auth/openid/login, the
// authorization endpoint of the embedded OIDC server described by
// spec.md §4.6. A caller without an existing Gafaelfawr session is
// funneled through the standard login flow with `rd` set to resume
// here once authenticated.
func (s *Server) handleOIDCAuthorize(w http.ResponseWriter, r *http.Request) {
	presented, err := authorize.ExtractToken(r)
	if err == nil {
		_, err = s.cfg.Tokens.Resolve(r.Context(), presented)
	}
	if err != nil {
		rd := url.URL{
			Path:     "/login",
			RawQuery: url.Values{"rd": {s.cfg.ExternalURL + r.URL.RequestURI()}}.Encode(),
		}
		http.Redirect(w, r, rd.String(), http.StatusFound)
		return
	}

	q := r.URL.Query()
	code, err := s.cfg.OIDCServer.Authorize(
		r.Context(),
		q.Get("client_id"),
		q.Get("redirect_uri"),
		q.Get("response_type"),
		q.Get("scope"),
		q.Get("state"),
		q.Get("nonce"),
		presented,
	)
	if err != nil {
		renderError(w, r, err)
		return
	}

	dest := url.Values{"code": {code.String()}}
	if state := q.Get("state"); state != "" {
		dest.Set("state", state)
	}
	redirectURI, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		renderError(w, r, gafaelfawrerr.NewInvalidRequest("malformed redirect_uri"))
		return
	}
	redirectURI.RawQuery = dest.Encode()
	http.Redirect(w, r, redirectURI.String(), http.StatusFound)
}

// handleOIDCToken implements POST /auth/openid/token, the token
// endpoint. Client credentials may arrive as HTTP Basic auth or as
// form parameters.
func (s *Server) handleOIDCToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		renderError(w, r, gafaelfawrerr.NewInvalidRequest("malformed form body"))
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}

	if r.PostForm.Get("grant_type") != "authorization_code" {
		renderError(w, r, gafaelfawrerr.NewUnsupportedGrantType("only grant_type=authorization_code is supported"))
		return
	}

	resp, err := s.cfg.OIDCServer.RedeemCode(
		r.Context(),
		clientID,
		clientSecret,
		r.PostForm.Get("code"),
		r.PostForm.Get("redirect_uri"),
	)
	if err != nil {
		renderError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// handleOIDCDiscovery implements GET /.well-known/openid-configuration.
func (s *Server) handleOIDCDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.OIDCServer.DiscoveryDocument())
}

// handleJWKS implements GET /.well-known/jwks.json.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.OIDCServer.JWKS())
}
