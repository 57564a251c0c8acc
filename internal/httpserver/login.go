package httpserver

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gafaelfawr/gafaelfawr/internal/authorize"
	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	"github.com/gafaelfawr/gafaelfawr/internal/identity"
	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	"github.com/gafaelfawr/gafaelfawr/internal/token"
)

const (
	cookieState  = "gafaelfawr_state"
	cookieNonce  = "gafaelfawr_nonce"
	cookieReturn = "gafaelfawr_rd"

	loginCookieMaxAge = 10 * time.Minute
)

// handleLogin implements GET /login: validates the return destination,
// stashes CSRF state (and an OIDC nonce, if applicable) in short-lived
// cookies, and redirects to the configured upstream provider.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	rd := r.URL.Query().Get("rd")
	if rd != "" {
		if err := s.validateReturnURL(rd); err != nil {
			renderError(w, r, err)
			return
		}
	}

	state, err := randomState()
	if err != nil {
		renderError(w, r, err)
		return
	}
	setTransientCookie(w, cookieState, state)
	if rd != "" {
		setTransientCookie(w, cookieReturn, rd)
	}

	switch {
	case s.cfg.OIDC != nil:
		nonce, err := randomState()
		if err != nil {
			renderError(w, r, err)
			return
		}
		setTransientCookie(w, cookieNonce, nonce)
		http.Redirect(w, r, s.cfg.OIDC.LoginURL(state, nonce), http.StatusFound)
	case s.cfg.GitHub != nil:
		http.Redirect(w, r, s.cfg.GitHub.LoginURL(state), http.StatusFound)
	default:
		renderError(w, r, gafaelfawrerr.NewNotSupported("no login provider is configured"))
	}
}

// handleLoginCallback implements GET /login/callback: verifies the CSRF
// state, resolves the upstream identity, enriches it with LDAP groups
// when configured, mints a session token, and redirects to the
// original return destination.
func (s *Server) handleLoginCallback(w http.ResponseWriter, r *http.Request) {
	expectedState, _ := r.Cookie(cookieState)
	rdCookie, _ := r.Cookie(cookieReturn)
	nonceCookie, _ := r.Cookie(cookieNonce)
	clearTransientCookies(w)

	if expectedState == nil || r.URL.Query().Get("state") != expectedState.Value {
		renderError(w, r, gafaelfawrerr.NewInvalidRequest("state parameter mismatch"))
		return
	}

	var id identity.Identity
	var err error
	switch {
	case s.cfg.OIDC != nil:
		nonce := ""
		if nonceCookie != nil {
			nonce = nonceCookie.Value
		}
		id, err = s.cfg.OIDC.HandleCallback(r.Context(), r, nonce)
	case s.cfg.GitHub != nil:
		id, err = s.cfg.GitHub.HandleCallback(r.Context(), r)
	default:
		err = gafaelfawrerr.NewNotSupported("no login provider is configured")
	}
	if err != nil {
		renderError(w, r, err)
		return
	}

	username := identity.CanonicalUsername(id.Username)
	groups := id.Groups
	if s.cfg.LDAP != nil {
		ldapGroups, err := s.cfg.LDAP.Groups(r.Context(), username)
		if err != nil {
			s.logger.Warn("ldap group enrichment failed", "username", username, "error", err)
		} else {
			groups = mergeGroups(groups, ldapGroups)
		}
	}
	entitled := identity.MapGroupsToScopes(groups, s.cfg.GroupMapping)

	ip := authorize.ClientIP(r)
	issued, err := s.cfg.Tokens.CreateSessionToken(r.Context(), username, s.cfg.KnownScopes, entitled, nil, ip, &token.SessionIdentity{
		Email:    id.Email,
		FullName: id.FullName,
		Groups:   groups,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     schema.CookieName,
		Value:    issued.Token.String(),
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  *issued.Data.Expires,
	})

	dest := "/"
	if rdCookie != nil && rdCookie.Value != "" {
		dest = rdCookie.Value
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// handleLogout clears the session cookie and redirects to the
// configured after-logout destination.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     schema.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   -1,
	})
	dest := s.cfg.AfterLogoutURL
	if dest == "" {
		dest = "/"
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// validateReturnURL enforces spec.md §4.5's return-URL rule: scheme
// must be https, and the host must match the configured allowlist
// when one is set.
func (s *Server) validateReturnURL(rd string) error {
	u, err := url.Parse(rd)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return gafaelfawrerr.NewInvalidReturnURL("rd must be an absolute https URL", "rd")
	}
	if len(s.cfg.AllowedReturnHosts) > 0 && !slices.Contains(s.cfg.AllowedReturnHosts, u.Hostname()) {
		return gafaelfawrerr.NewInvalidReturnURL("rd host is not in the configured allowlist", "rd")
	}
	return nil
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func setTransientCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(loginCookieMaxAge.Seconds()),
	})
}

func clearTransientCookies(w http.ResponseWriter) {
	for _, name := range []string{cookieState, cookieNonce, cookieReturn} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
}

// mergeGroups unions a and b, preserving a's order and de-duplicating.
func mergeGroups(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, g := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}
