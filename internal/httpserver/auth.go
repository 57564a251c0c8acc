package httpserver

import (
	"net/http"

	"github.com/gafaelfawr/gafaelfawr/internal/authorize"
	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	"github.com/gafaelfawr/gafaelfawr/internal/token"
)

// handleAuth implements GET /auth, the ingress subrequest hot path
// described by spec.md §4.4.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	presented, err := authorize.ExtractToken(r)
	if err != nil {
		renderError(w, r, gafaelfawrerr.NewInvalidToken("no token presented"))
		return
	}

	q := r.URL.Query()
	req := authorize.Request{
		Scopes:      token.ParseScopeParam(q["scope"]),
		Satisfy:     authorize.ParseSatisfy(q.Get("satisfy")),
		DelegateTo:  authorize.ParseDelegateTo(q.Get("delegate_to")),
		OriginalURI: authorize.OriginalURI(r),
		ClientIP:    authorize.ClientIP(r),
	}
	if v, ok := q["delegate_scope"]; ok {
		req.DelegateScope = token.ParseScopeParam(v)
	}
	if q.Get("notebook") == "true" || q.Get("notebook") == "1" {
		req.DelegateTo = authorize.DelegateNotebook
	}

	decision, err := s.cfg.Authorize.Authorize(r.Context(), presented, req)
	if err != nil {
		renderError(w, r, err)
		return
	}

	authorize.WriteHeaders(w, decision)
	w.WriteHeader(http.StatusOK)
}
