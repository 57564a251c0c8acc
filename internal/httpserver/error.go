package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	"github.com/gafaelfawr/gafaelfawr/internal/schema"
)

// renderError writes err as the JSON body shape from spec.md §6,
// choosing status code and any WWW-Authenticate challenge from the
// concrete gafaelfawrerr type. Anything unrecognized collapses to a
// generic 500, matching server/error.go's writeAPIError fallback.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	switch e := err.(type) {
	case *gafaelfawrerr.ValidationError:
		writeJSON(w, e.HTTPStatus(), map[string]any{"detail": e.Detail()})
	case *gafaelfawrerr.PermissionDeniedError:
		writeJSON(w, http.StatusForbidden, map[string]any{"detail": e.Error()})
	case *gafaelfawrerr.OAuthBearerError:
		challenge := challengeFor(r, e)
		if challenge != "" {
			w.Header().Set("WWW-Authenticate", challenge)
		}
		writeJSON(w, e.HTTPStatus(), map[string]any{"error": e.Code, "error_description": e.Message})
	case *gafaelfawrerr.OAuthError:
		if e.Code == "invalid_client" {
			w.Header().Set("WWW-Authenticate", "Basic")
		}
		writeJSON(w, e.HTTPStatus(), map[string]any{"error": e.Code, "error_description": e.Message})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "Internal server error"})
	}
}

// challengeFor renders the WWW-Authenticate header for a failed /auth
// subrequest per spec.md §4.4: the scheme matches the auth_type query
// parameter, and insufficient_scope carries the required scope list.
func challengeFor(r *http.Request, e *gafaelfawrerr.OAuthBearerError) string {
	scheme := "Bearer"
	if r.URL.Query().Get("auth_type") == "basic" {
		scheme = "Basic"
	}
	challenge := scheme + ` realm="gafaelfawr", error="` + e.Code + `"`
	if len(e.RequiredScopes) > 0 {
		challenge += `, scope="` + schema.ScopesString(e.RequiredScopes) + `"`
	}
	return challenge
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
