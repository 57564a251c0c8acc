package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gafaelfawr/gafaelfawr/internal/authorize"
	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	"github.com/gafaelfawr/gafaelfawr/internal/store"
	"github.com/gafaelfawr/gafaelfawr/internal/token"
)

// currentActor resolves the token presented on the request to its
// TokenData, the identity every token API endpoint acts as.
func (s *Server) currentActor(r *http.Request) (schema.TokenData, error) {
	presented, err := authorize.ExtractToken(r)
	if err != nil {
		return schema.TokenData{}, gafaelfawrerr.NewInvalidToken("no token presented")
	}
	data, err := s.cfg.Tokens.Resolve(r.Context(), presented)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return schema.TokenData{}, gafaelfawrerr.NewInvalidToken("token not found, expired, or invalid")
		}
		return schema.TokenData{}, err
	}
	return data, nil
}

func (s *Server) isAdmin(r *http.Request, username string) bool {
	if s.cfg.Admins == nil {
		return false
	}
	ok, err := s.cfg.Admins.IsAdmin(r.Context(), username)
	if err != nil {
		return false
	}
	return ok
}

// handleTokensUI implements GET /auth/tokens: the token list/create
// surface, rendered as JSON rather than HTML templating, which is
// explicitly out of scope for this core.
func (s *Server) handleTokensUI(w http.ResponseWriter, r *http.Request) {
	actor, err := s.currentActor(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	tokens, err := s.cfg.Tokens.ListUserTokens(r.Context(), actor.Username)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

type createTokenRequest struct {
	Name    string     `json:"name"`
	Scopes  []string   `json:"scopes"`
	Expires *time.Time `json:"expires,omitempty"`
}

// handleUserTokens implements GET (list) and POST (create) on
// /auth/api/v1/users/{user}/tokens.
func (s *Server) handleUserTokens(w http.ResponseWriter, r *http.Request) {
	actor, err := s.currentActor(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	user := mux.Vars(r)["user"]

	switch r.Method {
	case http.MethodGet:
		if actor.Username != user && !s.isAdmin(r, actor.Username) {
			renderError(w, r, gafaelfawrerr.NewPermissionDenied("cannot list another user's tokens"))
			return
		}
		tokens, err := s.cfg.Tokens.ListUserTokens(r.Context(), user)
		if err != nil {
			renderError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tokens)

	case http.MethodPost:
		if actor.Username != user {
			renderError(w, r, gafaelfawrerr.NewPermissionDenied("can only create tokens for yourself"))
			return
		}
		var body createTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			renderError(w, r, gafaelfawrerr.NewInvalidScopes("malformed request body"))
			return
		}
		issued, err := s.cfg.Tokens.CreateUserToken(r.Context(), actor, body.Name, body.Scopes, body.Expires, actor.Username, authorize.ClientIP(r))
		if err != nil {
			renderError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"token": issued.Token.String(), "data": issued.Data})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type modifyTokenRequest struct {
	Name    *string    `json:"name,omitempty"`
	Scopes  []string   `json:"scopes,omitempty"`
	Expires *time.Time `json:"expires,omitempty"`
}

// handleUserToken implements GET/PATCH/DELETE on
// /auth/api/v1/users/{user}/tokens/{key}.
func (s *Server) handleUserToken(w http.ResponseWriter, r *http.Request) {
	actor, err := s.currentActor(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	user, key := vars["user"], vars["key"]
	isAdmin := s.isAdmin(r, actor.Username)
	if actor.Username != user && !isAdmin {
		renderError(w, r, gafaelfawrerr.NewPermissionDenied("cannot act on another user's token"))
		return
	}

	data, err := s.cfg.Tokens.GetToken(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, gafaelfawrerr.NewNotFound("token not found"))
			return
		}
		renderError(w, r, err)
		return
	}
	if data.Username != user {
		renderError(w, r, gafaelfawrerr.NewNotFound("token not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, data)

	case http.MethodPatch:
		var body modifyTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			renderError(w, r, gafaelfawrerr.NewInvalidScopes("malformed request body"))
			return
		}
		mod := token.Modification{Name: body.Name, Scopes: body.Scopes, Expires: body.Expires}
		updated, err := s.cfg.Tokens.ModifyToken(r.Context(), key, mod, isAdmin, actor.Username, authorize.ClientIP(r))
		if err != nil {
			renderError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case http.MethodDelete:
		if err := s.cfg.Tokens.DeleteToken(r.Context(), key, actor.Username, authorize.ClientIP(r)); err != nil {
			renderError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleHistory implements GET /auth/api/v1/history/token-changes: a
// paginated view of the audit log, scoped to the caller unless they
// are an admin and pass a `username` filter.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, err := s.currentActor(r)
	if err != nil {
		renderError(w, r, err)
		return
	}

	q := r.URL.Query()
	username := actor.Username
	if filter := q.Get("username"); filter != "" {
		if filter != actor.Username && !s.isAdmin(r, actor.Username) {
			renderError(w, r, gafaelfawrerr.NewPermissionDenied("cannot view another user's history"))
			return
		}
		username = filter
	}

	var cursor *schema.Cursor
	if raw := q.Get("cursor"); raw != "" {
		c, err := schema.ParseCursor(raw)
		if err != nil {
			renderError(w, r, gafaelfawrerr.NewInvalidCursor("malformed cursor"))
			return
		}
		cursor = &c
	}
	limit := 50

	entries, next, prev, err := s.cfg.Tokens.ListHistory(r.Context(), username, q.Get("token"), cursor, limit)
	if err != nil {
		renderError(w, r, err)
		return
	}

	if link := schema.LinkHeader(r.URL.String(), schema.RenderCursor(next), schema.RenderCursor(prev)); link != "" {
		w.Header().Set("Link", link)
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleInfluxDBToken implements GET /auth/tokens/influxdb/new.
func (s *Server) handleInfluxDBToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.InfluxDB == nil {
		renderError(w, r, gafaelfawrerr.NewNotSupported("InfluxDB token issuance is not configured"))
		return
	}
	actor, err := s.currentActor(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	raw, err := s.cfg.InfluxDB.Mint(actor)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": raw})
}

// handleAdmins implements GET (list) and POST (add) on /auth/admins.
func (s *Server) handleAdmins(w http.ResponseWriter, r *http.Request) {
	actor, err := s.currentActor(r)
	if err != nil {
		renderError(w, r, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		admins, err := s.cfg.Admins.GetAdmins(r.Context())
		if err != nil {
			renderError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, admins)

	case http.MethodPost:
		var body struct {
			Username string `json:"username"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			renderError(w, r, gafaelfawrerr.NewInvalidScopes("malformed request body"))
			return
		}
		if err := s.cfg.Admins.AddAdmin(r.Context(), body.Username, actor.Username); err != nil {
			renderError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusCreated)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleAdmin implements DELETE on /auth/admins/{username}.
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, err := s.currentActor(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	username := mux.Vars(r)["username"]
	if err := s.cfg.Admins.DeleteAdmin(r.Context(), username, actor.Username); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
