// Package gafaelfawrerr defines the typed error hierarchy used across
// Gafaelfawr. Every HTTP-facing error knows its own status code and the
// "type" string that goes into the error response body; this mirrors
// original_source/src/gafaelfawr/exceptions.py and the
// displayedAuthErr/redirectedAuthErr split in the teacher's
// server/oauth2.go.
package gafaelfawrerr

import "net/http"

// ErrorLocation names the part of a request that gave rise to a
// ValidationError.
type ErrorLocation string

const (
	LocationBody   ErrorLocation = "body"
	LocationHeader ErrorLocation = "header"
	LocationPath   ErrorLocation = "path"
	LocationQuery  ErrorLocation = "query"
)

// ValidationError is an input validation error surfaced as HTTP 422
// (unless a subtype overrides StatusCode). It always carries a "type"
// string ("validation_failed" unless overridden), the field in error,
// and which part of the request it came from.
type ValidationError struct {
	Message    string
	Location   ErrorLocation
	Field      string
	Type       string
	StatusCode int
}

func (e *ValidationError) Error() string { return e.Message }

// Detail renders the error body shape from spec.md §6:
// {"detail": {"loc": [location, field], "msg": message, "type": type}}.
func (e *ValidationError) Detail() map[string]any {
	return map[string]any{
		"loc":  []string{string(e.Location), e.Field},
		"msg":  e.Message,
		"type": e.typeOrDefault(),
	}
}

func (e *ValidationError) typeOrDefault() string {
	if e.Type == "" {
		return "validation_failed"
	}
	return e.Type
}

func (e *ValidationError) statusOrDefault() int {
	if e.StatusCode == 0 {
		return http.StatusUnprocessableEntity
	}
	return e.StatusCode
}

// HTTPStatus reports the HTTP status code that should be used to
// render this error.
func (e *ValidationError) HTTPStatus() int { return e.statusOrDefault() }

func newValidation(errType string, location ErrorLocation, field, message string) *ValidationError {
	return &ValidationError{Message: message, Location: location, Field: field, Type: errType}
}

// NewDuplicateTokenName reports that the user tried to reuse a user
// token name.
func NewDuplicateTokenName(message string) *ValidationError {
	return newValidation("duplicate_token_name", LocationBody, "token_name", message)
}

// NewInvalidCSRF reports a missing or invalid CSRF token; HTTP 403.
func NewInvalidCSRF(message string) *ValidationError {
	e := newValidation("invalid_csrf", LocationHeader, "X-CSRF-Token", message)
	e.StatusCode = http.StatusForbidden
	return e
}

// NewInvalidCursor reports a malformed pagination cursor.
func NewInvalidCursor(message string) *ValidationError {
	return newValidation("invalid_cursor", LocationQuery, "cursor", message)
}

// NewInvalidExpires reports an invalid token expiration time.
func NewInvalidExpires(message string) *ValidationError {
	return newValidation("invalid_expires", LocationBody, "expires", message)
}

// NewInvalidIPAddress reports an invalid IP address.
func NewInvalidIPAddress(message string) *ValidationError {
	return newValidation("invalid_ip_address", LocationQuery, "ip_address", message)
}

// NewInvalidDelegateTo reports an invalid delegate_to value.
func NewInvalidDelegateTo(message string) *ValidationError {
	return newValidation("invalid_delegate_to", LocationQuery, "delegate_to", message)
}

// NewInvalidReturnURL reports an unsafe return URL.
func NewInvalidReturnURL(message, field string) *ValidationError {
	return newValidation("invalid_return_url", LocationQuery, field, message)
}

// NewInvalidScopes reports invalid or unavailable token scopes.
func NewInvalidScopes(message string) *ValidationError {
	return newValidation("invalid_scopes", LocationBody, "scopes", message)
}

// NewNotFound reports that a named resource does not exist; HTTP 404.
func NewNotFound(message string) *ValidationError {
	e := newValidation("not_found", LocationPath, "", message)
	e.StatusCode = http.StatusNotFound
	return e
}

// NewNotSupported reports an OIDC feature that is not configured in
// this deployment; surfaces as 404 not_found/not_supported.
func NewNotSupported(message string) *ValidationError {
	e := newValidation("not_supported", LocationPath, "", message)
	e.StatusCode = http.StatusNotFound
	return e
}

// PermissionDeniedError is returned when a user attempts to act on
// another user's resource without admin rights, or deletes the last
// admin. Always HTTP 403.
type PermissionDeniedError struct{ Message string }

func (e *PermissionDeniedError) Error() string { return e.Message }

func NewPermissionDenied(message string) *PermissionDeniedError {
	return &PermissionDeniedError{Message: message}
}

// OAuthError is the base for every OAuth2/OIDC protocol error: it
// carries the RFC 6749/6750 error code, a log-facing message, whether
// the message should be hidden from the client, and the HTTP status
// to use (400 unless the subtype overrides it).
type OAuthError struct {
	Code       string
	Message    string
	HideError  bool
	StatusCode int
}

func (e *OAuthError) Error() string { return e.Message }

func (e *OAuthError) HTTPStatus() int {
	if e.StatusCode == 0 {
		return http.StatusBadRequest
	}
	return e.StatusCode
}

func NewInvalidClient(message string) *OAuthError {
	return &OAuthError{Code: "invalid_client", Message: message}
}

func NewInvalidGrant(message string) *OAuthError {
	return &OAuthError{Code: "invalid_grant", Message: message, HideError: true}
}

func NewUnsupportedGrantType(message string) *OAuthError {
	return &OAuthError{Code: "unsupported_grant_type", Message: message}
}

func NewUnauthorizedClient(message string) *OAuthError {
	return &OAuthError{Code: "unauthorized_client", Message: message}
}

// OAuthBearerError is the subset of OAuthError that is returned via a
// WWW-Authenticate challenge header rather than (or in addition to) a
// JSON body: invalid_request (400), invalid_token (401), and
// insufficient_scope (403).
type OAuthBearerError struct {
	OAuthError
	RequiredScopes []string
}

func NewInvalidRequest(message string) *OAuthBearerError {
	return &OAuthBearerError{OAuthError: OAuthError{Code: "invalid_request", Message: message, StatusCode: http.StatusBadRequest}}
}

func NewInvalidToken(message string) *OAuthBearerError {
	return &OAuthBearerError{OAuthError: OAuthError{Code: "invalid_token", Message: message, StatusCode: http.StatusUnauthorized}}
}

func NewInsufficientScope(message string, required []string) *OAuthBearerError {
	return &OAuthBearerError{
		OAuthError:     OAuthError{Code: "insufficient_scope", Message: message, StatusCode: http.StatusForbidden},
		RequiredScopes: required,
	}
}

// DeserializeError reports that a stored blob could not be decrypted
// or unmarshaled. Callers must treat this identically to a cache miss,
// per spec.md §4.1/§7, while still logging it once at the point raised.
type DeserializeError struct{ Message string }

func (e *DeserializeError) Error() string { return e.Message }

func NewDeserializeError(message string) *DeserializeError {
	return &DeserializeError{Message: message}
}

// Infrastructure errors. These always surface as HTTP 500 with a
// correlation id; the client sees a generic message and the details
// are logged at the point raised.
type (
	KubernetesError       struct{ Message string }
	KubernetesObjectError struct{ Message string }
	ProviderError         struct {
		Provider string
		Message  string
	}
	LDAPError struct{ Message string }
)

func (e *KubernetesError) Error() string       { return e.Message }
func (e *KubernetesObjectError) Error() string { return e.Message }
func (e *ProviderError) Error() string         { return e.Provider + ": " + e.Message }
func (e *LDAPError) Error() string             { return e.Message }

func NewGitHubError(message string) *ProviderError { return &ProviderError{Provider: "github", Message: message} }
func NewOIDCError(message string) *ProviderError   { return &ProviderError{Provider: "oidc", Message: message} }
func NewLDAPError(message string) *LDAPError        { return &LDAPError{Message: message} }

// Token verification errors. These all collapse to invalid_token at the
// HTTP boundary (spec.md §7) but are kept distinct internally so logs
// show the real cause.
type (
	FetchKeysError          struct{ Message string }
	InvalidTokenClaimsError struct{ Message string }
	MissingClaimsError      struct{ Message string }
	UnknownAlgorithmError   struct{ Message string }
	UnknownKeyIDError       struct{ Message string }
)

func (e *FetchKeysError) Error() string          { return e.Message }
func (e *InvalidTokenClaimsError) Error() string { return e.Message }
func (e *MissingClaimsError) Error() string      { return e.Message }
func (e *UnknownAlgorithmError) Error() string   { return e.Message }
func (e *UnknownKeyIDError) Error() string       { return e.Message }

// AsInvalidToken collapses any VerifyToken-family error into the
// OAuthBearerError the HTTP boundary actually returns.
func AsInvalidToken(err error) *OAuthBearerError {
	return NewInvalidToken(err.Error())
}
