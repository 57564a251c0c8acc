// Package oidcserver implements the embedded OIDC authorization server
// described by spec.md §4.6: the authorization endpoint, the token
// endpoint, and the discovery/JWKS endpoints. Signing is grounded on
// the teacher's server/oauth2.go signPayload/idTokenClaims idiom,
// rebuilt against the configured Client table and single-use
// authorization codes rather than dex's multi-connector storage model.
package oidcserver

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	"github.com/gafaelfawr/gafaelfawr/internal/store"
	"github.com/gafaelfawr/gafaelfawr/internal/token"
)

// Client is a statically configured downstream OIDC client, keyed by client_id.
type Client struct {
	ID                 string
	Secret             string
	RedirectURIPrefix   string
}

// Config configures the Server.
type Config struct {
	Issuer      string
	Key         *rsa.PrivateKey
	KeyID       string
	ExpiryMinutes int

	// IdentityClaims lists extra claim names to copy from a resolved
	// TokenData onto the id_token: "email", "name", "groups".
	IdentityClaims []string

	Clients map[string]Client
}

// Server implements the authorization endpoint, token endpoint, and
// discovery/JWKS endpoints.
type Server struct {
	cfg    Config
	tokens *token.Service
	cache  store.Cache
}

// New builds a Server.
func New(cfg Config, tokens *token.Service, cache store.Cache) *Server {
	if cfg.ExpiryMinutes == 0 {
		cfg.ExpiryMinutes = 60
	}
	return &Server{cfg: cfg, tokens: tokens, cache: cache}
}

// Authorize validates an authorization request and, given an already
// authenticated local token, issues a one-shot authorization code.
// Redirect-URI validation is a prefix match against the client's
// configured redirect, per spec.md §4.6.
func (s *Server) Authorize(ctx context.Context, clientID, redirectURI, responseType, scope, state, nonce string, sessionToken schema.Token) (code schema.Code, err error) {
	client, ok := s.cfg.Clients[clientID]
	if !ok {
		return schema.Code{}, gafaelfawrerr.NewInvalidClient("unknown client_id")
	}
	if !strings.HasPrefix(redirectURI, client.RedirectURIPrefix) {
		return schema.Code{}, gafaelfawrerr.NewInvalidRequest("redirect_uri does not match client configuration")
	}
	if responseType != "code" {
		return schema.Code{}, gafaelfawrerr.NewUnsupportedGrantType("only response_type=code is supported")
	}
	if !slices.Contains(strings.Fields(scope), "openid") {
		return schema.Code{}, gafaelfawrerr.NewInvalidRequest("scope must include openid")
	}

	oidcCode, err := schema.NewCode()
	if err != nil {
		return schema.Code{}, fmt.Errorf("generate code: %w", err)
	}

	record := schema.OIDCCode{
		Code:        oidcCode,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		TokenKey:    sessionToken.Key,
		TokenSecret: sessionToken.Secret,
		Nonce:       nonce,
	}
	if err := s.cache.StoreOIDCCode(ctx, record, time.Duration(schema.OIDCCodeLifetime)*time.Second); err != nil {
		return schema.Code{}, fmt.Errorf("store authorization code: %w", err)
	}
	return oidcCode, nil
}

// TokenResponse is the JSON body returned by the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// RedeemCode implements POST /auth/openid/token: authenticates the
// client (HTTP Basic or form credentials compared in constant time),
// atomically consumes the one-shot code, verifies the redirect URI
// matches issuance, and returns the signed token response.
func (s *Server) RedeemCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (TokenResponse, error) {
	client, ok := s.cfg.Clients[clientID]
	if !ok || subtle.ConstantTimeCompare([]byte(clientSecret), []byte(client.Secret)) != 1 {
		return TokenResponse{}, gafaelfawrerr.NewInvalidClient("client authentication failed")
	}

	parsed, err := schema.ParseCode(code)
	if err != nil {
		return TokenResponse{}, gafaelfawrerr.NewInvalidGrant("malformed authorization code")
	}

	record, err := s.cache.ConsumeOIDCCode(ctx, parsed.Key)
	if err != nil {
		return TokenResponse{}, gafaelfawrerr.NewInvalidGrant("authorization code not found or already used")
	}
	if record.ClientID != clientID || record.RedirectURI != redirectURI {
		return TokenResponse{}, gafaelfawrerr.NewInvalidGrant("authorization code was issued to a different client or redirect_uri")
	}

	data, err := s.tokens.Resolve(ctx, schema.Token{Key: record.TokenKey})
	if err != nil {
		return TokenResponse{}, gafaelfawrerr.NewInvalidGrant("backing token no longer valid")
	}

	idToken, expiry, err := s.signIDToken(clientID, data, record.Nonce)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign id_token: %w", err)
	}

	return TokenResponse{
		AccessToken: schema.Token{Key: record.TokenKey, Secret: record.TokenSecret}.String(),
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiry).Seconds()),
	}, nil
}

type idTokenClaims struct {
	Issuer   string `json:"iss"`
	Subject  string `json:"sub"`
	Audience string `json:"aud"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
	Nonce    string `json:"nonce,omitempty"`
	Scope    string `json:"scope,omitempty"`

	Email  string   `json:"email,omitempty"`
	Name   string   `json:"name,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

func (s *Server) signIDToken(clientID string, data schema.TokenData, nonce string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiry := now.Add(time.Duration(s.cfg.ExpiryMinutes) * time.Minute)

	claims := idTokenClaims{
		Issuer:   s.cfg.Issuer,
		Subject:  data.Username,
		Audience: clientID,
		IssuedAt: now.Unix(),
		Expiry:   expiry.Unix(),
		Nonce:    nonce,
		Scope:    schema.ScopesString(data.Scopes),
	}
	for _, claim := range s.cfg.IdentityClaims {
		switch claim {
		case "email":
			claims.Email = data.Email
		case "name":
			claims.Name = data.FullName
		case "groups":
			claims.Groups = data.Groups
		}
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal claims: %w", err)
	}

	jwk := jose.JSONWebKey{Key: s.cfg.Key, KeyID: s.cfg.KeyID, Algorithm: string(jose.RS256), Use: "sig"}
	signer, err := jose.NewSigner(jose.SigningKey{Key: jwk, Algorithm: jose.RS256}, &jose.SignerOptions{})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("new signer: %w", err)
	}
	signature, err := signer.Sign(payload)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign payload: %w", err)
	}
	compact, err := signature.CompactSerialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("serialize signature: %w", err)
	}
	return compact, expiry, nil
}

// JWKS renders the JSON Web Key Set exposing the RSA public key used
// for signing, with a stable kid derived from the key's public modulus.
func (s *Server) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &s.cfg.Key.PublicKey,
			KeyID:     s.cfg.KeyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	}
}

// DiscoveryDocument renders the minimal OpenID provider metadata
// document served from /.well-known/openid-configuration.
func (s *Server) DiscoveryDocument() map[string]any {
	return map[string]any{
		"issuer":                                s.cfg.Issuer,
		"authorization_endpoint":                s.cfg.Issuer + "/auth/openid/login",
		"token_endpoint":                        s.cfg.Issuer + "/auth/openid/token",
		"jwks_uri":                              s.cfg.Issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":                []string{"public"},
		"id_token_signing_alg_values_supported":  []string{"RS256"},
		"scopes_supported":                       []string{"openid"},
		"token_endpoint_auth_methods_supported":  []string{"client_secret_basic", "client_secret_post"},
	}
}

// DeriveKeyID computes a stable kid from an RSA public key's modulus,
// matching spec.md §4.6's "stable kid derived from the key's public modulus".
func DeriveKeyID(key *rsa.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(key.N.Bytes())[:16]
}
