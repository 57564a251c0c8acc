// Package schema holds the data model shared by every Gafaelfawr
// component: tokens, history entries, admins, and OIDC authorization
// codes/clients. Nothing in this package talks to storage; it only
// defines shapes and the invariants that the rest of the tree enforces.
package schema

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Algorithm is the JWT signing algorithm used for OIDC id_tokens. The
// InfluxDB token is signed with HS256 instead.
const Algorithm = "RS256"

// CookieName is the name of the browser session cookie.
const CookieName = "gafaelfawr"

// MinimumLifetime is the minimum expiration lifetime a caller may
// request for a new token, in seconds.
const MinimumLifetime = 5 * 60

// OIDCCodeLifetime is how long an OIDC authorization code is valid for,
// in seconds.
const OIDCCodeLifetime = 60 * 60

// TokenKeyLength and TokenSecretLength are the number of random bytes
// backing each half of a token's printable form.
const (
	TokenKeyLength    = 16
	TokenSecretLength = 16
)

var (
	usernameRE = regexp.MustCompile(`^[a-z_][a-z0-9._-]*$`)
	groupNameRE = regexp.MustCompile(`^[a-z_][a-zA-Z0-9._-]*$`)
	scopeRE    = regexp.MustCompile(`^[A-Za-z0-9:._-]+$`)
	cursorRE   = regexp.MustCompile(`^p?[0-9]+_[0-9]+$`)
	actorRE    = regexp.MustCompile(`^(?:<bootstrap>|[a-z_][a-z0-9._-]*)$`)
)

// BootstrapActor is the literal actor name used for history entries
// generated by the system rather than an authenticated user.
const BootstrapActor = "<bootstrap>"

// ValidUsername reports whether username matches the grammar required
// of a canonical username: lowercase, starting with a letter or
// underscore, at most 64 characters.
func ValidUsername(username string) bool {
	return len(username) > 0 && len(username) <= 64 && usernameRE.MatchString(username)
}

// ValidGroupName reports whether name is a syntactically valid group name.
func ValidGroupName(name string) bool {
	return len(name) > 0 && len(name) <= 64 && groupNameRE.MatchString(name)
}

// ValidScope reports whether scope matches the required grammar.
func ValidScope(scope string) bool {
	return scope != "" && scopeRE.MatchString(scope)
}

// ValidActor reports whether actor is either BootstrapActor or a valid username.
func ValidActor(actor string) bool {
	return actorRE.MatchString(actor)
}

// ValidCursor reports whether s is a syntactically valid pagination cursor.
func ValidCursor(s string) bool {
	return cursorRE.MatchString(s)
}

// TokenType names the kind of a token in the derivation hierarchy.
type TokenType string

const (
	TokenTypeSession  TokenType = "session"
	TokenTypeUser     TokenType = "user"
	TokenTypeNotebook TokenType = "notebook"
	TokenTypeInternal TokenType = "internal"
	TokenTypeService  TokenType = "service"
)

// Token is the full, printable, opaque token: "gt-<key>.<secret>". The
// key is the lookup handle, stored as-is server side; of the secret,
// only its SHA-256 hash (TokenData.SecretHash) is persisted.
type Token struct {
	Key    string
	Secret string
}

const (
	tokenPrefix = "gt-"
	codePrefix  = "gc-"
)

// NewToken generates a fresh Token with cryptographically random key
// and secret halves.
func NewToken() (Token, error) {
	key, err := randomURLSafe(TokenKeyLength)
	if err != nil {
		return Token{}, fmt.Errorf("generate token key: %w", err)
	}
	secret, err := randomURLSafe(TokenSecretLength)
	if err != nil {
		return Token{}, fmt.Errorf("generate token secret: %w", err)
	}
	return Token{Key: key, Secret: secret}, nil
}

// String renders the token in its printable "gt-<key>.<secret>" form.
func (t Token) String() string {
	return tokenPrefix + t.Key + "." + t.Secret
}

// ParseToken parses a printable token of the form "gt-<key>.<secret>".
func ParseToken(s string) (Token, error) {
	k, sec, err := parsePrintable(s, tokenPrefix)
	if err != nil {
		return Token{}, err
	}
	return Token{Key: k, Secret: sec}, nil
}

// Code is an OIDC authorization code, same shape as Token but with the
// "gc-" prefix.
type Code struct {
	Key    string
	Secret string
}

// NewCode generates a fresh authorization code.
func NewCode() (Code, error) {
	t, err := NewToken()
	if err != nil {
		return Code{}, err
	}
	return Code{Key: t.Key, Secret: t.Secret}, nil
}

// String renders the code in its printable "gc-<key>.<secret>" form.
func (c Code) String() string {
	return codePrefix + c.Key + "." + c.Secret
}

// ParseCode parses a printable authorization code.
func ParseCode(s string) (Code, error) {
	k, sec, err := parsePrintable(s, codePrefix)
	if err != nil {
		return Code{}, err
	}
	return Code{Key: k, Secret: sec}, nil
}

func parsePrintable(s, prefix string) (key, secret string, err error) {
	if !strings.HasPrefix(s, prefix) {
		return "", "", errors.New("missing prefix")
	}
	rest := strings.TrimPrefix(s, prefix)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("malformed token")
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[0]); err != nil {
		return "", "", fmt.Errorf("malformed key: %w", err)
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[1]); err != nil {
		return "", "", fmt.Errorf("malformed secret: %w", err)
	}
	return parts[0], parts[1], nil
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TokenData is everything attached to a token: identity, scopes, and
// lifecycle metadata. This is what gets stored (encrypted) in Redis and
// reconstructed from the database on a cache miss.
type TokenData struct {
	Key       string    `json:"key"`
	Username  string    `json:"username"`
	TokenType TokenType `json:"token_type"`
	Scopes    []string  `json:"scopes"`
	Created   time.Time `json:"created"`
	Expires   *time.Time `json:"expires,omitempty"`
	Parent    string    `json:"parent,omitempty"`
	Name      string    `json:"name,omitempty"`

	UID       *int64   `json:"uid,omitempty"`
	GID       *int64   `json:"gid,omitempty"`
	Email     string   `json:"email,omitempty"`
	FullName  string   `json:"full_name,omitempty"`
	Groups    []string `json:"groups,omitempty"`

	// SecretHash is SHA-256(secret), verified against the secret half
	// of a presented Token on every lookup. The plaintext secret
	// itself is never persisted anywhere, matching spec.md §3's "the
	// secret is never stored server-side beyond its encrypted Redis
	// record" -- only this one-way hash is, and it travels with the
	// database row too so a Redis cache miss can still rebuild enough
	// state to re-verify the next presentation of the same token.
	SecretHash string `json:"secret_hash"`

	// Revoked marks a token deleted through DeleteToken, distinct from
	// one that simply ran past its Expires time. ExpireSweep filters
	// revoked rows out of its query so a revoked token never picks up
	// a second, spurious expire history entry on top of its revoke
	// entry.
	Revoked bool `json:"revoked,omitempty"`
}

// IsExpired reports whether the token has an expiry and it is in the past.
func (d TokenData) IsExpired(now time.Time) bool {
	return d.Expires != nil && now.After(*d.Expires)
}

// ScopesString renders the scope set sorted and space separated, the
// canonical wire/hash representation used for deterministic internal
// token derivation and for the X-Auth-Request-Token-Scopes header.
func ScopesString(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

// ScopesSubset reports whether sub is a subset of super.
func ScopesSubset(sub, super []string) bool {
	set := make(map[string]struct{}, len(super))
	for _, s := range super {
		set[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// HashSecret returns the SHA-256 digest of a token's secret half,
// encoded as unpadded URL-safe base64,
// the only form of the secret ever persisted.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// SecretMatches reports whether secret hashes to want, in constant time.
func SecretMatches(secret, want string) bool {
	got := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// ScopesIntersect returns the intersection of a and b, order taken from a.
func ScopesIntersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
