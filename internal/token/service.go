// Package token implements the only writer of tokens and the sole
// authority on derivation rules (spec.md §4.3). It sits on top of
// store.Database (system of record) and store.Cache (Redis fast path),
// grounded on the teacher's storage.Storage composition pattern but
// split across two backends per spec.md §4.2.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	"github.com/gafaelfawr/gafaelfawr/internal/store"
)

// Clock lets tests substitute a fixed notion of "now"; production code
// uses realClock.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Service is the token service described by spec.md §4.3.
type Service struct {
	db     store.Database
	cache  store.Cache
	clock  Clock
	logger *slog.Logger

	defaultSessionExpiry time.Duration
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithClock overrides the service's notion of "now"; used by tests.
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithDefaultSessionExpiry sets the expiry applied to session tokens
// created without an explicit one.
func WithDefaultSessionExpiry(d time.Duration) Option {
	return func(s *Service) { s.defaultSessionExpiry = d }
}

// New builds a Service over db and cache.
func New(db store.Database, cache store.Cache, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{db: db, cache: cache, clock: realClock{}, logger: logger, defaultSessionExpiry: 7 * 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time { return s.clock.Now() }

// Issued is what callers receive back from a creation call: the
// printable token plus the TokenData that was stored for it.
type Issued struct {
	Token schema.Token
	Data  schema.TokenData
}

func (s *Service) persist(ctx context.Context, data schema.TokenData, secret string, event schema.HistoryEventKind, actor, ip string) error {
	data.SecretHash = schema.HashSecret(secret)
	entry := schema.HistoryEntry{
		TokenKey:  data.Key,
		Username:  data.Username,
		Event:     event,
		Actor:     actor,
		IPAddress: ip,
		Timestamp: s.now(),
	}
	if err := s.db.CreateToken(ctx, data, entry); err != nil {
		return err
	}

	var expiresIn time.Duration
	if data.Expires != nil {
		if d := data.Expires.Sub(s.now()); d > 0 {
			expiresIn = d
		}
	}
	// Per spec.md §4.2: the transaction commits regardless of whether
	// the Redis mirror write succeeds; a failed mirror write is logged
	// and the next read re-materializes it from the database.
	if err := s.cache.Store(ctx, data, expiresIn); err != nil {
		s.logger.Error("redis mirror write failed after commit", "key", data.Key, "error", err)
	}
	return nil
}

// SessionIdentity carries the profile fields a login callback resolved
// from the upstream provider (and LDAP enrichment), stored alongside
// the session token so /auth can render X-Auth-Request-Email/Groups
// without a second round trip to the identity source.
type SessionIdentity struct {
	Email    string
	FullName string
	Groups   []string
}

// CreateSessionToken issues a new session token for username. Scopes
// are intersected with entitled (the scopes the user is actually
// entitled to, from §4.5's identity resolution), never unioned. id may
// be nil for callers (tests, internal tooling) that have no upstream
// profile to attach.
func (s *Service) CreateSessionToken(ctx context.Context, username string, requested, entitled []string, expires *time.Time, ip string, id *SessionIdentity) (Issued, error) {
	if !schema.ValidUsername(username) {
		return Issued{}, gafaelfawrerr.NewInvalidScopes("invalid username")
	}
	scopes := schema.ScopesIntersect(requested, entitled)

	tok, err := schema.NewToken()
	if err != nil {
		return Issued{}, fmt.Errorf("generate token: %w", err)
	}
	created := s.now()
	if expires == nil {
		e := created.Add(s.defaultSessionExpiry)
		expires = &e
	}
	if err := validateExpiry(created, *expires); err != nil {
		return Issued{}, err
	}

	data := schema.TokenData{
		Key:       tok.Key,
		Username:  username,
		TokenType: schema.TokenTypeSession,
		Scopes:    scopes,
		Created:   created,
		Expires:   expires,
	}
	if id != nil {
		data.Email = id.Email
		data.FullName = id.FullName
		data.Groups = id.Groups
	}
	if err := s.persist(ctx, data, tok.Secret, schema.HistoryEventCreate, username, ip); err != nil {
		return Issued{}, err
	}
	return Issued{Token: tok, Data: data}, nil
}

// CreateUserToken issues a long-lived, user-named token derived from a
// session token. actor must be the owner or an admin; callers enforce
// that before calling this.
func (s *Service) CreateUserToken(ctx context.Context, parent schema.TokenData, name string, scopes []string, expires *time.Time, actor, ip string) (Issued, error) {
	if !schema.ScopesSubset(scopes, parent.Scopes) {
		return Issued{}, gafaelfawrerr.NewInvalidScopes("requested scopes exceed parent token's scopes")
	}
	if _, err := s.db.GetTokenByName(ctx, parent.Username, name); err == nil {
		return Issued{}, gafaelfawrerr.NewDuplicateTokenName(fmt.Sprintf("token named %q already exists", name))
	} else if !errors.Is(err, store.ErrNotFound) {
		return Issued{}, err
	}

	tok, err := schema.NewToken()
	if err != nil {
		return Issued{}, fmt.Errorf("generate token: %w", err)
	}
	created := s.now()
	if expires != nil {
		if err := validateExpiry(created, *expires); err != nil {
			return Issued{}, err
		}
	}

	data := schema.TokenData{
		Key:       tok.Key,
		Username:  parent.Username,
		TokenType: schema.TokenTypeUser,
		Scopes:    scopes,
		Created:   created,
		Expires:   expires,
		Parent:    parent.Key,
		Name:      name,
		UID:       parent.UID,
		GID:       parent.GID,
		Email:     parent.Email,
		FullName:  parent.FullName,
		Groups:    parent.Groups,
	}
	if err := s.persist(ctx, data, tok.Secret, schema.HistoryEventCreate, actor, ip); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return Issued{}, gafaelfawrerr.NewDuplicateTokenName(fmt.Sprintf("token named %q already exists", name))
		}
		return Issued{}, err
	}
	return Issued{Token: tok, Data: data}, nil
}

// deterministicKey truncates a SHA-256 digest to schema.TokenKeyLength
// raw bytes and renders it URL-safe base64, matching the teacher's
// newSecureID encoding shape but derived, not random, so repeated calls
// with the same inputs always produce the same key.
func deterministicKey(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:schema.TokenKeyLength])
}

// deterministicSecret derives the secret half for a derived
// (notebook/internal) token from its already-deterministic key, under a
// distinct domain-separation tag so it never collides with the key
// itself. A derived token's secret is never stored anywhere (only its
// SecretHash is, same as every other token), so every caller that
// resolves an already-minted derived token -- not just the one that
// happened to mint it -- recomputes the same secret and gets back a
// fully usable "gt-<key>.<secret>" printable form.
func deterministicSecret(key string) string {
	h := sha256.New()
	h.Write([]byte("derived-secret"))
	h.Write([]byte{0})
	h.Write([]byte(key))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:schema.TokenSecretLength])
}

// GetNotebookToken returns the canonical notebook token for parent,
// creating it on first call. The key is deterministic
// (SHA-256(parent.key || "notebook")) so concurrent callers converge on
// the same row via the database's primary-key uniqueness rather than
// an advisory lock (spec.md §4.3, §5).
func (s *Service) GetNotebookToken(ctx context.Context, parent schema.TokenData, ip string) (Issued, error) {
	key := deterministicKey(parent.Key, "notebook")
	return s.getOrCreateDerived(ctx, key, parent, schema.TokenTypeNotebook, parent.Scopes, "", ip)
}

// GetInternalToken returns the canonical internal token for
// (parent, service, scopes), creating it on first call. scopes must be
// a subset of parent's scopes.
func (s *Service) GetInternalToken(ctx context.Context, parent schema.TokenData, service string, scopes []string, ip string) (Issued, error) {
	if !schema.ScopesSubset(scopes, parent.Scopes) {
		return Issued{}, gafaelfawrerr.NewInvalidScopes("delegated scopes exceed parent token's scopes")
	}
	key := deterministicKey(parent.Key, service, schema.ScopesString(scopes))
	return s.getOrCreateDerived(ctx, key, parent, schema.TokenTypeInternal, scopes, service, ip)
}

func (s *Service) getOrCreateDerived(ctx context.Context, key string, parent schema.TokenData, tokenType schema.TokenType, scopes []string, name, ip string) (Issued, error) {
	if existing, err := s.db.GetToken(ctx, key); err == nil {
		// The deterministic-key row already exists: recompute its
		// secret rather than minting a new one, so this call returns
		// the same printable token the first caller did.
		return Issued{Token: schema.Token{Key: key, Secret: deterministicSecret(key)}, Data: existing}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Issued{}, err
	}

	secret := deterministicSecret(key)
	data := schema.TokenData{
		Key:       key,
		Username:  parent.Username,
		TokenType: tokenType,
		Scopes:    scopes,
		Created:   s.now(),
		Parent:    parent.Key,
		Name:      name,
		UID:       parent.UID,
		GID:       parent.GID,
		Email:     parent.Email,
		FullName:  parent.FullName,
		Groups:    parent.Groups,
	}
	err = s.persist(ctx, data, secret, schema.HistoryEventCreate, schema.BootstrapActor, ip)
	if errors.Is(err, store.ErrAlreadyExists) {
		// Lost the unique-key race: the winner's row is authoritative,
		// but the secret is the same either way since it's derived from
		// the shared key.
		winner, getErr := s.db.GetToken(ctx, key)
		if getErr != nil {
			return Issued{}, getErr
		}
		return Issued{Token: schema.Token{Key: key, Secret: secret}, Data: winner}, nil
	}
	if err != nil {
		return Issued{}, err
	}
	return Issued{Token: schema.Token{Key: key, Secret: secret}, Data: data}, nil
}

// Resolve looks up a presented token: Redis first, falling back to the
// database and re-materializing Redis on a hit there (spec.md §4.2).
// It returns store.ErrNotFound for a missing, revoked, expired, or
// secret-mismatched token.
func (s *Service) Resolve(ctx context.Context, presented schema.Token) (schema.TokenData, error) {
	data, err := s.cache.Get(ctx, presented.Key)
	if errors.Is(err, store.ErrNotFound) {
		data, err = s.db.GetToken(ctx, presented.Key)
		if err != nil {
			return schema.TokenData{}, err
		}
		var expiresIn time.Duration
		if data.Expires != nil {
			if d := data.Expires.Sub(s.now()); d > 0 {
				expiresIn = d
			}
		}
		if cacheErr := s.cache.Store(ctx, data, expiresIn); cacheErr != nil {
			s.logger.Error("redis refill failed", "key", presented.Key, "error", cacheErr)
		}
	} else if err != nil {
		return schema.TokenData{}, err
	}

	if presented.Secret != "" && !schema.SecretMatches(presented.Secret, data.SecretHash) {
		return schema.TokenData{}, store.ErrNotFound
	}
	if data.Revoked || data.IsExpired(s.now()) {
		return schema.TokenData{}, store.ErrNotFound
	}
	return data, nil
}

// ModifyToken changes name, scopes, and/or expiry on an existing user
// token. A scope superset of the parent's is only allowed when
// actorIsAdmin is true.
type Modification struct {
	Name    *string
	Scopes  []string
	Expires *time.Time
}

func (s *Service) ModifyToken(ctx context.Context, key string, mod Modification, actorIsAdmin bool, actor, ip string) (schema.TokenData, error) {
	var before, after schema.TokenData
	current, err := s.db.GetToken(ctx, key)
	if err != nil {
		return schema.TokenData{}, err
	}
	parent := current
	if current.Parent != "" {
		if p, err := s.db.GetToken(ctx, current.Parent); err == nil {
			parent = p
		}
	}
	entry := schema.HistoryEntry{TokenKey: key, Username: current.Username, Event: schema.HistoryEventEdit, Actor: actor, IPAddress: ip, Timestamp: s.now()}

	err = s.db.UpdateToken(ctx, key, func(data schema.TokenData) (schema.TokenData, error) {
		before = data
		if mod.Scopes != nil {
			if !actorIsAdmin && !schema.ScopesSubset(mod.Scopes, parent.Scopes) {
				return data, gafaelfawrerr.NewInvalidScopes("scopes exceed parent token's scopes")
			}
			data.Scopes = mod.Scopes
		}
		if mod.Name != nil {
			data.Name = *mod.Name
		}
		if mod.Expires != nil {
			if err := validateExpiry(s.now(), *mod.Expires); err != nil {
				return data, err
			}
			data.Expires = mod.Expires
		}
		after = data
		return data, nil
	}, entry)
	if err != nil {
		return schema.TokenData{}, err
	}

	var expiresIn time.Duration
	if after.Expires != nil {
		if d := after.Expires.Sub(s.now()); d > 0 {
			expiresIn = d
		}
	}
	if cacheErr := s.cache.Store(ctx, after, expiresIn); cacheErr != nil {
		s.logger.Error("redis mirror write failed after modify", "key", key, "error", cacheErr)
	}
	_ = before
	return after, nil
}

// DeleteToken revokes key and every descendant, cascading within one
// database transaction (spec.md §8 invariant 3), then best-effort
// clears the corresponding Redis entries.
func (s *Service) DeleteToken(ctx context.Context, key, actor, ip string) error {
	data, err := s.db.GetToken(ctx, key)
	if err != nil {
		return err
	}
	descendants, err := s.db.ListDescendants(ctx, key)
	if err != nil {
		return err
	}

	entry := schema.HistoryEntry{
		TokenKey: key, Username: data.Username, Event: schema.HistoryEventRevoke,
		Actor: actor, IPAddress: ip, Timestamp: s.now(),
	}
	if err := s.db.DeleteToken(ctx, key, entry); err != nil {
		return err
	}

	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Error("redis delete failed", "key", key, "error", err)
	}
	for _, d := range descendants {
		if err := s.cache.Delete(ctx, d.Key); err != nil {
			s.logger.Error("redis delete failed", "key", d.Key, "error", err)
		}
	}
	return nil
}

// ExpireSweep runs the periodic background expiry sweep described by
// spec.md §4.3: select expired tokens, write history, best-effort
// clear Redis. Database rows are never deleted.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := s.db.ExpireSweep(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, data := range expired {
		if err := s.cache.Delete(ctx, data.Key); err != nil {
			s.logger.Error("redis delete during sweep failed", "key", data.Key, "error", err)
		}
	}
	return len(expired), nil
}

// RunSweepLoop runs ExpireSweep every interval until ctx is canceled.
func (s *Service) RunSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireSweep(ctx)
			if err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expiry sweep completed", "expired", n)
			}
		}
	}
}

func validateExpiry(created, expires time.Time) error {
	if !expires.After(created) {
		return gafaelfawrerr.NewInvalidExpires("expiry must be after creation time")
	}
	if expires.Before(created.Add(schema.MinimumLifetime * time.Second)) {
		return gafaelfawrerr.NewInvalidExpires("expiry must be at least 5 minutes in the future")
	}
	return nil
}

// ListHistory paginates the audit log for a token or a user.
func (s *Service) ListHistory(ctx context.Context, username, tokenKey string, cursor *schema.Cursor, limit int) ([]schema.HistoryEntry, schema.Cursor, schema.Cursor, error) {
	if tokenKey != "" {
		return s.db.HistoryForToken(ctx, tokenKey, cursor, limit)
	}
	return s.db.HistoryForUser(ctx, username, cursor, limit)
}

// ListUserTokens lists every token owned by username.
func (s *Service) ListUserTokens(ctx context.Context, username string) ([]schema.TokenData, error) {
	return s.db.ListTokensForUser(ctx, username)
}

// GetToken fetches a single token's data by key, the same not-found/
// expired collapse Resolve applies, for the token detail/modify/delete
// API endpoints.
func (s *Service) GetToken(ctx context.Context, key string) (schema.TokenData, error) {
	data, err := s.db.GetToken(ctx, key)
	if err != nil {
		return schema.TokenData{}, err
	}
	if data.IsExpired(s.now()) {
		return schema.TokenData{}, store.ErrNotFound
	}
	return data, nil
}

// DeleteAllRedisEntries wipes the Redis fast-path cache. It does not
// touch the relational store, so existing tokens keep working until
// they expire or an explicit DeleteToken revokes them;
// used by the `gafaelfawr delete-all-tokens` CLI command to force every
// cached session to re-resolve from Postgres on its next use.
func (s *Service) DeleteAllRedisEntries(ctx context.Context) error {
	return s.cache.DeleteAll(ctx)
}

// ParseScopeParam implements Open Question (a) from spec.md §9: accept
// both repeated and comma-separated scope query parameters and union
// them.
func ParseScopeParam(values []string) []string {
	set := map[string]struct{}{}
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := set[part]; ok {
				continue
			}
			set[part] = struct{}{}
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return out
}
