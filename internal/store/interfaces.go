package store

import (
	"context"
	"time"

	"github.com/gafaelfawr/gafaelfawr/internal/schema"
)

// Cache is the Redis-backed fast path: an encrypted-at-rest mapping
// from token key to TokenData. Grounded on storage/redis/redis.go.
type Cache interface {
	Get(ctx context.Context, key string) (schema.TokenData, error)
	Store(ctx context.Context, data schema.TokenData, expiresIn time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error

	// StoreOIDCCode and ConsumeOIDCCode implement the one-shot
	// authorization code of spec.md §4.6: consumption is an atomic
	// GET-then-DEL so two concurrent redemptions never both succeed.
	StoreOIDCCode(ctx context.Context, code schema.OIDCCode, expiresIn time.Duration) error
	ConsumeOIDCCode(ctx context.Context, key string) (schema.OIDCCode, error)

	Close() error
}

// Database is the relational system of record: tokens, history,
// admins, and the subject index. Grounded on storage/sql/crud.go.
type Database interface {
	CreateToken(ctx context.Context, data schema.TokenData, entry schema.HistoryEntry) error
	GetToken(ctx context.Context, key string) (schema.TokenData, error)
	GetTokenByName(ctx context.Context, owner, name string) (schema.TokenData, error)
	ListTokensForUser(ctx context.Context, username string) ([]schema.TokenData, error)
	ListDescendants(ctx context.Context, parentKey string) ([]schema.TokenData, error)

	UpdateToken(ctx context.Context, key string, updater func(schema.TokenData) (schema.TokenData, error), entry schema.HistoryEntry) error
	DeleteToken(ctx context.Context, key string, entry schema.HistoryEntry) error

	AppendHistory(ctx context.Context, entry schema.HistoryEntry) error
	HistoryForToken(ctx context.Context, key string, cursor *schema.Cursor, limit int) ([]schema.HistoryEntry, schema.Cursor, schema.Cursor, error)
	HistoryForUser(ctx context.Context, username string, cursor *schema.Cursor, limit int) ([]schema.HistoryEntry, schema.Cursor, schema.Cursor, error)

	ListAdmins(ctx context.Context) ([]schema.Admin, error)
	AddAdmin(ctx context.Context, username string) error
	RemoveAdmin(ctx context.Context, username string) error
	MergeBootstrapAdmins(ctx context.Context, usernames []string) error

	ExpireSweep(ctx context.Context, now time.Time) ([]schema.TokenData, error)

	Close() error
}
