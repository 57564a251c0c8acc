// Package redis implements store.Cache on top of Redis, encrypting
// every TokenData blob at rest with Fernet the way the teacher's
// storage/sql/encryption.go encrypts sensitive connector config
// fields. Grounded on storage/redis/redis.go for the key-prefix /
// context-timeout shape.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fernet/fernet-go"
	redisv9 "github.com/redis/go-redis/v9"

	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	"github.com/gafaelfawr/gafaelfawr/internal/store"
)

const (
	tokenPrefix = "token:"
	codePrefix  = "code:"

	defaultTimeout = 5 * time.Second

	// gracePeriod is added to a token's TTL so that a request which
	// begins microseconds before expiry doesn't race Redis's own
	// eviction of the key.
	gracePeriod = 60 * time.Second
)

// Client is a Redis-backed store.Cache.
type Client struct {
	rdb       redisv9.UniversalClient
	encryptor *fernetEncryptor
	logger    *slog.Logger
}

var _ store.Cache = (*Client)(nil)

// New wraps an existing redis.UniversalClient. sessionSecret is a
// base64-encoded 32-byte Fernet key, rotated only on full redeployment
// per spec.md §4.1.
func New(rdb redisv9.UniversalClient, sessionSecret string, logger *slog.Logger) (*Client, error) {
	enc, err := newFernetEncryptor([]string{sessionSecret})
	if err != nil {
		return nil, fmt.Errorf("build session encryptor: %w", err)
	}
	return &Client{rdb: rdb, encryptor: enc, logger: logger}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

// Ping checks connectivity to Redis, for use as a health check.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func tokenKey(key string) string { return tokenPrefix + key }
func codeKey(key string) string  { return codePrefix + key }

// Get fetches and decrypts a TokenData blob. A missing key and an
// undecryptable/unparseable blob are both reported as store.ErrNotFound
// to the caller (spec.md §4.1 "undecryptable" outcome), but the latter
// is logged here since it indicates corruption or a key rotation bug.
func (c *Client) Get(ctx context.Context, key string) (schema.TokenData, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	raw, err := c.rdb.Get(ctx, tokenKey(key)).Result()
	if err == redisv9.Nil {
		return schema.TokenData{}, store.ErrNotFound
	}
	if err != nil {
		return schema.TokenData{}, fmt.Errorf("redis get: %w", err)
	}

	plaintext, err := c.encryptor.decrypt(raw)
	if err != nil {
		c.logger.Warn("undecryptable token blob, treating as miss", "key", key, "error", err)
		return schema.TokenData{}, store.ErrNotFound
	}

	var data schema.TokenData
	if jsonErr := json.Unmarshal([]byte(plaintext), &data); jsonErr != nil {
		de := gafaelfawrerr.NewDeserializeError(jsonErr.Error())
		c.logger.Warn("undeserializable token blob, treating as miss", "key", key, "error", de)
		return schema.TokenData{}, store.ErrNotFound
	}
	return data, nil
}

// Store encrypts and writes a TokenData blob with a TTL equal to
// expiresIn plus a small grace period. expiresIn of zero means no TTL.
func (c *Client) Store(ctx context.Context, data schema.TokenData, expiresIn time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}
	ciphertext, err := c.encryptor.encrypt(string(plaintext))
	if err != nil {
		return fmt.Errorf("encrypt token data: %w", err)
	}

	var ttl time.Duration
	if expiresIn > 0 {
		ttl = expiresIn + gracePeriod
	}
	if err := c.rdb.Set(ctx, tokenKey(data.Key), ciphertext, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.rdb.Del(ctx, tokenKey(key)).Err()
}

// DeleteAll removes every token entry, used by the admin
// delete-all-tokens flow (spec.md §4.1).
func (c *Client) DeleteAll(ctx context.Context) error {
	return c.deleteByPrefix(ctx, tokenPrefix)
}

func (c *Client) deleteByPrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// StoreOIDCCode stores a one-shot authorization code record.
func (c *Client) StoreOIDCCode(ctx context.Context, code schema.OIDCCode, expiresIn time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	plaintext, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal oidc code: %w", err)
	}
	ciphertext, err := c.encryptor.encrypt(string(plaintext))
	if err != nil {
		return fmt.Errorf("encrypt oidc code: %w", err)
	}
	return c.rdb.Set(ctx, codeKey(code.Code.Key), ciphertext, expiresIn).Err()
}

// ConsumeOIDCCode atomically reads and deletes the code record so that
// two concurrent redemptions can never both succeed (spec.md §8
// invariant 4). It uses GETDEL, which Redis guarantees is atomic.
func (c *Client) ConsumeOIDCCode(ctx context.Context, key string) (schema.OIDCCode, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	raw, err := c.rdb.GetDel(ctx, codeKey(key)).Result()
	if err == redisv9.Nil {
		return schema.OIDCCode{}, store.ErrNotFound
	}
	if err != nil {
		return schema.OIDCCode{}, fmt.Errorf("redis getdel: %w", err)
	}

	plaintext, err := c.encryptor.decrypt(raw)
	if err != nil {
		return schema.OIDCCode{}, store.ErrNotFound
	}
	var code schema.OIDCCode
	if err := json.Unmarshal([]byte(plaintext), &code); err != nil {
		return schema.OIDCCode{}, store.ErrNotFound
	}
	return code, nil
}

// fernetEncryptor wraps Fernet encryption with key-rotation support,
// adapted directly from the teacher's storage/sql/encryption.go.
type fernetEncryptor struct {
	primaryKey *fernet.Key
	allKeys    []*fernet.Key
}

func newFernetEncryptor(encodedKeys []string) (*fernetEncryptor, error) {
	if len(encodedKeys) == 0 {
		return nil, fmt.Errorf("at least one encryption key required")
	}
	allKeys := make([]*fernet.Key, len(encodedKeys))
	for i, encoded := range encodedKeys {
		key, err := fernet.DecodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid fernet key %d: %w", i, err)
		}
		allKeys[i] = key
	}
	return &fernetEncryptor{primaryKey: allKeys[0], allKeys: allKeys}, nil
}

func (fe *fernetEncryptor) encrypt(plaintext string) (string, error) {
	token, err := fernet.EncryptAndSign([]byte(plaintext), fe.primaryKey)
	if err != nil {
		return "", fmt.Errorf("fernet encrypt: %w", err)
	}
	return string(token), nil
}

func (fe *fernetEncryptor) decrypt(ciphertext string) (string, error) {
	plaintext := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, fe.allKeys)
	if plaintext == nil {
		return "", fmt.Errorf("fernet decrypt: invalid token or wrong key")
	}
	return string(plaintext), nil
}
