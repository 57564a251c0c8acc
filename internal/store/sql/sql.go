// Package sql implements store.Database on top of a relational
// database, following the flavor/conn/trans abstraction from the
// teacher's storage/sql/sql.go: one set of queries written for
// Postgres, translated for SQLite so the same code path is exercised
// in tests without a live Postgres instance.
package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	_ "github.com/mattn/go-sqlite3"
)

// flavor captures the differences between the two SQL dialects this
// package supports.
type flavor struct {
	queryReplacers []replacer
	executeTx      func(db *sqlx.DB, fn func(*sqlx.Tx) error) error
	isSerializationFailure func(error) bool
	isUniqueViolation      func(error) bool
}

type replacer struct {
	re   *regexp.Regexp
	with string
}

var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

var flavorPostgres = flavor{
	// Postgres defaults to read-consistent, not write-consistent,
	// transactions; every transaction here needs SERIALIZABLE so the
	// derivation unique-key race in spec.md §4.3 resolves correctly.
	executeTx: func(db *sqlx.DB, fn func(*sqlx.Tx) error) error {
		ctx := context.Background()
		for {
			tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
			if err != nil {
				return err
			}
			if err := fn(tx); err != nil {
				tx.Rollback()
				if flavorPostgres.isSerializationFailure(err) {
					continue
				}
				return err
			}
			if err := tx.Commit(); err != nil {
				if flavorPostgres.isSerializationFailure(err) {
					continue
				}
				return err
			}
			return nil
		}
	},
	isSerializationFailure: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code.Name() == "serialization_failure"
	},
	isUniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
	},
}

var flavorSQLite3 = flavor{
	queryReplacers: []replacer{
		{bindRegexp, "?"},
		{matchLiteral("true"), "1"},
		{matchLiteral("false"), "0"},
		{matchLiteral("boolean"), "integer"},
		{matchLiteral("bytea"), "blob"},
		{matchLiteral("timestamptz"), "timestamp"},
		{regexp.MustCompile(`\bnow\(\)`), "strftime('%Y-%m-%d %H:%M:%f','now')"},
	},
	isSerializationFailure: func(error) bool { return false },
	isUniqueViolation: func(err error) bool {
		return err != nil && regexp.MustCompile(`UNIQUE constraint failed`).MatchString(err.Error())
	},
}

func (f flavor) translate(query string) string {
	for _, r := range f.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

// Conn is the main database connection used by store.Database.
type Conn struct {
	db     *sqlx.DB
	flavor flavor
}

// PoolConfig bounds the connection pool, matching the "10 read + 10
// write" default from spec.md §5. Since database/sql doesn't separate
// read/write pools, MaxOpen is their sum.
type PoolConfig struct {
	MaxOpenConns int
	MaxIdleConns int
}

// DefaultPoolConfig matches spec.md §5's bounded pool defaults.
func DefaultPoolConfig() PoolConfig { return PoolConfig{MaxOpenConns: 20, MaxIdleConns: 10} }

// OpenPostgres opens a Postgres-backed Conn.
func OpenPostgres(dataSourceName string, pool PoolConfig) (*Conn, error) {
	db, err := sqlx.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Conn{db: db, flavor: flavorPostgres}, nil
}

// OpenSQLite opens a SQLite-backed Conn, used by tests to exercise the
// same query surface without a live Postgres instance.
func OpenSQLite(dataSourceName string) (*Conn, error) {
	db, err := sqlx.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	c := &Conn{db: db, flavor: flavorSQLite3}
	if _, err := c.db.Exec(schemaDDLSQLite); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return c, nil
}

func (c *Conn) Close() error { return c.db.Close() }

func (c *Conn) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.flavor.translate(query), args...)
}

func (c *Conn) queryRowx(ctx context.Context, query string, args ...interface{}) *sqlx.Row {
	return c.db.QueryRowxContext(ctx, c.flavor.translate(query), args...)
}

func (c *Conn) queryx(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	return c.db.QueryxContext(ctx, c.flavor.translate(query), args...)
}

// execTx runs fn inside a transaction with the flavor's isolation and
// retry policy.
func (c *Conn) execTx(fn func(*sqlx.Tx) error) error {
	if c.flavor.executeTx != nil {
		return c.flavor.executeTx(c.db, fn)
	}
	tx, err := c.db.Beginx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Conn) isUniqueViolation(err error) bool {
	return c.flavor.isUniqueViolation != nil && c.flavor.isUniqueViolation(err)
}

// jsonColumn is a driver.Valuer/sql.Scanner pair used for the scope and
// group list columns, adapted from the teacher's encoder/decoder in
// storage/sql/crud.go.
type jsonColumn struct{ v interface{} }

func jsonEncode(v interface{}) driver.Valuer { return jsonColumn{v} }

func (j jsonColumn) Value() (driver.Value, error) {
	b, err := json.Marshal(j.v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func jsonDecode(dest interface{}) sql.Scanner { return &jsonColumn{dest} }

func (j *jsonColumn) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported scan type %T", src)
	}
	return json.Unmarshal(b, j.v)
}
