package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	"github.com/gafaelfawr/gafaelfawr/internal/store"
)

var _ store.Database = (*Conn)(nil)

// tokenRow mirrors the token table for sqlx scanning.
type tokenRow struct {
	Key       string         `db:"key"`
	Username  string         `db:"username"`
	TokenType string         `db:"token_type"`
	Scopes    string         `db:"scopes"`
	Created   time.Time      `db:"created"`
	Expires   sql.NullTime   `db:"expires"`
	ParentKey sql.NullString `db:"parent_key"`
	Name      sql.NullString `db:"name"`
	UID       sql.NullInt64  `db:"uid"`
	GID       sql.NullInt64  `db:"gid"`
	Email     sql.NullString `db:"email"`
	FullName  sql.NullString `db:"full_name"`
	Groups    sql.NullString `db:"groups"`
	SecretHash string        `db:"secret_hash"`
	Revoked    bool          `db:"revoked"`
}

func (r tokenRow) toTokenData() (schema.TokenData, error) {
	var scopes, groups []string
	if r.Scopes != "" {
		if err := jsonDecode(&scopes).Scan(r.Scopes); err != nil {
			return schema.TokenData{}, fmt.Errorf("decode scopes: %w", err)
		}
	}
	if r.Groups.Valid && r.Groups.String != "" {
		if err := jsonDecode(&groups).Scan(r.Groups.String); err != nil {
			return schema.TokenData{}, fmt.Errorf("decode groups: %w", err)
		}
	}
	data := schema.TokenData{
		Key:       r.Key,
		Username:  r.Username,
		TokenType: schema.TokenType(r.TokenType),
		Scopes:    scopes,
		Created:    r.Created,
		Groups:     groups,
		SecretHash: r.SecretHash,
		Revoked:    r.Revoked,
	}
	if r.Expires.Valid {
		t := r.Expires.Time
		data.Expires = &t
	}
	if r.ParentKey.Valid {
		data.Parent = r.ParentKey.String
	}
	if r.Name.Valid {
		data.Name = r.Name.String
	}
	if r.UID.Valid {
		data.UID = &r.UID.Int64
	}
	if r.GID.Valid {
		data.GID = &r.GID.Int64
	}
	if r.Email.Valid {
		data.Email = r.Email.String
	}
	if r.FullName.Valid {
		data.FullName = r.FullName.String
	}
	return data, nil
}

func scopesJSON(scopes []string) (string, error) {
	v, err := jsonEncode(scopes).Value()
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Conn) insertToken(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, data schema.TokenData) error {
	scopesStr, err := scopesJSON(data.Scopes)
	if err != nil {
		return err
	}
	var groupsStr interface{}
	if len(data.Groups) > 0 {
		g, err := scopesJSON(data.Groups)
		if err != nil {
			return err
		}
		groupsStr = g
	}
	_, err = exec.ExecContext(ctx, c.flavor.translate(`
		insert into token (
			key, username, token_type, scopes, created, expires,
			parent_key, name, uid, gid, email, full_name, groups, secret_hash
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`),
		data.Key, data.Username, string(data.TokenType), scopesStr, data.Created, nullableTime(data.Expires),
		nullableString(data.Parent), nullableString(data.Name), nullableInt64(data.UID), nullableInt64(data.GID),
		nullableString(data.Email), nullableString(data.FullName), groupsStr, data.SecretHash,
	)
	return err
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

// CreateToken inserts a new token row and its creation history entry
// in a single transaction, per spec.md §4.3.
func (c *Conn) CreateToken(ctx context.Context, data schema.TokenData, entry schema.HistoryEntry) error {
	return c.execTx(func(tx *sqlx.Tx) error {
		if err := c.insertToken(ctx, tx, data); err != nil {
			if c.isUniqueViolation(err) {
				return store.ErrAlreadyExists
			}
			return fmt.Errorf("insert token: %w", err)
		}
		if err := c.insertHistory(ctx, tx, entry); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		return nil
	})
}

func (c *Conn) GetToken(ctx context.Context, key string) (schema.TokenData, error) {
	var row tokenRow
	err := c.queryRowx(ctx, `select * from token where key = $1`, key).StructScan(&row)
	if err == sql.ErrNoRows {
		return schema.TokenData{}, store.ErrNotFound
	}
	if err != nil {
		return schema.TokenData{}, fmt.Errorf("get token: %w", err)
	}
	return row.toTokenData()
}

func (c *Conn) GetTokenByName(ctx context.Context, owner, name string) (schema.TokenData, error) {
	var row tokenRow
	err := c.queryRowx(ctx, `
		select * from token where username = $1 and name = $2 and token_type = 'user'
	`, owner, name).StructScan(&row)
	if err == sql.ErrNoRows {
		return schema.TokenData{}, store.ErrNotFound
	}
	if err != nil {
		return schema.TokenData{}, fmt.Errorf("get token by name: %w", err)
	}
	return row.toTokenData()
}

func (c *Conn) ListTokensForUser(ctx context.Context, username string) ([]schema.TokenData, error) {
	rows, err := c.queryx(ctx, `select * from token where username = $1 order by created desc`, username)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []schema.TokenData
	for rows.Next() {
		var row tokenRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		data, err := row.toTokenData()
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

// ListDescendants returns every token reachable from parentKey by
// following parent_key links, computed with iterative BFS rather than
// a recursive CTE so the same code path works identically against
// SQLite in tests (design note in spec.md §9).
func (c *Conn) ListDescendants(ctx context.Context, parentKey string) ([]schema.TokenData, error) {
	var out []schema.TokenData
	frontier := []string{parentKey}
	seen := map[string]bool{}

	for len(frontier) > 0 {
		var next []string
		for _, key := range frontier {
			rows, err := c.queryx(ctx, `select * from token where parent_key = $1`, key)
			if err != nil {
				return nil, fmt.Errorf("list descendants: %w", err)
			}
			for rows.Next() {
				var row tokenRow
				if err := rows.StructScan(&row); err != nil {
					rows.Close()
					return nil, fmt.Errorf("scan descendant: %w", err)
				}
				if seen[row.Key] {
					continue
				}
				seen[row.Key] = true
				data, err := row.toTokenData()
				if err != nil {
					rows.Close()
					return nil, err
				}
				out = append(out, data)
				next = append(next, row.Key)
			}
			rows.Close()
		}
		frontier = next
	}
	return out, nil
}

// UpdateToken loads the row, applies updater, and writes back the
// changed fields inside one transaction, then appends entry. Callers
// populate entry.Before/After themselves; this only guarantees
// atomicity between the read, the write, and the history append.
func (c *Conn) UpdateToken(ctx context.Context, key string, updater func(schema.TokenData) (schema.TokenData, error), entry schema.HistoryEntry) error {
	return c.execTx(func(tx *sqlx.Tx) error {
		var row tokenRow
		if err := tx.QueryRowxContext(ctx, c.flavor.translate(`select * from token where key = $1`), key).StructScan(&row); err != nil {
			if err == sql.ErrNoRows {
				return store.ErrNotFound
			}
			return fmt.Errorf("load token: %w", err)
		}
		before, err := row.toTokenData()
		if err != nil {
			return err
		}
		after, err := updater(before)
		if err != nil {
			return err
		}

		scopesStr, err := scopesJSON(after.Scopes)
		if err != nil {
			return err
		}
		var groupsStr interface{}
		if len(after.Groups) > 0 {
			g, err := scopesJSON(after.Groups)
			if err != nil {
				return err
			}
			groupsStr = g
		}

		_, err = tx.ExecContext(ctx, c.flavor.translate(`
			update token set name = $1, scopes = $2, expires = $3, groups = $4
			where key = $5
		`), nullableString(after.Name), scopesStr, nullableTime(after.Expires), groupsStr, key)
		if err != nil {
			return fmt.Errorf("update token: %w", err)
		}
		return c.insertHistory(ctx, tx, entry)
	})
}

// DeleteToken revokes key and cascades to every descendant,
// transactionally, writing one revoke history entry per affected
// token (spec.md §8 invariant 3). The token row itself is NOT deleted
// here; deletion of the row (and its cascaded history) only happens
// when an operator purges history, per spec.md §3 "Lifecycle".
func (c *Conn) DeleteToken(ctx context.Context, key string, entry schema.HistoryEntry) error {
	descendants, err := c.ListDescendants(ctx, key)
	if err != nil {
		return err
	}

	return c.execTx(func(tx *sqlx.Tx) error {
		now := entry.Timestamp
		if _, err := tx.ExecContext(ctx, c.flavor.translate(`update token set expires = $1, revoked = true where key = $2`), now, key); err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
		if err := c.insertHistory(ctx, tx, entry); err != nil {
			return err
		}
		for _, d := range descendants {
			if _, err := tx.ExecContext(ctx, c.flavor.translate(`update token set expires = $1, revoked = true where key = $2`), now, d.Key); err != nil {
				return fmt.Errorf("revoke descendant %s: %w", d.Key, err)
			}
			descEntry := schema.HistoryEntry{
				TokenKey:  d.Key,
				Username:  d.Username,
				Event:     schema.HistoryEventRevoke,
				Actor:     entry.Actor,
				IPAddress: entry.IPAddress,
				Timestamp: entry.Timestamp,
			}
			if err := c.insertHistory(ctx, tx, descEntry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Conn) insertHistory(ctx context.Context, tx *sqlx.Tx, entry schema.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, c.flavor.translate(`
		insert into token_change_history
			(token_key, username, event, actor, ip_address, timestamp, before, after)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`), entry.TokenKey, entry.Username, string(entry.Event), entry.Actor,
		nullableString(entry.IPAddress), entry.Timestamp, nullBytes(entry.Before), nullBytes(entry.After))
	return err
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (c *Conn) AppendHistory(ctx context.Context, entry schema.HistoryEntry) error {
	return c.execTx(func(tx *sqlx.Tx) error { return c.insertHistory(ctx, tx, entry) })
}

type historyRow struct {
	ID        int64          `db:"id"`
	TokenKey  string         `db:"token_key"`
	Username  string         `db:"username"`
	Event     string         `db:"event"`
	Actor     string         `db:"actor"`
	IPAddress sql.NullString `db:"ip_address"`
	Timestamp time.Time      `db:"timestamp"`
	Before    sql.NullString `db:"before"`
	After     sql.NullString `db:"after"`
}

func (r historyRow) toEntry() schema.HistoryEntry {
	e := schema.HistoryEntry{
		ID:        r.ID,
		TokenKey:  r.TokenKey,
		Username:  r.Username,
		Event:     schema.HistoryEventKind(r.Event),
		Actor:     r.Actor,
		Timestamp: r.Timestamp,
	}
	if r.IPAddress.Valid {
		e.IPAddress = r.IPAddress.String
	}
	if r.Before.Valid {
		e.Before = []byte(r.Before.String)
	}
	if r.After.Valid {
		e.After = []byte(r.After.String)
	}
	return e
}

// HistoryForToken returns a page of history for one token, ordered
// (created desc, id desc), with before/after cursors for the page.
func (c *Conn) HistoryForToken(ctx context.Context, key string, cursor *schema.Cursor, limit int) ([]schema.HistoryEntry, schema.Cursor, schema.Cursor, error) {
	return c.paginateHistory(ctx, `token_key = $1`, []interface{}{key}, cursor, limit)
}

// HistoryForUser returns a page of history across all of a user's tokens.
func (c *Conn) HistoryForUser(ctx context.Context, username string, cursor *schema.Cursor, limit int) ([]schema.HistoryEntry, schema.Cursor, schema.Cursor, error) {
	return c.paginateHistory(ctx, `username = $1`, []interface{}{username}, cursor, limit)
}

func (c *Conn) paginateHistory(ctx context.Context, where string, args []interface{}, cursor *schema.Cursor, limit int) ([]schema.HistoryEntry, schema.Cursor, schema.Cursor, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `select * from token_change_history where ` + where
	placeholder := len(args) + 1

	if cursor != nil {
		op := "<"
		order := "desc"
		if cursor.Before {
			op = ">"
			order = "asc"
		}
		cursorTime := time.Unix(cursor.Timestamp, 0).UTC()
		query += fmt.Sprintf(` and (timestamp %s $%d or (timestamp = $%d and id %s $%d))`,
			op, placeholder, placeholder, op, placeholder+1)
		args = append(args, cursorTime, cursor.ID)
		placeholder += 2
		query += fmt.Sprintf(` order by timestamp %s, id %s limit $%d`, order, order, placeholder)
	} else {
		query += ` order by timestamp desc, id desc limit $` + fmt.Sprint(placeholder)
	}
	args = append(args, limit+1)

	rows, err := c.queryx(ctx, query, args...)
	if err != nil {
		return nil, schema.Cursor{}, schema.Cursor{}, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []historyRow
	for rows.Next() {
		var r historyRow
		if err := rows.StructScan(&r); err != nil {
			return nil, schema.Cursor{}, schema.Cursor{}, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, r)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.Cursor{}, schema.Cursor{}, err
	}

	if cursor != nil && cursor.Before {
		// before-cursor queries run ascending to use the index, then
		// get reversed to the stable (desc, desc) order callers expect.
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	out := make([]schema.HistoryEntry, len(entries))
	for i, r := range entries {
		out[i] = r.toEntry()
	}

	var next, prev schema.Cursor
	if len(out) > 0 {
		last := out[len(out)-1]
		first := out[0]
		if hasMore {
			next = schema.Cursor{Timestamp: last.Timestamp.Unix(), ID: last.ID}
		}
		prev = schema.Cursor{Before: true, Timestamp: first.Timestamp.Unix(), ID: first.ID}
	}
	return out, next, prev, nil
}

func (c *Conn) ListAdmins(ctx context.Context) ([]schema.Admin, error) {
	rows, err := c.queryx(ctx, `select username from admin order by username`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()
	var out []schema.Admin
	for rows.Next() {
		var a schema.Admin
		if err := rows.Scan(&a.Username); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (c *Conn) AddAdmin(ctx context.Context, username string) error {
	_, err := c.exec(ctx, `insert into admin (username) values ($1)`, username)
	if c.isUniqueViolation(err) {
		return nil
	}
	return err
}

func (c *Conn) RemoveAdmin(ctx context.Context, username string) error {
	_, err := c.exec(ctx, `delete from admin where username = $1`, username)
	return err
}

// MergeBootstrapAdmins adds any usernames from the configured
// bootstrap list that are not already admins; it never removes an
// existing admin, per spec.md §3.
func (c *Conn) MergeBootstrapAdmins(ctx context.Context, usernames []string) error {
	for _, username := range usernames {
		if err := c.AddAdmin(ctx, username); err != nil {
			return fmt.Errorf("merge bootstrap admin %s: %w", username, err)
		}
	}
	return nil
}

// ExpireSweep selects expired, non-revoked tokens, writes an expire
// history entry for each, and returns them so the caller (token.Service)
// can best-effort clean up their Redis entries. Database rows are never
// deleted by the sweep (spec.md §4.3). Tokens already revoked through
// DeleteToken are excluded -- they got their history entry at revocation
// time and must not pick up a second, spurious one here.
func (c *Conn) ExpireSweep(ctx context.Context, now time.Time) ([]schema.TokenData, error) {
	rows, err := c.queryx(ctx, `select * from token where expires is not null and expires < $1 and revoked = false`, now)
	if err != nil {
		return nil, fmt.Errorf("select expired: %w", err)
	}
	var expired []schema.TokenData
	for rows.Next() {
		var row tokenRow
		if err := rows.StructScan(&row); err != nil {
			rows.Close()
			return nil, err
		}
		data, err := row.toTokenData()
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, data)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, data := range expired {
		entry := schema.HistoryEntry{
			TokenKey:  data.Key,
			Username:  data.Username,
			Event:     schema.HistoryEventExpire,
			Actor:     schema.BootstrapActor,
			Timestamp: now,
		}
		if err := c.AppendHistory(ctx, entry); err != nil {
			return nil, fmt.Errorf("record expiry for %s: %w", data.Key, err)
		}
	}
	return expired, nil
}
