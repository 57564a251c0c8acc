package schema

import "time"

// HistoryEventKind names a token lifecycle event.
type HistoryEventKind string

const (
	HistoryEventCreate HistoryEventKind = "create"
	HistoryEventRevoke HistoryEventKind = "revoke"
	HistoryEventEdit   HistoryEventKind = "edit"
	HistoryEventExpire HistoryEventKind = "expire"
)

// HistoryEntry is an immutable record of one token lifecycle event.
// Entries are append-only; nothing ever updates or deletes one except
// the cascade delete that follows removal of the token's database row.
type HistoryEntry struct {
	ID        int64            `json:"id" db:"id"`
	TokenKey  string           `json:"token_key" db:"token_key"`
	Username  string           `json:"username" db:"username"`
	Event     HistoryEventKind `json:"event" db:"event"`
	Actor     string           `json:"actor" db:"actor"`
	IPAddress string           `json:"ip_address,omitempty" db:"ip_address"`
	Timestamp time.Time        `json:"timestamp" db:"timestamp"`

	// Before/After are columns for JSON-encoded snapshots of changed
	// fields. The token service's create, edit, revoke and expire paths
	// write entries with both left empty.
	Before []byte `json:"before,omitempty" db:"before"`
	After  []byte `json:"after,omitempty" db:"after"`
}

// Cursor is a pagination cursor of the form "p?<unix_seconds>_<id>".
// Sort order for the underlying query is (created desc, id desc), which
// makes cursors stable under concurrent inserts.
type Cursor struct {
	Before    bool
	Timestamp int64
	ID        int64
}

// Admin is a username with blanket authority over every token.
type Admin struct {
	Username string `json:"username" db:"username"`
}

// OIDCCode is a one-shot authorization-code record: which client
// requested it, which redirect URI it was issued for, which token it
// will deliver, and the nonce to embed in the resulting id_token.
// TokenSecret carries the backing session token's secret half so the
// token endpoint can hand back a fully usable printable access_token;
// this record only ever exists Fernet-encrypted in Redis and is
// consumed (deleted) atomically on first redemption, the same
// encrypted-at-rest and single-use handling every other token secret
// gets.
type OIDCCode struct {
	Code        Code
	ClientID    string
	RedirectURI string
	TokenKey    string
	TokenSecret string
	Nonce       string
	Created     time.Time
}

// OIDCClient is a statically configured downstream OIDC client.
type OIDCClient struct {
	ID                 string
	Secret             string
	ReturnURIPrefix    string
}
