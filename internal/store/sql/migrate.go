package sql

// schemaDDL is written against Postgres syntax; flavor.translate()
// adapts it for SQLite so the exact same statements create both
// databases. This intentionally stays a single literal schema rather
// than a migration chain — SPEC_FULL.md names schema migrations as an
// external, out-of-scope concern (spec.md §1).
const schemaDDL = `
create table if not exists token (
	key text primary key,
	username text not null,
	token_type text not null,
	scopes text not null,
	created timestamptz not null,
	expires timestamptz,
	parent_key text references token(key),
	name text,
	uid bigint,
	gid bigint,
	email text,
	full_name text,
	groups text,
	secret_hash text not null,
	revoked boolean not null default false
);

create unique index if not exists token_owner_name_idx
	on token (username, name) where token_type = 'user';

create index if not exists token_parent_idx on token (parent_key);
create index if not exists token_username_idx on token (username);

create table if not exists token_change_history (
	id bigserial primary key,
	token_key text not null,
	username text not null,
	event text not null,
	actor text not null,
	ip_address text,
	timestamp timestamptz not null,
	before text,
	after text
);

create index if not exists history_token_idx on token_change_history (token_key);
create index if not exists history_username_idx on token_change_history (username, timestamp desc, id desc);

create table if not exists admin (
	username text primary key
);
`

var schemaDDLSQLite = flavorSQLite3.translate(sqliteCompatibleDDL(schemaDDL))

// sqliteCompatibleDDL patches the handful of constructs flavor.translate
// doesn't attempt to rewrite (bigserial, "where" partial index
// predicates on a boolean-as-text comparison still work fine under
// SQLite so only the autoincrement keyword needs help).
func sqliteCompatibleDDL(ddl string) string {
	return regexpReplaceAll(ddl, "bigserial", "integer")
}

func regexpReplaceAll(s, old, new string) string {
	return matchLiteral(old).ReplaceAllString(s, new)
}
