// Package store defines the two storage backends behind the token
// service: Database (the system of record) and Cache (the Redis
// performance layer). The split mirrors the teacher's single
// storage.Storage interface (storage/storage.go) but is broken into two
// narrower interfaces because, unlike dex, Gafaelfawr's spec requires a
// DB-is-authoritative / Redis-is-cache relationship rather than one
// interchangeable backend.
package store

import "errors"

// ErrNotFound is returned by both Database and Cache when a lookup
// finds nothing, the same sentinel the teacher uses in storage/errors.go.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by Database.CreateToken on a
// duplicate (owner, name) pair, and internally by derivation paths that
// race on a unique key.
var ErrAlreadyExists = errors.New("already exists")
