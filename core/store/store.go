/*
Package store defines the document store the marina backend writes to.

The store is deliberately small: key-based get/put/delete plus kind-scoped
queries with equality filters and opaque cursor pagination. Every document
is addressed by a kind and a numeric identifier which the store allocates.
There are no cross-document transactions; each call is an independent
round-trip and callers sequence their writes accordingly.
*/
package store

import (
	"context"
	"errors"
)

// ErrNoSuchEntity is returned by Get when no document exists for the key.
var ErrNoSuchEntity = errors.New("store: no such entity")

// Key addresses a single document.
type Key struct {
	Kind string
	ID   int64
}

// Filter is an equality filter on a top-level document field.
type Filter struct {
	Field string
	Value interface{}
}

// Query describes a kind-scoped query.
//
// Cursor is an opaque continuation token from a previous Result; an empty
// cursor starts at the beginning. Limit of zero means no limit. With
// KeysOnly set, the result carries keys but no documents.
type Query struct {
	Kind     string
	Filters  []Filter
	Order    string
	Limit    int
	Cursor   string
	KeysOnly bool
}

// Result is one page of a query.
//
// Keys and Items run in parallel; Items holds the raw JSON documents and is
// nil for keys-only queries. More is true iff further rows exist beyond this
// page, in which case NextCursor continues the iteration.
type Result struct {
	Keys       []Key
	Items      [][]byte
	NextCursor string
	More       bool
}

// Store is a key-based document store.
type Store interface {
	// GenerateKey allocates a new key for the given kind.
	GenerateKey(ctx context.Context, kind string) (Key, error)

	// Get reads the document for key into dst. Returns ErrNoSuchEntity
	// when no document exists.
	Get(ctx context.Context, key Key, dst interface{}) error

	// Put creates or fully overwrites the document for key.
	Put(ctx context.Context, key Key, src interface{}) error

	// Delete removes the document for key. Returns ErrNoSuchEntity when
	// no document exists.
	Delete(ctx context.Context, key Key) error

	// Run executes a query and returns one page of results.
	Run(ctx context.Context, q Query) (*Result, error)
}
