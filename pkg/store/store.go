// Package store is the key/value façade this node's core is built on: a
// single Get/Set(cas)/HasServers interface shared by the AV store, the AoR
// store and the impi table. The core never persists to disk; every
// implementation here is backed by a replicated, in-memory-ish store —
// this repo's default is Redis (github.com/redis/go-redis/v9).
package store

import (
	"context"
	"errors"
)

// Table names the logical namespace a key lives in.
type Table string

const (
	TableAV   Table = "av"
	TableAoR  Table = "aor"
	TableIMPI Table = "impi"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: not found")

// ErrContention is returned by Set when the CAS token no longer matches
// the stored value.
var ErrContention = errors.New("store: data contention")

// CAS is the token returned alongside a stored value, passed back on the
// next Set to detect concurrent writers. The zero value means "create
// only if absent".
type CAS uint64

// Store is the interface every component programs against. A single Store
// value may be backed by a local store with best-effort replication to
// remotes (see Replicated), or may itself be a remote handle.
type Store interface {
	// Get reads bytes and their CAS token for key in table. Returns
	// ErrNotFound if the key does not exist.
	Get(ctx context.Context, table Table, key string) ([]byte, CAS, error)

	// Set writes bytes for key in table with the given TTL, succeeding
	// only if expected matches the value's current CAS token (or the key
	// is absent and expected == 0). Returns ErrContention otherwise.
	Set(ctx context.Context, table Table, key string, value []byte, expected CAS, ttl Ttl) error

	// Delete removes key from table unconditionally (used for explicit
	// dereg / challenge tombstone cleanup at TTL rather than on-path).
	Delete(ctx context.Context, table Table, key string) error

	// HasServers reports whether the store currently has any reachable
	// backing server.
	HasServers() bool
}

// Ttl is a TTL in seconds; 0 means "no expiry". Some AoR writes pass 0:
// AdminDeregister, the subscription manager's notify_cseq bump and
// subscription clearing, and any write that leaves no binding to bound the
// record's lifetime.
type Ttl int
