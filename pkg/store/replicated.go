package store

import (
	"context"
	"log/slog"
)

// Replicated composes a local Store with an ordered list of remote Stores.
// Writes go to local first; on success they are replicated best-effort to
// every remote (a replication failure is logged, never fails the
// foreground transaction,  "Replication is best-effort").
// Reads consult the remotes, in order, only when the local store returns
// ErrNotFound.
type Replicated struct {
	local   Store
	remotes []Store
	logger  *slog.Logger
}

// NewReplicated builds a Replicated store over a local store and zero or
// more remotes, tried in the given order on local-miss.
func NewReplicated(local Store, remotes []Store, logger *slog.Logger) *Replicated {
	return &Replicated{local: local, remotes: remotes, logger: logger}
}

func (r *Replicated) Get(ctx context.Context, table Table, key string) ([]byte, CAS, error) {
	val, cas, err := r.local.Get(ctx, table, key)
	if err == nil {
		return val, cas, nil
	}
	if err != ErrNotFound {
		return nil, 0, err
	}

	for i, remote := range r.remotes {
		val, cas, err := remote.Get(ctx, table, key)
		if err == nil {
			return val, cas, nil
		}
		if err != ErrNotFound {
			r.logger.Warn("remote store read failed", "remote_index", i, "table", table, "error", err)
		}
	}
	return nil, 0, ErrNotFound
}

func (r *Replicated) Set(ctx context.Context, table Table, key string, value []byte, expected CAS, ttl Ttl) error {
	if err := r.local.Set(ctx, table, key, value, expected, ttl); err != nil {
		return err
	}

	for i, remote := range r.remotes {
		if err := remote.Set(ctx, table, key, value, expected, ttl); err != nil {
			r.logger.Warn("best-effort replication failed", "remote_index", i, "table", table, "key", key, "error", err)
		}
	}
	return nil
}

func (r *Replicated) Delete(ctx context.Context, table Table, key string) error {
	err := r.local.Delete(ctx, table, key)
	for i, remote := range r.remotes {
		if dErr := remote.Delete(ctx, table, key); dErr != nil {
			r.logger.Warn("best-effort replicated delete failed", "remote_index", i, "table", table, "key", key, "error", dErr)
		}
	}
	return err
}

func (r *Replicated) HasServers() bool {
	if r.local.HasServers() {
		return true
	}
	for _, remote := range r.remotes {
		if remote.HasServers() {
			return true
		}
	}
	return false
}
