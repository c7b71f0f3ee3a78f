package aor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sipmesh/scscf/internal/telemetry"
	"github.com/sipmesh/scscf/pkg/sipcore"
	"github.com/sipmesh/scscf/pkg/store"
)

// CASDeadline bounds how long a mutation loop may keep retrying against
// DATA_CONTENTION before giving up with a 500.
const CASDeadline = 2 * time.Second

// Store is the AoR store façade : a key/value store keyed by
// IMPU with optimistic CAS, wrapping the generic pkg/store.Store under
// table "aor".
type Store struct {
	backing store.Store
}

// NewStore wraps a generic replicated/local store as an AoR store.
func NewStore(backing store.Store) *Store {
	return &Store{backing: backing}
}

// Get reads the AoR for impu. A never-registered IMPU is represented as an
// empty AoR with cas 0, not an error, matching the registrar's
// read-modify-write contract.
func (s *Store) Get(ctx context.Context, impu string) (*AoR, store.CAS, error) {
	raw, cas, err := s.backing.Get(ctx, store.TableAoR, impu)
	if err != nil {
		if err == store.ErrNotFound {
			return &AoR{}, 0, nil
		}
		return nil, 0, sipcore.Wrap(sipcore.KindStoreUnavailable, err)
	}
	var a AoR
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, 0, sipcore.Invariant("aor-decode", err)
	}
	return &a, cas, nil
}

// Set writes impu's AoR under CAS. Callers get back store.ErrContention
// (unwrapped) on contention so a retry loop can distinguish it from a hard
// failure; any other failure is wrapped as KindStoreUnavailable.
func (s *Store) Set(ctx context.Context, impu string, a *AoR, expected store.CAS, ttl store.Ttl) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return sipcore.Invariant("aor-encode", err)
	}
	if err := s.backing.Set(ctx, store.TableAoR, impu, raw, expected, ttl); err != nil {
		if err == store.ErrContention {
			return store.ErrContention
		}
		return sipcore.Wrap(sipcore.KindStoreUnavailable, err)
	}
	return nil
}

// Delete removes the AoR for impu entirely (administrative deregistration).
func (s *Store) Delete(ctx context.Context, impu string) error {
	if err := s.backing.Delete(ctx, store.TableAoR, impu); err != nil {
		return sipcore.Wrap(sipcore.KindStoreUnavailable, err)
	}
	return nil
}

// Mutate implements the read-modify-write-under-CAS loop 
// both describe: read the AoR, let fn compute the next state, write it
// back, and retry from the read on DATA_CONTENTION until fn returns no
// further change is needed or CASDeadline elapses. ttl is applied to every
// write attempt.
//
// fn receives the freshly-read AoR (mutate in place) and returns the ttl
// override for this write (0 means "no expiry"), plus whether a write is
// needed at all; returning needWrite=false lets a caller no-op when a
// re-read shows the desired state already holds.
func (s *Store) Mutate(ctx context.Context, impu string, fn func(a *AoR) (ttl store.Ttl, needWrite bool, err error)) (*AoR, error) {
	deadline := time.Now().Add(CASDeadline)

	for {
		current, cas, err := s.Get(ctx, impu)
		if err != nil {
			return nil, err
		}

		ttl, needWrite, err := fn(current)
		if err != nil {
			return nil, err
		}
		if !needWrite {
			return current, nil
		}

		err = s.Set(ctx, impu, current, cas, ttl)
		if err == nil {
			return current, nil
		}
		if err != store.ErrContention {
			return nil, err
		}
		telemetry.StoreContentionTotal.WithLabelValues(string(store.TableAoR)).Inc()
		if time.Now().After(deadline) {
			return nil, sipcore.Wrap(sipcore.KindStoreContention, fmt.Errorf("aor CAS retry exhausted for %s", impu))
		}
	}
}
