package aor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sipmesh/scscf/pkg/store"
)

func TestStoreGetMissingReturnsEmptyAoR(t *testing.T) {
	s := NewStore(store.NewMemStore())
	a, cas, err := s.Get(context.Background(), "sip:alice@home.net")
	require.NoError(t, err)
	require.Equal(t, store.CAS(0), cas)
	require.Empty(t, a.Bindings)
}

func TestStoreMutateSuccessiveWritesAccumulate(t *testing.T) {
	backing := store.NewMemStore()
	s := NewStore(backing)
	ctx := context.Background()
	impu := "sip:alice@home.net"

	_, err := s.Mutate(ctx, impu, func(a *AoR) (store.Ttl, bool, error) {
		a.UpsertBinding(Binding{ID: "b1", Expires: time.Now().Add(time.Hour)})
		return 3600, true, nil
	})
	require.NoError(t, err)

	final, err := s.Mutate(ctx, impu, func(a *AoR) (store.Ttl, bool, error) {
		a.UpsertBinding(Binding{ID: "b2", Expires: time.Now().Add(time.Hour)})
		return 3600, true, nil
	})
	require.NoError(t, err)
	require.Len(t, final.Bindings, 2)
}

func TestStoreMutateNoWriteNeeded(t *testing.T) {
	s := NewStore(store.NewMemStore())
	calls := 0
	_, err := s.Mutate(context.Background(), "sip:alice@home.net", func(a *AoR) (store.Ttl, bool, error) {
		calls++
		return 0, false, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
