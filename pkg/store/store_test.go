package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreCASContention(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Set(ctx, TableAoR, "alice", []byte("v1"), 0, 60))

	_, cas, err := s.Get(ctx, TableAoR, "alice")
	require.NoError(t, err)
	require.Equal(t, CAS(1), cas)

	// Stale CAS is rejected.
	err = s.Set(ctx, TableAoR, "alice", []byte("v2"), 0, 60)
	require.ErrorIs(t, err, ErrContention)

	// Correct CAS succeeds and bumps the token.
	require.NoError(t, s.Set(ctx, TableAoR, "alice", []byte("v2"), cas, 60))
	val, cas2, err := s.Get(ctx, TableAoR, "alice")
	require.NoError(t, err)
	require.Equal(t, "v2", string(val))
	require.Equal(t, CAS(2), cas2)
}

func TestMemStoreNotFound(t *testing.T) {
	s := NewMemStore()
	_, _, err := s.Get(context.Background(), TableAV, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReplicatedFallsBackOnLocalMiss(t *testing.T) {
	ctx := context.Background()
	local := NewMemStore()
	remote := NewMemStore()
	require.NoError(t, remote.Set(ctx, TableAV, "k", []byte("remote-value"), 0, 60))

	repl := NewReplicated(local, []Store{remote}, discardLogger())

	val, _, err := repl.Get(ctx, TableAV, "k")
	require.NoError(t, err)
	require.Equal(t, "remote-value", string(val))
}

func TestReplicatedWritesBestEffortToRemotes(t *testing.T) {
	ctx := context.Background()
	local := NewMemStore()
	remote := NewMemStore()
	repl := NewReplicated(local, []Store{remote}, discardLogger())

	require.NoError(t, repl.Set(ctx, TableAoR, "bob", []byte("v1"), 0, 60))

	_, _, err := remote.Get(ctx, TableAoR, "bob")
	require.NoError(t, err, "write should have been replicated to the remote")
}
