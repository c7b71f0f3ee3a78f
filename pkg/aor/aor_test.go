package aor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAoRActiveBindingsExcludesExpired(t *testing.T) {
	now := time.Now()
	a := &AoR{Bindings: []Binding{
		{ID: "b1", Expires: now.Add(time.Hour)},
		{ID: "b2", Expires: now.Add(-time.Minute)},
	}}
	active := a.ActiveBindings(now)
	require.Len(t, active, 1)
	require.Equal(t, "b1", active[0].ID)
}

func TestAoRIsEmpty(t *testing.T) {
	now := time.Now()
	a := &AoR{}
	require.True(t, a.IsEmpty(now))

	a.UpsertBinding(Binding{ID: "b1", Expires: now.Add(time.Hour)})
	require.False(t, a.IsEmpty(now))
}

func TestUpsertBindingReplacesExisting(t *testing.T) {
	now := time.Now()
	a := &AoR{}
	a.UpsertBinding(Binding{ID: "b1", Contact: "sip:a@1.1.1.1", Expires: now.Add(time.Hour)})
	a.UpsertBinding(Binding{ID: "b1", Contact: "sip:a@2.2.2.2", Expires: now.Add(2 * time.Hour)})

	require.Len(t, a.Bindings, 1)
	require.Equal(t, "sip:a@2.2.2.2", a.Bindings[0].Contact)
}

func TestRemoveBinding(t *testing.T) {
	a := &AoR{Bindings: []Binding{{ID: "b1"}, {ID: "b2"}}}
	a.RemoveBinding("b1")
	require.Len(t, a.Bindings, 1)
	require.Equal(t, "b2", a.Bindings[0].ID)
}

func TestPruneExpiredBindingsReturnsRemoved(t *testing.T) {
	now := time.Now()
	a := &AoR{Bindings: []Binding{
		{ID: "b1", Expires: now.Add(time.Hour)},
		{ID: "b2", Expires: now.Add(-time.Minute)},
	}}
	removed := a.PruneExpiredBindings(now)
	require.Len(t, removed, 1)
	require.Equal(t, "b2", removed[0].ID)
	require.Len(t, a.Bindings, 1)
	require.Equal(t, "b1", a.Bindings[0].ID)
}

func TestUpsertAndRemoveSubscription(t *testing.T) {
	a := &AoR{}
	sub := Subscription{CallID: "c1", ToTag: "t1", FromTag: "f1", NotifyCSeq: 1}
	a.UpsertSubscription(sub)
	require.Len(t, a.Subscriptions, 1)

	sub.NotifyCSeq = 2
	a.UpsertSubscription(sub)
	require.Len(t, a.Subscriptions, 1)
	require.Equal(t, 2, a.Subscriptions[0].NotifyCSeq)

	a.RemoveSubscription(sub)
	require.Empty(t, a.Subscriptions)
}

func TestMinBindingExpiry(t *testing.T) {
	now := time.Now()
	a := &AoR{}
	_, ok := a.MinBindingExpiry()
	require.False(t, ok)

	a.UpsertBinding(Binding{ID: "b1", Expires: now.Add(2 * time.Hour)})
	a.UpsertBinding(Binding{ID: "b2", Expires: now.Add(time.Hour)})
	min, ok := a.MinBindingExpiry()
	require.True(t, ok)
	require.WithinDuration(t, now.Add(time.Hour), min, time.Second)
}
