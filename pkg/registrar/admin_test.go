package registrar

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sipmesh/scscf/pkg/aor"
	"github.com/sipmesh/scscf/pkg/hss"
	"github.com/sipmesh/scscf/pkg/store"
	"github.com/sipmesh/scscf/pkg/subscription"
)

type capturingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *capturingNotifier) SendNotify(_ context.Context, _ aor.Subscription, _ []byte, state string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, state)
	return nil
}

func newTestRegistrarWithSubscriptions(t *testing.T, fake *hss.FakeClient) (*Registrar, *aor.Store, *capturingNotifier) {
	t.Helper()
	backing := store.NewMemStore()
	aorStore := aor.NewStore(backing)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &capturingNotifier{}
	subMgr := subscription.New(subscription.Config{MinSubExpires: time.Minute, MaxSubExpires: time.Hour}, aorStore, notifier, logger)
	cfg := Config{MinExpires: time.Minute, MaxExpires: time.Hour, DefaultExpires: 3600 * time.Second, ScscfURI: "sip:scscf.home.net"}
	reg := New(cfg, aorStore, fake, noopIFC{}, noopTimers{}, &RecordingThirdPartyRegistrar{}, subMgr, logger)
	return reg, aorStore, notifier
}

func TestAdminDeregisterRemovesAllBindingsAndSendsTerminalNotify(t *testing.T) {
	fake := hss.NewFakeClient()
	reg, aorStore, notifier := newTestRegistrarWithSubscriptions(t, fake)
	ctx := context.Background()

	contacts := []string{"<sip:alice@1.1.1.1>", "<sip:alice@2.2.2.2>", "<sip:alice@3.3.3.3>"}
	for i, contact := range contacts {
		req := newRegisterRequest("sip:alice@home.net", contact, 3600)
		req.CallID = "call-" + itoa(i)
		_, err := reg.OnRegister(ctx, req, "alice@home.net")
		require.NoError(t, err)
	}

	a, _, err := aorStore.Get(ctx, "sip:alice@home.net")
	require.NoError(t, err)
	require.Len(t, a.Bindings, len(contacts))

	_, err = aorStore.Mutate(ctx, "sip:alice@home.net", func(a *aor.AoR) (store.Ttl, bool, error) {
		a.UpsertSubscription(aor.Subscription{CallID: "sub1", ToTag: "t1", FromTag: "f1"})
		return 0, true, nil
	})
	require.NoError(t, err)

	err = reg.AdminDeregister(ctx, "sip:alice@home.net", "alice@home.net", true)
	require.NoError(t, err)

	a, _, err = aorStore.Get(ctx, "sip:alice@home.net")
	require.NoError(t, err)
	require.Empty(t, a.Bindings)

	require.Len(t, notifier.sent, 1)
	require.Contains(t, notifier.sent[0], "terminated")
}

func TestRemoveBindingDropsOnlyTheGivenBinding(t *testing.T) {
	fake := hss.NewFakeClient()
	reg, aorStore := newTestRegistrar(t, fake)
	ctx := context.Background()

	contacts := []string{"<sip:alice@1.1.1.1>", "<sip:alice@2.2.2.2>", "<sip:alice@3.3.3.3>"}
	for i, contact := range contacts {
		req := newRegisterRequest("sip:alice@home.net", contact, 3600)
		req.CallID = "call-" + itoa(i)
		_, err := reg.OnRegister(ctx, req, "alice@home.net")
		require.NoError(t, err)
	}

	a, _, err := aorStore.Get(ctx, "sip:alice@home.net")
	require.NoError(t, err)
	require.Len(t, a.Bindings, len(contacts))
	target := a.Bindings[1].ID

	require.NoError(t, reg.RemoveBinding(ctx, "sip:alice@home.net", target))

	a, _, err = aorStore.Get(ctx, "sip:alice@home.net")
	require.NoError(t, err)
	require.Len(t, a.Bindings, len(contacts)-1)
	for _, b := range a.Bindings {
		require.NotEqual(t, target, b.ID)
	}
}
