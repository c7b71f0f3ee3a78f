package registrar

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sipmesh/scscf/pkg/aor"
	"github.com/sipmesh/scscf/pkg/hss"
	"github.com/sipmesh/scscf/pkg/ifc"
	"github.com/sipmesh/scscf/pkg/sipmsg"
	"github.com/sipmesh/scscf/pkg/store"
	"github.com/sipmesh/scscf/pkg/timer"
)

type noopIFC struct{}

func (noopIFC) MatchingIFCs(_ []ifc.FilterCriteria, _ *sipmsg.Request, _ bool) []ifc.Hop { return nil }

type noopTimers struct{}

func (noopTimers) Schedule(string, time.Time, []byte, timer.Handler) error { return nil }
func (noopTimers) Cancel(string)                                          {}

type recordingNotifier struct {
	calls int
}

func (n *recordingNotifier) NotifyBindingChange(_ context.Context, _ string, _ *aor.AoR) error {
	n.calls++
	return nil
}

func newTestRegistrar(t *testing.T, fake *hss.FakeClient) (*Registrar, *aor.Store) {
	t.Helper()
	backing := store.NewMemStore()
	aorStore := aor.NewStore(backing)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{MinExpires: time.Minute, MaxExpires: time.Hour, DefaultExpires: 3600 * time.Second, ScscfURI: "sip:scscf.home.net"}
	reg := New(cfg, aorStore, fake, noopIFC{}, noopTimers{}, &RecordingThirdPartyRegistrar{}, &recordingNotifier{}, logger)
	return reg, aorStore
}

func newRegisterRequest(impu, contact string, expires int) *sipmsg.Request {
	req := sipmsg.NewRequest("REGISTER", impu)
	req.To = impu
	req.CallID = "call-1"
	req.CSeq = 1
	req.Contacts = []string{contactWithExpires(contact, expires)}
	return req
}

func contactWithExpires(contact string, expires int) string {
	if expires < 0 {
		return contact
	}
	return contact + ";expires=" + itoa(expires)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestOnRegisterFirstTimeCreatesBindingAndSends200(t *testing.T) {
	fake := hss.NewFakeClient()
	reg, _ := newTestRegistrar(t, fake)

	req := newRegisterRequest("sip:alice@home.net", "<sip:alice@1.2.3.4>", 3600)
	resp, err := reg.OnRegister(context.Background(), req, "alice@home.net")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.NotEmpty(t, resp.Header.All("Contact"))
	require.NotEmpty(t, resp.Header.Get("Service-Route"))

	time.Sleep(20 * time.Millisecond) // let the background dispatch run
	require.Len(t, fake.Updates, 1)
	require.Equal(t, hss.UpdateReg, fake.Updates[0].Update)
}

func TestOnRegisterSecondRegisterIsReReg(t *testing.T) {
	fake := hss.NewFakeClient()
	reg, _ := newTestRegistrar(t, fake)
	ctx := context.Background()

	req := newRegisterRequest("sip:alice@home.net", "<sip:alice@1.2.3.4>", 3600)
	_, err := reg.OnRegister(ctx, req, "alice@home.net")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	req2 := newRegisterRequest("sip:alice@home.net", "<sip:alice@1.2.3.4>", 3600)
	_, err = reg.OnRegister(ctx, req2, "alice@home.net")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	require.Len(t, fake.Updates, 2)
	require.Equal(t, hss.UpdateReg, fake.Updates[0].Update)
	require.Equal(t, hss.UpdateReReg, fake.Updates[1].Update)
}

func TestOnRegisterExpiryClampedToMinAndMax(t *testing.T) {
	fake := hss.NewFakeClient()
	reg, aorStore := newTestRegistrar(t, fake)

	req := newRegisterRequest("sip:alice@home.net", "<sip:alice@1.2.3.4>", 1) // below MinExpires
	_, err := reg.OnRegister(context.Background(), req, "alice@home.net")
	require.NoError(t, err)

	a, _, err := aorStore.Get(context.Background(), "sip:alice@home.net")
	require.NoError(t, err)
	require.Len(t, a.Bindings, 1)
	require.WithinDuration(t, time.Now().Add(time.Minute), a.Bindings[0].Expires, 2*time.Second)

	req = newRegisterRequest("sip:alice@home.net", "<sip:alice@1.2.3.4>", 7200) // above MaxExpires
	_, err = reg.OnRegister(context.Background(), req, "alice@home.net")
	require.NoError(t, err)

	a, _, err = aorStore.Get(context.Background(), "sip:alice@home.net")
	require.NoError(t, err)
	require.Len(t, a.Bindings, 1)
	require.WithinDuration(t, time.Now().Add(time.Hour), a.Bindings[0].Expires, 2*time.Second)
}

func TestOnRegisterContactStarRemovesAll(t *testing.T) {
	fake := hss.NewFakeClient()
	reg, aorStore := newTestRegistrar(t, fake)
	ctx := context.Background()

	req := newRegisterRequest("sip:alice@home.net", "<sip:alice@1.2.3.4>", 3600)
	_, err := reg.OnRegister(ctx, req, "alice@home.net")
	require.NoError(t, err)

	removeReq := sipmsg.NewRequest("REGISTER", "sip:alice@home.net")
	removeReq.To = "sip:alice@home.net"
	removeReq.Contacts = []string{"*"}
	removeReq.Header.Set("Expires", "0")

	resp, err := reg.OnRegister(ctx, removeReq, "alice@home.net")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	a, _, err := aorStore.Get(ctx, "sip:alice@home.net")
	require.NoError(t, err)
	require.Empty(t, a.Bindings)
}

func TestOnRegisterContactStarRemovesAllBindingsAcrossMultiple(t *testing.T) {
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

	removeReq := sipmsg.NewRequest("REGISTER", "sip:alice@home.net")
	removeReq.To = "sip:alice@home.net"
	removeReq.Contacts = []string{"*"}
	removeReq.Header.Set("Expires", "0")

	resp, err := reg.OnRegister(ctx, removeReq, "alice@home.net")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	a, _, err = aorStore.Get(ctx, "sip:alice@home.net")
	require.NoError(t, err)
	require.Empty(t, a.Bindings)
}

func TestOnRegisterContactStarWithoutExpiresZeroRejected(t *testing.T) {
	fake := hss.NewFakeClient()
	reg, _ := newTestRegistrar(t, fake)

	req := sipmsg.NewRequest("REGISTER", "sip:alice@home.net")
	req.To = "sip:alice@home.net"
	req.Contacts = []string{"*"}

	_, err := reg.OnRegister(context.Background(), req, "alice@home.net")
	require.Error(t, err)
}

func TestOnRegisterConcurrentContactsBothPersist(t *testing.T) {
	fake := hss.NewFakeClient()
	reg, aorStore := newTestRegistrar(t, fake)
	ctx := context.Background()

	done := make(chan struct{}, 2)
	go func() {
		req := newRegisterRequest("sip:alice@home.net", "<sip:alice@1.1.1.1>", 3600)
		_, _ = reg.OnRegister(ctx, req, "alice@home.net")
		done <- struct{}{}
	}()
	go func() {
		req := newRegisterRequest("sip:alice@home.net", "<sip:alice@2.2.2.2>", 3600)
		_, _ = reg.OnRegister(ctx, req, "alice@home.net")
		done <- struct{}{}
	}()
	<-done
	<-done

	a, _, err := aorStore.Get(ctx, "sip:alice@home.net")
	require.NoError(t, err)
	require.Len(t, a.Bindings, 2)
}
