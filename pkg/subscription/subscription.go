// Package subscription implements SIP SUBSCRIBE/NOTIFY reg-event dialogs
// attached to an AoR, including NOTIFY fan-out when bindings change.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sipmesh/scscf/internal/telemetry"
	"github.com/sipmesh/scscf/pkg/aor"
	"github.com/sipmesh/scscf/pkg/sipcore"
	"github.com/sipmesh/scscf/pkg/store"
)

// Config bounds the subscription manager's expiry policy.
type Config struct {
	MinSubExpires time.Duration
	MaxSubExpires time.Duration
}

func (c Config) clamp(d time.Duration) time.Duration {
	if d < c.MinSubExpires {
		return c.MinSubExpires
	}
	if d > c.MaxSubExpires {
		return c.MaxSubExpires
	}
	return d
}

// Notifier sends a constructed NOTIFY request. The SIP transport itself is
// out of scope; this is the narrow send operation the
// manager drives.
type Notifier interface {
	SendNotify(ctx context.Context, sub aor.Subscription, body []byte, subscriptionState string) error
}

// Manager implements this. It also satisfies
// pkg/registrar.NotifyDispatcher, which is how the registrar reaches it
// without either package importing the other.
type Manager struct {
	cfg      Config
	store    *aor.Store
	notifier Notifier
	logger   *slog.Logger
}

// New builds a Manager.
func New(cfg Config, st *aor.Store, notifier Notifier, logger *slog.Logger) *Manager {
	return &Manager{cfg: cfg, store: st, notifier: notifier, logger: logger}
}

// OnSubscribe implements the contract: install or refresh the
// Subscription record under the AoR's CAS loop, clamp expires, and emit an
// initial NOTIFY built from the current bindings.
func (m *Manager) OnSubscribe(ctx context.Context, impu string, sub aor.Subscription, requesterAllowed bool) error {
	if !requesterAllowed {
		return sipcore.Wrap(sipcore.KindAuthFailed, fmt.Errorf("subscriber %s not authorised for %s", sub.RequestingURI, impu))
	}

	remove := sub.Expires.IsZero() || !sub.Expires.After(time.Now())
	if !remove {
		sub.Expires = time.Now().Add(m.cfg.clamp(time.Until(sub.Expires)))
	}

	var snapshot *aor.AoR
	var installed aor.Subscription

	_, err := m.store.Mutate(ctx, impu, func(a *aor.AoR) (store.Ttl, bool, error) {
		if remove {
			a.RemoveSubscription(sub)
		} else {
			a.NotifyCSeq++
			sub.NotifyCSeq = a.NotifyCSeq
			a.UpsertSubscription(sub)
			installed = sub
		}
		snapshot = a
		ttl := store.Ttl(0)
		if min, ok := a.MinBindingExpiry(); ok {
			ttl = store.Ttl(time.Until(min).Seconds())
		}
		return ttl, true, nil
	})
	if err != nil {
		return err
	}

	if remove {
		err := m.sendTerminalNotify(ctx, sub, "timeout")
		recordNotifyResult(err)
		return err
	}

	body := renderRegEventBody(snapshot)
	err = m.notifier.SendNotify(ctx, installed, body, "active")
	recordNotifyResult(err)
	return err
}

func recordNotifyResult(err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	telemetry.NotifyDispatchedTotal.WithLabelValues(result).Inc()
}

// NotifyBindingChange implements pkg/registrar.NotifyDispatcher: fan out a
// NOTIFY reflecting the new binding state to every active subscription on
// impu.
func (m *Manager) NotifyBindingChange(ctx context.Context, impu string, current *aor.AoR) error {
	if len(current.Subscriptions) == 0 {
		return nil
	}

	empty := current.IsEmpty(time.Now())

	var firstErr error
	for _, sub := range current.Subscriptions {
		state := "active"
		if empty {
			state = "terminated;reason=deactivated"
		}

		cseq, err := m.bumpNotifyCSeq(ctx, impu)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sub.NotifyCSeq = cseq

		body := renderRegEventBody(current)
		sendErr := m.notifier.SendNotify(ctx, sub, body, state)
		recordNotifyResult(sendErr)
		if sendErr != nil {
			m.logger.Warn("NOTIFY send failed", "impu", impu, "error", sendErr)
			if firstErr == nil {
				firstErr = sendErr
			}
		}
	}

	if empty {
		m.removeAllSubscriptions(ctx, impu)
	}

	return firstErr
}

// bumpNotifyCSeq increments the AoR's notify_cseq under CAS.
func (m *Manager) bumpNotifyCSeq(ctx context.Context, impu string) (int, error) {
	var cseq int
	_, err := m.store.Mutate(ctx, impu, func(a *aor.AoR) (store.Ttl, bool, error) {
		a.NotifyCSeq++
		cseq = a.NotifyCSeq
		return 0, true, nil
	})
	return cseq, err
}

func (m *Manager) removeAllSubscriptions(ctx context.Context, impu string) {
	_, err := m.store.Mutate(ctx, impu, func(a *aor.AoR) (store.Ttl, bool, error) {
		if len(a.Subscriptions) == 0 {
			return 0, false, nil
		}
		a.Subscriptions = nil
		return 0, true, nil
	})
	if err != nil {
		m.logger.Warn("clearing terminated subscriptions failed", "impu", impu, "error", err)
	}
}

func (m *Manager) sendTerminalNotify(ctx context.Context, sub aor.Subscription, reason string) error {
	body := []byte(fmt.Sprintf(`<reginfo reason="%s"/>`, reason))
	return m.notifier.SendNotify(ctx, sub, body, "terminated;reason="+reason)
}

// renderRegEventBody builds a minimal reg-event XML body reflecting the
// current bindings. Full 3GPP TS 24.229 Annex A reg-event XML
// serialisation is outside this package's remit; this is enough content
// for the NOTIFY's body to be meaningful to a reader.
func renderRegEventBody(a *aor.AoR) []byte {
	out := "<reginfo>"
	for _, b := range a.ActiveBindings(time.Now()) {
		out += fmt.Sprintf(`<registration aor="%s" state="active"><contact id="%s" state="active" callid="%s"/></registration>`, b.Contact, b.ID, b.CallID)
	}
	out += "</reginfo>"
	return []byte(out)
}
