package registrar

import (
	"context"
	"time"

	"github.com/sipmesh/scscf/pkg/aor"
	"github.com/sipmesh/scscf/pkg/hss"
	"github.com/sipmesh/scscf/pkg/store"
)

// RemoveBinding drops a single UE binding from an AoR under the usual CAS
// loop, without going through a REGISTER transaction. It satisfies
// pkg/proxytsx's BindingRemover, letting a 430 Flow Failed on a forked
// request clean up the stale binding it discovered.
func (r *Registrar) RemoveBinding(ctx context.Context, impu, bindingID string) error {
	var becameEmpty bool
	var impi string
	var snapshot *aor.AoR

	_, err := r.store.Mutate(ctx, impu, func(a *aor.AoR) (store.Ttl, bool, error) {
		now := time.Now()
		wasEmpty := a.IsEmpty(now)
		if b, ok := a.FindBinding(bindingID); ok {
			impi = b.PrivateID
		}
		a.RemoveBinding(bindingID)
		becameEmpty = !wasEmpty && a.IsEmpty(now)
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

	if becameEmpty {
		if err := r.hss.UpdateRegistrationState(ctx, impu, impi, hss.UpdateDeregTimeout, r.cfg.ScscfURI); err != nil {
			r.logger.Warn("HSS DEREG_TIMEOUT update failed", "impu", impu, "error", err)
		}
	}

	if r.notify != nil {
		if err := r.notify.NotifyBindingChange(ctx, impu, snapshot); err != nil {
			r.logger.Warn("NOTIFY dispatch on binding removal failed", "impu", impu, "error", err)
		}
	}

	r.scheduleExpiry(impu, snapshot)
	return nil
}

// AdminDeregister implements the administrative deregistration: wipe
// every binding on impu, signal HSS DEREG_ADMIN, and optionally NOTIFY
// active subscribers of the now-empty binding set. impi scopes the HSS
// update to a single private identity when known; an empty impi falls
// back to the first removed binding's owner, mirroring handleExpiry.
func (r *Registrar) AdminDeregister(ctx context.Context, impu, impi string, sendNotifications bool) error {
	var removed []aor.Binding
	var snapshot *aor.AoR

	_, err := r.store.Mutate(ctx, impu, func(a *aor.AoR) (store.Ttl, bool, error) {
		removed = append(removed, a.Bindings...)
		a.Bindings = nil
		snapshot = a
		return 0, true, nil
	})
	if err != nil {
		return err
	}

	r.timers.Cancel(expiryTimerID(impu))

	if len(removed) == 0 {
		return nil
	}

	effectiveImpi := impi
	if effectiveImpi == "" {
		effectiveImpi = removed[0].PrivateID
	}
	if err := r.hss.UpdateRegistrationState(ctx, impu, effectiveImpi, hss.UpdateDeregAdmin, r.cfg.ScscfURI); err != nil {
		r.logger.Warn("HSS DEREG_ADMIN update failed", "impu", impu, "error", err)
	}

	if sendNotifications && r.notify != nil {
		if err := r.notify.NotifyBindingChange(ctx, impu, snapshot); err != nil {
			r.logger.Warn("NOTIFY dispatch on admin deregister failed", "impu", impu, "error", err)
		}
	}

	return nil
}
