// Package registrar implements REGISTER processing, binding lifecycle, and
// replicated AoR storage with contention retry.
package registrar

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sipmesh/scscf/internal/telemetry"
	"github.com/sipmesh/scscf/pkg/aor"
	"github.com/sipmesh/scscf/pkg/hss"
	"github.com/sipmesh/scscf/pkg/ifc"
	"github.com/sipmesh/scscf/pkg/sipcore"
	"github.com/sipmesh/scscf/pkg/sipmsg"
	"github.com/sipmesh/scscf/pkg/store"
	"github.com/sipmesh/scscf/pkg/timer"
)

// Config bounds the registrar's expiry policy.
type Config struct {
	MinExpires     time.Duration
	MaxExpires     time.Duration
	DefaultExpires time.Duration
	ScscfURI       string
}

func (c Config) clamp(d time.Duration) time.Duration {
	if d < c.MinExpires {
		return c.MinExpires
	}
	if d > c.MaxExpires {
		return c.MaxExpires
	}
	return d
}

// ThirdPartyRegistrar sends a 3rd-party REGISTER to an AS: the external
// callout this node makes to hand a REGISTER off for AS-side processing.
type ThirdPartyRegistrar interface {
	SendThirdPartyRegister(ctx context.Context, asURI string, impu, impi string, bindings []aor.Binding) error
}

// NotifyDispatcher is the narrow slice of the subscription manager the
// registrar drives: queue a NOTIFY reflecting a binding-set change. Defined
// here (rather than imported from pkg/subscription) so neither package
// needs to import the other; the wiring layer supplies a
// *subscription.Manager that satisfies this interface.
type NotifyDispatcher interface {
	NotifyBindingChange(ctx context.Context, impu string, current *aor.AoR) error
}

// IFCEvaluator is the slice of pkg/ifc.Evaluator the registrar needs to
// compute the 3rd-party REGISTER set.
type IFCEvaluator interface {
	MatchingIFCs(criteria []ifc.FilterCriteria, req *sipmsg.Request, registered bool) []ifc.Hop
}

// Registrar handles REGISTER requests.
type Registrar struct {
	cfg        Config
	store      *aor.Store
	hss        hss.Client
	ifc        IFCEvaluator
	timers     timer.Service
	thirdParty ThirdPartyRegistrar
	notify     NotifyDispatcher
	logger     *slog.Logger
}

// New builds a Registrar.
func New(cfg Config, st *aor.Store, hssClient hss.Client, ifcEval IFCEvaluator, timers timer.Service, thirdParty ThirdPartyRegistrar, notify NotifyDispatcher, logger *slog.Logger) *Registrar {
	return &Registrar{cfg: cfg, store: st, hss: hssClient, ifc: ifcEval, timers: timers, thirdParty: thirdParty, notify: notify, logger: logger}
}

// contactUpdate is a single Contact header resolved to a target binding
// state.
type contactUpdate struct {
	bindingID string
	binding   aor.Binding // zero value + remove=true means delete
	remove    bool
}

// OnRegister implements the contract.
func (r *Registrar) OnRegister(ctx context.Context, req *sipmsg.Request, impi string) (*sipmsg.Response, error) {
	impu := req.To
	updates, removeAll, err := r.resolveContacts(req)
	if err != nil {
		return nil, sipcore.Wrap(sipcore.KindProtocolViolation, err)
	}

	var wasEmpty, isEmpty bool
	var newlyActive []aor.Binding
	var snapshot *aor.AoR

	_, err = r.store.Mutate(ctx, impu, func(a *aor.AoR) (store.Ttl, bool, error) {
		now := time.Now()
		wasEmpty = a.IsEmpty(now)

		if removeAll {
			kept := a.Bindings[:0]
			for _, b := range a.Bindings {
				if b.PrivateID != impi {
					kept = append(kept, b)
				}
			}
			a.Bindings = kept
		} else {
			for _, u := range updates {
				if u.remove {
					a.RemoveBinding(u.bindingID)
					continue
				}
				u.binding.PrivateID = impi
				a.UpsertBinding(u.binding)
				newlyActive = append(newlyActive, u.binding)
			}
		}

		isEmpty = a.IsEmpty(now)
		snapshot = a
		ttl := store.Ttl(0)
		if min, ok := a.MinBindingExpiry(); ok {
			ttl = store.Ttl(time.Until(min).Seconds())
		}
		return ttl, true, nil
	})
	if err != nil {
		return nil, err
	}

	if wasEmpty && !isEmpty {
		if err := r.hss.UpdateRegistrationState(ctx, impu, impi, hss.UpdateReg, r.cfg.ScscfURI); err != nil {
			r.logger.Warn("HSS REG update failed", "impu", impu, "error", err)
		}
	} else if !isEmpty {
		if err := r.hss.UpdateRegistrationState(ctx, impu, impi, hss.UpdateReReg, r.cfg.ScscfURI); err != nil {
			r.logger.Warn("HSS REREG update failed", "impu", impu, "error", err)
		}
	}

	// 3rd-party REGISTERs and NOTIFYs are dispatched after the response is
	// built but the response is returned to the caller first — 
	// open question (a) resolves the 200-vs-3rd-party-REGISTER ordering as
	// "200 first, background 3rd-party REGISTER".
	resp := r.buildResponse(ctx, impu, snapshot)

	go r.dispatchPostSuccess(impu, impi, snapshot, newlyActive)

	if isEmpty && !wasEmpty {
		if err := r.hss.UpdateRegistrationState(ctx, impu, impi, hss.UpdateDeregUser, r.cfg.ScscfURI); err != nil {
			r.logger.Warn("HSS DEREG_USER update failed", "impu", impu, "error", err)
		}
	}

	r.recordRegistrationMetrics(wasEmpty, isEmpty, removeAll, snapshot)
	r.scheduleExpiry(impu, snapshot)

	return resp, nil
}

// recordRegistrationMetrics classifies the REGISTER outcome: initial (AoR
// went empty->non-empty), dereg (non-empty->empty), refresh (otherwise) —
// and keeps the active-bindings gauge in step with the authoritative store.
func (r *Registrar) recordRegistrationMetrics(wasEmpty, isEmpty, removeAll bool, a *aor.AoR) {
	kind := "refresh"
	switch {
	case wasEmpty && !isEmpty:
		kind = "initial"
	case !wasEmpty && isEmpty:
		kind = "dereg"
	case removeAll:
		kind = "dereg"
	}
	telemetry.RegistrationsTotal.WithLabelValues(kind).Inc()

	delta := float64(len(a.ActiveBindings(time.Now())))
	if kind == "dereg" {
		telemetry.ActiveBindingsGauge.Sub(delta)
	} else if kind == "initial" {
		telemetry.ActiveBindingsGauge.Add(delta)
	}
}

// dispatchPostSuccess runs the background actions following a successful
// REGISTER:
// 3rd-party REGISTER to matching ASes, then a NOTIFY to active
// subscriptions. It is invoked after the 200 OK has already been built.
func (r *Registrar) dispatchPostSuccess(impu, impi string, a *aor.AoR, newlyActive []aor.Binding) {
	ctx := context.Background()

	if len(newlyActive) > 0 {
		regData, err := r.hss.GetRegistrationData(ctx, impu)
		if err != nil {
			r.logger.Warn("fetching registration data for 3rd-party REGISTER", "impu", impu, "error", err)
		} else if raw, ok := regData.IFCMap[impu]; ok {
			criteria, err := ifc.DecodeCriteria(raw)
			if err != nil {
				r.logger.Warn("decoding iFC for 3rd-party REGISTER", "impu", impu, "error", err)
			}
			req := sipmsg.NewRequest("REGISTER", impu)
			hops := r.ifc.MatchingIFCs(criteria, req, true)
			for _, hop := range hops {
				if err := r.thirdParty.SendThirdPartyRegister(ctx, hop.ASURI, impu, impi, newlyActive); err != nil {
					r.logger.Warn("3rd-party REGISTER failed", "as_uri", hop.ASURI, "impu", impu, "error", err)
				}
			}
		}
	}

	if r.notify != nil {
		if err := r.notify.NotifyBindingChange(ctx, impu, a); err != nil {
			r.logger.Warn("NOTIFY dispatch failed", "impu", impu, "error", err)
		}
	}
}

func (r *Registrar) buildResponse(ctx context.Context, impu string, a *aor.AoR) *sipmsg.Response {
	resp := sipmsg.NewResponse(200, "OK")
	now := time.Now()
	for _, b := range a.ActiveBindings(now) {
		expires := int(time.Until(b.Expires).Seconds())
		resp.Header.Add("Contact", fmt.Sprintf("%s;expires=%d", b.Contact, expires))
	}
	resp.Header.Set("Service-Route", fmt.Sprintf("<sip:%s;lr>", r.cfg.ScscfURI))
	for _, uri := range a.IRS {
		resp.Header.Add("P-Associated-URI", uri)
	}

	regData, err := r.hss.GetRegistrationData(ctx, impu)
	if err == nil {
		if len(regData.ChargingAddrs.CCFs) > 0 || len(regData.ChargingAddrs.ECFs) > 0 {
			resp.Header.Set("P-Charging-Function-Addresses", formatChargingAddrs(regData.ChargingAddrs))
		}
	}

	return resp
}

func formatChargingAddrs(c hss.ChargingAddresses) string {
	var parts []string
	for _, ccf := range c.CCFs {
		parts = append(parts, fmt.Sprintf(`ccf="%s"`, ccf))
	}
	for _, ecf := range c.ECFs {
		parts = append(parts, fmt.Sprintf(`ecf="%s"`, ecf))
	}
	return strings.Join(parts, "; ")
}

// scheduleExpiry (re)schedules the per-AoR expiry timer to pop at the
// earliest binding expiry.
func (r *Registrar) scheduleExpiry(impu string, a *aor.AoR) {
	min, ok := a.MinBindingExpiry()
	if !ok {
		r.timers.Cancel(expiryTimerID(impu))
		return
	}
	_ = r.timers.Schedule(expiryTimerID(impu), min, []byte(impu), r.handleExpiry)
}

func expiryTimerID(impu string) string {
	return "aor-expiry:" + impu
}

// handleExpiry is the binding-expiry timeout path: re-read the AoR,
// remove expired bindings via the same CAS loop, and if it becomes empty
// signal HSS DEREG_TIMEOUT.
func (r *Registrar) handleExpiry(ctx context.Context, _ string, payload []byte) {
	impu := string(payload)

	var removed []aor.Binding
	var becameEmpty bool
	var snapshot *aor.AoR

	final, err := r.store.Mutate(ctx, impu, func(a *aor.AoR) (store.Ttl, bool, error) {
		now := time.Now()
		wasEmpty := a.IsEmpty(now)
		removed = a.PruneExpiredBindings(now)
		becameEmpty = !wasEmpty && a.IsEmpty(now)
		snapshot = a
		if len(removed) == 0 {
			return 0, false, nil
		}
		ttl := store.Ttl(0)
		if min, ok := a.MinBindingExpiry(); ok {
			ttl = store.Ttl(time.Until(min).Seconds())
		}
		return ttl, true, nil
	})
	if err != nil {
		r.logger.Error("AoR expiry handling failed", "impu", impu, "error", err)
		return
	}
	_ = final

	if len(removed) == 0 {
		return
	}

	telemetry.ActiveBindingsGauge.Sub(float64(len(removed)))

	if becameEmpty {
		// impi is not carried on the AoR record itself; each removed
		// binding knows its own owning private identity.
		impi := ""
		if len(removed) > 0 {
			impi = removed[0].PrivateID
		}
		if err := r.hss.UpdateRegistrationState(ctx, impu, impi, hss.UpdateDeregTimeout, r.cfg.ScscfURI); err != nil {
			r.logger.Warn("HSS DEREG_TIMEOUT update failed", "impu", impu, "error", err)
		}
	}

	if r.notify != nil {
		if err := r.notify.NotifyBindingChange(ctx, impu, snapshot); err != nil {
			r.logger.Warn("NOTIFY dispatch on expiry failed", "impu", impu, "error", err)
		}
	}

	r.scheduleExpiry(impu, snapshot)
}

// resolveContacts implements the contact consolidation: expiry
// resolution/clamping, Contact: * handling, and binding-id derivation.
func (r *Registrar) resolveContacts(req *sipmsg.Request) (updates []contactUpdate, removeAll bool, err error) {
	headerExpires := req.Header.Get("Expires")

	for _, contact := range req.Contacts {
		if contact == "*" {
			if headerExpires != "0" {
				return nil, false, fmt.Errorf("Contact: * requires Expires: 0")
			}
			return nil, true, nil
		}

		uri, params := parseContactURI(contact)
		expirySeconds, hasExplicit := params["expires"]

		var expires time.Duration
		switch {
		case hasExplicit:
			secs, convErr := strconv.Atoi(expirySeconds)
			if convErr != nil {
				return nil, false, fmt.Errorf("invalid contact expires: %w", convErr)
			}
			expires = time.Duration(secs) * time.Second
		case headerExpires != "":
			secs, convErr := strconv.Atoi(headerExpires)
			if convErr != nil {
				return nil, false, fmt.Errorf("invalid Expires header: %w", convErr)
			}
			expires = time.Duration(secs) * time.Second
		default:
			expires = r.cfg.DefaultExpires
		}

		id := bindingID(uri, params["+sip.instance"], params["reg-id"])

		if expires <= 0 {
			updates = append(updates, contactUpdate{bindingID: id, remove: true})
			continue
		}

		expires = r.cfg.clamp(expires)

		qValue := 1.0
		if qs, ok := params["q"]; ok {
			if parsed, convErr := strconv.ParseFloat(qs, 64); convErr == nil {
				qValue = parsed
			}
		}

		updates = append(updates, contactUpdate{
			bindingID: id,
			binding: aor.Binding{
				ID:         id,
				Contact:    uri,
				CallID:     req.CallID,
				CSeq:       req.CSeq,
				Path:       req.Header.All("Path"),
				PrivateID:  "", // filled by the caller from the verified IMPI
				Expires:    time.Now().Add(expires),
				InstanceID: params["+sip.instance"],
				RegID:      params["reg-id"],
				QValue:     qValue,
			},
		})
	}

	sort.SliceStable(updates, func(i, j int) bool { return updates[i].bindingID < updates[j].bindingID })
	return updates, false, nil
}

// parseContactURI splits a Contact header value of the form
// "<sip:a@1.2.3.4>;expires=3600;q=0.5" into the bare URI and its params.
func parseContactURI(contact string) (uri string, params map[string]string) {
	params = make(map[string]string)
	parts := strings.Split(contact, ";")
	uri = strings.Trim(strings.TrimSpace(parts[0]), "<>")
	for _, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 {
			params[strings.ToLower(kv[0])] = strings.Trim(kv[1], `"`)
		} else if len(kv) == 1 {
			params[strings.ToLower(kv[0])] = ""
		}
	}
	return uri, params
}

// bindingID derives a deterministic binding identifier: +sip.instance plus
// reg-id when present, otherwise a hash of the contact URI.
func bindingID(contactURI, instanceID, regID string) string {
	if instanceID != "" && regID != "" {
		return instanceID + ":" + regID
	}
	sum := sha256.Sum256([]byte(contactURI))
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}
