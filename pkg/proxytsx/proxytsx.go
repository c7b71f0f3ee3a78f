// Package proxytsx implements the per-request proxy transaction state
// machine : served-user determination, iFC chain walk, AS
// invocation (with Route/ODI embedding and a per-hop liveness timer),
// end-of-chain routing (terminating handoff, forking, BGCF, auto_reg),
// and billing.
//
// The SIP stack's transaction/Via layer owns retransmission and response
// correlation; this package only decides, for the
// request it is handed, where it goes next. Forwarding a request to an AS
// is fire-and-forget from here: the AS either answers the downstream
// transaction directly (reported back via OnASProvisional/OnASFinal) or
// forwards the request onward, in which case the continuation arrives
// later as a brand new request whose top Route header carries the ODI
// token this package embedded. Both paths resume the
// same AsChain via pkg/aschain.Table.
package proxytsx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipmesh/scscf/internal/telemetry"
	"github.com/sipmesh/scscf/pkg/acr"
	"github.com/sipmesh/scscf/pkg/aor"
	"github.com/sipmesh/scscf/pkg/aschain"
	"github.com/sipmesh/scscf/pkg/hss"
	"github.com/sipmesh/scscf/pkg/ifc"
	"github.com/sipmesh/scscf/pkg/sipcore"
	"github.com/sipmesh/scscf/pkg/sipmsg"
	"github.com/sipmesh/scscf/pkg/timer"
)

// Config bounds the proxy-TSX's routing and liveness policy.
type Config struct {
	ScscfURI                 string
	SessionContinuedTimeout  time.Duration
	SessionTerminatedTimeout time.Duration
	MaxForking               int // default 10 if <= 0
	AutoReg                  bool
	BgcfURI                  string
}

func (c Config) maxForking() int {
	if c.MaxForking <= 0 {
		return 10
	}
	return c.MaxForking
}

// ASInvoker hands req to the SIP stack for delivery to asURI, with the
// Route headers this package has already inserted. It reports only
// whether the transmission attempt itself failed outright (no route, host
// unreachable) — that is immediate and does not wait for the liveness
// timer. Anything else the AS does (answer directly, or forward onward)
// reaches this package through OnASProvisional/OnASFinal or a later
// Start() call carrying the ODI token.
type ASInvoker interface {
	Invoke(ctx context.Context, asURI string, req *sipmsg.Request) error
}

// ForkInvoker sends a forked request to one UE binding and waits for its
// outcome, the blocking collaborator forking needs since the proxy-TSX
// itself picks the winning fork.
type ForkInvoker interface {
	Fork(ctx context.Context, binding aor.Binding, req *sipmsg.Request) (*sipmsg.Response, error)
}

// Router supplies the routing-table facts this package does not itself
// maintain: whether a request-URI is local, and how
// to reach BGCF for off-net breakout.
type Router interface {
	IsLocal(requestURI string) bool
	RouteToBGCF(ctx context.Context, req *sipmsg.Request, bgcfURI string) (*sipmsg.Response, error)
}

// BindingRemover lets a 430 Flow Failed on a fork remove the corresponding
// binding via the registrar.
type BindingRemover interface {
	RemoveBinding(ctx context.Context, impu, bindingID string) error
}

// CriteriaDecoder turns the HSS's raw iFC blob into FilterCriteria.
// Callers typically wire this to ifc.DecodeCriteria, swallowing decode
// errors into a log line the same way pkg/registrar does for the
// REGISTER-time 3rd-party lookup.
type CriteriaDecoder func(raw []byte) []ifc.FilterCriteria

// Upstream delivers a response this package concludes asynchronously (a
// liveness-timer pop reaching a final verdict with no caller waiting) to
// whatever owns sending it upstream. Optional; nil is safe.
type Upstream interface {
	SendFinal(ctx context.Context, resp *sipmsg.Response)
}

// Engine is the proxy-TSX.
type Engine struct {
	cfg       Config
	aorStore  *aor.Store
	hssClient hss.Client
	ifcEval   *ifc.Evaluator
	chains    *aschain.Table
	tracker   *aschain.Tracker
	timers    timer.Service
	asInvoker ASInvoker
	router    Router
	forker    ForkInvoker
	bindings  BindingRemover
	acrWriter *acr.Writer
	decode    CriteriaDecoder
	upstream  Upstream
	logger    *slog.Logger

	cancelMu        sync.Mutex
	cancelledTokens map[string]bool
}

// New builds an Engine.
func New(cfg Config, aorStore *aor.Store, hssClient hss.Client, ifcEval *ifc.Evaluator, chains *aschain.Table, tracker *aschain.Tracker, timers timer.Service, asInvoker ASInvoker, router Router, forker ForkInvoker, bindings BindingRemover, acrWriter *acr.Writer, decode CriteriaDecoder, upstream Upstream, logger *slog.Logger) *Engine {
	return &Engine{
		cfg: cfg, aorStore: aorStore, hssClient: hssClient, ifcEval: ifcEval,
		chains: chains, tracker: tracker, timers: timers, asInvoker: asInvoker,
		router: router, forker: forker, bindings: bindings, acrWriter: acrWriter,
		decode: decode, upstream: upstream, logger: logger,
		cancelledTokens: make(map[string]bool),
	}
}

// isCancelled reports whether token's transaction was cancelled; every resumption path checks this before acting.
func (e *Engine) isCancelled(token string) bool {
	if token == "" {
		return false
	}
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	return e.cancelledTokens[token]
}

// txState is per-request state machine state.
type txState struct {
	token        string
	link         *aschain.Link
	servedUser   string
	sessionCase  sipmsg.SessionCase
	req          *sipmsg.Request
	baseRequest  *sipmsg.Request
	recordRouted bool
	billingRole  string
	acrOpenedAt  time.Time
	targetsMu    sync.Mutex
	targets      map[string]string // fork id -> binding id
}

// Start processes one inbound request: a fresh transaction, or the
// continuation of one via the ODI token carried in its top Route header.
func (e *Engine) Start(ctx context.Context, req *sipmsg.Request) (*sipmsg.Response, error) {
	if token, ok := odiFromRoute(req, e.cfg.ScscfURI); ok {
		return e.resume(ctx, token, req)
	}
	return e.begin(ctx, req)
}

// begin starts a brand-new proxy transaction.
func (e *Engine) begin(ctx context.Context, req *sipmsg.Request) (*sipmsg.Response, error) {
	servedUser, sessionCase := determineServedUser(req)
	req.SessionCase = sessionCase

	tx := &txState{servedUser: servedUser, sessionCase: sessionCase, req: req, baseRequest: req.Clone(), targets: make(map[string]string)}

	if err := e.buildChain(ctx, tx); err != nil {
		return nil, err
	}
	e.recordRoute(tx)
	e.openACR(tx)

	return e.walkChain(ctx, tx)
}

// resume continues a transaction whose AS hop either answered directly
// (handled via OnASFinal before this is ever called) or forwarded the
// request onward, landing back here via the ODI token (
// "AwaitReturnFromAs(i) → InAsChain(i+1)").
func (e *Engine) resume(ctx context.Context, token string, req *sipmsg.Request) (*sipmsg.Response, error) {
	link, ok := e.chains.Lookup(token)
	if !ok {
		e.logger.Warn("proxytsx: unknown or expired ODI token", "token", token)
		return sipmsg.NewResponse(481, "Call/Transaction Does Not Exist"), nil
	}
	defer e.chains.Release(token)

	if idx := link.Index; idx >= 0 && idx < len(link.Chain.Hops) {
		e.timers.Cancel(livenessTimerID(token, idx))
		e.tracker.RecordSuccess(link.Chain.Hops[idx].ASURI)
	}

	tx := &txState{
		token:       token,
		link:        link,
		servedUser:  link.Chain.ServedUser,
		sessionCase: link.Chain.SessionCase,
		req:         req,
		billingRole: link.Chain.BillingRole,
		targets:     make(map[string]string),
	}
	tx.baseRequest = decodeBaseRequest(link.Chain.BaseRequestSnapshot, req)
	req.SessionCase = tx.sessionCase

	return e.walkChain(ctx, tx)
}

// OnASProvisional is called by the SIP stack when a 1xx arrives on the
// downstream transaction to an AS: the AS is responsive, so its liveness
// timer is cancelled. Propagating the 1xx upstream itself is
// the stack's own concern.
func (e *Engine) OnASProvisional(token string, hopIndex int) {
	e.timers.Cancel(livenessTimerID(token, hopIndex))
}

// OnASFinal is called by the SIP stack when an AS answers the downstream
// transaction directly instead of forwarding the request onward — a
// decisive final response, not a continuation. Any resulting
// continuation (a SessionContinued skip) is forwarded by this call itself
// since nothing is left synchronously waiting for it; the result, if any,
// reaches the caller through Upstream.
func (e *Engine) OnASFinal(ctx context.Context, token string, hopIndex int, resp *sipmsg.Response) {
	e.timers.Cancel(livenessTimerID(token, hopIndex))

	if e.isCancelled(token) {
		return
	}

	link, ok := e.chains.Lookup(token)
	if !ok {
		return
	}
	defer e.chains.Release(token)

	if resp.StatusCode == 408 || resp.StatusCode == 503 {
		e.onHopUnreachable(ctx, token, link, hopIndex)
		return
	}

	e.tracker.RecordSuccess(link.Chain.Hops[hopIndex].ASURI)
	telemetry.ASHopOutcomesTotal.WithLabelValues("success").Inc()
	e.closeACRForChain(link.Chain, acr.CauseNormal)
	e.deliver(ctx, resp)
}

// onLivenessPop is the liveness timer's Handler: no response arrived
// within the per-hop deadline.
func (e *Engine) onLivenessPop(ctx context.Context, _ string, payload []byte) {
	var p livenessPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Error("proxytsx: corrupt liveness payload", "error", err)
		return
	}
	if e.isCancelled(p.Token) {
		return
	}

	link, ok := e.chains.Lookup(p.Token)
	if !ok {
		return
	}
	defer e.chains.Release(p.Token)

	e.onHopUnreachable(ctx, p.Token, link, p.HopIndex)
}

// onHopUnreachable implements the shared AS-unreachable branch, reached by
// transport failure, 408/503, or a liveness timer pop.
func (e *Engine) onHopUnreachable(ctx context.Context, token string, link *aschain.Link, hopIndex int) {
	if hopIndex < 0 || hopIndex >= len(link.Chain.Hops) {
		return
	}
	hop := link.Chain.Hops[hopIndex]
	e.tracker.RecordFailure(ctx, hop.ASURI)
	telemetry.ASHopOutcomesTotal.WithLabelValues("unreachable").Inc()

	if hop.DefaultHandling != ifc.SessionContinued {
		e.closeACRForChain(link.Chain, acr.CauseAsUnreachable)
		e.deliver(ctx, sipmsg.NewResponse(504, "Server Time-out"))
		return
	}

	var base sipmsg.Request
	if err := json.Unmarshal(link.Chain.BaseRequestSnapshot, &base); err != nil {
		e.logger.Error("proxytsx: cannot restore base request for SessionContinued skip", "error", err)
		e.deliver(ctx, sipmsg.NewResponse(500, "Server Internal Error"))
		return
	}

	tx := &txState{
		token:       token,
		link:        link,
		servedUser:  link.Chain.ServedUser,
		sessionCase: link.Chain.SessionCase,
		req:         base.Clone(),
		baseRequest: &base,
		billingRole: link.Chain.BillingRole,
		targets:     make(map[string]string),
	}

	resp, err := e.walkChain(ctx, tx)
	if err != nil {
		e.logger.Error("proxytsx: SessionContinued skip failed", "error", err)
		resp = sipmsg.NewResponse(500, "Server Internal Error")
	}
	if resp != nil {
		e.deliver(ctx, resp)
	}
}

// deliver hands a response concluded with no synchronous caller waiting
// (a liveness pop, an AS answering directly) to Upstream, if configured.
func (e *Engine) deliver(ctx context.Context, resp *sipmsg.Response) {
	if e.upstream != nil {
		e.upstream.SendFinal(ctx, resp)
	}
}

// walkChain implements the iFC chain walk: retarget detection, the next
// AS invocation, or end-of-chain routing.
func (e *Engine) walkChain(ctx context.Context, tx *txState) (*sipmsg.Response, error) {
	if e.isCancelled(tx.token) {
		return nil, nil
	}

	if err := e.detectRetarget(ctx, tx); err != nil {
		return nil, err
	}

	hop, ok := tx.link.Chain.NextHop()
	if !ok {
		return e.endOfChain(ctx, tx)
	}
	return e.invokeHop(ctx, tx, hop)
}

// detectRetarget implements this "Retargeting between AS hops is
// detected by comparing the served user across consecutive hops; a change
// enters originating-cdiv session case" — which requires a fresh iFC
// lookup against the new served user, since the old AsChain was built for
// a different served-user/session-case pair.
func (e *Engine) detectRetarget(ctx context.Context, tx *txState) error {
	if tx.sessionCase == sipmsg.SessionCaseOriginatingCdiv {
		return nil // already retargeted once; only a single transition is expected
	}
	candidate, _ := servedUserFor(tx.sessionCase, tx.req)
	if candidate == "" || candidate == tx.servedUser {
		return nil
	}

	oldToken := tx.token
	tx.servedUser = candidate
	tx.sessionCase = sipmsg.SessionCaseOriginatingCdiv
	tx.req.SessionCase = tx.sessionCase

	if err := e.buildChain(ctx, tx); err != nil {
		return err
	}
	if oldToken != "" {
		e.chains.Release(oldToken)
	}
	return nil
}

// buildChain fetches registration data for tx.servedUser, evaluates iFCs,
// and registers a new AsChain for it.
func (e *Engine) buildChain(ctx context.Context, tx *txState) error {
	regData, err := e.hssClient.GetRegistrationData(ctx, tx.servedUser)
	if err != nil {
		return sipcore.Wrap(sipcore.KindHssUnavailable, err)
	}

	registered := regData.State == hss.StateRegistered
	var criteria []ifc.FilterCriteria
	if raw, ok := regData.IFCMap[tx.servedUser]; ok && e.decode != nil {
		criteria = e.decode(raw)
	}
	hops := e.ifcEval.MatchingIFCs(criteria, tx.req, registered)

	link, err := e.chains.New(tx.servedUser, tx.sessionCase, hops)
	if err != nil {
		return sipcore.Wrap(sipcore.KindInternalInvariant, err)
	}
	link.Chain.BillingRole = tx.billingRole
	if tx.billingRole == "" {
		link.Chain.BillingRole = uuid.NewString()
		tx.billingRole = link.Chain.BillingRole
	}

	snapshot, err := json.Marshal(tx.baseRequest)
	if err != nil {
		return sipcore.Invariant("proxytsx-base-request-encode", err)
	}
	link.Chain.BaseRequestSnapshot = snapshot

	tx.link = link
	tx.token = link.Token
	return nil
}

// invokeHop implements the "AS invocation": Route-header/ODI
// insertion, sending, and arming the liveness timer.
func (e *Engine) invokeHop(ctx context.Context, tx *txState, hop ifc.Hop) (*sipmsg.Response, error) {
	hopIndex := tx.link.CurrentIndex()
	outReq := e.buildASRequest(tx, hop)

	if err := e.asInvoker.Invoke(ctx, hop.ASURI, outReq); err != nil {
		e.tracker.RecordFailure(ctx, hop.ASURI)
		telemetry.ASHopOutcomesTotal.WithLabelValues("unreachable").Inc()
		return e.handleUnreachableSync(ctx, tx, hop)
	}

	timeout := e.cfg.SessionContinuedTimeout
	if hop.DefaultHandling == ifc.SessionTerminated {
		timeout = e.cfg.SessionTerminatedTimeout
	}
	payload, err := json.Marshal(livenessPayload{Token: tx.token, HopIndex: hopIndex})
	if err != nil {
		return nil, sipcore.Invariant("proxytsx-liveness-payload", err)
	}
	if err := e.timers.Schedule(livenessTimerID(tx.token, hopIndex), time.Now().Add(timeout), payload, e.onLivenessPop); err != nil {
		e.logger.Error("proxytsx: arming liveness timer failed", "error", err)
	}

	// Forwarded onward; the chain is now AwaitReturnFromAs(i) until the
	// ODI round trip or the liveness timer resumes it.
	return nil, nil
}

// handleUnreachableSync is onHopUnreachable's synchronous counterpart,
// used when Invoke itself fails immediately (no timer was ever armed).
func (e *Engine) handleUnreachableSync(ctx context.Context, tx *txState, hop ifc.Hop) (*sipmsg.Response, error) {
	if hop.DefaultHandling != ifc.SessionContinued {
		e.closeACR(tx, acr.CauseAsUnreachable)
		return sipmsg.NewResponse(504, "Server Time-out"), nil
	}
	tx.req = tx.baseRequest.Clone()
	return e.walkChain(ctx, tx)
}

// buildASRequest clones req and inserts the two Route headers 
// describes: the AS itself, then back to this node carrying the ODI
// token (and "orig" if originating).
func (e *Engine) buildASRequest(tx *txState, hop ifc.Hop) *sipmsg.Request {
	out := tx.req.Clone()

	selfRoute := fmt.Sprintf("<sip:%s;lr;odi=%s>", e.cfg.ScscfURI, tx.token)
	if tx.sessionCase == sipmsg.SessionCaseOriginating || tx.sessionCase == sipmsg.SessionCaseOriginatingCdiv {
		selfRoute = fmt.Sprintf("<sip:%s;lr;odi=%s;orig>", e.cfg.ScscfURI, tx.token)
	}
	out.Header.Prepend("Route", selfRoute)
	out.Header.Prepend("Route", fmt.Sprintf("<sip:%s;lr>", hop.ASURI))

	if tx.billingRole != "" {
		out.Header.Set("P-Charging-Vector", fmt.Sprintf("icid-value=%s;billing-role=%s", tx.token, tx.billingRole))
	}
	return out
}

// recordRoute record-routes on the first outward hop only, guarded by
// recordRouted.
func (e *Engine) recordRoute(tx *txState) {
	if tx.recordRouted {
		return
	}
	tx.req.Header.Prepend("Record-Route", fmt.Sprintf("<sip:%s;lr>", e.cfg.ScscfURI))
	tx.recordRouted = true
}

// openACR starts the per-chain ACR.
func (e *Engine) openACR(tx *txState) {
	tx.acrOpenedAt = time.Now()
}

func (e *Engine) closeACR(tx *txState, cause acr.Cause) {
	if e.acrWriter == nil {
		return
	}
	started := tx.acrOpenedAt
	if started.IsZero() {
		started = time.Now()
	}
	e.acrWriter.Emit(acr.Record{
		ServedUser:  tx.servedUser,
		SessionCase: tx.sessionCase,
		NodeRole:    "as-invocation",
		BillingRole: tx.billingRole,
		Cause:       cause,
		StartedAt:   started,
		ClosedAt:    time.Now(),
	})
}

// closeACRForChain is closeACR's counterpart for the async paths
// (OnASFinal, liveness pop) that reconstruct state from the chain rather
// than an in-flight txState.
func (e *Engine) closeACRForChain(chain *aschain.Chain, cause acr.Cause) {
	if e.acrWriter == nil {
		return
	}
	e.acrWriter.Emit(acr.Record{
		ServedUser:  chain.ServedUser,
		SessionCase: chain.SessionCase,
		NodeRole:    "as-invocation",
		BillingRole: chain.BillingRole,
		Cause:       cause,
		StartedAt:   time.Now(),
		ClosedAt:    time.Now(),
	})
}

// Cancel implements the Cancelling state: the liveness timers for this
// transaction are cancelled, its ACR is closed with CauseCancelled, and no
// further callbacks are delivered. Forks already in flight are not
// cancelled; fork still waits for every branch to answer. Callers key
// cancellation by the ODI token of the transaction's current AsChain.
func (e *Engine) Cancel(ctx context.Context, token string) {
	e.cancelMu.Lock()
	e.cancelledTokens[token] = true
	e.cancelMu.Unlock()

	link, ok := e.chains.Lookup(token)
	if !ok {
		return
	}
	defer e.chains.Release(token)

	for i := range link.Chain.Hops {
		e.timers.Cancel(livenessTimerID(token, i))
	}
	e.closeACRForChain(link.Chain, acr.CauseCancelled)
	e.chains.Release(token)
}

// endOfChain implements the end-of-chain routing.
func (e *Engine) endOfChain(ctx context.Context, tx *txState) (*sipmsg.Response, error) {
	if tx.sessionCase == sipmsg.SessionCaseOriginating || tx.sessionCase == sipmsg.SessionCaseOriginatingCdiv {
		if e.router != nil && e.router.IsLocal(tx.req.RequestURI) {
			registered, err := e.isRegistered(ctx, tx.req.RequestURI)
			if err != nil {
				return nil, err
			}
			if registered {
				return e.reenterTerminating(ctx, tx)
			}
		}
	}

	if tx.sessionCase == sipmsg.SessionCaseTerminating {
		a, _, err := e.aorStore.Get(ctx, tx.req.RequestURI)
		if err != nil {
			return nil, err
		}
		active := a.ActiveBindings(time.Now())
		if len(active) > 0 {
			resp, err := e.fork(ctx, tx, active)
			if err != nil {
				return nil, err
			}
			e.closeACR(tx, acr.CauseNormal)
			return resp, nil
		}

		if e.cfg.AutoReg {
			if err := e.hssClient.UpdateRegistrationState(ctx, tx.req.RequestURI, "", hss.UpdateCall, e.cfg.ScscfURI); err != nil {
				e.logger.Warn("proxytsx: auto_reg HSS update failed", "impu", tx.req.RequestURI, "error", err)
			}
		}
	}

	if e.router != nil && !e.router.IsLocal(tx.req.RequestURI) {
		resp, err := e.router.RouteToBGCF(ctx, tx.req, e.cfg.BgcfURI)
		if err != nil {
			return nil, err
		}
		e.closeACR(tx, acr.CauseNormal)
		return resp, nil
	}

	e.closeACR(tx, acr.CauseNormal)
	return sipmsg.NewResponse(404, "Not Found"), nil
}

// reenterTerminating re-enters the chain walk with the terminating
// session case for the same request-URI.
func (e *Engine) reenterTerminating(ctx context.Context, tx *txState) (*sipmsg.Response, error) {
	oldToken := tx.token
	next := &txState{
		servedUser:  tx.req.RequestURI,
		sessionCase: sipmsg.SessionCaseTerminating,
		req:         tx.req,
		baseRequest: tx.req.Clone(),
		billingRole: tx.billingRole,
		targets:     make(map[string]string),
	}
	next.req.SessionCase = next.sessionCase

	if err := e.buildChain(ctx, next); err != nil {
		return nil, err
	}
	if oldToken != "" {
		e.chains.Release(oldToken)
	}
	return e.walkChain(ctx, next)
}

// isRegistered reports whether impu currently has any active binding.
func (e *Engine) isRegistered(ctx context.Context, impu string) (bool, error) {
	a, _, err := e.aorStore.Get(ctx, impu)
	if err != nil {
		return false, err
	}
	return !a.IsEmpty(time.Now()), nil
}

// fork implements the forking branch: up to MaxForking bindings
// by q-value descending then insertion order, run in parallel, with a 430
// on any fork removing the corresponding binding via the registrar.
func (e *Engine) fork(ctx context.Context, tx *txState, bindings []aor.Binding) (*sipmsg.Response, error) {
	ordered := make([]aor.Binding, len(bindings))
	copy(ordered, bindings)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].QValue > ordered[j].QValue })

	if n := e.cfg.maxForking(); len(ordered) > n {
		e.logger.Warn("proxytsx: fork set exceeds max_forking, truncating", "impu", tx.req.RequestURI, "bindings", len(ordered), "max_forking", n)
		ordered = ordered[:n]
	}

	if e.forker == nil {
		return sipmsg.NewResponse(500, "Server Internal Error"), nil
	}

	type forkResult struct {
		forkID  string
		binding aor.Binding
		resp    *sipmsg.Response
		err     error
	}

	results := make(chan forkResult, len(ordered))
	var wg sync.WaitGroup
	for i, b := range ordered {
		forkID := fmt.Sprintf("fork-%d", i)
		tx.targetsMu.Lock()
		tx.targets[forkID] = b.ID
		tx.targetsMu.Unlock()

		wg.Add(1)
		go func(forkID string, b aor.Binding) {
			defer wg.Done()
			req := tx.req.Clone()
			req.RequestURI = b.Contact
			resp, err := e.forker.Fork(ctx, b, req)
			results <- forkResult{forkID: forkID, binding: b, resp: resp, err: err}
		}(forkID, b)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var best *sipmsg.Response
	for r := range results {
		if r.err != nil {
			e.logger.Warn("proxytsx: fork failed", "binding_id", r.binding.ID, "error", r.err)
			continue
		}
		if r.resp == nil {
			continue
		}
		if r.resp.StatusCode == 430 {
			if e.bindings != nil {
				if err := e.bindings.RemoveBinding(ctx, tx.req.RequestURI, r.binding.ID); err != nil {
					e.logger.Warn("proxytsx: removing flow-failed binding", "binding_id", r.binding.ID, "error", err)
				}
			}
			continue
		}
		if r.resp.IsSuccess() {
			telemetry.ForksTotal.WithLabelValues("success").Inc()
			return r.resp, nil
		}
		if best == nil || r.resp.StatusCode < best.StatusCode {
			best = r.resp
		}
	}

	if best != nil {
		outcome := "busy"
		if best.StatusCode >= 500 {
			outcome = "unavailable"
		}
		telemetry.ForksTotal.WithLabelValues(outcome).Inc()
		return best, nil
	}
	telemetry.ForksTotal.WithLabelValues("unavailable").Inc()
	return sipmsg.NewResponse(480, "Temporarily Unavailable"), nil
}

// determineServedUser implements the served-user determination
// for a transaction's first entry: an explicit P-Served-User session-case
// hint (how a re-entrant or I-CSCF-handed-off request states its case)
// takes precedence; otherwise a request carrying P-Asserted-Identity is
// treated as originating (this node authenticated the UE), and anything
// else as terminating (the request-URI addresses a locally served user).
func determineServedUser(req *sipmsg.Request) (string, sipmsg.SessionCase) {
	if uri, sc, ok := parsePServedUser(req.Header.Get("P-Served-User")); ok {
		return uri, sc
	}
	if pai := req.Header.Get("P-Asserted-Identity"); pai != "" {
		return pai, sipmsg.SessionCaseOriginating
	}
	return req.RequestURI, sipmsg.SessionCaseTerminating
}

// servedUserFor recomputes the served user for a known session case: for an
// originating request it is PAI (or From). For terminating, it is the
// Request-URI."
func servedUserFor(sessionCase sipmsg.SessionCase, req *sipmsg.Request) (string, bool) {
	switch sessionCase {
	case sipmsg.SessionCaseOriginating, sipmsg.SessionCaseOriginatingCdiv:
		if pai := req.Header.Get("P-Asserted-Identity"); pai != "" {
			return pai, true
		}
		return req.From, true
	case sipmsg.SessionCaseTerminating:
		return req.RequestURI, true
	default:
		return "", false
	}
}

// parsePServedUser extracts the URI and sescase param from a P-Served-User
// header value, e.g. `<sip:alice@home.net>;sescase=orig`.
func parsePServedUser(v string) (uri string, sc sipmsg.SessionCase, ok bool) {
	if v == "" {
		return "", 0, false
	}
	parts := strings.Split(v, ";")
	uri = strings.Trim(strings.TrimSpace(parts[0]), "<>")
	for _, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "sescase") {
			switch strings.ToLower(kv[1]) {
			case "orig":
				return uri, sipmsg.SessionCaseOriginating, true
			case "term":
				return uri, sipmsg.SessionCaseTerminating, true
			case "orig-cdiv":
				return uri, sipmsg.SessionCaseOriginatingCdiv, true
			}
		}
	}
	return "", 0, false
}

// odiFromRoute extracts an ODI token this node embedded in its own Route
// header, if the top Route names selfURI.
func odiFromRoute(req *sipmsg.Request, selfURI string) (string, bool) {
	routes := req.Header.All("Route")
	if len(routes) == 0 {
		return "", false
	}
	top := routes[0]
	if !strings.Contains(top, selfURI) {
		return "", false
	}
	for _, p := range strings.Split(top, ";") {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 && kv[0] == "odi" {
			return strings.TrimRight(kv[1], ">"), true
		}
	}
	return "", false
}

func decodeBaseRequest(snapshot []byte, fallback *sipmsg.Request) *sipmsg.Request {
	if len(snapshot) == 0 {
		return fallback.Clone()
	}
	var base sipmsg.Request
	if err := json.Unmarshal(snapshot, &base); err != nil {
		return fallback.Clone()
	}
	return &base
}

func livenessTimerID(token string, hopIndex int) string {
	return fmt.Sprintf("as-liveness:%s:%d", token, hopIndex)
}

// livenessPayload is what the liveness timer's Handler receives back.
type livenessPayload struct {
	Token    string
	HopIndex int
}
