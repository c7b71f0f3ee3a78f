// Package avauth is the Digest/AKA authentication engine: challenge
// issuance, response verification, replay defence via nonce_count, and
// replicated challenge storage.
package avauth

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sipmesh/scscf/internal/telemetry"
	"github.com/sipmesh/scscf/pkg/hss"
	"github.com/sipmesh/scscf/pkg/sipcore"
	"github.com/sipmesh/scscf/pkg/sipmsg"
	"github.com/sipmesh/scscf/pkg/store"
)

// NonRegisterAuthMode is the policy bitmask controlling which non-REGISTER
// requests get challenged.
type NonRegisterAuthMode int

const (
	IfProxyAuthorizationPresent NonRegisterAuthMode = 1 << iota
	Always
	Initial
)

// Config bounds the engine's behaviour.
type Config struct {
	ScscfURI                string
	Realm                   string
	AkaRealm                string
	NonceCountSupported     bool
	NonRegisterAuthMode     NonRegisterAuthMode
	ChallengeResponseWindow time.Duration
	LongestBindingExpiry    time.Duration
	BindingExpirySlack      time.Duration
}

// avTTL is the TTL applied to an AV record: at least the challenge
// response window plus the longest permitted binding refresh period.
func (c Config) avTTL() time.Duration {
	ttl := c.ChallengeResponseWindow
	longest := c.LongestBindingExpiry + c.BindingExpirySlack
	if longest > ttl {
		ttl = longest
	}
	return ttl
}

// Engine is the authentication engine. It is constructed with its
// dependencies explicit.
type Engine struct {
	cfg     Config
	store   store.Store
	hss     hss.Client
	logger  *slog.Logger
	limiter *FailureLimiter
}

// New builds an Engine.
func New(cfg Config, st store.Store, hssClient hss.Client, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, store: st, hss: hssClient, logger: logger}
}

// SetFailureLimiter attaches a FailureLimiter guarding against repeated
// Digest/AKA guessing on a single IMPI. Optional: an Engine with no
// limiter attached verifies every attempt unthrottled.
func (e *Engine) SetFailureLimiter(l *FailureLimiter) {
	e.limiter = l
}

// VerifyOutcome is the result of Verify.
type VerifyOutcome int

const (
	Authenticated VerifyOutcome = iota
	Stale
	Failed
)

func (o VerifyOutcome) String() string {
	switch o {
	case Authenticated:
		return "authenticated"
	case Stale:
		return "stale"
	default:
		return "failed"
	}
}

// VerifyResult carries the outcome plus, on success, the authenticated IMPI.
type VerifyResult struct {
	Outcome VerifyOutcome
	IMPI    string
}

func challengeKey(impi, nonce string) string {
	return impi + "\\" + nonce
}

// ShouldChallengeRegister reports whether a REGISTER must be challenged:
// challenge unless it already carries a valid Authorization header
// matching an unexpired, unconsumed challenge for the message's IMPI/nonce.
func (e *Engine) ShouldChallengeRegister(ctx context.Context, req *sipmsg.Request) bool {
	header := req.Header.Get("Authorization")
	if header == "" {
		return true
	}
	creds, ok := ParseCredentials(header)
	if !ok {
		return true
	}
	ch, err := e.loadChallenge(ctx, creds.Username, creds.Nonce)
	if err != nil || ch == nil {
		return true
	}
	if ch.Expired(time.Now()) || ch.State == StateConsumed && !e.cfg.NonceCountSupported {
		return true
	}
	return false
}

// ShouldChallengeNonRegister applies the non_register_auth_mode bitmask to
// decide whether a non-REGISTER request needs challenging. Integrity-protected
// requests (P-Asserted-Identity path) short-circuit to false.
func (e *Engine) ShouldChallengeNonRegister(req *sipmsg.Request, isInitial bool) bool {
	if req.IsProtectedByIntegrity() {
		return false
	}
	mode := e.cfg.NonRegisterAuthMode
	if mode&Always != 0 {
		return true
	}
	if mode&Initial != 0 && isInitial {
		return true
	}
	if mode&IfProxyAuthorizationPresent != 0 && req.Header.Get("Proxy-Authorization") != "" {
		return true
	}
	return false
}

// Challenge issues a 401/407: generates a nonce, fetches an
// auth vector from the HSS, writes the challenge record, and returns the
// response. proxyChallenge selects Proxy-Authenticate (407) vs
// WWW-Authenticate (401).
func (e *Engine) Challenge(ctx context.Context, impi, impu string, scheme hss.AuthScheme, proxyChallenge, reissue bool) (*sipmsg.Response, error) {
	vector, err := e.hss.GetAuthVector(ctx, impi, impu, scheme, nil)
	if err != nil {
		return nil, sipcore.Wrap(sipcore.KindHssUnavailable, fmt.Errorf("fetching auth vector: %w", err))
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, sipcore.Invariant("avauth-nonce-gen", err)
	}

	chType := ChallengeDigest
	var realm string
	if vector.Kind == hss.VectorAKA {
		chType = ChallengeAKA
		realm = e.cfg.AkaRealm
		nonce = vector.Aka.Nonce
	} else {
		realm = e.cfg.Realm
	}

	challenge := &Challenge{
		Type:             chType,
		IMPI:             impi,
		Nonce:            nonce,
		Vector:           vector,
		NonceCount:       InitialNonceCount,
		CorrelationToken: uuid.NewString(),
		ScscfURI:         e.cfg.ScscfURI,
		ExpiresAt:        time.Now().Add(e.cfg.ChallengeResponseWindow),
		State:            StateIssued,
	}

	if err := e.saveChallenge(ctx, challenge, 0); err != nil {
		if err == store.ErrContention {
			return nil, sipcore.Wrap(sipcore.KindStoreContention, err)
		}
		return nil, err
	}

	status, reason := 401, "Unauthorized"
	headerName := "WWW-Authenticate"
	if proxyChallenge {
		status, reason = 407, "Proxy Authentication Required"
		headerName = "Proxy-Authenticate"
	}

	resp := sipmsg.NewResponse(status, reason)
	stale := "FALSE"
	if reissue {
		stale = "TRUE"
	}
	resp.Header.Set(headerName, fmt.Sprintf(`Digest realm="%s", nonce="%s", qop=auth, stale=%s`, realm, nonce, stale))

	scopeMethod := "register"
	if proxyChallenge {
		scopeMethod = "non_register"
	}
	telemetry.ChallengesIssuedTotal.WithLabelValues(string(scheme), scopeMethod).Inc()

	return resp, nil
}

// Verify implements the Digest/AKA verification algorithm: read the
// challenge (local then remote fallback via the Store), recompute and
// constant-time-compare the expected digest/XRES, and CAS-increment
// nonce_count on success.
func (e *Engine) Verify(ctx context.Context, req *sipmsg.Request) (VerifyResult, error) {
	headerName := "Authorization"
	header := req.Header.Get(headerName)
	if header == "" {
		headerName = "Proxy-Authorization"
		header = req.Header.Get(headerName)
	}

	creds, ok := ParseCredentials(header)
	if !ok {
		return e.verifyOutcome(Failed, ""), nil
	}

	if e.limiter != nil {
		limit, err := e.limiter.Check(ctx, creds.Username)
		if err != nil {
			e.logger.Warn("checking auth failure limit", "impi", creds.Username, "error", err)
		} else if !limit.Allowed {
			return e.verifyOutcome(Failed, ""), nil
		}
	}

	ch, cas, err := e.loadChallengeCAS(ctx, creds.Username, creds.Nonce)
	if err != nil {
		if err == store.ErrNotFound {
			e.recordAuthFailure(ctx, creds.Username)
			return e.verifyOutcome(Failed, ""), nil
		}
		return VerifyResult{}, sipcore.Wrap(sipcore.KindStoreUnavailable, err)
	}

	if ch.Expired(time.Now()) {
		return e.verifyOutcome(Stale, ""), nil
	}

	expected, err := e.expectedResponse(ch, creds, req.Method)
	if err != nil {
		return VerifyResult{}, sipcore.Invariant("avauth-digest-calc", err)
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(creds.Response)) != 1 {
		e.recordAuthFailure(ctx, creds.Username)
		return e.verifyOutcome(Failed, ""), nil
	}

	// Success: advance nonce_count under CAS, tombstoning single-use
	// challenges once consumed.
	if err := e.consumeChallenge(ctx, ch, cas); err != nil {
		return VerifyResult{}, err
	}

	if e.limiter != nil {
		if err := e.limiter.Reset(ctx, creds.Username); err != nil {
			e.logger.Warn("resetting auth failure limit", "impi", creds.Username, "error", err)
		}
	}

	return e.verifyOutcome(Authenticated, creds.Username), nil
}

func (e *Engine) recordAuthFailure(ctx context.Context, impi string) {
	if e.limiter == nil {
		return
	}
	if err := e.limiter.RecordFailure(ctx, impi); err != nil {
		e.logger.Warn("recording auth failure", "impi", impi, "error", err)
	}
}

func (e *Engine) verifyOutcome(outcome VerifyOutcome, impi string) VerifyResult {
	telemetry.AuthOutcomesTotal.WithLabelValues(outcome.String()).Inc()
	return VerifyResult{Outcome: outcome, IMPI: impi}
}

// HandleChallengeExpiry is the challenge timeout path, invoked by
// whatever implements pkg/timer.Service at challenge-expiry. It must
// tolerate redelivery: a pop on an already-consumed or already-reported
// challenge is a no-op.
func (e *Engine) HandleChallengeExpiry(ctx context.Context, impu, impi, nonce string) error {
	ch, cas, err := e.loadChallengeCAS(ctx, impi, nonce)
	if err != nil {
		if err == store.ErrNotFound {
			return nil // already cleaned up; idempotent
		}
		return sipcore.Wrap(sipcore.KindStoreUnavailable, err)
	}

	if ch.NonceCount != InitialNonceCount || ch.State == StateExpired {
		return nil // already consumed or already reported; idempotent pop
	}

	if err := e.hss.UpdateRegistrationState(ctx, impu, impi, hss.UpdateAuthTimeout, e.cfg.ScscfURI); err != nil {
		return sipcore.Wrap(sipcore.KindHssUnavailable, err)
	}

	// Mark the challenge so a redelivered pop does not report it again.
	reported := *ch
	reported.State = StateExpired
	if err := e.saveChallenge(ctx, &reported, cas); err != nil && err != store.ErrContention {
		e.logger.Warn("marking auth challenge expired", "impi", impi, "error", err)
	}
	return nil
}

func (e *Engine) consumeChallenge(ctx context.Context, ch *Challenge, cas store.CAS) error {
	const maxRetries = 5
	deadline := time.Now().Add(2 * time.Second)

	for attempt := 0; attempt < maxRetries && time.Now().Before(deadline); attempt++ {
		// Still written even when nonce_count isn't honored by the UE:
		// the record is kept tombstoned until TTL so a replayed request
		// against the same nonce is distinguishable from a never-issued
		// one.
		updated := *ch
		updated.NonceCount++
		updated.State = StateConsumed

		err := e.saveChallenge(ctx, &updated, cas)
		if err == nil {
			return nil
		}
		if err != store.ErrContention {
			return err
		}
		telemetry.StoreContentionTotal.WithLabelValues(string(store.TableAV)).Inc()

		// Contention: re-read and retry with the fresh CAS token.
		fresh, freshCAS, readErr := e.loadChallengeCAS(ctx, ch.IMPI, ch.Nonce)
		if readErr != nil {
			return sipcore.Wrap(sipcore.KindStoreUnavailable, readErr)
		}
		ch, cas = fresh, freshCAS
	}
	return sipcore.Wrap(sipcore.KindStoreContention, fmt.Errorf("nonce_count CAS retry exhausted for %s", ch.IMPI))
}

func (e *Engine) expectedResponse(ch *Challenge, creds Credentials, method string) (string, error) {
	switch ch.Vector.Kind {
	case hss.VectorDigest:
		return digestResponse(ch.Vector.Digest.HA1, method, creds.URI, ch.Nonce, creds.NC, creds.CNonce, creds.QoP), nil
	case hss.VectorAKA:
		// AKA response verification compares against the XRES the HSS
		// supplied; the UE's RES arrives as the "response" field.
		return ch.Vector.Aka.XRES, nil
	default:
		return "", fmt.Errorf("unknown auth vector kind %d", ch.Vector.Kind)
	}
}

// digestResponse computes the RFC 2617 Digest response. MD5 is mandated by
// the SIP Digest scheme itself (not a design choice here); it is never
// used for anything else in this codebase.
func digestResponse(ha1, method, uri, nonce, nc, cnonce, qop string) string {
	ha2 := md5Hex(method + ":" + uri)
	if qop != "" {
		return md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
	}
	return md5Hex(ha1 + ":" + nonce + ":" + ha2)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

func randomNonce() (string, error) {
	buf := make([]byte, 16) // 128 bits of entropy
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (e *Engine) loadChallenge(ctx context.Context, impi, nonce string) (*Challenge, error) {
	ch, _, err := e.loadChallengeCAS(ctx, impi, nonce)
	return ch, err
}

func (e *Engine) loadChallengeCAS(ctx context.Context, impi, nonce string) (*Challenge, store.CAS, error) {
	raw, cas, err := e.store.Get(ctx, store.TableAV, challengeKey(impi, nonce))
	if err != nil {
		return nil, 0, err
	}
	var ch Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, 0, sipcore.Invariant("avauth-challenge-decode", err)
	}
	return &ch, cas, nil
}

func (e *Engine) saveChallenge(ctx context.Context, ch *Challenge, expected store.CAS) error {
	raw, err := json.Marshal(ch)
	if err != nil {
		return sipcore.Invariant("avauth-challenge-encode", err)
	}
	ttl := store.Ttl(e.cfg.avTTL().Seconds())
	if err := e.store.Set(ctx, store.TableAV, challengeKey(ch.IMPI, ch.Nonce), raw, expected, ttl); err != nil {
		if err == store.ErrContention {
			return store.ErrContention
		}
		e.logger.Warn("failed to write auth challenge", "impi", ch.IMPI, "error", err)
		return sipcore.Wrap(sipcore.KindStoreUnavailable, err)
	}
	return nil
}
