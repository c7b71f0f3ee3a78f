package avauth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sipmesh/scscf/pkg/hss"
	"github.com/sipmesh/scscf/pkg/sipmsg"
	"github.com/sipmesh/scscf/pkg/store"
)

func testEngine(t *testing.T, hssClient hss.Client) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{
		ScscfURI:                "sip:scscf.home.net",
		Realm:                   "home.net",
		AkaRealm:                "ims.home.net",
		NonceCountSupported:     true,
		ChallengeResponseWindow: 30 * time.Second,
		LongestBindingExpiry:    time.Hour,
		BindingExpirySlack:      time.Minute,
	}
	return New(cfg, st, hssClient, logger), st
}

func digestAuthHeader(impi, realm, nonce, uri, response, nc, cnonce string) string {
	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", qop=auth, nc=%s, cnonce="%s"`,
		impi, realm, nonce, uri, response, nc, cnonce,
	)
}

func TestChallengeIssuesDigestChallenge(t *testing.T) {
	fake := hss.NewFakeClient()
	fake.SetAuthVector("alice@home.net", hss.NewDigestVector(hss.DigestVector{HA1: "deadbeef", QoP: "auth", Realm: "home.net"}))
	eng, _ := testEngine(t, fake)

	resp, err := eng.Challenge(context.Background(), "alice@home.net", "sip:alice@home.net", hss.SchemeDigest, false, false)
	require.NoError(t, err)
	require.Equal(t, 401, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), `realm="home.net"`)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "stale=FALSE")
}

func TestChallengeProxyVariantUses407(t *testing.T) {
	fake := hss.NewFakeClient()
	fake.SetAuthVector("alice@home.net", hss.NewDigestVector(hss.DigestVector{HA1: "deadbeef"}))
	eng, _ := testEngine(t, fake)

	resp, err := eng.Challenge(context.Background(), "alice@home.net", "sip:alice@home.net", hss.SchemeDigest, true, true)
	require.NoError(t, err)
	require.Equal(t, 407, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Proxy-Authenticate"), "stale=TRUE")
}

// TestVerifyAcceptsCorrectDigestResponse drives a full challenge/response
// round trip: issue a challenge, compute the digest the way a conformant
// UE would, and confirm Verify accepts it and advances nonce_count.
func TestVerifyAcceptsCorrectDigestResponse(t *testing.T) {
	ha1 := "5ea43de2869711d62d75fd2d4dcb2b4e"
	fake := hss.NewFakeClient()
	fake.SetAuthVector("alice@home.net", hss.NewDigestVector(hss.DigestVector{HA1: ha1, QoP: "auth", Realm: "home.net"}))
	eng, st := testEngine(t, fake)

	resp, err := eng.Challenge(context.Background(), "alice@home.net", "sip:alice@home.net", hss.SchemeDigest, false, false)
	require.NoError(t, err)

	nonce := extractNonce(t, resp.Header.Get("WWW-Authenticate"))
	const uri = "sip:home.net"
	const method = "REGISTER"
	const nc = "00000001"
	const cnonce = "0a4f113b"
	expected := digestResponse(ha1, method, uri, nonce, nc, cnonce, "auth")

	req := &authRequest{method: method, uri: uri, header: digestAuthHeader("alice@home.net", "home.net", nonce, uri, expected, nc, cnonce)}
	result, err := eng.Verify(context.Background(), req.toSipmsgRequest())
	require.NoError(t, err)
	require.Equal(t, Authenticated, result.Outcome)
	require.Equal(t, "alice@home.net", result.IMPI)

	ch, err := eng.loadChallenge(context.Background(), "alice@home.net", nonce)
	require.NoError(t, err)
	require.Equal(t, InitialNonceCount+1, ch.NonceCount)
	require.Equal(t, StateConsumed, ch.State)
	_ = st
}

func TestVerifyRejectsWrongResponse(t *testing.T) {
	fake := hss.NewFakeClient()
	fake.SetAuthVector("alice@home.net", hss.NewDigestVector(hss.DigestVector{HA1: "deadbeef", QoP: "auth", Realm: "home.net"}))
	eng, _ := testEngine(t, fake)

	resp, err := eng.Challenge(context.Background(), "alice@home.net", "sip:alice@home.net", hss.SchemeDigest, false, false)
	require.NoError(t, err)
	nonce := extractNonce(t, resp.Header.Get("WWW-Authenticate"))

	req := &authRequest{method: "REGISTER", uri: "sip:home.net", header: digestAuthHeader("alice@home.net", "home.net", nonce, "sip:home.net", "bogus", "00000001", "cn")}
	result, err := eng.Verify(context.Background(), req.toSipmsgRequest())
	require.NoError(t, err)
	require.Equal(t, Failed, result.Outcome)
}

func TestVerifyReportsStaleAfterExpiry(t *testing.T) {
	ha1 := "5ea43de2869711d62d75fd2d4dcb2b4e"
	fake := hss.NewFakeClient()
	fake.SetAuthVector("alice@home.net", hss.NewDigestVector(hss.DigestVector{HA1: ha1, QoP: "auth", Realm: "home.net"}))
	eng, _ := testEngine(t, fake)
	eng.cfg.ChallengeResponseWindow = -1 * time.Second // force immediate expiry

	resp, err := eng.Challenge(context.Background(), "alice@home.net", "sip:alice@home.net", hss.SchemeDigest, false, false)
	require.NoError(t, err)
	nonce := extractNonce(t, resp.Header.Get("WWW-Authenticate"))

	expected := digestResponse(ha1, "REGISTER", "sip:home.net", nonce, "00000001", "cn", "auth")
	req := &authRequest{method: "REGISTER", uri: "sip:home.net", header: digestAuthHeader("alice@home.net", "home.net", nonce, "sip:home.net", expected, "00000001", "cn")}
	result, err := eng.Verify(context.Background(), req.toSipmsgRequest())
	require.NoError(t, err)
	require.Equal(t, Stale, result.Outcome)
}

func TestHandleChallengeExpiryIsIdempotent(t *testing.T) {
	fake := hss.NewFakeClient()
	fake.SetAuthVector("alice@home.net", hss.NewDigestVector(hss.DigestVector{HA1: "deadbeef"}))
	eng, _ := testEngine(t, fake)

	resp, err := eng.Challenge(context.Background(), "alice@home.net", "sip:alice@home.net", hss.SchemeDigest, false, false)
	require.NoError(t, err)
	nonce := extractNonce(t, resp.Header.Get("WWW-Authenticate"))

	require.NoError(t, eng.HandleChallengeExpiry(context.Background(), "sip:alice@home.net", "alice@home.net", nonce))
	require.Len(t, fake.Updates, 1)
	require.Equal(t, hss.UpdateAuthTimeout, fake.Updates[0].Update)

	// A redelivered pop for the same challenge must not report it again.
	require.NoError(t, eng.HandleChallengeExpiry(context.Background(), "sip:alice@home.net", "alice@home.net", nonce))
	require.Len(t, fake.Updates, 1)

	// Popping an expiry for a non-existent challenge must not error.
	require.NoError(t, eng.HandleChallengeExpiry(context.Background(), "sip:alice@home.net", "bob@home.net", "nonexistent"))
}

func TestShouldChallengeNonRegisterModes(t *testing.T) {
	fake := hss.NewFakeClient()
	eng, _ := testEngine(t, fake)

	eng.cfg.NonRegisterAuthMode = Always
	req := (&authRequest{method: "INVITE"}).toSipmsgRequest()
	require.True(t, eng.ShouldChallengeNonRegister(req, false))

	eng.cfg.NonRegisterAuthMode = Initial
	require.False(t, eng.ShouldChallengeNonRegister(req, false))
	require.True(t, eng.ShouldChallengeNonRegister(req, true))

	eng.cfg.NonRegisterAuthMode = 0
	require.False(t, eng.ShouldChallengeNonRegister(req, true))
}

// authRequest is a tiny test fixture bridging a digest header into a
// *sipmsg.Request without pulling the full SIP stack into this test.
type authRequest struct {
	method string
	uri    string
	header string
}

func (a *authRequest) toSipmsgRequest() *sipmsg.Request {
	req := sipmsg.NewRequest(a.method, a.uri)
	if a.header != "" {
		req.Header.Set("Authorization", a.header)
	}
	return req
}

// extractNonce pulls the nonce="..." parameter out of a challenge header,
// the same way a UE's SIP stack would before building its response.
func extractNonce(t *testing.T, challengeHeader string) string {
	t.Helper()
	const marker = `nonce="`
	idx := strings.Index(challengeHeader, marker)
	require.GreaterOrEqual(t, idx, 0, "no nonce in challenge header: %s", challengeHeader)
	rest := challengeHeader[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	require.GreaterOrEqual(t, end, 0, "unterminated nonce in challenge header: %s", challengeHeader)
	return rest[:end]
}
