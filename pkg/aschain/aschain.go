// Package aschain implements the AsChain table : the ordered
// sequence of matching iFCs for one (served_user, session_case, request)
// triple, addressed across an AS round-trip by an opaque ODI token.
package aschain

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/sipmesh/scscf/pkg/ifc"
	"github.com/sipmesh/scscf/pkg/sipmsg"
)

// DefaultTTL is the longest plausible downstream transaction lifetime an
// AsChain entry is retained for (: "a TTL (longest plausible
// downstream transaction)").
const DefaultTTL = 3 * time.Minute

// Chain is the ordered sequence of matching iFCs for one served-user/
// session-case/request triple, plus a monotonic index of the next AS to
// invoke.
type Chain struct {
	mu          sync.Mutex
	ServedUser  string
	SessionCase sipmsg.SessionCase
	Hops        []ifc.Hop
	next        int
	refcount    int
	expires     time.Time

	// BillingRole correlates the per-session ACR across AS hops.
	BillingRole string
	// BaseRequestSnapshot is the request captured at chain entry, restored on a
	// SessionContinued skip.
	BaseRequestSnapshot []byte
}

// NextHop returns the next unconsumed hop and advances the index, or
// ok=false when the chain is exhausted.
func (c *Chain) NextHop() (ifc.Hop, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.Hops) {
		return ifc.Hop{}, false
	}
	h := c.Hops[c.next]
	c.next++
	return h, true
}

// CurrentIndex returns the index of the hop last handed out by NextHop,
// i.e. the link index an ODI token addresses.
func (c *Chain) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next - 1
}

// Link is an (AsChain, index) pair: a weak reference into the table,
// addressing the specific hop an ODI token round-tripped through.
type Link struct {
	Token string
	Chain *Chain
	Index int
}

// Table is the sole owner of every AsChain, keyed by ODI token, with
// explicit refcounts and a TTL-based eviction sweep.
type Table struct {
	mu      sync.Mutex
	entries map[string]*tableEntry
}

type tableEntry struct {
	chain   *Chain
	expires time.Time
}

// NewTable creates an empty AsChain table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*tableEntry)}
}

// New creates a Chain and registers it in the table under a fresh ODI
// token, with refcount 1 (the caller's own reference).
func (t *Table) New(servedUser string, sessionCase sipmsg.SessionCase, hops []ifc.Hop) (*Link, error) {
	token, err := newODIToken()
	if err != nil {
		return nil, err
	}

	chain := &Chain{ServedUser: servedUser, SessionCase: sessionCase, Hops: hops, refcount: 1}

	t.mu.Lock()
	t.entries[token] = &tableEntry{chain: chain, expires: time.Now().Add(DefaultTTL)}
	t.mu.Unlock()

	return &Link{Token: token, Chain: chain, Index: -1}, nil
}

// Lookup resolves an ODI token to its chain, bumping the refcount under a
// short lock. ok is false if the token is unknown or expired.
func (t *Table) Lookup(token string) (*Link, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[token]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	e.chain.mu.Lock()
	e.chain.refcount++
	idx := e.chain.next - 1
	e.chain.mu.Unlock()

	return &Link{Token: token, Chain: e.chain, Index: idx}, true
}

// Release drops a reference to the chain behind token. When the refcount
// reaches zero the entry is evicted immediately; otherwise it is left for
// the sweep to evict once expired.
func (t *Table) Release(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[token]
	if !ok {
		return
	}
	e.chain.mu.Lock()
	e.chain.refcount--
	refcount := e.chain.refcount
	e.chain.mu.Unlock()

	if refcount <= 0 {
		delete(t.entries, token)
	}
}

// Sweep evicts every entry past its TTL regardless of refcount, guarding
// against a leaked reference (an ODI that never returned and was never
// explicitly released) pinning memory forever.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for token, e := range t.entries {
		if now.After(e.expires) {
			delete(t.entries, token)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of live entries, for diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func newODIToken() (string, error) {
	buf := make([]byte, 16) // 128 bits,  "TOKEN is >=128 bits of entropy"
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
