// Package middleware implements the composable request/response
// interceptor chain, sitting in front of the transaction handler selected
// by message type (registrar, subscription manager, or proxy-TSX).
//
// This re-expresses a doubly-linked polymorphic layering (each layer
// holding an "upward" and "downward" interface plus a mutable helper
// pointer) as a single Interceptor type with a next handle, built by a
// fold over the layer list: Interceptor is `func(Handler) Handler`, and
// Chain folds a slice of them into one Handler. It is the same shape as
// a chi-style middleware stack (RequestID -> Logger -> Metrics ->
// Recoverer -> CORS -> domain handler), re-expressed over SIP
// requests/responses instead of net/http.
package middleware

import (
	"context"
	"sync"

	"github.com/sipmesh/scscf/pkg/sipmsg"
)

// Handler processes one SIP request and produces a response. It is the
// common surface every transaction handler (Registrar.OnRegister wrapped,
// subscription.Manager.OnSubscribe wrapped, proxytsx.Engine.Start)
// presents to the chain.
type Handler func(ctx context.Context, req *sipmsg.Request) (*sipmsg.Response, error)

// Interceptor wraps a Handler with another, the way an http middleware
// wraps an http.Handler. A layer may synthesise a response itself
// (terminating the request without calling next), forward to next
// verbatim, or transform the request/response around the call to next.
type Interceptor func(next Handler) Handler

// Chain folds interceptors over final, producing one Handler. Interceptors
// run in the order given: interceptors[0] sees the request first and the
// response last.
func Chain(interceptors []Interceptor, final Handler) Handler {
	h := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		h = interceptors[i](h)
	}
	return h
}

// deferredKey is the context key a deferred transaction is resumed under.
type deferredKey struct{ token string }

// Deferral is returned by a Handler that cannot produce a response
// synchronously (: "any deferral is explicit (defer_request),
// matched by a later resume"). The chain's caller holds onto Resume and
// invokes it once whatever the layer was waiting on (an HSS round-trip
// dispatched to a worker, a timer) completes.
type Deferral struct {
	Token  string
	Resume <-chan Result
}

// Result is what a deferred Handler eventually produces.
type Result struct {
	Response *sipmsg.Response
	Err      error
}

// ErrDeferred is returned alongside a non-nil Deferral by a Handler that
// has taken over the request and will resume it later instead of
// returning synchronously.
var ErrDeferred = &deferredError{}

type deferredError struct{}

func (*deferredError) Error() string { return "middleware: request deferred" }

// Registry tracks in-flight deferrals so a later resume (e.g. a timer pop
// or an async callback) can find the waiting caller by token. One Registry
// is shared by every Interceptor in a chain that defers.
type Registry struct {
	mu      sync.Mutex
	pending map[string]chan Result
}

// NewRegistry builds an empty deferral Registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]chan Result)}
}

// Defer registers a new pending deferral under token and returns the
// channel the waiting caller should receive on.
func (r *Registry) Defer(token string) <-chan Result {
	ch := make(chan Result, 1)
	r.mu.Lock()
	r.pending[token] = ch
	r.mu.Unlock()
	return ch
}

// Resume delivers res to the deferral registered under token, if any. It
// is a no-op (and safe to call more than once) if token is unknown —
// matching the idempotent-redelivery requirement timer callbacks must
// satisfy.
func (r *Registry) Resume(token string, res Result) {
	r.mu.Lock()
	ch, ok := r.pending[token]
	if ok {
		delete(r.pending, token)
	}
	r.mu.Unlock()
	if ok {
		ch <- res
		close(ch)
	}
}
