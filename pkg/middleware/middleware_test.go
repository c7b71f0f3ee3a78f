package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sipmesh/scscf/pkg/sipmsg"
)

func TestChainRunsInOrderAndCanShortCircuit(t *testing.T) {
	var seen []string

	mark := func(name string) Interceptor {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *sipmsg.Request) (*sipmsg.Response, error) {
				seen = append(seen, name)
				return next(ctx, req)
			}
		}
	}

	shortCircuit := func(next Handler) Handler {
		return func(ctx context.Context, req *sipmsg.Request) (*sipmsg.Response, error) {
			seen = append(seen, "short-circuit")
			return sipmsg.NewResponse(403, "Forbidden"), nil
		}
	}

	final := func(ctx context.Context, req *sipmsg.Request) (*sipmsg.Response, error) {
		seen = append(seen, "final")
		return sipmsg.NewResponse(200, "OK"), nil
	}

	h := Chain([]Interceptor{mark("a"), shortCircuit, mark("b")}, final)
	resp, err := h(context.Background(), sipmsg.NewRequest("INVITE", "sip:bob@home.net"))
	require.NoError(t, err)
	require.Equal(t, 403, resp.StatusCode)
	require.Equal(t, []string{"a", "short-circuit"}, seen)
}

func TestChainForwardsWhenNoInterceptors(t *testing.T) {
	final := func(ctx context.Context, req *sipmsg.Request) (*sipmsg.Response, error) {
		return sipmsg.NewResponse(200, "OK"), nil
	}
	h := Chain(nil, final)
	resp, err := h(context.Background(), sipmsg.NewRequest("INVITE", "sip:bob@home.net"))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}

func TestRegistryResumeDeliversResultOnce(t *testing.T) {
	reg := NewRegistry()
	ch := reg.Defer("tok-1")

	reg.Resume("tok-1", Result{Response: sipmsg.NewResponse(200, "OK")})

	res := <-ch
	require.Equal(t, 200, res.Response.StatusCode)

	// Redelivery of the same token is a no-op, not a panic or a second send.
	reg.Resume("tok-1", Result{Response: sipmsg.NewResponse(500, "Server Internal Error")})
}
