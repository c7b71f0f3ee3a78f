package middleware

import (
	"context"
	"log/slog"

	"github.com/sipmesh/scscf/pkg/avauth"
	"github.com/sipmesh/scscf/pkg/hss"
	"github.com/sipmesh/scscf/pkg/sipcore"
	"github.com/sipmesh/scscf/pkg/sipmsg"
)

// impiContextKey is the context key the authentication Interceptor
// attaches the verified IMPI under, for handlers further down the chain.
type impiContextKey struct{}

// IMPIFromContext returns the IMPI the authentication Interceptor
// verified for this request, if any.
func IMPIFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(impiContextKey{}).(string)
	return v, ok
}

func withIMPI(ctx context.Context, impi string) context.Context {
	return context.WithValue(ctx, impiContextKey{}, impi)
}

// ImpiExtractor pulls the challenging IMPI out of a request before a
// challenge has been verified (internal/app's extractor takes the first
// non-empty of P-Preferred-Identity, P-Asserted-Identity and From, for
// every method). The SIP stack owns header parsing in
// general but this one extraction is the auth
// engine's own business, so it is a small injected function rather than a
// stack dependency.
type ImpiExtractor func(req *sipmsg.Request) string

// Auth builds the authentication Interceptor : it
// challenges REGISTER unless a valid Authorization header is already
// present, challenges non-REGISTER per the non_register_auth_mode
// bitmask, and synthesises the 401/403/407 response itself —
// unauthenticated traffic never reaches the wrapped Handler.
func Auth(engine *avauth.Engine, scheme hss.AuthScheme, extractImpi ImpiExtractor, logger *slog.Logger) Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *sipmsg.Request) (*sipmsg.Response, error) {
			isRegister := req.Method == "REGISTER"
			impi := extractImpi(req)

			needsChallenge := false
			if isRegister {
				needsChallenge = engine.ShouldChallengeRegister(ctx, req)
			} else {
				needsChallenge = engine.ShouldChallengeNonRegister(req, isInitialRequest(req))
			}

			if !needsChallenge && !hasAuthHeader(req) {
				// Non-REGISTER traffic the policy does not require
				// challenging at all: pass through unauthenticated, per the
				// default policy of not challenging non-REGISTER requests.
				return next(ctx, req)
			}

			if needsChallenge && !hasAuthHeader(req) {
				return engine.Challenge(ctx, impi, req.To, scheme, !isRegister, false)
			}

			result, err := engine.Verify(ctx, req)
			if err != nil {
				if kind, ok := sipcore.As(err); ok {
					code, reason := sipcore.StatusFor(kind.Kind, !isRegister)
					return sipmsg.NewResponse(code, reason), nil
				}
				return nil, err
			}

			switch result.Outcome {
			case avauth.Authenticated:
				logger.Debug("request authenticated", "impi", result.IMPI, "method", req.Method)
				return next(withIMPI(ctx, result.IMPI), req)
			case avauth.Stale:
				return engine.Challenge(ctx, impi, req.To, scheme, !isRegister, true)
			default: // avauth.Failed
				code, reason := sipcore.StatusFor(sipcore.KindAuthFailed, !isRegister)
				return sipmsg.NewResponse(code, reason), nil
			}
		}
	}
}

func hasAuthHeader(req *sipmsg.Request) bool {
	return req.Header.Get("Authorization") != "" || req.Header.Get("Proxy-Authorization") != ""
}

// isInitialRequest reports whether req starts a new dialog, i.e. has no
// To-tag — the "Initial" bit of non_register_auth_mode.
func isInitialRequest(req *sipmsg.Request) bool {
	return req.Header.Get("To-Tag") == ""
}
