// Package sipcore holds the error-kind taxonomy shared by every component
// and the mapping from a kind to the SIP status code a
// state-machine boundary should translate it into.
package sipcore

import "errors"

// Kind classifies a failure into a small fixed taxonomy. Every error
// raised by a suspension point (HSS, store, AV store, timer service) is
// wrapped in a Kind before it crosses a state-machine boundary.
type Kind int

const (
	KindNone Kind = iota
	KindStoreUnavailable
	KindStoreContention
	KindHssUnavailable
	KindHssNotFound
	KindAuthFailed
	KindAuthStale
	KindAsUnreachable
	KindProtocolViolation
	KindInternalInvariant
)

func (k Kind) String() string {
	switch k {
	case KindStoreUnavailable:
		return "StoreUnavailable"
	case KindStoreContention:
		return "StoreContention"
	case KindHssUnavailable:
		return "HssUnavailable"
	case KindHssNotFound:
		return "HssNotFound"
	case KindAuthFailed:
		return "AuthFailed"
	case KindAuthStale:
		return "AuthStale"
	case KindAsUnreachable:
		return "AsUnreachable"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindInternalInvariant:
		return "InternalInvariant"
	default:
		return "None"
	}
}

// Error is a Kind plus the underlying cause and, for KindInternalInvariant,
// a stable identifier for correlating with logs.
type Error struct {
	Kind  Kind
	ID    string
	Cause error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return e.Kind.String() + "[" + e.ID + "]: " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap builds a *Error of the given kind.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Invariant builds a KindInternalInvariant error carrying a stable
// identifier, per the "logged with a stable identifier".
func Invariant(id string, cause error) *Error {
	return &Error{Kind: KindInternalInvariant, ID: id, Cause: cause}
}

// As is a small helper over errors.As for the common case of extracting
// the Kind at a state-machine boundary.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusFor maps a Kind to the SIP status code it should surface as. proxyChallenge
// selects 401 vs 407 (depends on whether the challenge was WWW- or
// Proxy-Authenticate); it is ignored for kinds other than AuthStale.
func StatusFor(kind Kind, proxyChallenge bool) (code int, reason string) {
	switch kind {
	case KindStoreUnavailable, KindHssUnavailable, KindInternalInvariant:
		return 500, "Server Internal Error"
	case KindStoreContention:
		return 500, "Server Internal Error"
	case KindHssNotFound:
		return 404, "Not Found"
	case KindAuthFailed:
		return 403, "Forbidden"
	case KindAuthStale:
		if proxyChallenge {
			return 407, "Proxy Authentication Required"
		}
		return 401, "Unauthorized"
	case KindAsUnreachable:
		return 504, "Server Time-out"
	case KindProtocolViolation:
		return 400, "Bad Request"
	default:
		return 500, "Server Internal Error"
	}
}
