// Package hss is the HSS client interface, plus an HTTP/JSON implementation
// secured by OAuth2 client-credentials and an in-memory FakeClient. The HSS
// itself is out of scope; Client is the interface every other component
// programs against.
package hss

import "context"

// UpdateType is the registration-state update the core pushes to the HSS.
type UpdateType string

const (
	UpdateReg             UpdateType = "REG"
	UpdateReReg           UpdateType = "REREG"
	UpdateCall            UpdateType = "CALL"
	UpdateDeregUser       UpdateType = "DEREG_USER"
	UpdateDeregAdmin      UpdateType = "DEREG_ADMIN"
	UpdateDeregTimeout    UpdateType = "DEREG_TIMEOUT"
	UpdateAuthTimeout     UpdateType = "AUTH_TIMEOUT"
)

// RegistrationState is the subscriber registration state the HSS reports
// for an IMPU.
type RegistrationState string

const (
	StateNotRegistered RegistrationState = "NOT_REGISTERED"
	StateRegistered    RegistrationState = "REGISTERED"
	StateUnregistered  RegistrationState = "UNREGISTERED"
)

// ChargingAddresses is P-Charging-Function-Addresses material (CCF/ECF).
type ChargingAddresses struct {
	CCFs []string
	ECFs []string
}

// RegistrationData is what get_registration_data returns.
type RegistrationData struct {
	State           RegistrationState
	IFCMap          map[string][]byte // IMPU -> raw iFC JSON blob, decoded by ifc.DecodeCriteria
	AssociatedURIs  []string          // the IRS
	ChargingAddrs   ChargingAddresses
}

// AuthScheme is the requested authentication scheme for get_auth_vector.
type AuthScheme string

const (
	SchemeDigest AuthScheme = "SIP Digest"
	SchemeAKAv1  AuthScheme = "Digest-AKAv1-MD5"
	SchemeAKAv2  AuthScheme = "Digest-AKAv2-SHA-256"
)

// DigestVector is the Digest half of the tagged AuthVector variant: recomputable HA1-based challenge material.
type DigestVector struct {
	HA1   string
	QoP   string
	Realm string
}

// AkaVector is the AKA half of the tagged AuthVector variant.
type AkaVector struct {
	Nonce       string
	CryptKey    string
	IntegrityKey string
	XRES        string
	Version     int
}

// AuthVectorKind discriminates the AuthVector tagged union.
type AuthVectorKind int

const (
	VectorDigest AuthVectorKind = iota
	VectorAKA
)

// AuthVector is a tagged variant over the two authentication vector kinds:
// exactly one of Digest/Aka is populated, selected by Kind.
type AuthVector struct {
	Kind   AuthVectorKind
	Digest *DigestVector
	Aka    *AkaVector
}

// NewDigestVector builds a Digest-kind AuthVector.
func NewDigestVector(v DigestVector) AuthVector {
	return AuthVector{Kind: VectorDigest, Digest: &v}
}

// NewAkaVector builds an AKA-kind AuthVector.
func NewAkaVector(v AkaVector) AuthVector {
	return AuthVector{Kind: VectorAKA, Aka: &v}
}

// Client is the HSS client interface. Every method is a
// suspension point and may return an error wrapped with
// sipcore.KindHssUnavailable / KindHssNotFound.
type Client interface {
	GetRegistrationData(ctx context.Context, impu string) (RegistrationData, error)
	UpdateRegistrationState(ctx context.Context, impu, impi string, update UpdateType, scscfURI string) error
	GetAuthVector(ctx context.Context, impi, impu string, scheme AuthScheme, resync []byte) (AuthVector, error)
}
