package hss

import (
	"context"
	"sync"
)

// FakeClient is an in-memory Client used by tests and standalone
// deployments that have no real HSS to talk to.
type FakeClient struct {
	mu      sync.Mutex
	regData map[string]RegistrationData
	vectors map[string]AuthVector // keyed by impi
	Updates []FakeUpdate
}

// FakeUpdate records a call to UpdateRegistrationState for test assertions.
type FakeUpdate struct {
	Impu, Impi string
	Update     UpdateType
	ScscfURI   string
}

// NewFakeClient creates an empty FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		regData: make(map[string]RegistrationData),
		vectors: make(map[string]AuthVector),
	}
}

// SetRegistrationData seeds the data GetRegistrationData returns for impu.
func (f *FakeClient) SetRegistrationData(impu string, data RegistrationData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regData[impu] = data
}

// SetAuthVector seeds the vector GetAuthVector returns for impi.
func (f *FakeClient) SetAuthVector(impi string, v AuthVector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[impi] = v
}

func (f *FakeClient) GetRegistrationData(_ context.Context, impu string) (RegistrationData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.regData[impu]
	if !ok {
		return RegistrationData{State: StateNotRegistered, AssociatedURIs: []string{impu}}, nil
	}
	return data, nil
}

func (f *FakeClient) UpdateRegistrationState(_ context.Context, impu, impi string, update UpdateType, scscfURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updates = append(f.Updates, FakeUpdate{Impu: impu, Impi: impi, Update: update, ScscfURI: scscfURI})
	return nil
}

func (f *FakeClient) GetAuthVector(_ context.Context, impi, _ string, _ AuthScheme, _ []byte) (AuthVector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vectors[impi]
	if !ok {
		return AuthVector{}, errNoVector
	}
	return v, nil
}

var errNoVector = &noVectorError{}

type noVectorError struct{}

func (*noVectorError) Error() string { return "hss: no auth vector configured for impi" }
