package hss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// HTTPClient implements Client over a JSON/HTTP HSS front-end, secured by
// OAuth2 client-credentials, in the client-credentials mode of
// golang.org/x/oauth2 since this is a service-to-service call with no
// interactive user.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// HTTPClientConfig configures the OAuth2-secured HSS HTTP client.
type HTTPClientConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// NewHTTPClient builds an HTTPClient. When ClientID is empty, requests are
// sent unauthenticated (useful against a local/dev HSS double).
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	var httpClient *http.Client
	if cfg.ClientID != "" {
		ccCfg := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = ccCfg.Client(context.Background())
		httpClient.Timeout = timeout
	} else {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &HTTPClient{baseURL: cfg.BaseURL, httpClient: httpClient}
}

type registrationDataWire struct {
	State          RegistrationState          `json:"state"`
	IFCMap         map[string]json.RawMessage `json:"ifc_map"`
	AssociatedURIs []string                   `json:"associated_uris"`
	CCFs           []string                   `json:"ccfs"`
	ECFs           []string                   `json:"ecfs"`
}

func (c *HTTPClient) GetRegistrationData(ctx context.Context, impu string) (RegistrationData, error) {
	url := fmt.Sprintf("%s/impu/%s/reg-data", c.baseURL, impu)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RegistrationData{}, fmt.Errorf("building get_registration_data request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RegistrationData{}, fmt.Errorf("calling HSS get_registration_data: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return RegistrationData{}, fmt.Errorf("impu %s not found", impu)
	}
	if resp.StatusCode != http.StatusOK {
		return RegistrationData{}, fmt.Errorf("HSS returned HTTP %d", resp.StatusCode)
	}

	var wire registrationDataWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return RegistrationData{}, fmt.Errorf("decoding HSS response: %w", err)
	}

	ifcMap := make(map[string][]byte, len(wire.IFCMap))
	for impuKey, raw := range wire.IFCMap {
		ifcMap[impuKey] = raw
	}

	return RegistrationData{
		State:          wire.State,
		IFCMap:         ifcMap,
		AssociatedURIs: wire.AssociatedURIs,
		ChargingAddrs:  ChargingAddresses{CCFs: wire.CCFs, ECFs: wire.ECFs},
	}, nil
}

func (c *HTTPClient) UpdateRegistrationState(ctx context.Context, impu, impi string, update UpdateType, scscfURI string) error {
	body, err := json.Marshal(map[string]string{
		"impi":      impi,
		"type":      string(update),
		"scscf_uri": scscfURI,
	})
	if err != nil {
		return fmt.Errorf("encoding update_registration_state body: %w", err)
	}

	url := fmt.Sprintf("%s/impu/%s/reg-data", c.baseURL, impu)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building update_registration_state request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling HSS update_registration_state: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("HSS update_registration_state returned HTTP %d", resp.StatusCode)
	}
	return nil
}

type authVectorWire struct {
	Scheme       AuthScheme `json:"scheme"`
	HA1          string     `json:"ha1,omitempty"`
	QoP          string     `json:"qop,omitempty"`
	Realm        string     `json:"realm,omitempty"`
	Nonce        string     `json:"nonce,omitempty"`
	CryptKey     string     `json:"cryptkey,omitempty"`
	IntegrityKey string     `json:"integritykey,omitempty"`
	XRES         string     `json:"xres,omitempty"`
	Version      int        `json:"akaversion,omitempty"`
}

func (c *HTTPClient) GetAuthVector(ctx context.Context, impi, impu string, scheme AuthScheme, resync []byte) (AuthVector, error) {
	url := fmt.Sprintf("%s/impi/%s/av?impu=%s&scheme=%s", c.baseURL, impi, impu, scheme)
	if len(resync) > 0 {
		url += "&resync=" + string(resync)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return AuthVector{}, fmt.Errorf("building get_auth_vector request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AuthVector{}, fmt.Errorf("calling HSS get_auth_vector: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return AuthVector{}, fmt.Errorf("HSS get_auth_vector returned HTTP %d", resp.StatusCode)
	}

	var wire authVectorWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return AuthVector{}, fmt.Errorf("decoding auth vector response: %w", err)
	}

	if wire.Scheme == SchemeAKAv1 || wire.Scheme == SchemeAKAv2 {
		version := wire.Version
		if version == 0 {
			version = 1
		}
		return NewAkaVector(AkaVector{
			Nonce:        wire.Nonce,
			CryptKey:     wire.CryptKey,
			IntegrityKey: wire.IntegrityKey,
			XRES:         wire.XRES,
			Version:      version,
		}), nil
	}

	return NewDigestVector(DigestVector{HA1: wire.HA1, QoP: wire.QoP, Realm: wire.Realm}), nil
}
