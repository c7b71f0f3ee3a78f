package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Server
	Host string `env:"SCSCF_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SCSCF_PORT" envDefault:"8080"`

	// ScscfURI is this node's own SIP URI, embedded in Record-Route and in
	// the Route header carrying the ODI token back to itself.
	ScscfURI string `env:"SCSCF_URI" envDefault:"sip:scscf.home.net"`
	// Realm is the Digest/AKA authentication realm.
	Realm string `env:"SCSCF_REALM" envDefault:"home.net"`
	// BgcfURI is where off-net, non-locally-routable requests hand off.
	BgcfURI string `env:"SCSCF_BGCF_URI"`
	// AutoReg enables implicit-registration-on-call for unregistered
	// terminating subscribers that have an auto_reg service profile.
	AutoReg bool `env:"SCSCF_AUTO_REG" envDefault:"false"`
	// MaxForking bounds the number of parallel UE bindings forked to on a
	// terminating call.
	MaxForking int `env:"SCSCF_MAX_FORKING" envDefault:"10"`

	// ChallengeResponseWindow bounds how long a REGISTER challenge nonce
	// stays valid before it is treated as stale.
	ChallengeResponseWindow time.Duration `env:"SCSCF_CHALLENGE_WINDOW" envDefault:"30s"`
	// LongestBindingExpiry bounds the Expires a REGISTER may request.
	LongestBindingExpiry time.Duration `env:"SCSCF_MAX_BINDING_EXPIRY" envDefault:"3600s"`
	// MinBindingExpiry bounds the shortest Expires a REGISTER may request.
	MinBindingExpiry time.Duration `env:"SCSCF_MIN_BINDING_EXPIRY" envDefault:"60s"`
	// DefaultBindingExpiry is substituted when a REGISTER omits Expires.
	DefaultBindingExpiry time.Duration `env:"SCSCF_DEFAULT_BINDING_EXPIRY" envDefault:"3600s"`

	// MinSubExpires/MaxSubExpires bound the Expires a SUBSCRIBE may
	// request for the reg-event package.
	MinSubExpires time.Duration `env:"SCSCF_MIN_SUB_EXPIRY" envDefault:"60s"`
	MaxSubExpires time.Duration `env:"SCSCF_MAX_SUB_EXPIRY" envDefault:"7200s"`
	// SessionContinuedTimeout/SessionTerminatedTimeout bound AS liveness
	// per DefaultHandling.
	SessionContinuedTimeout  time.Duration `env:"SCSCF_AS_TIMEOUT_CONTINUED" envDefault:"3s"`
	SessionTerminatedTimeout time.Duration `env:"SCSCF_AS_TIMEOUT_TERMINATED" envDefault:"3s"`

	// NonRegisterAuthMode is the bitmask controlling which non-REGISTER
	// requests are challenged (avauth.NonRegisterAuthMode): bit0 = only
	// when Proxy-Authorization is present, bit1 = always, bit2 = initial
	// requests.
	NonRegisterAuthMode int `env:"SCSCF_NON_REGISTER_AUTH_MODE" envDefault:"0"`

	// Redis backs the replicated AV and AoR (bindings and subscriptions)
	// stores, and the auth failure limiter's counters.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	// RemoteStoreURLs are additional Redis stores the AV/AoR stores
	// best-effort replicate writes to. Empty by default: a single-node deployment has no
	// remotes to replicate to.
	RemoteStoreURLs []string `env:"SCSCF_REMOTE_STORE_URLS" envSeparator:","`

	// HSS client: OAuth2 client-credentials against the HSS's
	// HTTP/JSON front end.
	HSSBaseURL       string `env:"HSS_BASE_URL"`
	HSSTokenURL      string `env:"HSS_OAUTH_TOKEN_URL"`
	HSSClientID      string `env:"HSS_OAUTH_CLIENT_ID"`
	HSSClientSecret  string `env:"HSS_OAUTH_CLIENT_SECRET"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsPath  string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS (admin HTTP surface only)
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// OIDC (optional — if not set, the admin surface falls back to a
	// static bearer token).
	OIDCIssuerURL    string `env:"OIDC_ISSUER_URL"`
	OIDCClientID     string `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret string `env:"OIDC_CLIENT_SECRET"`
	OIDCAudience     string `env:"OIDC_AUDIENCE"`

	// AdminStaticToken is a fallback bearer token for the admin HTTP
	// surface when OIDC is not configured (development/single-operator
	// deployments).
	AdminStaticToken string `env:"SCSCF_ADMIN_STATIC_TOKEN"`

	// SlackBotToken/SlackOpsAlertChannel configure the AS-communication
	// tracker's ops-visibility sink. Empty token disables
	// alerting entirely; the tracker still records counts either way.
	SlackBotToken      string `env:"SLACK_BOT_TOKEN"`
	SlackOpsAlertChannel string `env:"SLACK_OPS_ALERT_CHANNEL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP admin server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
