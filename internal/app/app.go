// Package app wires every component of this node into a single running
// process: config, telemetry, the replicated stores, the HSS client, the
// three transaction handlers (registrar, subscription manager, proxy-TSX),
// the authentication interceptor in front of them, and the admin HTTP
// surface. Run reads config, stands up infrastructure clients, builds
// domain collaborators, mounts an HTTP server, and blocks on context
// cancellation for graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/sipmesh/scscf/internal/audit"
	"github.com/sipmesh/scscf/internal/auth"
	"github.com/sipmesh/scscf/internal/config"
	"github.com/sipmesh/scscf/internal/httpadmin"
	"github.com/sipmesh/scscf/internal/platform"
	"github.com/sipmesh/scscf/internal/telemetry"
	"github.com/sipmesh/scscf/pkg/acr"
	"github.com/sipmesh/scscf/pkg/aor"
	"github.com/sipmesh/scscf/pkg/aschain"
	"github.com/sipmesh/scscf/pkg/avauth"
	"github.com/sipmesh/scscf/pkg/hss"
	"github.com/sipmesh/scscf/pkg/ifc"
	"github.com/sipmesh/scscf/pkg/middleware"
	"github.com/sipmesh/scscf/pkg/proxytsx"
	"github.com/sipmesh/scscf/pkg/registrar"
	"github.com/sipmesh/scscf/pkg/sipmsg"
	"github.com/sipmesh/scscf/pkg/store"
	"github.com/sipmesh/scscf/pkg/subscription"
	"github.com/sipmesh/scscf/pkg/timer"
)

// serviceName/serviceVersion label the tracer resource.
const (
	serviceName    = "scscf"
	serviceVersion = "dev"

	// authExpirySlack is added on top of LongestBindingExpiry when
	// bounding how long a stored auth vector is kept: long enough to
	// outlive the longest binding refresh period it may still need to
	// re-validate.
	authExpirySlack = 30 * time.Second

	// authFailureMaxAttempts/authFailureWindow bound the Digest/AKA
	// guessing-defence rate limiter: this many failed verifications per
	// IMPI are tolerated before further attempts are refused outright
	// until the window rolls over.
	authFailureMaxAttempts = 5
	authFailureWindow      = 5 * time.Minute
)

// Node holds every long-lived collaborator this process wires together.
// Handler is the SIP-facing entry point a transport layer calls per
// request; providing that transport is out of scope,
// so Handler is exposed here as the integration point rather than driven
// internally.
type Node struct {
	Handler middleware.Handler

	timers    *timer.InProcess
	acrWriter *acr.Writer
	audit     *audit.Writer
	admin     *httpadmin.Server
}

// Run is the process entry point: build every collaborator, start the
// admin HTTP surface, and block until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting scscf", "listen", cfg.ListenAddr(), "scscf_uri", cfg.ScscfURI)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, serviceVersion)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	node, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      node.admin,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// build constructs a Node plus a cleanup function releasing everything
// build opened (Redis clients, background writers, the timer service).
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Node, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	backing, localRedis, redisCleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, redisCleanup)

	aorStore := aor.NewStore(backing)

	hssClient := buildHSSClient(cfg)

	acrWriter := acr.NewWriter(acr.NewLogSink(logger), logger)
	acrWriter.Start(ctx)
	closers = append(closers, acrWriter.Close)

	opsAlert := acr.NewOpsAlertNotifier(cfg.SlackBotToken, cfg.SlackOpsAlertChannel, logger)
	chains := aschain.NewTable()
	tracker := aschain.NewTracker(logger, func(ctx context.Context, asURI string) {
		if err := opsAlert.NotifyAsFailure(ctx, asURI, "", acr.CauseAsUnreachable); err != nil {
			logger.Warn("posting AS-failure ops alert failed", "as_uri", asURI, "error", err)
		}
	})

	ifcEval := ifc.New(nil, logger)
	timers := timer.NewInProcess(logger)
	closers = append(closers, timers.Close)

	authEngine := avauth.New(avauth.Config{
		ScscfURI:                cfg.ScscfURI,
		Realm:                   cfg.Realm,
		AkaRealm:                cfg.Realm,
		NonceCountSupported:     true,
		NonRegisterAuthMode:     avauth.NonRegisterAuthMode(cfg.NonRegisterAuthMode),
		ChallengeResponseWindow: cfg.ChallengeResponseWindow,
		LongestBindingExpiry:    cfg.LongestBindingExpiry,
		BindingExpirySlack:      authExpirySlack,
	}, backing, hssClient, logger)
	authEngine.SetFailureLimiter(avauth.NewFailureLimiter(localRedis, authFailureMaxAttempts, authFailureWindow))

	notifier := subscription.NewLoggingNotifier(logger)
	subsManager := subscription.New(subscription.Config{
		MinSubExpires: cfg.MinSubExpires,
		MaxSubExpires: cfg.MaxSubExpires,
	}, aorStore, notifier, logger)

	thirdParty := registrar.NewLoggingThirdPartyRegistrar(logger)
	reg := registrar.New(registrar.Config{
		MinExpires:     cfg.MinBindingExpiry,
		MaxExpires:     cfg.LongestBindingExpiry,
		DefaultExpires: cfg.DefaultBindingExpiry,
		ScscfURI:       cfg.ScscfURI,
	}, aorStore, hssClient, ifcEval, timers, thirdParty, subsManager, logger)

	localDomain := domainOf(cfg.ScscfURI)
	proxyEngine := proxytsx.New(
		proxytsx.Config{
			ScscfURI:                 cfg.ScscfURI,
			SessionContinuedTimeout:  cfg.SessionContinuedTimeout,
			SessionTerminatedTimeout: cfg.SessionTerminatedTimeout,
			MaxForking:               cfg.MaxForking,
			AutoReg:                  cfg.AutoReg,
			BgcfURI:                  cfg.BgcfURI,
		},
		aorStore, hssClient, ifcEval, chains, tracker, timers,
		proxytsx.NewLoggingASInvoker(logger),
		proxytsx.NewLoggingRouter(localDomain, logger),
		proxytsx.NewLoggingForker(logger),
		reg, // Registrar.RemoveBinding satisfies BindingRemover
		acrWriter,
		decodeCriteria(logger),
		proxytsx.NewLoggingUpstream(logger),
		logger,
	)

	dispatcher := NewDispatcher(reg, subsManager, proxyEngine, localDomain)
	authInterceptor := middleware.Auth(authEngine, hss.SchemeDigest, extractImpi, logger)
	handler := middleware.Chain([]middleware.Interceptor{authInterceptor}, dispatcher.Handle)

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	var oidcAuth *auth.OIDCAuthenticator
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "" {
		oidcAuth, err = auth.NewOIDCAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("initializing OIDC authenticator: %w", err)
		}
		logger.Info("OIDC authentication enabled", "issuer", cfg.OIDCIssuerURL)
	} else {
		logger.Info("OIDC authentication disabled, falling back to static admin token")
	}

	auditWriter := audit.NewWriter(logger)
	auditWriter.Start(ctx)
	closers = append(closers, auditWriter.Close)

	adminSrv := httpadmin.NewServer(cfg, logger, metricsReg, oidcAuth, aorStore, reg, auditWriter)

	node := &Node{
		Handler:   handler,
		timers:    timers,
		acrWriter: acrWriter,
		audit:     auditWriter,
		admin:     adminSrv,
	}
	return node, cleanup, nil
}

// buildStore wires the replicated key/value store: a local Redis
// connection, optionally fanned out to best-effort remotes named by
// SCSCF_REMOTE_STORE_URLS. The local *redis.Client is also returned for
// collaborators that need raw Redis access alongside the store façade
// (the auth failure rate limiter).
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *redis.Client, func(), error) {
	localClient, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	local := store.NewRedisStore(localClient, "scscf")

	clients := []*redis.Client{localClient}
	closeAll := func() {
		for _, c := range clients {
			if err := c.Close(); err != nil {
				logger.Error("closing redis client", "error", err)
			}
		}
	}

	if len(cfg.RemoteStoreURLs) == 0 {
		return local, localClient, closeAll, nil
	}

	remotes := make([]store.Store, 0, len(cfg.RemoteStoreURLs))
	for _, url := range cfg.RemoteStoreURLs {
		remoteClient, err := platform.NewRedisClient(ctx, url)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("connecting to remote store %s: %w", url, err)
		}
		clients = append(clients, remoteClient)
		remotes = append(remotes, store.NewRedisStore(remoteClient, "scscf"))
	}

	return store.NewReplicated(local, remotes, logger), localClient, closeAll, nil
}

// buildHSSClient wires the real OAuth2-backed HSS client when configured,
// falling back to the in-memory FakeClient for local/dev deployments with
// no HSS reachable.
func buildHSSClient(cfg *config.Config) hss.Client {
	if cfg.HSSBaseURL == "" {
		return hss.NewFakeClient()
	}
	return hss.NewHTTPClient(hss.HTTPClientConfig{
		BaseURL:      cfg.HSSBaseURL,
		TokenURL:     cfg.HSSTokenURL,
		ClientID:     cfg.HSSClientID,
		ClientSecret: cfg.HSSClientSecret,
	})
}

// decodeCriteria adapts ifc.DecodeCriteria to proxytsx.CriteriaDecoder,
// swallowing decode errors into a log line the way pkg/registrar does for
// its own 3rd-party REGISTER iFC lookup.
func decodeCriteria(logger *slog.Logger) proxytsx.CriteriaDecoder {
	return func(raw []byte) []ifc.FilterCriteria {
		criteria, err := ifc.DecodeCriteria(raw)
		if err != nil {
			logger.Warn("decoding iFC", "error", err)
		}
		return criteria
	}
}

// extractImpi pulls the challenging private identity out of a request
// before any challenge has been verified: the first non-empty of
// P-Preferred-Identity, P-Asserted-Identity and From, whatever the method.
func extractImpi(req *sipmsg.Request) string {
	if v := req.Header.Get("P-Preferred-Identity"); v != "" {
		return v
	}
	if v := req.Header.Get("P-Asserted-Identity"); v != "" {
		return v
	}
	return req.From
}

// domainOf extracts the host portion of a SIP URI like "sip:scscf.home.net"
// or "sip:scscf.home.net:5060", for LoggingRouter's single-domain check.
func domainOf(uri string) string {
	host := strings.TrimPrefix(uri, "sip:")
	host = strings.TrimPrefix(host, "sips:")
	if i := strings.IndexAny(host, ";:"); i >= 0 {
		host = host[:i]
	}
	return host
}
