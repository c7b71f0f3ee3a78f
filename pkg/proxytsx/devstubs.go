package proxytsx

import (
	"context"
	"log/slog"

	"github.com/sipmesh/scscf/pkg/aor"
	"github.com/sipmesh/scscf/pkg/sipmsg"
)

// LoggingASInvoker is a dev-mode ASInvoker: the actual delivery of a
// request to an AS goes out over the SIP stack's transaction layer, out of
// scope here. It stands in when no real transport is
// wired, the same role LoggingThirdPartyRegistrar plays for pkg/registrar.
type LoggingASInvoker struct {
	logger *slog.Logger
}

// NewLoggingASInvoker builds a LoggingASInvoker.
func NewLoggingASInvoker(logger *slog.Logger) *LoggingASInvoker {
	return &LoggingASInvoker{logger: logger}
}

func (l *LoggingASInvoker) Invoke(_ context.Context, asURI string, req *sipmsg.Request) error {
	l.logger.Info("AS invocation", "as_uri", asURI, "method", req.Method, "request_uri", req.RequestURI)
	return nil
}

// LoggingRouter is a dev-mode Router. IsLocal defaults to true for any
// request-URI containing localDomain, matching a single-domain dev
// deployment; RouteToBGCF just logs and synthesises a 404 since no real
// BGCF transport is wired.
type LoggingRouter struct {
	localDomain string
	logger      *slog.Logger
}

// NewLoggingRouter builds a LoggingRouter scoped to localDomain (this
// node's own served domain, e.g. "home.net").
func NewLoggingRouter(localDomain string, logger *slog.Logger) *LoggingRouter {
	return &LoggingRouter{localDomain: localDomain, logger: logger}
}

func (l *LoggingRouter) IsLocal(requestURI string) bool {
	return l.localDomain != "" && containsDomain(requestURI, l.localDomain)
}

func (l *LoggingRouter) RouteToBGCF(_ context.Context, req *sipmsg.Request, bgcfURI string) (*sipmsg.Response, error) {
	l.logger.Info("routing off-net request to BGCF", "bgcf_uri", bgcfURI, "request_uri", req.RequestURI)
	return sipmsg.NewResponse(404, "Not Found"), nil
}

func containsDomain(uri, domain string) bool {
	for i := 0; i+len(domain) <= len(uri); i++ {
		if uri[i:i+len(domain)] == domain {
			return true
		}
	}
	return false
}

// LoggingForker is a dev-mode ForkInvoker: it reports every fork as
// unanswered (480) since no real SIP transport is wired to race the
// forked branches.
type LoggingForker struct {
	logger *slog.Logger
}

// NewLoggingForker builds a LoggingForker.
func NewLoggingForker(logger *slog.Logger) *LoggingForker {
	return &LoggingForker{logger: logger}
}

func (l *LoggingForker) Fork(_ context.Context, binding aor.Binding, req *sipmsg.Request) (*sipmsg.Response, error) {
	l.logger.Info("forking to binding", "binding_id", binding.ID, "contact", binding.Contact, "method", req.Method)
	return sipmsg.NewResponse(480, "Temporarily Unavailable"), nil
}

// LoggingUpstream delivers an asynchronously-concluded final response (a
// liveness-timer pop with no caller left waiting) to the log only, the
// same dev-mode stand-in role the rest of this package's collaborators
// play for the out-of-scope SIP stack.
type LoggingUpstream struct {
	logger *slog.Logger
}

// NewLoggingUpstream builds a LoggingUpstream.
func NewLoggingUpstream(logger *slog.Logger) *LoggingUpstream {
	return &LoggingUpstream{logger: logger}
}

func (l *LoggingUpstream) SendFinal(_ context.Context, resp *sipmsg.Response) {
	l.logger.Info("async final response", "status", resp.StatusCode, "reason", resp.Reason)
}
