package subscription

import (
	"context"
	"log/slog"

	"github.com/sipmesh/scscf/pkg/aor"
)

// LoggingNotifier is a dev-mode Notifier: the actual NOTIFY send goes out
// over the SIP stack's transaction layer, out of scope here. It stands in when no real transport is wired, the same
// dev-stub role LoggingThirdPartyRegistrar plays for pkg/registrar.
type LoggingNotifier struct {
	logger *slog.Logger
}

// NewLoggingNotifier builds a LoggingNotifier.
func NewLoggingNotifier(logger *slog.Logger) *LoggingNotifier {
	return &LoggingNotifier{logger: logger}
}

func (l *LoggingNotifier) SendNotify(_ context.Context, sub aor.Subscription, body []byte, subscriptionState string) error {
	l.logger.Info("NOTIFY", "subscriber_uri", sub.SubscriberURI, "requesting_uri", sub.RequestingURI, "state", subscriptionState, "body_bytes", len(body))
	return nil
}
