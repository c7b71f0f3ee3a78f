package acr

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// OpsAlertNotifier posts one-way ops visibility notifications to Slack when
// the AS-communication tracker sees a hop fail. It only posts outbound
// alerts; there is no interactive webhook surface (no app mentions,
// modals, or slash commands apply to this core).
type OpsAlertNotifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewOpsAlertNotifier creates a notifier. If botToken is empty, it is a
// noop (logging only) — the same "usable without the real backend" shape
// the rest of this codebase uses for its external collaborators.
func NewOpsAlertNotifier(botToken, channel string, logger *slog.Logger) *OpsAlertNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &OpsAlertNotifier{client: client, channel: channel, logger: logger}
}

func (n *OpsAlertNotifier) isEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyAsFailure posts a message when an AS hop is marked unreachable.
func (n *OpsAlertNotifier) NotifyAsFailure(ctx context.Context, asURI, servedUser string, cause Cause) error {
	text := fmt.Sprintf(":warning: AS unreachable: %s (served user %s, cause %s)", asURI, servedUser, cause)

	if !n.isEnabled() {
		n.logger.Debug("ops alert notifier disabled, skipping", "as_uri", asURI, "cause", cause)
		return nil
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting AS-failure alert to slack: %w", err)
	}
	return nil
}
