package aschain

import (
	"context"
	"log/slog"
	"sync"
)

// Tracker records AS-communication outcomes  ("the AS
// communication tracker records one failure for AS1, one success for
// AS2"). It is a lightweight counter keyed by AS URI, with an optional
// ops-alert sink notified on failure.
type Tracker struct {
	mu       sync.Mutex
	failures map[string]int
	successes map[string]int
	logger   *slog.Logger
	onFailure func(ctx context.Context, asURI string)
}

// NewTracker builds a Tracker. onFailure, if non-nil, is invoked (outside
// the tracker's lock) every time RecordFailure is called — wired to
// pkg/acr's ops-alert notifier in production.
func NewTracker(logger *slog.Logger, onFailure func(ctx context.Context, asURI string)) *Tracker {
	return &Tracker{
		failures:  make(map[string]int),
		successes: make(map[string]int),
		logger:    logger,
		onFailure: onFailure,
	}
}

// RecordSuccess records a responsive AS invocation.
func (t *Tracker) RecordSuccess(asURI string) {
	t.mu.Lock()
	t.successes[asURI]++
	t.mu.Unlock()
}

// RecordFailure records an unreachable/unresponsive AS invocation.
func (t *Tracker) RecordFailure(ctx context.Context, asURI string) {
	t.mu.Lock()
	t.failures[asURI]++
	t.mu.Unlock()

	t.logger.Warn("AS hop unreachable", "as_uri", asURI)
	if t.onFailure != nil {
		t.onFailure(ctx, asURI)
	}
}

// Counts returns the success/failure counts for asURI, for tests and
// diagnostics.
func (t *Tracker) Counts(asURI string) (successes, failures int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.successes[asURI], t.failures[asURI]
}
