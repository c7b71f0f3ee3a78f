package aschain

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsSuccessAndFailureSeparately(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewTracker(logger, nil)

	tr.RecordFailure(context.Background(), "sip:as1.home.net")
	tr.RecordSuccess("sip:as2.home.net")

	s1, f1 := tr.Counts("sip:as1.home.net")
	require.Equal(t, 0, s1)
	require.Equal(t, 1, f1)

	s2, f2 := tr.Counts("sip:as2.home.net")
	require.Equal(t, 1, s2)
	require.Equal(t, 0, f2)
}

func TestTrackerInvokesOnFailureCallback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var notified string
	tr := NewTracker(logger, func(_ context.Context, asURI string) {
		notified = asURI
	})

	tr.RecordFailure(context.Background(), "sip:as1.home.net")
	require.Equal(t, "sip:as1.home.net", notified)
}
