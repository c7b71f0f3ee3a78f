// Package acr is the billing/accounting collaborator: one ACR is
// maintained per session case per node role, owned by the AsChain across
// AS hops (or by the per-transaction state for in-dialog/rejected-before-
// chain cases), and emitted as a Rf/Ro-style accounting event.
//
// The writer itself is async and buffered: a channel+ticker+batch pattern
// that keeps billing I/O off the critical path, the same shape
// internal/audit.Writer uses for emitting audit log entries, retargeted here at
// emitting ACRs instead.
package acr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sipmesh/scscf/internal/telemetry"
	"github.com/sipmesh/scscf/pkg/sipmsg"
)

// Cause records why an ACR is being closed.
type Cause string

const (
	CauseNormal       Cause = "NORMAL"
	CauseCancelled    Cause = "CANCELLED"
	CauseAsUnreachable Cause = "AS_UNREACHABLE"
	CauseTransportErr Cause = "TRANSPORT_ERROR"
)

// Record is one ACR event.
type Record struct {
	ServedUser  string
	SessionCase sipmsg.SessionCase
	NodeRole    string // "orig", "term", "as-invocation"
	BillingRole string // correlates in-dialog requests back to this ACR
	Cause       Cause
	StartedAt   time.Time
	ClosedAt    time.Time
}

// Sink is where finished ACRs are sent: a billing backend, a message
// queue, or (in dev mode) just the log.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

// Writer is an async, buffered ACR writer in the same shape as
// internal/audit.Writer: entries are queued on a channel and flushed in
// batches by a background goroutine so billing I/O never blocks a
// transaction.
type Writer struct {
	sink    Sink
	logger  *slog.Logger
	records chan Record
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates a Writer. Call Start to begin processing.
func NewWriter(sink Sink, logger *slog.Logger) *Writer {
	return &Writer{sink: sink, logger: logger, records: make(chan Record, bufferSize)}
}

// Start launches the background flush loop and returns immediately; the
// loop exits once ctx is cancelled and all pending records are flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for pending records to flush.
func (w *Writer) Close() {
	close(w.records)
	w.wg.Wait()
}

// Emit enqueues an ACR record. It never blocks; a full buffer drops the
// record and logs a warning rather than stall the SIP transaction.
func (w *Writer) Emit(rec Record) {
	telemetry.ACRRecordsTotal.WithLabelValues(string(rec.Cause)).Inc()
	select {
	case w.records <- rec:
	default:
		w.logger.Warn("acr buffer full, dropping record", "served_user", rec.ServedUser, "cause", rec.Cause)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-w.records:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case rec, ok := <-w.records:
					if !ok {
						flush()
						return
					}
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, rec := range batch {
		if err := w.sink.Emit(ctx, rec); err != nil {
			w.logger.Error("emitting ACR", "error", err, "served_user", rec.ServedUser, "cause", rec.Cause)
		}
	}
}

// LogSink is a dev-mode Sink that just logs the record.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, rec Record) error {
	s.logger.Info("acr",
		"served_user", rec.ServedUser,
		"session_case", rec.SessionCase.String(),
		"node_role", rec.NodeRole,
		"billing_role", rec.BillingRole,
		"cause", rec.Cause,
		"duration_ms", rec.ClosedAt.Sub(rec.StartedAt).Milliseconds(),
	)
	return nil
}
