// Package audit records administrative actions taken through the admin
// HTTP surface: who deregistered or removed an IMPU, and when.
// The core does not persist to disk, so unlike the
// teacher's Postgres-backed audit log, entries here are emitted as
// structured log lines; the channel+ticker+batch shape is otherwise
// adapted straight from pkg/acr.Writer, itself adapted from this same
// teacher package.
package audit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/sipmesh/scscf/internal/auth"
)

// Entry is a single administrative action to be logged.
type Entry struct {
	Subject    string
	Action     string
	Resource   string
	ResourceID string
	IPAddress  *netip.Addr
	UserAgent  *string
	At         time.Time
}

// Writer is an async, buffered audit log writer: entries are sent to an
// internal channel and flushed by a background goroutine so logging an
// admin action never blocks the HTTP response.
type Writer struct {
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing.
func NewWriter(logger *slog.Logger) *Writer {
	return &Writer{logger: logger, entries: make(chan Entry, bufferSize)}
}

// Start launches the background flush loop and returns immediately; the
// loop exits once ctx is cancelled and all pending entries are flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for pending entries to flush.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; a full buffer drops the entry and logs a warning.
func (w *Writer) Log(entry Entry) {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry", "action", entry.Action, "resource", entry.Resource)
	}
}

// LogFromRequest extracts the authenticated identity, client IP, and user
// agent from an admin HTTP request and enqueues the resulting entry.
func (w *Writer) LogFromRequest(r *http.Request, action, resource, resourceID string) {
	entry := Entry{Action: action, Resource: resource, ResourceID: resourceID}

	if id := auth.FromContext(r.Context()); id != nil {
		entry.Subject = id.Subject
	}

	ip := clientIP(r)
	if ip.IsValid() {
		entry.IPAddress = &ip
	}

	if ua := r.Header.Get("User-Agent"); ua != "" {
		entry.UserAgent = &ua
	}

	w.Log(entry)
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(batch []Entry) {
	for _, e := range batch {
		attrs := []any{
			"subject", e.Subject,
			"action", e.Action,
			"resource", e.Resource,
			"resource_id", e.ResourceID,
			"at", e.At.UTC().Format(time.RFC3339),
		}
		if e.IPAddress != nil {
			attrs = append(attrs, "ip", e.IPAddress.String())
		}
		if e.UserAgent != nil {
			attrs = append(attrs, "user_agent", *e.UserAgent)
		}
		w.logger.Info("admin action", attrs...)
	}
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
