// Package audit records the append-only journal of intent transitions, risk
// checks, kill-switch toggles, and order transitions. Recording is
// best-effort: a failed write is logged and swallowed so it can never block
// or fail the operation that produced the event.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ordergate/internal/domain"
	"ordergate/internal/store"
)

// Recorder accepts audit events.
type Recorder interface {
	Record(ctx context.Context, event domain.AuditEvent)
}

// Compile-time interface checks.
var _ Recorder = (*StoreRecorder)(nil)
var _ Recorder = (*Memory)(nil)
var _ Recorder = Nop{}

// StoreRecorder persists events through an AuditStore.
type StoreRecorder struct {
	store store.AuditStore
	log   *slog.Logger
}

// NewStoreRecorder creates a Recorder backed by the given store.
func NewStoreRecorder(s store.AuditStore, log *slog.Logger) *StoreRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &StoreRecorder{store: s, log: log.With("component", "audit")}
}

// Record writes the event, stamping At when the caller left it zero. Write
// failures are logged, never returned.
func (r *StoreRecorder) Record(ctx context.Context, ev domain.AuditEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := r.store.SaveAuditEvent(ctx, &ev); err != nil {
		r.log.Warn("audit write failed", "kind", ev.Kind, "subject", ev.Subject, "error", err)
	}
}

// Memory keeps events in memory for tests.
type Memory struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

// NewMemory creates an in-memory Recorder.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, ev domain.AuditEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// ByKind returns recorded events of one kind.
func (m *Memory) ByKind(kind string) []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEvent
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Nop discards all events.
type Nop struct{}

func (Nop) Record(context.Context, domain.AuditEvent) {}
