package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ordergate/internal/domain"
	"ordergate/internal/store"
)

// failingAuditStore always errors, to prove Record never propagates failures.
type failingAuditStore struct{}

func (failingAuditStore) SaveAuditEvent(context.Context, *domain.AuditEvent) error {
	return errors.New("disk full")
}

func (failingAuditStore) ListAuditEvents(context.Context, time.Time, time.Time, int) ([]domain.AuditEvent, error) {
	return nil, errors.New("disk full")
}

func TestStoreRecorderSwallowsFailures(t *testing.T) {
	r := NewStoreRecorder(failingAuditStore{}, nil)
	// Must not panic or block, and has no error to return.
	r.Record(context.Background(), domain.AuditEvent{Kind: domain.AuditRiskCheck, Subject: "in-1"})
}

func TestStoreRecorderRoundTrip(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	r := NewStoreRecorder(s, nil)
	r.Record(ctx, domain.AuditEvent{
		Kind:    domain.AuditKillSwitch,
		Subject: "kill_switch",
		Detail:  "enabled mode=cancel_all",
		Data:    map[string]string{"cancelled": "3"},
	})

	events, err := s.ListAuditEvents(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Kind != domain.AuditKillSwitch || events[0].Data["cancelled"] != "3" {
		t.Errorf("event mismatch: %+v", events[0])
	}
	if events[0].At.IsZero() {
		t.Error("Record did not stamp At")
	}
}

func TestParquetArchiveDay(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	day := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	r := NewStoreRecorder(s, nil)
	for i := 0; i < 3; i++ {
		r.Record(ctx, domain.AuditEvent{
			At:      day.Add(time.Duration(i) * time.Hour),
			Kind:    domain.AuditOrderTransition,
			Subject: "o-1",
			Detail:  "pending -> submitted",
		})
	}
	// Event on the next day must not leak into the archive.
	r.Record(ctx, domain.AuditEvent{At: day.AddDate(0, 0, 1), Kind: domain.AuditOrderTransition, Subject: "o-2"})

	arch := NewParquetArchiver(s, dir)
	path, n, err := arch.ArchiveDay(ctx, day)
	if err != nil {
		t.Fatalf("ArchiveDay: %v", err)
	}
	if n != 3 {
		t.Errorf("archived %d records, want 3", n)
	}
	want := filepath.Join(dir, "audit", "2026-08-26.parquet")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}

	records, err := arch.ReadDay(day)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("read back %d records, want 3", len(records))
	}
	if records[0].Kind != domain.AuditOrderTransition || records[0].Subject != "o-1" {
		t.Errorf("record mismatch: %+v", records[0])
	}
}

func TestMemoryRecorder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Record(ctx, domain.AuditEvent{Kind: domain.AuditRiskCheck, Subject: "in-1"})
	m.Record(ctx, domain.AuditEvent{Kind: domain.AuditIntentTransition, Subject: "in-1"})

	if got := len(m.Events()); got != 2 {
		t.Fatalf("Events() returned %d, want 2", got)
	}
	if got := len(m.ByKind(domain.AuditRiskCheck)); got != 1 {
		t.Errorf("ByKind(risk.check) returned %d, want 1", got)
	}
}
