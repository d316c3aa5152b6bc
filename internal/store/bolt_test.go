package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrapUseRoundTrip(t *testing.T) {
	s := testStore(t)

	if _, ok, err := s.LastBootstrapUse("hash-a"); err != nil || ok {
		t.Fatalf("LastBootstrapUse on empty store = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	if err := s.RememberBootstrapUse("hash-a"); err != nil {
		t.Fatalf("RememberBootstrapUse: %v", err)
	}

	seen, ok, err := s.LastBootstrapUse("hash-a")
	if err != nil {
		t.Fatalf("LastBootstrapUse: %v", err)
	}
	if !ok {
		t.Fatal("LastBootstrapUse ok = false, want true")
	}
	if time.Since(seen) > time.Minute {
		t.Errorf("LastBootstrapUse returned a stale timestamp: %v", seen)
	}
}

func TestAuditEventRoundTripNewestFirst(t *testing.T) {
	s := testStore(t)

	base := time.Now().UTC()
	if err := s.AppendAuditEvent(AuditEvent{Timestamp: base, AgentID: "a1", Kind: "connect"}); err != nil {
		t.Fatalf("AppendAuditEvent: %v", err)
	}
	if err := s.AppendAuditEvent(AuditEvent{Timestamp: base.Add(time.Second), AgentID: "a1", Kind: "disconnect", Detail: "heartbeat timeout"}); err != nil {
		t.Fatalf("AppendAuditEvent: %v", err)
	}

	events, err := s.ListAuditEvents(0)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Kind != "disconnect" {
		t.Errorf("events[0].Kind = %q, want disconnect (newest first)", events[0].Kind)
	}
	if events[1].Kind != "connect" {
		t.Errorf("events[1].Kind = %q, want connect", events[1].Kind)
	}
}

func TestListAuditEventsRespectsLimit(t *testing.T) {
	s := testStore(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := s.AppendAuditEvent(AuditEvent{Timestamp: base.Add(time.Duration(i) * time.Second), AgentID: "a1", Kind: "connect"}); err != nil {
			t.Fatalf("AppendAuditEvent: %v", err)
		}
	}

	events, err := s.ListAuditEvents(2)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
}

func TestPruneAuditEventsBefore(t *testing.T) {
	s := testStore(t)

	base := time.Now().UTC()
	old := base.Add(-time.Hour)
	if err := s.AppendAuditEvent(AuditEvent{Timestamp: old, AgentID: "a1", Kind: "connect"}); err != nil {
		t.Fatalf("AppendAuditEvent: %v", err)
	}
	if err := s.AppendAuditEvent(AuditEvent{Timestamp: base, AgentID: "a1", Kind: "disconnect"}); err != nil {
		t.Fatalf("AppendAuditEvent: %v", err)
	}

	removed, err := s.PruneAuditEventsBefore(base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("PruneAuditEventsBefore: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	events, err := s.ListAuditEvents(0)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "disconnect" {
		t.Fatalf("events = %+v, want only the disconnect event to remain", events)
	}
}
