package decisions_test

import (
	"context"
	"testing"
	"time"

	"chimera/internal/decisions"
	"chimera/internal/keyspace"
	"chimera/internal/store/sqlitestore"
)

func newTestWriter(t *testing.T, tenant string) (decisions.Writer, *sqlitestore.Store) {
	t.Helper()
	s, err := sqlitestore.New(sqlitestore.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	w := decisions.New(s, keyspace.ForTenant(tenant))
	w.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return w, s
}

func TestAppendAndRecentRoundTrip(t *testing.T) {
	w, _ := newTestWriter(t, "acme")
	ctx := context.Background()

	err := w.Append(ctx, decisions.TypeJudgeDecision, "task", "t-1", "judge-1", map[string]any{
		"decision":   "approve",
		"confidence": 0.95,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := w.Recent(ctx, 0, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.Type != decisions.TypeJudgeDecision || e.EntityKind != "task" || e.EntityID != "t-1" || e.ActorID != "judge-1" {
		t.Fatalf("event fields = %+v", e)
	}
	if e.TenantID != "acme" {
		t.Fatalf("tenant = %q, want acme", e.TenantID)
	}
	if e.Payload["decision"] != "approve" {
		t.Fatalf("payload = %v", e.Payload)
	}
	if !e.At.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("at = %v", e.At)
	}
}

func TestRecentPagesOldestFirst(t *testing.T) {
	w, _ := newTestWriter(t, "acme")
	ctx := context.Background()
	for _, id := range []string{"t-1", "t-2", "t-3"} {
		if err := w.Append(ctx, decisions.TypeTaskEnqueued, "task", id, "planner", nil); err != nil {
			t.Fatal(err)
		}
	}

	page, err := w.Recent(ctx, 1, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(page) != 2 || page[0].EntityID != "t-2" || page[1].EntityID != "t-3" {
		t.Fatalf("page = %+v, want t-2 then t-3", page)
	}
}

func TestLogsAreTenantScoped(t *testing.T) {
	s, err := sqlitestore.New(sqlitestore.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	acme := decisions.New(s, keyspace.ForTenant("acme"))
	globex := decisions.New(s, keyspace.ForTenant("globex"))
	if err := acme.Append(ctx, decisions.TypeTaskEnqueued, "task", "a-1", "planner", nil); err != nil {
		t.Fatal(err)
	}
	if err := globex.Append(ctx, decisions.TypeTaskEnqueued, "task", "g-1", "planner", nil); err != nil {
		t.Fatal(err)
	}

	events, err := acme.Recent(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EntityID != "a-1" {
		t.Fatalf("acme log = %+v, want only a-1", events)
	}
}
