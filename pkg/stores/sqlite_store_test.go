package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/skyform/skyform/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(name string) *engine.StateRecord {
	return &engine.StateRecord{
		Key:        engine.Key{Kind: engine.KindSecurityGroup, Name: name},
		ProviderID: "sg-" + name,
		Attributes: engine.Attrs{"ingress_port": engine.Literal{V: 443}},
		Outputs:    engine.Attrs{"id": engine.Literal{V: "sg-" + name}},
		Dependencies: []engine.Key{
			{Kind: engine.KindDataLookup, Name: "vpc"},
		},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("web")
	if err := store.Put(ctx, rec, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if rec.Token != 1 {
		t.Errorf("token after first put = %d, want 1", rec.Token)
	}

	got, err := store.Get(ctx, rec.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for existing record")
	}
	if got.ProviderID != "sg-web" || got.Token != 1 {
		t.Errorf("got %+v", got)
	}
	if !got.Attributes["ingress_port"].Equal(engine.Literal{V: 443}) {
		t.Errorf("attributes not preserved: %#v", got.Attributes)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0].Kind != engine.KindDataLookup {
		t.Errorf("dependencies not preserved: %v", got.Dependencies)
	}
}

func TestGetAbsentReturnsNil(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get(context.Background(), engine.Key{Kind: engine.KindListener, Name: "nope"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent record, got %+v", got)
	}
}

func TestPutTokenMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("web")
	if err := store.Put(ctx, rec, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Re-creating an existing record must fail.
	err := store.Put(ctx, testRecord("web"), 0)
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Stale token must fail, current token must succeed.
	if err := store.Put(ctx, testRecord("web"), 2); !engine.IsConflict(err) {
		t.Fatalf("expected conflict for stale token, got %v", err)
	}
	if err := store.Put(ctx, testRecord("web"), 1); err != nil {
		t.Fatalf("Put with current token failed: %v", err)
	}

	got, _ := store.Get(ctx, rec.Key)
	if got.Token != 2 {
		t.Errorf("token = %d, want 2", got.Token)
	}
}

func TestDeleteTokenMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("web")
	if err := store.Put(ctx, rec, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.Delete(ctx, rec.Key, 7); !engine.IsConflict(err) {
		t.Fatalf("expected conflict for wrong token, got %v", err)
	}
	if err := store.Delete(ctx, rec.Key, 1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, _ := store.Get(ctx, rec.Key)
	if got != nil {
		t.Error("record still present after delete")
	}
}

func TestListOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"c", "a", "b"} {
		if err := store.Put(ctx, testRecord(name), 0); err != nil {
			t.Fatalf("Put %s failed: %v", name, err)
		}
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for i, want := range []string{"a", "b", "c"} {
		if records[i].Key.Name != want {
			t.Errorf("records[%d] = %s, want %s", i, records[i].Key.Name, want)
		}
	}
}

func TestLockExcludesSecondHolder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token, err := store.Lock(ctx, "default", time.Hour)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if token == "" {
		t.Fatal("empty lock token")
	}

	_, err = store.Lock(ctx, "default", time.Hour)
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeLockBusy {
		t.Fatalf("expected lock-busy error, got %v", err)
	}

	// A different scope is independent.
	if _, err := store.Lock(ctx, "other", time.Hour); err != nil {
		t.Fatalf("Lock on other scope failed: %v", err)
	}

	if err := store.Unlock(ctx, "default", token); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := store.Lock(ctx, "default", time.Hour); err != nil {
		t.Fatalf("Lock after unlock failed: %v", err)
	}
}

func TestLockStaleTakeover(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Lock(ctx, "default", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	second, err := store.Lock(ctx, "default", time.Hour)
	if err != nil {
		t.Fatalf("stale lock must be taken over: %v", err)
	}
	if second == first {
		t.Error("takeover must issue a fresh token")
	}

	// The original holder's token no longer releases the lock.
	if err := store.Unlock(ctx, "default", first); !engine.IsConflict(err) {
		t.Errorf("expected conflict for stale token unlock, got %v", err)
	}
}

func TestUnlockWrongToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Lock(ctx, "default", time.Hour); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := store.Unlock(ctx, "default", "not-the-token"); !engine.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestJournalRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	report := &engine.ApplyReport{
		RunID:       "run-1",
		PlanID:      "plan-1",
		Status:      engine.RunStatusSucceeded,
		StartedAt:   time.Now().UTC().Add(-time.Minute),
		CompletedAt: time.Now().UTC(),
		Results: map[engine.Key]*engine.NodeResult{
			{Kind: engine.KindSecurityGroup, Name: "web"}: {
				Key:    engine.Key{Kind: engine.KindSecurityGroup, Name: "web"},
				Action: engine.ActionCreate,
				Status: engine.NodeStatusSucceeded,
			},
		},
		Summary: engine.RunSummary{Total: 1, Succeeded: 1},
	}
	if err := store.RecordRun(ctx, report); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	for i, msg := range []string{"apply started", "create security-group.web: succeeded", "apply finished"} {
		event := &engine.Event{
			RunID:     "run-1",
			Level:     "info",
			Message:   msg,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	last, err := store.LastRun(ctx)
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if last == nil || last.RunID != "run-1" || last.Summary.Succeeded != 1 {
		t.Fatalf("unexpected last run: %+v", last)
	}

	events, err := store.Events(ctx, "run-1")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Message != "apply started" || events[2].Message != "apply finished" {
		t.Errorf("events out of order: %v, %v", events[0].Message, events[2].Message)
	}
}
