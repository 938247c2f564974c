package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"safetrail/internal/model"
	"safetrail/internal/storage"
)

func testOptions() Options {
	return Options{Enabled: true, CeilingBytes: 5 << 20, DefaultMaxRetries: 3}
}

func openForTest(t *testing.T, store storage.Store, opts Options) *Queue {
	t.Helper()
	q, err := Open(context.Background(), store, opts, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return q
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestEnqueuePersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	q := openForTest(t, store, testOptions())
	id, err := q.Enqueue(ctx, model.KindPanic, payload(t, map[string]float64{"lat": 28.6}), model.PriorityCritical, 0)
	if err != nil || id == "" {
		t.Fatalf("enqueue: id=%q err=%v", id, err)
	}
	ev, ok := q.Get(id)
	if !ok || ev.MaxRetries != 3 || ev.Synced || ev.RetryCount != 0 {
		t.Fatalf("unexpected event: %+v", ev)
	}

	reopened := openForTest(t, store, testOptions())
	got, ok := reopened.Get(id)
	if !ok || got.Kind != model.KindPanic || got.Priority != model.PriorityCritical {
		t.Fatalf("event not restored: %+v", got)
	}
	if reopened.Usage().UsedBytes == 0 {
		t.Fatalf("expected usage restored")
	}
}

func TestEnqueueDisabledIsNoop(t *testing.T) {
	opts := testOptions()
	opts.Enabled = false
	q := openForTest(t, storage.NewMemory(), opts)
	id, err := q.Enqueue(context.Background(), model.KindLocation, nil, model.PriorityLow, 0)
	if err != nil || id != "" || q.Len() != 0 {
		t.Fatalf("expected disabled queue to ignore enqueue")
	}
}

func TestEnqueueRejectsUnknownKindAndPriority(t *testing.T) {
	q := openForTest(t, storage.NewMemory(), testOptions())
	if _, err := q.Enqueue(context.Background(), "weather", nil, model.PriorityLow, 0); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected invalid kind, got %v", err)
	}
	if _, err := q.Enqueue(context.Background(), model.KindPanic, nil, "urgent", 0); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("expected invalid priority, got %v", err)
	}
}

func TestEnqueueRollsBackOnPersistFailure(t *testing.T) {
	store := storage.NewMemory()
	q := openForTest(t, store, testOptions())
	store.FailSet = errors.New("disk full")
	id, err := q.Enqueue(context.Background(), model.KindPanic, nil, model.PriorityCritical, 0)
	if err == nil || id != "" {
		t.Fatalf("expected persist error")
	}
	if q.Len() != 0 {
		t.Fatalf("expected rollback, have %d events", q.Len())
	}
}

func TestStorageFullRejectsLowAcceptsCritical(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	q := openForTest(t, store, testOptions())
	for i := 0; i < 20; i++ {
		if _, err := q.Enqueue(ctx, model.KindLocation, payload(t, map[string]int{"i": i}), model.PriorityNormal, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	used := q.Usage().UsedBytes

	opts := testOptions()
	opts.CeilingBytes = used * 100 / 95
	full := openForTest(t, store, opts)
	if !full.IsStorageFull() {
		t.Fatalf("expected full storage at %.1f%%", full.Usage().Percentage)
	}
	id, err := full.Enqueue(ctx, model.KindLocation, nil, model.PriorityLow, 0)
	if err != nil || id != "" {
		t.Fatalf("expected low priority rejection, id=%q err=%v", id, err)
	}
	if _, err := full.Enqueue(ctx, model.KindAnomaly, nil, model.PriorityNormal, 0); err != nil {
		t.Fatalf("normal rejection must not error: %v", err)
	}
	id, err = full.Enqueue(ctx, model.KindPanic, nil, model.PriorityCritical, 0)
	if err != nil || id == "" {
		t.Fatalf("expected critical accepted, id=%q err=%v", id, err)
	}
	if full.Len() != 21 {
		t.Fatalf("expected 21 events, got %d", full.Len())
	}
}

func TestRetryBudgetAndReset(t *testing.T) {
	ctx := context.Background()
	q := openForTest(t, storage.NewMemory(), testOptions())
	id, _ := q.Enqueue(ctx, model.KindGeoFence, nil, model.PriorityHigh, 2)
	for i := 0; i < 5; i++ {
		if err := q.IncrementRetry(ctx, id, errors.New("503")); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	ev, _ := q.Get(id)
	if ev.RetryCount != 2 || !ev.Exhausted() || ev.LastError != "503" {
		t.Fatalf("unexpected event after retries: %+v", ev)
	}
	if len(q.ListPending()) != 0 || len(q.ListFailed()) != 1 {
		t.Fatalf("expected event listed as failed")
	}
	n, err := q.ResetFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reset failed: n=%d err=%v", n, err)
	}
	ev, _ = q.Get(id)
	if ev.RetryCount != 0 || !ev.Pending() {
		t.Fatalf("expected fresh budget: %+v", ev)
	}
}

func TestUnknownIDIsNoop(t *testing.T) {
	q := openForTest(t, storage.NewMemory(), testOptions())
	if err := q.MarkSynced(context.Background(), "missing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.IncrementRetry(context.Background(), "missing", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSyncedEventIsImmutable(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	opts := testOptions()
	opts.Now = func() time.Time { return now }
	q := openForTest(t, storage.NewMemory(), opts)
	id, err := q.Enqueue(ctx, model.KindPanic, nil, model.PriorityCritical, 3)
	if err != nil || id == "" {
		t.Fatalf("enqueue: id=%q err=%v", id, err)
	}
	if err := q.MarkSynced(ctx, id); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	synced, _ := q.Get(id)

	now = now.Add(time.Hour)
	if err := q.IncrementRetry(ctx, id, errors.New("late failure")); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := q.MarkSynced(ctx, id); err != nil {
		t.Fatalf("mark synced again: %v", err)
	}
	ev, _ := q.Get(id)
	if ev.RetryCount != 0 || ev.LastError != "" || ev.LastAttemptAt != nil {
		t.Fatalf("synced event mutated by retry: %+v", ev)
	}
	if ev.SyncedAt == nil || !ev.SyncedAt.Equal(*synced.SyncedAt) {
		t.Fatalf("synced_at rewritten: before=%v after=%v", synced.SyncedAt, ev.SyncedAt)
	}
}

func TestUpdateOptionsAppliesToNextEnqueue(t *testing.T) {
	ctx := context.Background()
	q := openForTest(t, storage.NewMemory(), testOptions())
	first, _ := q.Enqueue(ctx, model.KindLocation, nil, model.PriorityLow, 0)

	next := testOptions()
	next.DefaultMaxRetries = 7
	q.UpdateOptions(next)
	second, _ := q.Enqueue(ctx, model.KindLocation, nil, model.PriorityLow, 0)
	a, _ := q.Get(first)
	b, _ := q.Get(second)
	if a.MaxRetries != 3 || b.MaxRetries != 7 {
		t.Fatalf("max retries: first=%d second=%d", a.MaxRetries, b.MaxRetries)
	}

	next.Enabled = false
	q.UpdateOptions(next)
	if id, err := q.Enqueue(ctx, model.KindLocation, nil, model.PriorityLow, 0); id != "" || err != nil {
		t.Fatalf("expected disabled queue to drop event: id=%q err=%v", id, err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 events, got %d", q.Len())
	}
}

func TestClearFailedKeepsPendingAndSynced(t *testing.T) {
	ctx := context.Background()
	q := openForTest(t, storage.NewMemory(), testOptions())
	failed, _ := q.Enqueue(ctx, model.KindLocation, nil, model.PriorityLow, 1)
	synced, _ := q.Enqueue(ctx, model.KindLocation, nil, model.PriorityLow, 1)
	q.Enqueue(ctx, model.KindLocation, nil, model.PriorityLow, 1)
	q.IncrementRetry(ctx, failed, nil)
	q.MarkSynced(ctx, synced)

	n, err := q.ClearFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("clear failed: n=%d err=%v", n, err)
	}
	pending, syncedCount, failedCount := q.Counts()
	if pending != 1 || syncedCount != 1 || failedCount != 0 {
		t.Fatalf("unexpected counts: %d %d %d", pending, syncedCount, failedCount)
	}
}

func TestPruneRemovesOnlyOldSynced(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-8 * 24 * time.Hour)
	opts := testOptions()
	opts.Now = func() time.Time { return clock }
	q := openForTest(t, storage.NewMemory(), opts)

	oldSynced, _ := q.Enqueue(ctx, model.KindLocation, nil, model.PriorityLow, 1)
	oldFailed, _ := q.Enqueue(ctx, model.KindPanic, nil, model.PriorityCritical, 1)
	oldPending, _ := q.Enqueue(ctx, model.KindAnomaly, nil, model.PriorityHigh, 3)
	q.MarkSynced(ctx, oldSynced)
	q.IncrementRetry(ctx, oldFailed, nil)

	clock = now.Add(-time.Hour)
	recent, _ := q.Enqueue(ctx, model.KindLocation, nil, model.PriorityLow, 1)
	q.MarkSynced(ctx, recent)

	n, err := q.Prune(ctx, now, RetentionPolicy{Window: 7 * 24 * time.Hour})
	if err != nil || n != 1 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
	if _, ok := q.Get(oldSynced); ok {
		t.Fatalf("old synced event should be pruned")
	}
	for _, id := range []string{oldFailed, oldPending, recent} {
		if _, ok := q.Get(id); !ok {
			t.Fatalf("event %s should be kept", id)
		}
	}
}

func TestConcurrentEnqueue(t *testing.T) {
	ctx := context.Background()
	q := openForTest(t, storage.NewMemory(), testOptions())
	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := q.Enqueue(ctx, model.KindLocation, nil, model.PriorityNormal, 0)
			if err != nil {
				t.Errorf("enqueue: %v", err)
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)
	seen := make(map[string]struct{})
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
	if q.Len() != 50 {
		t.Fatalf("expected 50 events, got %d", q.Len())
	}
}
