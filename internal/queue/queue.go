// Package queue is the durable store-and-forward buffer for events that
// could not be delivered while the device was offline.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"safetrail/internal/config"
	"safetrail/internal/metrics"
	"safetrail/internal/model"
	"safetrail/internal/storage"
)

// StorageKey is the kv key holding the serialized queue.
const StorageKey = "offline_queue"

const fullThreshold = 90.0

var (
	ErrInvalidKind     = errors.New("invalid event kind")
	ErrInvalidPriority = errors.New("invalid event priority")
)

type Options struct {
	Enabled           bool
	CeilingBytes      int64
	DefaultMaxRetries int
	Now               func() time.Time
}

func OptionsFromConfig(cfg config.OfflineConfig) Options {
	return Options{
		Enabled:           cfg.Enabled,
		CeilingBytes:      cfg.StorageCeilingBytes,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	}
}

type Queue struct {
	mu     sync.Mutex
	store  storage.Store
	opts   Options
	logger *slog.Logger
	events []model.OfflineEvent
	used   int64
}

// Open restores any persisted events from store.
func Open(ctx context.Context, store storage.Store, opts Options, logger *slog.Logger) (*Queue, error) {
	if store == nil {
		return nil, errors.New("queue requires a store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{store: store, opts: opts, logger: logger}
	raw, ok, err := store.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.events); err != nil {
			return nil, fmt.Errorf("decode offline queue: %w", err)
		}
		q.used = int64(len(raw))
	}
	q.publish()
	logger.Info("offline queue loaded", "events", len(q.events), "bytes", q.used)
	return q, nil
}

// UpdateOptions swaps in reloaded settings. The clock is kept. A lower
// ceiling applies from the next Enqueue; events already stored stay.
func (q *Queue) UpdateOptions(opts Options) {
	q.mu.Lock()
	defer q.mu.Unlock()
	opts.Now = q.opts.Now
	q.opts = opts
}

// Enqueue appends an event and persists the queue before returning. It
// returns an empty id without error when offline storage is disabled or when
// storage is full and the priority is below high. A maxRetries of zero or
// less takes the configured default retry budget; an event cannot be queued
// with no retries at all.
func (q *Queue) Enqueue(ctx context.Context, kind model.EventKind, payload json.RawMessage, priority model.Priority, maxRetries int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.opts.Enabled {
		return "", nil
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if priority == "" {
		priority = model.PriorityNormal
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}
	if maxRetries <= 0 {
		maxRetries = q.opts.DefaultMaxRetries
	}

	if q.fullLocked() && priority.Rank() < model.PriorityHigh.Rank() {
		metrics.EnqueueTotal.WithLabelValues(string(kind), string(priority), "rejected").Inc()
		q.logger.Warn("offline storage full, dropping event",
			"kind", kind,
			"priority", priority,
			"used_bytes", q.used,
			"ceiling_bytes", q.opts.CeilingBytes,
		)
		return "", nil
	}

	now := q.opts.Now().UTC()
	ev := model.OfflineEvent{
		ID:         newID(now),
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  now,
		Priority:   priority,
		MaxRetries: maxRetries,
	}
	prev := q.events
	q.events = append(q.events[:len(q.events):len(q.events)], ev)
	if err := q.persistLocked(ctx); err != nil {
		q.events = prev
		metrics.EnqueueTotal.WithLabelValues(string(kind), string(priority), "error").Inc()
		return "", err
	}
	metrics.EnqueueTotal.WithLabelValues(string(kind), string(priority), "accepted").Inc()
	q.logger.Debug("event queued", "id", ev.ID, "kind", kind, "priority", priority)
	return ev.ID, nil
}

func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	return q.update(ctx, id, func(ev *model.OfflineEvent, now time.Time) {
		ev.Synced = true
		ev.SyncedAt = &now
		ev.LastError = ""
	})
}

// IncrementRetry records a failed delivery attempt. The retry count never
// exceeds the event's budget.
func (q *Queue) IncrementRetry(ctx context.Context, id string, cause error) error {
	return q.update(ctx, id, func(ev *model.OfflineEvent, now time.Time) {
		if ev.RetryCount < ev.MaxRetries {
			ev.RetryCount++
		}
		ev.LastAttemptAt = &now
		if cause != nil {
			ev.LastError = cause.Error()
		}
	})
}

func (q *Queue) update(ctx context.Context, id string, fn func(ev *model.OfflineEvent, now time.Time)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.logger.Debug("unknown offline event", "id", id)
		return nil
	}
	if q.events[idx].Synced {
		q.logger.Debug("offline event already synced", "id", id)
		return nil
	}
	prev := q.cloneLocked()
	fn(&q.events[idx], q.opts.Now().UTC())
	if err := q.persistLocked(ctx); err != nil {
		q.events = prev
		return err
	}
	return nil
}

func (q *Queue) Get(id string) (model.OfflineEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx := q.indexLocked(id); idx >= 0 {
		return q.events[idx], true
	}
	return model.OfflineEvent{}, false
}

// ListPending returns unsynced events that still have retry budget, in
// insertion order.
func (q *Queue) ListPending() []model.OfflineEvent {
	return q.filter(model.OfflineEvent.Pending)
}

// ListFailed returns exhausted events.
func (q *Queue) ListFailed() []model.OfflineEvent {
	return q.filter(model.OfflineEvent.Exhausted)
}

func (q *Queue) List() []model.OfflineEvent {
	return q.filter(func(model.OfflineEvent) bool { return true })
}

func (q *Queue) filter(keep func(model.OfflineEvent) bool) []model.OfflineEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.OfflineEvent, 0, len(q.events))
	for _, ev := range q.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// ResetFailed gives every exhausted event a fresh retry budget.
func (q *Queue) ResetFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.cloneLocked()
	n := 0
	for i := range q.events {
		if q.events[i].Exhausted() {
			q.events[i].RetryCount = 0
			q.events[i].LastError = ""
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := q.persistLocked(ctx); err != nil {
		q.events = prev
		return 0, err
	}
	q.logger.Info("failed events reset for retry", "count", n)
	return n, nil
}

// ClearFailed drops exhausted events.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	return q.removeWhere(ctx, model.OfflineEvent.Exhausted)
}

func (q *Queue) removeWhere(ctx context.Context, drop func(model.OfflineEvent) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := make([]model.OfflineEvent, 0, len(q.events))
	for _, ev := range q.events {
		if !drop(ev) {
			kept = append(kept, ev)
		}
	}
	removed := len(q.events) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	prev := q.events
	q.events = kept
	if err := q.persistLocked(ctx); err != nil {
		q.events = prev
		return 0, err
	}
	return removed, nil
}

// Counts returns pending, synced and exhausted totals.
func (q *Queue) Counts() (pending, synced, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countsLocked()
}

func (q *Queue) Usage() model.StorageUsage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return model.StorageUsage{
		UsedBytes:    q.used,
		CeilingBytes: q.opts.CeilingBytes,
		Percentage:   q.percentLocked(),
	}
}

// IsStorageFull reports usage at or above 90% of the ceiling.
func (q *Queue) IsStorageFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fullLocked()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Reset drops every event, synced or not.
func (q *Queue) Reset(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.events
	q.events = nil
	if err := q.persistLocked(ctx); err != nil {
		q.events = prev
		return err
	}
	return nil
}

func (q *Queue) persistLocked(ctx context.Context) error {
	events := q.events
	if events == nil {
		events = []model.OfflineEvent{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	if err := q.store.Set(ctx, StorageKey, string(data)); err != nil {
		q.logger.Error("persist offline queue failed", "err", err)
		return fmt.Errorf("persist offline queue: %w", err)
	}
	q.used = int64(len(data))
	q.publish()
	return nil
}

func (q *Queue) publish() {
	pending, synced, failed := q.countsLocked()
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	metrics.QueueDepth.WithLabelValues("synced").Set(float64(synced))
	metrics.QueueDepth.WithLabelValues("failed").Set(float64(failed))
	metrics.StorageBytes.Set(float64(q.used))
}

func (q *Queue) countsLocked() (pending, synced, failed int) {
	for _, ev := range q.events {
		switch {
		case ev.Synced:
			synced++
		case ev.Exhausted():
			failed++
		default:
			pending++
		}
	}
	return pending, synced, failed
}

func (q *Queue) percentLocked() float64 {
	if q.opts.CeilingBytes <= 0 {
		return 0
	}
	return float64(q.used) / float64(q.opts.CeilingBytes) * 100
}

func (q *Queue) fullLocked() bool {
	return q.opts.CeilingBytes > 0 && q.percentLocked() >= fullThreshold
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.events {
		if q.events[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) cloneLocked() []model.OfflineEvent {
	out := make([]model.OfflineEvent, len(q.events))
	copy(out, q.events)
	return out
}

// newID is the creation time in unix millis followed by a random UUID.
func newID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
}
