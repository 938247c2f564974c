// Package syncer drains the offline queue into the collector whenever the
// backend is reachable.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"safetrail/internal/collector"
	"safetrail/internal/config"
	"safetrail/internal/connectivity"
	"safetrail/internal/metrics"
	"safetrail/internal/model"
	"safetrail/internal/queue"
	"safetrail/internal/storage"
)

// StatusKey is the kv key holding the last completed sync time.
const StatusKey = "sync_status"

const maxBackoffShift = 20

type Options struct {
	Interval        time.Duration
	ItemDelay       time.Duration
	AttemptTimeout  time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Retention       time.Duration
	Now             func() time.Time
}

func OptionsFromConfig(cfg config.OfflineConfig) Options {
	return Options{
		Interval:        cfg.SyncInterval,
		ItemDelay:       cfg.ItemDelay,
		AttemptTimeout:  cfg.AttemptTimeout,
		RetryBackoff:    cfg.RetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		Retention:       cfg.RetentionWindow,
	}
}

// PassResult summarizes one sync pass.
type PassResult struct {
	Skipped   bool   `json:"skipped"`
	Reason    string `json:"reason,omitempty"`
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Deferred  int    `json:"deferred"`
	Pruned    int    `json:"pruned"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type persistedStatus struct {
	LastSyncAt *time.Time `json:"last_sync_at"`
}

type Scheduler struct {
	queue     *queue.Queue
	collector collector.Collector
	store     storage.Store
	opts      atomic.Pointer[Options]
	logger    *slog.Logger

	syncing atomic.Bool
	online  atomic.Bool
	trigger chan struct{}
	retimed chan struct{}

	mu         sync.Mutex
	lastSyncAt *time.Time
}

// New builds a scheduler and restores the last sync time from store.
func New(ctx context.Context, q *queue.Queue, c collector.Collector, store storage.Store, opts Options, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		queue:     q,
		collector: c,
		store:     store,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		retimed:   make(chan struct{}, 1),
	}
	s.opts.Store(&opts)
	raw, ok, err := store.Get(ctx, StatusKey)
	if err != nil {
		return nil, fmt.Errorf("load sync status: %w", err)
	}
	if ok && raw != "" {
		var st persistedStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			logger.Warn("discarding unreadable sync status", "err", err)
		} else {
			s.lastSyncAt = st.LastSyncAt
		}
	}
	return s, nil
}

// Run drives sync passes from the interval timer, offline to online
// transitions and Trigger calls until ctx is done. A closed monitor stream
// leaves the scheduler offline until SetOnline is called.
func (s *Scheduler) Run(ctx context.Context, monitor connectivity.Monitor) error {
	var events <-chan bool
	if monitor != nil {
		s.online.Store(monitor.Online())
		events = monitor.Events()
	}
	interval := s.options().interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("sync scheduler started", "interval", interval, "online", s.online.Load())
	if s.online.Load() {
		s.runPass(ctx, "startup")
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return nil
		case online, ok := <-events:
			if !ok {
				events = nil
				s.online.Store(false)
				s.logger.Warn("connectivity stream closed, assuming offline")
				continue
			}
			was := s.online.Swap(online)
			if online && !was {
				s.logger.Info("back online, syncing")
				s.runPass(ctx, "reconnect")
			}
		case <-ticker.C:
			s.runPass(ctx, "interval")
		case <-s.trigger:
			s.runPass(ctx, "trigger")
		case <-s.retimed:
			if next := s.options().interval(); next != interval {
				interval = next
				ticker.Reset(interval)
				s.logger.Info("sync interval changed", "interval", interval)
			}
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context, reason string) {
	res := s.ForceSync(ctx)
	if res.Skipped {
		s.logger.Debug("sync pass skipped", "trigger", reason, "reason", res.Reason)
		return
	}
	s.logger.Info("sync pass finished",
		"trigger", reason,
		"attempted", res.Attempted,
		"delivered", res.Delivered,
		"failed", res.Failed,
		"deferred", res.Deferred,
		"pruned", res.Pruned,
		"cancelled", res.Cancelled,
	)
}

// UpdateOptions swaps in reloaded settings. The clock is kept. A pass in
// flight finishes with the settings it started with.
func (s *Scheduler) UpdateOptions(opts Options) {
	opts.Now = s.options().Now
	s.opts.Store(&opts)
	select {
	case s.retimed <- struct{}{}:
	default:
	}
}

func (s *Scheduler) options() Options {
	return *s.opts.Load()
}

func (o Options) interval() time.Duration {
	if o.Interval <= 0 {
		return 5 * time.Minute
	}
	return o.Interval
}

// Trigger asks the Run loop for a pass without blocking. Requests made
// while one is already queued are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// ForceSync runs one pass on the calling goroutine. It is skipped when
// offline or when another pass is active.
func (s *Scheduler) ForceSync(ctx context.Context) PassResult {
	if !s.online.Load() {
		metrics.SyncPasses.WithLabelValues("skipped_offline").Inc()
		return PassResult{Skipped: true, Reason: "offline"}
	}
	if !s.syncing.CompareAndSwap(false, true) {
		metrics.SyncPasses.WithLabelValues("skipped_busy").Inc()
		return PassResult{Skipped: true, Reason: "sync in progress"}
	}
	defer s.syncing.Store(false)

	opts := s.options()
	res := s.drain(ctx, opts)
	if res.Cancelled {
		metrics.SyncPasses.WithLabelValues("cancelled").Inc()
		return res
	}

	now := opts.Now().UTC()
	s.setLastSync(ctx, &now)
	pruned, err := s.queue.Prune(ctx, now, queue.RetentionPolicy{Window: opts.Retention})
	if err != nil {
		s.logger.Error("retention prune failed", "err", err)
	}
	res.Pruned = pruned
	metrics.SyncPasses.WithLabelValues("completed").Inc()
	return res
}

func (s *Scheduler) drain(ctx context.Context, opts Options) PassResult {
	var res PassResult
	now := opts.Now()
	pending := s.queue.ListPending()
	items := make([]model.OfflineEvent, 0, len(pending))
	for _, ev := range pending {
		if opts.backingOff(ev, now) {
			res.Deferred++
			continue
		}
		items = append(items, ev)
	}
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Priority.Rank(), items[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	for i, ev := range items {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res
		}
		if !s.online.Load() {
			s.logger.Info("went offline mid-pass", "remaining", len(items)-i)
			return res
		}
		res.Attempted++
		err := s.attempt(ctx, ev, opts.AttemptTimeout)
		switch {
		case err == nil:
			metrics.DeliveryAttempts.WithLabelValues("success").Inc()
			res.Delivered++
			if perr := s.queue.MarkSynced(ctx, ev.ID); perr != nil {
				s.logger.Error("mark synced failed", "id", ev.ID, "err", perr)
			}
		case ctx.Err() != nil:
			// Interrupted by shutdown; the attempt does not count.
			res.Cancelled = true
			return res
		default:
			metrics.DeliveryAttempts.WithLabelValues("failure").Inc()
			res.Failed++
			s.logger.Warn("delivery failed",
				"id", ev.ID,
				"kind", ev.Kind,
				"priority", ev.Priority,
				"attempt", ev.RetryCount+1,
				"max_retries", ev.MaxRetries,
				"err", err,
			)
			if perr := s.queue.IncrementRetry(ctx, ev.ID, err); perr != nil {
				s.logger.Error("record retry failed", "id", ev.ID, "err", perr)
			}
		}
		if i < len(items)-1 && !sleepCtx(ctx, opts.ItemDelay) {
			res.Cancelled = true
			return res
		}
	}
	return res
}

func (s *Scheduler) attempt(ctx context.Context, ev model.OfflineEvent, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.collector.Submit(ctx, ev)
}

// backingOff reports whether a previously failed event is still inside its
// retry delay: RetryBackoff doubled per prior failure, capped at
// MaxRetryBackoff.
func (o Options) backingOff(ev model.OfflineEvent, now time.Time) bool {
	if o.RetryBackoff <= 0 || ev.RetryCount == 0 || ev.LastAttemptAt == nil {
		return false
	}
	return now.Before(ev.LastAttemptAt.Add(o.backoff(ev.RetryCount)))
}

func (o Options) backoff(retries int) time.Duration {
	shift := retries - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	d := o.RetryBackoff << shift
	if o.MaxRetryBackoff > 0 && d > o.MaxRetryBackoff {
		d = o.MaxRetryBackoff
	}
	return d
}

// RetryFailedItems gives exhausted events a fresh budget and requests a pass.
func (s *Scheduler) RetryFailedItems(ctx context.Context) (int, error) {
	n, err := s.queue.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	s.Trigger()
	return n, nil
}

// SetOnline overrides the connectivity state. Going online requests a pass.
func (s *Scheduler) SetOnline(online bool) {
	was := s.online.Swap(online)
	if online && !was {
		s.Trigger()
	}
}

func (s *Scheduler) Online() bool {
	return s.online.Load()
}

func (s *Scheduler) Status() model.SyncStatus {
	pending, synced, failed := s.queue.Counts()
	s.mu.Lock()
	var last *time.Time
	if s.lastSyncAt != nil {
		t := *s.lastSyncAt
		last = &t
	}
	s.mu.Unlock()
	return model.SyncStatus{
		Online:       s.online.Load(),
		LastSyncAt:   last,
		PendingCount: pending,
		SyncedCount:  synced,
		FailedCount:  failed,
		Syncing:      s.syncing.Load(),
		FailedItems:  s.queue.ListFailed(),
	}
}

// Reset forgets the last sync time.
func (s *Scheduler) Reset(ctx context.Context) {
	s.setLastSync(ctx, nil)
}

func (s *Scheduler) setLastSync(ctx context.Context, ts *time.Time) {
	s.mu.Lock()
	s.lastSyncAt = ts
	s.mu.Unlock()
	data, err := json.Marshal(persistedStatus{LastSyncAt: ts})
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, StatusKey, string(data)); err != nil {
		s.logger.Error("persist sync status failed", "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
