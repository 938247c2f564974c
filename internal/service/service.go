// Package service wires the scoring engine, behavior tracker, offline queue
// and sync scheduler into the operations exposed to the app and the API.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"safetrail/internal/alerts"
	"safetrail/internal/config"
	"safetrail/internal/connectivity"
	"safetrail/internal/engine"
	"safetrail/internal/geo"
	"safetrail/internal/model"
	"safetrail/internal/queue"
	"safetrail/internal/syncer"
)

const dedupeTTL = time.Minute

var ErrNoLocation = errors.New("no location recorded yet")

type Deps struct {
	Engine    *engine.Engine
	Tracker   *engine.Tracker
	Queue     *queue.Queue
	Scheduler *syncer.Scheduler
	Alerts    *alerts.Store
	// Monitor, when set, receives connectivity overrides from SetOnline.
	Monitor *connectivity.Manual
}

type Service struct {
	cfg       *config.Manager
	logger    *slog.Logger
	engine    *engine.Engine
	tracker   *engine.Tracker
	queue     *queue.Queue
	scheduler *syncer.Scheduler
	alerts    *alerts.Store
	monitor   *connectivity.Manual
	dedupe    *engine.DedupeCache

	unsubscribe func()

	mu       sync.Mutex
	lastZone string
	applied  *config.Config
}

type locationPayload struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source,omitempty"`
}

type geoFencePayload struct {
	Zone      string          `json:"zone"`
	RiskValue float64         `json:"risk_value"`
	Location  locationPayload `json:"location"`
}

type panicPayload struct {
	Location     *locationPayload `json:"location,omitempty"`
	PressedAt    time.Time        `json:"pressed_at"`
	PanicPresses int              `json:"panic_presses"`
}

type anomalyPayload struct {
	Score     int              `json:"score"`
	RiskLevel model.RiskLevel  `json:"risk_level"`
	Rules     []string         `json:"rules"`
	Location  *locationPayload `json:"location,omitempty"`
}

func New(cfg *config.Manager, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		engine:    deps.Engine,
		tracker:   deps.Tracker,
		queue:     deps.Queue,
		scheduler: deps.Scheduler,
		alerts:    deps.Alerts,
		monitor:   deps.Monitor,
		dedupe:    engine.NewDedupeCache(dedupeTTL),
		applied:   cfg.Get(),
	}
	s.unsubscribe = s.tracker.Observe(s.onLocation)
	return s
}

// Start records every sample from locations until ctx is done or the
// channel is closed.
func (s *Service) Start(ctx context.Context, locations <-chan model.Location) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case loc, ok := <-locations:
			if !ok {
				return nil
			}
			s.RecordLocation(ctx, loc)
		}
	}
}

func (s *Service) Shutdown() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// ApplyConfig pushes a reloaded config into the engine, the queue and the
// scheduler. Sections that are only read at startup are reported with a
// warning and take effect on the next restart.
func (s *Service) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.engine.UpdateConfig(cfg.Scoring)
	s.queue.UpdateOptions(queue.OptionsFromConfig(cfg.Offline))
	s.scheduler.UpdateOptions(syncer.OptionsFromConfig(cfg.Offline))

	s.mu.Lock()
	prev := s.applied
	s.applied = cfg
	s.mu.Unlock()
	if prev == nil {
		return
	}
	if changed := restartSections(prev, cfg); len(changed) > 0 {
		s.logger.Warn("config sections changed that need a restart", "sections", changed)
	}
}

func restartSections(prev, next *config.Config) []string {
	var changed []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	check("log_level", prev.LogLevel, next.LogLevel)
	check("log_format", prev.LogFormat, next.LogFormat)
	check("collector", prev.Collector, next.Collector)
	check("connectivity", prev.Connectivity, next.Connectivity)
	check("ingest", prev.Ingest, next.Ingest)
	check("api", prev.API, next.API)
	check("storage", prev.Storage, next.Storage)
	check("alerts", prev.Alerts, next.Alerts)
	return changed
}

// RecordLocation feeds one sample to the tracker and rescores. Duplicate
// samples are ignored and return ok=false.
func (s *Service) RecordLocation(ctx context.Context, loc model.Location) (model.SafetyScore, bool) {
	if loc.Timestamp.IsZero() {
		loc.Timestamp = time.Now().UTC()
	}
	if s.dedupe.Seen(engine.LocationKey(loc), time.Now()) {
		s.logger.Debug("duplicate location dropped", "source", loc.Source)
		return model.SafetyScore{}, false
	}
	s.tracker.RecordLocation(loc)
	return s.ComputeScore(ctx, loc, s.tracker.Snapshot()), true
}

// onLocation runs for every tracked sample: optional location event, plus a
// geo_fence event when the sample enters a risk zone.
func (s *Service) onLocation(loc model.Location) {
	ctx := context.Background()
	if s.cfg.Get().Offline.QueueLocationSamples {
		if _, err := s.enqueue(ctx, model.KindLocation, toPayload(loc), model.PriorityLow, 0); err != nil {
			s.logger.Error("queue location failed", "err", err)
		}
	}

	zone, in := s.engine.MatchZone(loc.Latitude, loc.Longitude)
	s.mu.Lock()
	entered := in && zone.Name != s.lastZone
	if in {
		s.lastZone = zone.Name
	} else {
		s.lastZone = ""
	}
	s.mu.Unlock()
	if !entered {
		return
	}
	s.logger.Info("entered risk zone", "zone", zone.Name, "risk", zone.RiskValue)
	payload := geoFencePayload{Zone: zone.Name, RiskValue: zone.RiskValue, Location: toPayload(loc)}
	if _, err := s.enqueue(ctx, model.KindGeoFence, payload, model.PriorityHigh, 0); err != nil {
		s.logger.Error("queue geo fence failed", "err", err)
	}
}

// ComputeScore scores a location against a snapshot. High-risk results also
// queue an anomaly event for the backend.
func (s *Service) ComputeScore(ctx context.Context, loc model.Location, snap model.BehaviorSnapshot) model.SafetyScore {
	score, alert := s.engine.Evaluate(loc, snap)
	if alert != nil {
		lp := toPayload(loc)
		payload := anomalyPayload{Score: score.Score, RiskLevel: score.RiskLevel, Rules: alert.Rules, Location: &lp}
		if _, err := s.enqueue(ctx, model.KindAnomaly, payload, model.PriorityHigh, 0); err != nil {
			s.logger.Error("queue anomaly failed", "err", err)
		}
	}
	return score
}

// Evaluate rescores the most recent tracked location.
func (s *Service) Evaluate(ctx context.Context) (model.SafetyScore, error) {
	loc, ok := s.tracker.LastLocation()
	if !ok {
		return model.SafetyScore{}, ErrNoLocation
	}
	return s.ComputeScore(ctx, loc, s.tracker.Snapshot()), nil
}

func (s *Service) CurrentScore() (model.SafetyScore, bool) {
	return s.engine.CurrentScore()
}

func (s *Service) Behavior() model.BehaviorSnapshot {
	return s.tracker.Snapshot()
}

// RecordPanicPress counts the press and queues a critical panic event with
// the last known location.
func (s *Service) RecordPanicPress(ctx context.Context) (string, error) {
	s.tracker.RecordPanicPress()
	payload := panicPayload{
		PressedAt:    time.Now().UTC(),
		PanicPresses: s.tracker.Snapshot().PanicPresses,
	}
	if loc, ok := s.tracker.LastLocation(); ok {
		lp := toPayload(loc)
		payload.Location = &lp
	}
	s.logger.Warn("panic button pressed", "presses", payload.PanicPresses)
	return s.enqueue(ctx, model.KindPanic, payload, model.PriorityCritical, 0)
}

func (s *Service) RecordInteraction() {
	s.tracker.RecordInteraction()
}

// EnqueueEvent stores an arbitrary event and requests a sync when online.
func (s *Service) EnqueueEvent(ctx context.Context, kind model.EventKind, payload json.RawMessage, priority model.Priority, maxRetries int) (string, error) {
	id, err := s.queue.Enqueue(ctx, kind, payload, priority, maxRetries)
	if err != nil {
		return "", err
	}
	if id != "" && s.scheduler.Online() {
		s.scheduler.Trigger()
	}
	return id, nil
}

func (s *Service) enqueue(ctx context.Context, kind model.EventKind, payload any, priority model.Priority, maxRetries int) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return s.EnqueueEvent(ctx, kind, data, priority, maxRetries)
}

func (s *Service) ForceSync(ctx context.Context) syncer.PassResult {
	return s.scheduler.ForceSync(ctx)
}

func (s *Service) RetryFailedItems(ctx context.Context) (int, error) {
	return s.scheduler.RetryFailedItems(ctx)
}

func (s *Service) ClearFailed(ctx context.Context) (int, error) {
	return s.queue.ClearFailed(ctx)
}

func (s *Service) SyncStatus() model.SyncStatus {
	return s.scheduler.Status()
}

func (s *Service) StorageUsage() model.StorageUsage {
	return s.queue.Usage()
}

func (s *Service) FailedEvents() []model.OfflineEvent {
	return s.queue.ListFailed()
}

// Event looks up a queued event by id, synced or not.
func (s *Service) Event(id string) (model.OfflineEvent, bool) {
	return s.queue.Get(id)
}

func (s *Service) LatestAlert() (model.Alert, bool) {
	return s.alerts.Latest()
}

func (s *Service) Alerts(limit int) []model.Alert {
	return s.alerts.List(limit)
}

// AlertsSince returns alerts raised at or after ts, at most limit of the
// newest when limit > 0.
func (s *Service) AlertsSince(ts time.Time, limit int) []model.Alert {
	return s.alerts.Since(ts, limit)
}

// SetOnline overrides connectivity, e.g. when the app knows the network
// state better than the probe.
func (s *Service) SetOnline(online bool) {
	if s.monitor != nil {
		s.monitor.Set(online)
	}
	s.scheduler.SetOnline(online)
}

func (s *Service) Zones() []geo.Zone {
	return s.cfg.Get().Scoring.Zones
}

// SetZones replaces the risk zones, persists them with the config and swaps
// them into the engine.
func (s *Service) SetZones(zones []geo.Zone) error {
	next := *s.cfg.Get()
	next.Scoring.Zones = append([]geo.Zone(nil), zones...)
	if err := s.cfg.Update(&next); err != nil {
		return err
	}
	s.engine.UpdateConfig(next.Scoring)
	s.mu.Lock()
	s.applied = &next
	s.mu.Unlock()
	s.logger.Info("risk zones updated", "count", len(zones))
	return nil
}

// Reset clears all per-session state: behavior, scores, alerts, queued
// events and sync history.
func (s *Service) Reset(ctx context.Context) error {
	s.tracker.Reset()
	s.engine.Reset()
	s.alerts.Clear()
	s.dedupe.Reset()
	s.mu.Lock()
	s.lastZone = ""
	s.mu.Unlock()
	if err := s.queue.Reset(ctx); err != nil {
		return err
	}
	s.scheduler.Reset(ctx)
	s.logger.Info("session state reset")
	return nil
}

func toPayload(loc model.Location) locationPayload {
	return locationPayload{
		Latitude:       loc.Latitude,
		Longitude:      loc.Longitude,
		AccuracyMeters: loc.AccuracyMeters,
		Timestamp:      loc.Timestamp.UTC(),
		Source:         loc.Source,
	}
}
