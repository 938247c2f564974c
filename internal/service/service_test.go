package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"safetrail/internal/alerts"
	"safetrail/internal/collector"
	"safetrail/internal/config"
	"safetrail/internal/connectivity"
	"safetrail/internal/engine"
	"safetrail/internal/geo"
	"safetrail/internal/model"
	"safetrail/internal/queue"
	"safetrail/internal/storage"
	"safetrail/internal/syncer"
)

type recorder struct {
	mu     sync.Mutex
	events []model.OfflineEvent
}

func (r *recorder) Submit(_ context.Context, ev model.OfflineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Scoring.Timezone = "UTC"
	cfg.Scoring.Zones = []geo.Zone{
		{Name: "old-market", CenterLat: 28.6500, CenterLng: 77.2300, RadiusMeters: 500, RiskValue: 80},
	}
	cfg.Offline.QueueLocationSamples = false
	cfg.Offline.ItemDelay = 0
	return cfg
}

func newService(t *testing.T, cfg *config.Config, c collector.Collector) (*Service, *queue.Queue) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := config.NewStaticManager(cfg)
	store := storage.NewMemory()
	alertStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	night := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	eng := engine.NewEngine(cfg.Scoring, logger, alertStore).WithClock(func() time.Time { return night })
	tracker := engine.NewTracker(cfg.Scoring, eng.InRiskZone)
	q, err := queue.Open(ctx, store, queue.OptionsFromConfig(cfg.Offline), logger)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	sched, err := syncer.New(ctx, q, c, store, syncer.OptionsFromConfig(cfg.Offline), logger)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	svc := New(mgr, Deps{
		Engine:    eng,
		Tracker:   tracker,
		Queue:     q,
		Scheduler: sched,
		Alerts:    alertStore,
		Monitor:   connectivity.NewManual(false),
	}, logger)
	t.Cleanup(svc.Shutdown)
	return svc, q
}

func TestPanicPressQueuesCriticalEventWithLocation(t *testing.T) {
	svc, q := newService(t, testConfig(), &recorder{})
	svc.RecordLocation(context.Background(), model.Location{Latitude: 28.6139, Longitude: 77.2090, Timestamp: time.Now()})

	id, err := svc.RecordPanicPress(context.Background())
	if err != nil || id == "" {
		t.Fatalf("panic: id=%q err=%v", id, err)
	}
	ev, ok := q.Get(id)
	if !ok || ev.Kind != model.KindPanic || ev.Priority != model.PriorityCritical {
		t.Fatalf("unexpected event: %+v", ev)
	}
	var payload panicPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Location == nil || payload.Location.Latitude != 28.6139 || payload.PanicPresses != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if svc.Behavior().PanicPresses != 1 {
		t.Fatalf("expected tracker to count the press")
	}
}

func TestZoneEntryQueuesGeoFenceOnce(t *testing.T) {
	svc, q := newService(t, testConfig(), &recorder{})
	ctx := context.Background()
	base := time.Now()
	svc.RecordLocation(ctx, model.Location{Latitude: 28.6139, Longitude: 77.2090, Timestamp: base})
	svc.RecordLocation(ctx, model.Location{Latitude: 28.6500, Longitude: 77.2300, Timestamp: base.Add(time.Minute)})
	svc.RecordLocation(ctx, model.Location{Latitude: 28.6501, Longitude: 77.2300, Timestamp: base.Add(2 * time.Minute)})

	fences := 0
	for _, ev := range q.List() {
		if ev.Kind == model.KindGeoFence {
			fences++
		}
	}
	if fences != 1 {
		t.Fatalf("expected one geo fence event, got %d", fences)
	}
}

func TestDuplicateLocationIgnored(t *testing.T) {
	svc, _ := newService(t, testConfig(), &recorder{})
	loc := model.Location{Latitude: 28.6139, Longitude: 77.2090, Timestamp: time.Now()}
	if _, ok := svc.RecordLocation(context.Background(), loc); !ok {
		t.Fatalf("first sample must be recorded")
	}
	if _, ok := svc.RecordLocation(context.Background(), loc); ok {
		t.Fatalf("duplicate sample must be dropped")
	}
	if svc.Behavior().Samples != 1 {
		t.Fatalf("expected one tracked sample")
	}
}

func TestEvaluateNeedsLocation(t *testing.T) {
	svc, _ := newService(t, testConfig(), &recorder{})
	if _, err := svc.Evaluate(context.Background()); err != ErrNoLocation {
		t.Fatalf("expected ErrNoLocation, got %v", err)
	}
	svc.RecordLocation(context.Background(), model.Location{Latitude: 28.6139, Longitude: 77.2090})
	score, err := svc.Evaluate(context.Background())
	if err != nil || len(score.Factors) != 5 {
		t.Fatalf("evaluate: %+v err=%v", score, err)
	}
	if cur, ok := svc.CurrentScore(); !ok || cur.Score != score.Score {
		t.Fatalf("expected current score to match")
	}
}

func TestForceSyncDeliversWhenOnline(t *testing.T) {
	rec := &recorder{}
	svc, _ := newService(t, testConfig(), rec)
	ctx := context.Background()
	svc.RecordPanicPress(ctx)
	if _, err := svc.EnqueueEvent(ctx, model.KindDigitalID, json.RawMessage(`{"id":"T-1"}`), model.PriorityNormal, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res := svc.ForceSync(ctx); !res.Skipped {
		t.Fatalf("expected offline skip")
	}
	svc.SetOnline(true)
	res := svc.ForceSync(ctx)
	if res.Delivered != 2 {
		t.Fatalf("expected 2 delivered, got %+v", res)
	}
	kinds := rec.Kinds()
	if kinds[0] != model.KindPanic || kinds[1] != model.KindDigitalID {
		t.Fatalf("expected panic first, got %v", kinds)
	}
	status := svc.SyncStatus()
	if !status.Online || status.SyncedCount != 2 || status.LastSyncAt == nil {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestHighRiskQueuesAnomaly(t *testing.T) {
	cfg := testConfig()
	cfg.Scoring.Zones[0].RiskValue = 100
	svc, q := newService(t, cfg, &recorder{})
	snap := model.BehaviorSnapshot{
		Movement:              model.MovementUnknown,
		PanicFrequency:        5,
		TimeInRiskZoneMinutes: 200,
		AppInteractionRate:    0,
	}
	score := svc.ComputeScore(context.Background(), model.Location{Latitude: 28.6500, Longitude: 77.2300}, snap)
	if score.RiskLevel != model.RiskHigh {
		t.Fatalf("expected high, got %s (%d)", score.RiskLevel, score.Score)
	}
	found := false
	for _, ev := range q.List() {
		if ev.Kind == model.KindAnomaly && ev.Priority == model.PriorityHigh {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected anomaly event for high score")
	}
	if len(svc.Alerts(0)) != 1 {
		t.Fatalf("expected one alert")
	}
	if latest, ok := svc.LatestAlert(); !ok || latest.Score != score.Score {
		t.Fatalf("unexpected latest alert: %+v ok=%v", latest, ok)
	}
}

func TestSetZonesSwapsEngineZones(t *testing.T) {
	svc, _ := newService(t, testConfig(), &recorder{})
	zones := []geo.Zone{{Name: "station", CenterLat: 10, CenterLng: 10, RadiusMeters: 300, RiskValue: 70}}
	if err := svc.SetZones(zones); err != nil {
		t.Fatalf("set zones: %v", err)
	}
	if got := svc.Zones(); len(got) != 1 || got[0].Name != "station" {
		t.Fatalf("unexpected zones: %+v", got)
	}
	if err := svc.SetZones([]geo.Zone{{Name: "bad", RadiusMeters: -1, RiskValue: 50}}); err == nil {
		t.Fatalf("expected invalid zone rejected")
	}
}

func TestApplyConfigReachesQueueAndScheduler(t *testing.T) {
	cfg := testConfig()
	svc, _ := newService(t, cfg, &recorder{})
	var logs bytes.Buffer
	svc.logger = slog.New(slog.NewTextHandler(&logs, nil))
	ctx := context.Background()

	next := *cfg
	next.Offline.DefaultMaxRetries = 9
	next.Offline.RetentionWindow = time.Nanosecond
	next.Collector.Driver = "http"
	next.Collector.URL = "http://collector.local/events"
	svc.ApplyConfig(&next)

	id, err := svc.EnqueueEvent(ctx, model.KindDigitalID, json.RawMessage(`{"id":"T-1"}`), model.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ev, ok := svc.Event(id)
	if !ok || ev.MaxRetries != 9 {
		t.Fatalf("reloaded retry budget not applied: %+v", ev)
	}

	svc.SetOnline(true)
	res := svc.ForceSync(ctx)
	if res.Delivered != 1 || res.Pruned != 1 {
		t.Fatalf("reloaded retention not applied: %+v", res)
	}
	if _, ok := svc.Event(id); ok {
		t.Fatalf("expected synced event pruned")
	}
	if !strings.Contains(logs.String(), "need a restart") || !strings.Contains(logs.String(), "collector") {
		t.Fatalf("expected restart warning for collector, got %q", logs.String())
	}

	logs.Reset()
	again := next
	again.Offline.DefaultMaxRetries = 4
	svc.ApplyConfig(&again)
	if strings.Contains(logs.String(), "need a restart") {
		t.Fatalf("unexpected restart warning: %q", logs.String())
	}
}

func TestResetClearsSession(t *testing.T) {
	svc, q := newService(t, testConfig(), &recorder{})
	ctx := context.Background()
	svc.RecordLocation(ctx, model.Location{Latitude: 28.6139, Longitude: 77.2090})
	svc.RecordPanicPress(ctx)
	if err := svc.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if q.Len() != 0 || svc.Behavior().Samples != 0 {
		t.Fatalf("expected empty state after reset")
	}
	if _, ok := svc.CurrentScore(); ok {
		t.Fatalf("expected no current score after reset")
	}
}

func TestStartConsumesChannel(t *testing.T) {
	svc, _ := newService(t, testConfig(), &recorder{})
	ch := make(chan model.Location, 2)
	ch <- model.Location{Latitude: 28.6139, Longitude: 77.2090, Timestamp: time.Now()}
	ch <- model.Location{Latitude: 28.6140, Longitude: 77.2090, Timestamp: time.Now().Add(time.Second)}
	close(ch)
	if err := svc.Start(context.Background(), ch); err != nil {
		t.Fatalf("start: %v", err)
	}
	if svc.Behavior().Samples != 2 {
		t.Fatalf("expected 2 samples, got %d", svc.Behavior().Samples)
	}
}
