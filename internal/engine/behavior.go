package engine

import (
	"math"
	"sync"
	"time"

	"safetrail/internal/config"
	"safetrail/internal/geo"
	"safetrail/internal/model"
)

const (
	maxHistory        = 100
	stationaryMaxMps  = 0.5
	walkingMaxMps     = 3.0
	interactionBucket = time.Minute
)

type observer struct {
	id int
	fn func(model.Location)
}

// Tracker keeps the rolling behavior state that feeds the behavior and
// movement factors.
type Tracker struct {
	// deliver serializes update+notify so observers see updates in order.
	deliver sync.Mutex
	mu      sync.Mutex

	historySize       int
	interactionWindow time.Duration
	inZone            func(lat, lon float64) bool
	now               func() time.Time

	samples      []model.Location
	panics       *WindowState
	interactions *WindowState
	totalPanics  int
	zoneMinutes  float64
	lastInZone   bool
	started      time.Time

	observers []observer
	nextID    int
}

// NewTracker builds a tracker. inZone reports risk-zone membership and may be
// nil, in which case no time is ever accumulated in a risk zone.
func NewTracker(cfg config.ScoringConfig, inZone func(lat, lon float64) bool) *Tracker {
	size := cfg.HistorySize
	if size <= 0 || size > maxHistory {
		size = maxHistory
	}
	if inZone == nil {
		inZone = func(float64, float64) bool { return false }
	}
	t := &Tracker{
		historySize:       size,
		interactionWindow: cfg.InteractionWindow,
		inZone:            inZone,
		now:               time.Now,
		panics:            NewWindowState(cfg.PanicWindow),
		interactions:      NewWindowState(cfg.InteractionWindow),
	}
	t.started = t.now()
	return t
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	if now != nil {
		t.mu.Lock()
		t.now = now
		t.started = now()
		t.mu.Unlock()
	}
	return t
}

// Observe registers fn for every recorded location. Observers run
// synchronously and must not record into the same tracker.
func (t *Tracker) Observe(fn func(model.Location)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.observers = append(t.observers, observer{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, o := range t.observers {
				if o.id == id {
					t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (t *Tracker) RecordLocation(loc model.Location) {
	t.deliver.Lock()
	defer t.deliver.Unlock()

	t.mu.Lock()
	if loc.Timestamp.IsZero() {
		loc.Timestamp = t.now()
	}
	in := t.inZone(loc.Latitude, loc.Longitude)
	if n := len(t.samples); n > 0 && in && t.lastInZone {
		if dt := loc.Timestamp.Sub(t.samples[n-1].Timestamp); dt > 0 {
			t.zoneMinutes += dt.Minutes()
		}
	}
	t.lastInZone = in
	t.samples = append(t.samples, loc)
	if len(t.samples) > t.historySize {
		t.samples = append(t.samples[:0:0], t.samples[len(t.samples)-t.historySize:]...)
	}
	obs := make([]observer, len(t.observers))
	copy(obs, t.observers)
	t.mu.Unlock()

	for _, o := range obs {
		o.fn(loc)
	}
}

func (t *Tracker) RecordPanicPress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalPanics++
	t.panics.Add(t.now())
}

func (t *Tracker) RecordInteraction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interactions.Add(t.now())
}

func (t *Tracker) LastLocation() (model.Location, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) == 0 {
		return model.Location{}, false
	}
	return t.samples[len(t.samples)-1], true
}

func (t *Tracker) Snapshot() model.BehaviorSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.panics.Evict(now)
	t.interactions.Evict(now)
	return model.BehaviorSnapshot{
		Movement:              t.movement(),
		PanicPresses:          t.totalPanics,
		PanicFrequency:        float64(t.panics.Count()),
		TimeInRiskZoneMinutes: t.zoneMinutes,
		AppInteractionRate:    t.interactionRate(now),
		Samples:               len(t.samples),
	}
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = nil
	t.panics.Reset()
	t.interactions.Reset()
	t.totalPanics = 0
	t.zoneMinutes = 0
	t.lastInZone = false
	t.started = t.now()
}

func (t *Tracker) movement() model.Movement {
	n := len(t.samples)
	if n < 2 {
		return model.MovementUnknown
	}
	prev, cur := t.samples[n-2], t.samples[n-1]
	dt := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return model.MovementUnknown
	}
	speed := geo.DistanceMeters(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude) / dt
	switch {
	case math.IsNaN(speed):
		return model.MovementUnknown
	case speed < stationaryMaxMps:
		return model.MovementStationary
	case speed < walkingMaxMps:
		return model.MovementWalking
	default:
		return model.MovementDriving
	}
}

// interactionRate is the share of one-minute buckets in the trailing window
// that saw at least one interaction.
func (t *Tracker) interactionRate(now time.Time) float64 {
	window := t.interactionWindow
	if age := now.Sub(t.started); age < window || window <= 0 {
		window = age
	}
	if window < interactionBucket {
		return 1.0
	}
	buckets := int(window / interactionBucket)
	seen := make(map[int]struct{}, buckets)
	t.interactions.Each(func(ts time.Time) {
		ago := now.Sub(ts)
		if ago < 0 {
			ago = 0
		}
		idx := int(ago / interactionBucket)
		if idx < buckets {
			seen[idx] = struct{}{}
		}
	})
	return float64(len(seen)) / float64(buckets)
}
