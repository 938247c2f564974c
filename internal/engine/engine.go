package engine

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"safetrail/internal/alerts"
	"safetrail/internal/config"
	"safetrail/internal/geo"
	"safetrail/internal/metrics"
	"safetrail/internal/model"
)

const (
	weightLocation    = 0.30
	weightTime        = 0.20
	weightMovement    = 0.15
	weightBehavior    = 0.20
	weightEnvironment = 0.15

	highThreshold   = 70
	mediumThreshold = 40
	recommendAbove  = 60
)

// Weights returns the factor weights in declaration order.
func Weights() []float64 {
	return []float64{weightLocation, weightTime, weightMovement, weightBehavior, weightEnvironment}
}

var factorRecommendations = map[string]string{
	FactorLocation:    "You are in or near a higher-risk area. Move toward busy, well-lit public places.",
	FactorTime:        "It is late. Avoid isolated streets and use registered transport.",
	FactorMovement:    "Your movement pattern looks unusual. Share your live location with a trusted contact.",
	FactorBehavior:    "Recent activity suggests distress. Check in with your emergency contacts.",
	FactorEnvironment: "Conditions are less safe at this hour. Stay where other people are around.",
}

var tierRecommendations = map[model.RiskLevel]string{
	model.RiskHigh:   "High risk: contact your emergency contacts and share your location now.",
	model.RiskMedium: "Moderate risk: stay alert and keep your phone charged.",
	model.RiskLow:    "Low risk: continue your current safety practices.",
}

type scoringState struct {
	zones         []geo.Zone
	center        config.Coordinate
	loc           *time.Location
	alertCooldown time.Duration
}

type Engine struct {
	logger   *slog.Logger
	alerts   *alerts.Store
	state    atomic.Value
	mu       sync.RWMutex
	current  *model.SafetyScore
	cooldown *Cooldown
	now      func() time.Time
}

func NewEngine(cfg config.ScoringConfig, logger *slog.Logger, alertsStore *alerts.Store) *Engine {
	e := &Engine{
		logger:   logger,
		alerts:   alertsStore,
		cooldown: NewCooldown(),
		now:      time.Now,
	}
	e.UpdateConfig(cfg)
	return e
}

// WithClock replaces the wall clock used for time-of-day factors.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
		e.cooldown.now = now
	}
	return e
}

func (e *Engine) UpdateConfig(cfg config.ScoringConfig) {
	loc, err := config.LoadLocation(cfg.Timezone)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("unknown scoring timezone, using local", "timezone", cfg.Timezone, "err", err)
		}
		loc = time.Local
	}
	zones := make([]geo.Zone, len(cfg.Zones))
	copy(zones, cfg.Zones)
	e.state.Store(&scoringState{
		zones:         zones,
		center:        cfg.CityCenter,
		loc:           loc,
		alertCooldown: cfg.AlertCooldown,
	})
}

func (e *Engine) scoring() *scoringState {
	if v := e.state.Load(); v != nil {
		return v.(*scoringState)
	}
	return &scoringState{loc: time.Local}
}

// InRiskZone reports whether the point falls inside any configured zone.
func (e *Engine) InRiskZone(lat, lon float64) bool {
	_, ok := e.MatchZone(lat, lon)
	return ok
}

func (e *Engine) MatchZone(lat, lon float64) (geo.Zone, bool) {
	return geo.FirstContaining(e.scoring().zones, lat, lon)
}

// ComputeScore scores one location against a behavior snapshot and caches
// the result as the current score.
func (e *Engine) ComputeScore(loc model.Location, snap model.BehaviorSnapshot) model.SafetyScore {
	score, _ := e.Evaluate(loc, snap)
	return score
}

// Evaluate is ComputeScore plus the high-risk alert it raised, if any.
func (e *Engine) Evaluate(loc model.Location, snap model.BehaviorSnapshot) (model.SafetyScore, *model.Alert) {
	st := e.scoring()
	now := e.now()
	hour := now.In(st.loc).Hour()

	factors := []model.RiskFactor{
		newFactor(FactorLocation, LocationRisk(st.zones, st.center, loc.Latitude, loc.Longitude), weightLocation,
			"Risk zones and distance from the city center"),
		newFactor(FactorTime, TimeRisk(hour), weightTime,
			fmt.Sprintf("Local hour %02d", hour)),
		newFactor(FactorMovement, MovementRisk(snap.Movement), weightMovement,
			"Movement pattern: "+string(movementOrUnknown(snap.Movement))),
		newFactor(FactorBehavior, BehaviorRisk(snap), weightBehavior,
			"Panic presses, time in risk zones and app activity"),
		newFactor(FactorEnvironment, EnvironmentRisk(hour), weightEnvironment,
			"Night-time conditions"),
	}
	value, level, recs := Aggregate(factors)
	score := model.SafetyScore{
		Score:           value,
		RiskLevel:       level,
		Factors:         factors,
		ComputedAt:      now.UTC(),
		Recommendations: recs,
	}

	e.mu.Lock()
	cached := score
	e.current = &cached
	e.mu.Unlock()

	metrics.ScoresComputed.WithLabelValues(string(level)).Inc()
	metrics.LastScore.Set(float64(value))

	if level != model.RiskHigh {
		return score, nil
	}
	if ok, wait := e.cooldown.Try(string(level), st.alertCooldown); !ok {
		if e.logger != nil {
			e.logger.Debug("high risk alert suppressed", "score", value, "cooldown_remaining", wait)
		}
		return score, nil
	}
	alert := model.Alert{
		Timestamp: now.UTC(),
		Severity:  "high",
		AlertType: "high_risk_score",
		Score:     value,
		Rules:     negativeFactors(factors),
		Context: map[string]string{
			"latitude":  strconv.FormatFloat(loc.Latitude, 'f', 6, 64),
			"longitude": strconv.FormatFloat(loc.Longitude, 'f', 6, 64),
			"movement":  string(movementOrUnknown(snap.Movement)),
		},
	}
	if e.alerts != nil {
		e.alerts.Add(alert)
	}
	if e.logger != nil {
		e.logger.Warn("high risk score",
			"score", value,
			"rules", alert.Rules,
		)
	}
	return score, &alert
}

// Aggregate combines weighted factors into the final score, tier and
// recommendation list.
func Aggregate(factors []model.RiskFactor) (int, model.RiskLevel, []string) {
	sum := 0.0
	for _, f := range factors {
		sum += f.Value * f.Weight
	}
	score := int(math.Round(clamp(sum, 0, 100)))
	level := levelFor(score)

	recs := make([]string, 0, len(factors)+1)
	for _, f := range factors {
		if f.Impact == model.ImpactNegative && f.Value > recommendAbove {
			if r, ok := factorRecommendations[f.Name]; ok {
				recs = append(recs, r)
			}
		}
	}
	recs = append(recs, tierRecommendations[level])
	return score, level, recs
}

func (e *Engine) CurrentScore() (model.SafetyScore, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return model.SafetyScore{}, false
	}
	return *e.current, true
}

func (e *Engine) Reset() {
	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
	e.cooldown.Reset()
}

func newFactor(name string, value, weight float64, description string) model.RiskFactor {
	value = clamp(value, 0, 100)
	return model.RiskFactor{
		Name:        name,
		Value:       value,
		Weight:      weight,
		Impact:      impactFor(value),
		Description: description,
	}
}

func levelFor(score int) model.RiskLevel {
	switch {
	case score >= highThreshold:
		return model.RiskHigh
	case score >= mediumThreshold:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// clamp maps NaN to lo so a corrupt sample cannot escape the score bounds.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func negativeFactors(factors []model.RiskFactor) []string {
	out := make([]string, 0, len(factors))
	for _, f := range factors {
		if f.Impact == model.ImpactNegative {
			out = append(out, f.Name)
		}
	}
	return out
}

func movementOrUnknown(m model.Movement) model.Movement {
	if m == "" {
		return model.MovementUnknown
	}
	return m
}
