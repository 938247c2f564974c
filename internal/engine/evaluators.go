package engine

import (
	"math"

	"safetrail/internal/config"
	"safetrail/internal/geo"
	"safetrail/internal/model"
)

const (
	FactorLocation    = "location"
	FactorTime        = "time"
	FactorMovement    = "movement"
	FactorBehavior    = "behavior"
	FactorEnvironment = "environment"
)

// impactFor maps a factor value onto its qualitative impact.
func impactFor(value float64) model.Impact {
	switch {
	case value > 70:
		return model.ImpactNegative
	case value > 40:
		return model.ImpactNeutral
	default:
		return model.ImpactPositive
	}
}

// LocationRisk returns the risk value of the first zone containing the point,
// falling back to distance tiers from the city center.
func LocationRisk(zones []geo.Zone, center config.Coordinate, lat, lon float64) float64 {
	if z, ok := geo.FirstContaining(zones, lat, lon); ok {
		return z.RiskValue
	}
	d := geo.DistanceMeters(lat, lon, center.Latitude, center.Longitude)
	switch {
	case d > 50000:
		return 60
	case d > 20000:
		return 40
	default:
		return 20
	}
}

type hourRule struct {
	match func(hour int) bool
	value float64
}

// timeRules is evaluated top to bottom and the first match wins. The ranges
// overlap (hour 5 satisfies the first two rules, hour 19 the second and
// third); order is the policy.
var timeRules = []hourRule{
	{match: func(h int) bool { return h >= 22 || h <= 5 }, value: 80},
	{match: func(h int) bool { return h >= 19 || h < 7 }, value: 60},
	{match: func(h int) bool { return h >= 17 || h < 9 }, value: 40},
}

const defaultTimeRisk = 20

func TimeRisk(hour int) float64 {
	for _, r := range timeRules {
		if r.match(hour) {
			return r.value
		}
	}
	return defaultTimeRisk
}

func MovementRisk(m model.Movement) float64 {
	switch m {
	case model.MovementStationary:
		return 30
	case model.MovementWalking:
		return 20
	case model.MovementDriving:
		return 40
	default:
		return 50
	}
}

func BehaviorRisk(s model.BehaviorSnapshot) float64 {
	risk := 0.0
	if s.PanicFrequency > 3 {
		risk += 40
	} else if s.PanicFrequency > 1 {
		risk += 20
	}
	if s.TimeInRiskZoneMinutes > 120 {
		risk += 30
	} else if s.TimeInRiskZoneMinutes > 60 {
		risk += 15
	}
	if s.AppInteractionRate < 0.1 {
		risk += 20
	} else if s.AppInteractionRate < 0.3 {
		risk += 10
	}
	return math.Min(risk, 100)
}

// EnvironmentRisk stands in for weather and crime feeds: night hours only.
func EnvironmentRisk(hour int) float64 {
	if hour >= 20 || hour <= 6 {
		return 60
	}
	return 30
}
