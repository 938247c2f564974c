// Package geo holds the great-circle math and risk-zone lookups used by the
// scoring engine and the behavior tracker.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by DistanceMeters.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the Haversine distance between two points given in
// signed decimal degrees. NaN or infinite inputs yield NaN.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Zone is a named circle with a fixed risk value.
type Zone struct {
	Name         string  `json:"name" yaml:"name"`
	CenterLat    float64 `json:"center_lat" yaml:"center_lat"`
	CenterLng    float64 `json:"center_lng" yaml:"center_lng"`
	RadiusMeters float64 `json:"radius_meters" yaml:"radius_meters"`
	RiskValue    float64 `json:"risk_value" yaml:"risk_value"`
}

func (z Zone) Contains(lat, lon float64) bool {
	return DistanceMeters(lat, lon, z.CenterLat, z.CenterLng) <= z.RadiusMeters
}

// FirstContaining returns the first zone in list order containing the point.
// Overlapping zones are not ranked by distance or risk.
func FirstContaining(zones []Zone, lat, lon float64) (Zone, bool) {
	for _, z := range zones {
		if z.Contains(lat, lon) {
			return z, true
		}
	}
	return Zone{}, false
}
