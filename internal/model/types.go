package model

import (
	"encoding/json"
	"time"
)

type Impact string

const (
	ImpactPositive Impact = "positive"
	ImpactNeutral  Impact = "neutral"
	ImpactNegative Impact = "negative"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type Movement string

const (
	MovementStationary Movement = "stationary"
	MovementWalking    Movement = "walking"
	MovementDriving    Movement = "driving"
	MovementUnknown    Movement = "unknown"
)

// Location is a single LocationProvider sample.
type Location struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source,omitempty"`
}

type RiskFactor struct {
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	Weight      float64 `json:"weight"`
	Impact      Impact  `json:"impact"`
	Description string  `json:"description"`
}

type SafetyScore struct {
	Score           int          `json:"score"`
	RiskLevel       RiskLevel    `json:"risk_level"`
	Factors         []RiskFactor `json:"factors"`
	ComputedAt      time.Time    `json:"computed_at"`
	Recommendations []string     `json:"recommendations"`
}

// BehaviorSnapshot is a read-only view of the tracker's rolling state.
type BehaviorSnapshot struct {
	Movement              Movement `json:"movement"`
	PanicPresses          int      `json:"panic_presses"`
	PanicFrequency        float64  `json:"panic_frequency"`
	TimeInRiskZoneMinutes float64  `json:"time_in_risk_zone_minutes"`
	AppInteractionRate    float64  `json:"app_interaction_rate"`
	Samples               int      `json:"samples"`
}

type Alert struct {
	Timestamp time.Time         `json:"timestamp"`
	Severity  string            `json:"severity"`
	AlertType string            `json:"alert_type"`
	Score     int               `json:"score"`
	Rules     []string          `json:"rules"`
	Context   map[string]string `json:"context,omitempty"`
}

type EventKind string

const (
	KindLocation    EventKind = "location"
	KindPanic       EventKind = "panic"
	KindAnomaly     EventKind = "anomaly"
	KindGeoFence    EventKind = "geo_fence"
	KindSafetyScore EventKind = "safety_score"
	KindDigitalID   EventKind = "digital_id"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindLocation, KindPanic, KindAnomaly, KindGeoFence, KindSafetyScore, KindDigitalID:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for sync; higher drains first. Unknown values rank
// with normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type OfflineEvent struct {
	ID            string          `json:"id"`
	Kind          EventKind       `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Priority      Priority        `json:"priority"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	Synced        bool            `json:"synced"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// Exhausted reports an unsynced event whose retry budget is spent.
func (e OfflineEvent) Exhausted() bool {
	return !e.Synced && e.RetryCount >= e.MaxRetries
}

// Pending reports an event that is still eligible for delivery.
func (e OfflineEvent) Pending() bool {
	return !e.Synced && e.RetryCount < e.MaxRetries
}

type SyncStatus struct {
	Online       bool           `json:"online"`
	LastSyncAt   *time.Time     `json:"last_sync_at"`
	PendingCount int            `json:"pending_count"`
	SyncedCount  int            `json:"synced_count"`
	FailedCount  int            `json:"failed_count"`
	Syncing      bool           `json:"syncing"`
	FailedItems  []OfflineEvent `json:"failed_items,omitempty"`
}

type StorageUsage struct {
	UsedBytes    int64   `json:"used_bytes"`
	CeilingBytes int64   `json:"ceiling_bytes"`
	Percentage   float64 `json:"percentage"`
}
