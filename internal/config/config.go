package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"safetrail/internal/geo"
)

type Config struct {
	LogLevel     string             `json:"log_level" yaml:"log_level"`
	LogFormat    string             `json:"log_format" yaml:"log_format"`
	Scoring      ScoringConfig      `json:"scoring" yaml:"scoring"`
	Offline      OfflineConfig      `json:"offline" yaml:"offline"`
	Collector    CollectorConfig    `json:"collector" yaml:"collector"`
	Connectivity ConnectivityConfig `json:"connectivity" yaml:"connectivity"`
	Ingest       IngestConfig       `json:"ingest" yaml:"ingest"`
	API          APIConfig          `json:"api" yaml:"api"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Alerts       AlertsConfig       `json:"alerts" yaml:"alerts"`
}

type ScoringConfig struct {
	Timezone          string        `json:"timezone" yaml:"timezone"`
	CityCenter        Coordinate    `json:"city_center" yaml:"city_center"`
	Zones             []geo.Zone    `json:"zones" yaml:"zones"`
	HistorySize       int           `json:"history_size" yaml:"history_size"`
	PanicWindow       time.Duration `json:"panic_window" yaml:"panic_window"`
	InteractionWindow time.Duration `json:"interaction_window" yaml:"interaction_window"`
	AlertCooldown     time.Duration `json:"alert_cooldown" yaml:"alert_cooldown"`
}

type Coordinate struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

type OfflineConfig struct {
	Enabled              bool          `json:"enabled" yaml:"enabled"`
	StorageCeilingBytes  int64         `json:"storage_ceiling_bytes" yaml:"storage_ceiling_bytes"`
	DefaultMaxRetries    int           `json:"default_max_retries" yaml:"default_max_retries"`
	SyncInterval         time.Duration `json:"sync_interval" yaml:"sync_interval"`
	ItemDelay            time.Duration `json:"item_delay" yaml:"item_delay"`
	AttemptTimeout       time.Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
	RetryBackoff         time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	MaxRetryBackoff      time.Duration `json:"max_retry_backoff" yaml:"max_retry_backoff"`
	RetentionWindow      time.Duration `json:"retention_window" yaml:"retention_window"`
	QueueLocationSamples bool          `json:"queue_location_samples" yaml:"queue_location_samples"`
}

type CollectorConfig struct {
	Driver       string   `json:"driver" yaml:"driver" env:"SAFETRAIL_COLLECTOR_DRIVER"`
	URL          string   `json:"url" yaml:"url" env:"SAFETRAIL_COLLECTOR_URL"`
	KafkaBrokers []string `json:"kafka_brokers" yaml:"kafka_brokers"`
	KafkaTopic   string   `json:"kafka_topic" yaml:"kafka_topic"`
}

type ConnectivityConfig struct {
	ProbeURL      string        `json:"probe_url" yaml:"probe_url"`
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval"`
	StartOnline   bool          `json:"start_online" yaml:"start_online"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	UDP           UDPConfig       `json:"udp" yaml:"udp"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type UDPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone string `json:"timezone" yaml:"timezone"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" env:"SAFETRAIL_API_ADDR"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver" env:"SAFETRAIL_STORAGE_DRIVER"`
	DSN    string `json:"dsn" yaml:"dsn" env:"SAFETRAIL_STORAGE_DSN"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

// envOverrides are the deployment knobs that may come from the process
// environment or a .env file.
type envOverrides struct {
	LogLevel  string `env:"SAFETRAIL_LOG_LEVEL"`
	LogFormat string `env:"SAFETRAIL_LOG_FORMAT"`
	Collector CollectorConfig
	API       APIConfig
	Storage   StorageConfig
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Scoring: ScoringConfig{
			Timezone:          "Local",
			CityCenter:        Coordinate{Latitude: 28.6139, Longitude: 77.2090},
			HistorySize:       100,
			PanicWindow:       24 * time.Hour,
			InteractionWindow: 30 * time.Minute,
			AlertCooldown:     5 * time.Minute,
		},
		Offline: OfflineConfig{
			Enabled:              true,
			StorageCeilingBytes:  5 << 20,
			DefaultMaxRetries:    3,
			SyncInterval:         5 * time.Minute,
			ItemDelay:            1 * time.Second,
			AttemptTimeout:       10 * time.Second,
			RetryBackoff:         30 * time.Second,
			MaxRetryBackoff:      5 * time.Minute,
			RetentionWindow:      7 * 24 * time.Hour,
			QueueLocationSamples: true,
		},
		Collector: CollectorConfig{Driver: "log"},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			StartOnline:   true,
		},
		Ingest: IngestConfig{
			ChannelBuffer: 1000,
			REST:          RESTConfig{Enabled: true, Addr: ":8090"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9090"},
			UDP:           UDPConfig{Enabled: false, Addr: ":9091"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC"},
		},
		API:     APIConfig{Enabled: true, Addr: ":8091"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:safetrail.db?_pragma=busy_timeout(5000)"},
		Alerts:  AlertsConfig{StoreLimit: 500},
	}
}

func Load(path string) (*Config, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeFile reads path over the defaults without the environment overlay.
// JSON files carry durations as integer nanoseconds.
func decodeFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return cfg, nil
}

// LoadDotEnv reads a .env file into the process environment when present.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

// ApplyEnv overlays SAFETRAIL_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.LogFormat = o.LogFormat
	}
	if o.Collector.Driver != "" {
		cfg.Collector.Driver = o.Collector.Driver
	}
	if o.Collector.URL != "" {
		cfg.Collector.URL = o.Collector.URL
	}
	if o.API.Addr != "" {
		cfg.API.Addr = o.API.Addr
	}
	if o.Storage.Driver != "" {
		cfg.Storage.Driver = o.Storage.Driver
	}
	if o.Storage.DSN != "" {
		cfg.Storage.DSN = o.Storage.DSN
	}
	return nil
}

// stripEnv returns a copy of cfg in which every field set from the
// environment carries the value from base instead.
func stripEnv(cfg, base *Config) (*Config, error) {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	out := *cfg
	if o.LogLevel != "" {
		out.LogLevel = base.LogLevel
	}
	if o.LogFormat != "" {
		out.LogFormat = base.LogFormat
	}
	if o.Collector.Driver != "" {
		out.Collector.Driver = base.Collector.Driver
	}
	if o.Collector.URL != "" {
		out.Collector.URL = base.Collector.URL
	}
	if o.API.Addr != "" {
		out.API.Addr = base.API.Addr
	}
	if o.Storage.Driver != "" {
		out.Storage.Driver = base.Storage.Driver
	}
	if o.Storage.DSN != "" {
		out.Storage.DSN = base.Storage.DSN
	}
	return &out, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// applyDefaults only fills knobs whose zero value carries no meaning. Timing
// and budget knobs are left to Validate so explicit zeros fail loudly.
func applyDefaults(cfg *Config) {
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Scoring.Timezone == "" {
		cfg.Scoring.Timezone = "Local"
	}
	if cfg.Scoring.HistorySize <= 0 {
		cfg.Scoring.HistorySize = 100
	}
	if cfg.Scoring.PanicWindow <= 0 {
		cfg.Scoring.PanicWindow = 24 * time.Hour
	}
	if cfg.Scoring.InteractionWindow <= 0 {
		cfg.Scoring.InteractionWindow = 30 * time.Minute
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 500
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 1000
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Collector.Driver == "" {
		cfg.Collector.Driver = "log"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Connectivity.ProbeInterval <= 0 {
		cfg.Connectivity.ProbeInterval = 15 * time.Second
	}
}

func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if cfg.Scoring.HistorySize > 100 {
		return fmt.Errorf("scoring.history_size must be <= 100, got %d", cfg.Scoring.HistorySize)
	}
	if _, err := LoadLocation(cfg.Scoring.Timezone); err != nil {
		return fmt.Errorf("scoring.timezone: %w", err)
	}
	for i, z := range cfg.Scoring.Zones {
		if strings.TrimSpace(z.Name) == "" {
			return fmt.Errorf("scoring.zones[%d].name required", i)
		}
		if !(z.RadiusMeters > 0) || math.IsInf(z.RadiusMeters, 0) {
			return fmt.Errorf("scoring.zones[%d].radius_meters must be > 0", i)
		}
		if z.RiskValue < 0 || z.RiskValue > 100 || math.IsNaN(z.RiskValue) {
			return fmt.Errorf("scoring.zones[%d].risk_value must be within [0,100]", i)
		}
	}

	off := cfg.Offline
	if off.StorageCeilingBytes <= 0 {
		return errors.New("offline.storage_ceiling_bytes must be > 0")
	}
	if off.DefaultMaxRetries < 0 {
		return fmt.Errorf("offline.default_max_retries must be >= 0, got %d", off.DefaultMaxRetries)
	}
	if off.SyncInterval <= 0 {
		return errors.New("offline.sync_interval must be > 0")
	}
	if off.ItemDelay < 0 {
		return errors.New("offline.item_delay must be >= 0")
	}
	if off.AttemptTimeout <= 0 {
		return errors.New("offline.attempt_timeout must be > 0")
	}
	if off.RetryBackoff < 0 || off.MaxRetryBackoff < 0 {
		return errors.New("offline.retry_backoff and offline.max_retry_backoff must be >= 0")
	}
	if off.RetentionWindow <= 0 {
		return errors.New("offline.retention_window must be > 0")
	}

	switch strings.ToLower(cfg.Collector.Driver) {
	case "log":
	case "http":
		if cfg.Collector.URL == "" {
			return errors.New("collector.url required when collector.driver is http")
		}
	case "kafka":
		if len(cfg.Collector.KafkaBrokers) == 0 || cfg.Collector.KafkaTopic == "" {
			return errors.New("collector kafka driver requires kafka_brokers and kafka_topic")
		}
	default:
		return fmt.Errorf("unsupported collector driver: %q", cfg.Collector.Driver)
	}

	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql", "redis", "memory":
	default:
		return fmt.Errorf("unsupported storage driver: %q", cfg.Storage.Driver)
	}

	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.UDP.Enabled && cfg.Ingest.UDP.Addr == "" {
		return errors.New("ingest.udp.addr required when ingest.udp.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	return nil
}

// LoadLocation resolves a timezone name; "Local" and "" map to time.Local.
func LoadLocation(name string) (*time.Location, error) {
	switch strings.TrimSpace(name) {
	case "", "Local", "local":
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

type Manager struct {
	path string
	cfg  atomic.Value

	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
}

// NewStaticManager wraps an in-memory config; Update skips the file write
// when path is empty.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

// Update validates cfg before persisting it; invalid configs never replace
// the active one. Values that came from SAFETRAIL_* variables are written
// back as they appear in the file, so the environment never lands on disk.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if m.path != "" {
		base, err := decodeFile(m.path)
		if err != nil {
			base = DefaultConfig()
		}
		onDisk, err := stripEnv(cfg, base)
		if err != nil {
			return err
		}
		if err := Save(m.path, onDisk); err != nil {
			return err
		}
		m.touch()
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) touch() {
	info, err := os.Stat(m.path)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.modTime = info.ModTime()
	m.mu.Unlock()
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
