package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"shiftwatch/internal/model"
)

type Config struct {
	LogLevel  string                   `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig             `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig          `json:"detection" yaml:"detection"`
	Hub       HubConfig                `json:"hub" yaml:"hub"`
	API       APIConfig                `json:"api" yaml:"api"`
	Auth      AuthConfig               `json:"auth" yaml:"auth"`
	Storage   StorageConfig            `json:"storage" yaml:"storage"`
	Alerts    AlertsConfig             `json:"alerts" yaml:"alerts"`
	Companies map[string]CompanyConfig `json:"companies" yaml:"companies"`
}

type IngestConfig struct {
	REST          RESTConfig    `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig   `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig  `json:"parser" yaml:"parser"`
	DedupeWindow  time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	MaxFutureSkew time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
	LocationRate  float64       `json:"location_rate" yaml:"location_rate"`
	LocationBurst int           `json:"location_burst" yaml:"location_burst"`
	MaxNoteLength int           `json:"max_note_length" yaml:"max_note_length"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
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

type DetectionConfig struct {
	StalenessWindow time.Duration `json:"staleness_window" yaml:"staleness_window"`
	EpisodeGap      time.Duration `json:"episode_gap" yaml:"episode_gap"`
	SweepInterval   time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	RetryAttempts   int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay      time.Duration `json:"retry_delay" yaml:"retry_delay"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	EpisodeRetain   time.Duration `json:"episode_retain" yaml:"episode_retain"`
	// SettleWindow delays raising a new anomaly until its start is this far
	// in the past, so late submissions can still retract it. Zero raises
	// immediately.
	SettleWindow time.Duration `json:"settle_window" yaml:"settle_window"`
}

type HubConfig struct {
	AuthTimeout   time.Duration `json:"auth_timeout" yaml:"auth_timeout"`
	SendQueue     int           `json:"send_queue" yaml:"send_queue"`
	CompanyBuffer int           `json:"company_buffer" yaml:"company_buffer"`
	PingPeriod    time.Duration `json:"ping_period" yaml:"ping_period"`
	PongWait      time.Duration `json:"pong_wait" yaml:"pong_wait"`
	WriteWait     time.Duration `json:"write_wait" yaml:"write_wait"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	Issuer    string `json:"issuer" yaml:"issuer"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type CompanyConfig struct {
	Geofence *model.Geofence           `json:"geofence,omitempty" yaml:"geofence,omitempty"`
	Policy   *model.WorkingHoursPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC"},
			DedupeWindow:  30 * time.Second,
			MaxFutureSkew: 2 * time.Minute,
			LocationRate:  2,
			LocationBurst: 5,
			MaxNoteLength: 500,
		},
		Detection: DetectionConfig{
			StalenessWindow: 15 * time.Minute,
			EpisodeGap:      2 * time.Minute,
			SweepInterval:   30 * time.Second,
			RetryAttempts:   3,
			RetryDelay:      50 * time.Millisecond,
			ReadTimeout:     3 * time.Second,
			EpisodeRetain:   48 * time.Hour,
			SettleWindow:    2 * time.Minute,
		},
		Hub: HubConfig{
			AuthTimeout:   10 * time.Second,
			SendQueue:     64,
			CompanyBuffer: 1024,
			PingPeriod:    30 * time.Second,
			PongWait:      60 * time.Second,
			WriteWait:     10 * time.Second,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Auth:    AuthConfig{Issuer: "shiftwatch"},
		Storage: StorageConfig{Driver: "memory"},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
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
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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

// ApplyEnv overlays secrets and deployment-specific values from the
// environment.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("SHIFTWATCH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("SHIFTWATCH_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SHIFTWATCH_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SHIFTWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
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

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Detection.StalenessWindow <= 0 {
		cfg.Detection.StalenessWindow = def.Detection.StalenessWindow
	}
	if cfg.Detection.SweepInterval <= 0 {
		cfg.Detection.SweepInterval = def.Detection.SweepInterval
	}
	if cfg.Detection.RetryAttempts <= 0 {
		cfg.Detection.RetryAttempts = def.Detection.RetryAttempts
	}
	if cfg.Detection.ReadTimeout <= 0 {
		cfg.Detection.ReadTimeout = def.Detection.ReadTimeout
	}
	if cfg.Detection.EpisodeRetain <= 0 {
		cfg.Detection.EpisodeRetain = def.Detection.EpisodeRetain
	}
	if cfg.Hub.SendQueue <= 0 {
		cfg.Hub.SendQueue = def.Hub.SendQueue
	}
	if cfg.Hub.CompanyBuffer <= 0 {
		cfg.Hub.CompanyBuffer = def.Hub.CompanyBuffer
	}
	if cfg.Hub.AuthTimeout <= 0 {
		cfg.Hub.AuthTimeout = def.Hub.AuthTimeout
	}
	if cfg.Hub.PingPeriod <= 0 {
		cfg.Hub.PingPeriod = def.Hub.PingPeriod
	}
	if cfg.Hub.PongWait <= cfg.Hub.PingPeriod {
		cfg.Hub.PongWait = 2 * cfg.Hub.PingPeriod
	}
	if cfg.Hub.WriteWait <= 0 {
		cfg.Hub.WriteWait = def.Hub.WriteWait
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.MaxNoteLength <= 0 {
		cfg.Ingest.MaxNoteLength = def.Ingest.MaxNoteLength
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if (cfg.API.Enabled || cfg.Ingest.REST.Enabled) && cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret required when an http listener is enabled")
	}
	if cfg.Ingest.LocationRate < 0 {
		return errors.New("ingest.location_rate must be >= 0")
	}
	if cfg.Detection.EpisodeGap < 0 {
		return errors.New("detection.episode_gap must be >= 0")
	}
	if cfg.Detection.SettleWindow < 0 {
		return errors.New("detection.settle_window must be >= 0")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return errors.NotSupportedf("storage driver %q", cfg.Storage.Driver)
	}
	for id, c := range cfg.Companies {
		if strings.TrimSpace(id) == "" {
			return errors.New("companies contains an empty company id")
		}
		if c.Geofence != nil && c.Geofence.RadiusMeters <= 0 {
			return errors.Errorf("companies.%s.geofence.radius_m must be > 0", id)
		}
		if c.Policy != nil {
			if c.Policy.Timezone != "" {
				if _, err := time.LoadLocation(c.Policy.Timezone); err != nil {
					return errors.Annotatef(err, "companies.%s.policy.timezone", id)
				}
			}
			for _, v := range []string{c.Policy.Start, c.Policy.End} {
				if v == "" {
					continue
				}
				if _, err := time.Parse("15:04", v); err != nil {
					return errors.Errorf("companies.%s.policy: invalid time %q", id, v)
				}
			}
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStatic wraps an in-memory config; Reload and Update are not available.
func NewStatic(cfg *Config) *Manager {
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
	if m.path == "" {
		return nil, errors.NotSupportedf("reload without a backing file")
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
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
