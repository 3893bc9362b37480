package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts both Go duration strings ("5m") and integer
// nanoseconds in yaml or json config.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.assign(v)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return err
	}
	return d.assign(v)
}

func (d *Duration) assign(v any) error {
	switch t := v.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(t))
	case int:
		*d = Duration(t)
	case int64:
		*d = Duration(t)
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

type Config struct {
	LogLevel string        `json:"log_level" yaml:"log_level"`
	Storage  StorageConfig `json:"storage" yaml:"storage"`
	API      APIConfig     `json:"api" yaml:"api"`
	Ingest   IngestConfig  `json:"ingest" yaml:"ingest"`
	Engine   EngineConfig  `json:"engine" yaml:"engine"`
	Sweeper  SweeperConfig `json:"sweeper" yaml:"sweeper"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type IngestConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type EngineConfig struct {
	RuleCacheSize int      `json:"rule_cache_size" yaml:"rule_cache_size"`
	RuleCacheTTL  Duration `json:"rule_cache_ttl" yaml:"rule_cache_ttl"`
}

type SweeperConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Interval   Duration `json:"interval" yaml:"interval"`
	Expiry     Duration `json:"expiry" yaml:"expiry"`
	RunTimeout Duration `json:"run_timeout" yaml:"run_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Storage:  StorageConfig{Driver: "sqlite", DSN: "file:driveguard.db?_pragma=busy_timeout(5000)"},
		API:      APIConfig{Enabled: true, Addr: ":8080"},
		Ingest:   IngestConfig{Kafka: KafkaConfig{Enabled: false}},
		Engine:   EngineConfig{RuleCacheSize: 256, RuleCacheTTL: Duration(30 * time.Second)},
		Sweeper: SweeperConfig{
			Enabled:    true,
			Interval:   Duration(5 * time.Minute),
			Expiry:     Duration(24 * time.Hour),
			RunTimeout: Duration(time.Minute),
		},
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
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Engine.RuleCacheSize <= 0 {
		cfg.Engine.RuleCacheSize = 256
	}
	if cfg.Engine.RuleCacheTTL <= 0 {
		cfg.Engine.RuleCacheTTL = Duration(30 * time.Second)
	}
	if cfg.Sweeper.Interval <= 0 {
		cfg.Sweeper.Interval = Duration(5 * time.Minute)
	}
	if cfg.Sweeper.Expiry <= 0 {
		cfg.Sweeper.Expiry = Duration(24 * time.Hour)
	}
	if cfg.Sweeper.RunTimeout <= 0 {
		cfg.Sweeper.RunTimeout = Duration(time.Minute)
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Sweeper.Enabled && cfg.Sweeper.Interval < Duration(time.Second) {
		return fmt.Errorf("sweeper.interval too small: %s", cfg.Sweeper.Interval)
	}
	return nil
}

type Manager struct {
	path string
	cfg  atomic.Value
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	return m, nil
}

// NewStaticManager wraps an in-memory config, used when no file is given.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
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
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	return cfg, nil
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
