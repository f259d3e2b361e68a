package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"durakv/pkg/storage"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

type StorageConfig struct {
	Path           string `yaml:"path" toml:"path"`
	ShardCount     int    `yaml:"shard_count" toml:"shard_count"`
	SyncMode       string `yaml:"sync_mode" toml:"sync_mode"` // "batch" or "always"
	MemTableDegree int    `yaml:"memtable_degree" toml:"memtable_degree"`
}

type LogConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Namespace string `yaml:"namespace" toml:"namespace"`
}

const (
	defaultPath           = "durakv_data"
	defaultShardCount     = 16
	defaultMemTableDegree = 32
	defaultNamespace      = "durakv"
)

var searchPaths = []string{"configs/durakv.yaml", "durakv.yaml", "durakv.toml"}

func NewDefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:           defaultPath,
			ShardCount:     defaultShardCount,
			SyncMode:       string(storage.SyncBatch),
			MemTableDegree: defaultMemTableDegree,
		},
		Log: LogConfig{
			Level: getLogLevel(),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: defaultNamespace,
		},
	}
}

// NewTestConfig returns a small configuration rooted at dir.
func NewTestConfig(dir string) *Config {
	cfg := NewDefaultConfig()
	cfg.Storage.Path = dir
	cfg.Storage.ShardCount = 4
	cfg.Storage.MemTableDegree = 4
	cfg.Metrics.Enabled = false
	return cfg
}

// Load reads the configuration at configPath. An empty path searches the
// default locations and falls back to defaults when none exists. Files ending
// in .toml are decoded as TOML, anything else as YAML.
func Load(configPath string) (*Config, error) {
	cfg := NewDefaultConfig()

	if configPath == "" {
		for _, p := range searchPaths {
			data, err := os.ReadFile(p)
			if err == nil {
				return finish(cfg, decode(p, data, cfg))
			}
		}
		return finish(cfg, nil)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", configPath)
	}
	return finish(cfg, decode(configPath, data, cfg))
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return errors.Wrapf(err, "parse toml config %s", path)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "parse yaml config %s", path)
	}
	return nil
}

func finish(cfg *Config, err error) (*Config, error) {
	if err != nil {
		return cfg, err
	}
	applyDefaults(cfg)
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		cfg.Log.Level = l
	}
	return cfg, cfg.Validate()
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultPath
	}
	if cfg.Storage.ShardCount == 0 {
		cfg.Storage.ShardCount = defaultShardCount
	}
	if cfg.Storage.SyncMode == "" {
		cfg.Storage.SyncMode = string(storage.SyncBatch)
	}
	if cfg.Storage.MemTableDegree == 0 {
		cfg.Storage.MemTableDegree = defaultMemTableDegree
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaultNamespace
	}
}

func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.Wrap(ErrInvalidConfig, "storage.path must be set")
	}
	if c.Storage.ShardCount <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "storage.shard_count must be positive, got %d", c.Storage.ShardCount)
	}
	if c.Storage.MemTableDegree < 2 {
		return errors.Wrapf(ErrInvalidConfig, "storage.memtable_degree must be at least 2, got %d", c.Storage.MemTableDegree)
	}
	if _, err := storage.ParseSyncMode(c.Storage.SyncMode); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "storage.sync_mode: %v", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "log.level: %v", err)
	}
	return nil
}

// SyncMode returns the validated storage sync mode.
func (c *Config) SyncMode() storage.SyncMode {
	m, err := storage.ParseSyncMode(c.Storage.SyncMode)
	if err != nil {
		return storage.SyncBatch
	}
	return m
}

func getLogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		return l
	}
	return "info"
}
