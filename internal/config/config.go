package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/avdeyev/shopvault/internal/schema"
)

// Config represents the application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LockFile string `yaml:"lock_file"`

	BackupDir  string `yaml:"backup_dir"`
	TempDir    string `yaml:"temp_dir"`
	MediaRoot  string `yaml:"media_root"`
	StaticRoot string `yaml:"static_root"`

	HTTPListenAddr string `yaml:"http_listen_addr"`

	Catalog  CatalogConfig       `yaml:"catalog"`
	Store    StoreConfig         `yaml:"store"`
	Schema   []schema.Descriptor `yaml:"schema"`
	Watchdog WatchdogConfig      `yaml:"watchdog"`

	Retention RetentionConfig `yaml:"retention"`
	R2        R2Config        `yaml:"r2"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

// CatalogConfig points at the database holding the job tracking records.
type CatalogConfig struct {
	Driver string `yaml:"driver"` // sqlite or mysql
	DSN    string `yaml:"dsn"`
}

// StoreConfig describes the store database being backed up.
type StoreConfig struct {
	Engine   string `yaml:"engine"` // sqlite, mysql or postgres
	DSN      string `yaml:"dsn"`    // used for the generic per-table path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type WatchdogConfig struct {
	BackupTimeoutMinutes  int `yaml:"backup_timeout_minutes"`
	RestoreTimeoutMinutes int `yaml:"restore_timeout_minutes"`
	SweepIntervalMinutes  int `yaml:"sweep_interval_minutes"`
}

type RetentionConfig struct {
	Days int `yaml:"days"`
}

type R2Config struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	PathPrefix string `yaml:"path_prefix"`
	Hours      int    `yaml:"retention_hours"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// LoadConfig loads the configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with defaults applied, for runs without a
// config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LockFile == "" {
		cfg.LockFile = "/tmp/shopvault.lock"
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = "backups"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "shopvault")
	}
	if cfg.MediaRoot == "" {
		cfg.MediaRoot = "media"
	}
	if cfg.HTTPListenAddr == "" {
		cfg.HTTPListenAddr = ":8090"
	}
	if cfg.Catalog.Driver == "" {
		cfg.Catalog.Driver = "sqlite"
	}
	if cfg.Catalog.DSN == "" {
		cfg.Catalog.DSN = filepath.Join(cfg.BackupDir, "shopvault_catalog.db")
	}
	if cfg.Store.Engine == "" {
		cfg.Store.Engine = "sqlite"
	}
	if cfg.Store.Host == "" {
		cfg.Store.Host = "127.0.0.1"
	}
	if cfg.Store.Port == 0 {
		switch cfg.Store.Engine {
		case "postgres":
			cfg.Store.Port = 5432
		default:
			cfg.Store.Port = 3306
		}
	}
	if cfg.Watchdog.BackupTimeoutMinutes == 0 {
		cfg.Watchdog.BackupTimeoutMinutes = 60
	}
	if cfg.Watchdog.RestoreTimeoutMinutes == 0 {
		cfg.Watchdog.RestoreTimeoutMinutes = 120
	}
	if cfg.Watchdog.SweepIntervalMinutes == 0 {
		cfg.Watchdog.SweepIntervalMinutes = 15
	}
	if cfg.Retention.Days == 0 {
		cfg.Retention.Days = 30
	}
	if cfg.R2.Hours == 0 {
		cfg.R2.Hours = 24 * 7
	}
}

// Registry builds the table registry from the schema section, falling back
// to the built-in shop schema when the section is empty.
func (cfg *Config) Registry() (*schema.Registry, error) {
	if len(cfg.Schema) == 0 {
		return schema.DefaultRegistry(), nil
	}
	return schema.NewRegistry(cfg.Schema...)
}
