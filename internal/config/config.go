package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Storage       StorageConfig   `yaml:"storage"`
	Docker        DockerConfig    `yaml:"docker"`
	Sweep         SweepConfig     `yaml:"sweep"`
	Observability ObsConfig       `yaml:"observability"`
	FlagSecret    string          `yaml:"flag_secret"`
	Catalog       []CatalogEntry  `yaml:"catalog"`
}

type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	Version             string `yaml:"version"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	HealthPublic        bool   `yaml:"health_public"`
}

type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
}

type RateLimitConfig struct {
	Enabled     bool    `yaml:"enabled"`
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
	PerIPRPS    float64 `yaml:"per_ip_rps"`
	PerIPBurst  int     `yaml:"per_ip_burst"`
}

type StorageConfig struct {
	StateFile    string `yaml:"state_file"`
	SettingsFile string `yaml:"settings_file"`
}

type DockerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type SweepConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type ObsConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPath string `yaml:"metrics_path"`
}

// CatalogEntry declares a launchable target: concrete challenge images and
// the templates the derived kinds (desktop, shell) materialize from.
type CatalogEntry struct {
	Kind         string  `yaml:"kind"`
	Ref          string  `yaml:"ref"`
	Image        string  `yaml:"image"`
	InnerPort    int     `yaml:"inner_port"`
	MemoryLimit  string  `yaml:"memory_limit"`
	CPULimit     float64 `yaml:"cpu_limit"`
	RedirectType string  `yaml:"redirect_type"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:          ":9000",
			Version:             "dev",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  60,
			HealthPublic:        true,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			GlobalRPS:   100,
			GlobalBurst: 200,
			PerIPRPS:    20,
			PerIPBurst:  40,
		},
		Storage: StorageConfig{
			StateFile:    "/var/lib/instanced/state.json",
			SettingsFile: "/var/lib/instanced/settings.json",
		},
		Sweep:         SweepConfig{IntervalSeconds: 10},
		Observability: ObsConfig{LogLevel: "info", MetricsPath: "/metrics"},
	}
}

func Load() (Config, error) {
	cfg := Default()

	configFile := os.Getenv("INSTANCED_CONFIG_FILE")
	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "INSTANCED_LISTEN_ADDR")
	setString(&cfg.Server.Version, "INSTANCED_VERSION")
	setInt(&cfg.Server.ReadTimeoutSeconds, "INSTANCED_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeoutSeconds, "INSTANCED_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.IdleTimeoutSeconds, "INSTANCED_IDLE_TIMEOUT_SECONDS")
	setBool(&cfg.Server.HealthPublic, "INSTANCED_HEALTH_PUBLIC")

	setString(&cfg.Auth.BearerToken, "INSTANCED_TOKEN")

	setBool(&cfg.RateLimit.Enabled, "INSTANCED_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.GlobalRPS, "INSTANCED_RATE_LIMIT_GLOBAL_RPS")
	setInt(&cfg.RateLimit.GlobalBurst, "INSTANCED_RATE_LIMIT_GLOBAL_BURST")
	setFloat64(&cfg.RateLimit.PerIPRPS, "INSTANCED_RATE_LIMIT_PER_IP_RPS")
	setInt(&cfg.RateLimit.PerIPBurst, "INSTANCED_RATE_LIMIT_PER_IP_BURST")

	setString(&cfg.Storage.StateFile, "INSTANCED_STATE_FILE")
	setString(&cfg.Storage.SettingsFile, "INSTANCED_SETTINGS_FILE")

	setString(&cfg.Docker.Endpoint, "INSTANCED_DOCKER_ENDPOINT")
	setInt(&cfg.Sweep.IntervalSeconds, "INSTANCED_SWEEP_INTERVAL_SECONDS")

	setString(&cfg.Observability.LogLevel, "INSTANCED_LOG_LEVEL")
	setString(&cfg.Observability.MetricsPath, "INSTANCED_METRICS_PATH")
	setString(&cfg.FlagSecret, "INSTANCED_FLAG_SECRET")
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Sweep.IntervalSeconds <= 0 {
		return errors.New("sweep interval must be > 0")
	}
	if cfg.Storage.StateFile == "" || cfg.Storage.SettingsFile == "" {
		return errors.New("state and settings file paths are required")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.GlobalRPS <= 0 || cfg.RateLimit.GlobalBurst <= 0 {
			return errors.New("global rate limit values must be > 0")
		}
		if cfg.RateLimit.PerIPRPS <= 0 || cfg.RateLimit.PerIPBurst <= 0 {
			return errors.New("per-ip rate limit values must be > 0")
		}
	}
	seen := map[string]bool{}
	for _, entry := range cfg.Catalog {
		if entry.Kind == "" || entry.Ref == "" || entry.Image == "" {
			return fmt.Errorf("catalog entry needs kind, ref and image: %+v", entry)
		}
		key := entry.Kind + "/" + entry.Ref
		if seen[key] {
			return fmt.Errorf("duplicate catalog entry %s", key)
		}
		seen[key] = true
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = p
		}
	}
}

// LookupCatalog finds the entry for a kind/ref pair.
func (c Config) LookupCatalog(kind, ref string) (CatalogEntry, bool) {
	for _, entry := range c.Catalog {
		if strings.EqualFold(entry.Kind, kind) && entry.Ref == ref {
			return entry, true
		}
	}
	return CatalogEntry{}, false
}
