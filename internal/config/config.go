package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	BindAddr string `yaml:"bind_addr"`
	// APIToken enables bearer auth on every route except /health and /metrics.
	APIToken       string          `yaml:"-"`
	MaxBodyBytes   int64           `yaml:"max_body_bytes"`
	TokenRateLimit RateLimitConfig `yaml:"token_rate_limit"`
	CORS           CORSConfig      `yaml:"cors"`
}

// RateLimitConfig bounds token requests per task id.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	// ExposedHeaders are response headers browser callers may read.
	ExposedHeaders []string `yaml:"exposed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type BrokerConfig struct {
	AppID          string `yaml:"app_id"`
	InstallationID string `yaml:"installation_id"`
	PEM            string `yaml:"-"`
	PEMPath        string `yaml:"pem_path"`
	APIBaseURL     string `yaml:"api_base_url"`
	TTLHours       int    `yaml:"ttl_hours"`
	AuditCap       int    `yaml:"audit_cap"`
}

// JobOverride adjusts a built-in job.
type JobOverride struct {
	Schedule string `yaml:"schedule"`
	Enabled  *bool  `yaml:"enabled"`
}

type JobsConfig struct {
	ScriptDir           string                 `yaml:"script_dir"`
	TimeoutSeconds      int                    `yaml:"timeout_seconds"`
	MisfireGraceSeconds int                    `yaml:"misfire_grace_seconds"`
	Overrides           map[string]JobOverride `yaml:"overrides"`
}

type LifecycleConfig struct {
	// Repo is the owner/name repository workers push branches to.
	Repo          string `yaml:"repo"`
	BaseBranch    string `yaml:"base_branch"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type SubstrateConfig struct {
	Image       string            `yaml:"image"`
	MemoryMB    int64             `yaml:"memory_mb"`
	NetworkMode string            `yaml:"network_mode"`
	Env         map[string]string `yaml:"env"`
	// ExitedGraceMinutes is how long a stopped worker of an active task is
	// kept before the task is treated as orphaned.
	ExitedGraceMinutes int `yaml:"exited_grace_minutes"`
}

type VaultConfig struct {
	Path                string `yaml:"path"`
	Repo                string `yaml:"repo"`
	Branch              string `yaml:"branch"`
	SyncIntervalSeconds int    `yaml:"sync_interval_seconds"`
}

type TelegramConfig struct {
	Token      string  `yaml:"-"`
	AlertChats []int64 `yaml:"alert_chats"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// BackupConfig uploads hourly database snapshots to an S3-compatible store.
type BackupConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
	UseSSL    bool   `yaml:"use_ssl"`
	Keep      int    `yaml:"keep"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// StateDir holds the database, backups and legacy JSON state.
	StateDir            string `yaml:"state_dir"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`

	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Substrate SubstrateConfig `yaml:"substrate"`
	Vault     VaultConfig     `yaml:"vault"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Redis     RedisConfig     `yaml:"redis"`
	Backup    BackupConfig    `yaml:"backup"`
	OTel      OTelConfig      `yaml:"otel"`
}

// DBPath is the sqlite file under StateDir.
func (c Config) DBPath() string {
	return filepath.Join(c.StateDir, "lobwife.db")
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that shape behaviour.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|state=%s|vault=%s|repo=%s|max=%d|image=%s",
		c.Server.BindAddr, c.LogLevel, c.StateDir, c.Vault.Path, c.Lifecycle.Repo, c.Lifecycle.MaxConcurrent, c.Substrate.Image)
	names := make([]string, 0, len(c.Jobs.Overrides))
	for name := range c.Jobs.Overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		o := c.Jobs.Overrides[name]
		fmt.Fprintf(h, "|job=%s:%s:%v", name, o.Schedule, o.Enabled != nil && *o.Enabled)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		DrainTimeoutSeconds: 10,
		Server: ServerConfig{
			BindAddr:       "0.0.0.0:8081",
			MaxBodyBytes:   1 << 20,
			TokenRateLimit: RateLimitConfig{Enabled: true, RequestsPerMinute: 30, BurstSize: 10},
		},
		Broker: BrokerConfig{TTLHours: 24, AuditCap: 1000},
		Jobs: JobsConfig{
			ScriptDir:           "/opt/lobmob/scripts/server",
			TimeoutSeconds:      300,
			MisfireGraceSeconds: 60,
		},
		Lifecycle: LifecycleConfig{BaseBranch: "main", MaxConcurrent: 5},
		Substrate: SubstrateConfig{Image: "lobmob/lobster:latest", MemoryMB: 2048, NetworkMode: "bridge", ExitedGraceMinutes: 10},
		Vault:     VaultConfig{Branch: "main", SyncIntervalSeconds: 300},
		Backup:    BackupConfig{Bucket: "lobwife-backups", Keep: 24},
	}
}

// HomeDir is LOBWIFE_HOME or ~/.lobwife.
func HomeDir() string {
	if override := os.Getenv("LOBWIFE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lobwife")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads <home>/.env and <home>/config.yaml, then applies environment
// overrides. A missing config file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create lobwife home: %w", err)
	}
	// Variables already set in the environment win over .env.
	if err := godotenv.Load(filepath.Join(cfg.HomeDir, ".env")); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read .env: %w", err)
	}

	if err := readFile(ConfigPath(cfg.HomeDir), &cfg); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Reload re-reads config.yaml on top of defaults and env, for hot reload.
func Reload(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	if err := readFile(ConfigPath(homeDir), &cfg); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, validate(cfg)
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.HomeDir, "state")
	}
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8081"
	}
	if cfg.Lifecycle.MaxConcurrent <= 0 {
		cfg.Lifecycle.MaxConcurrent = 5
	}
	if cfg.Lifecycle.BaseBranch == "" {
		cfg.Lifecycle.BaseBranch = "main"
	}
	if cfg.Vault.SyncIntervalSeconds <= 0 {
		cfg.Vault.SyncIntervalSeconds = 300
	}
	if cfg.Vault.Branch == "" {
		cfg.Vault.Branch = "main"
	}
	if cfg.Jobs.TimeoutSeconds <= 0 {
		cfg.Jobs.TimeoutSeconds = 300
	}
	if cfg.Jobs.MisfireGraceSeconds <= 0 {
		cfg.Jobs.MisfireGraceSeconds = 60
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 10
	}
	if cfg.Lifecycle.Repo == "" {
		cfg.Lifecycle.Repo = cfg.Vault.Repo
	}
}

func validate(cfg Config) error {
	for _, repo := range []string{cfg.Vault.Repo, cfg.Lifecycle.Repo} {
		if repo != "" && strings.Count(repo, "/") != 1 {
			return fmt.Errorf("repository %q must be owner/name", repo)
		}
	}
	if (cfg.Broker.AppID == "") != (cfg.Broker.InstallationID == "") {
		return fmt.Errorf("broker app_id and installation_id must be set together")
	}
	return nil
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envStr(name string, dst *string) {
	if raw := os.Getenv(name); raw != "" {
		*dst = raw
	}
}

func applyEnvOverrides(cfg *Config) {
	envStr("LOBWIFE_BIND_ADDR", &cfg.Server.BindAddr)
	envStr("LOBWIFE_LOG_LEVEL", &cfg.LogLevel)
	envStr("LOBWIFE_STATE_DIR", &cfg.StateDir)
	envStr("LOBWIFE_API_TOKEN", &cfg.Server.APIToken)
	envStr("LOBWIFE_SCRIPT_DIR", &cfg.Jobs.ScriptDir)
	envInt("LOBWIFE_MAX_CONCURRENT", &cfg.Lifecycle.MaxConcurrent)
	envStr("LOBSTER_IMAGE", &cfg.Substrate.Image)

	envStr("VAULT_PATH", &cfg.Vault.Path)
	envStr("VAULT_REPO", &cfg.Vault.Repo)
	envInt("VAULT_SYNC_INTERVAL", &cfg.Vault.SyncIntervalSeconds)

	envStr("GH_APP_ID", &cfg.Broker.AppID)
	envStr("GH_APP_INSTALL_ID", &cfg.Broker.InstallationID)
	envStr("GH_APP_PEM", &cfg.Broker.PEM)
	envStr("GH_APP_PEM_PATH", &cfg.Broker.PEMPath)

	envStr("TELEGRAM_TOKEN", &cfg.Telegram.Token)
	if raw := os.Getenv("TELEGRAM_ALERT_CHATS"); raw != "" {
		cfg.Telegram.AlertChats = nil
		for _, part := range strings.Split(raw, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				cfg.Telegram.AlertChats = append(cfg.Telegram.AlertChats, id)
			}
		}
	}

	envStr("REDIS_ADDR", &cfg.Redis.Addr)

	envStr("MINIO_ENDPOINT", &cfg.Backup.Endpoint)
	envStr("MINIO_BUCKET", &cfg.Backup.Bucket)
	envStr("MINIO_ACCESS_KEY", &cfg.Backup.AccessKey)
	envStr("MINIO_SECRET_KEY", &cfg.Backup.SecretKey)
	if raw := os.Getenv("MINIO_USE_SSL"); raw != "" {
		cfg.Backup.UseSSL, _ = strconv.ParseBool(raw)
	}

	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = "otlp"
		cfg.OTel.Endpoint = raw
	}
}
