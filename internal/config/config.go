package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Dedup policies for the log ingest service.
const (
	DedupContent = "content"
	DedupUnique  = "unique"
)

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
	// DefaultChatID is the conversation relayed commands target until a
	// pickFriend call selects another one. Zero means "last allowed chat".
	DefaultChatID int64 `yaml:"default_chat_id"`
	// Usernames maps a Telegram user ID to the viewer username a login
	// link is issued for. Unmapped allowed users get the first configured user.
	Usernames map[int64]string `yaml:"usernames"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

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
	MaxAge         int      `yaml:"max_age"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	// PublicURL is the externally reachable base URL used in login links.
	// Empty derives http://<bind_addr>.
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`

	// FrontendDir overrides the embedded viewer bundle when set.
	FrontendDir string `yaml:"frontend_dir"`
	// LogDir holds the daily bot-YYYY-MM-DD.log files. Relative paths are
	// resolved against HomeDir.
	LogDir      string `yaml:"log_dir"`
	MaxLogLines int    `yaml:"max_log_lines"`
	DedupPolicy string `yaml:"dedup_policy"`

	TokenFile         string   `yaml:"token_file"`
	TokenTTLMinutes   int      `yaml:"token_ttl_minutes"`
	TokenSweepSeconds int      `yaml:"token_sweep_seconds"`
	Users             []string `yaml:"users"`
	// AllowPublicTokenIssuance enables GET /login/{username}. When false,
	// tokens are only issued through the in-chat login command.
	AllowPublicTokenIssuance bool `yaml:"allow_public_token_issuance"`

	// RetentionDays is the age after which daily log files are deleted.
	// 0 keeps log files forever.
	RetentionDays     int    `yaml:"retention_days"`
	RetentionSchedule string `yaml:"retention_schedule"`

	// RelayTimeoutSeconds bounds a relayed adapter call. 0 waits forever.
	RelayTimeoutSeconds int `yaml:"relay_timeout_seconds"`

	// CommandHistoryDays is how long relayed commands are kept in the
	// history database. 0 keeps them forever.
	CommandHistoryDays int `yaml:"command_history_days"`

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Channels  ChannelsConfig  `yaml:"channels"`
}

// TokenTTL returns the configured token lifetime.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// TokenSweepInterval returns the expired-token sweep interval.
func (c Config) TokenSweepInterval() time.Duration {
	return time.Duration(c.TokenSweepSeconds) * time.Second
}

// RelayTimeout returns the relay call bound, zero when unbounded.
func (c Config) RelayTimeout() time.Duration {
	return time.Duration(c.RelayTimeoutSeconds) * time.Second
}

// LogDirPath returns LogDir resolved against HomeDir.
func (c Config) LogDirPath() string {
	return c.resolve(c.LogDir)
}

// TokenFilePath returns TokenFile resolved against HomeDir.
func (c Config) TokenFilePath() string {
	return c.resolve(c.TokenFile)
}

// BaseURL returns the externally reachable viewer URL without a trailing slash.
func (c Config) BaseURL() string {
	if u := strings.TrimSpace(c.PublicURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://" + c.BindAddr
}

// HasUser reports whether username is a configured viewer user.
func (c Config) HasUser(username string) bool {
	for _, u := range c.Users {
		if u == username {
			return true
		}
	}
	return false
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|lines=%d|dedup=%s|ttl=%d|public=%t|retention=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.MaxLogLines, c.DedupPolicy, c.TokenTTLMinutes,
		c.AllowPublicTokenIssuance, c.RetentionDays, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:           "127.0.0.1:8000",
		LogLevel:           "info",
		LogDir:             "logs",
		MaxLogLines:        500,
		DedupPolicy:        DedupContent,
		TokenFile:          "tokens.json",
		TokenTTLMinutes:    30,
		TokenSweepSeconds:  60,
		Users:              []string{"admin"},
		RetentionDays:      2,
		RetentionSchedule:  "@every 24h",
		CommandHistoryDays: 30,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 30,
			BurstSize:         5,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("YUNKIT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".yunkit")
}

// Load reads config.yaml from HomeDir(). A missing file yields defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create yunkit home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}
	if cfg.MaxLogLines <= 0 {
		cfg.MaxLogLines = 500
	}
	cfg.DedupPolicy = strings.ToLower(strings.TrimSpace(cfg.DedupPolicy))
	if cfg.DedupPolicy == "" {
		cfg.DedupPolicy = DedupContent
	}
	if cfg.TokenFile == "" {
		cfg.TokenFile = "tokens.json"
	}
	if cfg.TokenTTLMinutes <= 0 {
		cfg.TokenTTLMinutes = 30
	}
	if cfg.TokenSweepSeconds <= 0 {
		cfg.TokenSweepSeconds = 60
	}
	if len(cfg.Users) == 0 {
		cfg.Users = []string{"admin"}
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = 0
	}
	if strings.TrimSpace(cfg.RetentionSchedule) == "" {
		cfg.RetentionSchedule = "@every 24h"
	}
	if cfg.RelayTimeoutSeconds < 0 {
		cfg.RelayTimeoutSeconds = 0
	}
}

func validate(cfg Config) error {
	switch cfg.DedupPolicy {
	case DedupContent, DedupUnique:
	default:
		return fmt.Errorf("dedup_policy %q: must be %q or %q", cfg.DedupPolicy, DedupContent, DedupUnique)
	}
	for _, u := range cfg.Users {
		if strings.TrimSpace(u) == "" || strings.ContainsAny(u, "/?#") {
			return fmt.Errorf("users: invalid username %q", u)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("YUNKIT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("YUNKIT_PUBLIC_URL"); raw != "" {
		cfg.PublicURL = raw
	}
	if raw := os.Getenv("YUNKIT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("YUNKIT_FRONTEND_DIR"); raw != "" {
		cfg.FrontendDir = raw
	}
	if raw := os.Getenv("YUNKIT_MAX_LOG_LINES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxLogLines = v
		}
	}
	if raw := os.Getenv("YUNKIT_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RetentionDays = v
		}
	}
	if raw := os.Getenv("YUNKIT_PUBLIC_TOKEN_ISSUANCE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.AllowPublicTokenIssuance = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
