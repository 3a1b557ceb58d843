// Package config loads the engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the helmsman engine.
type Config struct {
	Storage      Storage      `yaml:"storage"`
	Server       Server       `yaml:"server"`
	Alpaca       Alpaca       `yaml:"alpaca"`
	Redis        Redis        `yaml:"redis"`
	Logging      Logging      `yaml:"logging"`
	Engine       Engine       `yaml:"engine"`
	Protection   Protection   `yaml:"protection"`
	Capabilities Capabilities `yaml:"capabilities"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	JournalDir string `yaml:"journal_dir"`
}

// Server holds the control-plane HTTP listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	PaperMode bool   `yaml:"paper_mode"`
}

// Redis configures the command-queue transport.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Queue    string `yaml:"queue"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Engine defines reconnect, polling, and command execution parameters.
// Durations are expressed in seconds.
type Engine struct {
	PollIntervalSeconds      int    `yaml:"poll_interval_seconds"`
	SyncMinIntervalSeconds   int    `yaml:"sync_min_interval_seconds"`
	ReconnectBaseSeconds     int    `yaml:"reconnect_base_seconds"`
	ReconnectMaxSeconds      int    `yaml:"reconnect_max_seconds"`
	CommandTimeoutSeconds    int    `yaml:"command_timeout_seconds"`
	CommandWorkers           int    `yaml:"command_workers"`
	DraftTTLSeconds          int    `yaml:"draft_ttl_seconds"`
	KillSwitchRequireConfirm bool   `yaml:"kill_switch_require_confirm"`
	KillSwitchConfirmToken   string `yaml:"kill_switch_confirm_token"`
	StoreRetryAttempts       int    `yaml:"store_retry_attempts"`
	StoreRetryBaseMillis     int    `yaml:"store_retry_base_millis"`
	BrokerRateLimitPerMin    int    `yaml:"broker_rate_limit_per_min"`
}

// Protection defines the default protective-order policy.
type Protection struct {
	TrailPercent     float64  `yaml:"trail_percent"`
	TimeInForce      string   `yaml:"time_in_force"`
	Fallbacks        []string `yaml:"fallbacks"`
	MaxAttempts      int      `yaml:"max_attempts"`
	RetryBaseSeconds int      `yaml:"retry_base_seconds"`
	RetryMaxSeconds  int      `yaml:"retry_max_seconds"`
	ResizeOnFill     bool     `yaml:"resize_on_fill"`
}

// Capabilities is the order-type availability matrix:
// session -> order type -> allowed time-in-force values.
type Capabilities map[string]map[string][]string

// Supports reports whether the given order type and time-in-force are
// available in the session.
func (c Capabilities) Supports(session, orderType, tif string) bool {
	types, ok := c[session]
	if !ok {
		return false
	}
	tifs, ok := types[orderType]
	if !ok {
		return false
	}
	for _, t := range tifs {
		if t == tif {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Duration accessors
// ---------------------------------------------------------------------------

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (e Engine) PollInterval() time.Duration    { return seconds(e.PollIntervalSeconds) }
func (e Engine) SyncMinInterval() time.Duration { return seconds(e.SyncMinIntervalSeconds) }
func (e Engine) ReconnectBase() time.Duration   { return seconds(e.ReconnectBaseSeconds) }
func (e Engine) ReconnectMax() time.Duration    { return seconds(e.ReconnectMaxSeconds) }
func (e Engine) CommandTimeout() time.Duration  { return seconds(e.CommandTimeoutSeconds) }
func (e Engine) DraftTTL() time.Duration        { return seconds(e.DraftTTLSeconds) }
func (e Engine) StoreRetryBase() time.Duration {
	return time.Duration(e.StoreRetryBaseMillis) * time.Millisecond
}

func (p Protection) RetryBase() time.Duration { return seconds(p.RetryBaseSeconds) }
func (p Protection) RetryMax() time.Duration  { return seconds(p.RetryMaxSeconds) }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the built-in configuration, matching the behaviour the
// engine has with an empty file.
func Default() *Config {
	return &Config{
		Storage: Storage{
			SQLitePath: "data/helmsman.db",
			JournalDir: "data/journal",
		},
		Server: Server{Host: "127.0.0.1", Port: 8090},
		Alpaca: Alpaca{
			BaseURL:   "https://paper-api.alpaca.markets",
			PaperMode: true,
		},
		Redis:   Redis{Addr: "localhost:6379", Queue: "helmsman:commands"},
		Logging: Logging{Level: "info"},
		Engine: Engine{
			PollIntervalSeconds:      10,
			SyncMinIntervalSeconds:   3,
			ReconnectBaseSeconds:     1,
			ReconnectMaxSeconds:      30,
			CommandTimeoutSeconds:    15,
			CommandWorkers:           2,
			DraftTTLSeconds:          600,
			KillSwitchRequireConfirm: true,
			StoreRetryAttempts:       3,
			StoreRetryBaseMillis:     100,
			BrokerRateLimitPerMin:    120,
		},
		Protection: Protection{
			TrailPercent:     5,
			TimeInForce:      "gtc",
			Fallbacks:        []string{"stop"},
			MaxAttempts:      3,
			RetryBaseSeconds: 1,
			RetryMaxSeconds:  10,
			ResizeOnFill:     true,
		},
		Capabilities: Capabilities{
			"regular": {
				"trailing_stop": {"day", "gtc"},
				"stop":          {"day", "gtc"},
				"market":        {"day"},
				"limit":         {"day", "gtc"},
			},
			"closed": {
				"stop":  {"gtc"},
				"limit": {"gtc"},
			},
		},
	}
}

// Load reads the YAML configuration file at the given path, parses it over
// the defaults, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.PollIntervalSeconds <= 0 {
		return fmt.Errorf("engine.poll_interval_seconds must be positive")
	}
	if c.Engine.ReconnectMaxSeconds < c.Engine.ReconnectBaseSeconds {
		return fmt.Errorf("engine.reconnect_max_seconds below reconnect_base_seconds")
	}
	if c.Protection.TrailPercent <= 0 {
		return fmt.Errorf("protection.trail_percent must be positive")
	}
	if c.Engine.KillSwitchRequireConfirm && c.Engine.KillSwitchConfirmToken == "" {
		return fmt.Errorf("engine.kill_switch_confirm_token required when confirmation is enabled")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("JOURNAL_DIR"); v != "" {
		cfg.Storage.JournalDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("COMMAND_QUEUE"); v != "" {
		cfg.Redis.Queue = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KILL_SWITCH_CONFIRM_TOKEN"); v != "" {
		cfg.Engine.KillSwitchConfirmToken = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
}
