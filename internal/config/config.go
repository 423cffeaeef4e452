// Package config loads the service configuration from an optional .env file,
// an optional bottlesync.yaml and the environment, applies defaults and
// validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"bottlesync/internal/domain"
)

// OTELConfig defines OpenTelemetry tracing settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// BLEConfig holds the radio and connection session settings.
type BLEConfig struct {
	Adapter     string // BLE_ADAPTER, e.g. "hci0"
	ServiceUUID string
	CommandUUID string
	NamePrefix  string

	ScanTimeout     time.Duration
	DeviceCap       int
	OpTimeout       time.Duration
	SubscribeSettle time.Duration
	DataIdle        time.Duration
	DataTimeout     time.Duration
	AutoReconnect   bool
	ReconnectDelay  time.Duration
	WriteRPS        float64 // GATT writes per second
}

// CadenceConfig maps poll tiers to poll intervals.
type CadenceConfig struct {
	Urgent      time.Duration
	Near        time.Duration
	Approaching time.Duration
	Relaxed     time.Duration
	Idle        time.Duration
}

// OIDCConfig enables single sign-on when Issuer is set.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Config holds all configuration values for the service.
type Config struct {
	Addr   string
	WebDir string

	// Storage
	Store       string // memory|postgres|sqlite
	DatabaseURL string
	SQLitePath  string

	// Logging
	LogLevel  string
	LogPretty bool

	// Default schedule, used until one is stored.
	Schedule domain.ScheduleConfig

	BLE     BLEConfig
	Cadence CadenceConfig
	Poll    bool // start polling at boot

	// Auth
	AuthDisabled bool
	SessionTTL   time.Duration
	OIDC         OIDCConfig

	OTEL OTELConfig
}

var defaults = map[string]any{
	"addr":    ":8080",
	"web_dir": "web",

	"store":        "sqlite",
	"database_url": "",
	"sqlite_path":  "bottlesync.db",

	"log_level":  "info",
	"log_pretty": false,

	"window_start": "08:00",
	"window_end":   "20:00",
	"goal_ml":      2000,
	"serving_ml":   250,

	"ble_adapter":          "hci0",
	"service_uuid":         "0000fff0-0000-1000-8000-00805f9b34fb",
	"command_uuid":         "0000fff2-0000-1000-8000-00805f9b34fb",
	"device_name_prefix":   "H2O",
	"scan_timeout":         "15s",
	"discovery_device_cap": 10,
	"op_timeout":           "10s",
	"subscribe_settle":     "500ms",
	"data_idle":            "2s",
	"data_timeout":         "20s",
	"auto_reconnect":       true,
	"reconnect_delay":      "5s",
	"ble_write_rps":        4.0,

	"cadence_urgent":      "1m",
	"cadence_near":        "2m",
	"cadence_approaching": "5m",
	"cadence_relaxed":     "10m",
	"cadence_idle":        "30m",
	"poll_on_start":       true,

	"auth_disabled":      false,
	"session_ttl":        "24h",
	"oidc_issuer":        "",
	"oidc_client_id":     "",
	"oidc_client_secret": "",
	"oidc_redirect_url":  "",

	"otel_enabled":                false,
	"otel_exporter_otlp_endpoint": "localhost:4317",
	"otel_exporter_otlp_insecure": true,
	"otel_service_name":           "bottlesync",
	"otel_traces_sampler_arg":     1.0,
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads .env, bottlesync.yaml (from BOTTLESYNC_CONFIG_DIR or the working
// directory) and the environment, applies defaults, normalizes values and
// validates the result. Environment variables win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetConfigName("bottlesync")
	v.SetConfigType("yaml")
	if dir := os.Getenv("BOTTLESYNC_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:   v.GetString("addr"),
		WebDir: v.GetString("web_dir"),

		Store:       strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		DatabaseURL: v.GetString("database_url"),
		SQLitePath:  v.GetString("sqlite_path"),

		LogLevel:  strings.ToLower(v.GetString("log_level")),
		LogPretty: v.GetBool("log_pretty"),

		Schedule: domain.ScheduleConfig{
			GoalML:    v.GetInt("goal_ml"),
			ServingML: v.GetInt("serving_ml"),
		},

		BLE: BLEConfig{
			Adapter:         v.GetString("ble_adapter"),
			ServiceUUID:     strings.ToLower(v.GetString("service_uuid")),
			CommandUUID:     strings.ToLower(v.GetString("command_uuid")),
			NamePrefix:      v.GetString("device_name_prefix"),
			ScanTimeout:     v.GetDuration("scan_timeout"),
			DeviceCap:       v.GetInt("discovery_device_cap"),
			OpTimeout:       v.GetDuration("op_timeout"),
			SubscribeSettle: v.GetDuration("subscribe_settle"),
			DataIdle:        v.GetDuration("data_idle"),
			DataTimeout:     v.GetDuration("data_timeout"),
			AutoReconnect:   v.GetBool("auto_reconnect"),
			ReconnectDelay:  v.GetDuration("reconnect_delay"),
			WriteRPS:        v.GetFloat64("ble_write_rps"),
		},

		Cadence: CadenceConfig{
			Urgent:      v.GetDuration("cadence_urgent"),
			Near:        v.GetDuration("cadence_near"),
			Approaching: v.GetDuration("cadence_approaching"),
			Relaxed:     v.GetDuration("cadence_relaxed"),
			Idle:        v.GetDuration("cadence_idle"),
		},
		Poll: v.GetBool("poll_on_start"),

		AuthDisabled: v.GetBool("auth_disabled"),
		SessionTTL:   v.GetDuration("session_ttl"),
		OIDC: OIDCConfig{
			Issuer:       v.GetString("oidc_issuer"),
			ClientID:     v.GetString("oidc_client_id"),
			ClientSecret: v.GetString("oidc_client_secret"),
			RedirectURL:  v.GetString("oidc_redirect_url"),
		},

		OTEL: OTELConfig{
			Enabled:     v.GetBool("otel_enabled"),
			Endpoint:    v.GetString("otel_exporter_otlp_endpoint"),
			Insecure:    v.GetBool("otel_exporter_otlp_insecure"),
			ServiceName: v.GetString("otel_service_name"),
			SampleRatio: v.GetFloat64("otel_traces_sampler_arg"),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	// --- validation ---
	var err error
	if cfg.Schedule.WindowStart, err = domain.ParseTimeOfDay(v.GetString("window_start")); err != nil {
		return cfg, fmt.Errorf("WINDOW_START: %w", err)
	}
	if cfg.Schedule.WindowEnd, err = domain.ParseTimeOfDay(v.GetString("window_end")); err != nil {
		return cfg, fmt.Errorf("WINDOW_END: %w", err)
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return cfg, fmt.Errorf("schedule defaults: %w", err)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return cfg, errors.New("ADDR must not be empty")
	}
	switch cfg.Store {
	case "memory":
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL is required when STORE=postgres")
		}
	case "sqlite":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return cfg, errors.New("SQLITE_PATH must not be empty")
		}
	default:
		return cfg, errors.New("STORE must be one of: memory, postgres, sqlite")
	}

	if cfg.BLE.ServiceUUID == "" && cfg.BLE.NamePrefix == "" {
		return cfg, errors.New("one of SERVICE_UUID or DEVICE_NAME_PREFIX must be set")
	}
	if cfg.BLE.CommandUUID == "" {
		return cfg, errors.New("COMMAND_UUID must not be empty")
	}
	for key, d := range map[string]time.Duration{
		"SCAN_TIMEOUT":    cfg.BLE.ScanTimeout,
		"OP_TIMEOUT":      cfg.BLE.OpTimeout,
		"DATA_IDLE":       cfg.BLE.DataIdle,
		"DATA_TIMEOUT":    cfg.BLE.DataTimeout,
		"RECONNECT_DELAY": cfg.BLE.ReconnectDelay,
		"SESSION_TTL":     cfg.SessionTTL,

		"CADENCE_URGENT":      cfg.Cadence.Urgent,
		"CADENCE_NEAR":        cfg.Cadence.Near,
		"CADENCE_APPROACHING": cfg.Cadence.Approaching,
		"CADENCE_RELAXED":     cfg.Cadence.Relaxed,
		"CADENCE_IDLE":        cfg.Cadence.Idle,
	} {
		if d <= 0 {
			return cfg, fmt.Errorf("%s must be a positive duration", key)
		}
	}
	if cfg.BLE.SubscribeSettle < 0 {
		return cfg, errors.New("SUBSCRIBE_SETTLE must be >= 0")
	}
	if cfg.BLE.DataIdle >= cfg.BLE.DataTimeout {
		return cfg, errors.New("DATA_IDLE must be shorter than DATA_TIMEOUT")
	}
	if cfg.BLE.DeviceCap < 0 {
		return cfg, errors.New("DISCOVERY_DEVICE_CAP must be >= 0")
	}
	if cfg.BLE.WriteRPS <= 0 {
		return cfg, errors.New("BLE_WRITE_RPS must be > 0")
	}
	if cfg.OIDC.Issuer != "" && (cfg.OIDC.ClientID == "" || cfg.OIDC.RedirectURL == "") {
		return cfg, errors.New("OIDC_CLIENT_ID and OIDC_REDIRECT_URL are required when OIDC_ISSUER is set")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}
