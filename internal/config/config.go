package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetpanel/fleet-server/internal/auth"
	"github.com/fleetpanel/fleet-server/internal/integration"
)

// DefaultPath is where the server looks for its config file.
const DefaultPath = "config/fleet-server.yml"

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	API          APIConfig          `yaml:"api"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Storage      StorageConfig      `yaml:"storage"`
	Device       DeviceConfig       `yaml:"device"`
	NATS         NATSConfig         `yaml:"nats"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	Notify       NotifyConfig       `yaml:"notify"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents the device-facing HTTP configuration
type APIConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	PublicDir      string        `yaml:"public_dir"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CORSOrigins    []string      `yaml:"cors_origins"`
}

// TelegramConfig represents the operator bot configuration
type TelegramConfig struct {
	Token       string  `yaml:"token"`
	AdminIDs    []int64 `yaml:"admin_ids"`
	PollTimeout int     `yaml:"poll_timeout"`
	Debug       bool    `yaml:"debug"`
}

// StorageConfig represents persistence configuration
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DeviceConfig represents device bookkeeping configuration
type DeviceConfig struct {
	OnlineWindow time.Duration `yaml:"online_window"`
	SMSLogLimit  int           `yaml:"sms_log_limit"`
	SMSLogPage   int           `yaml:"sms_log_page"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	ClientName    string `yaml:"client_name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// IntegrationsConfig represents external forwarding configuration
type IntegrationsConfig struct {
	HTTP integration.HTTPConfig `yaml:"http"`
	MQTT integration.MQTTConfig `yaml:"mqtt"`
}

// NotifyConfig represents notification fan-out configuration
type NotifyConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:    "fleet-server",
			Version: "1.0.0",
		},
		API: APIConfig{
			Host:           "0.0.0.0",
			Port:           3000,
			PublicDir:      "public",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			RequestTimeout: 30 * time.Second,
			CORSOrigins:    []string{"*"},
		},
		Telegram: TelegramConfig{
			PollTimeout: 60,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "data/fleet.db",
		},
		Device: DeviceConfig{
			OnlineWindow: 60 * time.Second,
			SMSLogLimit:  500,
			SMSLogPage:   20,
		},
		NATS: NATSConfig{
			ClientName:    "fleet-server",
			SubjectPrefix: "fleet",
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from file on top of the defaults. An empty
// filename skips the file and uses defaults plus environment.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply environment overrides
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() error {
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		c.Telegram.Token = token
	}

	if ids := os.Getenv("FLEET_ADMIN_IDS"); ids != "" {
		parsed, err := auth.ParseIDs(ids)
		if err != nil {
			return fmt.Errorf("FLEET_ADMIN_IDS: %w", err)
		}
		c.Telegram.AdminIDs = parsed
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Storage.DSN = dsn
		if os.Getenv("STORAGE_DRIVER") == "" {
			c.Storage.Driver = "postgres"
		}
	}

	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if port := os.Getenv("API_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("API_PORT: %w", err)
		}
		c.API.Port = p
	}

	if dir := os.Getenv("WEB_DIR"); dir != "" {
		c.API.PublicDir = dir
	}

	return nil
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	var errs []error

	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}

	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if c.Device.OnlineWindow <= 0 {
		errs = append(errs, errors.New("device.online_window must be positive"))
	}
	if c.Device.SMSLogLimit <= 0 {
		errs = append(errs, errors.New("device.sms_log_limit must be positive"))
	}
	if c.Device.SMSLogPage <= 0 {
		errs = append(errs, errors.New("device.sms_log_page must be positive"))
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	if c.Integrations.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("integrations.mqtt.qos %d out of range", c.Integrations.MQTT.QoS))
	}

	return errors.Join(errs...)
}

// Addr returns the HTTP listen address.
func (c *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
