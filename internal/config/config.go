// Package config loads fieldctl's configuration surface from YAML with
// environment-variable overrides, following the teacher's config.Get()/
// LoadConfig()/applyEnvOverrides() shape.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/wpcfield/fieldctl/internal/ferrors"
	"github.com/wpcfield/fieldctl/internal/registry"
)

type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Policy      PolicyConfig      `yaml:"policy"`
	ID          IDConfig          `yaml:"id"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Events      EventsConfig      `yaml:"events"`
	HTTP        HTTPConfig        `yaml:"http"`
	Modules     []ModuleConfig    `yaml:"modules"`
}

type SerialConfig struct {
	Port               string `yaml:"port"`
	BaudRate           int    `yaml:"baud_rate"`
	Parity             string `yaml:"parity"`
	DataBits           int    `yaml:"data_bits"`
	StopBits           int    `yaml:"stop_bits"`
	RTSEnableDelayMs   int    `yaml:"rts_enable_delay_ms"`
	RTSDisableDelayMs  int    `yaml:"rts_disable_delay_ms"`
	HardwareRS485      bool   `yaml:"hardware_rs485"`
}

type SchedulerConfig struct {
	PollingIntervalMs int `yaml:"polling_interval_ms"`
	MaxRetriesDefault int `yaml:"max_retries_default"`
	BusErrorThreshold int `yaml:"bus_error_threshold"`
}

type PolicyConfig struct {
	AntipassbackWindowHours int `yaml:"antipassback_window_hours"`
	MinStaySeconds          int `yaml:"min_stay_seconds"`
	MinStayWindowMinutes    int `yaml:"min_stay_window_minutes"`
}

type IDConfig struct {
	MovementEpochBase string `yaml:"movement_epoch_base"` // RFC3339 date, e.g. "2007-06-01"
}

type PersistenceConfig struct {
	Driver       string      `yaml:"driver"` // "memory" | "postgres"
	PostgresDSN  string      `yaml:"postgres_dsn"`
	RedisCache   RedisConfig `yaml:"redis_cache"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Prefix  string `yaml:"prefix"`
	TTLSec  int    `yaml:"ttl_sec"`
}

// EventsConfig controls the optional cross-process event fan-out over
// Redis Pub/Sub; the in-process bus is always active regardless.
type EventsConfig struct {
	RedisEnabled bool   `yaml:"redis_enabled"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisPrefix  string `yaml:"redis_prefix"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ModuleConfig is the YAML-shaped form of registry.Config; it mirrors that
// struct field-for-field and is converted via ToRegistryConfig.
type ModuleConfig struct {
	ModuleID                 int    `yaml:"module_id"`
	Address                  int    `yaml:"address"`
	Name                     string `yaml:"name"`
	Type                     string `yaml:"type"`
	PollingOrder             int    `yaml:"polling_order"`
	PulseDurationMs          int    `yaml:"pulse_duration_ms"`
	RequiresTicketValidation bool   `yaml:"requires_ticket_validation"`
	PeerEntryModuleID        *int   `yaml:"peer_entry_module_id"`
	PeerExitModuleID         *int   `yaml:"peer_exit_module_id"`
	MaxRetries               int    `yaml:"max_retries"`
}

func (m ModuleConfig) ToRegistryConfig() registry.Config {
	return registry.Config{
		ModuleID:                 m.ModuleID,
		Address:                  m.Address,
		Name:                     m.Name,
		Type:                     moduleTypeFromString(m.Type),
		PollingOrder:             m.PollingOrder,
		PulseDurationMs:          m.PulseDurationMs,
		RequiresTicketValidation: m.RequiresTicketValidation,
		PeerEntryModuleID:        m.PeerEntryModuleID,
		PeerExitModuleID:         m.PeerExitModuleID,
		MaxRetries:               m.MaxRetries,
	}
}

func moduleTypeFromString(s string) registry.ModuleType {
	switch s {
	case "barrier":
		return registry.ModuleBarrier
	case "turnstile":
		return registry.ModuleTurnstile
	case "door":
		return registry.ModuleDoor
	case "card_reader":
		return registry.ModuleCardReader
	case "ticket_dispenser":
		return registry.ModuleTicketDispenser
	default:
		return registry.ModuleUnknown
	}
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading CONFIG_PATH (default
// "config.yaml") on first call.
func Get() (*Config, error) {
	var loadErr error
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		if verr := cfg.Validate(); verr != nil {
			loadErr = verr
			return
		}
		instance = cfg
	})
	if loadErr != nil {
		return nil, loadErr
	}
	return instance, nil
}

// LoadConfig reads and decodes a YAML file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Serial.Port = getEnv("FIELDCTL_SERIAL_PORT", c.Serial.Port)
	if v := getEnvInt("FIELDCTL_SERIAL_BAUD_RATE", 0); v > 0 {
		c.Serial.BaudRate = v
	}
	c.Serial.Parity = getEnv("FIELDCTL_SERIAL_PARITY", c.Serial.Parity)
	c.Serial.HardwareRS485 = getEnvBool("FIELDCTL_SERIAL_HARDWARE_RS485", c.Serial.HardwareRS485)

	if v := getEnvInt("FIELDCTL_SCHEDULER_POLLING_INTERVAL_MS", 0); v > 0 {
		c.Scheduler.PollingIntervalMs = v
	}
	if v := getEnvInt("FIELDCTL_SCHEDULER_BUS_ERROR_THRESHOLD", 0); v > 0 {
		c.Scheduler.BusErrorThreshold = v
	}

	c.Persistence.Driver = getEnv("FIELDCTL_PERSISTENCE_DRIVER", c.Persistence.Driver)
	c.Persistence.PostgresDSN = getEnv("FIELDCTL_PERSISTENCE_POSTGRES_DSN", c.Persistence.PostgresDSN)
	c.Persistence.RedisCache.Enabled = getEnvBool("FIELDCTL_REDIS_ENABLED", c.Persistence.RedisCache.Enabled)
	c.Persistence.RedisCache.Addr = getEnv("FIELDCTL_REDIS_ADDR", c.Persistence.RedisCache.Addr)

	c.Events.RedisEnabled = getEnvBool("FIELDCTL_EVENTS_REDIS_ENABLED", c.Events.RedisEnabled)
	c.Events.RedisAddr = getEnv("FIELDCTL_EVENTS_REDIS_ADDR", c.Events.RedisAddr)

	c.HTTP.Addr = getEnv("FIELDCTL_HTTP_ADDR", c.HTTP.Addr)
}

func (c *Config) applyDefaults() {
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 9600
	}
	if c.Serial.DataBits == 0 {
		c.Serial.DataBits = 8
	}
	if c.Serial.StopBits == 0 {
		c.Serial.StopBits = 1
	}
	if c.Serial.RTSEnableDelayMs == 0 {
		c.Serial.RTSEnableDelayMs = 10
	}
	if c.Serial.RTSDisableDelayMs == 0 {
		c.Serial.RTSDisableDelayMs = 10
	}
	if c.Scheduler.PollingIntervalMs == 0 {
		c.Scheduler.PollingIntervalMs = 100
	}
	if c.Scheduler.MaxRetriesDefault == 0 {
		c.Scheduler.MaxRetriesDefault = 3
	}
	if c.Scheduler.BusErrorThreshold == 0 {
		c.Scheduler.BusErrorThreshold = 10
	}
	if c.Policy.AntipassbackWindowHours == 0 {
		c.Policy.AntipassbackWindowHours = 48
	}
	if c.Policy.MinStaySeconds == 0 {
		c.Policy.MinStaySeconds = 300
	}
	if c.Policy.MinStayWindowMinutes == 0 {
		c.Policy.MinStayWindowMinutes = 60
	}
	if c.ID.MovementEpochBase == "" {
		c.ID.MovementEpochBase = "2007-06-01"
	}
	if c.Persistence.Driver == "" {
		c.Persistence.Driver = "memory"
	}
	if c.Persistence.RedisCache.Prefix == "" {
		c.Persistence.RedisCache.Prefix = "fieldctl:lastmovement:"
	}
	if c.Persistence.RedisCache.TTLSec == 0 {
		c.Persistence.RedisCache.TTLSec = 300
	}
	if c.Events.RedisAddr == "" {
		c.Events.RedisAddr = "localhost:6379"
	}
	if c.Events.RedisPrefix == "" {
		c.Events.RedisPrefix = "fieldctl:events:"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8090"
	}
}

// Validate checks the load-time invariants spec.md names: serial port and
// baud must be set, and every module must have a usable address, id, name
// and a type whose capability table matches what the config asks of it.
func (c *Config) Validate() error {
	if c.Serial.Port == "" {
		return &ferrors.ConfigError{Field: "serial.port", Cause: fmt.Errorf("must not be empty")}
	}
	if c.Serial.BaudRate <= 0 {
		return &ferrors.ConfigError{Field: "serial.baud_rate", Cause: fmt.Errorf("must be positive")}
	}

	seenAddr := make(map[int]bool)
	seenID := make(map[int]bool)
	for _, m := range c.Modules {
		if m.ModuleID <= 0 {
			return &ferrors.ConfigError{Field: "modules[].module_id", Cause: fmt.Errorf("must be positive")}
		}
		if m.Name == "" {
			return &ferrors.ConfigError{Field: "modules[].name", Cause: fmt.Errorf("must not be empty for module_id=%d", m.ModuleID)}
		}
		if m.Address < 1 || m.Address > 255 {
			return &ferrors.ConfigError{Field: "modules[].address", Cause: fmt.Errorf("must be 1..255 for module %q", m.Name)}
		}
		if m.PulseDurationMs < 0 {
			return &ferrors.ConfigError{Field: "modules[].pulse_duration_ms", Cause: fmt.Errorf("must be >= 0 for module %q", m.Name)}
		}
		if seenAddr[m.Address] {
			return &ferrors.ConfigError{Field: "modules[].address", Cause: fmt.Errorf("duplicate address %d", m.Address)}
		}
		seenAddr[m.Address] = true
		if seenID[m.ModuleID] {
			return &ferrors.ConfigError{Field: "modules[].module_id", Cause: fmt.Errorf("duplicate module_id %d", m.ModuleID)}
		}
		seenID[m.ModuleID] = true

		rt := moduleTypeFromString(m.Type)
		caps := registry.CapabilitiesFor(rt)
		if m.RequiresTicketValidation && !caps.SupportsTickets {
			return &ferrors.ConfigError{Field: "modules[].requires_ticket_validation", Cause: fmt.Errorf("module %q of type %q does not support tickets", m.Name, m.Type)}
		}
	}
	return nil
}

// MovementEpoch parses ID.MovementEpochBase, defaulting to 2007-06-01 UTC on
// any parse error.
func (c *Config) MovementEpoch() time.Time {
	t, err := time.Parse("2006-01-02", c.ID.MovementEpochBase)
	if err != nil {
		return time.Date(2007, 6, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

func (c *PolicyConfig) AntipassbackWindow() time.Duration {
	return time.Duration(c.AntipassbackWindowHours) * time.Hour
}

func (c *PolicyConfig) MinStayInterval() time.Duration {
	return time.Duration(c.MinStaySeconds) * time.Second
}

func (c *PolicyConfig) MinStayWindow() time.Duration {
	return time.Duration(c.MinStayWindowMinutes) * time.Minute
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
