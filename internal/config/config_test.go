package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBase() *Config {
	cfg := &Config{}
	cfg.Serial.Port = "/dev/ttyUSB0"
	cfg.applyDefaults()
	return cfg
}

func TestValidate_RequiresSerialPort(t *testing.T) {
	cfg := validBase()
	require.NoError(t, cfg.Validate())

	cfg.Serial.Port = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_ModuleRules(t *testing.T) {
	base := func() *Config {
		cfg := validBase()
		cfg.Modules = []ModuleConfig{
			{ModuleID: 1, Address: 5, Name: "gate", Type: "barrier"},
		}
		return cfg
	}
	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Modules[0].ModuleID = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Modules[0].Name = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Modules[0].Address = 256
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Modules[0].PulseDurationMs = -1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Modules = append(cfg.Modules, ModuleConfig{ModuleID: 2, Address: 5, Name: "dup", Type: "door"})
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Modules = append(cfg.Modules, ModuleConfig{ModuleID: 1, Address: 6, Name: "dup-id", Type: "door"})
	assert.Error(t, cfg.Validate())
}

func TestValidate_TicketCapabilityCrossCheck(t *testing.T) {
	cfg := validBase()
	cfg.Modules = []ModuleConfig{
		{ModuleID: 1, Address: 5, Name: "reader", Type: "card_reader", RequiresTicketValidation: true},
	}
	assert.Error(t, cfg.Validate())

	cfg.Modules[0].Type = "ticket_dispenser"
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_YAMLAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serial:
  port: /dev/ttyS1
  baud_rate: 19200
scheduler:
  polling_interval_ms: 50
modules:
  - module_id: 1
    address: 7
    name: main-gate
    type: barrier
    peer_exit_module_id: 2
  - module_id: 2
    address: 8
    name: exit-gate
    type: barrier
    peer_entry_module_id: 1
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/dev/ttyS1", cfg.Serial.Port)
	assert.Equal(t, 19200, cfg.Serial.BaudRate)
	assert.Equal(t, 50, cfg.Scheduler.PollingIntervalMs)
	assert.Equal(t, 8, cfg.Serial.DataBits)     // default
	assert.Equal(t, 3, cfg.Scheduler.MaxRetriesDefault) // default
	require.Len(t, cfg.Modules, 2)
	require.NotNil(t, cfg.Modules[0].PeerExitModuleID)
	assert.Equal(t, 2, *cfg.Modules[0].PeerExitModuleID)

	rc := cfg.Modules[0].ToRegistryConfig()
	assert.Equal(t, "main-gate", rc.Name)
	assert.NotNil(t, rc.PeerExitModuleID)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("FIELDCTL_SERIAL_PORT", "/dev/ttyUSB9")
	t.Setenv("FIELDCTL_SCHEDULER_POLLING_INTERVAL_MS", "25")

	cfg := validBase()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/dev/ttyUSB9", cfg.Serial.Port)
	assert.Equal(t, 25, cfg.Scheduler.PollingIntervalMs)
}

func TestMovementEpoch(t *testing.T) {
	cfg := validBase()
	assert.Equal(t, time.Date(2007, 6, 1, 0, 0, 0, 0, time.UTC), cfg.MovementEpoch())

	cfg.ID.MovementEpochBase = "2020-01-02"
	assert.Equal(t, time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), cfg.MovementEpoch())
}
