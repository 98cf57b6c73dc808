package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, dataDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, dataDir)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.DisplayName != DefaultDisplayName || firstCfg.ServiceID != DefaultServiceID {
		t.Fatalf("unexpected defaults %+v", firstCfg)
	}
	if firstCfg.LAN.PortMode != PortModeAutomatic || firstCfg.LAN.ListenAddress() != ":0" {
		t.Fatalf("expected automatic port mode, got %+v", firstCfg.LAN)
	}
	if firstCfg.LAN.DecisionTimeoutSeconds != DefaultDecisionTimeoutSeconds {
		t.Fatalf("expected default decision timeout, got %d", firstCfg.LAN.DecisionTimeoutSeconds)
	}
	wantLog := filepath.Join(tempDir, "logs", "helphub.log")
	if len(firstCfg.Log.Outputs) != 1 || firstCfg.Log.Outputs[0] != wantLog || !firstCfg.Log.Rotation.Enable {
		t.Fatalf("expected rotated file output %q, got %+v", wantLog, firstCfg.Log)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	partial := &DeviceConfig{
		DeviceID:    "field-unit-7",
		DisplayName: "Medic",
		LAN:         LANConfig{ListeningPort: 9100},
		Log:         LogConfig{Level: "debug", Outputs: []string{"stderr"}},
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "field-unit-7" || cfg.DisplayName != "Medic" {
		t.Fatalf("user fields must be retained, got %+v", cfg)
	}
	if cfg.ServiceID != DefaultServiceID {
		t.Fatalf("expected service id default, got %q", cfg.ServiceID)
	}
	if cfg.LAN.PortMode != PortModeFixed || cfg.LAN.ListenAddress() != ":9100" {
		t.Fatalf("expected a set port to imply fixed mode, got %+v", cfg.LAN)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" || len(cfg.Log.Outputs) != 1 || cfg.Log.Outputs[0] != "stderr" {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.ServiceID != DefaultServiceID {
		t.Fatalf("normalized config must be saved back, got %+v", reloaded)
	}
}

func TestEnvOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	t.Setenv("HELPHUB_DISPLAY_NAME", "Night Shift")
	t.Setenv("HELPHUB_LAN_LISTENING_PORT", "9200")
	t.Setenv("HELPHUB_LAN_PORT_MODE", PortModeFixed)
	t.Setenv("HELPHUB_LOG_OUTPUTS", "stderr,"+filepath.Join(tempDir, "extra.log"))

	cfg, cfgPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DisplayName != "Night Shift" || cfg.LAN.ListenAddress() != ":9200" {
		t.Fatalf("expected overrides applied, got %+v", cfg)
	}
	if len(cfg.Log.Outputs) != 2 || cfg.Log.Outputs[0] != "stderr" {
		t.Fatalf("expected split outputs, got %v", cfg.Log.Outputs)
	}

	onDisk, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if onDisk.DisplayName != DefaultDisplayName || onDisk.LAN.PortMode != PortModeAutomatic {
		t.Fatalf("overrides must not be saved, got %+v", onDisk)
	}

	t.Setenv("HELPHUB_LAN_PORT_MODE", "sometimes")
	if _, _, _, err := LoadOrCreate(); err == nil {
		t.Fatalf("expected error for invalid port mode override")
	}
}
