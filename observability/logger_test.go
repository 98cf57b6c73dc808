package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"helphub/config"
)

func TestSetupLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "helphub.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:   "debug",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatalf("SetupLogger failed: %v", err)
	}
	logger.Debug("peer discovered")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"peer discovered"`) {
		t.Fatalf("expected JSON log line, got %q", raw)
	}
}

func TestSetupLoggerHonorsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helphub.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:    "warn",
		Outputs:  []string{path},
		Rotation: config.RotationConfig{Enable: true, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("SetupLogger failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(raw), "hidden") || !strings.Contains(string(raw), "shown") {
		t.Fatalf("unexpected log content %q", raw)
	}
}

func TestSetupLoggerRejectsUnknownSettings(t *testing.T) {
	if _, err := SetupLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := SetupLogger(config.LogConfig{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
