package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tedge-io/tedge-agent/internal/config"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	root := config.Root(t.TempDir())
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.Bind.Port != 1883 {
		t.Errorf("MQTT.Bind.Port = %d, want 1883", cfg.MQTT.Bind.Port)
	}
	if len(cfg.ActiveClouds()) != 0 {
		t.Errorf("ActiveClouds() = %v, want none", cfg.ActiveClouds())
	}
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	root := config.Root(dir)
	writeFile(t, root.TomlPath(), `
config.version = "2"

[device]
id = "my-device"

[c8y]
url = "example.cumulocity.com"

[mqtt.bind]
port = 1883
`)
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Device.ID != "my-device" {
		t.Errorf("Device.ID = %q, want my-device", cfg.Device.ID)
	}
	if cfg.C8y.URL != "example.cumulocity.com" {
		t.Errorf("C8y.URL = %q", cfg.C8y.URL)
	}
	if got, want := cfg.ActiveClouds(), []string{"c8y"}; len(got) != 1 || got[0] != want[0] {
		t.Errorf("ActiveClouds() = %v, want %v", got, want)
	}
}

func TestLoadMigratesLegacyMQTTPort(t *testing.T) {
	dir := t.TempDir()
	root := config.Root(dir)
	writeFile(t, root.TomlPath(), `
config.version = "1"

[mqtt]
port = 1884
address = "0.0.0.0"
`)
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.Bind.Port != 1884 {
		t.Errorf("MQTT.Bind.Port = %d, want 1884 (migrated)", cfg.MQTT.Bind.Port)
	}
	if cfg.MQTT.Bind.Address != "0.0.0.0" {
		t.Errorf("MQTT.Bind.Address = %q, want 0.0.0.0 (migrated)", cfg.MQTT.Bind.Address)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	root := config.Root(t.TempDir())
	t.Setenv("TEDGE_C8Y_URL", "override.example.com")
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.C8y.URL != "override.example.com" {
		t.Errorf("C8y.URL = %q, want override.example.com", cfg.C8y.URL)
	}
}
