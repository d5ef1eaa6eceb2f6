package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
[store]
dsn = "postgres://conductor@localhost:5432/conductor"
lazy_load = true

[process]
graceful_timeout = "15s"
start_grace = "3s"

[process.log]
dir = "/var/log/conductor"
max_size_mb = 20

[health]
check_timeout = "8s"
cpu_threshold = 85.0
memory_threshold_mb = 4096.0

[monitor]
interval = "20s"
alert_cooldown = "2m"
history_cap = 100

[recovery]
max_attempts = 5
window = "1h"
base_delay = "10s"
multiplier = 3.0
escalate_after = 3

[server]
enabled = true
listen = "0.0.0.0:9090"
base_path = "/api"

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.DSN != "postgres://conductor@localhost:5432/conductor" || !cfg.Store.LazyLoad {
		t.Fatalf("store: %+v", cfg.Store)
	}
	if cfg.Process.GracefulTimeout != 15*time.Second || cfg.Process.Log.Dir != "/var/log/conductor" {
		t.Fatalf("process: %+v", cfg.Process)
	}
	if cfg.Health.CheckTimeout != 8*time.Second || cfg.Health.CPUThreshold != 85.0 {
		t.Fatalf("health: %+v", cfg.Health)
	}
	if cfg.Monitor.Interval != 20*time.Second || cfg.Monitor.HistoryCap != 100 {
		t.Fatalf("monitor: %+v", cfg.Monitor)
	}
	if cfg.Recovery.MaxAttempts != 5 || cfg.Recovery.Window != time.Hour || cfg.Recovery.Multiplier != 3.0 {
		t.Fatalf("recovery: %+v", cfg.Recovery)
	}
	if !cfg.Server.Enabled || cfg.Server.Listen != "0.0.0.0:9090" || cfg.Server.BasePath != "/api" {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log: %+v", cfg.Log)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.DSN != "conductor.db" {
		t.Fatalf("default dsn = %q", cfg.Store.DSN)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Fatalf("default listen = %q", cfg.Server.Listen)
	}
	if cfg.Server.Enabled {
		t.Fatal("server enabled by default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformed(t *testing.T) {
	if _, err := Load(writeConfig(t, "[store\ndsn = ")); err == nil {
		t.Fatal("expected error for malformed TOML")
	}
}
