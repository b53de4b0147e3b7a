package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Broker.FrontendAddr != "localhost:5555" {
		t.Errorf("frontend addr: %s", cfg.Broker.FrontendAddr)
	}
	if cfg.DataStore.Addr != "localhost:6011" {
		t.Errorf("datastore addr: %s", cfg.DataStore.Addr)
	}
	if cfg.Broker.HeartbeatTimeout() != 4*time.Second {
		t.Errorf("heartbeat timeout: %v", cfg.Broker.HeartbeatTimeout())
	}
	if cfg.Broker.RequestTimeout() != 30*time.Second {
		t.Errorf("broker request timeout: %v", cfg.Broker.RequestTimeout())
	}
	if cfg.Server.HeartbeatInterval() != 2*time.Second {
		t.Errorf("heartbeat interval: %v", cfg.Server.HeartbeatInterval())
	}
	if cfg.Server.ElectionInterval() != 12*time.Second {
		t.Errorf("election interval: %v", cfg.Server.ElectionInterval())
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rede.yaml")
	data := []byte("app_name: test-cluster\nbroker:\n  frontend_addr: \"10.0.0.1:7000\"\n  heartbeat_timeout_seconds: 6\n")
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DATASTORE_ADDR", "10.0.0.2:7011")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AppName != "test-cluster" {
		t.Errorf("app name: %s", cfg.AppName)
	}
	if cfg.Broker.FrontendAddr != "10.0.0.1:7000" {
		t.Errorf("frontend addr: %s", cfg.Broker.FrontendAddr)
	}
	if cfg.Broker.HeartbeatTimeoutSeconds != 6 {
		t.Errorf("heartbeat timeout: %d", cfg.Broker.HeartbeatTimeoutSeconds)
	}
	// Unset fields fall back to defaults.
	if cfg.Broker.BackendAddr != "localhost:6000" {
		t.Errorf("backend addr: %s", cfg.Broker.BackendAddr)
	}
	// Environment wins over both file and defaults.
	if cfg.DataStore.Addr != "10.0.0.2:7011" {
		t.Errorf("datastore addr: %s", cfg.DataStore.Addr)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rede.yaml")
	data := []byte("broker:\n  heartbeat_timeout_seconds: -2\n")
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(file); err == nil {
		t.Error("expected validation error for negative timeout")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
