package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "labbox.yaml", `
workspace: /tmp/lb-ws
data_dir: /tmp/lb-data
sandbox:
  type: docker
  timeout_seconds: 10
  limits:
    memory_bytes: 268435456
    max_processes: 32
  docker:
    image: python:3.12-slim
egress:
  enabled: true
  allowlist: ["pypi.org", "*.pythonhosted.org"]
storage:
  driver: sqlite
gateways:
  http:
    enabled: true
    listen_addr: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.RuntimeType() != SandboxDocker {
		t.Errorf("runtime = %q", cfg.Sandbox.RuntimeType())
	}
	if cfg.Sandbox.Timeout() != 10*time.Second {
		t.Errorf("timeout = %s", cfg.Sandbox.Timeout())
	}
	if cfg.Sandbox.Limits.MaxProcesses != 32 {
		t.Errorf("max_processes = %d", cfg.Sandbox.Limits.MaxProcesses)
	}
	if !cfg.Egress.Active() {
		t.Error("egress should be active with a non-empty allowlist")
	}
	if cfg.StorageDriverName() != DriverSQLite {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if cfg.DatabasePath() != filepath.Join("/tmp/lb-data", "labbox.db") {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
	if cfg.Snapshots.CodeFilename != "main.py" {
		t.Errorf("code filename default = %q", cfg.Snapshots.CodeFilename)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "labbox.json", `{"data_dir": "/tmp/lb", "sandbox": {"type": "process"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorageDriverName() != DriverFilesystem {
		t.Errorf("driver = %q, want filesystem", cfg.StorageDriverName())
	}
	if cfg.HistoryDir() != filepath.Join("/tmp/lb", "history") {
		t.Errorf("history dir = %q", cfg.HistoryDir())
	}
	if cfg.Sandbox.Timeout() != 30*time.Second {
		t.Errorf("default timeout = %s", cfg.Sandbox.Timeout())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LABBOX_DATA_DIR", "/tmp/from-env")
	t.Setenv("LABBOX_STORAGE_DRIVER", "postgres")
	t.Setenv("LABBOX_POSTGRES_DSN", "postgres://u:p@localhost/labbox")
	t.Setenv("LABBOX_API_KEY", "secret")

	path := writeConfig(t, "labbox.yaml", "data_dir: /tmp/from-file\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/from-env" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.StorageDriverName() != DriverPostgres {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if cfg.Gateways.HTTP.APIKeyUserMapping["secret"] != "default" {
		t.Errorf("api key mapping = %v", cfg.Gateways.HTTP.APIKeyUserMapping)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad runtime", "sandbox:\n  type: vm\n", "sandbox.type"},
		{"negative timeout", "sandbox:\n  timeout_seconds: -1\n", "timeout_seconds"},
		{"negative limit", "sandbox:\n  limits:\n    memory_bytes: -5\n", "limits"},
		{"negative scratch cap", "sandbox:\n  scratch_max_bytes: -1\n", "scratch_max_bytes"},
		{"bad driver", "storage:\n  driver: mongo\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn"},
		{"bad allowlist", "egress:\n  allowlist: [\"https://pypi.org/simple\"]\n", "allowlist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "labbox.yaml", tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Setenv("LABBOX_DATA_DIR", t.TempDir())
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Sandbox.RuntimeType() != SandboxProcess {
		t.Errorf("runtime = %q", cfg.Sandbox.RuntimeType())
	}
	if cfg.Gateways.HTTP == nil || cfg.Gateways.HTTP.ListenAddr != ":8080" {
		t.Errorf("http gateway = %+v", cfg.Gateways.HTTP)
	}
	if cfg.Sandbox.Process.ShareHostNetwork {
		t.Error("default process runtime shares the host network")
	}
	if cfg.Sandbox.ScratchMaxBytes != 512<<20 {
		t.Errorf("scratch_max_bytes = %d, want 512 MiB", cfg.Sandbox.ScratchMaxBytes)
	}
}

func TestEgressConfig_ProxyURL(t *testing.T) {
	e := EgressConfig{}
	if got := e.ProxyURL(); got != "http://127.0.0.1:3128" {
		t.Errorf("ProxyURL() = %q", got)
	}
	e.AdvertiseURL = "http://labbox-egress:3128"
	if got := e.ProxyURL(); got != "http://labbox-egress:3128" {
		t.Errorf("ProxyURL() = %q", got)
	}
}
