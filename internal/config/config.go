// Package config handles loading and validating labbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/labbox/internal/domain"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Storage drivers.
const (
	DriverFilesystem = "filesystem"
	DriverSQLite     = "sqlite"
	DriverPostgres   = "postgres"
)

// Sandbox runtimes.
const (
	SandboxProcess = "process"
	SandboxDocker  = "docker"
)

// Config is the root configuration for labbox.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Scratch root. Default: ~/.labbox/workspace. Override: LABBOX_WORKSPACE.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // History root. Default: ~/.labbox/data. Override: LABBOX_DATA_DIR.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Egress        EgressConfig         `json:"egress" yaml:"egress"`
	Artifacts     ArtifactsConfig      `json:"artifacts" yaml:"artifacts"`
	Snapshots     SnapshotsConfig      `json:"snapshots" yaml:"snapshots"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = filesystem backend under data_dir
	Sessions      SessionsConfig       `json:"sessions" yaml:"sessions"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// SandboxConfig configures the isolate supervisor and its runtime.
type SandboxConfig struct {
	Type                string                `json:"type" yaml:"type"`                                   // "process" (default) or "docker"
	Interpreter         string                `json:"interpreter" yaml:"interpreter"`                     // Guest interpreter. Default: "python3".
	TimeoutSeconds      int                   `json:"timeout_seconds" yaml:"timeout_seconds"`             // Wall-clock deadline per execution. Default: 30.
	StartTimeoutSeconds int                   `json:"start_timeout_seconds" yaml:"start_timeout_seconds"` // Kernel handshake deadline. Default: 20.
	KillGraceSeconds    int                   `json:"kill_grace_seconds" yaml:"kill_grace_seconds"`       // Per-isolate forced-kill budget. Default: 5.
	IdleTTLSeconds      int                   `json:"idle_ttl_seconds" yaml:"idle_ttl_seconds"`           // Idle isolates are reaped after this. Default: 900.
	MaxIsolates         int                   `json:"max_isolates" yaml:"max_isolates"`                   // 0 = unlimited.
	MaxOutputBytes      int                   `json:"max_output_bytes" yaml:"max_output_bytes"`           // Per-stream cap. Default: 1 MiB.
	ScratchMaxBytes     int64                 `json:"scratch_max_bytes" yaml:"scratch_max_bytes"`         // Total size of a session's scratch area. Default: 512 MiB.
	Limits              domain.ResourceLimits `json:"limits" yaml:"limits"`
	Docker              DockerSandboxConfig   `json:"docker" yaml:"docker"`
	Process             ProcessSandboxConfig  `json:"process" yaml:"process"`
}

// Timeout returns the per-execution deadline.
func (s *SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// StartTimeout returns the isolate start deadline.
func (s *SandboxConfig) StartTimeout() time.Duration {
	if s.StartTimeoutSeconds > 0 {
		return time.Duration(s.StartTimeoutSeconds) * time.Second
	}
	return 20 * time.Second
}

// KillGrace returns how long a forced kill may take before it is abandoned.
func (s *SandboxConfig) KillGrace() time.Duration {
	if s.KillGraceSeconds > 0 {
		return time.Duration(s.KillGraceSeconds) * time.Second
	}
	return 5 * time.Second
}

// IdleTTL returns how long an idle isolate stays warm.
func (s *SandboxConfig) IdleTTL() time.Duration {
	if s.IdleTTLSeconds > 0 {
		return time.Duration(s.IdleTTLSeconds) * time.Second
	}
	return 15 * time.Minute
}

// RuntimeType returns the configured runtime, defaulting to "process".
func (s *SandboxConfig) RuntimeType() string {
	if s.Type != "" {
		return s.Type
	}
	return SandboxProcess
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image          string  `json:"image" yaml:"image"`                     // Runtime image. Default: "python:3.12-slim".
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`             // --cpus. 0 = 1.0.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`           // --pids-limit. 0 = 64.
	Network        string  `json:"network" yaml:"network"`                 // Network used when egress is allowed. Must reach the proxy only.
	SeccompProfile string  `json:"seccomp_profile" yaml:"seccomp_profile"` // Path to a seccomp JSON profile. Empty = docker default.
	User           string  `json:"user" yaml:"user"`                       // Default: "65534:65534".
	TmpfsSizeMB    int     `json:"tmpfs_size_mb" yaml:"tmpfs_size_mb"`     // /tmp size. Default: 64.
}

// ProcessSandboxConfig holds settings for the host process runtime.
type ProcessSandboxConfig struct {
	// ShareHostNetwork runs the kernel in the host network namespace. By
	// default a kernel without egress gets a fresh one via unshare(1), and
	// isolates fail to start when unshare is missing.
	ShareHostNetwork bool `json:"share_host_network" yaml:"share_host_network"`
}

// EgressConfig configures the allowlisting forward proxy.
type EgressConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	ListenAddr   string   `json:"listen_addr" yaml:"listen_addr"`     // Default: "127.0.0.1:3128".
	AdvertiseURL string   `json:"advertise_url" yaml:"advertise_url"` // Proxy URL handed to isolates. Default: http://<listen_addr>.
	Allowlist    []string `json:"allowlist" yaml:"allowlist"`         // Hosts or "*.suffix" patterns, e.g. "pypi.org", "*.pythonhosted.org".
	// AllowPrivateNetworks lets allowlisted hosts resolve to private or
	// loopback addresses (internal package mirrors).
	AllowPrivateNetworks bool `json:"allow_private_networks" yaml:"allow_private_networks"`
}

// ProxyURL returns the proxy URL isolates should use.
func (e *EgressConfig) ProxyURL() string {
	if e.AdvertiseURL != "" {
		return e.AdvertiseURL
	}
	return "http://" + e.Listen()
}

// Listen returns the proxy listen address.
func (e *EgressConfig) Listen() string {
	if e.ListenAddr != "" {
		return e.ListenAddr
	}
	return "127.0.0.1:3128"
}

// Active reports whether isolates get any network egress at all.
func (e *EgressConfig) Active() bool {
	return e.Enabled && len(e.Allowlist) > 0
}

// ArtifactsConfig bounds artifact collection.
type ArtifactsConfig struct {
	MaxArtifacts     int   `json:"max_artifacts" yaml:"max_artifacts"`           // Default: 50.
	MaxArtifactBytes int64 `json:"max_artifact_bytes" yaml:"max_artifact_bytes"` // Default: 50 MiB.
}

// SnapshotsConfig tunes the snapshot store.
type SnapshotsConfig struct {
	CodeFilename     string `json:"code_filename" yaml:"code_filename"`           // Logical name of the code file in diffs. Default: "main.py".
	MaxCommitRetries int    `json:"max_commit_retries" yaml:"max_commit_retries"` // Head CAS retries. Default: 5.
}

// StorageConfig configures the snapshot persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "filesystem" (default), "sqlite" or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "filesystem".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return DriverFilesystem
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/labbox.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: LABBOX_POSTGRES_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
	ConnectRetries   int    `json:"connect_retries" yaml:"connect_retries"`         // Startup ping retries. Default: 5
}

// SessionsConfig configures session lifecycle maintenance.
type SessionsConfig struct {
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"` // Default: 3600.
	SweepSchedule      string `json:"sweep_schedule" yaml:"sweep_schedule"`             // Cron expression. Default: "*/5 * * * *".
	ReapSchedule       string `json:"reap_schedule" yaml:"reap_schedule"`               // Cron expression. Default: "* * * * *".
	ReconcileSchedule  string `json:"reconcile_schedule" yaml:"reconcile_schedule"`     // Cron expression. Default: "*/10 * * * *".
}

// IdleTimeout returns how long an untouched session is kept.
func (s *SessionsConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds > 0 {
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
	return time.Hour
}

// GatewaysConfig defines which gateways are enabled and their settings.
// Nil pointers mean the gateway is not configured.
type GatewaysConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
	MCP  *MCPGatewayConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	Events              bool              `json:"events" yaml:"events"` // Enable the websocket event stream.
}

// MCPGatewayConfig exposes the sandbox as MCP tools.
type MCPGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Streamable HTTP path on the HTTP gateway. Default: "/mcp".
}

// MCPPath returns the MCP endpoint path with a default of "/mcp".
func (m *MCPGatewayConfig) MCPPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/mcp"
}

// RateLimitConfig configures per-user rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "labbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeStorage bool `json:"include_storage" yaml:"include_storage"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.labbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/labbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".labbox", "config.yaml")
}

// Default returns a configuration usable without any file: process runtime,
// filesystem history under ~/.labbox, HTTP gateway on :8080.
func Default() *Config {
	cfg := &Config{
		Gateways: GatewaysConfig{
			HTTP: &HTTPGatewayConfig{Enabled: true, ListenAddr: ":8080"},
		},
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return Load(resolved)
}

// applyEnv copies LABBOX_* environment overrides into the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("LABBOX_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("LABBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LABBOX_SANDBOX_TYPE"); v != "" {
		c.Sandbox.Type = v
	}
	if v := os.Getenv("LABBOX_STORAGE_DRIVER"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = v
	}
	if v := os.Getenv("LABBOX_POSTGRES_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("LABBOX_API_KEY"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		if c.Gateways.HTTP.APIKeyUserMapping == nil {
			c.Gateways.HTTP.APIKeyUserMapping = make(map[string]string)
		}
		c.Gateways.HTTP.APIKeyUserMapping[v] = "default"
	}
}

func (c *Config) applyDefaults() {
	if c.Sandbox.Interpreter == "" {
		c.Sandbox.Interpreter = "python3"
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = 1 << 20
	}
	if c.Sandbox.ScratchMaxBytes == 0 {
		c.Sandbox.ScratchMaxBytes = 512 << 20
	}
	if c.Artifacts.MaxArtifacts == 0 {
		c.Artifacts.MaxArtifacts = 50
	}
	if c.Artifacts.MaxArtifactBytes == 0 {
		c.Artifacts.MaxArtifactBytes = 50 << 20
	}
	if c.Snapshots.CodeFilename == "" {
		c.Snapshots.CodeFilename = "main.py"
	}
	if c.Snapshots.MaxCommitRetries == 0 {
		c.Snapshots.MaxCommitRetries = 5
	}
	if c.Sessions.SweepSchedule == "" {
		c.Sessions.SweepSchedule = "*/5 * * * *"
	}
	if c.Sessions.ReapSchedule == "" {
		c.Sessions.ReapSchedule = "* * * * *"
	}
	if c.Sessions.ReconcileSchedule == "" {
		c.Sessions.ReconcileSchedule = "*/10 * * * *"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".labbox", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if resolved, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return resolved
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "labbox.db")
}

// HistoryDir returns the root of the filesystem snapshot backend and the
// artifact vault.
func (c *Config) HistoryDir() string {
	return filepath.Join(c.ResolvedDataDir(), "history")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	switch c.Sandbox.RuntimeType() {
	case SandboxProcess, SandboxDocker:
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.StartTimeoutSeconds < 0 || c.Sandbox.KillGraceSeconds < 0 || c.Sandbox.IdleTTLSeconds < 0 {
		return fmt.Errorf("sandbox timeouts must not be negative")
	}
	if c.Sandbox.MaxIsolates < 0 {
		return fmt.Errorf("sandbox.max_isolates must not be negative")
	}
	if c.Sandbox.ScratchMaxBytes < 0 {
		return fmt.Errorf("sandbox.scratch_max_bytes must not be negative")
	}
	l := c.Sandbox.Limits
	if l.MemoryBytes < 0 || l.CPUShares < 0 || l.CPUSeconds < 0 || l.MaxProcesses < 0 || l.MaxOpenFiles < 0 || l.DiskBytes < 0 {
		return fmt.Errorf("sandbox.limits must not be negative")
	}
	if c.Artifacts.MaxArtifacts < 0 || c.Artifacts.MaxArtifactBytes < 0 {
		return fmt.Errorf("artifacts limits must not be negative")
	}
	for _, host := range c.Egress.Allowlist {
		if err := validateAllowEntry(host); err != nil {
			return fmt.Errorf("egress.allowlist: %w", err)
		}
	}
	switch c.StorageDriverName() {
	case DriverFilesystem, DriverSQLite:
	case DriverPostgres:
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use filesystem, sqlite or postgres)", c.Storage.Driver)
	}
	if c.Gateways.HTTP != nil && c.Gateways.HTTP.Enabled && c.Gateways.HTTP.ListenAddr == "" {
		return fmt.Errorf("gateways.http.listen_addr is required when the HTTP gateway is enabled")
	}
	return nil
}

func validateAllowEntry(entry string) error {
	host := strings.TrimPrefix(entry, "*.")
	if host == "" || strings.ContainsAny(host, "/:* ") {
		return fmt.Errorf("invalid host pattern %q", entry)
	}
	return nil
}
