package controller

import (
	"os"
	"time"

	"github.com/canopy-net/canopy/pkg/errdefs"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return errdefs.Wrap(errdefs.CategoryValidation, "bad duration "+value.Value, err)
	}
	*d = Duration(v)
	return nil
}

// Config carries every controller knob. Zero values are filled in by
// ApplyDefaults, so a partial YAML file or flag set is enough.
type Config struct {
	// ListenAddr is the address the REST and WebSocket listener binds.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the bbolt database.
	DataDir string `yaml:"data_dir"`

	// WorkspaceRoot holds per-lab workspace directories.
	WorkspaceRoot string `yaml:"workspace_root"`

	// LogDir receives overflow job logs.
	LogDir string `yaml:"log_dir"`

	// RedisAddr enables cross-process frame fan-out when set. Empty
	// keeps the broadcaster local-only.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	// JWTSecret enables bearer-token auth on the API and WebSocket
	// surfaces when non-empty.
	JWTSecret string `yaml:"jwt_secret"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	AgentStaleTimeout Duration `yaml:"agent_stale_timeout"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
	EditDebounce      Duration `yaml:"edit_debounce"`

	JobMaxRetries int `yaml:"job_max_retries"`
	JobMaxPerUser int `yaml:"job_max_per_user"`

	// VendorInterfaceOverrides extends the built-in vendor interface
	// alias table, mapping vendor prefixes to the canonical ethN form.
	VendorInterfaceOverrides map[string]string `yaml:"vendor_interface_overrides"`
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8420"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/canopy"
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = c.DataDir + "/workspaces"
	}
	if c.LogDir == "" {
		c.LogDir = c.DataDir + "/job-logs"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.AgentStaleTimeout <= 0 {
		c.AgentStaleTimeout = Duration(90 * time.Second)
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = Duration(60 * time.Second)
	}
	if c.EditDebounce <= 0 {
		c.EditDebounce = Duration(500 * time.Millisecond)
	}
	if c.JobMaxRetries == 0 {
		c.JobMaxRetries = 2
	}
	if c.JobMaxPerUser == 0 {
		c.JobMaxPerUser = 2
	}
}

// LoadFile overlays YAML config from path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errdefs.Wrap(errdefs.CategoryValidation, "failed to read config file", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errdefs.Wrap(errdefs.CategoryValidation, "failed to parse config file", err)
	}
	return nil
}
