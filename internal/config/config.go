// Package config provides configuration loading and validation for the
// simbiota client daemon.
//
// Configuration file: /etc/simbiota/client.yaml (default)
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., detector threshold ∈ [0, 1000]).
//   - At most one of mount/filesystem per monitored path.
//   - Invalid config on startup: the daemon refuses to start (exit code 1).
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultPath is the default configuration file location.
const DefaultPath = "/etc/simbiota/client.yaml"

// EventKinds is the set of event names accepted in monitor.paths[].mask.
// The names map onto fanotify event bits in internal/fanotify.
var EventKinds = []string{
	"ACCESS",
	"MODIFY",
	"CLOSE_WRITE",
	"CLOSE_NOWRITE",
	"OPEN",
	"OPEN_EXEC",
	"OPEN_PERM",
	"OPEN_EXEC_PERM",
	"ACCESS_PERM",
}

// Config is the root configuration structure for the simbiota client.
// Defaults() gives the default values; monitor.paths and
// database.database_file have none and must be set in the file.
type Config struct {
	// Detector selects and parameterizes the detection engine.
	Detector DetectorConfig `yaml:"detector"`

	// Monitor lists the fanotify mark specifications.
	Monitor MonitorConfig `yaml:"monitor"`

	// Cache configures the verdict memoization layer.
	Cache CacheConfig `yaml:"cache"`

	// Database configures the signature database location.
	Database DatabaseConfig `yaml:"database"`

	// Quarantine configures relocation of detected files.
	Quarantine QuarantineConfig `yaml:"quarantine"`

	// Email configures SMTP detection alerts.
	Email EmailConfig `yaml:"email"`

	// Loggers configures one or more log sinks.
	Loggers []LoggerConfig `yaml:"logger"`

	// Agent holds operational tuning knobs for the event pipeline.
	Agent AgentConfig `yaml:"agent"`

	// Observability configures the optional metrics endpoint.
	Observability ObservabilityConfig `yaml:"observability"`

	// Storage configures the local bbolt registry (quarantine entries
	// and the detection ledger).
	Storage StorageConfig `yaml:"storage"`
}

// DetectorConfig selects the detector class.
type DetectorConfig struct {
	// Class names the detector implementation. Supported: simple_tlsh.
	Class string `yaml:"class"`

	// Config holds class-specific parameters.
	Config DetectorParams `yaml:"config"`
}

// DetectorParams holds simple_tlsh parameters.
type DetectorParams struct {
	// Threshold is the default TLSH distance threshold in [0, 1000].
	// A file matches a signature when the distance is at or below the
	// smaller of this value and the signature's own threshold.
	Threshold int `yaml:"threshold"`
}

// MonitorConfig lists the paths to mark.
type MonitorConfig struct {
	Paths []MarkSpec `yaml:"paths"`
}

// MarkSpec describes one fanotify mark.
type MarkSpec struct {
	// Path is the filesystem object to mark. Required, absolute.
	Path string `yaml:"path"`

	// Dir requires Path to be a directory (FAN_MARK_ONLYDIR).
	Dir bool `yaml:"dir"`

	// Mount marks the whole mount containing Path.
	Mount bool `yaml:"mount"`

	// Filesystem marks the whole filesystem containing Path.
	// Mutually exclusive with Mount.
	Filesystem bool `yaml:"filesystem"`

	// EventOnChildren delivers events for direct children of a marked
	// directory.
	EventOnChildren bool `yaml:"event_on_children"`

	// Mask is the set of event kinds to receive, drawn from EventKinds.
	Mask []string `yaml:"mask"`
}

// CacheConfig configures the verdict cache.
type CacheConfig struct {
	// Disable turns the cache off entirely: lookups always miss and
	// stores are no-ops.
	Disable bool `yaml:"disable"`

	// MaxEntries bounds the number of cached verdicts. Default: 16384.
	MaxEntries int `yaml:"max_entries"`
}

// DatabaseConfig locates the signature database.
type DatabaseConfig struct {
	// DatabaseFile is the absolute path of the signature database.
	// Required. The file is consumed read-only; replacement in place
	// triggers a hot-swap.
	DatabaseFile string `yaml:"database_file"`
}

// QuarantineConfig configures file sequestration.
type QuarantineConfig struct {
	// Enabled turns quarantine on. When false, detections are still
	// denied and alerted but the file is left in place.
	Enabled bool `yaml:"enabled"`

	// Path is the quarantine directory. Required when Enabled.
	// Created 0700 root:root if missing.
	Path string `yaml:"path"`
}

// EmailConfig configures SMTP alerting.
type EmailConfig struct {
	Enabled    bool       `yaml:"enabled"`
	Recipients []string   `yaml:"recipients"`
	SMTP       SMTPConfig `yaml:"smtp"`
}

// SMTPConfig holds SMTP transport parameters.
type SMTPConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Security is one of none, SSL, STARTTLS.
	Security string `yaml:"security"`
}

// LoggerConfig describes one log sink.
type LoggerConfig struct {
	// Output is one of console, file, syslog.
	Output string `yaml:"output"`

	// Level is one of off, error, warn, info, debug, trace.
	Level string `yaml:"level"`

	// Target selects the console stream: stdout or stderr.
	Target string `yaml:"target"`

	// Path is the log file location (file output only).
	Path string `yaml:"path"`

	// Format selects the syslog framing: 3164 or 5424.
	Format string `yaml:"format"`
}

// AgentConfig holds event pipeline tuning.
type AgentConfig struct {
	// Workers is the scan worker pool size. 0 resolves to min(4, nproc)
	// at startup.
	Workers int `yaml:"workers"`

	// EventQueueSize is the bounded queue between the fanotify read
	// loop and the workers. When full, permission events are replied
	// Allow and notification events are dropped. Default: 1024.
	EventQueueSize int `yaml:"event_queue_size"`

	// ResponseDeadlineMS is the soft deadline for permission replies,
	// in milliseconds. On expiry the event is replied Allow and the
	// scan continues asynchronously. Default: 200.
	ResponseDeadlineMS int `yaml:"response_deadline_ms"`
}

// ObservabilityConfig holds the metrics endpoint address.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus bind address (loopback expected).
	// Empty disables the metrics server. Default: "" (disabled).
	MetricsAddr string `yaml:"metrics_addr"`
}

// StorageConfig locates the local registry database.
type StorageConfig struct {
	// RegistryPath is the bbolt file holding quarantine entries and
	// the detection ledger. Default: /var/lib/simbiota/registry.db.
	RegistryPath string `yaml:"registry_path"`

	// RetentionDays is the detection ledger retention. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		Detector: DetectorConfig{
			Class:  "simple_tlsh",
			Config: DetectorParams{Threshold: 40},
		},
		Cache: CacheConfig{
			Disable:    false,
			MaxEntries: 16384,
		},
		Agent: AgentConfig{
			Workers:            0,
			EventQueueSize:     1024,
			ResponseDeadlineMS: 200,
		},
		Storage: StorageConfig{
			RegistryPath:  "/var/lib/simbiota/registry.db",
			RetentionDays: 30,
		},
		Loggers: []LoggerConfig{
			{Output: "console", Level: "info", Target: "stderr"},
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

func validEventKind(name string) bool {
	for _, k := range EventKinds {
		if k == name {
			return true
		}
	}
	return false
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Detector.Class != "simple_tlsh" {
		errs = append(errs, fmt.Sprintf("detector.class must be \"simple_tlsh\", got %q", cfg.Detector.Class))
	}
	if t := cfg.Detector.Config.Threshold; t < 0 || t > 1000 {
		errs = append(errs, fmt.Sprintf("detector.config.threshold must be in [0, 1000], got %d", t))
	}

	if len(cfg.Monitor.Paths) == 0 {
		errs = append(errs, "monitor.paths must list at least one path")
	}
	for i, m := range cfg.Monitor.Paths {
		if m.Path == "" {
			errs = append(errs, fmt.Sprintf("monitor.paths[%d].path must not be empty", i))
		} else if !strings.HasPrefix(m.Path, "/") {
			errs = append(errs, fmt.Sprintf("monitor.paths[%d].path must be absolute, got %q", i, m.Path))
		}
		if m.Mount && m.Filesystem {
			errs = append(errs, fmt.Sprintf("monitor.paths[%d]: at most one of mount/filesystem may be true", i))
		}
		if len(m.Mask) == 0 {
			errs = append(errs, fmt.Sprintf("monitor.paths[%d].mask must not be empty", i))
		}
		for _, k := range m.Mask {
			if !validEventKind(k) {
				errs = append(errs, fmt.Sprintf("monitor.paths[%d].mask: unknown event kind %q", i, k))
			}
		}
	}

	if cfg.Cache.MaxEntries < 1 {
		errs = append(errs, fmt.Sprintf("cache.max_entries must be >= 1, got %d", cfg.Cache.MaxEntries))
	}

	if cfg.Database.DatabaseFile == "" {
		errs = append(errs, "database.database_file is required")
	}

	if cfg.Quarantine.Enabled && cfg.Quarantine.Path == "" {
		errs = append(errs, "quarantine.path is required when quarantine.enabled is true")
	}

	if cfg.Email.Enabled {
		if len(cfg.Email.Recipients) == 0 {
			errs = append(errs, "email.recipients must not be empty when email.enabled is true")
		}
		if cfg.Email.SMTP.Server == "" {
			errs = append(errs, "email.smtp.server is required when email.enabled is true")
		}
		if cfg.Email.SMTP.Port < 1 || cfg.Email.SMTP.Port > 65535 {
			errs = append(errs, fmt.Sprintf("email.smtp.port must be in [1, 65535], got %d", cfg.Email.SMTP.Port))
		}
		switch cfg.Email.SMTP.Security {
		case "none", "SSL", "STARTTLS":
		default:
			errs = append(errs, fmt.Sprintf("email.smtp.security must be one of none/SSL/STARTTLS, got %q", cfg.Email.SMTP.Security))
		}
	}

	for i, l := range cfg.Loggers {
		switch l.Output {
		case "console":
			switch l.Target {
			case "", "stdout", "stderr":
			default:
				errs = append(errs, fmt.Sprintf("logger[%d].target must be stdout or stderr, got %q", i, l.Target))
			}
		case "file":
			if l.Path == "" {
				errs = append(errs, fmt.Sprintf("logger[%d].path is required for file output", i))
			}
		case "syslog":
			switch l.Format {
			case "", "3164", "5424":
			default:
				errs = append(errs, fmt.Sprintf("logger[%d].format must be 3164 or 5424, got %q", i, l.Format))
			}
		default:
			errs = append(errs, fmt.Sprintf("logger[%d].output must be one of console/file/syslog, got %q", i, l.Output))
		}
		switch l.Level {
		case "off", "error", "warn", "info", "debug", "trace":
		default:
			errs = append(errs, fmt.Sprintf("logger[%d].level must be one of off/error/warn/info/debug/trace, got %q", i, l.Level))
		}
	}

	if cfg.Agent.Workers < 0 || cfg.Agent.Workers > 64 {
		errs = append(errs, fmt.Sprintf("agent.workers must be in [0, 64], got %d", cfg.Agent.Workers))
	}
	if cfg.Agent.EventQueueSize < 16 {
		errs = append(errs, fmt.Sprintf("agent.event_queue_size must be >= 16, got %d", cfg.Agent.EventQueueSize))
	}
	if cfg.Agent.ResponseDeadlineMS < 10 || cfg.Agent.ResponseDeadlineMS > 5000 {
		errs = append(errs, fmt.Sprintf("agent.response_deadline_ms must be in [10, 5000], got %d", cfg.Agent.ResponseDeadlineMS))
	}

	if cfg.Storage.RegistryPath == "" {
		errs = append(errs, "storage.registry_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
