// Package config loads and validates the broker's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the broker's full runtime configuration.
type Config struct {
	General    General    `toml:"general"`
	Scheduler  Scheduler  `toml:"scheduler"`
	Lease      Lease      `toml:"lease"`
	Readiness  Readiness  `toml:"readiness"`
	API        API        `toml:"api"`
	Registry   string     `toml:"source_registry"` // path to the Source Registry TOML file
}

// General holds process-wide settings.
type General struct {
	StateDB     string   `toml:"state_db"`
	StateDir    string   `toml:"state_dir"` // review packets, ledger log, provenance map
	DocsDir     string   `toml:"docs_dir"`  // PRD.md / SPEC.md / DECISION_LOG.md live here
	RepoRoot    string   `toml:"repo_root"` // working tree checked for git-clean state
	LockFile    string   `toml:"lock_file"`
	LogLevel    string   `toml:"log_level"`
	ReadOnly    bool     `toml:"read_only"` // disables every write tool call
	BusyTimeout Duration `toml:"busy_timeout"`
}

// Scheduler holds braided round-robin tuning knobs.
type Scheduler struct {
	Lanes           []string `toml:"lanes"`             // canonical lane order; empty = built-in default
	MaxClaimRetries int      `toml:"max_claim_retries"`  // restart budget on lost claim races
	WorkerTypeLanes map[string][]string `toml:"worker_type_lanes"` // worker_type -> allowed lanes
}

// Lease holds Lease Manager tuning.
type Lease struct {
	TTL           Duration `toml:"ttl"`            // default 10m
	ReapInterval  Duration `toml:"reap_interval"`  // periodic sweeper cadence
	MaxRetries    int      `toml:"max_retries"`    // reaps beyond this move a task to dead_letter
}

// Readiness holds the Readiness Gate's score thresholds.
type Readiness struct {
	PRDThreshold          int `toml:"prd_threshold"`
	SPECThreshold         int `toml:"spec_threshold"`
	DecisionLogThreshold  int `toml:"decision_log_threshold"`
}

// API holds the HTTP tool-call surface bind address and auth.
type API struct {
	Bind     string      `toml:"bind"`
	Security APISecurity `toml:"security"`
}

// APISecurity configures token auth for the write-side tool calls.
type APISecurity struct {
	Enabled          bool     `toml:"enabled"`
	AllowedTokens    []string `toml:"allowed_tokens"`
	RequireLocalOnly bool     `toml:"require_local_only"` // when auth is disabled, still reject non-loopback/private callers
	AuditLog         string   `toml:"audit_log"`          // path to a JSON-lines audit trail of control-endpoint calls
}

// DefaultLaneOrder is the canonical lane order used when Scheduler.Lanes is unset.
var DefaultLaneOrder = []string{"backend", "frontend", "qa", "ops", "docs"}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}

	cloned := *cfg
	cloned.Scheduler.Lanes = cloneStringSlice(cfg.Scheduler.Lanes)
	cloned.Scheduler.WorkerTypeLanes = cloneStringSliceMap(cfg.Scheduler.WorkerTypeLanes)
	cloned.API.Security.AllowedTokens = cloneStringSlice(cfg.API.Security.AllowedTokens)
	return &cloned
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringSliceMap(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = cloneStringSlice(v)
	}
	return out
}

// Load reads and validates a broker TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads config from path. It mirrors Load but is named to reflect
// runtime refresh paths (SIGHUP).
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}

	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "broker.db"
	}
	if cfg.General.StateDir == "" {
		cfg.General.StateDir = ".broker"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.BusyTimeout.Duration == 0 {
		cfg.General.BusyTimeout.Duration = 5 * time.Second
	}
	if cfg.General.DocsDir == "" {
		cfg.General.DocsDir = "."
	}
	if cfg.General.RepoRoot == "" {
		cfg.General.RepoRoot = "."
	}

	if len(cfg.Scheduler.Lanes) == 0 {
		cfg.Scheduler.Lanes = append([]string(nil), DefaultLaneOrder...)
	}
	if cfg.Scheduler.MaxClaimRetries == 0 {
		cfg.Scheduler.MaxClaimRetries = 5
	}

	if cfg.Lease.TTL.Duration == 0 {
		cfg.Lease.TTL.Duration = 10 * time.Minute
	}
	if cfg.Lease.ReapInterval.Duration == 0 {
		cfg.Lease.ReapInterval.Duration = 30 * time.Second
	}
	if cfg.Lease.MaxRetries == 0 {
		cfg.Lease.MaxRetries = 5
	}

	if cfg.Readiness.PRDThreshold == 0 {
		cfg.Readiness.PRDThreshold = 80
	}
	if cfg.Readiness.SPECThreshold == 0 {
		cfg.Readiness.SPECThreshold = 80
	}
	if cfg.Readiness.DecisionLogThreshold == 0 {
		cfg.Readiness.DecisionLogThreshold = 30
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8844"
	}
	if cfg.Registry == "" {
		cfg.Registry = filepath.Join(cfg.General.StateDir, "source_registry.toml")
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(cfg.General.StateDB)
	cfg.General.StateDir = ExpandHome(cfg.General.StateDir)
	cfg.General.DocsDir = ExpandHome(cfg.General.DocsDir)
	cfg.General.RepoRoot = ExpandHome(cfg.General.RepoRoot)
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)
	cfg.Registry = ExpandHome(cfg.Registry)
	if cfg.API.Security.AuditLog != "" {
		cfg.API.Security.AuditLog = ExpandHome(cfg.API.Security.AuditLog)
	}
}

func validate(cfg *Config) error {
	if len(cfg.Scheduler.Lanes) == 0 {
		return fmt.Errorf("scheduler.lanes must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Scheduler.Lanes))
	for _, lane := range cfg.Scheduler.Lanes {
		lane = strings.ToLower(strings.TrimSpace(lane))
		if lane == "" {
			return fmt.Errorf("scheduler.lanes contains an empty lane name")
		}
		if _, dup := seen[lane]; dup {
			return fmt.Errorf("scheduler.lanes contains duplicate lane %q", lane)
		}
		seen[lane] = struct{}{}
	}
	if cfg.API.Security.Enabled && len(cfg.API.Security.AllowedTokens) == 0 {
		return fmt.Errorf("api.security.enabled requires at least one allowed_tokens entry")
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
