package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the engine configuration, loaded from a TOML file.
type Config struct {
	Project ProjectConfig `toml:"project"`
	Agents  AgentsConfig  `toml:"agents"`
	Passes  PassesConfig  `toml:"passes"`
	Tracker TrackerConfig `toml:"tracker"`
	Retry   RetryConfig   `toml:"retry"`
}

// ProjectConfig describes the repository the engine works on.
type ProjectConfig struct {
	Name     string `toml:"name"`
	RepoDir  string `toml:"repo_dir"`
	DataDir  string `toml:"data_dir"`
	BuildCmd string `toml:"build_cmd"`
	TestCmd  string `toml:"test_cmd"`
}

// AgentsConfig configures the agent subprocesses and worker parallelism.
type AgentsConfig struct {
	Implementer        string `toml:"implementer"`
	Reviewer           string `toml:"reviewer"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
	GraceSeconds       int    `toml:"grace_seconds"`
	NumWorkers         int    `toml:"num_workers"`
}

// PassesConfig configures the periodic planner and quality meta-passes.
type PassesConfig struct {
	PlannerEnabled  bool `toml:"planner_enabled"`
	PlannerInterval int  `toml:"planner_interval"`
	QualityEnabled  bool `toml:"quality_enabled"`
	QualityInterval int  `toml:"quality_interval"`
}

// TrackerConfig configures the external issue tracker.
type TrackerConfig struct {
	Type string `toml:"type"`
	Bin  string `toml:"bin"`
	Path string `toml:"path"` // append-only record file
	Sync bool   `toml:"sync"`
}

// RetryConfig configures retries, backoff, and model escalation.
type RetryConfig struct {
	DefaultModel          string  `toml:"default_model"`
	EscalationModel       string  `toml:"escalation_model"`
	EscalateAfterAttempts int     `toml:"escalate_after_attempts"`
	MaxTotalAttempts      int     `toml:"max_total_attempts"`
	BackoffMSInitial      int     `toml:"backoff_ms_initial"`
	BackoffFactor         float64 `toml:"backoff_factor"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{
			Name:    "project",
			RepoDir: ".",
			DataDir: ".steward",
		},
		Agents: AgentsConfig{
			TimeoutSeconds:     1800,
			IdleTimeoutSeconds: 300,
			GraceSeconds:       10,
			NumWorkers:         2,
		},
		Passes: PassesConfig{
			PlannerEnabled:  true,
			PlannerInterval: 50,
			QualityEnabled:  true,
			QualityInterval: 100,
		},
		Tracker: TrackerConfig{
			Type: "bd",
			Bin:  "bd",
			Path: ".beads/issues.jsonl",
		},
		Retry: RetryConfig{
			DefaultModel:          "standard",
			EscalationModel:       "strong",
			EscalateAfterAttempts: 2,
			MaxTotalAttempts:      6,
			BackoffMSInitial:      1000,
			BackoffFactor:         2.0,
		},
	}
}

// Load reads and validates the configuration at path. Missing fields take
// their defaults; validation failures abort the load.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.Agents.NumWorkers < 1 {
		return fmt.Errorf("agents.num_workers must be >= 1, got %d", c.Agents.NumWorkers)
	}
	if c.Agents.Implementer == "" {
		return fmt.Errorf("agents.implementer is required")
	}
	if c.Agents.Reviewer == "" {
		return fmt.Errorf("agents.reviewer is required")
	}
	if c.Agents.TimeoutSeconds <= 0 {
		return fmt.Errorf("agents.timeout_seconds must be positive")
	}
	if c.Passes.PlannerEnabled && c.Passes.PlannerInterval < 1 {
		return fmt.Errorf("passes.planner_interval must be >= 1 when the planner is enabled")
	}
	if c.Passes.QualityEnabled && c.Passes.QualityInterval < 1 {
		return fmt.Errorf("passes.quality_interval must be >= 1 when the quality pass is enabled")
	}
	if c.Retry.MaxTotalAttempts < 1 {
		return fmt.Errorf("retry.max_total_attempts must be >= 1")
	}
	if c.Retry.EscalateAfterAttempts < 1 {
		return fmt.Errorf("retry.escalate_after_attempts must be >= 1")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1")
	}
	return nil
}

// WallTimeout returns the agent wall timeout as a duration.
func (c *Config) WallTimeout() time.Duration {
	return time.Duration(c.Agents.TimeoutSeconds) * time.Second
}

// IdleTimeout returns the agent idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Agents.IdleTimeoutSeconds) * time.Second
}

// Grace returns the SIGTERM-to-SIGKILL grace period.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.Agents.GraceSeconds) * time.Second
}

// StatePath returns the state store directory.
func (c *Config) StatePath() string {
	return filepath.Join(c.Project.DataDir, "state")
}

// TranscriptPath returns the transcript store directory.
func (c *Config) TranscriptPath() string {
	return filepath.Join(c.Project.DataDir, "transcripts")
}

// SocketPath returns the control-plane unix socket path.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Project.DataDir, "control.sock")
}

// WriteDefault writes a commented default config file, refusing to
// overwrite an existing one.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(defaultConfigText); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

const defaultConfigText = `[project]
name = "project"
repo_dir = "."
data_dir = ".steward"
build_cmd = "make build"
test_cmd = "make test"

[agents]
implementer = "agent implement"
reviewer = "agent review"
timeout_seconds = 1800
idle_timeout_seconds = 300
num_workers = 2

[passes]
planner_enabled = true
planner_interval = 50
quality_enabled = true
quality_interval = 100

[tracker]
type = "bd"
bin = "bd"
path = ".beads/issues.jsonl"
sync = false

[retry]
default_model = "standard"
escalation_model = "strong"
escalate_after_attempts = 2
max_total_attempts = 6
backoff_ms_initial = 1000
backoff_factor = 2.0
`
