package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models steward.yml.
type Config struct {
	ControlPlane struct {
		ID string `yaml:"id"`
	} `yaml:"control_plane"`
	Scheduler SchedulerPolicy `yaml:"scheduler"`
	Targets   []TargetConfig  `yaml:"targets"`
	Auth      struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// SchedulerPolicy holds the admission and safety knobs for dispatch.
type SchedulerPolicy struct {
	MaxOpenPRs         int `yaml:"max_open_prs"`
	MaxAttemptsPerTask int `yaml:"max_attempts_per_task"`
	BreakerThreshold   int `yaml:"breaker_threshold"`
}

// TargetConfig declares a repository under management.
type TargetConfig struct {
	ID          string `yaml:"id"`
	RepoURL     string `yaml:"repo_url"`
	BacklogPath string `yaml:"backlog_path"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with steward init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.ControlPlane.ID == "" {
		return fmt.Errorf("config.control_plane.id is required")
	}
	if c.Scheduler.MaxOpenPRs < 0 {
		return fmt.Errorf("config.scheduler.max_open_prs must not be negative")
	}
	if c.Scheduler.MaxAttemptsPerTask < 0 {
		return fmt.Errorf("config.scheduler.max_attempts_per_task must not be negative")
	}
	if c.Scheduler.BreakerThreshold < 0 {
		return fmt.Errorf("config.scheduler.breaker_threshold must not be negative")
	}
	seen := map[string]bool{}
	for _, t := range c.Targets {
		if t.ID == "" {
			return fmt.Errorf("config.targets contains a target without an id")
		}
		if seen[t.ID] {
			return fmt.Errorf("config.targets has duplicate target %s", t.ID)
		}
		seen[t.ID] = true
		if t.RepoURL == "" {
			return fmt.Errorf("target %s: repo_url is required", t.ID)
		}
		if t.BacklogPath == "" {
			return fmt.Errorf("target %s: backlog_path is required", t.ID)
		}
	}
	return nil
}

// Policy returns the scheduler policy with zero knobs replaced by defaults.
func (c *Config) Policy() SchedulerPolicy {
	p := c.Scheduler
	if p.MaxOpenPRs == 0 {
		p.MaxOpenPRs = DefaultMaxOpenPRs
	}
	if p.MaxAttemptsPerTask == 0 {
		p.MaxAttemptsPerTask = DefaultMaxAttemptsPerTask
	}
	if p.BreakerThreshold == 0 {
		p.BreakerThreshold = DefaultBreakerThreshold
	}
	return p
}

// Scheduler defaults used when steward.yml leaves a knob unset.
const (
	DefaultMaxOpenPRs         = 3
	DefaultMaxAttemptsPerTask = 3
	DefaultBreakerThreshold   = 5
)

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "steward.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(controlPlaneID string) string {
	return fmt.Sprintf(defaultTemplate, controlPlaneID)
}

const defaultTemplate = `control_plane:
  id: %s

scheduler:
  # At most this many steward-authored PRs may be open per target.
  max_open_prs: 3
  # A task that fails this many attempts is marked failed for humans.
  max_attempts_per_task: 3
  # Consecutive dispatch failures before the circuit opens.
  breaker_threshold: 5

targets: []
  # - id: payments
  #   repo_url: https://example.com/org/payments.git
  #   backlog_path: backlog.yml
`
