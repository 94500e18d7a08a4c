package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"steward/internal/config"
)

func TestFromYAMLValid(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`control_plane:
  id: steward
scheduler:
  max_open_prs: 2
targets:
  - id: payments
    repo_url: https://example.com/org/payments.git
    backlog_path: backlog.yml
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ControlPlane.ID != "steward" || len(cfg.Targets) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing control plane id": `scheduler: {max_open_prs: 1}`,
		"duplicate target": `control_plane: {id: steward}
targets:
  - {id: a, repo_url: u, backlog_path: b}
  - {id: a, repo_url: u, backlog_path: b}
`,
		"target without repo_url": `control_plane: {id: steward}
targets:
  - {id: a, backlog_path: b}
`,
		"target without backlog_path": `control_plane: {id: steward}
targets:
  - {id: a, repo_url: u}
`,
		"negative knob": `control_plane: {id: steward}
scheduler: {breaker_threshold: -1}
`,
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(yml)); err == nil {
				t.Fatalf("accepted invalid config")
			}
		})
	}
}

func TestPolicyDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`control_plane: {id: steward}
scheduler: {max_open_prs: 7}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := cfg.Policy()
	if p.MaxOpenPRs != 7 {
		t.Fatalf("explicit knob overwritten: %+v", p)
	}
	if p.MaxAttemptsPerTask != config.DefaultMaxAttemptsPerTask || p.BreakerThreshold != config.DefaultBreakerThreshold {
		t.Fatalf("defaults not applied: %+v", p)
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("my-steward")))
	if err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if cfg.ControlPlane.ID != "my-steward" {
		t.Fatalf("unexpected id: %q", cfg.ControlPlane.ID)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil,nil for missing file, got %+v %v", cfg, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "steward.yml"), []byte("control_plane: {id: s}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load: %v", err)
	}

	// Load proper reports a missing file with guidance.
	_, err = config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "steward init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}
