package backlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"steward/internal/domain"
)

// Document is the backlog file a target repository owns. The control plane
// reads it to find work and writes status back through the same file.
type Document struct {
	Version int           `yaml:"version"`
	Tasks   []domain.Task `yaml:"tasks"`
}

// PolicyViolation rejects a backlog document that breaks the task contract.
// Scheduling never proceeds on a malformed backlog.
type PolicyViolation struct {
	Path   string
	Issues []string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("backlog %s violates policy: %s", e.Path, strings.Join(e.Issues, "; "))
}

// Load parses and validates a backlog file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &PolicyViolation{Path: path, Issues: []string{"not valid YAML: " + err.Error()}}
	}
	if err := Validate(&doc); err != nil {
		if pv, ok := err.(*PolicyViolation); ok {
			pv.Path = path
		}
		return nil, err
	}
	return &doc, nil
}

// Validate checks the task contract: unique non-empty ids, known priority
// and status values, and dependencies that reference tasks in the document.
func Validate(doc *Document) error {
	var issues []string
	ids := map[string]bool{}
	for i, t := range doc.Tasks {
		if t.ID == "" {
			issues = append(issues, fmt.Sprintf("task %d: id is required", i))
			continue
		}
		if ids[t.ID] {
			issues = append(issues, fmt.Sprintf("task %s: duplicate id", t.ID))
		}
		ids[t.ID] = true
		switch t.Priority {
		case domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow:
		default:
			issues = append(issues, fmt.Sprintf("task %s: unknown priority %q", t.ID, t.Priority))
		}
		switch t.Status {
		case domain.StatusPending, domain.StatusCompleted, domain.StatusFailed:
		default:
			issues = append(issues, fmt.Sprintf("task %s: unknown status %q", t.ID, t.Status))
		}
	}
	for _, t := range doc.Tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				issues = append(issues, fmt.Sprintf("task %s: dependency %q not in backlog", t.ID, dep))
			}
		}
	}
	if len(issues) > 0 {
		return &PolicyViolation{Issues: issues}
	}
	return nil
}

// Task returns the task with the given id.
func (d *Document) Task(id string) (domain.Task, bool) {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

// Eligible returns tasks that are ready, pending, and whose dependencies
// are all completed, sorted by priority rank then id. This ordering is the
// deterministic tie-break the scheduler relies on.
func (d *Document) Eligible() []domain.Task {
	status := map[string]string{}
	for _, t := range d.Tasks {
		status[t.ID] = t.Status
	}
	var res []domain.Task
	for _, t := range d.Tasks {
		if !t.Ready || t.Status != domain.StatusPending {
			continue
		}
		blocked := false
		for _, dep := range t.Dependencies {
			if status[dep] != domain.StatusCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			res = append(res, t)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		ri, rj := domain.PriorityRank(res[i].Priority), domain.PriorityRank(res[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return res[i].ID < res[j].ID
	})
	return res
}

// SetStatus updates one task's status in the document. Status is monotonic:
// a terminal task never returns to pending.
func (d *Document) SetStatus(taskID, status string) error {
	for i := range d.Tasks {
		if d.Tasks[i].ID != taskID {
			continue
		}
		if d.Tasks[i].Status != domain.StatusPending && status == domain.StatusPending {
			return fmt.Errorf("task %s: cannot reopen %s task", taskID, d.Tasks[i].Status)
		}
		d.Tasks[i].Status = status
		return nil
	}
	return fmt.Errorf("task %s: not in backlog", taskID)
}

// Save writes the document atomically: marshal to a temp file in the same
// directory, then rename over the original.
func Save(path string, doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".backlog-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
