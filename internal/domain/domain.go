package domain

import "encoding/json"

// Event is an immutable fact appended to the log. Seq is assigned by the
// store on append and is the authoritative order; TS is client-supplied and
// display-only.
type Event struct {
	Seq      int64          `json:"seq"`
	EventID  string         `json:"event_id"`
	Type     string         `json:"event_type"`
	TS       string         `json:"timestamp" format:"date-time"`
	ActorID  string         `json:"actor_id"`
	Target   string         `json:"target"`
	Payload  map[string]any `json:"payload,omitempty"`
	BundleID string         `json:"bundle_id,omitempty"`
}

// PayloadString returns a string payload field, or "" when absent.
func (e Event) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt returns an integer payload field, tolerating the float64 that
// json.Unmarshal produces for numbers.
func (e Event) PayloadInt(key string) int {
	switch v := e.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// ArtifactRef links a bundle to a blob stored in the artifact store.
type ArtifactRef struct {
	SHA256    string `json:"sha256"`
	Name      string `json:"artifact_name"`
	AttemptID string `json:"attempt_id,omitempty"`
}

// Bundle is the unit of ingestion: an ordered list of events plus artifact
// references, all for one target.
type Bundle struct {
	Target    string        `json:"target"`
	BundleID  string        `json:"bundle_id"`
	Events    []Event       `json:"events"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
}

// ArtifactRecord is the metadata row for a stored blob, keyed by content
// hash.
type ArtifactRecord struct {
	SHA256    string `json:"sha256"`
	Name      string `json:"artifact_name"`
	SizeBytes int64  `json:"size_bytes"`
	Target    string `json:"target,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Target is a repository under management.
type Target struct {
	ID          string `json:"id"`
	RepoURL     string `json:"repo_url"`
	BacklogPath string `json:"backlog_path"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Task is one backlog entry, owned by the target repository. Status is
// monotonic: pending -> completed | failed. Ready gates eligibility
// independently of status.
type Task struct {
	ID           string   `json:"id" yaml:"id"`
	Title        string   `json:"title,omitempty" yaml:"title,omitempty"`
	Priority     string   `json:"priority" yaml:"priority" enum:"high,medium,low"`
	Ready        bool     `json:"ready" yaml:"ready"`
	Status       string   `json:"status" yaml:"status" enum:"pending,completed,failed"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	AllowedPaths []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
}

// WorkOrder describes one dispatched unit of work handed to the executor.
type WorkOrder struct {
	Target        string   `json:"target"`
	TaskID        string   `json:"task_id"`
	AttemptID     string   `json:"attempt_id"`
	AttemptNumber int      `json:"attempt_number"`
	AllowedPaths  []string `json:"allowed_paths,omitempty"`
}

// Proposal is an open, steward-authored proposed change under human review.
type Proposal struct {
	Target string `json:"target"`
	TaskID string `json:"task_id"`
	URL    string `json:"url,omitempty"`
}

// BreakerState is the persisted circuit-breaker row.
type BreakerState struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Tripped             bool   `json:"tripped"`
	LastSeq             int64  `json:"last_seq"`
	UpdatedAt           string `json:"updated_at" format:"date-time"`
}

// APIKey is a hashed ingest credential.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Task priorities in descending scheduling order.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Backlog task statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// PriorityRank maps a priority to its sort rank (lower runs first).
func PriorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}
