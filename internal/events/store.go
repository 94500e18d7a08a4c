package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"steward/internal/artifacts"
	"steward/internal/domain"
	"steward/internal/repo"
)

// Store is the append-only event log. Appends are bundle-atomic; reads are
// ordered by append position (seq), never by the client-supplied timestamp.
type Store struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, Repo: repo.Repo{DB: db}, Now: time.Now}
}

// EventIssue describes why one event in a bundle failed validation.
type EventIssue struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason"`
}

// ValidationError rejects a whole bundle; no partial write occurs.
type ValidationError struct {
	BundleID string
	Issues   []EventIssue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bundle %s rejected: %d invalid event(s)", e.BundleID, len(e.Issues))
}

// AppendResult reports what a successful append did. MissingArtifacts
// lists bundle artifact refs whose blob has not been uploaded yet; the
// append still succeeds because workers may upload blobs out of band.
type AppendResult struct {
	Appended         int      `json:"appended"`
	Deduplicated     []string `json:"deduplicated,omitempty"`
	MissingArtifacts []string `json:"missing_artifacts,omitempty"`
	LastSeq          int64    `json:"last_seq"`
}

// ValidateBundle checks every event for the required fields. The whole
// bundle is rejected when any event is malformed.
func ValidateBundle(b domain.Bundle) *ValidationError {
	var issues []EventIssue
	if b.Target == "" {
		issues = append(issues, EventIssue{Index: -1, Reason: "target is required"})
	}
	seen := map[string]int{}
	for i, e := range b.Events {
		switch {
		case e.EventID == "":
			issues = append(issues, EventIssue{Index: i, Reason: "event_id is required"})
		case e.Type == "":
			issues = append(issues, EventIssue{Index: i, EventID: e.EventID, Reason: "event_type is required"})
		case e.TS == "":
			issues = append(issues, EventIssue{Index: i, EventID: e.EventID, Reason: "timestamp is required"})
		case e.ActorID == "":
			issues = append(issues, EventIssue{Index: i, EventID: e.EventID, Reason: "actor_id is required"})
		}
		if e.TS != "" {
			if _, err := time.Parse(time.RFC3339, e.TS); err != nil {
				if _, err := time.Parse(time.RFC3339Nano, e.TS); err != nil {
					issues = append(issues, EventIssue{Index: i, EventID: e.EventID, Reason: "timestamp is not RFC 3339"})
				}
			}
		}
		if e.EventID != "" {
			seen[e.EventID]++
		}
	}
	for i, a := range b.Artifacts {
		if !artifacts.ValidKey(a.SHA256) {
			issues = append(issues, EventIssue{Index: i, Reason: "artifact ref sha256 is not a lowercase hex digest"})
		}
	}
	if len(issues) > 0 {
		return &ValidationError{BundleID: b.BundleID, Issues: issues}
	}
	return nil
}

// Append writes a bundle in one transaction. Events whose event_id already
// exists in the store (or earlier in the same bundle) are deduplicated, not
// double-appended, which makes at-least-once delivery safe to retry. Any
// validation failure rejects the entire bundle.
func (s *Store) Append(ctx context.Context, b domain.Bundle) (AppendResult, error) {
	var res AppendResult
	if verr := ValidateBundle(b); verr != nil {
		return res, verr
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	seen := map[string]bool{}
	for _, e := range b.Events {
		if seen[e.EventID] {
			res.Deduplicated = append(res.Deduplicated, e.EventID)
			continue
		}
		seen[e.EventID] = true
		dup, err := s.Repo.HasEventID(ctx, tx, e.EventID)
		if err != nil {
			return AppendResult{}, err
		}
		if dup {
			res.Deduplicated = append(res.Deduplicated, e.EventID)
			continue
		}
		e.Target = b.Target
		e.BundleID = b.BundleID
		seq, err := s.Repo.InsertEvent(ctx, tx, e)
		if err != nil {
			return AppendResult{}, fmt.Errorf("append event %s: %w", e.EventID, err)
		}
		res.Appended++
		res.LastSeq = seq
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}

	// Cross-check artifact refs against the store. A ref without a stored
	// blob is flagged, not fatal: the blob may arrive later.
	for _, a := range b.Artifacts {
		_, err := s.Repo.GetArtifact(ctx, a.SHA256)
		if errors.Is(err, repo.ErrNotFound) {
			res.MissingArtifacts = append(res.MissingArtifacts, a.SHA256)
			continue
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// AppendOne is a convenience for control-plane actors (the scheduler, the
// CLI) that emit single events through the same durable path workers use.
func (s *Store) AppendOne(ctx context.Context, e domain.Event) (int64, error) {
	res, err := s.Append(ctx, domain.Bundle{
		Target:   e.Target,
		BundleID: e.BundleID,
		Events:   []domain.Event{e},
	})
	if err != nil {
		return 0, err
	}
	if res.Appended == 0 {
		return 0, errors.New("event deduplicated")
	}
	return res.LastSeq, nil
}

// ReadAll streams events for a target (all targets when empty) in append
// order, calling fn for each. The walk is batched and restartable: it
// re-queries from the last seen seq, so it observes appends committed
// before each batch read.
func (s *Store) ReadAll(ctx context.Context, target string, fn func(domain.Event) error) error {
	var cursor int64
	for {
		batch, err := s.Repo.EventsAfter(ctx, cursor, target, 200)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
			cursor = e.Seq
		}
	}
}

// After returns up to limit events past the cursor in append order.
func (s *Store) After(ctx context.Context, cursor int64, target string, limit int) ([]domain.Event, error) {
	return s.Repo.EventsAfter(ctx, cursor, target, limit)
}
