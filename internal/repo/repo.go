package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"steward/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- targets ---

func (r Repo) InsertTarget(ctx context.Context, tx *sql.Tx, t domain.Target) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO targets(id,repo_url,backlog_path,created_at) VALUES (?,?,?,?)`,
		t.ID, t.RepoURL, t.BacklogPath, t.CreatedAt)
	return err
}

func (r Repo) GetTarget(ctx context.Context, id string) (domain.Target, error) {
	var t domain.Target
	err := r.DB.QueryRowContext(ctx, `SELECT id,repo_url,backlog_path,created_at FROM targets WHERE id=?`, id).
		Scan(&t.ID, &t.RepoURL, &t.BacklogPath, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTargets(ctx context.Context) ([]domain.Target, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,repo_url,backlog_path,created_at FROM targets ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Target
	for rows.Next() {
		var t domain.Target
		if err := rows.Scan(&t.ID, &t.RepoURL, &t.BacklogPath, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) (int64, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(event_id,type,ts,actor_id,target,payload_json,bundle_id) VALUES (?,?,?,?,?,?,?)`,
		e.EventID, e.Type, e.TS, e.ActorID, e.Target, string(data), nullable(e.BundleID))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// HasEventID reports whether an event ID is already in the store. Checked
// inside the append transaction so concurrent bundles cannot race past it.
func (r Repo) HasEventID(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id=? LIMIT 1`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EventsAfter returns events with seq greater than the cursor in ascending
// order, optionally filtered by target.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, target string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	clauses := []string{"seq>?"}
	args := []any{cursor}
	if target != "" {
		clauses = append(clauses, "target=?")
		args = append(args, target)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT seq,event_id,type,ts,actor_id,target,payload_json,bundle_id FROM events ` + where + ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEvents returns the most recent events in descending seq order.
func (r Repo) LatestEvents(ctx context.Context, limit int, target, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if target != "" {
		clauses = append(clauses, "target=?")
		args = append(args, target)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT seq,event_id,type,ts,actor_id,target,payload_json,bundle_id FROM events ` + where + ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload, bundleID sql.NullString
		if err := rows.Scan(&e.Seq, &e.EventID, &e.Type, &e.TS, &e.ActorID, &e.Target, &payload, &bundleID); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("event %s payload: %w", e.EventID, err)
			}
		}
		if bundleID.Valid {
			e.BundleID = bundleID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventSeq returns the highest append position, 0 when empty.
func (r Repo) LatestEventSeq(ctx context.Context, target string) (int64, error) {
	query := `SELECT COALESCE(MAX(seq),0) FROM events`
	var args []any
	if target != "" {
		query += ` WHERE target=?`
		args = append(args, target)
	}
	var seq int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (r Repo) CountEvents(ctx context.Context, target string) (int, error) {
	query := `SELECT COUNT(*) FROM events`
	var args []any
	if target != "" {
		query += ` WHERE target=?`
		args = append(args, target)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// --- artifact metadata ---

func (r Repo) InsertArtifact(ctx context.Context, rec domain.ArtifactRecord) error {
	// Write-once per key: a second insert of the same hash is a no-op.
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO artifacts(sha256,name,size_bytes,target,created_at) VALUES (?,?,?,?,?)`,
		rec.SHA256, rec.Name, rec.SizeBytes, nullable(rec.Target), rec.CreatedAt)
	return err
}

func (r Repo) GetArtifact(ctx context.Context, sha string) (domain.ArtifactRecord, error) {
	var rec domain.ArtifactRecord
	var target sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT sha256,name,size_bytes,target,created_at FROM artifacts WHERE sha256=?`, sha).
		Scan(&rec.SHA256, &rec.Name, &rec.SizeBytes, &target, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if target.Valid {
		rec.Target = target.String
	}
	return rec, err
}

func (r Repo) ListArtifacts(ctx context.Context, target string, limit int) ([]domain.ArtifactRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT sha256,name,size_bytes,target,created_at FROM artifacts`
	var args []any
	if target != "" {
		query += ` WHERE target=?`
		args = append(args, target)
	}
	query += ` ORDER BY created_at DESC, sha256 DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactRecord
	for rows.Next() {
		var rec domain.ArtifactRecord
		var tgt sql.NullString
		if err := rows.Scan(&rec.SHA256, &rec.Name, &rec.SizeBytes, &tgt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if tgt.Valid {
			rec.Target = tgt.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// --- breaker ---

func (r Repo) GetBreaker(ctx context.Context) (domain.BreakerState, error) {
	var b domain.BreakerState
	var tripped int
	err := r.DB.QueryRowContext(ctx, `SELECT consecutive_failures,tripped,last_seq,updated_at FROM breaker WHERE id=1`).
		Scan(&b.ConsecutiveFailures, &tripped, &b.LastSeq, &b.UpdatedAt)
	if err != nil {
		return b, err
	}
	b.Tripped = tripped != 0
	return b, nil
}

func (r Repo) SetBreaker(ctx context.Context, b domain.BreakerState) error {
	tripped := 0
	if b.Tripped {
		tripped = 1
	}
	_, err := r.DB.ExecContext(ctx, `UPDATE breaker SET consecutive_failures=?, tripped=?, last_seq=?, updated_at=? WHERE id=1`,
		b.ConsecutiveFailures, tripped, b.LastSeq, b.UpdatedAt)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
