package events_test

import (
	"context"
	"errors"
	"testing"

	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/migrate"
)

func newTestStore(t *testing.T) (*events.Store, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return events.NewStore(conn), context.Background()
}

func evt(id, evtType string) domain.Event {
	return domain.Event{
		EventID: id,
		Type:    evtType,
		TS:      "2026-01-02T03:04:05Z",
		ActorID: "worker-1",
	}
}

func TestAppendBundleAtomic(t *testing.T) {
	store, ctx := newTestStore(t)

	bad := domain.Bundle{
		Target:   "repo-a",
		BundleID: "b-1",
		Events: []domain.Event{
			evt("e-1", "attempt.created"),
			evt("e-2", "attempt.succeeded"),
			{Type: "attempt.failed", TS: "2026-01-02T03:04:05Z", ActorID: "worker-1"},
		},
	}
	_, err := store.Append(ctx, bad)
	var verr *events.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(verr.Issues) != 1 || verr.Issues[0].Index != 2 {
		t.Fatalf("unexpected issues: %+v", verr.Issues)
	}

	// Nothing from the rejected bundle may be visible, including the two
	// valid events.
	n, err := store.Repo.CountEvents(ctx, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty store after rejected bundle, got %d events", n)
	}
}

func TestAppendRejectsBadTimestamp(t *testing.T) {
	store, ctx := newTestStore(t)
	e := evt("e-1", "attempt.created")
	e.TS = "yesterday"
	_, err := store.Append(ctx, domain.Bundle{Target: "repo-a", Events: []domain.Event{e}})
	var verr *events.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAppendDeduplicates(t *testing.T) {
	store, ctx := newTestStore(t)
	b := domain.Bundle{
		Target:   "repo-a",
		BundleID: "b-1",
		Events:   []domain.Event{evt("e-1", "attempt.created"), evt("e-2", "attempt.succeeded")},
	}
	res, err := store.Append(ctx, b)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Appended != 2 || len(res.Deduplicated) != 0 {
		t.Fatalf("unexpected first append result: %+v", res)
	}

	// Redelivery of the same bundle is a no-op.
	res, err = store.Append(ctx, b)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if res.Appended != 0 || len(res.Deduplicated) != 2 {
		t.Fatalf("unexpected redelivery result: %+v", res)
	}
	n, _ := store.Repo.CountEvents(ctx, "repo-a")
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestAppendDeduplicatesWithinBundle(t *testing.T) {
	store, ctx := newTestStore(t)
	b := domain.Bundle{
		Target: "repo-a",
		Events: []domain.Event{evt("e-1", "attempt.created"), evt("e-1", "attempt.created")},
	}
	res, err := store.Append(ctx, b)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Appended != 1 || len(res.Deduplicated) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAppendChecksArtifactRefs(t *testing.T) {
	store, ctx := newTestStore(t)
	const storedKey = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	const pendingKey = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	if err := store.Repo.InsertArtifact(ctx, domain.ArtifactRecord{
		SHA256:    storedKey,
		Name:      "hello.txt",
		SizeBytes: 5,
		CreatedAt: "2026-01-02T03:04:05Z",
	}); err != nil {
		t.Fatalf("insert artifact: %v", err)
	}

	res, err := store.Append(ctx, domain.Bundle{
		Target: "repo-a",
		Events: []domain.Event{evt("e-1", "attempt.succeeded")},
		Artifacts: []domain.ArtifactRef{
			{SHA256: storedKey, Name: "hello.txt"},
			{SHA256: pendingKey, Name: "late.log"},
		},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Appended != 1 {
		t.Fatalf("append with unresolved refs must still succeed, got %+v", res)
	}
	// Only the ref with no stored blob is flagged.
	if len(res.MissingArtifacts) != 1 || res.MissingArtifacts[0] != pendingKey {
		t.Fatalf("expected %s flagged as missing, got %v", pendingKey, res.MissingArtifacts)
	}
}

func TestAppendRejectsMalformedArtifactRef(t *testing.T) {
	store, ctx := newTestStore(t)
	_, err := store.Append(ctx, domain.Bundle{
		Target:    "repo-a",
		Events:    []domain.Event{evt("e-1", "attempt.succeeded")},
		Artifacts: []domain.ArtifactRef{{SHA256: "not-a-digest", Name: "x"}},
	})
	var verr *events.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	n, _ := store.Repo.CountEvents(ctx, "repo-a")
	if n != 0 {
		t.Fatalf("rejected bundle must not append events, got %d", n)
	}
}

func TestReadOrderIsAppendOrder(t *testing.T) {
	store, ctx := newTestStore(t)

	// Client clocks disagree: the second event claims an earlier timestamp.
	first := evt("e-1", "attempt.created")
	first.TS = "2026-01-02T10:00:00Z"
	second := evt("e-2", "attempt.succeeded")
	second.TS = "2026-01-01T00:00:00Z"
	if _, err := store.Append(ctx, domain.Bundle{Target: "repo-a", Events: []domain.Event{first}}); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if _, err := store.Append(ctx, domain.Bundle{Target: "repo-a", Events: []domain.Event{second}}); err != nil {
		t.Fatalf("append second: %v", err)
	}

	var got []string
	err := store.ReadAll(ctx, "repo-a", func(e domain.Event) error {
		got = append(got, e.EventID)
		return nil
	})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 2 || got[0] != "e-1" || got[1] != "e-2" {
		t.Fatalf("expected append order e-1,e-2, got %v", got)
	}
}

func TestAfterCursor(t *testing.T) {
	store, ctx := newTestStore(t)
	res, err := store.Append(ctx, domain.Bundle{
		Target: "repo-a",
		Events: []domain.Event{evt("e-1", "a"), evt("e-2", "b"), evt("e-3", "c")},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	batch, err := store.After(ctx, res.LastSeq-1, "repo-a", 10)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(batch) != 1 || batch[0].EventID != "e-3" {
		t.Fatalf("expected only e-3 past cursor, got %+v", batch)
	}
}
