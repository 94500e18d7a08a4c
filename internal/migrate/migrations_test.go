package migrate

import (
	"testing"

	"steward/internal/db"
)

func TestMigrateIsRerunSafe(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("rerun: %v", err)
	}

	steps, err := loadSteps()
	if err != nil {
		t.Fatalf("load steps: %v", err)
	}
	if len(steps) == 0 {
		t.Fatal("no schema steps embedded")
	}
	var version, rows int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if want := steps[len(steps)-1].version; version != want {
		t.Fatalf("expected version %d, got %d", want, version)
	}
	// A rerun must not duplicate the version row.
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected a single version row, got %d", rows)
	}
}

func TestStepsAreOrdered(t *testing.T) {
	steps, err := loadSteps()
	if err != nil {
		t.Fatalf("load steps: %v", err)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].version <= steps[i-1].version {
			t.Fatalf("steps out of order: %s after %s", steps[i].name, steps[i-1].name)
		}
	}
}
