package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"steward/internal/artifacts"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/graph"
	"steward/internal/migrate"
	"steward/internal/repo"
	"steward/internal/scheduler"
)

// App wires the control plane together for a workspace: the event store,
// the projector over it, the artifact store, and the scheduler.
type App struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Store     *events.Store
	Projector *graph.Projector
	Artifacts *artifacts.Store
	Scheduler *scheduler.Scheduler
	Workspace string
}

// Open builds the full control plane for a workspace. Missing steward.yml
// is seeded with the default template; configured targets are synced into
// the database and get their target.registered event on first sight.
func Open(ctx context.Context, workspace, actorID string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if err := seedConfig(workspace); err != nil {
			return nil, err
		}
		cfg, err = config.Load(workspace)
		if err != nil {
			return nil, err
		}
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	r := repo.Repo{DB: conn}
	store := events.NewStore(conn)
	proj := graph.NewProjector(store)
	blobs := artifacts.NewStore(db.ArtifactsDir(workspace), r)
	outbox := scheduler.Outbox{Dir: filepath.Join(workspace, ".steward", "outbox")}
	sched := scheduler.New(store, proj, r, cfg.Policy(), outbox)
	sched.Log = log.New(os.Stderr, "scheduler: ", log.LstdFlags)

	a := &App{
		DB:        conn,
		Repo:      r,
		Config:    cfg,
		Store:     store,
		Projector: proj,
		Artifacts: blobs,
		Scheduler: sched,
		Workspace: workspace,
	}
	if err := a.syncTargets(ctx, actorID); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

func seedConfig(workspace string) error {
	id := filepath.Base(workspace)
	if id == "." || id == string(filepath.Separator) {
		if wd, err := os.Getwd(); err == nil {
			id = filepath.Base(wd)
		}
	}
	if id == "" || id == "." {
		id = "steward"
	}
	return os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(id)), 0o644)
}

// syncTargets registers steward.yml targets that are not in the database
// yet. Registration is an event like everything else.
func (a *App) syncTargets(ctx context.Context, actorID string) error {
	if actorID == "" {
		actorID = "local-user"
	}
	for _, tc := range a.Config.Targets {
		_, err := a.Repo.GetTarget(ctx, tc.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := a.RegisterTarget(ctx, domain.Target{
			ID:          tc.ID,
			RepoURL:     tc.RepoURL,
			BacklogPath: tc.BacklogPath,
		}, actorID); err != nil {
			return fmt.Errorf("sync target %s: %w", tc.ID, err)
		}
	}
	return nil
}

// RegisterTarget stores a target row and appends its registration event.
func (a *App) RegisterTarget(ctx context.Context, t domain.Target, actorID string) error {
	if t.CreatedAt == "" {
		t.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := a.Repo.InsertTarget(ctx, tx, t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err = a.Store.AppendOne(ctx, domain.Event{
		EventID: uuid.NewString(),
		Type:    "target.registered",
		TS:      t.CreatedAt,
		ActorID: actorID,
		Target:  t.ID,
		Payload: map[string]any{
			"target_id":    t.ID,
			"repo_url":     t.RepoURL,
			"backlog_path": t.BacklogPath,
		},
	})
	return err
}
