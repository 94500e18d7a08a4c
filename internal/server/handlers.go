package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"steward/internal/artifacts"
	"steward/internal/backlog"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/graph"
	"steward/internal/scheduler"
)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTargets(api huma.API, cfg Config) {
	type createTargetRequest struct {
		ID          string `json:"id"`
		RepoURL     string `json:"repo_url"`
		BacklogPath string `json:"backlog_path"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "register-target",
		Method:        http.MethodPost,
		Path:          "/targets",
		Summary:       "Register a repository under management",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body createTargetRequest `json:"body"`
	}) (*struct {
		Body domain.Target `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if input.Body.RepoURL == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "repo_url is required", nil)
		}
		if input.Body.BacklogPath == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "backlog_path is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Repo.GetTarget(ctx, input.Body.ID); err == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "target already registered", nil)
		}
		t := domain.Target{
			ID:          input.Body.ID,
			RepoURL:     input.Body.RepoURL,
			BacklogPath: input.Body.BacklogPath,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		}
		tx, err := cfg.Store.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := cfg.Repo.InsertTarget(ctx, tx, t); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		if _, err := cfg.Store.AppendOne(ctx, domain.Event{
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
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Target `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-targets",
		Method:      http.MethodGet,
		Path:        "/targets",
		Summary:     "List targets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Target `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListTargets(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Target{}
		}
		return &struct {
			Body []domain.Target `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-events",
		Method:        http.MethodPost,
		Path:          "/events/ingest",
		Summary:       "Append an event bundle",
		Description:   "Appends all events of a bundle atomically. Already-seen event IDs are deduplicated, so redelivery is safe.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body domain.Bundle `json:"body"`
	}) (*struct {
		Body events.AppendResult `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := cfg.Store.Append(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body events.AppendResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recent-events",
		Method:      http.MethodGet,
		Path:        "/events/recent",
		Summary:     "Most recent events, newest first",
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"20"`
		Target string `query:"target"`
		Type   string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := cfg.Repo.LatestEvents(ctx, input.Limit, input.Target, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerArtifacts(api huma.API, router chi.Router, basePath string, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "put-artifact",
		Method:        http.MethodPut,
		Path:          "/artifacts/{sha256}",
		Summary:       "Store a blob under its content hash",
		Description:   "The path hash must equal the SHA-256 of the body. Re-uploading existing content succeeds without rewriting.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		SHA256  string `path:"sha256"`
		Name    string `query:"name"`
		Target  string `query:"target"`
		RawBody []byte `contentType:"application/octet-stream"`
	}) (*struct {
		Body domain.ArtifactRecord `json:"body"`
	}, error) {
		if !artifacts.ValidKey(input.SHA256) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "sha256 must be a lowercase hex digest", nil)
		}
		// Verify the declared hash before anything is persisted, so a
		// rejected upload leaves no blob or metadata behind.
		sum := sha256.Sum256(input.RawBody)
		if computed := hex.EncodeToString(sum[:]); computed != input.SHA256 {
			return nil, newAPIError(http.StatusBadRequest, "hash_mismatch", "content does not match the declared sha256", map[string]any{
				"declared": input.SHA256,
				"computed": computed,
			})
		}
		name := input.Name
		if name == "" {
			name = input.SHA256
		}
		key, size, err := cfg.Artifacts.Put(ctx, name, input.Target, bytes.NewReader(input.RawBody))
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := cfg.Artifacts.Stat(ctx, key)
		if err != nil {
			return nil, handleError(err)
		}
		rec.SizeBytes = size
		return &struct {
			Body domain.ArtifactRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "artifact-meta",
		Method:      http.MethodGet,
		Path:        "/artifacts/{sha256}/meta",
		Summary:     "Artifact metadata",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SHA256 string `path:"sha256"`
	}) (*struct {
		Body domain.ArtifactRecord `json:"body"`
	}, error) {
		rec, err := cfg.Artifacts.Stat(ctx, input.SHA256)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ArtifactRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/artifacts",
		Summary:     "List artifacts, newest first",
	}, func(ctx context.Context, input *struct {
		Target string `query:"target"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ArtifactRecord `json:"body"`
	}, error) {
		items, err := cfg.Artifacts.List(ctx, input.Target, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ArtifactRecord{}
		}
		return &struct {
			Body []domain.ArtifactRecord `json:"body"`
		}{Body: items}, nil
	})

	// Raw blob download bypasses the JSON envelope.
	router.Get(basePath+"/artifacts/{sha256}", func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "sha256")
		rc, err := cfg.Artifacts.Get(key)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		io.Copy(w, rc)
	})
}

func registerGraph(api huma.API, cfg Config) {
	type graphSummaryResponse struct {
		Summary  graph.Summary   `json:"summary"`
		LastSeq  int64           `json:"last_seq"`
		Warnings []graph.Warning `json:"warnings"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "graph-summary",
		Method:      http.MethodGet,
		Path:        "/graph/summary",
		Summary:     "Projected graph summary",
		Description: "Rebuilds the projection from the full log, so the summary reflects every appended event.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body graphSummaryResponse `json:"body"`
	}, error) {
		if err := cfg.Projector.Rebuild(ctx); err != nil {
			return nil, handleError(err)
		}
		warnings := cfg.Projector.Warnings()
		if warnings == nil {
			warnings = []graph.Warning{}
		}
		sum := cfg.Projector.State().Summarize()
		sum.Warnings = len(warnings)
		return &struct {
			Body graphSummaryResponse `json:"body"`
		}{Body: graphSummaryResponse{
			Summary:  sum,
			LastSeq:  cfg.Projector.LastSeq(),
			Warnings: warnings,
		}}, nil
	})
}

func registerQueue(api huma.API, cfg Config) {
	type queueItem struct {
		Task         domain.Task `json:"task"`
		Dispatchable bool        `json:"dispatchable"`
		Reason       string      `json:"reason,omitempty"`
	}
	type queueResponse struct {
		Target  string      `json:"target"`
		OpenPRs int         `json:"open_prs"`
		Items   []queueItem `json:"items"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Eligible work in dispatch order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Target string `query:"target"`
	}) (*struct {
		Body queueResponse `json:"body"`
	}, error) {
		if input.Target == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target is required", nil)
		}
		target, err := cfg.Repo.GetTarget(ctx, input.Target)
		if err != nil {
			return nil, handleError(err)
		}
		doc, err := backlog.Load(target.BacklogPath)
		if err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Projector.Rebuild(ctx); err != nil {
			return nil, handleError(err)
		}
		st := cfg.Projector.State()
		open := st.OpenPRs(target.ID)
		openByTask := map[string]bool{}
		for _, p := range open {
			openByTask[p.TaskID] = true
		}
		policy := cfg.Scheduler.Policy
		resp := queueResponse{Target: target.ID, OpenPRs: len(open), Items: []queueItem{}}
		for _, t := range doc.Eligible() {
			item := queueItem{Task: t, Dispatchable: true}
			switch {
			case openByTask[t.ID]:
				item.Dispatchable = false
				item.Reason = "open proposal under review"
			case st.RunningAttempt(target.ID, t.ID):
				item.Dispatchable = false
				item.Reason = "attempt in flight"
			case attemptBudgetUsed(st, target.ID, t.ID) >= policy.MaxAttemptsPerTask:
				item.Dispatchable = false
				item.Reason = "retry budget exhausted"
			}
			resp.Items = append(resp.Items, item)
		}
		return &struct {
			Body queueResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// attemptBudgetUsed mirrors the scheduler's budget rule: orders the
// executor never accepted do not count.
func attemptBudgetUsed(st *graph.State, targetID, taskID string) int {
	n := 0
	for _, a := range st.Attempts(targetID, taskID) {
		if r, _ := a.Properties["failure_reason"].(string); r == "dispatch_error" {
			continue
		}
		n++
	}
	return n
}

func registerScheduler(api huma.API, cfg Config) {
	type schedulerStatusResponse struct {
		Breaker domain.BreakerState `json:"breaker"`
		Policy  map[string]int      `json:"policy"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "scheduler-status",
		Method:      http.MethodGet,
		Path:        "/scheduler/status",
		Summary:     "Scheduler policy and breaker state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body schedulerStatusResponse `json:"body"`
	}, error) {
		b, err := cfg.Scheduler.Breaker(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body schedulerStatusResponse `json:"body"`
		}{Body: schedulerStatusResponse{
			Breaker: b,
			Policy: map[string]int{
				"max_open_prs":          cfg.Scheduler.Policy.MaxOpenPRs,
				"max_attempts_per_task": cfg.Scheduler.Policy.MaxAttemptsPerTask,
				"breaker_threshold":     cfg.Scheduler.Policy.BreakerThreshold,
			},
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-cycle",
		Method:      http.MethodPost,
		Path:        "/scheduler/cycle",
		Summary:     "Run one scheduling cycle",
		Description: "Re-observes the world, reconciles backlog status, and dispatches at most one work order.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Target string `json:"target"`
		} `json:"body"`
	}) (*struct {
		Body scheduler.CycleResult `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Target) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target is required", nil)
		}
		res, err := cfg.Scheduler.Cycle(ctx, input.Body.Target)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body scheduler.CycleResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-breaker",
		Method:      http.MethodPost,
		Path:        "/scheduler/breaker/reset",
		Summary:     "Close the circuit breaker",
		Description: "Manual acknowledgement that the dispatch infrastructure is healthy again.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.BreakerState `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := cfg.Scheduler.ResetBreaker(ctx); err != nil {
			return nil, handleError(err)
		}
		b, err := cfg.Scheduler.Breaker(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BreakerState `json:"body"`
		}{Body: b}, nil
	})
}
