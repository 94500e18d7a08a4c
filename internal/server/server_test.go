package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"steward/internal/artifacts"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/graph"
	"steward/internal/migrate"
	"steward/internal/repo"
	"steward/internal/scheduler"
	"steward/internal/server"
)

const (
	testSecret = "test-secret"
	testAPIKey = "steward_testkey_0123456789"
	// sha256("hello")
	helloKey = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
)

type testServer struct {
	URL       string
	Repo      repo.Repo
	Store     *events.Store
	Workspace string
	Client    *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "worker-1",
		Name:    "test",
		KeyHash: repo.HashAPIKey(testAPIKey),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	store := events.NewStore(conn)
	proj := graph.NewProjector(store)
	sched := scheduler.New(store, proj, r, config.SchedulerPolicy{
		MaxOpenPRs: 3, MaxAttemptsPerTask: 3, BreakerThreshold: 5,
	}, scheduler.ExecutorFunc(func(ctx context.Context, order domain.WorkOrder) error {
		return nil
	}))

	handler, err := server.New(server.Config{
		Repo:      r,
		Store:     store,
		Projector: proj,
		Scheduler: sched,
		Artifacts: artifacts.NewStore(db.ArtifactsDir(workspace), r),
		Auth:      server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Repo: r, Store: store, Workspace: workspace, Client: srv.Client()}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// doJSON sends a request with the shared test API key unless headers
// override the credentials, and decodes the JSON response into out.
func (ts *testServer) doJSON(t *testing.T, method, path string, body any, out any, headers map[string]string) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Api-Key", testAPIKey)
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	resp, err := ts.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s (%d): %v\n%s", method, path, resp.StatusCode, err, data)
		}
	}
	return resp.StatusCode
}

func bundle(target string, evts ...domain.Event) domain.Bundle {
	return domain.Bundle{Target: target, Events: evts}
}

func evt(id, evtType string, payload map[string]any) domain.Event {
	return domain.Event{
		EventID: id,
		Type:    evtType,
		TS:      "2026-01-02T03:04:05Z",
		ActorID: "worker-1",
		Payload: payload,
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	status := ts.doJSON(t, http.MethodGet, "/v0/health", nil, &body, map[string]string{"X-Api-Key": ""})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	ts := newTestServer(t)
	var env errorEnvelope
	status := ts.doJSON(t, http.MethodPost, "/v0/events/ingest", bundle("repo-a", evt("e-1", "attempt.created", nil)), &env, map[string]string{"X-Api-Key": ""})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestBadAPIKeyRejected(t *testing.T) {
	ts := newTestServer(t)
	var env errorEnvelope
	status := ts.doJSON(t, http.MethodGet, "/v0/targets", nil, &env, map[string]string{"X-Api-Key": "not-a-key"})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if env.Error.Code != "invalid_credentials" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestJWTAuth(t *testing.T) {
	ts := newTestServer(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	var targets []domain.Target
	status := ts.doJSON(t, http.MethodGet, "/v0/targets", nil, &targets, map[string]string{
		"X-Api-Key":     "",
		"Authorization": "Bearer " + token,
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", status)
	}

	// Wrong signing key fails closed.
	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("other-secret"))
	status = ts.doJSON(t, http.MethodGet, "/v0/targets", nil, nil, map[string]string{
		"X-Api-Key":     "",
		"Authorization": "Bearer " + bad,
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with forged token, got %d", status)
	}
}

func TestIngestAndRecentEvents(t *testing.T) {
	ts := newTestServer(t)

	var res events.AppendResult
	status := ts.doJSON(t, http.MethodPost, "/v0/events/ingest", bundle("repo-a",
		evt("e-1", "attempt.created", map[string]any{"attempt_id": "att-1", "task_id": "T-1", "attempt_number": 1}),
		evt("e-2", "attempt.succeeded", map[string]any{"attempt_id": "att-1"}),
	), &res, nil)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if res.Appended != 2 {
		t.Fatalf("expected 2 appended, got %+v", res)
	}

	var recent []domain.Event
	status = ts.doJSON(t, http.MethodGet, "/v0/events/recent?limit=10", nil, &recent, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(recent) != 2 || recent[0].EventID != "e-2" {
		t.Fatalf("expected newest first, got %+v", recent)
	}
}

func TestInvalidBundleEnvelope(t *testing.T) {
	ts := newTestServer(t)
	var env errorEnvelope
	status := ts.doJSON(t, http.MethodPost, "/v0/events/ingest", bundle("repo-a",
		domain.Event{Type: "attempt.created", TS: "2026-01-02T03:04:05Z", ActorID: "worker-1"},
	), &env, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if env.Error.Code != "invalid_bundle" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Error.Details["issues"] == nil {
		t.Fatalf("expected per-event issues in details: %+v", env.Error.Details)
	}
}

func TestArtifactRoundtrip(t *testing.T) {
	ts := newTestServer(t)

	put := func(key, content string) (int, errorEnvelope) {
		req, err := http.NewRequest(http.MethodPut, ts.URL+"/v0/artifacts/"+key+"?name=greeting.txt&target=repo-a", bytes.NewReader([]byte(content)))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-Api-Key", testAPIKey)
		resp, err := ts.Client.Do(req)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		defer resp.Body.Close()
		var env errorEnvelope
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &env)
		return resp.StatusCode, env
	}

	status, _ := put(helloKey, "hello")
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}

	// Declared hash must match the content.
	status, env := put(helloKey, "tampered")
	if status != http.StatusBadRequest || env.Error.Code != "hash_mismatch" {
		t.Fatalf("expected hash_mismatch 400, got %d %+v", status, env)
	}

	// The rejected upload must leave nothing behind: neither a blob under
	// the content's real hash nor a metadata row.
	var recs []domain.ArtifactRecord
	status = ts.doJSON(t, http.MethodGet, "/v0/artifacts", nil, &recs, nil)
	if status != http.StatusOK {
		t.Fatalf("list artifacts: %d", status)
	}
	if len(recs) != 1 || recs[0].SHA256 != helloKey {
		t.Fatalf("rejected upload persisted state: %+v", recs)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v0/artifacts/"+helloKey, nil)
	req.Header.Set("X-Api-Key", testAPIKey)
	resp, err := ts.Client.Do(req)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(blob) != "hello" {
		t.Fatalf("blob roundtrip failed: %d %q", resp.StatusCode, blob)
	}

	var rec domain.ArtifactRecord
	status = ts.doJSON(t, http.MethodGet, "/v0/artifacts/"+helloKey+"/meta", nil, &rec, nil)
	if status != http.StatusOK || rec.Name != "greeting.txt" || rec.SizeBytes != 5 {
		t.Fatalf("unexpected meta: %d %+v", status, rec)
	}

	var env2 errorEnvelope
	status = ts.doJSON(t, http.MethodGet, "/v0/artifacts/"+fmt.Sprintf("%064d", 0)+"/meta", nil, &env2, nil)
	if status != http.StatusNotFound || env2.Error.Code != "not_found" {
		t.Fatalf("expected not_found 404, got %d %+v", status, env2)
	}
}

func TestTargetRegistrationAndCycle(t *testing.T) {
	ts := newTestServer(t)
	backlogPath := filepath.Join(ts.Workspace, "backlog.yml")
	if err := os.WriteFile(backlogPath, []byte(`version: 1
tasks:
  - {id: T-1, title: first, priority: high, ready: true, status: pending}
`), 0o644); err != nil {
		t.Fatalf("write backlog: %v", err)
	}

	var target domain.Target
	status := ts.doJSON(t, http.MethodPost, "/v0/targets", map[string]string{
		"id": "repo-a", "repo_url": "https://example.com/a.git", "backlog_path": backlogPath,
	}, &target, nil)
	if status != http.StatusCreated || target.ID != "repo-a" {
		t.Fatalf("register target: %d %+v", status, target)
	}

	// Duplicate registration conflicts.
	var env errorEnvelope
	status = ts.doJSON(t, http.MethodPost, "/v0/targets", map[string]string{
		"id": "repo-a", "repo_url": "https://example.com/a.git", "backlog_path": backlogPath,
	}, &env, nil)
	if status != http.StatusConflict || env.Error.Code != "conflict" {
		t.Fatalf("expected conflict, got %d %+v", status, env)
	}

	var res scheduler.CycleResult
	status = ts.doJSON(t, http.MethodPost, "/v0/scheduler/cycle", map[string]string{"target": "repo-a"}, &res, nil)
	if status != http.StatusOK {
		t.Fatalf("cycle: %d", status)
	}
	if res.Dispatched == nil || res.Dispatched.TaskID != "T-1" {
		t.Fatalf("expected T-1 dispatched, got %+v", res)
	}

	// The cycle recorded its intent in the log.
	var recent []domain.Event
	ts.doJSON(t, http.MethodGet, "/v0/events/recent?type=attempt.created", nil, &recent, nil)
	if len(recent) != 1 {
		t.Fatalf("attempt.created not visible: %+v", recent)
	}
}

func TestQueueAnnotations(t *testing.T) {
	ts := newTestServer(t)
	backlogPath := filepath.Join(ts.Workspace, "backlog.yml")
	if err := os.WriteFile(backlogPath, []byte(`version: 1
tasks:
  - {id: T-1, priority: high, ready: true, status: pending}
  - {id: T-2, priority: low, ready: true, status: pending}
`), 0o644); err != nil {
		t.Fatalf("write backlog: %v", err)
	}
	ts.doJSON(t, http.MethodPost, "/v0/targets", map[string]string{
		"id": "repo-a", "repo_url": "https://example.com/a.git", "backlog_path": backlogPath,
	}, nil, nil)
	ts.doJSON(t, http.MethodPost, "/v0/events/ingest", bundle("repo-a",
		evt("e-pr", "pr.opened", map[string]any{"pr_id": "pr-1", "task_id": "T-1"}),
	), nil, nil)

	var resp struct {
		Target  string `json:"target"`
		OpenPRs int    `json:"open_prs"`
		Items   []struct {
			Task         domain.Task `json:"task"`
			Dispatchable bool        `json:"dispatchable"`
			Reason       string      `json:"reason"`
		} `json:"items"`
	}
	status := ts.doJSON(t, http.MethodGet, "/v0/queue?target=repo-a", nil, &resp, nil)
	if status != http.StatusOK {
		t.Fatalf("queue: %d", status)
	}
	if resp.OpenPRs != 1 || len(resp.Items) != 2 {
		t.Fatalf("unexpected queue: %+v", resp)
	}
	if resp.Items[0].Task.ID != "T-1" || resp.Items[0].Dispatchable {
		t.Fatalf("T-1 should be latched: %+v", resp.Items[0])
	}
	if !resp.Items[1].Dispatchable {
		t.Fatalf("T-2 should be dispatchable: %+v", resp.Items[1])
	}
}

func TestGraphSummary(t *testing.T) {
	ts := newTestServer(t)
	ts.doJSON(t, http.MethodPost, "/v0/events/ingest", bundle("repo-a",
		evt("e-1", "target.registered", map[string]any{"target_id": "repo-a", "repo_url": "u"}),
		evt("e-2", "attempt.created", map[string]any{"attempt_id": "att-1", "task_id": "T-1", "attempt_number": 1}),
	), nil, nil)

	var body struct {
		Summary struct {
			Nodes map[string]int `json:"nodes"`
			Edges map[string]int `json:"edges"`
		} `json:"summary"`
		LastSeq  int64 `json:"last_seq"`
		Warnings []any `json:"warnings"`
	}
	status := ts.doJSON(t, http.MethodGet, "/v0/graph/summary", nil, &body, nil)
	if status != http.StatusOK {
		t.Fatalf("summary: %d", status)
	}
	if body.Summary.Nodes[graph.NodeTarget] != 1 || body.Summary.Nodes[graph.NodeAttempt] != 1 {
		t.Fatalf("unexpected node counts: %+v", body.Summary.Nodes)
	}
	if body.LastSeq == 0 {
		t.Fatalf("last_seq not reported")
	}
	if len(body.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", body.Warnings)
	}
}

func TestSchedulerStatusAndReset(t *testing.T) {
	ts := newTestServer(t)
	var body struct {
		Breaker domain.BreakerState `json:"breaker"`
		Policy  map[string]int      `json:"policy"`
	}
	status := ts.doJSON(t, http.MethodGet, "/v0/scheduler/status", nil, &body, nil)
	if status != http.StatusOK {
		t.Fatalf("status: %d", status)
	}
	if body.Breaker.Tripped {
		t.Fatalf("fresh breaker should be closed")
	}
	if body.Policy["max_open_prs"] != 3 {
		t.Fatalf("unexpected policy: %+v", body.Policy)
	}

	var b domain.BreakerState
	status = ts.doJSON(t, http.MethodPost, "/v0/scheduler/breaker/reset", nil, &b, nil)
	if status != http.StatusOK || b.Tripped || b.ConsecutiveFailures != 0 {
		t.Fatalf("reset: %d %+v", status, b)
	}
}
