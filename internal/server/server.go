package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"steward/internal/artifacts"
	"steward/internal/backlog"
	"steward/internal/events"
	"steward/internal/graph"
	"steward/internal/repo"
	"steward/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Repo      repo.Repo
	Store     *events.Store
	Projector *graph.Projector
	Scheduler *scheduler.Scheduler
	Artifacts *artifacts.Store
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"circuit_open"`
	Message string         `json:"message" example:"circuit open after 5 consecutive dispatch failures; reset required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Steward API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Steward API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTargets(group, cfg)
	registerEvents(group, cfg)
	registerArtifacts(group, router, basePath, cfg)
	registerGraph(group, cfg)
	registerQueue(group, cfg)
	registerScheduler(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *events.ValidationError
	if errors.As(err, &verr) {
		issues := make([]map[string]any, 0, len(verr.Issues))
		for _, is := range verr.Issues {
			issues = append(issues, map[string]any{"index": is.Index, "event_id": is.EventID, "reason": is.Reason})
		}
		return newAPIError(http.StatusBadRequest, "invalid_bundle", err.Error(), map[string]any{"issues": issues})
	}
	var pv *backlog.PolicyViolation
	if errors.As(err, &pv) {
		return newAPIError(http.StatusUnprocessableEntity, "policy_violation", err.Error(), map[string]any{"issues": pv.Issues})
	}
	var co *scheduler.CircuitOpenError
	if errors.As(err, &co) {
		return newAPIError(http.StatusConflict, "circuit_open", err.Error(), map[string]any{"consecutive_failures": co.Failures, "since": co.Since})
	}
	var de *scheduler.DispatchError
	if errors.As(err, &de) {
		return newAPIError(http.StatusBadGateway, "dispatch_error", err.Error(), map[string]any{"task_id": de.Order.TaskID, "attempt_id": de.Order.AttemptID})
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, artifacts.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "policy_violation"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}
