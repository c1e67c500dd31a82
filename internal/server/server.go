package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"safeline/internal/domain"
	"safeline/internal/engine"
	"safeline/internal/policy"
	"safeline/internal/repo"
	"safeline/internal/rollback"
	"safeline/internal/router"
	"safeline/internal/snapshot"
)

// Config for the HTTP API handler. Snapshots and Rollbacks default to the
// locations derived from Engine.Config.
type Config struct {
	Engine    engine.Engine
	Snapshots snapshot.Manager
	Rollbacks rollback.Manager
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"snapshot not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the safeline admin API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.Config != nil {
		if cfg.Snapshots.Root == "" {
			cfg.Snapshots = engine.Snapshots(cfg.Engine.Config, cfg.Engine.Logger)
		}
		if cfg.Rollbacks.LogPath == "" {
			cfg.Rollbacks = engine.Rollbacks(cfg.Engine.Config, cfg.Snapshots, cfg.Engine.Logger)
		}
	}
	huma.DefaultArrayNullable = false
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

	r := chi.NewRouter()
	r.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("safeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(r, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(r, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerCycles(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSnapshots(group, cfg.Snapshots)
	registerRollbacks(group, cfg.Rollbacks)
	registerAssess(group, cfg.Engine)
	registerKillSwitch(group, cfg.Engine)
	registerOpenAPI(r, api, basePath)

	return r, nil
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
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, snapshot.ErrSnapshotNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, policy.ErrProfileNotFound):
		return newAPIError(http.StatusBadRequest, "unknown_profile", err.Error(), nil)
	case errors.Is(err, router.ErrNoRule):
		return newAPIError(http.StatusUnprocessableEntity, "no_rule", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>safeline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Pipeline status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := StatusResponse{
			KillSwitch: e.KillSwitchActive(),
			Counts:     counts,
		}
		if e.Config != nil {
			resp.Profile = e.Config.Policy.Profile
		}
		latest, err := e.Repo.LatestHealth(ctx, 1, 0)
		if err != nil {
			return nil, handleError(err)
		}
		if len(latest) > 0 {
			resp.LatestCycle = &latest[0]
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List recorded task outcomes",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID  string `query:"task_id"`
		Status  string `query:"status" enum:"executed,failed,rolled_back,escalated,blocked"`
		CycleID string `query:"cycle_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedExecutions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursor, apiErr := parseCursor(input.Cursor)
		if apiErr != nil {
			return nil, apiErr
		}
		items, err := e.Repo.LatestExecutions(ctx, repo.ExecutionFilters{
			TaskID:  input.TaskID,
			Status:  input.Status,
			CycleID: input.CycleID,
			Limit:   limit + 1,
			Cursor:  cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedExecutions{Items: []domain.ExecutionMetric{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedExecutions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{task_id}",
		Summary:     "Latest recorded outcome for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.ExecutionMetric `json:"body"`
	}, error) {
		m, err := e.Repo.LatestExecution(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionMetric `json:"body"`
		}{Body: m}, nil
	})
}

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "List heartbeat cycle health rows",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedCycles `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursor, apiErr := parseCursor(input.Cursor)
		if apiErr != nil {
			return nil, apiErr
		}
		items, err := e.Repo.LatestHealth(ctx, limit+1, cursor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCycles{Items: []domain.CycleHealth{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedCycles `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		CycleID string `query:"cycle_id"`
		TaskID  string `query:"task_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursor, apiErr := parseCursor(input.Cursor)
		if apiErr != nil {
			return nil, apiErr
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursor, input.Type, input.CycleID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSnapshots(api huma.API, snaps snapshot.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "list-snapshots",
		Method:      http.MethodGet,
		Path:        "/snapshots",
		Summary:     "List snapshots, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body snapshotList `json:"body"`
	}, error) {
		items, err := snaps.List(normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := snapshotList{Items: []domain.SnapshotMeta{}}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body snapshotList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/snapshots/{snapshot_id}",
		Summary:     "Snapshot metadata",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SnapshotID string `path:"snapshot_id"`
	}) (*struct {
		Body domain.SnapshotMeta `json:"body"`
	}, error) {
		meta, err := snaps.Info(input.SnapshotID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SnapshotMeta `json:"body"`
		}{Body: meta}, nil
	})
}

func registerRollbacks(api huma.API, rb rollback.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rollbacks",
		Method:      http.MethodGet,
		Path:        "/rollbacks",
		Summary:     "Rollback log, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body rollbackList `json:"body"`
	}, error) {
		items, err := rb.History(normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := rollbackList{Items: []rollback.Entry{}}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body rollbackList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAssess(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assess-task",
		Method:      http.MethodPost,
		Path:        "/assess",
		Summary:     "Score a task and route it without running anything",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body AssessRequest `json:"body"`
	}) (*struct {
		Body AssessResponse `json:"body"`
	}, error) {
		if e.Profiles == nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "no profile store configured", nil)
		}
		name := input.Body.Profile
		if name == "" && e.Config != nil {
			name = e.Config.Policy.Profile
		}
		profile, err := e.Profiles.Load(name)
		if err != nil {
			return nil, handleError(err)
		}
		task := domain.Task{
			ID:         input.Body.TaskID,
			ActionType: input.Body.ActionType,
			Payload:    domain.ClonePayload(input.Body.Payload),
			Source:     "api",
		}
		d, err := router.Decide(task, profile, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessResponse `json:"body"`
		}{Body: AssessResponse{
			TaskID:         task.ID,
			Risk:           d.Risk,
			Decision:       d,
			NeedsRehearsal: router.NeedsRehearsal(d),
			Explanation:    router.Explain(task, d),
		}}, nil
	})
}

func registerKillSwitch(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-killswitch",
		Method:      http.MethodGet,
		Path:        "/killswitch",
		Summary:     "Kill switch state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body KillSwitchResponse `json:"body"`
	}, error) {
		return &struct {
			Body KillSwitchResponse `json:"body"`
		}{Body: KillSwitchResponse{Active: e.KillSwitchActive(), Path: e.KillSwitch}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-killswitch",
		Method:      http.MethodPut,
		Path:        "/killswitch",
		Summary:     "Engage or release the kill switch",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body KillSwitchRequest `json:"body"`
	}) (*struct {
		Body KillSwitchResponse `json:"body"`
	}, error) {
		if apiErr := requirePermission(ctx, PermKillSwitchWrite); apiErr != nil {
			return nil, apiErr
		}
		p, _ := principalFromContext(ctx)
		if err := e.SetKillSwitch(ctx, input.Body.Active, input.Body.Reason, p.Subject); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KillSwitchResponse `json:"body"`
		}{Body: KillSwitchResponse{Active: e.KillSwitchActive(), Path: e.KillSwitch}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCursor(cursor string) (int64, huma.StatusError) {
	if cursor == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || id <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return id, nil
}
