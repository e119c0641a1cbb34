// Package server exposes the engine's public operations over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"proposalflow/internal/coord"
	"proposalflow/internal/db"
	"proposalflow/internal/domain"
	"proposalflow/internal/engine"
	"proposalflow/internal/events"
	"proposalflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Events   events.Reader
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"project not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError is the {"error":{code,message,details}} envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the proposalflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, body)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("proposalflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerOperations(group, cfg.Engine)
	registerResponses(group, cfg.Engine)
	registerEvents(group, cfg.Events)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var conflict *repo.ConflictError
	switch {
	case errors.Is(err, engine.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrUnknownToken):
		return newAPIError(http.StatusNotFound, "unknown_token", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &conflict):
		return newAPIError(http.StatusConflict, "conflict", msg, map[string]any{
			"actual_status":  conflict.ActualStatus,
			"actual_version": conflict.ActualVersion,
		})
	case errors.Is(err, repo.ErrIllegalTransition):
		return newAPIError(http.StatusConflict, "illegal_transition", msg, nil)
	case errors.Is(err, coord.ErrLockContention):
		return newAPIError(http.StatusConflict, "locked", "project is being processed; retry shortly", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Submit an RFP",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SubmitProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, PermSubmit)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		b := input.Body
		p, err := e.SubmitProject(ctx, domain.ProjectMeta{
			Title:       b.Title,
			ClientName:  b.ClientName,
			ClientEmail: b.ClientEmail,
			LeadEmail:   b.LeadEmail,
			RFP:         b.RFP,
			DueAt:       b.DueAt,
			Priority:    domain.PriorityClass(b.Priority),
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" doc:"Comma separated statuses"`
		Active    bool   `query:"active"`
		Escalated string `query:"escalated" doc:"true or false"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedProjects `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, PermRead); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		f := repo.ProjectFilter{ActiveOnly: input.Active, Limit: limit + 1}
		for _, s := range strings.Split(input.Status, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Status = append(f.Status, domain.Status(s))
			}
		}
		if input.Escalated != "" {
			v := input.Escalated == "true"
			f.Escalated = &v
		}
		var err error
		if f.CursorCreatedAt, f.CursorID, err = parseCompositeCursor(input.Cursor); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListProjects(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedProjects{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(db.FormatTime(last.CreatedAt), last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedProjects `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Project snapshot with lock holder, history and validation round",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, PermRead); authErr != nil {
			return nil, authErr
		}
		snap, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: snapshotResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/history",
		Summary:     "Transition history, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, PermRead); authErr != nil {
			return nil, authErr
		}
		items, err := e.History(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: transitionResponses(items)}, nil
	})
}

func registerOperations(api huma.API, e engine.Engine) {
	ops := []struct {
		id, path, summary string
		run               func(ctx context.Context, id, actor, reason string) (domain.Project, error)
	}{
		{"unblock-project", "/projects/{project_id}/unblock", "Return a blocked project to where it stopped", e.Unblock},
		{"abandon-project", "/projects/{project_id}/abandon", "Write off a blocked project", e.Abandon},
	}
	for _, op := range ops {
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ProjectID string        `path:"project_id"`
			Body      ReasonRequest `json:"body"`
		}) (*struct {
			Body ProjectResponse `json:"body"`
		}, error) {
			actor, authErr := authorize(ctx, PermOperate)
			if authErr != nil {
				return nil, authErr
			}
			p, err := op.run(ctx, input.ProjectID, actor, input.Body.Reason)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ProjectResponse `json:"body"`
			}{Body: projectResponse(p)}, nil
		})
	}
}

func registerResponses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-response",
		Method:      http.MethodPost,
		Path:        "/responses",
		Summary:     "Record an external reply by correlation token",
		Description: "Called by the notification provider for validation answers, client clarifications and review decisions. Duplicate replies return accepted=false.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RecordResponseRequest `json:"body"`
	}) (*struct {
		Body engine.ResponseResult `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, PermRespond); authErr != nil {
			return nil, authErr
		}
		var payload json.RawMessage
		if input.Body.Payload != nil {
			raw, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
			}
			payload = raw
		}
		res, err := e.RecordExternalResponse(ctx, input.Body.Token, payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ResponseResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, r events.Reader) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events in id order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, PermRead); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := r.List(ctx, events.Filter{ProjectID: input.ProjectID, Type: input.Type, AfterID: after, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
