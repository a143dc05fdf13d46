package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"lexeval/internal/engine"
	"lexeval/internal/repo"
	"lexeval/internal/report"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Reporter report.Reporter
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task 7: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the annotator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Lexeval API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerResults(group, cfg.Engine)
	registerStatus(group, cfg.Reporter)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "out of range"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
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

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "next-task",
		Method:      http.MethodGet,
		Path:        "/tasks/next",
		Summary:     "Next task for the annotator",
		Description: "Returns the annotator's current open task, or assigns a free task for the requested target language.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Language   string `query:"language"`
		CampaignID int64  `query:"campaign_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.TaskForUser(ctx, username)
		if err != nil {
			return nil, handleError(err)
		}
		if t == nil {
			if input.Language == "" {
				return nil, newAPIError(http.StatusNotFound, "not_found", "no open task; pass language to request one", nil)
			}
			t, err = e.NextFreeTaskForLanguage(ctx, input.Language, input.CampaignID, username)
			if err != nil {
				return nil, handleError(err)
			}
		}
		if t == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no task available for language "+input.Language, nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(*t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := usernameFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		t.AssignedTo, _ = e.Repo.ListAssignees(ctx, t.ID)
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-item",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/next-item",
		Summary:     "Next unjudged item of a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		it, err := e.NextItemForUser(ctx, input.ID, username)
		if err != nil {
			return nil, handleError(err)
		}
		if it == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no item left in task", nil)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(*it)}, nil
	})
}

func registerResults(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-result",
		Method:        http.MethodPost,
		Path:          "/results",
		Summary:       "Submit a judgment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SubmitResultRequest `json:"body"`
	}) (*struct {
		Body ResultResponse `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitResult(ctx, engine.ResultSubmission{
			TaskID:            input.Body.TaskID,
			ItemRow:           input.Body.ItemRow,
			Username:          username,
			Score:             input.Body.Score,
			ReferenceErrors:   input.Body.ReferenceErrors,
			TranslationErrors: input.Body.TranslationErrors,
			StartTime:         input.Body.StartTime,
			EndTime:           input.Body.EndTime,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})
}

func registerStatus(api huma.API, rep report.Reporter) {
	huma.Register(api, huma.Operation{
		OperationID: "my-status",
		Method:      http.MethodGet,
		Path:        "/status/me",
		Summary:     "Annotation progress for the annotator",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		total, err := rep.CompletedForUser(ctx, username, false)
		if err != nil {
			return nil, handleError(err)
		}
		unique, err := rep.CompletedForUser(ctx, username, true)
		if err != nil {
			return nil, handleError(err)
		}
		done, hits, err := rep.HitStatusForUser(ctx, username)
		if err != nil {
			return nil, handleError(err)
		}
		spent, err := rep.TimeForUser(ctx, username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Username:        username,
			CompletedTotal:  total,
			CompletedUnique: unique,
			CompletedHits:   done,
			TotalHits:       hits,
			TimeSpent:       report.FormatDuration(spent),
		}}, nil
	})
}
