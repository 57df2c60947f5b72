// Package server exposes the automation engine over HTTP: project
// transitions and timelines, rule management, scheduler control, and
// manual event dispatch.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/yu934913926yu/ai-manager-system/internal/app"
	"github.com/yu934913926yu/ai-manager-system/internal/domain"
	"github.com/yu934913926yu/ai-manager-system/internal/gateway"
	"github.com/yu934913926yu/ai-manager-system/internal/scheduler"
	"github.com/yu934913926yu/ai-manager-system/internal/status"
	"github.com/yu934913926yu/ai-manager-system/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"illegal transition quoted -> completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the AI Manager API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Store))
	hcfg := huma.DefaultConfig("AI Manager API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.App)
	registerRules(group, cfg.App)
	registerJobs(group, cfg.App)
	registerDispatch(group, cfg.App)
	registerNotifications(group, cfg.App)

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
	var it status.IllegalTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{
			"from": string(it.From),
			"to":   string(it.To),
		})
	}
	var js *scheduler.JobSchedulingError
	if errors.As(err, &js) {
		return newAPIError(http.StatusBadRequest, "bad_schedule", err.Error(), map[string]any{"spec": js.Spec})
	}
	if errors.Is(err, gateway.ErrNotFound) || errors.Is(err, workflow.ErrRuleNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(code), " ", "_"))
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

func registerProjects(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Project details",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := a.Store.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	type transitionInput struct {
		ProjectID string `path:"project_id"`
		Body      struct {
			Status domain.Status `json:"status"`
			Reason string        `json:"reason,omitempty"`
		} `json:"body"`
	}
	type transitionBody struct {
		Record      domain.StatusChangeRecord `json:"record"`
		From        domain.Status             `json:"from"`
		To          domain.Status             `json:"to"`
		SideEffects []string                  `json:"side_effects,omitempty"`
		NextActions []string                  `json:"next_actions,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "transition-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/transition",
		Summary:     "Move a project to a new status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *transitionInput) (*struct {
		Body transitionBody `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor, err := a.Store.GetUser(ctx, actorID)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				return nil, newAPIError(http.StatusForbidden, "unknown_actor", "actor is not a registered user", nil)
			}
			return nil, handleError(err)
		}
		res, err := a.Machine.Transition(ctx, input.ProjectID, input.Body.Status, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body transitionBody `json:"body"`
		}{Body: transitionBody{
			Record:      res.Record,
			From:        res.From,
			To:          res.To,
			SideEffects: res.SideEffects,
			NextActions: res.NextActions,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-timeline",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/timeline",
		Summary:     "Project status history",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.StatusChangeRecord `json:"body"`
	}, error) {
		if _, err := a.Store.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		records, err := a.Store.ListStatusChanges(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusChangeRecord `json:"body"`
		}{Body: records}, nil
	})

	type nextBody struct {
		Status       domain.Status   `json:"status"`
		NextStatuses []domain.Status `json:"next_statuses"`
		NextActions  []string        `json:"next_actions,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "project-next",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/next",
		Summary:     "Reachable statuses and recommended follow-ups",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body nextBody `json:"body"`
	}, error) {
		p, err := a.Store.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body nextBody `json:"body"`
		}{Body: nextBody{
			Status:       p.Status,
			NextStatuses: status.NextStatuses(p.Status),
			NextActions:  status.RecommendedActions(p.Status),
		}}, nil
	})
}

func registerRules(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List registered rules",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []workflow.Rule `json:"body"`
	}, error) {
		return &struct {
			Body []workflow.Rule `json:"body"`
		}{Body: a.Registry.All()}, nil
	})

	type rulePath struct {
		RuleID string `path:"rule_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Rule details",
	}, func(ctx context.Context, input *rulePath) (*struct {
		Body workflow.Rule `json:"body"`
	}, error) {
		rule, err := a.Registry.Get(input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.Rule `json:"body"`
		}{Body: rule}, nil
	})

	type ruleInput struct {
		Body workflow.Rule `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "register-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Register or replace a rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *ruleInput) (*struct {
		Body workflow.Rule `json:"body"`
	}, error) {
		if err := a.Registry.Register(input.Body); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_rule", err.Error(), nil)
		}
		rule, err := a.Registry.Get(input.Body.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.Rule `json:"body"`
		}{Body: rule}, nil
	})

	setActive := func(activate bool) func(ctx context.Context, input *rulePath) (*struct {
		Body workflow.Rule `json:"body"`
	}, error) {
		return func(ctx context.Context, input *rulePath) (*struct {
			Body workflow.Rule `json:"body"`
		}, error) {
			var err error
			if activate {
				err = a.Registry.Reactivate(input.RuleID)
			} else {
				err = a.Registry.Deactivate(input.RuleID)
			}
			if err != nil {
				return nil, handleError(err)
			}
			rule, err := a.Registry.Get(input.RuleID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body workflow.Rule `json:"body"`
			}{Body: rule}, nil
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "activate-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/activate",
		Summary:     "Reactivate a rule",
	}, setActive(true))
	huma.Register(api, huma.Operation{
		OperationID: "deactivate-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/deactivate",
		Summary:     "Deactivate a rule",
	}, setActive(false))
}

func registerJobs(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List scheduled jobs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []scheduler.JobInfo `json:"body"`
	}, error) {
		return &struct {
			Body []scheduler.JobInfo `json:"body"`
		}{Body: a.Scheduler.Jobs()}, nil
	})

	type jobPath struct {
		JobID string `path:"job_id"`
	}
	type jobBody struct {
		JobID string `json:"job_id"`
		State string `json:"state"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "pause-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/pause",
		Summary:     "Pause a scheduled job",
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body jobBody `json:"body"`
	}, error) {
		if !a.Scheduler.Pause(input.JobID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown job "+input.JobID, nil)
		}
		return &struct {
			Body jobBody `json:"body"`
		}{Body: jobBody{JobID: input.JobID, State: "paused"}}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "resume-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/resume",
		Summary:     "Resume a paused job",
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body jobBody `json:"body"`
	}, error) {
		if !a.Scheduler.Resume(input.JobID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown job "+input.JobID, nil)
		}
		return &struct {
			Body jobBody `json:"body"`
		}{Body: jobBody{JobID: input.JobID, State: "scheduled"}}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "remove-job",
		Method:      http.MethodDelete,
		Path:        "/jobs/{job_id}",
		Summary:     "Remove a scheduled job",
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body jobBody `json:"body"`
	}, error) {
		a.Scheduler.Remove(input.JobID)
		return &struct {
			Body jobBody `json:"body"`
		}{Body: jobBody{JobID: input.JobID, State: "removed"}}, nil
	})
}

func registerDispatch(api huma.API, a *app.App) {
	type dispatchInput struct {
		Body struct {
			Type    workflow.TriggerType `json:"type"`
			Payload map[string]string    `json:"payload,omitempty"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-event",
		Method:      http.MethodPost,
		Path:        "/dispatch",
		Summary:     "Dispatch a trigger event through the rule engine",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *dispatchInput) (*struct {
		Body []workflow.RuleResult `json:"body"`
	}, error) {
		if !input.Body.Type.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown trigger type", nil)
		}
		ev := workflow.TriggerEvent{
			Type:       input.Body.Type,
			Payload:    input.Body.Payload,
			OccurredAt: time.Now().UTC(),
		}
		results := a.Dispatcher.Dispatch(ctx, ev)
		return &struct {
			Body []workflow.RuleResult `json:"body"`
		}{Body: results}, nil
	})
}

func registerNotifications(api huma.API, a *app.App) {
	type listInput struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Recent notification deliveries",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.NotificationRecord `json:"body"`
	}, error) {
		records, err := a.Store.ListNotifications(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.NotificationRecord `json:"body"`
		}{Body: records}, nil
	})
}
