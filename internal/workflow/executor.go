package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yu934913926yu/ai-manager-system/internal/domain"
	"github.com/yu934913926yu/ai-manager-system/internal/gateway"
	"github.com/yu934913926yu/ai-manager-system/internal/status"
)

const defaultGatewayTimeout = 10 * time.Second

// StatusTransitioner is the slice of the status machine the executor
// needs for update_status actions.
type StatusTransitioner interface {
	Transition(ctx context.Context, projectID string, newStatus domain.Status, actor domain.User, reason string) (status.Result, error)
}

// StatusDeferrer schedules a status change to run later as a one-time
// job instead of sleeping on the dispatch path.
type StatusDeferrer interface {
	DeferStatusChange(ctx context.Context, projectID string, to domain.Status, delay time.Duration) (jobID string, err error)
}

// NotificationLogger records delivery attempts. May be nil.
type NotificationLogger interface {
	LogNotification(ctx context.Context, rec domain.NotificationRecord) error
}

// CustomFunc is a named system function invokable from custom_function
// actions.
type CustomFunc func(ctx context.Context, e *Executor, ectx *ExecutionContext) (map[string]any, error)

// ActionResult is the outcome of one executed action.
type ActionResult struct {
	Type    ActionType     `json:"type"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type handlerFunc func(ctx context.Context, a ActionSpec, ectx *ExecutionContext) (map[string]any, error)

// Executor runs a rule's actions strictly in list order against the
// shared execution context.
type Executor struct {
	Entities  gateway.EntityGateway
	Queries   gateway.ProjectQueries
	Notifier  gateway.NotificationGateway
	Analyzer  gateway.AnalysisGateway
	Machine   StatusTransitioner
	Deferrer  StatusDeferrer
	NotifyLog NotificationLogger
	Functions map[string]CustomFunc

	// GatewayTimeout bounds each outbound notification/analysis call.
	GatewayTimeout time.Duration
	Sweeps         SweepSettings
	Now            func() time.Time
	Logger         zerolog.Logger

	handlers map[ActionType]handlerFunc
}

// ExecutorConfig collects the executor's collaborators.
type ExecutorConfig struct {
	Entities       gateway.EntityGateway
	Queries        gateway.ProjectQueries
	Notifier       gateway.NotificationGateway
	Analyzer       gateway.AnalysisGateway
	Machine        StatusTransitioner
	Deferrer       StatusDeferrer
	NotifyLog      NotificationLogger
	Functions      map[string]CustomFunc
	GatewayTimeout time.Duration
	Sweeps         SweepSettings
	Logger         zerolog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		Entities:       cfg.Entities,
		Queries:        cfg.Queries,
		Notifier:       cfg.Notifier,
		Analyzer:       cfg.Analyzer,
		Machine:        cfg.Machine,
		Deferrer:       cfg.Deferrer,
		NotifyLog:      cfg.NotifyLog,
		Functions:      cfg.Functions,
		GatewayTimeout: cfg.GatewayTimeout,
		Sweeps:         cfg.Sweeps,
		Now:            time.Now,
		Logger:         cfg.Logger,
	}
	if e.GatewayTimeout <= 0 {
		e.GatewayTimeout = defaultGatewayTimeout
	}
	if e.Functions == nil {
		e.Functions = DefaultFunctions()
	}
	e.handlers = map[ActionType]handlerFunc{
		ActionSendNotification: e.handleSendNotification,
		ActionUpdateStatus:     e.handleUpdateStatus,
		ActionCreateTask:       e.handleCreateTask,
		ActionAssignUser:       e.handleAssignUser,
		ActionRunAnalysis:      e.handleRunAnalysis,
		ActionCustomFunction:   e.handleCustomFunction,
	}
	return e
}

// Run executes every action of the rule in order. A failing action is
// recorded and subsequent actions still run; later actions may not
// depend on the failed one, and skipping them would hide work the rule
// author asked for. The returned error aggregates the action failures
// so the dispatcher can report the rule as failed.
func (e *Executor) Run(ctx context.Context, rule Rule, ectx *ExecutionContext) ([]ActionResult, error) {
	results := make([]ActionResult, 0, len(rule.Actions))
	var errs []error
	for i, action := range rule.Actions {
		handler, ok := e.handlers[action.Type]
		if !ok {
			// Registration validation makes this unreachable for rules
			// that went through the registry; fatal for the rule only.
			return results, fmt.Errorf("%w: %q", ErrUnknownActionType, action.Type)
		}
		details, err := handler(ctx, action, ectx)
		res := ActionResult{Type: action.Type, Details: details}
		if err != nil {
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("action %d (%s): %w", i, action.Type, err))
			e.Logger.Warn().
				Str("rule_id", rule.ID).
				Str("action", string(action.Type)).
				Err(err).
				Msg("action failed")
		} else {
			res.Success = true
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) gatewayCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.GatewayTimeout)
}

// resolveRecipients maps symbolic recipient sets to concrete users,
// deduplicated by id and kept in first-seen order.
func (e *Executor) resolveRecipients(ctx context.Context, project domain.Project, recipients []Recipient) []domain.User {
	seen := make(map[string]bool)
	var users []domain.User
	add := func(id *string) {
		if id == nil || *id == "" || seen[*id] {
			return
		}
		u, err := e.Entities.GetUser(ctx, *id)
		if err != nil {
			e.Logger.Warn().Str("user_id", *id).Err(err).Msg("recipient lookup failed")
			return
		}
		seen[*id] = true
		users = append(users, u)
	}
	for _, r := range recipients {
		switch r {
		case RecipientAssignedDesigner:
			add(project.DesignerID)
		case RecipientCreator:
			add(&project.CreatorID)
		case RecipientSales:
			add(project.SalesID)
		case RecipientStakeholders:
			add(&project.CreatorID)
			add(project.DesignerID)
			add(project.SalesID)
		}
	}
	return users
}

// notify delivers one message, bounded by the gateway timeout, and
// records the attempt. A timeout counts as a failed delivery, never a
// crash.
func (e *Executor) notify(ctx context.Context, user domain.User, kind, text string) bool {
	if user.ChatHandle == "" {
		return false
	}
	sendCtx, cancel := e.gatewayCtx(ctx)
	defer cancel()
	delivered, err := e.Notifier.Send(sendCtx, user.ChatHandle, text)
	if err != nil {
		e.Logger.Warn().Str("recipient", user.ChatHandle).Err(err).Msg("notification delivery failed")
		delivered = false
	}
	if e.NotifyLog != nil {
		rec := domain.NotificationRecord{
			ID:        uuid.New().String(),
			Recipient: user.ChatHandle,
			Kind:      kind,
			Message:   text,
			Delivered: delivered,
			CreatedAt: e.now().UTC().Format(time.RFC3339),
		}
		if err := e.NotifyLog.LogNotification(ctx, rec); err != nil {
			e.Logger.Warn().Err(err).Msg("notification log write failed")
		}
	}
	return delivered
}

func (e *Executor) handleSendNotification(ctx context.Context, a ActionSpec, ectx *ExecutionContext) (map[string]any, error) {
	project, err := ectx.Project(ctx)
	if err != nil {
		return nil, err
	}
	users := e.resolveRecipients(ctx, project, a.Recipients)
	text := renderTemplate(a.Template, project)

	sent := 0
	var names []string
	for _, u := range users {
		if e.notify(ctx, u, a.Template, text) {
			sent++
		}
		names = append(names, u.DisplayName())
	}
	return map[string]any{
		"template":           a.Template,
		"notifications_sent": sent,
		"recipients":         names,
	}, nil
}

func (e *Executor) handleUpdateStatus(ctx context.Context, a ActionSpec, ectx *ExecutionContext) (map[string]any, error) {
	projectID := ectx.ProjectID()
	if projectID == "" {
		return nil, fmt.Errorf("no project in context")
	}
	if a.DelayHours > 0 {
		delay := time.Duration(a.DelayHours) * time.Hour
		jobID, err := e.Deferrer.DeferStatusChange(ctx, projectID, a.TargetStatus, delay)
		if err != nil {
			return nil, fmt.Errorf("defer status change: %w", err)
		}
		return map[string]any{
			"deferred":      true,
			"job_id":        jobID,
			"target_status": string(a.TargetStatus),
		}, nil
	}
	res, err := e.Machine.Transition(ctx, projectID, a.TargetStatus, domain.System, "workflow automation")
	if err != nil {
		return nil, err
	}
	ectx.InvalidateProject()
	return map[string]any{
		"old_status": string(res.From),
		"new_status": string(res.To),
	}, nil
}

func (e *Executor) handleCreateTask(ctx context.Context, a ActionSpec, ectx *ExecutionContext) (map[string]any, error) {
	project, err := ectx.Project(ctx)
	if err != nil {
		return nil, err
	}
	if a.SkipIfTasksExist {
		existing, err := e.Queries.ListTasksForProject(ctx, project.ID)
		if err != nil {
			return nil, &GatewayError{Op: "list_tasks", Err: err}
		}
		if len(existing) > 0 {
			return map[string]any{"template": a.TaskTemplate, "skipped": true}, nil
		}
	}
	templates := taskTemplates[a.TaskTemplate]
	now := e.now().UTC().Format(time.RFC3339)
	var titles []string
	for _, tpl := range templates {
		task := domain.Task{
			ID:          uuid.New().String(),
			ProjectID:   project.ID,
			Title:       tpl.Title,
			Description: tpl.Description,
			Status:      "pending",
			Priority:    tpl.Priority,
			CreatorID:   domain.System.ID,
			AssigneeID:  project.DesignerID,
			CreatedAt:   now,
		}
		if _, err := e.Entities.CreateTask(ctx, task); err != nil {
			return nil, &GatewayError{Op: "create_task", Err: err}
		}
		titles = append(titles, tpl.Title)
	}
	return map[string]any{
		"template":      a.TaskTemplate,
		"tasks_created": len(titles),
		"task_titles":   titles,
	}, nil
}

func (e *Executor) handleAssignUser(ctx context.Context, a ActionSpec, ectx *ExecutionContext) (map[string]any, error) {
	project, err := ectx.Project(ctx)
	if err != nil {
		return nil, err
	}
	candidates, err := e.Entities.ListUsersByRole(ctx, a.Role)
	if err != nil {
		return nil, &GatewayError{Op: "list_users", Err: err}
	}
	var active []domain.User
	for _, u := range candidates {
		if u.IsActive {
			active = append(active, u)
		}
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("no active %s candidates", a.Role)
	}

	// least_workload: fewest active projects wins, first seen breaks ties.
	best := active[0]
	bestCount := -1
	for _, u := range active {
		count, err := e.Entities.CountActiveProjectsForUser(ctx, u.ID)
		if err != nil {
			return nil, &GatewayError{Op: "count_active_projects", Err: err}
		}
		if bestCount < 0 || count < bestCount {
			best = u
			bestCount = count
		}
	}

	patch := gateway.ProjectPatch{UpdatedAt: e.now().UTC().Format(time.RFC3339)}
	switch a.Role {
	case domain.RoleSales:
		patch.SalesID = &best.ID
	default:
		patch.DesignerID = &best.ID
	}
	if err := e.Entities.UpdateProject(ctx, project.ID, patch); err != nil {
		return nil, &GatewayError{Op: "update_project", Err: err}
	}
	ectx.InvalidateProject()
	return map[string]any{
		"assigned_user_id":   best.ID,
		"assigned_user_name": best.DisplayName(),
		"workload":           bestCount,
	}, nil
}

// handleRunAnalysis reports analysis failures in its result instead of
// failing the action; the AI service being down must not mark the rule
// broken.
func (e *Executor) handleRunAnalysis(ctx context.Context, a ActionSpec, ectx *ExecutionContext) (map[string]any, error) {
	project, err := ectx.Project(ctx)
	if err != nil {
		return nil, err
	}
	input := gateway.AnalysisInput{
		Kind:        a.AnalysisType,
		ProjectID:   project.ID,
		ProjectName: project.Name,
		Customer:    project.CustomerName,
		Category:    project.Category,
		Description: project.Description,
	}
	callCtx, cancel := e.gatewayCtx(ctx)
	defer cancel()
	result, err := e.Analyzer.Analyze(callCtx, input)
	if err != nil {
		gerr := &GatewayError{Op: "analyze", Err: err}
		e.Logger.Warn().Str("analysis_type", a.AnalysisType).Err(err).Msg("analysis failed")
		// ActionResult.Success stays true; degraded marks the outcome
		return map[string]any{
			"analysis_type": a.AnalysisType,
			"degraded":      true,
			"error":         gerr.Error(),
		}, nil
	}
	return map[string]any{
		"analysis_type": a.AnalysisType,
		"result":        result,
	}, nil
}

func (e *Executor) handleCustomFunction(ctx context.Context, a ActionSpec, ectx *ExecutionContext) (map[string]any, error) {
	fn, ok := e.Functions[a.Function]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, a.Function)
	}
	return fn(ctx, e, ectx)
}
