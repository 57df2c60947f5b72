package workflow

import (
	"context"
	"time"

	"github.com/yu934913926yu/ai-manager-system/internal/domain"
)

// SweepSettings tune the periodic project sweeps.
type SweepSettings struct {
	// DeadlineWarningDays is how far ahead send_deadline_warnings looks.
	DeadlineWarningDays int
	// StuckAfterDays is how long without updates before a project counts
	// as stuck.
	StuckAfterDays int
}

func (s SweepSettings) withDefaults() SweepSettings {
	if s.DeadlineWarningDays <= 0 {
		s.DeadlineWarningDays = 3
	}
	if s.StuckAfterDays <= 0 {
		s.StuckAfterDays = 7
	}
	return s
}

// DefaultFunctions returns the built-in custom function table. Each
// entry is a batch sweep: it walks a project query and fans out
// notifications, and reports counts instead of failing when individual
// deliveries do not land.
func DefaultFunctions() map[string]CustomFunc {
	return map[string]CustomFunc{
		"check_overdue_projects": checkOverdueProjects,
		"send_deadline_warnings": sendDeadlineWarnings,
		"check_stuck_projects":   checkStuckProjects,
		"send_payment_reminders": sendPaymentReminders,
	}
}

// sweep runs one notification pass over a set of projects. Recipient
// resolution and delivery failures are logged per project, never fatal
// to the sweep.
func sweep(ctx context.Context, e *Executor, projects []domain.Project, template string, recipients []Recipient) map[string]any {
	sent := 0
	for _, p := range projects {
		text := renderTemplate(template, p)
		for _, u := range e.resolveRecipients(ctx, p, recipients) {
			if e.notify(ctx, u, template, text) {
				sent++
			}
		}
	}
	return map[string]any{
		"projects":           len(projects),
		"notifications_sent": sent,
	}
}

func checkOverdueProjects(ctx context.Context, e *Executor, _ *ExecutionContext) (map[string]any, error) {
	projects, err := e.Queries.ListOverdueProjects(ctx, e.now())
	if err != nil {
		return nil, &GatewayError{Op: "list_overdue_projects", Err: err}
	}
	return sweep(ctx, e, projects, "overdue_reminder", []Recipient{RecipientStakeholders}), nil
}

func sendDeadlineWarnings(ctx context.Context, e *Executor, _ *ExecutionContext) (map[string]any, error) {
	days := e.Sweeps.withDefaults().DeadlineWarningDays
	projects, err := e.Queries.ListProjectsWithDeadlineWithin(ctx, e.now(), days)
	if err != nil {
		return nil, &GatewayError{Op: "list_deadline_projects", Err: err}
	}
	return sweep(ctx, e, projects, "deadline_warning", []Recipient{RecipientAssignedDesigner, RecipientCreator}), nil
}

func checkStuckProjects(ctx context.Context, e *Executor, _ *ExecutionContext) (map[string]any, error) {
	days := e.Sweeps.withDefaults().StuckAfterDays
	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	projects, err := e.Queries.ListStuckProjects(ctx, cutoff)
	if err != nil {
		return nil, &GatewayError{Op: "list_stuck_projects", Err: err}
	}
	return sweep(ctx, e, projects, "stuck_project", []Recipient{RecipientCreator, RecipientSales}), nil
}

func sendPaymentReminders(ctx context.Context, e *Executor, _ *ExecutionContext) (map[string]any, error) {
	projects, err := e.Queries.ListUnpaidCompletedProjects(ctx)
	if err != nil {
		return nil, &GatewayError{Op: "list_unpaid_projects", Err: err}
	}
	return sweep(ctx, e, projects, "payment_reminder", []Recipient{RecipientSales, RecipientCreator}), nil
}
