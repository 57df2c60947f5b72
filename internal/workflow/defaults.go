package workflow

import "github.com/yu934913926yu/ai-manager-system/internal/domain"

// Job ids the default scheduled jobs fire under. Time-based rules bind
// to these via the Job condition.
const (
	JobOverdueCheck     = "overdue_check"
	JobDeadlineWarnings = "deadline_warnings"
	JobStuckCheck       = "stuck_check"
	JobPaymentReminders = "payment_reminders"
)

// Defaults returns the built-in rule set registered at startup. Callers
// may deactivate or replace any of them by id.
func Defaults() []Rule {
	return []Rule{
		{
			ID:          "auto_assign_designer",
			Name:        "Auto-assign designer on deposit",
			Description: "When the deposit lands and no designer is assigned, pick the least-loaded designer, tell them, and move the project into design.",
			Trigger:     TriggerStatusChange,
			Conditions: TriggerConditions{
				NewStatus:           domain.StatusDepositPaid,
				DesignerNotAssigned: true,
			},
			Actions: []ActionSpec{
				{Type: ActionAssignUser, Role: domain.RoleDesigner, Strategy: StrategyLeastWorkload},
				{Type: ActionSendNotification, Template: "designer_assigned", Recipients: []Recipient{RecipientAssignedDesigner}},
				{Type: ActionUpdateStatus, TargetStatus: domain.StatusInDesign},
			},
			Active:   true,
			Priority: 10,
		},
		{
			ID:          "create_design_tasks",
			Name:        "Create design tasks",
			Description: "When a project enters design, lay out the standard design task set unless tasks already exist.",
			Trigger:     TriggerStatusChange,
			Conditions:  TriggerConditions{NewStatus: domain.StatusInDesign},
			Actions: []ActionSpec{
				{Type: ActionCreateTask, TaskTemplate: "design_workflow", SkipIfTasksExist: true},
				{Type: ActionSendNotification, Template: "tasks_created", Recipients: []Recipient{RecipientAssignedDesigner}},
			},
			Active:   true,
			Priority: 5,
		},
		{
			ID:          "overdue_reminder",
			Name:        "Overdue project reminders",
			Description: "On the overdue sweep, remind stakeholders of every project past its deadline.",
			Trigger:     TriggerTimeBased,
			Conditions:  TriggerConditions{Job: JobOverdueCheck},
			Actions: []ActionSpec{
				{Type: ActionCustomFunction, Function: "check_overdue_projects"},
			},
			Active: true,
		},
		{
			ID:          "deadline_warning_sweep",
			Name:        "Deadline warnings",
			Description: "On the deadline sweep, warn designers and creators of projects due soon.",
			Trigger:     TriggerTimeBased,
			Conditions:  TriggerConditions{Job: JobDeadlineWarnings},
			Actions: []ActionSpec{
				{Type: ActionCustomFunction, Function: "send_deadline_warnings"},
			},
			Active: true,
		},
		{
			ID:          "stuck_project_check",
			Name:        "Stuck project check",
			Description: "On the weekly sweep, flag projects with no updates to their creator and sales contact.",
			Trigger:     TriggerTimeBased,
			Conditions:  TriggerConditions{Job: JobStuckCheck},
			Actions: []ActionSpec{
				{Type: ActionCustomFunction, Function: "check_stuck_projects"},
			},
			Active: true,
		},
		{
			ID:          "payment_reminder_sweep",
			Name:        "Payment reminders",
			Description: "On the payment sweep, chase final payment for completed projects.",
			Trigger:     TriggerTimeBased,
			Conditions:  TriggerConditions{Job: JobPaymentReminders},
			Actions: []ActionSpec{
				{Type: ActionCustomFunction, Function: "send_payment_reminders"},
			},
			Active: true,
		},
		{
			ID:          "payment_status_update",
			Name:        "Archive after final payment",
			Description: "When final payment lands, notify stakeholders and archive the project after a settling window.",
			Trigger:     TriggerStatusChange,
			Conditions:  TriggerConditions{NewStatus: domain.StatusPaid},
			Actions: []ActionSpec{
				{Type: ActionSendNotification, Template: "status_changed", Recipients: []Recipient{RecipientStakeholders}},
				{Type: ActionUpdateStatus, TargetStatus: domain.StatusArchived, DelayHours: 72},
			},
			Active: true,
		},
	}
}
