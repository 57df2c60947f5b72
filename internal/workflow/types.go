// Package workflow is the declarative rule engine: rules bind a trigger
// condition to an ordered list of actions, the dispatcher matches rules
// against trigger events, and the executor runs the matched actions.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/yu934913926yu/ai-manager-system/internal/domain"
)

// TriggerType classifies what kind of occurrence fires a rule.
type TriggerType string

const (
	TriggerStatusChange  TriggerType = "status_change"
	TriggerTimeBased     TriggerType = "time_based"
	TriggerDataCondition TriggerType = "data_condition"
	TriggerManual        TriggerType = "manual"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerStatusChange, TriggerTimeBased, TriggerDataCondition, TriggerManual:
		return true
	}
	return false
}

// ActionType classifies one unit of side-effecting work.
type ActionType string

const (
	ActionSendNotification ActionType = "send_notification"
	ActionUpdateStatus     ActionType = "update_status"
	ActionCreateTask       ActionType = "create_task"
	ActionAssignUser       ActionType = "assign_user"
	ActionRunAnalysis      ActionType = "run_analysis"
	ActionCustomFunction   ActionType = "custom_function"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionSendNotification, ActionUpdateStatus, ActionCreateTask,
		ActionAssignUser, ActionRunAnalysis, ActionCustomFunction:
		return true
	}
	return false
}

// Recipient is a symbolic recipient set resolved against the project at
// execution time.
type Recipient string

const (
	RecipientAssignedDesigner Recipient = "assigned_designer"
	RecipientCreator          Recipient = "creator"
	RecipientSales            Recipient = "sales"
	RecipientStakeholders     Recipient = "stakeholders"
)

func (r Recipient) Valid() bool {
	switch r {
	case RecipientAssignedDesigner, RecipientCreator, RecipientSales, RecipientStakeholders:
		return true
	}
	return false
}

// AssignStrategy selects a user among candidates of a role.
type AssignStrategy string

// StrategyLeastWorkload picks the candidate with the fewest active
// projects; ties go to the first-seen candidate.
const StrategyLeastWorkload AssignStrategy = "least_workload"

// Payload keys shared between event producers and rule conditions.
const (
	KeyProjectID = "project_id"
	KeyOldStatus = "old_status"
	KeyNewStatus = "new_status"
	KeyActorID   = "actor_id"
	KeyJobID     = "job_id"
)

// TriggerEvent is a discrete occurrence that may cause rules to run.
// The payload is produced by whoever raises the event: the status
// machine, the scheduler, or a manual API call.
type TriggerEvent struct {
	Type       TriggerType       `json:"type"`
	Payload    map[string]string `json:"payload,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// StatusChangeEvent builds the event raised after a transition.
func StatusChangeEvent(projectID string, from, to domain.Status, actorID string, at time.Time) TriggerEvent {
	return TriggerEvent{
		Type: TriggerStatusChange,
		Payload: map[string]string{
			KeyProjectID: projectID,
			KeyOldStatus: string(from),
			KeyNewStatus: string(to),
			KeyActorID:   actorID,
		},
		OccurredAt: at,
	}
}

// TimeBasedEvent builds the event emitted when a scheduled job fires.
func TimeBasedEvent(jobID string, at time.Time) TriggerEvent {
	return TriggerEvent{
		Type:       TriggerTimeBased,
		Payload:    map[string]string{KeyJobID: jobID},
		OccurredAt: at,
	}
}

// TriggerConditions is a typed conjunction: every non-zero field must
// match the event for the rule to run. Malformed conditions are caught
// at registration, not at dispatch.
type TriggerConditions struct {
	// NewStatus / OldStatus match the corresponding payload fields
	// exactly on status-change events.
	NewStatus domain.Status `json:"new_status,omitempty" yaml:"new_status,omitempty"`
	OldStatus domain.Status `json:"old_status,omitempty" yaml:"old_status,omitempty"`

	// Job restricts a time-based rule to firings of one scheduled job.
	// Empty matches every timed firing.
	Job string `json:"job,omitempty" yaml:"job,omitempty"`

	// DesignerNotAssigned additionally requires the referenced project
	// to currently have no assigned designer, checked live against the
	// entity gateway.
	DesignerNotAssigned bool `json:"designer_not_assigned,omitempty" yaml:"designer_not_assigned,omitempty"`
}

func (c TriggerConditions) validate(trigger TriggerType) error {
	if c.NewStatus != "" && !c.NewStatus.Valid() {
		return fmt.Errorf("new_status: unknown status %q", c.NewStatus)
	}
	if c.OldStatus != "" && !c.OldStatus.Valid() {
		return fmt.Errorf("old_status: unknown status %q", c.OldStatus)
	}
	if trigger != TriggerTimeBased && c.Job != "" {
		return fmt.Errorf("job condition only applies to time_based rules")
	}
	return nil
}

// ActionSpec is one action in a rule's ordered list. Type selects the
// handler; only the parameters for that type are consulted.
type ActionSpec struct {
	Type ActionType `json:"type" yaml:"type"`

	// send_notification
	Template   string      `json:"template,omitempty" yaml:"template,omitempty"`
	Recipients []Recipient `json:"recipients,omitempty" yaml:"recipients,omitempty"`

	// update_status
	TargetStatus domain.Status `json:"target_status,omitempty" yaml:"target_status,omitempty"`
	DelayHours   int           `json:"delay_hours,omitempty" yaml:"delay_hours,omitempty"`

	// create_task
	TaskTemplate string `json:"task_template,omitempty" yaml:"task_template,omitempty"`
	// SkipIfTasksExist suppresses creation when the project already has
	// tasks. Off by default: repeated firings create duplicates.
	SkipIfTasksExist bool `json:"skip_if_tasks_exist,omitempty" yaml:"skip_if_tasks_exist,omitempty"`

	// assign_user
	Role     domain.Role    `json:"role,omitempty" yaml:"role,omitempty"`
	Strategy AssignStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// run_analysis
	AnalysisType string `json:"analysis_type,omitempty" yaml:"analysis_type,omitempty"`

	// custom_function
	Function string `json:"function,omitempty" yaml:"function,omitempty"`
}

func (a ActionSpec) validate() error {
	switch a.Type {
	case ActionSendNotification:
		if len(a.Recipients) == 0 {
			return fmt.Errorf("send_notification: recipients required")
		}
		for _, r := range a.Recipients {
			if !r.Valid() {
				return fmt.Errorf("send_notification: unknown recipient %q", r)
			}
		}
	case ActionUpdateStatus:
		if !a.TargetStatus.Valid() {
			return fmt.Errorf("update_status: unknown target status %q", a.TargetStatus)
		}
		if a.DelayHours < 0 {
			return fmt.Errorf("update_status: negative delay")
		}
	case ActionCreateTask:
		if strings.TrimSpace(a.TaskTemplate) == "" {
			return fmt.Errorf("create_task: task_template required")
		}
		if _, ok := taskTemplates[a.TaskTemplate]; !ok {
			return fmt.Errorf("create_task: unknown template %q", a.TaskTemplate)
		}
	case ActionAssignUser:
		if a.Role == "" {
			return fmt.Errorf("assign_user: role required")
		}
		if a.Strategy != StrategyLeastWorkload {
			return fmt.Errorf("assign_user: unknown strategy %q", a.Strategy)
		}
	case ActionRunAnalysis:
		if strings.TrimSpace(a.AnalysisType) == "" {
			return fmt.Errorf("run_analysis: analysis_type required")
		}
	case ActionCustomFunction:
		if strings.TrimSpace(a.Function) == "" {
			return fmt.Errorf("custom_function: function required")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
	}
	return nil
}

// Rule binds a trigger condition to an ordered action list. Higher
// priority runs first; equal priorities run in registration order.
type Rule struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     TriggerType       `json:"trigger" yaml:"trigger"`
	Conditions  TriggerConditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions     []ActionSpec      `json:"actions" yaml:"actions"`
	Active      bool              `json:"active" yaml:"active"`
	Priority    int               `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Validate checks the rule is well formed. Called at registration so a
// malformed rule never reaches dispatch.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id required")
	}
	if !r.Trigger.Valid() {
		return fmt.Errorf("rule %s: unknown trigger type %q", r.ID, r.Trigger)
	}
	if err := r.Conditions.validate(r.Trigger); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %s: at least one action required", r.ID)
	}
	for i, a := range r.Actions {
		if err := a.validate(); err != nil {
			return fmt.Errorf("rule %s action %d: %w", r.ID, i, err)
		}
	}
	return nil
}
