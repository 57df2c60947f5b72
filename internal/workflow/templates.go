package workflow

import (
	"fmt"

	"github.com/yu934913926yu/ai-manager-system/internal/domain"
)

// TaskTemplate is one task blueprint inside a named template set.
type TaskTemplate struct {
	Title       string
	Description string
	Priority    string
}

// taskTemplates are the named task sets a create_task action may
// instantiate. Tasks are created in listing order.
var taskTemplates = map[string][]TaskTemplate{
	"design_workflow": {
		{Title: "Requirements analysis", Description: "Review the brief and confirm scope with the customer contact", Priority: "high"},
		{Title: "Creative concept", Description: "Prepare initial concept directions for internal review", Priority: "high"},
		{Title: "First draft", Description: "Produce the first design draft for customer review", Priority: "medium"},
		{Title: "Customer feedback round", Description: "Collect feedback and log requested revisions", Priority: "medium"},
	},
	"project_kickoff": {
		{Title: "Kickoff checklist", Description: "Confirm deadline, deliverables, and point of contact", Priority: "high"},
		{Title: "Asset collection", Description: "Gather source material and brand assets from the customer", Priority: "medium"},
	},
}

// TaskTemplateNames lists the known template sets, for validation
// errors and the rules API.
func TaskTemplateNames() []string {
	names := make([]string, 0, len(taskTemplates))
	for name := range taskTemplates {
		names = append(names, name)
	}
	return names
}

// renderTemplate produces the outbound message text for a notification
// template. Unknown template names fall back to a generic status line
// so a rule with a typo'd template still tells the recipient something.
func renderTemplate(template string, p domain.Project) string {
	switch template {
	case "designer_assigned":
		return fmt.Sprintf("You have been assigned to project %s (%s).", p.Name, p.Number)
	case "design_started":
		return fmt.Sprintf("Design work has started on project %s (%s).", p.Name, p.Number)
	case "tasks_created":
		return fmt.Sprintf("Design tasks were created for project %s (%s).", p.Name, p.Number)
	case "status_changed":
		return fmt.Sprintf("Project %s (%s) is now %s.", p.Name, p.Number, p.Status)
	case "deadline_warning":
		due := ""
		if p.Deadline != nil {
			due = " (due " + *p.Deadline + ")"
		}
		return fmt.Sprintf("Reminder: project %s (%s) is approaching its deadline%s.", p.Name, p.Number, due)
	case "overdue_reminder":
		return fmt.Sprintf("Project %s (%s) is past its deadline and still %s.", p.Name, p.Number, p.Status)
	case "stuck_project":
		return fmt.Sprintf("Project %s (%s) has had no updates for a while; current status %s.", p.Name, p.Number, p.Status)
	case "payment_reminder":
		return fmt.Sprintf("Project %s (%s) is completed but final payment has not been received.", p.Name, p.Number)
	default:
		return fmt.Sprintf("Update on project %s (%s): status %s.", p.Name, p.Number, p.Status)
	}
}
