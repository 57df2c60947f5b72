package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/yu934913926yu/ai-manager-system/internal/gateway"
)

// RuleResult is the per-rule outcome of one dispatch. The dispatcher
// reports every matched rule, success or failure.
type RuleResult struct {
	RuleID   string         `json:"rule_id"`
	RuleName string         `json:"rule_name"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Actions  []ActionResult `json:"actions,omitempty"`
}

// Dispatcher selects and runs the rules matching a trigger event.
type Dispatcher struct {
	Registry *Registry
	Entities gateway.EntityGateway
	Executor *Executor
	Now      func() time.Time
	Logger   zerolog.Logger
}

func NewDispatcher(reg *Registry, entities gateway.EntityGateway, exec *Executor, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Registry: reg,
		Entities: entities,
		Executor: exec,
		Now:      time.Now,
		Logger:   logger,
	}
}

// Dispatch matches the event against the registry and executes the
// matched rules sequentially, highest priority first. One rule failing
// never stops the loop; the full result list is returned and nothing
// is raised to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, ev TriggerEvent) []RuleResult {
	now := d.Now()
	ectx := newExecutionContext(ev, d.Entities, now)

	matched := d.match(ctx, ev)
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})

	results := make([]RuleResult, 0, len(matched))
	for _, rule := range matched {
		res := RuleResult{RuleID: rule.ID, RuleName: rule.Name}
		actions, err := d.Executor.Run(ctx, rule, ectx)
		res.Actions = actions
		if err != nil {
			res.Error = err.Error()
			d.Logger.Warn().
				Str("rule_id", rule.ID).
				Err(err).
				Msg("rule execution failed")
		} else {
			res.Success = true
		}
		results = append(results, res)
	}

	d.Logger.Debug().
		Str("trigger", string(ev.Type)).
		Int("matched", len(matched)).
		Msg("dispatch complete")
	return results
}

func (d *Dispatcher) match(ctx context.Context, ev TriggerEvent) []Rule {
	var matched []Rule
	for _, rule := range d.Registry.All() {
		if !rule.Active || rule.Trigger != ev.Type {
			continue
		}
		if d.matchConditions(ctx, rule.Conditions, ev) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// matchConditions evaluates the conjunction of declared conditions
// against the event payload.
func (d *Dispatcher) matchConditions(ctx context.Context, c TriggerConditions, ev TriggerEvent) bool {
	if c.NewStatus != "" && ev.Payload[KeyNewStatus] != string(c.NewStatus) {
		return false
	}
	if c.OldStatus != "" && ev.Payload[KeyOldStatus] != string(c.OldStatus) {
		return false
	}
	if c.Job != "" && ev.Payload[KeyJobID] != c.Job {
		return false
	}
	if c.DesignerNotAssigned {
		projectID := ev.Payload[KeyProjectID]
		if projectID == "" {
			return false
		}
		project, err := d.Entities.GetProject(ctx, projectID)
		if err != nil {
			d.Logger.Warn().
				Str("project_id", projectID).
				Err(err).
				Msg("condition probe failed; rule skipped")
			return false
		}
		if project.DesignerID != nil && *project.DesignerID != "" {
			return false
		}
	}
	return true
}
