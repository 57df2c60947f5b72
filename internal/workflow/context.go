package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/yu934913926yu/ai-manager-system/internal/domain"
	"github.com/yu934913926yu/ai-manager-system/internal/gateway"
)

// ExecutionContext is the short-lived, per-dispatch state shared by all
// actions of the matched rules. Entity references are fetched lazily
// and cached for the duration of one dispatch cycle; nothing here is
// persisted.
type ExecutionContext struct {
	Event     TriggerEvent
	Timestamp time.Time

	entities gateway.EntityGateway
	project  *domain.Project
	user     *domain.User
}

func newExecutionContext(ev TriggerEvent, entities gateway.EntityGateway, now time.Time) *ExecutionContext {
	return &ExecutionContext{Event: ev, Timestamp: now, entities: entities}
}

// ProjectID returns the event's project reference, if any.
func (c *ExecutionContext) ProjectID() string {
	return c.Event.Payload[KeyProjectID]
}

// Project resolves the referenced project, caching the first fetch.
func (c *ExecutionContext) Project(ctx context.Context) (domain.Project, error) {
	if c.project != nil {
		return *c.project, nil
	}
	id := c.ProjectID()
	if id == "" {
		return domain.Project{}, fmt.Errorf("no project in context")
	}
	p, err := c.entities.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, &GatewayError{Op: "get_project", Err: err}
	}
	c.project = &p
	return p, nil
}

// InvalidateProject drops the cached project so the next Project call
// re-reads it. Actions that mutate the project call this.
func (c *ExecutionContext) InvalidateProject() { c.project = nil }

// Actor resolves the event's acting user, caching the first fetch.
func (c *ExecutionContext) Actor(ctx context.Context) (domain.User, error) {
	if c.user != nil {
		return *c.user, nil
	}
	id := c.Event.Payload[KeyActorID]
	if id == "" {
		return domain.User{}, fmt.Errorf("no actor in context")
	}
	u, err := c.entities.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, &GatewayError{Op: "get_user", Err: err}
	}
	c.user = &u
	return u, nil
}
