// Package gateway declares the contracts the automation engine consumes
// from the surrounding application: entity persistence, outbound
// notification delivery, and AI analysis. The engine never talks to a
// database or a chat transport directly; everything goes through these
// interfaces.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/yu934913926yu/ai-manager-system/internal/domain"
)

// ErrNotFound is returned by entity lookups for missing records.
var ErrNotFound = errors.New("not found")

// ProjectPatch carries a partial update; nil fields are left untouched.
type ProjectPatch struct {
	Status      *domain.Status
	DesignerID  *string
	SalesID     *string
	StartedAt   *string
	CompletedAt *string
	DepositPaid *bool
	FinalPaid   *bool
	UpdatedAt   string
}

// Empty reports whether the patch changes nothing besides the timestamp.
func (p ProjectPatch) Empty() bool {
	return p.Status == nil && p.DesignerID == nil && p.SalesID == nil &&
		p.StartedAt == nil && p.CompletedAt == nil &&
		p.DepositPaid == nil && p.FinalPaid == nil
}

// EntityGateway reads and writes the domain entities the engine
// operates on. Any call may fail with ErrNotFound or an I/O error.
type EntityGateway interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	UpdateProject(ctx context.Context, id string, patch ProjectPatch) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	ListUsersByRole(ctx context.Context, role domain.Role) ([]domain.User, error)
	CountActiveProjectsForUser(ctx context.Context, userID string) (int, error)
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
}

// ProjectQueries are the reporting reads used by scheduled sweeps and
// custom workflow functions.
type ProjectQueries interface {
	ListTasksForProject(ctx context.Context, projectID string) ([]domain.Task, error)
	ListOverdueProjects(ctx context.Context, asOf time.Time) ([]domain.Project, error)
	ListProjectsWithDeadlineWithin(ctx context.Context, asOf time.Time, days int) ([]domain.Project, error)
	ListStuckProjects(ctx context.Context, updatedBefore time.Time) ([]domain.Project, error)
	ListUnpaidCompletedProjects(ctx context.Context) ([]domain.Project, error)
}

// NotificationGateway delivers a text message to a recipient handle.
// Delivery is best effort; false with a nil error means the transport
// accepted the call but did not deliver.
type NotificationGateway interface {
	Send(ctx context.Context, recipientHandle, text string) (bool, error)
}

// AnalysisInput is the structured projection handed to the AI service.
type AnalysisInput struct {
	Kind        string         `json:"kind"`
	ProjectID   string         `json:"project_id,omitempty"`
	ProjectName string         `json:"project_name,omitempty"`
	Customer    string         `json:"customer,omitempty"`
	Category    string         `json:"category,omitempty"`
	Description string         `json:"description,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// AnalysisResult is whatever the AI service produced: structured fields
// when it returned JSON, free text otherwise.
type AnalysisResult struct {
	Fields map[string]any `json:"fields,omitempty"`
	Text   string         `json:"text,omitempty"`
}

// AnalysisGateway produces an AI analysis from structured input. Calls
// may be slow and may fail; failures are never fatal to the engine.
type AnalysisGateway interface {
	Analyze(ctx context.Context, input AnalysisInput) (AnalysisResult, error)
}
