// Package status owns the project lifecycle: which transitions are
// legal, what side effects entering a status applies, and the audit
// record appended for every change. It is the only code path through
// which a project's status may change.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yu934913926yu/ai-manager-system/internal/domain"
	"github.com/yu934913926yu/ai-manager-system/internal/gateway"
)

// transitionTable maps each status to the statuses reachable by one
// ordinary transition. Fixed at build time; privileged actors bypass it.
var transitionTable = map[domain.Status][]domain.Status{
	domain.StatusPendingQuote:    {domain.StatusQuoted, domain.StatusArchived, domain.StatusCancelled},
	domain.StatusQuoted:          {domain.StatusConfirmed, domain.StatusPendingQuote, domain.StatusCancelled},
	domain.StatusConfirmed:       {domain.StatusDepositPaid, domain.StatusQuoted, domain.StatusCancelled},
	domain.StatusDepositPaid:     {domain.StatusInDesign},
	domain.StatusInDesign:        {domain.StatusPendingApproval},
	domain.StatusPendingApproval: {domain.StatusApproved, domain.StatusInDesign},
	domain.StatusApproved:        {domain.StatusInProduction},
	domain.StatusInProduction:    {domain.StatusCompleted},
	domain.StatusCompleted:       {domain.StatusPaid, domain.StatusArchived},
	domain.StatusPaid:            {domain.StatusArchived},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to domain.Status) bool {
	for _, next := range transitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the ordinary targets reachable from s.
func NextStatuses(s domain.Status) []domain.Status {
	out := make([]domain.Status, len(transitionTable[s]))
	copy(out, transitionTable[s])
	return out
}

// IllegalTransitionError reports a transition outside the table for a
// non-privileged actor.
type IllegalTransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// RecordAppender persists the audit trail. Append is called exactly
// once per successful transition.
type RecordAppender interface {
	AppendStatusChange(ctx context.Context, rec domain.StatusChangeRecord) error
}

// ChangeApplier persists a project patch and its audit record as one
// atomic write, so neither can land without the other. The sqlite
// store implements it; when the record appender does not, Transition
// falls back to two ordered writes with the record going first.
type ChangeApplier interface {
	ApplyStatusChange(ctx context.Context, projectID string, patch gateway.ProjectPatch, rec domain.StatusChangeRecord) error
}

// Change describes one applied transition, handed to the change hook.
type Change struct {
	Project domain.Project
	From    domain.Status
	To      domain.Status
	ActorID string
	Reason  string
}

// Result is returned from a successful Transition call.
type Result struct {
	Record      domain.StatusChangeRecord
	From        domain.Status
	To          domain.Status
	SideEffects []string
	NextActions []string
}

// Machine validates and applies lifecycle transitions. Concurrent
// Transition calls against the same project are serialized by a
// per-project lock so the legality check and the write are atomic.
type Machine struct {
	Entities gateway.EntityGateway
	Records  RecordAppender
	Now      func() time.Time
	Logger   zerolog.Logger

	// OnChange, when set, receives every applied transition. It runs
	// outside the project lock so rule actions triggered by the change
	// may transition the same project again.
	OnChange func(ctx context.Context, ch Change)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMachine(entities gateway.EntityGateway, records RecordAppender, logger zerolog.Logger) *Machine {
	return &Machine{
		Entities: entities,
		Records:  records,
		Now:      time.Now,
		Logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Machine) lockFor(projectID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectID] = l
	}
	return l
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Transition moves a project to newStatus on behalf of actor. It fails
// with IllegalTransitionError when the move is outside the transition
// table and the actor is not privileged. On success it applies the
// status side effects, appends exactly one StatusChangeRecord paired
// with the project write, and raises a status-change event through
// OnChange. A failed transition persists neither the project nor the
// record.
func (m *Machine) Transition(ctx context.Context, projectID string, newStatus domain.Status, actor domain.User, reason string) (Result, error) {
	if !newStatus.Valid() {
		return Result{}, fmt.Errorf("unknown status %q", newStatus)
	}

	lock := m.lockFor(projectID)
	lock.Lock()

	project, err := m.Entities.GetProject(ctx, projectID)
	if err != nil {
		lock.Unlock()
		return Result{}, fmt.Errorf("get project %s: %w", projectID, err)
	}
	from := project.Status

	if !CanTransition(from, newStatus) && !actor.Privileged() {
		lock.Unlock()
		return Result{}, IllegalTransitionError{From: from, To: newStatus}
	}

	now := m.now().UTC()
	nowStr := now.Format(time.RFC3339)
	patch := gateway.ProjectPatch{UpdatedAt: nowStr}
	patch.Status = &newStatus
	effects := applySideEffects(&project, newStatus, nowStr, &patch)

	rec := domain.StatusChangeRecord{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		ActorID:    actor.ID,
		FromStatus: &from,
		ToStatus:   newStatus,
		Reason:     reason,
		CreatedAt:  nowStr,
	}
	if applier, ok := m.Records.(ChangeApplier); ok {
		if err := applier.ApplyStatusChange(ctx, projectID, patch, rec); err != nil {
			lock.Unlock()
			return Result{}, fmt.Errorf("apply status change: %w", err)
		}
	} else {
		// record first, so a failed append leaves the project untouched
		if err := m.Records.AppendStatusChange(ctx, rec); err != nil {
			lock.Unlock()
			return Result{}, fmt.Errorf("append status change: %w", err)
		}
		if err := m.Entities.UpdateProject(ctx, projectID, patch); err != nil {
			lock.Unlock()
			return Result{}, fmt.Errorf("update project %s: %w", projectID, err)
		}
	}
	project.Status = newStatus
	project.UpdatedAt = nowStr

	lock.Unlock()

	m.Logger.Info().
		Str("project_id", projectID).
		Str("from", string(from)).
		Str("to", string(newStatus)).
		Str("actor", actor.ID).
		Strs("side_effects", effects).
		Msg("status transition applied")

	if m.OnChange != nil {
		m.OnChange(ctx, Change{
			Project: project,
			From:    from,
			To:      newStatus,
			ActorID: actor.ID,
			Reason:  reason,
		})
	}

	return Result{
		Record:      rec,
		From:        from,
		To:          newStatus,
		SideEffects: effects,
		NextActions: RecommendedActions(newStatus),
	}, nil
}

// applySideEffects mutates the patch for status-specific effects. Each
// effect is idempotent: a field already set is never set again.
func applySideEffects(project *domain.Project, to domain.Status, now string, patch *gateway.ProjectPatch) []string {
	var effects []string
	switch to {
	case domain.StatusInDesign:
		if project.StartedAt == nil {
			patch.StartedAt = &now
			project.StartedAt = &now
			effects = append(effects, "started_at set")
		}
	case domain.StatusCompleted:
		if project.CompletedAt == nil {
			patch.CompletedAt = &now
			project.CompletedAt = &now
			effects = append(effects, "completed_at set")
		}
	case domain.StatusDepositPaid:
		if !project.DepositPaid {
			paid := true
			patch.DepositPaid = &paid
			project.DepositPaid = true
			effects = append(effects, "deposit_paid flagged")
		}
	case domain.StatusPaid:
		if !project.FinalPaid {
			paid := true
			patch.FinalPaid = &paid
			project.FinalPaid = true
			effects = append(effects, "final_paid flagged")
		}
	}
	return effects
}

// RecommendedActions suggests the follow-up work for a status, shown to
// the operator after a transition.
func RecommendedActions(s domain.Status) []string {
	switch s {
	case domain.StatusPendingQuote:
		return []string{"prepare the quote", "send the quote to the customer"}
	case domain.StatusQuoted:
		return []string{"follow up with the customer", "prepare the contract"}
	case domain.StatusConfirmed:
		return []string{"send payment details", "prepare the kickoff"}
	case domain.StatusDepositPaid:
		return []string{"notify the designer", "set up the project channel"}
	case domain.StatusInDesign:
		return []string{"check the design progress", "prepare the interim review"}
	case domain.StatusPendingApproval:
		return []string{"contact the customer for sign-off", "collect change requests"}
	case domain.StatusApproved:
		return []string{"hand off to production", "monitor the production schedule"}
	case domain.StatusInProduction:
		return []string{"track production quality", "prepare delivery"}
	case domain.StatusCompleted:
		return []string{"arrange delivery", "send the final invoice"}
	default:
		return nil
	}
}
