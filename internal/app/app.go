// Package app wires the engine together: store, status machine, rule
// registry, dispatcher, executor, and scheduler, configured from
// aimanager.yml.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yu934913926yu/ai-manager-system/internal/config"
	"github.com/yu934913926yu/ai-manager-system/internal/domain"
	"github.com/yu934913926yu/ai-manager-system/internal/gateway"
	"github.com/yu934913926yu/ai-manager-system/internal/scheduler"
	"github.com/yu934913926yu/ai-manager-system/internal/status"
	"github.com/yu934913926yu/ai-manager-system/internal/store"
	"github.com/yu934913926yu/ai-manager-system/internal/workflow"
)

// Default cron specs for the built-in sweeps, evaluated in the
// scheduler timezone.
var defaultJobs = map[string]string{
	workflow.JobOverdueCheck:     "0 9 * * *",
	workflow.JobDeadlineWarnings: "0 20 * * *",
	workflow.JobStuckCheck:       "30 8 * * 1",
	workflow.JobPaymentReminders: "0 2 * * *",
}

type App struct {
	Config     *config.Config
	Store      *store.Store
	Machine    *status.Machine
	Registry   *workflow.Registry
	Dispatcher *workflow.Dispatcher
	Executor   *workflow.Executor
	Scheduler  *scheduler.Scheduler
	Notifier   gateway.NotificationGateway
	Logger     zerolog.Logger
}

// New assembles the engine. The database must already be migrated.
func New(cfg *config.Config, db *sql.DB, logger zerolog.Logger) (*App, error) {
	st := store.New(db)
	machine := status.NewMachine(st, st, logger)

	gatewayTimeout := config.Duration(cfg.Gateways.Timeout, 10*time.Second)
	var notifier gateway.NotificationGateway
	if cfg.Gateways.WebhookURL != "" {
		notifier = gateway.NewWebhookNotifier(cfg.Gateways.WebhookURL, cfg.Gateways.WebhookSecret, gatewayTimeout)
	} else {
		notifier = gateway.NewMemoryNotifier()
	}

	a := &App{
		Config:   cfg,
		Store:    st,
		Machine:  machine,
		Registry: workflow.NewRegistry(),
		Notifier: notifier,
		Logger:   logger,
	}

	a.Executor = workflow.NewExecutor(workflow.ExecutorConfig{
		Entities:       st,
		Queries:        st,
		Notifier:       notifier,
		Analyzer:       gateway.NoopAnalyzer{},
		Machine:        machine,
		Deferrer:       a,
		NotifyLog:      st,
		GatewayTimeout: gatewayTimeout,
		Sweeps: workflow.SweepSettings{
			DeadlineWarningDays: cfg.Automation.DeadlineWarningDays,
			StuckAfterDays:      cfg.Automation.StuckAfterDays,
		},
		Logger: logger,
	})
	a.Dispatcher = workflow.NewDispatcher(a.Registry, st, a.Executor, logger)

	machine.OnChange = func(ctx context.Context, ch status.Change) {
		ev := workflow.StatusChangeEvent(ch.Project.ID, ch.From, ch.To, ch.ActorID, machine.Now())
		a.Dispatcher.Dispatch(ctx, ev)
	}

	a.Scheduler = scheduler.New(scheduler.Config{
		Tick:          config.Duration(cfg.Scheduler.Tick, time.Second),
		MisfireGrace:  config.Duration(cfg.Scheduler.MisfireGrace, 5*time.Minute),
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Logger:        logger,
	})
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a.Scheduler.Now = func() time.Time { return time.Now().In(loc) }

	for _, rule := range workflow.Defaults() {
		if err := a.Registry.Register(rule); err != nil {
			return nil, fmt.Errorf("register default rule: %w", err)
		}
	}
	for id, spec := range defaultJobs {
		if err := a.Scheduler.AddCron(id, spec, a.fireTimedJob); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// fireTimedJob turns a scheduler firing into a time-based trigger
// event.
func (a *App) fireTimedJob(ctx context.Context, jobID string, firedAt time.Time) {
	a.Dispatcher.Dispatch(ctx, workflow.TimeBasedEvent(jobID, firedAt))
}

// Start reloads persisted deferred updates and launches the scheduler.
func (a *App) Start(ctx context.Context) error {
	if err := a.reloadDeferred(ctx); err != nil {
		return err
	}
	a.Scheduler.Start(ctx)
	return nil
}

// Stop halts the scheduler and waits for in-flight jobs.
func (a *App) Stop() { a.Scheduler.Stop() }

// DeferStatusChange persists a one-time status change and schedules it.
// The row survives restarts; reloadDeferred re-registers it.
func (a *App) DeferStatusChange(ctx context.Context, projectID string, to domain.Status, delay time.Duration) (string, error) {
	now := a.Machine.Now().UTC()
	d := store.DeferredUpdate{
		ID:           "deferred-" + uuid.New().String(),
		ProjectID:    projectID,
		TargetStatus: to,
		RunAt:        now.Add(delay).Format(time.RFC3339),
		CreatedAt:    now.Format(time.RFC3339),
	}
	if err := a.Store.InsertDeferredUpdate(ctx, d); err != nil {
		return "", err
	}
	if err := a.scheduleDeferred(d); err != nil {
		return "", err
	}
	return d.ID, nil
}

func (a *App) scheduleDeferred(d store.DeferredUpdate) error {
	runAt, err := time.Parse(time.RFC3339, d.RunAt)
	if err != nil {
		return fmt.Errorf("deferred update %s: bad run_at %q: %w", d.ID, d.RunAt, err)
	}
	return a.Scheduler.AddOneTime(d.ID, runAt, func(ctx context.Context, jobID string, _ time.Time) {
		if _, err := a.Machine.Transition(ctx, d.ProjectID, d.TargetStatus, domain.System, "deferred workflow update"); err != nil {
			a.Logger.Warn().
				Str("project_id", d.ProjectID).
				Str("target", string(d.TargetStatus)).
				Err(err).
				Msg("deferred status change failed")
		}
		if err := a.Store.DeleteDeferredUpdate(ctx, jobID); err != nil {
			a.Logger.Warn().Str("job_id", jobID).Err(err).Msg("deferred update cleanup failed")
		}
	})
}

// reloadDeferred re-registers persisted deferred updates. Overdue rows
// fire on the first poll.
func (a *App) reloadDeferred(ctx context.Context) error {
	rows, err := a.Store.ListDeferredUpdates(ctx)
	if err != nil {
		return fmt.Errorf("list deferred updates: %w", err)
	}
	for _, d := range rows {
		if err := a.scheduleDeferred(d); err != nil {
			return err
		}
	}
	return nil
}
