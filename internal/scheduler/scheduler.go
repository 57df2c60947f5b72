// Package scheduler runs cron, fixed-interval, and one-time jobs on an
// injectable clock. It owns the timing only; what a job does when it
// fires belongs to its handler.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobKind distinguishes the three scheduling shapes.
type JobKind string

const (
	KindCron     JobKind = "cron"
	KindInterval JobKind = "interval"
	KindOneTime  JobKind = "one_time"
)

// HandlerFunc runs when a job fires. firedAt is the wall time the
// scheduler observed, not the nominal scheduled time.
type HandlerFunc func(ctx context.Context, jobID string, firedAt time.Time)

// JobSchedulingError reports a job that could not be scheduled, usually
// a malformed cron spec.
type JobSchedulingError struct {
	ID   string
	Spec string
	Err  error
}

func (e *JobSchedulingError) Error() string {
	return fmt.Sprintf("schedule job %q (%q): %v", e.ID, e.Spec, e.Err)
}

func (e *JobSchedulingError) Unwrap() error { return e.Err }

// JobInfo is a read-only snapshot of one job.
type JobInfo struct {
	ID      string    `json:"id"`
	Kind    JobKind   `json:"kind"`
	Spec    string    `json:"spec,omitempty"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run"`
	Paused  bool      `json:"paused"`
	Runs    int       `json:"runs"`
}

type job struct {
	id       string
	kind     JobKind
	spec     string
	schedule cron.Schedule
	interval time.Duration
	next     time.Time
	last     time.Time
	paused   bool
	runs     int
	fn       HandlerFunc
}

// Config tunes the scheduler loop.
type Config struct {
	// Tick is the poll interval of the background loop.
	Tick time.Duration
	// MisfireGrace bounds how late a firing may be and still run. A job
	// overdue by more than the grace is skipped once and rescheduled
	// from now; missed occurrences are never replayed.
	MisfireGrace time.Duration
	// MaxConcurrent caps simultaneously running handlers.
	MaxConcurrent int
	Logger        zerolog.Logger
}

// Scheduler polls its job table and fires due jobs. All methods are
// safe for concurrent use.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*job

	Now func() time.Time

	tick   time.Duration
	grace  time.Duration
	sem    chan struct{}
	logger zerolog.Logger

	wg      sync.WaitGroup
	stop    chan struct{}
	stopped sync.Once
	started bool
}

func New(cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = 5 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Scheduler{
		jobs:   make(map[string]*job),
		Now:    time.Now,
		tick:   cfg.Tick,
		grace:  cfg.MisfireGrace,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		logger: cfg.Logger,
		stop:   make(chan struct{}),
	}
}

// AddCron registers a job on a standard five-field cron spec evaluated
// in the clock's location. Re-adding an id replaces the job.
func (s *Scheduler) AddCron(id, spec string, fn HandlerFunc) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return &JobSchedulingError{ID: id, Spec: spec, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &job{
		id:       id,
		kind:     KindCron,
		spec:     spec,
		schedule: schedule,
		next:     schedule.Next(s.Now()),
		fn:       fn,
	}
	return nil
}

// AddInterval registers a job firing every d, first firing one d from
// now.
func (s *Scheduler) AddInterval(id string, d time.Duration, fn HandlerFunc) error {
	if d <= 0 {
		return &JobSchedulingError{ID: id, Spec: d.String(), Err: fmt.Errorf("interval must be positive")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &job{
		id:       id,
		kind:     KindInterval,
		spec:     d.String(),
		interval: d,
		next:     s.Now().Add(d),
		fn:       fn,
	}
	return nil
}

// AddOneTime registers a job that fires once at the given time and then
// removes itself. A time in the past fires on the next poll, regardless
// of the misfire grace; the caller asked for it exactly once.
func (s *Scheduler) AddOneTime(id string, at time.Time, fn HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &job{
		id:   id,
		kind: KindOneTime,
		spec: at.UTC().Format(time.RFC3339),
		next: at,
		fn:   fn,
	}
	return nil
}

// Remove deletes a job. Removing an unknown id is a no-op. An already
// launched handler finishes; it is never cancelled retroactively.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Pause keeps the job in the table but stops it firing.
func (s *Scheduler) Pause(id string) bool { return s.setPaused(id, true) }

// Resume re-enables a paused job. Its next run is recomputed from now
// so a long pause does not produce an immediate misfire.
func (s *Scheduler) Resume(id string) bool { return s.setPaused(id, false) }

func (s *Scheduler) setPaused(id string, paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.paused == paused {
		return ok && j.paused == paused
	}
	j.paused = paused
	if !paused {
		j.next = s.nextAfterLocked(j, s.Now())
	}
	return true
}

// Jobs returns a snapshot sorted by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		infos = append(infos, JobInfo{
			ID:      j.id,
			Kind:    j.kind,
			Spec:    j.spec,
			NextRun: j.next,
			LastRun: j.last,
			Paused:  j.paused,
			Runs:    j.runs,
		})
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].ID < infos[b].ID })
	return infos
}

// nextAfterLocked computes the run after t. One-time jobs have no next
// run; the zero time marks them for removal after firing.
func (s *Scheduler) nextAfterLocked(j *job, t time.Time) time.Time {
	switch j.kind {
	case KindCron:
		return j.schedule.Next(t)
	case KindInterval:
		return t.Add(j.interval)
	default:
		return time.Time{}
	}
}

// RunPending fires every due job once and returns how many were
// launched. The background loop calls this each tick; tests call it
// directly with a pinned clock.
func (s *Scheduler) RunPending(ctx context.Context) int {
	now := s.Now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.paused || j.next.After(now) {
			continue
		}
		late := now.Sub(j.next)
		if j.kind != KindOneTime && late > s.grace {
			s.logger.Warn().
				Str("job_id", j.id).
				Dur("late", late).
				Msg("misfire past grace, skipping occurrence")
			j.next = s.nextAfterLocked(j, now)
			continue
		}
		j.last = now
		j.runs++
		j.next = s.nextAfterLocked(j, now)
		due = append(due, j)
		if j.kind == KindOneTime {
			delete(s.jobs, j.id)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		fn := j.fn
		id := j.id
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-s.sem }()
			fn(ctx, id, now)
		}()
	}
	return len(due)
}

// Start launches the poll loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunPending(ctx)
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight handlers.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Wait blocks until every launched handler has returned. Test helper.
func (s *Scheduler) Wait() { s.wg.Wait() }
