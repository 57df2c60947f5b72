package status_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yu934913926yu/ai-manager-system/internal/db"
	"github.com/yu934913926yu/ai-manager-system/internal/domain"
	"github.com/yu934913926yu/ai-manager-system/internal/gateway"
	"github.com/yu934913926yu/ai-manager-system/internal/migrate"
	"github.com/yu934913926yu/ai-manager-system/internal/status"
	"github.com/yu934913926yu/ai-manager-system/internal/store"
)

type testEnv struct {
	Machine *status.Machine
	Store   *store.Store
	Ctx     context.Context
}

var testClock = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn)
	m := status.NewMachine(st, st, zerolog.Nop())
	m.Now = func() time.Time { return testClock }
	ctx := context.Background()

	now := testClock.Format(time.RFC3339)
	u := domain.User{ID: "sales-1", Username: "sales", Role: domain.RoleSales, IsActive: true, CreatedAt: now}
	if err := st.InsertUser(ctx, u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	p := domain.Project{
		ID:           "proj-1",
		Number:       "P-001",
		Name:         "Brand refresh",
		CustomerName: "Acme",
		Status:       domain.StatusPendingQuote,
		CreatorID:    "sales-1",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := st.InsertProject(ctx, p); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return testEnv{Machine: m, Store: st, Ctx: ctx}
}

func actor(role domain.Role, admin bool) domain.User {
	return domain.User{ID: "actor-1", Username: "actor", Role: role, IsAdmin: admin, IsActive: true}
}

func TestTransitionHappyPath(t *testing.T) {
	env := newTestEnv(t)
	a := actor(domain.RoleSales, false)
	res, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusQuoted, a, "quote sent")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.From != domain.StatusPendingQuote || res.To != domain.StatusQuoted {
		t.Fatalf("unexpected result %s -> %s", res.From, res.To)
	}
	p, err := env.Store.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.Status != domain.StatusQuoted {
		t.Fatalf("status = %s, want quoted", p.Status)
	}
	if p.UpdatedAt != testClock.Format(time.RFC3339) {
		t.Fatalf("updated_at = %s", p.UpdatedAt)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	a := actor(domain.RoleSales, false)
	_, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusCompleted, a, "")
	var it status.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if it.From != domain.StatusPendingQuote || it.To != domain.StatusCompleted {
		t.Fatalf("error carries %s -> %s", it.From, it.To)
	}
	p, _ := env.Store.GetProject(env.Ctx, "proj-1")
	if p.Status != domain.StatusPendingQuote {
		t.Fatalf("status changed on rejected transition: %s", p.Status)
	}
	records, _ := env.Store.ListStatusChanges(env.Ctx, "proj-1")
	if len(records) != 0 {
		t.Fatalf("audit record written for rejected transition")
	}
}

func TestPrivilegedActorBypassesTable(t *testing.T) {
	env := newTestEnv(t)
	admin := actor(domain.RoleAdmin, true)
	res, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusCompleted, admin, "manual override")
	if err != nil {
		t.Fatalf("admin transition: %v", err)
	}
	if res.To != domain.StatusCompleted {
		t.Fatalf("to = %s", res.To)
	}
	// completed side effect applies even on a bypassed path
	p, _ := env.Store.GetProject(env.Ctx, "proj-1")
	if p.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Machine.Transition(env.Ctx, "proj-1", domain.Status("shipped"), actor(domain.RoleAdmin, true), "")
	if err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestSideEffectsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	admin := actor(domain.RoleAdmin, true)
	if _, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusInDesign, admin, ""); err != nil {
		t.Fatalf("to in_design: %v", err)
	}
	first, _ := env.Store.GetProject(env.Ctx, "proj-1")
	if first.StartedAt == nil {
		t.Fatal("started_at not set on entering in_design")
	}

	// leave and re-enter with a later clock; started_at must not move
	env.Machine.Now = func() time.Time { return testClock.Add(48 * time.Hour) }
	if _, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusPendingApproval, admin, ""); err != nil {
		t.Fatalf("to pending_approval: %v", err)
	}
	if _, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusInDesign, admin, "revisions"); err != nil {
		t.Fatalf("back to in_design: %v", err)
	}
	second, _ := env.Store.GetProject(env.Ctx, "proj-1")
	if second.StartedAt == nil || *second.StartedAt != *first.StartedAt {
		t.Fatalf("started_at changed on re-entry: %v -> %v", *first.StartedAt, second.StartedAt)
	}
}

func TestPaymentFlags(t *testing.T) {
	env := newTestEnv(t)
	admin := actor(domain.RoleAdmin, true)
	if _, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusDepositPaid, admin, ""); err != nil {
		t.Fatalf("to deposit_paid: %v", err)
	}
	p, _ := env.Store.GetProject(env.Ctx, "proj-1")
	if !p.DepositPaid {
		t.Fatal("deposit_paid flag not set")
	}
	if _, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusPaid, admin, ""); err != nil {
		t.Fatalf("to paid: %v", err)
	}
	p, _ = env.Store.GetProject(env.Ctx, "proj-1")
	if !p.FinalPaid {
		t.Fatal("final_paid flag not set")
	}
}

func TestAuditTrailAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	a := actor(domain.RoleSales, false)
	// advance the clock per step so record order is deterministic
	step := 0
	env.Machine.Now = func() time.Time {
		step++
		return testClock.Add(time.Duration(step) * time.Minute)
	}
	steps := []domain.Status{domain.StatusQuoted, domain.StatusConfirmed, domain.StatusDepositPaid}
	for _, s := range steps {
		if _, err := env.Machine.Transition(env.Ctx, "proj-1", s, a, "step"); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	records, err := env.Store.ListStatusChanges(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != len(steps) {
		t.Fatalf("got %d records, want %d", len(records), len(steps))
	}
	if records[0].FromStatus == nil || *records[0].FromStatus != domain.StatusPendingQuote {
		t.Fatalf("first record from = %v", records[0].FromStatus)
	}
	if records[2].ToStatus != domain.StatusDepositPaid {
		t.Fatalf("last record to = %s", records[2].ToStatus)
	}
}

type brokenAppender struct{ err error }

func (b brokenAppender) AppendStatusChange(context.Context, domain.StatusChangeRecord) error {
	return b.err
}

func TestFailedAuditWriteLeavesProjectUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.Machine.Records = brokenAppender{err: errors.New("disk full")}
	_, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusQuoted, actor(domain.RoleSales, false), "quote sent")
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, want append failure", err)
	}
	p, getErr := env.Store.GetProject(env.Ctx, "proj-1")
	if getErr != nil {
		t.Fatalf("get project: %v", getErr)
	}
	if p.Status != domain.StatusPendingQuote {
		t.Fatalf("status = %s, project mutated without its audit record", p.Status)
	}
	records, _ := env.Store.ListStatusChanges(env.Ctx, "proj-1")
	if len(records) != 0 {
		t.Fatalf("got %d audit records, want 0", len(records))
	}
}

func TestApplyStatusChangeRollsBackTogether(t *testing.T) {
	env := newTestEnv(t)
	a := actor(domain.RoleSales, false)
	first, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusQuoted, a, "")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	// reusing the record id violates the primary key, which must take
	// the project update down with it
	confirmed := domain.StatusConfirmed
	patch := gateway.ProjectPatch{UpdatedAt: testClock.Format(time.RFC3339)}
	patch.Status = &confirmed
	dup := first.Record
	dup.ToStatus = confirmed
	if err := env.Store.ApplyStatusChange(env.Ctx, "proj-1", patch, dup); err == nil {
		t.Fatal("expected duplicate record id to fail")
	}
	p, _ := env.Store.GetProject(env.Ctx, "proj-1")
	if p.Status != domain.StatusQuoted {
		t.Fatalf("status = %s, update survived a failed record insert", p.Status)
	}
	records, _ := env.Store.ListStatusChanges(env.Ctx, "proj-1")
	if len(records) != 1 {
		t.Fatalf("got %d audit records, want 1", len(records))
	}
}

func TestConcurrentTransitionsSerialized(t *testing.T) {
	env := newTestEnv(t)
	a := actor(domain.RoleSales, false)
	const workers = 16
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Machine.Transition(env.Ctx, "proj-1", domain.StatusQuoted, a, "race")
		}(i)
	}
	wg.Wait()

	var wins, rejected int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var it status.IllegalTransitionError
		if !errors.As(err, &it) {
			t.Fatalf("unexpected error: %v", err)
		}
		if it.From != domain.StatusQuoted || it.To != domain.StatusQuoted {
			t.Fatalf("rejection carries %s -> %s", it.From, it.To)
		}
		rejected++
	}
	if wins != 1 || rejected != workers-1 {
		t.Fatalf("wins = %d, rejected = %d, want 1 and %d", wins, rejected, workers-1)
	}
	records, _ := env.Store.ListStatusChanges(env.Ctx, "proj-1")
	if len(records) != 1 {
		t.Fatalf("got %d audit records, want 1", len(records))
	}
}

func TestConcurrentSideEffectAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	admin := actor(domain.RoleAdmin, true)
	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		effects []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusCompleted, admin, "override")
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			mu.Lock()
			effects = append(effects, res.SideEffects...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(effects) != 1 || effects[0] != "completed_at set" {
		t.Fatalf("side effects = %v, want completed_at set exactly once", effects)
	}
}

func TestOnChangeRunsOutsideLock(t *testing.T) {
	env := newTestEnv(t)
	admin := actor(domain.RoleAdmin, true)
	var recursed bool
	env.Machine.OnChange = func(ctx context.Context, ch status.Change) {
		if ch.To == domain.StatusDepositPaid && !recursed {
			recursed = true
			// a rule may transition the same project again from the hook
			if _, err := env.Machine.Transition(ctx, ch.Project.ID, domain.StatusInDesign, domain.System, "automation"); err != nil {
				t.Errorf("recursive transition: %v", err)
			}
		}
	}
	if _, err := env.Machine.Transition(env.Ctx, "proj-1", domain.StatusDepositPaid, admin, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	p, _ := env.Store.GetProject(env.Ctx, "proj-1")
	if p.Status != domain.StatusInDesign {
		t.Fatalf("status = %s, want in_design after recursive hook", p.Status)
	}
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to domain.Status
		ok       bool
	}{
		{domain.StatusPendingQuote, domain.StatusQuoted, true},
		{domain.StatusQuoted, domain.StatusPendingQuote, true},
		{domain.StatusConfirmed, domain.StatusCancelled, true},
		{domain.StatusDepositPaid, domain.StatusInDesign, true},
		{domain.StatusPendingApproval, domain.StatusInDesign, true},
		{domain.StatusCompleted, domain.StatusPaid, true},
		{domain.StatusPaid, domain.StatusArchived, true},
		{domain.StatusPendingQuote, domain.StatusCompleted, false},
		{domain.StatusInDesign, domain.StatusCancelled, false},
		{domain.StatusArchived, domain.StatusPendingQuote, false},
		{domain.StatusCancelled, domain.StatusQuoted, false},
	}
	for _, c := range cases {
		if got := status.CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}
