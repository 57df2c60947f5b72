// Package store is the SQLite persistence layer. It implements the
// gateway interfaces the engine consumes plus the audit and deferred
// update tables the surrounding app needs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/yu934913926yu/ai-manager-system/internal/domain"
	"github.com/yu934913926yu/ai-manager-system/internal/gateway"
)

// activeStatuses are the statuses that count toward a designer's
// workload.
var activeStatuses = []domain.Status{domain.StatusInDesign, domain.StatusPendingApproval}

// openStatuses are every status a sweep still cares about.
var openStatuses = []domain.Status{
	domain.StatusPendingQuote, domain.StatusQuoted, domain.StatusConfirmed,
	domain.StatusDepositPaid, domain.StatusInDesign, domain.StatusPendingApproval,
	domain.StatusApproved, domain.StatusInProduction,
}

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

type scanner interface {
	Scan(dest ...any) error
}

// execer is satisfied by *sql.DB and *sql.Tx so writes can run either
// standalone or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const projectColumns = `id,number,name,description,customer_name,status,priority,category,quoted_price,deposit_paid,final_paid,creator_id,designer_id,sales_id,deadline,started_at,completed_at,created_at,updated_at,notes`

func scanProject(sc scanner) (domain.Project, error) {
	var p domain.Project
	var description, priority, category, designerID, salesID, deadline, startedAt, completedAt, notes sql.NullString
	var quotedPrice sql.NullFloat64
	var status string
	err := sc.Scan(&p.ID, &p.Number, &p.Name, &description, &p.CustomerName, &status,
		&priority, &category, &quotedPrice, &p.DepositPaid, &p.FinalPaid,
		&p.CreatorID, &designerID, &salesID, &deadline, &startedAt, &completedAt,
		&p.CreatedAt, &p.UpdatedAt, &notes)
	if err == sql.ErrNoRows {
		return p, gateway.ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.Status(status)
	if description.Valid {
		p.Description = description.String
	}
	if priority.Valid {
		p.Priority = priority.String
	}
	if category.Valid {
		p.Category = category.String
	}
	if quotedPrice.Valid {
		p.QuotedPrice = &quotedPrice.Float64
	}
	if designerID.Valid {
		p.DesignerID = &designerID.String
	}
	if salesID.Valid {
		p.SalesID = &salesID.String
	}
	if deadline.Valid {
		p.Deadline = &deadline.String
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.String
	}
	if notes.Valid {
		p.Notes = notes.String
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(s.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (s *Store) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Number, p.Name, nullable(p.Description), p.CustomerName, string(p.Status),
		nullable(p.Priority), nullable(p.Category), nullableFloatPtr(p.QuotedPrice),
		p.DepositPaid, p.FinalPaid, p.CreatorID, nullableStringPtr(p.DesignerID),
		nullableStringPtr(p.SalesID), nullableStringPtr(p.Deadline),
		nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt),
		p.CreatedAt, p.UpdatedAt, nullable(p.Notes))
	return err
}

func (s *Store) UpdateProject(ctx context.Context, id string, patch gateway.ProjectPatch) error {
	return updateProject(ctx, s.DB, id, patch)
}

func updateProject(ctx context.Context, ex execer, id string, patch gateway.ProjectPatch) error {
	var (
		fields []string
		args   []any
	)
	if patch.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, string(*patch.Status))
	}
	if patch.DesignerID != nil {
		fields = append(fields, "designer_id=?")
		args = append(args, nullable(*patch.DesignerID))
	}
	if patch.SalesID != nil {
		fields = append(fields, "sales_id=?")
		args = append(args, nullable(*patch.SalesID))
	}
	if patch.StartedAt != nil {
		fields = append(fields, "started_at=?")
		args = append(args, *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		fields = append(fields, "completed_at=?")
		args = append(args, *patch.CompletedAt)
	}
	if patch.DepositPaid != nil {
		fields = append(fields, "deposit_paid=?")
		args = append(args, *patch.DepositPaid)
	}
	if patch.FinalPaid != nil {
		fields = append(fields, "final_paid=?")
		args = append(args, *patch.FinalPaid)
	}
	if len(fields) == 0 && patch.UpdatedAt == "" {
		return nil
	}
	if patch.UpdatedAt != "" {
		fields = append(fields, "updated_at=?")
		args = append(args, patch.UpdatedAt)
	}
	args = append(args, id)
	res, err := ex.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

func (s *Store) listProjects(ctx context.Context, where string, args ...any) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects ` + where + ` ORDER BY created_at ASC, id ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func statusPlaceholders(statuses []domain.Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ","), args
}

func (s *Store) ListOverdueProjects(ctx context.Context, asOf time.Time) ([]domain.Project, error) {
	marks, args := statusPlaceholders(openStatuses)
	args = append([]any{asOf.UTC().Format("2006-01-02")}, args...)
	return s.listProjects(ctx,
		`WHERE deadline IS NOT NULL AND deadline < ? AND status IN (`+marks+`)`, args...)
}

func (s *Store) ListProjectsWithDeadlineWithin(ctx context.Context, asOf time.Time, days int) ([]domain.Project, error) {
	marks, args := statusPlaceholders(openStatuses)
	from := asOf.UTC().Format("2006-01-02")
	to := asOf.UTC().Add(time.Duration(days) * 24 * time.Hour).Format("2006-01-02")
	args = append([]any{from, to}, args...)
	return s.listProjects(ctx,
		`WHERE deadline IS NOT NULL AND deadline >= ? AND deadline <= ? AND status IN (`+marks+`)`, args...)
}

func (s *Store) ListStuckProjects(ctx context.Context, updatedBefore time.Time) ([]domain.Project, error) {
	marks, args := statusPlaceholders(openStatuses)
	args = append([]any{updatedBefore.UTC().Format(time.RFC3339)}, args...)
	return s.listProjects(ctx,
		`WHERE updated_at < ? AND status IN (`+marks+`)`, args...)
}

func (s *Store) ListUnpaidCompletedProjects(ctx context.Context) ([]domain.Project, error) {
	return s.listProjects(ctx, `WHERE status=? AND final_paid=0`, string(domain.StatusCompleted))
}

func (s *Store) CountActiveProjectsForUser(ctx context.Context, userID string) (int, error) {
	marks, args := statusPlaceholders(activeStatuses)
	args = append([]any{userID}, args...)
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM projects WHERE designer_id=? AND status IN (`+marks+`)`, args...).Scan(&n)
	return n, err
}

func scanUser(sc scanner) (domain.User, error) {
	var u domain.User
	var fullName, chatHandle sql.NullString
	var role string
	err := sc.Scan(&u.ID, &u.Username, &fullName, &role, &u.IsActive, &u.IsAdmin, &chatHandle, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, gateway.ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Role = domain.Role(role)
	if fullName.Valid {
		u.FullName = fullName.String
	}
	if chatHandle.Valid {
		u.ChatHandle = chatHandle.String
	}
	return u, nil
}

const userColumns = `id,username,full_name,role,is_active,is_admin,chat_handle,created_at`

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (s *Store) InsertUser(ctx context.Context, u domain.User) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.Username, nullable(u.FullName), string(u.Role), u.IsActive, u.IsAdmin,
		nullable(u.ChatHandle), u.CreatedAt)
	return err
}

// ListUsersByRole returns users in creation order so least-workload
// ties break the same way every firing.
func (s *Store) ListUsersByRole(ctx context.Context, role domain.Role) ([]domain.User, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE role=? ORDER BY created_at ASC, id ASC`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,description,status,priority,creator_id,assignee_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, nullable(t.Priority),
		t.CreatorID, nullableStringPtr(t.AssigneeID), t.CreatedAt)
	return t, err
}

func (s *Store) ListTasksForProject(ctx context.Context, projectID string) ([]domain.Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,project_id,title,description,status,priority,creator_id,assignee_id,created_at FROM tasks WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var description, priority, assigneeID sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &priority, &t.CreatorID, &assigneeID, &t.CreatedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			t.Description = description.String
		}
		if priority.Valid {
			t.Priority = priority.String
		}
		if assigneeID.Valid {
			t.AssigneeID = &assigneeID.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
