package store

import (
	"context"

	"github.com/yu934913926yu/ai-manager-system/internal/domain"
)

// DeferredUpdate is a persisted one-time status change scheduled for
// the future. Rows survive restarts and are reloaded into the
// scheduler at startup.
type DeferredUpdate struct {
	ID           string
	ProjectID    string
	TargetStatus domain.Status
	RunAt        string
	CreatedAt    string
}

func (s *Store) InsertDeferredUpdate(ctx context.Context, d DeferredUpdate) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO deferred_updates(id,project_id,target_status,run_at,created_at) VALUES (?,?,?,?,?)`,
		d.ID, d.ProjectID, string(d.TargetStatus), d.RunAt, d.CreatedAt)
	return err
}

func (s *Store) DeleteDeferredUpdate(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM deferred_updates WHERE id=?`, id)
	return err
}

func (s *Store) ListDeferredUpdates(ctx context.Context) ([]DeferredUpdate, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,project_id,target_status,run_at,created_at FROM deferred_updates ORDER BY run_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DeferredUpdate
	for rows.Next() {
		var d DeferredUpdate
		var status string
		if err := rows.Scan(&d.ID, &d.ProjectID, &status, &d.RunAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.TargetStatus = domain.Status(status)
		res = append(res, d)
	}
	return res, rows.Err()
}
