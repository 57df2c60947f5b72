package store

import (
	"context"
	"database/sql"

	"github.com/yu934913926yu/ai-manager-system/internal/domain"
	"github.com/yu934913926yu/ai-manager-system/internal/gateway"
)

// AppendStatusChange writes one immutable audit entry. Records are
// never updated or deleted.
func (s *Store) AppendStatusChange(ctx context.Context, rec domain.StatusChangeRecord) error {
	return appendStatusChange(ctx, s.DB, rec)
}

func appendStatusChange(ctx context.Context, ex execer, rec domain.StatusChangeRecord) error {
	var from any
	if rec.FromStatus != nil {
		from = string(*rec.FromStatus)
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO status_changes(id,project_id,actor_id,from_status,to_status,reason,created_at) VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.ProjectID, rec.ActorID, from, string(rec.ToStatus), nullable(rec.Reason), rec.CreatedAt)
	return err
}

// ApplyStatusChange persists a project patch and its audit record in
// one transaction. Either both land or neither does.
func (s *Store) ApplyStatusChange(ctx context.Context, projectID string, patch gateway.ProjectPatch, rec domain.StatusChangeRecord) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := updateProject(ctx, tx, projectID, patch); err != nil {
		return err
	}
	if err := appendStatusChange(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// ListStatusChanges returns a project's transition history oldest
// first.
func (s *Store) ListStatusChanges(ctx context.Context, projectID string) ([]domain.StatusChangeRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,project_id,actor_id,from_status,to_status,reason,created_at FROM status_changes WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusChangeRecord
	for rows.Next() {
		var rec domain.StatusChangeRecord
		var from, reason sql.NullString
		var to string
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.ActorID, &from, &to, &reason, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ToStatus = domain.Status(to)
		if from.Valid {
			st := domain.Status(from.String)
			rec.FromStatus = &st
		}
		if reason.Valid {
			rec.Reason = reason.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
