package store

import (
	"context"

	"github.com/yu934913926yu/ai-manager-system/internal/domain"
)

// LogNotification records one delivery attempt.
func (s *Store) LogNotification(ctx context.Context, rec domain.NotificationRecord) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO notifications(id,recipient,kind,message,delivered,created_at) VALUES (?,?,?,?,?,?)`,
		rec.ID, rec.Recipient, rec.Kind, rec.Message, rec.Delivered, rec.CreatedAt)
	return err
}

// ListNotifications returns recent delivery attempts, newest first.
func (s *Store) ListNotifications(ctx context.Context, limit int) ([]domain.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,recipient,kind,message,delivered,created_at FROM notifications ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationRecord
	for rows.Next() {
		var rec domain.NotificationRecord
		if err := rows.Scan(&rec.ID, &rec.Recipient, &rec.Kind, &rec.Message, &rec.Delivered, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
