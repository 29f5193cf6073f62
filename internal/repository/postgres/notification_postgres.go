package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"datagate/internal/apperror"
	"datagate/internal/model"
	"datagate/internal/repository"
)

// NotificationPostgres is a PostgreSQL implementation of repository.NotificationRepository.
// Rows are only inserted and never overwritten; seq breaks created_at ties.
type NotificationPostgres struct {
	db *sql.DB
}

func NewNotificationPostgres(db *sql.DB) *NotificationPostgres {
	return &NotificationPostgres{db: db}
}

var _ repository.NotificationRepository = (*NotificationPostgres)(nil)

const notificationColumns = `id, dataset_id, recipient_scope, status, dataset_state, snapshot, created_at, read_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertNotifications writes ns with one multi-row INSERT, in slice order.
func insertNotifications(ctx context.Context, db execer, ns []model.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	const perRow = 8
	var b strings.Builder
	b.WriteString(`INSERT INTO notifications (` + notificationColumns + `) VALUES `)
	args := make([]any, 0, len(ns)*perRow)
	for i, n := range ns {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * perRow
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		var snap any
		if len(n.Snapshot) > 0 {
			snap = []byte(n.Snapshot)
		}
		args = append(args, n.ID, n.DatasetID, n.RecipientScope, n.Status, n.DatasetState, snap, n.CreatedAt, n.ReadAt)
	}
	b.WriteString(` ON CONFLICT (id) DO NOTHING`)
	_, err := db.ExecContext(ctx, b.String(), args...)
	return err
}

func scanNotification(row scanner) (*model.Notification, error) {
	var (
		n      model.Notification
		snap   []byte
		readAt sql.NullTime
	)
	if err := row.Scan(
		&n.ID,
		&n.DatasetID,
		&n.RecipientScope,
		&n.Status,
		&n.DatasetState,
		&snap,
		&n.CreatedAt,
		&readAt,
	); err != nil {
		return nil, err
	}
	if len(snap) > 0 {
		n.Snapshot = snap
	}
	if readAt.Valid {
		n.ReadAt = &readAt.Time
	}
	return &n, nil
}

func (r *NotificationPostgres) AppendNotifications(ctx context.Context, ns []model.Notification) error {
	return insertNotifications(ctx, r.db, ns)
}

func (r *NotificationPostgres) ListByScope(ctx context.Context, scope string, status *model.NotificationStatus) ([]model.Notification, error) {
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_scope = $1`
	args := []any{scope}
	if status != nil {
		q += ` AND status = $2`
		args = append(args, *status)
	}
	q += ` ORDER BY created_at DESC, seq DESC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// MarkRead keeps the first read_at when the row is already read.
func (r *NotificationPostgres) MarkRead(ctx context.Context, id, scope string, at time.Time) (*model.Notification, error) {
	const q = `
		UPDATE notifications
		SET status = 'read', read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND recipient_scope = $2
		RETURNING ` + notificationColumns
	n, err := scanNotification(r.db.QueryRowContext(ctx, q, id, scope, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("notification", id)
	}
	return n, err
}
