package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"datagate/internal/apperror"
	"datagate/internal/model"
	"datagate/internal/repository"
)

// NotificationRepository is an append-only slice; insertion order breaks
// CreatedAt ties when listing newest first.
type NotificationRepository struct {
	mu    sync.RWMutex
	rows  []model.Notification
	index map[string]int
}

func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{index: make(map[string]int)}
}

var _ repository.NotificationRepository = (*NotificationRepository)(nil)

func (r *NotificationRepository) AppendNotifications(_ context.Context, ns []model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(ns)
	return nil
}

// appendLocked requires r.mu held for writing.
func (r *NotificationRepository) appendLocked(ns []model.Notification) {
	for _, n := range ns {
		if _, exists := r.index[n.ID]; exists {
			continue
		}
		r.index[n.ID] = len(r.rows)
		r.rows = append(r.rows, n)
	}
}

func (r *NotificationRepository) ListByScope(_ context.Context, scope string, status *model.NotificationStatus) ([]model.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Notification, 0)
	for i := len(r.rows) - 1; i >= 0; i-- {
		n := r.rows[i]
		if n.RecipientScope != scope {
			continue
		}
		if status != nil && n.Status != *status {
			continue
		}
		out = append(out, n)
	}
	// out is in reverse commit order; the stable sort keeps it for equal timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *NotificationRepository) MarkRead(_ context.Context, id, scope string, at time.Time) (*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[id]
	if !ok || r.rows[i].RecipientScope != scope {
		return nil, apperror.NotFound("notification", id)
	}
	r.rows[i].MarkRead(at)
	n := r.rows[i]
	return &n, nil
}
