package model

import (
	"encoding/json"
	"time"
)

// NotificationStatus moves only from unread to read.
type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "unread"
	NotificationRead   NotificationStatus = "read"
)

func (s NotificationStatus) Valid() bool {
	return s == NotificationUnread || s == NotificationRead
}

// Notification is one append-only ledger row for one recipient scope.
type Notification struct {
	ID             string             `json:"id"`
	DatasetID      string             `json:"dataset_id"`
	RecipientScope string             `json:"recipient_scope"`
	Status         NotificationStatus `json:"status"`
	DatasetState   DatasetState       `json:"dataset_state"`
	Snapshot       json.RawMessage    `json:"snapshot,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	ReadAt         *time.Time         `json:"read_at,omitempty"`
}

// MarkRead is idempotent; a read notification keeps its original ReadAt.
func (n *Notification) MarkRead(at time.Time) {
	if n.Status == NotificationRead {
		return
	}
	n.Status = NotificationRead
	n.ReadAt = &at
}
