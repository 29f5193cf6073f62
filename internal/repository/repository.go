// Package repository contains the persistence contracts of the core.
// Implementations live in subpackages (memory, postgres) and contain no
// business rules beyond the atomicity each method promises. Missing rows are
// reported as *apperror.Error with KindNotFound.
package repository

import (
	"context"
	"time"

	"datagate/internal/model"
)

// TokenRepository persists access tokens.
type TokenRepository interface {
	Create(ctx context.Context, t model.Token) error

	// Get returns the token by its opaque id.
	Get(ctx context.Context, id string) (*model.Token, error)

	// Redeem checks validity at now and decrements UsesRemaining as one atomic
	// step per token. A failed check returns an apperror InvalidToken carrying
	// the model.InvalidReason; the stored token is left untouched.
	Redeem(ctx context.Context, id string, now time.Time) (*model.Token, error)

	// Revoke marks the token revoked. Unknown or already revoked tokens are not an error.
	Revoke(ctx context.Context, id string) error

	// DeleteExpired removes tokens that expired before the given instant.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// NotificationAppender writes ledger rows. Both the notification repository
// and an open DatasetTx satisfy it.
type NotificationAppender interface {
	AppendNotifications(ctx context.Context, ns []model.Notification) error
}

// NotificationRepository persists the append-only notification ledger.
type NotificationRepository interface {
	NotificationAppender

	// ListByScope returns notifications for scope ordered newest first.
	// A nil status returns every status.
	ListByScope(ctx context.Context, scope string, status *model.NotificationStatus) ([]model.Notification, error)

	// MarkRead sets the notification read if it belongs to scope. It returns
	// NotFound when the id does not exist for that scope, and nil when the
	// notification was already read.
	MarkRead(ctx context.Context, id, scope string, at time.Time) (*model.Notification, error)
}

// DatasetTx is the exclusive section of one dataset. Everything written
// through it (dataset, jobs, submissions, notifications) commits together
// when the Atomic callback returns nil and is discarded otherwise.
type DatasetTx interface {
	NotificationAppender

	Dataset(ctx context.Context) (model.Dataset, error)
	UpdateDataset(ctx context.Context, ds model.Dataset) error

	// LatestJob returns the most recently created job of the dataset, or nil.
	LatestJob(ctx context.Context) (*model.TransferJob, error)
	CreateJob(ctx context.Context, job model.TransferJob) error
	UpdateJob(ctx context.Context, job model.TransferJob) error
	AddSubmission(ctx context.Context, sub model.TransferSubmission) error
}

// DatasetRepository persists datasets and their transfer jobs.
type DatasetRepository interface {
	Create(ctx context.Context, ds model.Dataset) error
	Get(ctx context.Context, id string) (*model.Dataset, error)

	// Atomic runs fn while holding the dataset's exclusive section. It returns
	// NotFound when the dataset does not exist.
	Atomic(ctx context.Context, datasetID string, fn func(tx DatasetTx) error) error

	// JobBySubmission resolves any submission id ever recorded, current or superseded.
	JobBySubmission(ctx context.Context, submissionID string) (*model.TransferJob, error)

	// ActiveJobs lists jobs whose status is not terminal.
	ActiveJobs(ctx context.Context) ([]model.TransferJob, error)
}
