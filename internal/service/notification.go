package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"datagate/internal/apperror"
	"datagate/internal/logging"
	"datagate/internal/metrics"
	"datagate/internal/model"
	"datagate/internal/repository"
)

// ScopePolicy resolves the recipient scopes of a dataset transition. It is
// supplied by the identity collaborator; the ledger only writes what it is given.
type ScopePolicy func(ds model.Dataset) []string

// NotificationService is the append-only notification ledger.
type NotificationService interface {
	// Emit writes one unread notification per distinct scope.
	Emit(ctx context.Context, datasetID string, scopes []string, state model.DatasetState, snapshot any) ([]model.Notification, error)

	// EmitTo is Emit through w, typically an open DatasetTx, so the rows commit
	// together with the transition that produced them. Rows written through w
	// are not counted; the owner of w counts them once they are committed.
	EmitTo(ctx context.Context, w repository.NotificationAppender, datasetID string, scopes []string, state model.DatasetState, snapshot any) ([]model.Notification, error)

	// Query lists notifications of scope newest first. An empty status returns all.
	Query(ctx context.Context, scope string, status model.NotificationStatus) ([]model.Notification, error)

	MarkRead(ctx context.Context, id, scope string) (*model.Notification, error)
}

type notificationService struct {
	repo    repository.NotificationRepository
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Core
}

func NewNotificationService(repo repository.NotificationRepository, clk clock.Clock, log *zap.Logger, m *metrics.Core) NotificationService {
	if clk == nil {
		clk = clock.New()
	}
	return &notificationService{
		repo:    repo,
		clock:   clk,
		log:     logging.Component(log, "notification_ledger"),
		metrics: m,
	}
}

func (s *notificationService) Emit(ctx context.Context, datasetID string, scopes []string, state model.DatasetState, snapshot any) ([]model.Notification, error) {
	ns, err := s.EmitTo(ctx, s.repo, datasetID, scopes, state, snapshot)
	if err != nil {
		return nil, err
	}
	s.metrics.NotificationsEmitted(len(ns))
	return ns, nil
}

func (s *notificationService) EmitTo(ctx context.Context, w repository.NotificationAppender, datasetID string, scopes []string, state model.DatasetState, snapshot any) ([]model.Notification, error) {
	scopes = lo.Uniq(lo.Compact(scopes))
	if len(scopes) == 0 {
		return nil, nil
	}

	var raw json.RawMessage
	if snapshot != nil {
		b, err := json.Marshal(snapshot)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		raw = b
	}

	now := s.clock.Now().UTC()
	ns := lo.Map(scopes, func(scope string, _ int) model.Notification {
		return model.Notification{
			ID:             uuid.NewString(),
			DatasetID:      datasetID,
			RecipientScope: scope,
			Status:         model.NotificationUnread,
			DatasetState:   state,
			Snapshot:       raw,
			CreatedAt:      now,
		}
	})
	if err := w.AppendNotifications(ctx, ns); err != nil {
		return nil, fmt.Errorf("append notifications: %w", err)
	}

	s.log.Debug("notifications staged",
		zap.String("dataset_id", datasetID),
		zap.String("dataset_state", string(state)),
		zap.Strings("scopes", scopes),
	)
	return ns, nil
}

func (s *notificationService) Query(ctx context.Context, scope string, status model.NotificationStatus) ([]model.Notification, error) {
	if scope == "" {
		return nil, apperror.InvalidArgument("recipient scope is required")
	}
	var filter *model.NotificationStatus
	if status != "" {
		if !status.Valid() {
			return nil, apperror.InvalidArgument(fmt.Sprintf("unknown status filter %q", status))
		}
		filter = &status
	}
	ns, err := s.repo.ListByScope(ctx, scope, filter)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return ns, nil
}

func (s *notificationService) MarkRead(ctx context.Context, id, scope string) (*model.Notification, error) {
	n, err := s.repo.MarkRead(ctx, id, scope, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	return n, nil
}
