package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"go.uber.org/zap"

	"datagate/internal/apperror"
	"datagate/internal/logging"
	"datagate/internal/metrics"
	"datagate/internal/model"
	"datagate/internal/repository"
)

// OutcomeResult describes what ReportTransferOutcome did. Applied is false for
// duplicate, stale and late signals, which leave everything untouched.
type OutcomeResult struct {
	Dataset model.Dataset
	Job     model.TransferJob
	Applied bool
}

// SubmissionRecord is the external submission obtained for one attempt of a job.
type SubmissionRecord struct {
	DatasetID    string
	JobID        string
	SubmissionID string
	Attempt      int
	SourceRef    string
	DestRef      string
}

// DatasetService owns the dataset lifecycle. Every state change and the
// notifications it produces commit inside one dataset section.
type DatasetService interface {
	Create(ctx context.Context, ownerID string) (*model.Dataset, error)
	Get(ctx context.Context, id string) (*model.Dataset, error)

	BeginUpload(ctx context.Context, id string) (*model.Dataset, error)
	CompleteUpload(ctx context.Context, id string) (*model.Dataset, error)
	FailUpload(ctx context.Context, id string) (*model.Dataset, error)

	// BeginTransfer moves uploaded->transferring and creates the dataset's only
	// non-terminal job. A second caller gets apperror TransferInProgress.
	BeginTransfer(ctx context.Context, id string) (*model.TransferJob, error)
	RecordSubmission(ctx context.Context, rec SubmissionRecord) (*model.TransferJob, error)
	MarkTransferActive(ctx context.Context, datasetID, submissionID string) (*model.TransferJob, error)

	// ReportTransferOutcome applies a network outcome to the job holding
	// submissionID. Signals for terminal jobs or superseded submissions are no-ops.
	ReportTransferOutcome(ctx context.Context, datasetID, submissionID string, outcome model.TransferOutcome) (*OutcomeResult, error)

	// FailTransfer forces transferring->failed for the active job.
	FailTransfer(ctx context.Context, datasetID, cause string) (*model.Dataset, error)

	// ActiveJob returns the dataset's non-terminal job or NotFound.
	ActiveJob(ctx context.Context, datasetID string) (*model.TransferJob, error)
	JobBySubmission(ctx context.Context, submissionID string) (*model.TransferJob, error)
	ActiveJobs(ctx context.Context) ([]model.TransferJob, error)
}

type DatasetOptions struct {
	// RetryCeiling is how many transient errors a job absorbs; the next one fails it.
	RetryCeiling int
}

type datasetService struct {
	repo    repository.DatasetRepository
	ledger  NotificationService
	scopes  ScopePolicy
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Core
	opts    DatasetOptions
}

func NewDatasetService(repo repository.DatasetRepository, ledger NotificationService, scopes ScopePolicy, clk clock.Clock, log *zap.Logger, m *metrics.Core, opts DatasetOptions) DatasetService {
	if clk == nil {
		clk = clock.New()
	}
	if scopes == nil {
		scopes = OwnerScope
	}
	if opts.RetryCeiling < 0 {
		opts.RetryCeiling = 0
	}
	return &datasetService{
		repo:    repo,
		ledger:  ledger,
		scopes:  scopes,
		clock:   clk,
		log:     logging.Component(log, "dataset_state_machine"),
		metrics: m,
		opts:    opts,
	}
}

// OwnerScope notifies only the dataset owner.
func OwnerScope(ds model.Dataset) []string {
	return []string{"user:" + ds.OwnerID}
}

type transitionSnapshot struct {
	Dataset model.Dataset      `json:"dataset"`
	Job     *model.TransferJob `json:"job,omitempty"`
}

type edge struct{ from, to model.DatasetState }

// section is one pass through a dataset's exclusive section. The edges it
// walked and the notifications it wrote are logged and counted only after the commit.
type section struct {
	s       *datasetService
	tx      repository.DatasetTx
	now     time.Time
	edges   []edge
	emitted int
}

func (s *datasetService) atomic(ctx context.Context, id string, fn func(sec *section) error) error {
	var committed *section
	err := s.repo.Atomic(ctx, id, func(tx repository.DatasetTx) error {
		sec := &section{s: s, tx: tx, now: s.clock.Now().UTC()}
		if err := fn(sec); err != nil {
			return err
		}
		committed = sec
		return nil
	})
	if err != nil || committed == nil {
		return err
	}
	if committed.emitted > 0 {
		s.metrics.NotificationsEmitted(committed.emitted)
	}
	for _, e := range committed.edges {
		s.metrics.Transition(string(e.from), string(e.to))
		s.log.Info("dataset transitioned",
			zap.String("dataset_id", id),
			zap.String("from", string(e.from)),
			zap.String("to", string(e.to)),
		)
	}
	return nil
}

// move walks ds along one edge and emits its notifications through the same tx.
func (sec *section) move(ctx context.Context, ds *model.Dataset, to model.DatasetState, job *model.TransferJob) error {
	from := ds.State
	if !model.CanTransition(from, to) {
		return apperror.InvalidTransition(ds.ID, string(from), string(to))
	}
	ds.State = to
	ds.LastTransitionAt = sec.now
	if err := sec.tx.UpdateDataset(ctx, *ds); err != nil {
		return fmt.Errorf("update dataset: %w", err)
	}
	if from != to {
		snap := transitionSnapshot{Dataset: *ds, Job: job}
		ns, err := sec.s.ledger.EmitTo(ctx, sec.tx, ds.ID, sec.s.scopes(*ds), to, snap)
		if err != nil {
			return err
		}
		sec.emitted += len(ns)
	}
	sec.edges = append(sec.edges, edge{from, to})
	return nil
}

func (s *datasetService) Create(ctx context.Context, ownerID string) (*model.Dataset, error) {
	if ownerID == "" {
		return nil, apperror.InvalidArgument("owner id is required")
	}
	now := s.clock.Now().UTC()
	ds := model.Dataset{
		ID:               uuid.NewString(),
		State:            model.StateDraft,
		OwnerID:          ownerID,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := s.repo.Create(ctx, ds); err != nil {
		return nil, fmt.Errorf("create dataset: %w", err)
	}
	s.log.Info("dataset created", zap.String("dataset_id", ds.ID), zap.String("owner_id", ownerID))
	return &ds, nil
}

func (s *datasetService) Get(ctx context.Context, id string) (*model.Dataset, error) {
	return s.repo.Get(ctx, id)
}

func (s *datasetService) simpleMove(ctx context.Context, id string, from, to model.DatasetState) (*model.Dataset, error) {
	var out model.Dataset
	err := s.atomic(ctx, id, func(sec *section) error {
		ds, err := sec.tx.Dataset(ctx)
		if err != nil {
			return err
		}
		if ds.State != from {
			return apperror.InvalidTransition(id, string(ds.State), string(to))
		}
		if err := sec.move(ctx, &ds, to, nil); err != nil {
			return err
		}
		out = ds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *datasetService) BeginUpload(ctx context.Context, id string) (*model.Dataset, error) {
	return s.simpleMove(ctx, id, model.StateDraft, model.StateUploading)
}

func (s *datasetService) CompleteUpload(ctx context.Context, id string) (*model.Dataset, error) {
	return s.simpleMove(ctx, id, model.StateUploading, model.StateUploaded)
}

func (s *datasetService) FailUpload(ctx context.Context, id string) (*model.Dataset, error) {
	return s.simpleMove(ctx, id, model.StateUploading, model.StateFailed)
}

func (s *datasetService) BeginTransfer(ctx context.Context, id string) (*model.TransferJob, error) {
	var job model.TransferJob
	err := s.atomic(ctx, id, func(sec *section) error {
		latest, err := sec.tx.LatestJob(ctx)
		if err != nil {
			return fmt.Errorf("load transfer job: %w", err)
		}
		if latest != nil && !latest.Status.Terminal() {
			return apperror.TransferInProgress(id, latest.ID)
		}
		ds, err := sec.tx.Dataset(ctx)
		if err != nil {
			return err
		}
		if ds.State != model.StateUploaded {
			return apperror.InvalidTransition(id, string(ds.State), string(model.StateTransferring))
		}

		job = model.TransferJob{
			ID:        uuid.NewString(),
			DatasetID: id,
			Status:    model.TransferSubmitted,
			CreatedAt: sec.now,
		}
		if err := sec.tx.CreateJob(ctx, job); err != nil {
			return fmt.Errorf("create transfer job: %w", err)
		}
		return sec.move(ctx, &ds, model.StateTransferring, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// currentJob returns the latest job of the dataset if it is still running.
func currentJob(ctx context.Context, tx repository.DatasetTx, datasetID string) (*model.TransferJob, error) {
	job, err := tx.LatestJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("load transfer job: %w", err)
	}
	if job == nil || job.Status.Terminal() {
		return nil, apperror.NotFound("active transfer job", datasetID)
	}
	return job, nil
}

func (s *datasetService) RecordSubmission(ctx context.Context, rec SubmissionRecord) (*model.TransferJob, error) {
	if rec.SubmissionID == "" {
		return nil, apperror.InvalidArgument("submission id is required")
	}
	var out model.TransferJob
	err := s.atomic(ctx, rec.DatasetID, func(sec *section) error {
		job, err := currentJob(ctx, sec.tx, rec.DatasetID)
		if err != nil {
			return err
		}
		if job.ID != rec.JobID || job.Attempt != rec.Attempt {
			return apperror.InvalidArgument(fmt.Sprintf("job %s is at attempt %d", job.ID, job.Attempt))
		}
		if job.Submitted() {
			out = *job
			return nil
		}

		job.SubmissionID = rec.SubmissionID
		job.SubmissionAttempt = rec.Attempt
		job.Status = model.TransferSubmitted
		job.SourceRef = rec.SourceRef
		job.DestRef = rec.DestRef
		at := sec.now
		job.SubmittedAt = &at
		if err := sec.tx.UpdateJob(ctx, *job); err != nil {
			return fmt.Errorf("update transfer job: %w", err)
		}
		if err := sec.tx.AddSubmission(ctx, model.TransferSubmission{
			SubmissionID: rec.SubmissionID,
			JobID:        job.ID,
			DatasetID:    rec.DatasetID,
			Attempt:      rec.Attempt,
			SubmittedAt:  at,
		}); err != nil {
			return fmt.Errorf("record submission: %w", err)
		}
		out = *job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *datasetService) MarkTransferActive(ctx context.Context, datasetID, submissionID string) (*model.TransferJob, error) {
	var out model.TransferJob
	err := s.atomic(ctx, datasetID, func(sec *section) error {
		job, err := currentJob(ctx, sec.tx, datasetID)
		if err != nil {
			return err
		}
		out = *job
		if job.SubmissionID != submissionID || job.Status != model.TransferSubmitted {
			return nil
		}
		job.Status = model.TransferActive
		if err := sec.tx.UpdateJob(ctx, *job); err != nil {
			return fmt.Errorf("update transfer job: %w", err)
		}
		out = *job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *datasetService) ReportTransferOutcome(ctx context.Context, datasetID, submissionID string, outcome model.TransferOutcome) (*OutcomeResult, error) {
	if !outcome.Valid() {
		return nil, apperror.InvalidArgument(fmt.Sprintf("unknown transfer outcome %q", outcome))
	}
	// submission history is append-only, so resolving it outside the section is safe
	known, err := s.repo.JobBySubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if known.DatasetID != datasetID {
		return nil, apperror.NotFound("submission", submissionID)
	}

	var res OutcomeResult
	err = s.atomic(ctx, datasetID, func(sec *section) error {
		ds, err := sec.tx.Dataset(ctx)
		if err != nil {
			return err
		}
		job, err := sec.tx.LatestJob(ctx)
		if err != nil {
			return fmt.Errorf("load transfer job: %w", err)
		}
		if job == nil || job.SubmissionID == "" {
			return apperror.NotFound("submission", submissionID)
		}
		res.Dataset, res.Job = ds, *job

		// First terminal outcome wins; later signals, conflicting or not, change nothing.
		if job.Status.Terminal() || job.SubmissionID != submissionID {
			return nil
		}
		if ds.State != model.StateTransferring {
			return apperror.InvalidTransition(datasetID, string(ds.State), string(model.StateTransferring))
		}

		at := sec.now
		var to model.DatasetState
		switch outcome {
		case model.OutcomeSucceeded:
			job.Status, to = model.TransferSucceeded, model.StateTransferred
		case model.OutcomeFailed:
			job.Status, to = model.TransferFailed, model.StateFailed
			job.LastError = "transfer network reported failure"
		case model.OutcomeTransientError:
			job.Attempt++
			job.Status = model.TransferActive
			job.LastError = "transient error"
			to = model.StateTransferring
			if job.Attempt > s.opts.RetryCeiling {
				job.Status, to = model.TransferFailed, model.StateFailed
				job.LastError = fmt.Sprintf("retry ceiling %d exceeded", s.opts.RetryCeiling)
			}
		}
		if job.Status.Terminal() {
			job.CompletedAt = &at
		}
		if err := sec.tx.UpdateJob(ctx, *job); err != nil {
			return fmt.Errorf("update transfer job: %w", err)
		}
		if err := sec.move(ctx, &ds, to, job); err != nil {
			return err
		}
		res = OutcomeResult{Dataset: ds, Job: *job, Applied: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Applied {
		s.metrics.TransferOutcome(string(outcome))
	} else {
		s.log.Debug("transfer outcome ignored",
			zap.String("dataset_id", datasetID),
			zap.String("submission_id", submissionID),
			zap.String("outcome", string(outcome)),
			zap.String("job_status", string(res.Job.Status)),
		)
	}
	return &res, nil
}

func (s *datasetService) FailTransfer(ctx context.Context, datasetID, cause string) (*model.Dataset, error) {
	var out model.Dataset
	err := s.atomic(ctx, datasetID, func(sec *section) error {
		ds, err := sec.tx.Dataset(ctx)
		if err != nil {
			return err
		}
		if ds.State != model.StateTransferring {
			return apperror.InvalidTransition(datasetID, string(ds.State), string(model.StateFailed))
		}
		job, err := currentJob(ctx, sec.tx, datasetID)
		if err != nil {
			return err
		}
		at := sec.now
		job.Status = model.TransferFailed
		job.LastError = cause
		job.CompletedAt = &at
		if err := sec.tx.UpdateJob(ctx, *job); err != nil {
			return fmt.Errorf("update transfer job: %w", err)
		}
		if err := sec.move(ctx, &ds, model.StateFailed, job); err != nil {
			return err
		}
		out = ds
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Warn("transfer failed", zap.String("dataset_id", datasetID), zap.String("cause", cause))
	return &out, nil
}

func (s *datasetService) ActiveJob(ctx context.Context, datasetID string) (*model.TransferJob, error) {
	var out *model.TransferJob
	err := s.repo.Atomic(ctx, datasetID, func(tx repository.DatasetTx) error {
		job, err := currentJob(ctx, tx, datasetID)
		out = job
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *datasetService) JobBySubmission(ctx context.Context, submissionID string) (*model.TransferJob, error) {
	return s.repo.JobBySubmission(ctx, submissionID)
}

func (s *datasetService) ActiveJobs(ctx context.Context) ([]model.TransferJob, error) {
	jobs, err := s.repo.ActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}
