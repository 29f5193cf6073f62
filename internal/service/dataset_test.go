package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datagate/internal/apperror"
	"datagate/internal/metrics"
	"datagate/internal/model"
	"datagate/internal/repository"
	"datagate/internal/repository/memory"
)

var testScopes = func(ds model.Dataset) []string {
	return []string{"user:" + ds.OwnerID, "role:auditor"}
}

type datasetFixture struct {
	svc   DatasetService
	notes *memory.NotificationRepository
	clock *clock.Mock
}

func newDatasetFixture(t *testing.T, ceiling int) *datasetFixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	notes := memory.NewNotificationRepository()
	ledger := NewNotificationService(notes, clk, zap.NewNop(), nil)
	svc := NewDatasetService(memory.NewDatasetRepository(notes), ledger, testScopes, clk, zap.NewNop(), nil, DatasetOptions{RetryCeiling: ceiling})
	return &datasetFixture{svc: svc, notes: notes, clock: clk}
}

// transferring creates a dataset owned by u1 and walks it to transferring with submission sub-1.
func (f *datasetFixture) transferring(t *testing.T) (model.Dataset, model.TransferJob) {
	t.Helper()
	ctx := context.Background()
	ds, err := f.svc.Create(ctx, "u1")
	require.NoError(t, err)
	_, err = f.svc.BeginUpload(ctx, ds.ID)
	require.NoError(t, err)
	_, err = f.svc.CompleteUpload(ctx, ds.ID)
	require.NoError(t, err)
	job, err := f.svc.BeginTransfer(ctx, ds.ID)
	require.NoError(t, err)
	rec, err := f.svc.RecordSubmission(ctx, SubmissionRecord{
		DatasetID: ds.ID, JobID: job.ID, SubmissionID: "sub-1", Attempt: 0, SourceRef: "src", DestRef: "dst",
	})
	require.NoError(t, err)
	got, err := f.svc.Get(ctx, ds.ID)
	require.NoError(t, err)
	return *got, *rec
}

func (f *datasetFixture) notesIn(t *testing.T, scope string, state model.DatasetState) int {
	t.Helper()
	ns, err := f.notes.ListByScope(context.Background(), scope, nil)
	require.NoError(t, err)
	n := 0
	for _, x := range ns {
		if x.DatasetState == state {
			n++
		}
	}
	return n
}

func TestDatasetService_HappyPathToTransferred(t *testing.T) {
	f := newDatasetFixture(t, 3)
	ctx := context.Background()
	ds, job := f.transferring(t)
	assert.Equal(t, model.StateTransferring, ds.State)
	assert.Equal(t, model.TransferSubmitted, job.Status)

	res, err := f.svc.ReportTransferOutcome(ctx, ds.ID, "sub-1", model.OutcomeSucceeded)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.StateTransferred, res.Dataset.State)
	assert.Equal(t, model.TransferSucceeded, res.Job.Status)
	require.NotNil(t, res.Job.CompletedAt)

	for _, scope := range []string{"user:u1", "role:auditor"} {
		assert.Equal(t, 1, f.notesIn(t, scope, model.StateTransferred), scope)
		// one per transition: uploading, uploaded, transferring, transferred
		all, _ := f.notes.ListByScope(ctx, scope, nil)
		assert.Len(t, all, 4, scope)
	}
}

func TestDatasetService_TerminalOutcomeIsIdempotent(t *testing.T) {
	f := newDatasetFixture(t, 3)
	ctx := context.Background()
	ds, _ := f.transferring(t)

	_, err := f.svc.ReportTransferOutcome(ctx, ds.ID, "sub-1", model.OutcomeSucceeded)
	require.NoError(t, err)
	before, _ := f.notes.ListByScope(ctx, "user:u1", nil)

	for _, outcome := range []model.TransferOutcome{model.OutcomeSucceeded, model.OutcomeFailed, model.OutcomeTransientError} {
		res, err := f.svc.ReportTransferOutcome(ctx, ds.ID, "sub-1", outcome)
		require.NoError(t, err)
		assert.False(t, res.Applied, outcome)
		assert.Equal(t, model.StateTransferred, res.Dataset.State)
	}
	after, _ := f.notes.ListByScope(ctx, "user:u1", nil)
	assert.Equal(t, before, after)
}

func TestDatasetService_TransientErrorsHitRetryCeiling(t *testing.T) {
	f := newDatasetFixture(t, 3)
	ctx := context.Background()
	ds, _ := f.transferring(t)

	for i := 1; i <= 5; i++ {
		res, err := f.svc.ReportTransferOutcome(ctx, ds.ID, "sub-1", model.OutcomeTransientError)
		require.NoError(t, err)
		switch {
		case i <= 3:
			assert.True(t, res.Applied)
			assert.Equal(t, model.StateTransferring, res.Dataset.State, "report %d", i)
			assert.Equal(t, i, res.Job.Attempt)
		case i == 4:
			assert.True(t, res.Applied)
			assert.Equal(t, model.StateFailed, res.Dataset.State)
			assert.Equal(t, model.TransferFailed, res.Job.Status)
		default:
			assert.False(t, res.Applied)
			assert.Equal(t, model.StateFailed, res.Dataset.State)
		}
	}
	assert.Equal(t, 1, f.notesIn(t, "user:u1", model.StateFailed))
	assert.Equal(t, 1, f.notesIn(t, "role:auditor", model.StateFailed))
	// retries stay on the transferring edge and emit nothing extra
	assert.Equal(t, 1, f.notesIn(t, "user:u1", model.StateTransferring))
}

func TestDatasetService_BeginTransferOneWinner(t *testing.T) {
	f := newDatasetFixture(t, 3)
	ctx := context.Background()
	ds, err := f.svc.Create(ctx, "u1")
	require.NoError(t, err)
	_, err = f.svc.BeginUpload(ctx, ds.ID)
	require.NoError(t, err)
	_, err = f.svc.CompleteUpload(ctx, ds.ID)
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.BeginTransfer(ctx, ds.ID)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, apperror.ErrTransferInProgress)
	}
	assert.Equal(t, 1, won)

	jobs, err := f.svc.ActiveJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestDatasetService_InvalidTransitions(t *testing.T) {
	f := newDatasetFixture(t, 3)
	ctx := context.Background()
	ds, err := f.svc.Create(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StateDraft, ds.State)

	_, err = f.svc.CompleteUpload(ctx, ds.ID)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
	_, err = f.svc.BeginTransfer(ctx, ds.ID)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	_, err = f.svc.BeginUpload(ctx, ds.ID)
	require.NoError(t, err)
	_, err = f.svc.BeginUpload(ctx, ds.ID)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
	_, err = f.svc.FailTransfer(ctx, ds.ID, "nope")
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	_, err = f.svc.BeginUpload(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	_, err = f.svc.Create(ctx, "")
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)
}

func TestDatasetService_FailUpload(t *testing.T) {
	f := newDatasetFixture(t, 3)
	ctx := context.Background()
	ds, _ := f.svc.Create(ctx, "u1")
	_, err := f.svc.BeginUpload(ctx, ds.ID)
	require.NoError(t, err)

	got, err := f.svc.FailUpload(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, 1, f.notesIn(t, "user:u1", model.StateFailed))

	_, err = f.svc.BeginUpload(ctx, ds.ID)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
}

func TestDatasetService_StaleAndUnknownSubmissions(t *testing.T) {
	f := newDatasetFixture(t, 3)
	ctx := context.Background()
	ds, job := f.transferring(t)

	_, err := f.svc.ReportTransferOutcome(ctx, ds.ID, "sub-x", model.OutcomeSucceeded)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	_, err = f.svc.ReportTransferOutcome(ctx, ds.ID, "sub-1", model.TransferOutcome("bogus"))
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)

	res, err := f.svc.ReportTransferOutcome(ctx, ds.ID, "sub-1", model.OutcomeTransientError)
	require.NoError(t, err)
	require.True(t, res.Applied)

	// a record for the old attempt is rejected
	_, err = f.svc.RecordSubmission(ctx, SubmissionRecord{DatasetID: ds.ID, JobID: job.ID, SubmissionID: "sub-z", Attempt: 0})
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)

	_, err = f.svc.RecordSubmission(ctx, SubmissionRecord{DatasetID: ds.ID, JobID: job.ID, SubmissionID: "sub-2", Attempt: 1, SourceRef: "src", DestRef: "dst"})
	require.NoError(t, err)

	late, err := f.svc.ReportTransferOutcome(ctx, ds.ID, "sub-1", model.OutcomeSucceeded)
	require.NoError(t, err)
	assert.False(t, late.Applied)
	assert.Equal(t, model.StateTransferring, late.Dataset.State)

	old, err := f.svc.JobBySubmission(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, old.ID)

	done, err := f.svc.ReportTransferOutcome(ctx, ds.ID, "sub-2", model.OutcomeSucceeded)
	require.NoError(t, err)
	assert.True(t, done.Applied)
	assert.Equal(t, model.StateTransferred, done.Dataset.State)
}

func TestDatasetService_MarkTransferActiveAndFailTransfer(t *testing.T) {
	f := newDatasetFixture(t, 3)
	ctx := context.Background()
	ds, _ := f.transferring(t)

	job, err := f.svc.MarkTransferActive(ctx, ds.ID, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.TransferActive, job.Status)

	active, err := f.svc.ActiveJob(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferActive, active.Status)

	got, err := f.svc.FailTransfer(ctx, ds.ID, "submit: gave up")
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)

	_, err = f.svc.ActiveJob(ctx, ds.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	failed, err := f.svc.JobBySubmission(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "submit: gave up", failed.LastError)
}

type failingLedger struct {
	NotificationService
}

func (failingLedger) EmitTo(context.Context, repository.NotificationAppender, string, []string, model.DatasetState, any) ([]model.Notification, error) {
	return nil, errors.New("ledger down")
}

func TestDatasetService_TransitionRollsBackWithoutNotification(t *testing.T) {
	ctx := context.Background()
	notes := memory.NewNotificationRepository()
	repo := memory.NewDatasetRepository(notes)
	svc := NewDatasetService(repo, failingLedger{}, testScopes, nil, zap.NewNop(), nil, DatasetOptions{RetryCeiling: 3})

	ds, err := svc.Create(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.BeginUpload(ctx, ds.ID)
	require.EqualError(t, err, "ledger down")

	got, err := svc.Get(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDraft, got.State)
}

// commitFailingRepo runs fn to completion, then fails the commit so every
// staged write is discarded.
type commitFailingRepo struct {
	repository.DatasetRepository
	fail bool
}

func (r *commitFailingRepo) Atomic(ctx context.Context, id string, fn func(tx repository.DatasetTx) error) error {
	return r.DatasetRepository.Atomic(ctx, id, func(tx repository.DatasetTx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if r.fail {
			return errors.New("commit failed")
		}
		return nil
	})
}

func TestDatasetService_CountsNotificationsOnlyAfterCommit(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	notes := memory.NewNotificationRepository()
	repo := &commitFailingRepo{DatasetRepository: memory.NewDatasetRepository(notes), fail: true}
	ledger := NewNotificationService(notes, nil, zap.NewNop(), m)
	svc := NewDatasetService(repo, ledger, testScopes, nil, zap.NewNop(), m, DatasetOptions{RetryCeiling: 3})

	emitted := func(n int) string {
		return fmt.Sprintf(`
# HELP notifications_emitted_total Notification rows written to the ledger.
# TYPE notifications_emitted_total counter
notifications_emitted_total %d
`, n)
	}

	ds, err := svc.Create(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.BeginUpload(ctx, ds.ID)
	require.EqualError(t, err, "commit failed")

	all, err := notes.ListByScope(ctx, "user:u1", nil)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(emitted(0)), "notifications_emitted_total"))

	repo.fail = false
	_, err = svc.BeginUpload(ctx, ds.ID)
	require.NoError(t, err)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(emitted(2)), "notifications_emitted_total"))
}
