package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"datagate/internal/apperror"
	"datagate/internal/logging"
	"datagate/internal/metrics"
	"datagate/internal/model"
	"datagate/internal/transfernet"
)

var tracer = otel.Tracer("datagate/internal/service")

// TransferNetwork is the outbound contract of the external transfer network.
type TransferNetwork interface {
	SubmitTransfer(ctx context.Context, req transfernet.SubmitRequest) (string, error)
	GetStatus(ctx context.Context, submissionID string) (transfernet.Status, error)
}

// SweepReport summarizes one polling pass.
type SweepReport struct {
	Polled      int
	Applied     int
	Resubmitted int
	Failed      int
}

// TransferOrchestrator drives transfer jobs through the network and reports
// their outcomes to the dataset state machine. It never writes dataset state.
type TransferOrchestrator interface {
	// Start is BeginTransfer followed by Submit.
	Start(ctx context.Context, datasetID, sourceRef, destRef string) (*model.TransferJob, error)

	// Submit returns the submission id of the job's current attempt, asking the
	// network only when none was recorded yet.
	Submit(ctx context.Context, datasetID, sourceRef, destRef string) (string, error)

	// PollOrReceive asks the network for the submission's status once and applies
	// it. A nil result means the transfer is still pending.
	PollOrReceive(ctx context.Context, submissionID string) (*OutcomeResult, error)

	// HandleCompletion applies an outcome pushed by the network callback.
	HandleCompletion(ctx context.Context, submissionID string, outcome model.TransferOutcome) (*OutcomeResult, error)

	// Sweep polls every active job, times out silent submissions and resubmits
	// jobs left without a submission for their current attempt.
	Sweep(ctx context.Context) (SweepReport, error)
}

type TransferOptions struct {
	// RetryCeiling bounds transport retries; a call is made at most RetryCeiling+1 times.
	RetryCeiling   int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	OutcomeTimeout time.Duration
	// SweepConcurrency bounds the jobs polled in parallel by Sweep.
	SweepConcurrency int
}

type transferOrchestrator struct {
	datasets DatasetService
	network  TransferNetwork
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Core
	opts     TransferOptions
}

func NewTransferOrchestrator(datasets DatasetService, network TransferNetwork, clk clock.Clock, log *zap.Logger, m *metrics.Core, opts TransferOptions) TransferOrchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if opts.RetryCeiling < 0 {
		opts.RetryCeiling = 0
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 100 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = 8
	}
	return &transferOrchestrator{
		datasets: datasets,
		network:  network,
		clock:    clk,
		log:      logging.Component(log, "transfer_orchestrator"),
		metrics:  m,
		opts:     opts,
	}
}

func (o *transferOrchestrator) Start(ctx context.Context, datasetID, sourceRef, destRef string) (*model.TransferJob, error) {
	job, err := o.datasets.BeginTransfer(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	subID, err := o.Submit(ctx, datasetID, sourceRef, destRef)
	if err != nil {
		return nil, err
	}
	job.SubmissionID = subID
	return job, nil
}

func (o *transferOrchestrator) Submit(ctx context.Context, datasetID, sourceRef, destRef string) (string, error) {
	ctx, span := tracer.Start(ctx, "transfer.submit", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("dataset.id", datasetID))

	job, err := o.datasets.ActiveJob(ctx, datasetID)
	if err != nil {
		return "", err
	}
	if job.Submitted() {
		return job.SubmissionID, nil
	}

	req := transfernet.SubmitRequest{
		Source:         sourceRef,
		Destination:    destRef,
		IdempotencyKey: model.IdempotencyKey(datasetID, job.Attempt),
	}
	var subID string
	err = o.retry(ctx, "submit", func(ctx context.Context) error {
		id, err := o.network.SubmitTransfer(ctx, req)
		if err != nil {
			o.metrics.TransferSubmission("error")
			return err
		}
		subID = id
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		if ctx.Err() != nil {
			return "", err
		}
		if _, ferr := o.datasets.FailTransfer(ctx, datasetID, "submit: "+err.Error()); ferr != nil {
			o.log.Error("mark transfer failed", zap.String("dataset_id", datasetID), zap.Error(ferr))
		}
		return "", apperror.TransferFailure(datasetID, err)
	}
	o.metrics.TransferSubmission("ok")

	rec, err := o.datasets.RecordSubmission(ctx, SubmissionRecord{
		DatasetID:    datasetID,
		JobID:        job.ID,
		SubmissionID: subID,
		Attempt:      job.Attempt,
		SourceRef:    sourceRef,
		DestRef:      destRef,
	})
	if err != nil {
		return "", fmt.Errorf("record submission: %w", err)
	}
	span.SetAttributes(attribute.String("transfer.submission_id", rec.SubmissionID), attribute.Int("transfer.attempt", rec.Attempt))
	o.log.Info("transfer submitted",
		zap.String("dataset_id", datasetID),
		zap.String("job_id", rec.ID),
		zap.String("submission_id", rec.SubmissionID),
		zap.Int("attempt", rec.Attempt),
	)
	return rec.SubmissionID, nil
}

// retry calls fn until it succeeds, fails permanently or has been called
// RetryCeiling+1 times. Only temporary network errors are retried.
func (o *transferOrchestrator) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := &backoff.Backoff{Min: o.opts.BackoffMin, Max: o.opts.BackoffMax, Factor: 2, Jitter: true}
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !transfernet.IsTemporary(err) || int(b.Attempt()) >= o.opts.RetryCeiling {
			return err
		}
		wait := b.Duration()
		o.log.Warn("transfer network call failed, retrying",
			zap.String("op", op),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		t := o.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// outcomeOf maps a network status to an outcome. The empty outcome means pending.
func outcomeOf(st transfernet.Status) (model.TransferOutcome, error) {
	switch st.State {
	case transfernet.StateQueued, transfernet.StateActive:
		return "", nil
	case transfernet.StateSucceeded:
		return model.OutcomeSucceeded, nil
	case transfernet.StateFailed:
		return model.OutcomeFailed, nil
	case transfernet.StateError:
		return model.OutcomeTransientError, nil
	default:
		return "", apperror.InvalidArgument(fmt.Sprintf("unknown transfer status %q", st.State))
	}
}

func (o *transferOrchestrator) PollOrReceive(ctx context.Context, submissionID string) (*OutcomeResult, error) {
	job, err := o.datasets.JobBySubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	outcome, err := o.poll(ctx, *job, submissionID)
	if err != nil || outcome == "" {
		return nil, err
	}
	return o.apply(ctx, job.DatasetID, submissionID, outcome)
}

func (o *transferOrchestrator) poll(ctx context.Context, job model.TransferJob, submissionID string) (model.TransferOutcome, error) {
	var st transfernet.Status
	err := o.retry(ctx, "status", func(ctx context.Context) error {
		var err error
		st, err = o.network.GetStatus(ctx, submissionID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get transfer status: %w", err)
	}
	outcome, err := outcomeOf(st)
	if err != nil {
		return "", err
	}
	if st.State == transfernet.StateActive && job.Status == model.TransferSubmitted {
		if _, err := o.datasets.MarkTransferActive(ctx, job.DatasetID, submissionID); err != nil {
			o.log.Warn("mark transfer active", zap.String("submission_id", submissionID), zap.Error(err))
		}
	}
	return outcome, nil
}

func (o *transferOrchestrator) HandleCompletion(ctx context.Context, submissionID string, outcome model.TransferOutcome) (*OutcomeResult, error) {
	job, err := o.datasets.JobBySubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	return o.apply(ctx, job.DatasetID, submissionID, outcome)
}

// apply reports the outcome and, after an absorbed transient error, submits
// the next attempt.
func (o *transferOrchestrator) apply(ctx context.Context, datasetID, submissionID string, outcome model.TransferOutcome) (*OutcomeResult, error) {
	res, err := o.datasets.ReportTransferOutcome(ctx, datasetID, submissionID, outcome)
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return res, nil
	}
	o.log.Info("transfer outcome applied",
		zap.String("dataset_id", datasetID),
		zap.String("submission_id", submissionID),
		zap.String("outcome", string(outcome)),
		zap.String("dataset_state", string(res.Dataset.State)),
		zap.Int("attempt", res.Job.Attempt),
	)
	if outcome == model.OutcomeTransientError && !res.Job.Status.Terminal() {
		if _, err := o.Submit(ctx, datasetID, res.Job.SourceRef, res.Job.DestRef); err != nil {
			return res, fmt.Errorf("resubmit transfer: %w", err)
		}
	}
	return res, nil
}

func (o *transferOrchestrator) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := tracer.Start(ctx, "transfer.sweep")
	defer span.End()

	jobs, err := o.datasets.ActiveJobs(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	var (
		mu     sync.Mutex
		report SweepReport
		errs   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.SweepConcurrency)
	for _, job := range jobs {
		g.Go(func() error {
			step, err := o.sweepJob(gctx, job)
			mu.Lock()
			defer mu.Unlock()
			report.Polled += step.Polled
			report.Applied += step.Applied
			report.Resubmitted += step.Resubmitted
			report.Failed += step.Failed
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = multierr.Append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("sweep.jobs", len(jobs)),
		attribute.Int("sweep.applied", report.Applied),
		attribute.Int("sweep.failed", report.Failed),
	)
	if errs != nil {
		span.SetStatus(codes.Error, "sweep had errors")
	}
	return report, errs
}

func (o *transferOrchestrator) sweepJob(ctx context.Context, job model.TransferJob) (SweepReport, error) {
	var step SweepReport
	now := o.clock.Now()

	if !job.Submitted() {
		if job.SourceRef == "" {
			// never submitted and nothing to resubmit with
			if o.opts.OutcomeTimeout > 0 && now.Sub(job.CreatedAt) > o.opts.OutcomeTimeout {
				_, err := o.datasets.FailTransfer(ctx, job.DatasetID, "no submission recorded")
				if err == nil {
					step.Failed++
				}
				return step, err
			}
			return step, nil
		}
		_, err := o.Submit(ctx, job.DatasetID, job.SourceRef, job.DestRef)
		if err == nil {
			step.Resubmitted++
		} else if errors.Is(err, apperror.ErrTransferFailure) {
			step.Failed++
		}
		return step, err
	}

	step.Polled++
	timedOut := o.opts.OutcomeTimeout > 0 && job.SubmittedAt != nil && now.Sub(*job.SubmittedAt) > o.opts.OutcomeTimeout
	outcome, err := o.poll(ctx, job, job.SubmissionID)
	if err != nil {
		// an unreachable status endpoint is no signal; the timeout still applies
		if !timedOut || ctx.Err() != nil {
			return step, err
		}
		o.log.Warn("transfer status unavailable",
			zap.String("dataset_id", job.DatasetID),
			zap.String("submission_id", job.SubmissionID),
			zap.Error(err),
		)
		outcome = ""
	}
	if outcome == "" && timedOut {
		o.log.Warn("transfer outcome timed out",
			zap.String("dataset_id", job.DatasetID),
			zap.String("submission_id", job.SubmissionID),
			zap.Duration("timeout", o.opts.OutcomeTimeout),
		)
		outcome = model.OutcomeTransientError
	}
	if outcome == "" {
		return step, nil
	}

	res, err := o.apply(ctx, job.DatasetID, job.SubmissionID, outcome)
	if res != nil && res.Applied {
		step.Applied++
		if res.Dataset.State == model.StateFailed {
			step.Failed++
		}
		if outcome == model.OutcomeTransientError && err == nil && !res.Job.Status.Terminal() {
			step.Resubmitted++
		}
	}
	return step, err
}
