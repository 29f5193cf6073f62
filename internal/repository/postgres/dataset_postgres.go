package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"datagate/internal/apperror"
	"datagate/internal/model"
	"datagate/internal/repository"
)

// DatasetPostgres is a PostgreSQL implementation of repository.DatasetRepository.
// Atomic holds the dataset row lock (SELECT ... FOR UPDATE) for the whole
// callback, and notification rows are written on the same transaction.
type DatasetPostgres struct {
	db *sql.DB
}

func NewDatasetPostgres(db *sql.DB) *DatasetPostgres {
	return &DatasetPostgres{db: db}
}

var _ repository.DatasetRepository = (*DatasetPostgres)(nil)

const (
	datasetColumns = `id, state, owner_id, created_at, last_transition_at`
	jobColumns     = `id, dataset_id, submission_id, status, attempt, submission_attempt,
		source_ref, dest_ref, last_error, created_at, submitted_at, completed_at`
)

// pgUniqueViolation is SQLSTATE unique_violation.
const pgUniqueViolation = "23505"

type scanner interface{ Scan(...any) error }

func scanDataset(row scanner) (*model.Dataset, error) {
	var d model.Dataset
	if err := row.Scan(&d.ID, &d.State, &d.OwnerID, &d.CreatedAt, &d.LastTransitionAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanJob(row scanner) (*model.TransferJob, error) {
	var (
		j                      model.TransferJob
		submitted, completedAt sql.NullTime
	)
	if err := row.Scan(
		&j.ID,
		&j.DatasetID,
		&j.SubmissionID,
		&j.Status,
		&j.Attempt,
		&j.SubmissionAttempt,
		&j.SourceRef,
		&j.DestRef,
		&j.LastError,
		&j.CreatedAt,
		&submitted,
		&completedAt,
	); err != nil {
		return nil, err
	}
	if submitted.Valid {
		j.SubmittedAt = &submitted.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (r *DatasetPostgres) Create(ctx context.Context, ds model.Dataset) error {
	const q = `INSERT INTO datasets (` + datasetColumns + `) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, q, ds.ID, ds.State, ds.OwnerID, ds.CreatedAt, ds.LastTransitionAt)
	if isUniqueViolation(err) {
		return apperror.InvalidArgument("dataset " + ds.ID + " already exists")
	}
	return err
}

func (r *DatasetPostgres) Get(ctx context.Context, id string) (*model.Dataset, error) {
	const q = `SELECT ` + datasetColumns + ` FROM datasets WHERE id = $1`
	ds, err := scanDataset(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("dataset", id)
	}
	return ds, err
}

func (r *DatasetPostgres) JobBySubmission(ctx context.Context, submissionID string) (*model.TransferJob, error) {
	const q = `
		SELECT ` + jobColumns + `
		FROM transfer_jobs
		WHERE id = (SELECT job_id FROM transfer_submissions WHERE submission_id = $1)
	`
	job, err := scanJob(r.db.QueryRowContext(ctx, q, submissionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("submission", submissionID)
	}
	return job, err
}

func (r *DatasetPostgres) ActiveJobs(ctx context.Context) ([]model.TransferJob, error) {
	const q = `
		SELECT ` + jobColumns + `
		FROM transfer_jobs
		WHERE status IN ('submitted', 'active')
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]model.TransferJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (r *DatasetPostgres) Atomic(ctx context.Context, datasetID string, fn func(tx repository.DatasetTx) error) (err error) {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	const lock = `SELECT ` + datasetColumns + ` FROM datasets WHERE id = $1 FOR UPDATE`
	ds, err := scanDataset(sqlTx.QueryRowContext(ctx, lock, datasetID))
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.NotFound("dataset", datasetID)
	}
	if err != nil {
		return fmt.Errorf("lock dataset: %w", err)
	}

	if err = fn(&datasetTx{tx: sqlTx, ds: *ds}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type datasetTx struct {
	tx *sql.Tx
	ds model.Dataset
}

func (t *datasetTx) Dataset(context.Context) (model.Dataset, error) {
	return t.ds, nil
}

func (t *datasetTx) UpdateDataset(ctx context.Context, ds model.Dataset) error {
	const q = `UPDATE datasets SET state = $2, last_transition_at = $3 WHERE id = $1`
	if _, err := t.tx.ExecContext(ctx, q, ds.ID, ds.State, ds.LastTransitionAt); err != nil {
		return err
	}
	t.ds = ds
	return nil
}

func (t *datasetTx) LatestJob(ctx context.Context) (*model.TransferJob, error) {
	const q = `
		SELECT ` + jobColumns + `
		FROM transfer_jobs
		WHERE dataset_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	job, err := scanJob(t.tx.QueryRowContext(ctx, q, t.ds.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (t *datasetTx) CreateJob(ctx context.Context, j model.TransferJob) error {
	const q = `
		INSERT INTO transfer_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := t.tx.ExecContext(ctx, q,
		j.ID,
		j.DatasetID,
		j.SubmissionID,
		j.Status,
		j.Attempt,
		j.SubmissionAttempt,
		j.SourceRef,
		j.DestRef,
		j.LastError,
		j.CreatedAt,
		j.SubmittedAt,
		j.CompletedAt,
	)
	if isUniqueViolation(err) {
		return apperror.TransferInProgress(j.DatasetID, j.ID)
	}
	return err
}

func (t *datasetTx) UpdateJob(ctx context.Context, j model.TransferJob) error {
	const q = `
		UPDATE transfer_jobs
		SET submission_id = $2, status = $3, attempt = $4, submission_attempt = $5,
			source_ref = $6, dest_ref = $7, last_error = $8, submitted_at = $9, completed_at = $10
		WHERE id = $1 AND dataset_id = $11
	`
	res, err := t.tx.ExecContext(ctx, q,
		j.ID,
		j.SubmissionID,
		j.Status,
		j.Attempt,
		j.SubmissionAttempt,
		j.SourceRef,
		j.DestRef,
		j.LastError,
		j.SubmittedAt,
		j.CompletedAt,
		t.ds.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("transfer job", j.ID)
	}
	return nil
}

func (t *datasetTx) AddSubmission(ctx context.Context, s model.TransferSubmission) error {
	const q = `
		INSERT INTO transfer_submissions (submission_id, job_id, dataset_id, attempt, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (submission_id) DO NOTHING
	`
	_, err := t.tx.ExecContext(ctx, q, s.SubmissionID, s.JobID, s.DatasetID, s.Attempt, s.SubmittedAt)
	return err
}

func (t *datasetTx) AppendNotifications(ctx context.Context, ns []model.Notification) error {
	return insertNotifications(ctx, t.tx, ns)
}
