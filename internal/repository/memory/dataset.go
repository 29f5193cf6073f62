package memory

import (
	"context"
	"sort"
	"sync"

	"datagate/internal/apperror"
	"datagate/internal/keymutex"
	"datagate/internal/model"
	"datagate/internal/repository"
)

// DatasetRepository stages every write of an Atomic section and applies it in
// one step while holding both its own lock and the notification ledger's, so
// readers never see a transition without its notifications.
type DatasetRepository struct {
	locks *keymutex.KeyMutex

	mu          sync.RWMutex
	datasets    map[string]model.Dataset
	jobs        map[string]model.TransferJob
	latestJob   map[string]string
	submissions map[string]model.TransferSubmission

	notifications *NotificationRepository
}

func NewDatasetRepository(notifications *NotificationRepository) *DatasetRepository {
	if notifications == nil {
		notifications = NewNotificationRepository()
	}
	return &DatasetRepository{
		locks:         keymutex.New(),
		datasets:      make(map[string]model.Dataset),
		jobs:          make(map[string]model.TransferJob),
		latestJob:     make(map[string]string),
		submissions:   make(map[string]model.TransferSubmission),
		notifications: notifications,
	}
}

var _ repository.DatasetRepository = (*DatasetRepository)(nil)

func (r *DatasetRepository) Create(_ context.Context, ds model.Dataset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.datasets[ds.ID]; exists {
		return apperror.InvalidArgument("dataset " + ds.ID + " already exists")
	}
	r.datasets[ds.ID] = ds
	return nil
}

func (r *DatasetRepository) Get(_ context.Context, id string) (*model.Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.datasets[id]
	if !ok {
		return nil, apperror.NotFound("dataset", id)
	}
	return &ds, nil
}

func (r *DatasetRepository) JobBySubmission(_ context.Context, submissionID string) (*model.TransferJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.submissions[submissionID]
	if !ok {
		return nil, apperror.NotFound("submission", submissionID)
	}
	job, ok := r.jobs[sub.JobID]
	if !ok {
		return nil, apperror.NotFound("transfer job", sub.JobID)
	}
	return &job, nil
}

func (r *DatasetRepository) ActiveJobs(_ context.Context) ([]model.TransferJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.TransferJob, 0)
	for _, j := range r.jobs {
		if !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *DatasetRepository) Atomic(ctx context.Context, datasetID string, fn func(tx repository.DatasetTx) error) error {
	unlock := r.locks.Lock(datasetID)
	defer unlock()

	r.mu.RLock()
	ds, ok := r.datasets[datasetID]
	var latest *model.TransferJob
	if jobID, has := r.latestJob[datasetID]; has {
		j := r.jobs[jobID]
		latest = &j
	}
	r.mu.RUnlock()
	if !ok {
		return apperror.NotFound("dataset", datasetID)
	}

	tx := &datasetTx{ds: ds, latest: latest, jobs: make(map[string]model.TransferJob)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.commit(datasetID, tx)
	return nil
}

func (r *DatasetRepository) commit(datasetID string, tx *datasetTx) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications.mu.Lock()
	defer r.notifications.mu.Unlock()

	if tx.dsDirty {
		r.datasets[datasetID] = tx.ds
	}
	for id, j := range tx.jobs {
		r.jobs[id] = j
	}
	if tx.createdJob != "" {
		r.latestJob[datasetID] = tx.createdJob
	}
	for _, s := range tx.subs {
		r.submissions[s.SubmissionID] = s
	}
	r.notifications.appendLocked(tx.notes)
}

type datasetTx struct {
	ds         model.Dataset
	dsDirty    bool
	latest     *model.TransferJob
	createdJob string
	jobs       map[string]model.TransferJob
	subs       []model.TransferSubmission
	notes      []model.Notification
}

func (t *datasetTx) Dataset(context.Context) (model.Dataset, error) {
	return t.ds, nil
}

func (t *datasetTx) UpdateDataset(_ context.Context, ds model.Dataset) error {
	t.ds = ds
	t.dsDirty = true
	return nil
}

func (t *datasetTx) LatestJob(context.Context) (*model.TransferJob, error) {
	if t.latest == nil {
		return nil, nil
	}
	j := *t.latest
	return &j, nil
}

func (t *datasetTx) CreateJob(_ context.Context, job model.TransferJob) error {
	t.jobs[job.ID] = job
	t.createdJob = job.ID
	t.latest = &job
	return nil
}

func (t *datasetTx) UpdateJob(_ context.Context, job model.TransferJob) error {
	if t.latest == nil || t.latest.ID != job.ID {
		return apperror.NotFound("transfer job", job.ID)
	}
	t.jobs[job.ID] = job
	t.latest = &job
	return nil
}

func (t *datasetTx) AddSubmission(_ context.Context, sub model.TransferSubmission) error {
	t.subs = append(t.subs, sub)
	return nil
}

func (t *datasetTx) AppendNotifications(_ context.Context, ns []model.Notification) error {
	t.notes = append(t.notes, ns...)
	return nil
}
