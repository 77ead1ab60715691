package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tracker is the single writer of job records. Mutations are serialized, so
// concurrent progress reports never overwrite each other.
type Tracker struct {
	store Store
	hub   *Hub
	mu    sync.Mutex
	now   func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, hub: NewHub(), now: time.Now}
}

// Create registers a new queued job.
func (t *Tracker) Create(ctx context.Context, kind Kind, datasetDir string, params Params) (Job, error) {
	job := Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		State:       Queued,
		DatasetDir:  datasetDir,
		Params:      params,
		CreatedAt:   t.now().UTC(),
		EpochsTotal: params.Epochs,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.Create(ctx, job); err != nil {
		return Job{}, err
	}
	t.hub.Publish(job)
	return job, nil
}

// Mutate applies f to the stored job, saves it and notifies subscribers.
func (t *Tracker) Mutate(ctx context.Context, id string, f func(*Job)) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.store.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	f(&job)
	if err := t.store.Update(ctx, job); err != nil {
		return Job{}, err
	}
	t.hub.Publish(job)
	return job, nil
}

// Start marks the job running in stage. StartedAt is kept from the first call.
func (t *Tracker) Start(ctx context.Context, id string, stage Stage) (Job, error) {
	return t.Mutate(ctx, id, func(j *Job) {
		j.State = Running
		j.Stage = stage
		if j.StartedAt == nil {
			now := t.now().UTC()
			j.StartedAt = &now
		}
	})
}

func (t *Tracker) Finish(ctx context.Context, id string, cause error) (Job, error) {
	return t.Mutate(ctx, id, func(j *Job) {
		now := t.now().UTC()
		j.FinishedAt = &now
		if cause != nil {
			j.State = Failed
			j.Error = cause.Error()
			return
		}
		j.State = Succeeded
	})
}

func (t *Tracker) Get(ctx context.Context, id string) (Job, error) {
	return t.store.Get(ctx, id)
}

func (t *Tracker) List(ctx context.Context) ([]Job, error) {
	return t.store.List(ctx)
}

// Subscribe streams updates of job id. The channel is closed when the job
// finishes or cancel is called.
func (t *Tracker) Subscribe(id string) (<-chan Job, func()) {
	return t.hub.Subscribe(id)
}
