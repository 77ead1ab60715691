// Package pipeline runs training jobs in the background: acquire, clean and
// train, then reload the serving model when a better checkpoint was saved.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/Brownie44l1/scanfood-api/internal/acquire"
	"github.com/Brownie44l1/scanfood-api/internal/jobs"
	"github.com/Brownie44l1/scanfood-api/internal/sanitize"
	"github.com/Brownie44l1/scanfood-api/internal/trainer"
	"github.com/labstack/gommon/log"
)

type Trainer interface {
	Train(ctx context.Context, opts trainer.Options) (trainer.Result, error)
}

type Acquirer interface {
	BuildDataset(ctx context.Context, root string, classes []string, perClass int) (string, []acquire.ClassReport, error)
}

type Cleaner interface {
	CleanWithReport(root string) sanitize.Report
}

// Reloader is told to pick up a freshly saved checkpoint.
type Reloader interface {
	Load() error
}

type Pruner interface {
	Prune(keep int) ([]string, error)
}

// Orchestrator accepts training requests and runs them on goroutines.
// Jobs do not exclude each other; the checkpoint store serializes writes.
type Orchestrator struct {
	tracker     *jobs.Tracker
	trainer     Trainer
	acquirer    Acquirer
	cleaner     Cleaner
	reloader    Reloader
	pruner      Pruner
	keep        int
	datasetsDir string
	defaults    Defaults
	logger      *log.Logger

	// ctx bounds the network work of jobs; cancelled at shutdown
	ctx context.Context
	wg  sync.WaitGroup
}

type Option func(*Orchestrator) *Orchestrator

func WithDefaults(d Defaults) Option {
	return func(o *Orchestrator) *Orchestrator {
		o.defaults = d
		return o
	}
}

// WithPruning keeps at most keep checkpoint versions after each saved run.
func WithPruning(p Pruner, keep int) Option {
	return func(o *Orchestrator) *Orchestrator {
		o.pruner = p
		o.keep = keep
		return o
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) *Orchestrator {
		o.logger = l
		return o
	}
}

func New(
	ctx context.Context,
	tracker *jobs.Tracker,
	tr Trainer,
	acq Acquirer,
	cleaner Cleaner,
	reloader Reloader,
	datasetsDir string,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		ctx:         ctx,
		tracker:     tracker,
		trainer:     tr,
		acquirer:    acq,
		cleaner:     cleaner,
		reloader:    reloader,
		datasetsDir: datasetsDir,
		defaults:    DefaultDefaults(),
		logger:      log.New("pipeline"),
	}
	for _, opt := range opts {
		o = opt(o)
	}
	return o
}

// SubmitTrain queues training on an existing dataset directory.
func (o *Orchestrator) SubmitTrain(ctx context.Context, req TrainRequest) (Accepted, error) {
	h, err := o.defaults.hyper(req.Epochs, req.BatchSize, req.LearningRate)
	if err != nil {
		return Accepted{}, err
	}
	if req.DatasetDir == "" {
		return Accepted{}, fmt.Errorf("%w: dataset_dir is required", ErrInvalidRequest)
	}
	if info, err := os.Stat(req.DatasetDir); err != nil || !info.IsDir() {
		return Accepted{}, fmt.Errorf("%w: dataset dir not found: %s", ErrInvalidRequest, req.DatasetDir)
	}

	params := jobs.Params{Epochs: h.epochs, BatchSize: h.batchSize, LearningRate: h.learningRate}
	job, err := o.tracker.Create(ctx, jobs.KindTrain, req.DatasetDir, params)
	if err != nil {
		return Accepted{}, err
	}

	o.launch(job, func(ctx context.Context) error {
		return o.train(ctx, job.ID, req.DatasetDir, h)
	})
	return accepted(job), nil
}

// SubmitAutoTrain queues acquire, clean and train into datasets/<name>.
func (o *Orchestrator) SubmitAutoTrain(ctx context.Context, req AutoTrainRequest) (Accepted, error) {
	req, h, err := o.defaults.autoTrain(req)
	if err != nil {
		return Accepted{}, err
	}
	dir, err := filepath.Abs(filepath.Join(o.datasetsDir, req.DatasetName))
	if err != nil {
		return Accepted{}, err
	}

	params := jobs.Params{
		Classes:        req.Classes,
		ImagesPerClass: req.ImagesPerClass,
		DatasetName:    req.DatasetName,
		Epochs:         h.epochs,
		BatchSize:      h.batchSize,
		LearningRate:   h.learningRate,
	}
	job, err := o.tracker.Create(ctx, jobs.KindAutoTrain, dir, params)
	if err != nil {
		return Accepted{}, err
	}

	o.launch(job, func(ctx context.Context) error {
		return o.autoTrain(ctx, job.ID, dir, req, h)
	})
	return accepted(job), nil
}

// Wait blocks until every launched job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func accepted(job jobs.Job) Accepted {
	return Accepted{Status: StatusTrainingStarted, JobID: job.ID, DatasetDir: job.DatasetDir}
}

func (o *Orchestrator) launch(job jobs.Job, run func(context.Context) error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				o.logger.Errorf("job %s panicked: %v\n%s", job.ID, r, debug.Stack())
			}
			o.finish(job.ID, err)
		}()
		err = run(o.ctx)
	}()
}

func (o *Orchestrator) finish(id string, cause error) {
	// job records outlive shutdown, so they are not bound to o.ctx
	job, err := o.tracker.Finish(context.Background(), id, cause)
	if err != nil {
		o.logger.Errorf("failed to record the end of job %s: %v", id, err)
		return
	}
	if cause != nil {
		o.logger.Errorf(
			"job %s failed (dataset=%s stage=%s epoch=%d/%d): %v",
			id, job.DatasetDir, job.Stage, job.Epoch, job.EpochsTotal, cause,
		)
		return
	}
	o.logger.Infof("job %s finished (dataset=%s best_val_acc=%.4f saved=%t)", id, job.DatasetDir, job.BestValAcc, job.Saved)
}

func (o *Orchestrator) stage(id string, stage jobs.Stage) {
	if _, err := o.tracker.Mutate(context.Background(), id, func(j *jobs.Job) {
		j.Stage = stage
	}); err != nil {
		o.logger.Warnf("failed to record stage %s of job %s: %v", stage, id, err)
	}
}

func (o *Orchestrator) autoTrain(ctx context.Context, id, dir string, req AutoTrainRequest, h hyper) error {
	if _, err := o.tracker.Start(context.Background(), id, jobs.StageAcquire); err != nil {
		return err
	}

	root, reports, err := o.acquirer.BuildDataset(ctx, dir, req.Classes, req.ImagesPerClass)
	if err != nil {
		return fmt.Errorf("failed to build dataset: %w", err)
	}
	for _, r := range reports {
		if r.Downloaded == 0 {
			o.logger.Warnf("job %s: no images downloaded for %s", id, r.Class)
		}
	}

	o.stage(id, jobs.StageClean)
	report := o.cleaner.CleanWithReport(root)
	o.logger.Infof("job %s: cleaned %s, %d of %d images removed", id, root, report.Deleted, report.Scanned)
	for _, c := range report.Classes {
		if c.Kept == 0 {
			o.logger.Warnf("job %s: %s/%s has no usable images", id, c.Split, c.Class)
		}
	}

	return o.train(ctx, id, root, h)
}

func (o *Orchestrator) train(ctx context.Context, id, dir string, h hyper) error {
	if _, err := o.tracker.Start(context.Background(), id, jobs.StageTrain); err != nil {
		return err
	}

	result, err := o.trainer.Train(ctx, trainer.Options{
		DatasetDir:   dir,
		Epochs:       h.epochs,
		BatchSize:    h.batchSize,
		LearningRate: h.learningRate,
		OnEpoch: func(m trainer.EpochMetrics) {
			if _, err := o.tracker.Mutate(context.Background(), id, func(j *jobs.Job) {
				j.Epoch = m.Epoch + 1
				j.EpochsTotal = m.Epochs
				j.LastMetrics = &jobs.Metrics{TrainLoss: m.TrainLoss, TrainAcc: m.TrainAcc, ValAcc: m.ValAcc}
				if m.Saved {
					j.Saved = true
					j.BestValAcc = m.ValAcc
				}
			}); err != nil {
				o.logger.Warnf("failed to record progress of job %s: %v", id, err)
			}
		},
	})
	if err != nil {
		return err
	}

	if _, err := o.tracker.Mutate(context.Background(), id, func(j *jobs.Job) {
		j.Saved = result.Saved
		j.BestValAcc = result.BestValAcc
		j.Version = result.Version
	}); err != nil {
		o.logger.Warnf("failed to record result of job %s: %v", id, err)
	}

	if !result.Saved {
		o.logger.Warnf("job %s: no epoch improved validation accuracy, no checkpoint saved", id)
		return nil
	}

	if err := o.reloader.Load(); err != nil {
		// the checkpoint is on disk; the previous model keeps serving
		o.logger.Errorf("job %s: reload of %s failed: %v", id, result.Version, err)
	}
	if o.pruner != nil && o.keep > 0 {
		removed, err := o.pruner.Prune(o.keep)
		if err != nil {
			o.logger.Warnf("job %s: prune failed: %v", id, err)
		} else if len(removed) > 0 {
			o.logger.Infof("job %s: pruned %d old checkpoint versions", id, len(removed))
		}
	}
	return nil
}

// IsInvalidRequest reports whether err is a caller mistake.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}
