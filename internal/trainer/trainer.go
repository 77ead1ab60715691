// Package trainer fits a classifier head on top of a frozen backbone and keeps
// the checkpoint with the best validation accuracy.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/backbone"
	"github.com/Brownie44l1/scanfood-api/internal/dataset"
	"github.com/Brownie44l1/scanfood-api/internal/imaging"
	"github.com/Brownie44l1/scanfood-api/internal/model"
	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
)

var (
	ErrNoTrainImages = errors.New("no training images")
	ErrInvalidOption = errors.New("invalid training option")
)

type Config struct {
	ImageSize     int
	Normalization imaging.Normalization
	Backbone      string
	// HiddenUnits > 0 adds a ReLU hidden layer to the head.
	HiddenUnits int
	WeightDecay float64
	// DisableCosine keeps the learning rate constant.
	DisableCosine bool
	Workers       int
	// Seed 0 picks a time based seed.
	Seed int64
}

func DefaultConfig() Config {
	return Config{
		ImageSize:     256,
		Normalization: imaging.ImageNet,
		Backbone:      backbone.ONNXName,
		WeightDecay:   0.01,
		Workers:       runtime.NumCPU(),
	}
}

type Options struct {
	DatasetDir   string
	Epochs       int
	BatchSize    int
	LearningRate float64

	// OnEpoch, when set, is called after every epoch's validation.
	OnEpoch func(EpochMetrics)
}

type EpochMetrics struct {
	Epoch        int     `json:"epoch"`
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate"`
	TrainLoss    float64 `json:"train_loss"`
	TrainAcc     float64 `json:"train_acc"`
	ValAcc       float64 `json:"val_acc"`
	Saved        bool    `json:"saved"`
}

type Result struct {
	RunID      string
	Classes    []string
	Epochs     []EpochMetrics
	BestValAcc float64
	// BestEpoch is -1 when no epoch was saved.
	BestEpoch int
	Saved     bool
	Version   string
}

type Trainer struct {
	cfg       Config
	backbones model.BackboneSource
	store     CheckpointWriter
	logger    *log.Logger
}

type Option func(*Trainer) *Trainer

func WithLogger(l *log.Logger) Option {
	return func(t *Trainer) *Trainer {
		t.logger = l
		return t
	}
}

func New(cfg Config, backbones model.BackboneSource, store CheckpointWriter, opts ...Option) *Trainer {
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Normalization == (imaging.Normalization{}) {
		cfg.Normalization = imaging.ImageNet
	}
	t := &Trainer{cfg: cfg, backbones: backbones, store: store, logger: log.New("trainer")}
	for _, opt := range opts {
		t = opt(t)
	}
	return t
}

func (o Options) validate() error {
	if o.Epochs < 1 {
		return fmt.Errorf("%w: epochs must be >= 1, got %d", ErrInvalidOption, o.Epochs)
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be >= 1, got %d", ErrInvalidOption, o.BatchSize)
	}
	if !(o.LearningRate > 0) {
		return fmt.Errorf("%w: learning rate must be > 0, got %v", ErrInvalidOption, o.LearningRate)
	}
	return nil
}

// Train runs synchronously. ctx is only checked before training starts; a run
// in progress is not interrupted.
func (t *Trainer) Train(ctx context.Context, opts Options) (Result, error) {
	result := Result{BestEpoch: -1}
	if err := opts.validate(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	folder, err := dataset.Discover(opts.DatasetDir)
	if err != nil {
		return result, err
	}
	result.Classes = folder.Classes
	for _, c := range folder.UnknownVal {
		t.logger.Warnf("val class %q has no train directory, ignored", c)
	}
	if len(folder.Train.Samples) == 0 {
		return result, fmt.Errorf("%w under %s", ErrNoTrainImages, opts.DatasetDir)
	}
	if len(folder.Val.Samples) == 0 {
		t.logger.Warnf("%s has no validation images; no checkpoint will be saved", opts.DatasetDir)
	}

	bb, err := t.backbones.Backbone(t.cfg.Backbone)
	if err != nil {
		return result, err
	}

	seed := t.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	x := &extractor{
		backbone: bb,
		size:     t.cfg.ImageSize,
		norm:     t.cfg.Normalization,
		augment:  imaging.DefaultAugmenter(t.cfg.ImageSize),
		workers:  t.cfg.Workers,
		logger:   t.logger,
	}

	numClasses := len(folder.Classes)
	head := model.NewHead(bb.Dim(), t.cfg.HiddenUnits, numClasses, rng)
	optim := NewAdamW(head, t.cfg.WeightDecay)
	schedule := CosineLR{Base: opts.LearningRate, Epochs: opts.Epochs, Disabled: t.cfg.DisableCosine}
	weights := ClassWeights(folder.Train.Counts)
	sampler := dataset.NewBalancedSampler(folder.Train.Labels(), numClasses)
	selector := NewSelector(t.store)

	result.RunID = uuid.NewString()
	t.logger.Infof(
		"run %s: %d classes, %d train / %d val images, backbone %s, %d epochs",
		result.RunID, numClasses, len(folder.Train.Samples), len(folder.Val.Samples), bb.Name(), opts.Epochs,
	)

	val := x.extract(folder.Val.Samples, nil)

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		lr := schedule.At(epoch)
		loss, acc := t.trainEpoch(x, head, optim, sampler, weights, folder.Train.Samples, opts.BatchSize, lr, rng)
		valAcc := evaluate(head, val)

		saved, err := selector.Offer(epoch, valAcc, func() (model.Metadata, model.Checkpoint) {
			return model.Metadata{
					RunID:       result.RunID,
					Backbone:    bb.Name(),
					FeatureDim:  bb.Dim(),
					HiddenUnits: head.HiddenUnits(),
					Classes:     folder.Classes,
					ImageSize:   t.cfg.ImageSize,
					Norm:        t.cfg.Normalization,
					Epoch:       epoch,
					ValAcc:      valAcc,
					CreatedAt:   time.Now().UTC(),
				}, model.Checkpoint{
					Backbone: bb.Name(),
					Head:     head.Clone(),
				}
		})
		if err != nil {
			return result, fmt.Errorf("failed to save checkpoint at epoch %d: %w", epoch, err)
		}

		m := EpochMetrics{
			Epoch:        epoch,
			Epochs:       opts.Epochs,
			LearningRate: lr,
			TrainLoss:    loss,
			TrainAcc:     acc,
			ValAcc:       valAcc,
			Saved:        saved,
		}
		result.Epochs = append(result.Epochs, m)
		t.logger.Infof(
			"epoch %d/%d: lr=%.6f train_loss=%.4f train_acc=%.4f val_acc=%.4f saved=%t",
			epoch+1, opts.Epochs, lr, loss, acc, valAcc, saved,
		)
		if opts.OnEpoch != nil {
			opts.OnEpoch(m)
		}
	}

	result.BestValAcc = selector.Best()
	result.BestEpoch = selector.BestEpoch
	result.Version = selector.Version
	result.Saved = selector.Version != ""
	return result, nil
}

func (t *Trainer) trainEpoch(
	x *extractor,
	head *model.Head,
	optim *AdamW,
	sampler *dataset.BalancedSampler,
	weights []float64,
	samples []dataset.Sample,
	batchSize int,
	lr float64,
	rng *rand.Rand,
) (loss, acc float64) {
	order := sampler.Epoch(rng, len(samples))
	grads := head.NewGradients()

	var (
		lossSum float64
		correct int
		seen    int
	)
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		batch := make([]dataset.Sample, 0, end-start)
		seeds := make([]int64, 0, end-start)
		for _, idx := range order[start:end] {
			batch = append(batch, samples[idx])
			seeds = append(seeds, rng.Int63())
		}

		features := x.extract(batch, seeds)
		if len(features) == 0 {
			continue
		}

		grads.Zero()
		var weightSum float64
		for _, f := range features {
			logits, act := head.Forward(f.vec)
			l, dLogits := crossEntropy(logits, f.label)
			w := weights[f.label]
			for i := range dLogits {
				dLogits[i] *= float32(w)
			}
			head.Backward(act, dLogits, grads)

			weightSum += w
			lossSum += l
			seen++
			if model.Argmax(logits) == f.label {
				correct++
			}
		}
		if weightSum == 0 {
			continue
		}
		grads.Scale(float32(1 / weightSum))
		optim.Step(head, grads, lr)
	}
	if seen == 0 {
		return 0, 0
	}
	return lossSum / float64(seen), float64(correct) / float64(seen)
}

// evaluate returns top-1 accuracy, or 0 for an empty set.
func evaluate(head *model.Head, val []feature) float64 {
	if len(val) == 0 {
		return 0
	}
	correct := 0
	for _, f := range val {
		if model.Argmax(head.Logits(f.vec)) == f.label {
			correct++
		}
	}
	return float64(correct) / float64(len(val))
}
