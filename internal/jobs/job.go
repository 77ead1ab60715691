// Package jobs records the status of background training jobs.
package jobs

import (
	"time"
)

type Kind string

const (
	KindTrain     Kind = "train"
	KindAutoTrain Kind = "autotrain"
)

type State string

const (
	Queued    State = "queued"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

func (s State) Done() bool {
	return s == Succeeded || s == Failed
}

type Stage string

const (
	StageAcquire Stage = "acquire"
	StageClean   Stage = "clean"
	StageTrain   Stage = "train"
)

// Params are the request values a job was started with, after defaults.
type Params struct {
	Classes        []string `json:"classes,omitempty"`
	ImagesPerClass int      `json:"images_per_class,omitempty"`
	DatasetName    string   `json:"dataset_name,omitempty"`
	Epochs         int      `json:"num_epochs"`
	BatchSize      int      `json:"batch_size"`
	LearningRate   float64  `json:"learning_rate"`
}

type Metrics struct {
	TrainLoss float64 `json:"train_loss"`
	TrainAcc  float64 `json:"train_acc"`
	ValAcc    float64 `json:"val_acc"`
}

type Job struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	State      State      `json:"state"`
	Stage      Stage      `json:"stage,omitempty"`
	DatasetDir string     `json:"dataset_dir"`
	Params     Params     `json:"params"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Epoch counts completed epochs.
	Epoch       int      `json:"epoch"`
	EpochsTotal int      `json:"epochs_total"`
	LastMetrics *Metrics `json:"last_metrics,omitempty"`
	BestValAcc  float64  `json:"best_val_acc"`

	// Saved is set once the job has written a checkpoint; Version names it.
	Saved   bool   `json:"saved"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}
