package pipeline

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/scanfood-api/internal/acquire"
)

// ErrInvalidRequest marks caller mistakes detected before a job is queued.
var ErrInvalidRequest = errors.New("invalid request")

type TrainRequest struct {
	DatasetDir   string  `json:"dataset_dir"`
	Epochs       int     `json:"num_epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
}

type AutoTrainRequest struct {
	Classes        []string `json:"classes"`
	ImagesPerClass int      `json:"images_per_class"`
	Epochs         int      `json:"num_epochs"`
	BatchSize      int      `json:"batch_size"`
	LearningRate   float64  `json:"learning_rate"`
	DatasetName    string   `json:"dataset_name"`
}

// Defaults fill request fields left at zero.
type Defaults struct {
	Epochs         int
	BatchSize      int
	LearningRate   float64
	ImagesPerClass int
	DatasetName    string
}

func DefaultDefaults() Defaults {
	return Defaults{
		Epochs:         5,
		BatchSize:      32,
		LearningRate:   5e-4,
		ImagesPerClass: 30,
		DatasetName:    "auto",
	}
}

// Accepted is returned once a job is queued.
type Accepted struct {
	Status     string `json:"status"`
	JobID      string `json:"job_id"`
	DatasetDir string `json:"dataset_dir"`
}

const StatusTrainingStarted = "training_started"

type hyper struct {
	epochs       int
	batchSize    int
	learningRate float64
}

func (d Defaults) hyper(epochs, batchSize int, lr float64) (hyper, error) {
	h := hyper{epochs: epochs, batchSize: batchSize, learningRate: lr}
	if h.epochs == 0 {
		h.epochs = d.Epochs
	}
	if h.batchSize == 0 {
		h.batchSize = d.BatchSize
	}
	if h.learningRate == 0 {
		h.learningRate = d.LearningRate
	}

	switch {
	case h.epochs < 1 || h.epochs > 200:
		return h, fmt.Errorf("%w: num_epochs must be within 1..200, got %d", ErrInvalidRequest, h.epochs)
	case h.batchSize < 1 || h.batchSize > 512:
		return h, fmt.Errorf("%w: batch_size must be within 1..512, got %d", ErrInvalidRequest, h.batchSize)
	case !(h.learningRate > 0) || h.learningRate > 1:
		return h, fmt.Errorf("%w: learning_rate must be within (0, 1], got %v", ErrInvalidRequest, h.learningRate)
	}
	return h, nil
}

func (d Defaults) autoTrain(req AutoTrainRequest) (AutoTrainRequest, hyper, error) {
	h, err := d.hyper(req.Epochs, req.BatchSize, req.LearningRate)
	if err != nil {
		return req, h, err
	}
	if req.ImagesPerClass == 0 {
		req.ImagesPerClass = d.ImagesPerClass
	}
	if req.ImagesPerClass < 5 || req.ImagesPerClass > 200 {
		return req, h, fmt.Errorf("%w: images_per_class must be within 5..200, got %d", ErrInvalidRequest, req.ImagesPerClass)
	}
	if req.DatasetName == "" {
		req.DatasetName = d.DatasetName
	}
	if err := acquire.ValidateClassName(req.DatasetName); err != nil {
		return req, h, fmt.Errorf("%w: dataset_name: %w", ErrInvalidRequest, err)
	}

	if len(req.Classes) == 0 {
		return req, h, fmt.Errorf("%w: classes must not be empty", ErrInvalidRequest)
	}
	seen := map[string]bool{}
	for _, c := range req.Classes {
		if err := acquire.ValidateClassName(c); err != nil {
			return req, h, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if seen[c] {
			return req, h, fmt.Errorf("%w: class %q listed twice", ErrInvalidRequest, c)
		}
		seen[c] = true
	}
	return req, h, nil
}
