// Package app wires the components shared by the server and the trainer CLI.
package app

import (
	"errors"
	"maps"
	"net/http"
	"runtime"
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/acquire"
	"github.com/Brownie44l1/scanfood-api/internal/backbone"
	"github.com/Brownie44l1/scanfood-api/internal/config"
	"github.com/Brownie44l1/scanfood-api/internal/imaging"
	"github.com/Brownie44l1/scanfood-api/internal/model"
	"github.com/Brownie44l1/scanfood-api/internal/retry"
	"github.com/Brownie44l1/scanfood-api/internal/sanitize"
	"github.com/Brownie44l1/scanfood-api/internal/trainer"
)

type App struct {
	Config *config.Config
	// Backbones serve predictions; TrainBackbones feed training runs.
	Backbones      *backbone.Provider
	TrainBackbones *backbone.Provider
	Store          *model.Store
	Registry       *model.Registry
	Trainer        *trainer.Trainer
	Acquirer       *acquire.Acquirer
	Sanitizer      *sanitize.Sanitizer
}

func New(cfg *config.Config) *App {
	servingSessions := max(1, cfg.ONNX.Sessions)
	trainingSessions := cfg.Train.Workers
	if trainingSessions <= 0 {
		trainingSessions = runtime.NumCPU()
	}
	backbones := newProvider(cfg, servingSessions)
	trainBackbones := newProvider(cfg, trainingSessions)
	store := model.NewStore(cfg.Paths.Models)

	registry := model.NewRegistry(
		store, backbones,
		model.WithDefaults(cfg.Model.ImageSize, imaging.ImageNet),
		model.WithLogger(cfg.Logger("model")),
	)

	tr := trainer.New(
		trainer.Config{
			ImageSize:     cfg.Model.ImageSize,
			Normalization: imaging.ImageNet,
			Backbone:      cfg.Model.Backbone,
			HiddenUnits:   cfg.Model.HiddenUnits,
			WeightDecay:   cfg.Train.WeightDecay,
			DisableCosine: !cfg.Train.Cosine,
			Workers:       cfg.Train.Workers,
			Seed:          cfg.Train.Seed,
		},
		trainBackbones, store,
		trainer.WithLogger(cfg.Logger("trainer")),
	)

	return &App{
		Config:         cfg,
		Backbones:      backbones,
		TrainBackbones: trainBackbones,
		Store:          store,
		Registry:       registry,
		Trainer:        tr,
		Acquirer:       NewAcquirer(cfg),
		Sanitizer:      sanitize.New(sanitize.WithLogger(cfg.Logger("sanitize"))),
	}
}

func newProvider(cfg *config.Config, sessions int) *backbone.Provider {
	return backbone.NewProvider(backbone.Config{
		ImageSize: cfg.Model.ImageSize,
		ONNX: backbone.ONNXConfig{
			ModelPath:   cfg.ONNX.ModelPath,
			LibraryPath: cfg.ONNX.LibraryPath,
			InputName:   cfg.ONNX.InputName,
			OutputName:  cfg.ONNX.OutputName,
			FeatureDim:  cfg.ONNX.FeatureDim,
			Sessions:    sessions,
		},
	})
}

// NewAcquirer builds the DuckDuckGo backed acquirer. Keywords from the config
// replace the built-in phrases of the classes they name.
func NewAcquirer(cfg *config.Config) *acquire.Acquirer {
	logger := cfg.Logger("acquire")
	retries := cfg.Acquire.Retries

	search := acquire.NewDuckDuckGo(
		acquire.WithBaseURL(cfg.Acquire.SearchURL),
		acquire.WithHTTPClient(&http.Client{Timeout: cfg.Acquire.Timeout}),
		acquire.WithCacheTTL(cfg.Acquire.CacheTTL),
		acquire.WithRetry(func() retry.Backoff {
			return retry.Limit(retries, retry.ExponentialBackoff(500*time.Millisecond, 2, 5*time.Second))
		}),
		acquire.WithSearchLogger(cfg.Logger("search")),
	)

	keywords := maps.Clone(acquire.DefaultKeywords)
	maps.Copy(keywords, cfg.Acquire.Keywords)

	return acquire.New(
		search,
		acquire.WithKeywords(keywords),
		acquire.WithDownloader(acquire.NewDownloader(nil, cfg.Acquire.Timeout, logger)),
		acquire.WithConcurrency(cfg.Acquire.Concurrency),
		acquire.WithThrottle(cfg.Acquire.Throttle),
		acquire.WithLogger(logger),
	)
}

func (a *App) Close() error {
	return errors.Join(a.Backbones.Close(), a.TrainBackbones.Close())
}
