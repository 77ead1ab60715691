package model

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/backbone"
	"github.com/Brownie44l1/scanfood-api/internal/imaging"
	"github.com/labstack/gommon/log"
)

var (
	ErrNotReady          = errors.New("model not ready")
	ErrCheckpointMissing = fmt.Errorf("%w: checkpoint not found, train first or place models/best.pt", ErrNotReady)
	ErrLabelsMissing     = fmt.Errorf("%w: labels not found, train first to generate models/labels.txt", ErrNotReady)
)

// BackboneSource hands out the frozen feature extractor a checkpoint names.
type BackboneSource interface {
	Backbone(name string) (backbone.Backbone, error)
}

// Loaded is an immutable, fully initialised model. It is replaced as a whole,
// never mutated.
type Loaded struct {
	Metadata Metadata
	LoadedAt time.Time

	head     *Head
	backbone backbone.Backbone
}

// Registry serves predictions from the checkpoint currently on disk.
type Registry struct {
	store     *Store
	backbones BackboneSource
	imageSize int
	norm      imaging.Normalization
	logger    *log.Logger

	current atomic.Pointer[Loaded]
	loadMu  sync.Mutex

	statusMu sync.RWMutex
	state    State
	reason   string
}

type Option func(*Registry) *Registry

// WithDefaults sets the preprocessing used for checkpoints that carry no
// metadata sidecar.
func WithDefaults(imageSize int, norm imaging.Normalization) Option {
	return func(r *Registry) *Registry {
		r.imageSize = imageSize
		r.norm = norm
		return r
	}
}

func WithLogger(l *log.Logger) Option {
	return func(r *Registry) *Registry {
		r.logger = l
		return r
	}
}

func NewRegistry(store *Store, backbones BackboneSource, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		backbones: backbones,
		imageSize: 256,
		norm:      imaging.ImageNet,
		logger:    log.New("registry"),
		state:     Unloaded,
	}
	for _, opt := range opts {
		r = opt(r)
	}
	return r
}

// Load reads the current checkpoint and manifest and swaps them in. On failure
// the previously serving model, if any, stays in place.
func (r *Registry) Load() error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.load()
}

func (r *Registry) load() error {
	next, err := r.build()
	if err != nil {
		if prev := r.current.Load(); prev != nil {
			r.logger.Warnf("reload failed, keep serving %s: %v", prev.Metadata.Version, err)
		} else {
			r.setStatus(Unready, err.Error())
		}
		return err
	}

	r.current.Store(next)
	r.setStatus(Ready, "")
	r.logger.Infof("model %s loaded (%s, %d classes)", next.Metadata.Version, next.Metadata.Backbone, len(next.Metadata.Classes))
	return nil
}

func (r *Registry) build() (*Loaded, error) {
	artifacts, err := r.store.Resolve()
	if err != nil {
		return nil, err
	}

	labels, err := ReadLabels(artifacts.Labels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLabelsMissing, err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrLabelsMissing, artifacts.Labels)
	}

	ckpt, err := ReadCheckpoint(artifacts.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", artifacts.Checkpoint, err)
	}
	if ckpt.Head.NumClasses() != len(labels) {
		return nil, fmt.Errorf(
			"label manifest has %d classes but checkpoint %s has %d outputs",
			len(labels), artifacts.Version, ckpt.Head.NumClasses(),
		)
	}

	meta := Metadata{
		Version:    artifacts.Version,
		Backbone:   ckpt.Backbone,
		FeatureDim: ckpt.Head.InputDim(),
		ImageSize:  r.imageSize,
		Norm:       r.norm,
	}
	if sidecar, err := ReadMetadata(artifacts.Metadata); err == nil {
		meta = sidecar
		if meta.Version == "" {
			meta.Version = artifacts.Version
		}
		if meta.Backbone != ckpt.Backbone {
			return nil, fmt.Errorf("metadata names backbone %q but checkpoint was trained on %q", meta.Backbone, ckpt.Backbone)
		}
		if meta.ImageSize <= 0 {
			meta.ImageSize = r.imageSize
		}
		if meta.Norm == (imaging.Normalization{}) {
			meta.Norm = r.norm
		}
	}
	meta.Classes = labels
	meta.HiddenUnits = ckpt.Head.HiddenUnits()

	bb, err := r.backbones.Backbone(ckpt.Backbone)
	if err != nil {
		return nil, err
	}
	if bb.Dim() != ckpt.Head.InputDim() {
		return nil, fmt.Errorf("backbone %s yields %d features, checkpoint expects %d", bb.Name(), bb.Dim(), ckpt.Head.InputDim())
	}

	return &Loaded{
		Metadata: meta,
		LoadedAt: time.Now(),
		head:     ckpt.Head,
		backbone: bb,
	}, nil
}

// EnsureLoaded loads lazily. While no model is available every call retries,
// so a checkpoint placed on disk is picked up by the next prediction.
func (r *Registry) EnsureLoaded() error {
	if r.current.Load() != nil {
		return nil
	}
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.current.Load() != nil {
		return nil
	}
	return r.load()
}

func (r *Registry) Predict(img image.Image) (Prediction, error) {
	if err := r.EnsureLoaded(); err != nil {
		if errors.Is(err, ErrNotReady) {
			return Prediction{}, err
		}
		return Prediction{}, fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	m := r.current.Load()

	tensor := imaging.Preprocess(img, m.Metadata.ImageSize, m.Metadata.Norm)
	features, err := m.backbone.Extract(tensor)
	if err != nil {
		return Prediction{}, fmt.Errorf("feature extraction failed: %w", err)
	}

	probs := Softmax(m.head.Logits(features))
	predictions := make(map[string]float32, len(probs))
	for i, p := range probs {
		predictions[m.Metadata.Classes[i]] = p
	}
	best := Argmax(probs)

	return Prediction{
		Class:       m.Metadata.Classes[best],
		Confidence:  probs[best],
		Predictions: predictions,
	}, nil
}

// CurrentVersion is "" until a model has been loaded.
func (r *Registry) CurrentVersion() string {
	if m := r.current.Load(); m != nil {
		return m.Metadata.Version
	}
	return ""
}

func (r *Registry) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()

	s := Status{State: r.state, Reason: r.reason}
	if m := r.current.Load(); m != nil {
		s.Version = m.Metadata.Version
		s.Backbone = m.Metadata.Backbone
		s.Classes = m.Metadata.Classes
		s.LoadedAt = m.LoadedAt
	}
	return s
}

func (r *Registry) setStatus(state State, reason string) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.state = state
	r.reason = reason
}
