// Package backbone provides frozen, pretrained feature extractors.
//
// A backbone turns a preprocessed image tensor into a fixed-length feature
// vector. Its parameters never change during training; only the classifier head
// stacked on top of it is fitted.
package backbone

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Brownie44l1/scanfood-api/internal/imaging"
)

var ErrUnknownBackbone = errors.New("unknown backbone")

type Backbone interface {
	// Name identifies the architecture. It is recorded in every checkpoint.
	Name() string

	// Dim is the length of feature vectors returned by Extract.
	Dim() int

	// Extract is safe for concurrent use.
	Extract(t imaging.Tensor) ([]float32, error)

	Close() error
}

type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	FeatureDim  int
	// Sessions bounds concurrent Extract calls on one backbone; at least 1.
	Sessions int
}

type Config struct {
	ImageSize int
	ONNX      ONNXConfig
}

// Provider opens backbones by name and keeps them for the life of the process.
// Serving and training each get their own Provider, so a training run never
// holds a session a prediction is waiting for.
type Provider struct {
	cfg Config

	mu     sync.Mutex
	opened map[string]Backbone
}

func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg, opened: map[string]Backbone{}}
}

func (p *Provider) Backbone(name string) (Backbone, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.opened[name]; ok {
		return b, nil
	}

	var (
		b   Backbone
		err error
	)
	switch name {
	case PooledName:
		b = NewPooled()
	case ONNXName:
		b, err = NewONNX(p.cfg.ONNX, p.cfg.ImageSize)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackbone, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open backbone %s: %w", name, err)
	}
	p.opened[name] = b
	return b, nil
}

// Close releases every backbone opened so far.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, b := range p.opened {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(p.opened, name)
	}
	return errors.Join(errs...)
}
