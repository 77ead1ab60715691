package model

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const checkpointFormat = "scanfood-head/v1"

var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

// Checkpoint is the learned state of a run: the head parameters plus the
// name of the frozen backbone they were fitted against.
type Checkpoint struct {
	Backbone string
	Head     *Head
}

type checkpointFile struct {
	Format      string      `cbor:"format"`
	Backbone    string      `cbor:"backbone"`
	FeatureDim  int         `cbor:"feature_dim"`
	HiddenUnits int         `cbor:"hidden_units"`
	NumClasses  int         `cbor:"num_classes"`
	Layers      []layerFile `cbor:"layers"`
}

type layerFile struct {
	In     int       `cbor:"in"`
	Out    int       `cbor:"out"`
	Weight []float32 `cbor:"weight"`
	Bias   []float32 `cbor:"bias"`
}

func (c Checkpoint) MarshalBinary() ([]byte, error) {
	if c.Head == nil || len(c.Head.Layers) == 0 {
		return nil, errors.New("checkpoint has no head")
	}
	f := checkpointFile{
		Format:      checkpointFormat,
		Backbone:    c.Backbone,
		FeatureDim:  c.Head.InputDim(),
		HiddenUnits: c.Head.HiddenUnits(),
		NumClasses:  c.Head.NumClasses(),
	}
	for _, l := range c.Head.Layers {
		f.Layers = append(f.Layers, layerFile{In: l.In, Out: l.Out, Weight: l.Weight, Bias: l.Bias})
	}
	return cbor.Marshal(f)
}

func (c *Checkpoint) UnmarshalBinary(data []byte) error {
	var f checkpointFile
	if err := cbor.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
	}
	if f.Format != checkpointFormat {
		return fmt.Errorf("%w: unsupported format %q", ErrCorruptCheckpoint, f.Format)
	}
	if len(f.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrCorruptCheckpoint)
	}

	head := &Head{}
	prevOut := f.FeatureDim
	for i, l := range f.Layers {
		if l.In != prevOut || len(l.Weight) != l.In*l.Out || len(l.Bias) != l.Out {
			return fmt.Errorf("%w: layer %d has inconsistent shape", ErrCorruptCheckpoint, i)
		}
		head.Layers = append(head.Layers, &Dense{In: l.In, Out: l.Out, Weight: l.Weight, Bias: l.Bias})
		prevOut = l.Out
	}
	if head.NumClasses() != f.NumClasses || head.HiddenUnits() != f.HiddenUnits {
		return fmt.Errorf("%w: header does not match layers", ErrCorruptCheckpoint)
	}

	c.Backbone = f.Backbone
	c.Head = head
	return nil
}
