package trainer

import (
	"github.com/Brownie44l1/scanfood-api/internal/model"
)

// CheckpointWriter persists a checkpoint with its manifest and returns the
// version it was stored under. *model.Store satisfies it.
type CheckpointWriter interface {
	Save(meta model.Metadata, ckpt model.Checkpoint) (string, error)
}

// Selector keeps the best validation accuracy of a run and writes a checkpoint
// only when an epoch strictly improves on it.
type Selector struct {
	w    CheckpointWriter
	best float64

	// Version of the last checkpoint written; "" before the first save.
	Version   string
	BestEpoch int
}

func NewSelector(w CheckpointWriter) *Selector {
	return &Selector{w: w, BestEpoch: -1}
}

func (s *Selector) Best() float64 { return s.best }

// Offer saves when valAcc > best. build is only called when saving. A failed
// save leaves best untouched.
func (s *Selector) Offer(epoch int, valAcc float64, build func() (model.Metadata, model.Checkpoint)) (bool, error) {
	if !(valAcc > s.best) {
		return false, nil
	}
	meta, ckpt := build()
	version, err := s.w.Save(meta, ckpt)
	if err != nil {
		return false, err
	}
	s.best = valAcc
	s.BestEpoch = epoch
	s.Version = version
	return true, nil
}
