package trainer

import (
	"math"

	"github.com/Brownie44l1/scanfood-api/internal/model"
)

// AdamW with decoupled weight decay. Biases are not decayed.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	step int
	m, v *model.Gradients
}

func NewAdamW(head *model.Head, weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           head.NewGradients(),
		v:           head.NewGradients(),
	}
}

// Step applies one update with learning rate lr using the averaged gradients g.
func (o *AdamW) Step(head *model.Head, g *model.Gradients, lr float64) {
	o.step++
	c1 := 1 - math.Pow(o.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for l, layer := range head.Layers {
		o.update(layer.Weight, g.Weight[l], o.m.Weight[l], o.v.Weight[l], lr, c1, c2, o.WeightDecay)
		o.update(layer.Bias, g.Bias[l], o.m.Bias[l], o.v.Bias[l], lr, c1, c2, 0)
	}
}

func (o *AdamW) update(params, grads, m, v []float32, lr, c1, c2, decay float64) {
	for i := range params {
		gi := float64(grads[i])
		mi := o.Beta1*float64(m[i]) + (1-o.Beta1)*gi
		vi := o.Beta2*float64(v[i]) + (1-o.Beta2)*gi*gi
		m[i], v[i] = float32(mi), float32(vi)

		p := float64(params[i])
		if decay > 0 {
			p -= lr * decay * p
		}
		p -= lr * (mi / c1) / (math.Sqrt(vi/c2) + o.Eps)
		params[i] = float32(p)
	}
}

// CosineLR anneals from base to 0 over max(1, epochs) epochs. With Disabled
// set it returns base for every epoch.
type CosineLR struct {
	Base     float64
	Epochs   int
	Disabled bool
}

func (s CosineLR) At(epoch int) float64 {
	if s.Disabled {
		return s.Base
	}
	t := s.Epochs
	if t < 1 {
		t = 1
	}
	return s.Base * (1 + math.Cos(math.Pi*float64(epoch)/float64(t))) / 2
}
