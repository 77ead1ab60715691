package model

import (
	"math"
	"math/rand"
)

// Dense is a fully connected layer with row-major Weight (Out x In).
type Dense struct {
	In     int
	Out    int
	Weight []float32
	Bias   []float32
}

func newDense(in, out int, rng *rand.Rand) *Dense {
	d := &Dense{In: in, Out: out, Weight: make([]float32, in*out), Bias: make([]float32, out)}
	bound := 1 / math.Sqrt(float64(in))
	for i := range d.Weight {
		d.Weight[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	for i := range d.Bias {
		d.Bias[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return d
}

func (d *Dense) forward(x []float32) []float32 {
	out := make([]float32, d.Out)
	for o := 0; o < d.Out; o++ {
		row := d.Weight[o*d.In : (o+1)*d.In]
		acc := float64(d.Bias[o])
		for i, w := range row {
			acc += float64(w) * float64(x[i])
		}
		out[o] = float32(acc)
	}
	return out
}

// Head is the trainable classifier stacked on a frozen backbone. Every layer
// but the last is followed by ReLU.
type Head struct {
	Layers []*Dense
}

// NewHead builds a linear head, or a two-layer head when hidden > 0 (the
// deeper fine-tuning variant).
func NewHead(in, hidden, classes int, rng *rand.Rand) *Head {
	if hidden > 0 {
		return &Head{Layers: []*Dense{newDense(in, hidden, rng), newDense(hidden, classes, rng)}}
	}
	return &Head{Layers: []*Dense{newDense(in, classes, rng)}}
}

func (h *Head) InputDim() int { return h.Layers[0].In }

func (h *Head) NumClasses() int { return h.Layers[len(h.Layers)-1].Out }

func (h *Head) HiddenUnits() int {
	if len(h.Layers) < 2 {
		return 0
	}
	return h.Layers[0].Out
}

func (h *Head) Logits(x []float32) []float32 {
	logits, _ := h.Forward(x)
	return logits
}

// Activations keeps what a backward pass needs.
type Activations struct {
	inputs [][]float32
	pre    [][]float32
}

func (h *Head) Forward(x []float32) ([]float32, *Activations) {
	act := &Activations{
		inputs: make([][]float32, len(h.Layers)),
		pre:    make([][]float32, len(h.Layers)),
	}
	a := x
	for l, layer := range h.Layers {
		act.inputs[l] = a
		z := layer.forward(a)
		act.pre[l] = z
		if l == len(h.Layers)-1 {
			return z, act
		}
		a = relu(z)
	}
	return a, act
}

// Backward accumulates into g the gradients of a loss whose derivative with
// respect to the logits is dLogits.
func (h *Head) Backward(act *Activations, dLogits []float32, g *Gradients) {
	dOut := dLogits
	for l := len(h.Layers) - 1; l >= 0; l-- {
		layer := h.Layers[l]
		in := act.inputs[l]
		gw, gb := g.Weight[l], g.Bias[l]

		var dIn []float32
		if l > 0 {
			dIn = make([]float32, layer.In)
		}
		for o := 0; o < layer.Out; o++ {
			d := dOut[o]
			if d == 0 {
				continue
			}
			gb[o] += d
			row := layer.Weight[o*layer.In : (o+1)*layer.In]
			grow := gw[o*layer.In : (o+1)*layer.In]
			for i := range row {
				grow[i] += d * in[i]
				if dIn != nil {
					dIn[i] += d * row[i]
				}
			}
		}
		if l == 0 {
			return
		}
		prev := act.pre[l-1]
		for i := range dIn {
			if prev[i] <= 0 {
				dIn[i] = 0
			}
		}
		dOut = dIn
	}
}

func (h *Head) Clone() *Head {
	c := &Head{Layers: make([]*Dense, len(h.Layers))}
	for i, l := range h.Layers {
		c.Layers[i] = &Dense{
			In:     l.In,
			Out:    l.Out,
			Weight: append([]float32(nil), l.Weight...),
			Bias:   append([]float32(nil), l.Bias...),
		}
	}
	return c
}

// Gradients mirrors the shape of a Head.
type Gradients struct {
	Weight [][]float32
	Bias   [][]float32
}

func (h *Head) NewGradients() *Gradients {
	g := &Gradients{
		Weight: make([][]float32, len(h.Layers)),
		Bias:   make([][]float32, len(h.Layers)),
	}
	for i, l := range h.Layers {
		g.Weight[i] = make([]float32, len(l.Weight))
		g.Bias[i] = make([]float32, len(l.Bias))
	}
	return g
}

func (g *Gradients) Zero() {
	for i := range g.Weight {
		clear(g.Weight[i])
		clear(g.Bias[i])
	}
}

func (g *Gradients) Scale(s float32) {
	for i := range g.Weight {
		for j := range g.Weight[i] {
			g.Weight[i][j] *= s
		}
		for j := range g.Bias[i] {
			g.Bias[i][j] *= s
		}
	}
}

func relu(z []float32) []float32 {
	out := make([]float32, len(z))
	for i, v := range z {
		if v > 0 {
			out[i] = v
		}
	}
	return out
}

// Softmax is numerically stable for large logits.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	probs := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

func Argmax(values []float32) int {
	maxIdx := 0
	for i, v := range values {
		if v > values[maxIdx] {
			maxIdx = i
		}
	}
	return maxIdx
}
