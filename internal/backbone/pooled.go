package backbone

import (
	"fmt"
	"math"

	"github.com/Brownie44l1/scanfood-api/internal/imaging"
)

const PooledName = "pooled-v1"

var (
	meanGrids = []int{4, 2, 1}
	stdGrids  = []int{2, 1}
)

// Pooled is a parameter-free extractor built from multi-scale average pooling,
// pooled standard deviations and mean gradient energy per channel. It needs no
// native runtime, which makes it the default for offline use and tests.
type Pooled struct {
	dim int
}

func NewPooled() *Pooled {
	dim := 0
	for _, g := range meanGrids {
		dim += 3 * g * g
	}
	for _, g := range stdGrids {
		dim += 3 * g * g
	}
	dim += 3 * 2
	return &Pooled{dim: dim}
}

func (p *Pooled) Name() string { return PooledName }

func (p *Pooled) Dim() int { return p.dim }

func (p *Pooled) Extract(t imaging.Tensor) ([]float32, error) {
	if t.Size <= 0 || len(t.Data) != 3*t.Size*t.Size {
		return nil, fmt.Errorf("pooled backbone: malformed tensor (size %d, %d values)", t.Size, len(t.Data))
	}

	features := make([]float32, 0, p.dim)
	for c := 0; c < 3; c++ {
		plane := t.Plane(c)
		for _, g := range meanGrids {
			for _, cell := range cells(t.Size, g) {
				mean, _ := cellStats(plane, t.Size, cell)
				features = append(features, float32(mean))
			}
		}
		for _, g := range stdGrids {
			for _, cell := range cells(t.Size, g) {
				_, std := cellStats(plane, t.Size, cell)
				features = append(features, float32(std))
			}
		}
		dx, dy := gradientEnergy(plane, t.Size)
		features = append(features, float32(dx), float32(dy))
	}
	return features, nil
}

func (p *Pooled) Close() error { return nil }

type cell struct{ x0, y0, x1, y1 int }

func cells(size, grid int) []cell {
	out := make([]cell, 0, grid*grid)
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			c := cell{
				x0: gx * size / grid, x1: (gx + 1) * size / grid,
				y0: gy * size / grid, y1: (gy + 1) * size / grid,
			}
			if c.x1 <= c.x0 {
				c.x1 = c.x0 + 1
			}
			if c.y1 <= c.y0 {
				c.y1 = c.y0 + 1
			}
			out = append(out, c)
		}
	}
	return out
}

func cellStats(plane []float32, size int, c cell) (mean, std float64) {
	var sum, sq float64
	n := 0
	for y := c.y0; y < c.y1 && y < size; y++ {
		for x := c.x0; x < c.x1 && x < size; x++ {
			v := float64(plane[y*size+x])
			sum += v
			sq += v * v
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	mean = sum / float64(n)
	variance := sq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

func gradientEnergy(plane []float32, size int) (dx, dy float64) {
	if size < 2 {
		return 0, 0
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := plane[y*size+x]
			if x+1 < size {
				dx += math.Abs(float64(plane[y*size+x+1] - v))
			}
			if y+1 < size {
				dy += math.Abs(float64(plane[(y+1)*size+x] - v))
			}
		}
	}
	n := float64(size * (size - 1))
	return dx / n, dy / n
}
