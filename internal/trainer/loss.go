package trainer

import (
	"math"

	"github.com/Brownie44l1/scanfood-api/internal/model"
)

// ClassWeights returns total/max(1,count) per class, normalized to sum to 1.
func ClassWeights(counts []int) []float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	weights := make([]float64, len(counts))
	sum := 0.0
	for i, c := range counts {
		if c < 1 {
			c = 1
		}
		weights[i] = float64(total) / float64(c)
		sum += weights[i]
	}
	if sum == 0 {
		for i := range weights {
			weights[i] = 1 / float64(len(weights))
		}
		return weights
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// crossEntropy returns the unweighted loss of one sample and the gradient of
// that loss with respect to the logits (softmax minus one-hot).
func crossEntropy(logits []float32, label int) (float64, []float32) {
	probs := model.Softmax(logits)
	p := float64(probs[label])
	if p < 1e-12 {
		p = 1e-12
	}
	grad := probs
	grad[label] -= 1
	return -math.Log(p), grad
}
