package trainer

import (
	"math/rand"

	"github.com/Brownie44l1/scanfood-api/internal/backbone"
	"github.com/Brownie44l1/scanfood-api/internal/dataset"
	"github.com/Brownie44l1/scanfood-api/internal/imaging"
	"github.com/labstack/gommon/log"
	"github.com/sourcegraph/conc/pool"
)

type feature struct {
	vec   []float32
	label int
}

type extractor struct {
	backbone backbone.Backbone
	size     int
	norm     imaging.Normalization
	augment  imaging.Augmenter
	workers  int
	logger   *log.Logger
}

// extract runs decode, transform and backbone for every sample in parallel.
// With seeds nil the deterministic validation transform is used; otherwise
// sample i is augmented with an RNG seeded by seeds[i]. Samples that fail are
// logged and left out; the order of the rest is kept.
func (x *extractor) extract(samples []dataset.Sample, seeds []int64) []feature {
	results := make([]*feature, len(samples))

	p := pool.New().WithMaxGoroutines(x.workers)
	for i, s := range samples {
		p.Go(func() {
			img, err := dataset.LoadImage(s.Path)
			if err != nil {
				x.logger.Warnf("skip %s: %v", s.Path, err)
				return
			}

			var t imaging.Tensor
			if seeds == nil {
				t = imaging.Preprocess(img, x.size, x.norm)
			} else {
				rng := rand.New(rand.NewSource(seeds[i]))
				t = imaging.ToTensor(x.augment.Apply(img, rng), x.norm)
			}

			vec, err := x.backbone.Extract(t)
			if err != nil {
				x.logger.Warnf("skip %s: %v", s.Path, err)
				return
			}
			results[i] = &feature{vec: vec, label: s.Label}
		})
	}
	p.Wait()

	out := make([]feature, 0, len(results))
	for _, f := range results {
		if f != nil {
			out = append(out, *f)
		}
	}
	return out
}
