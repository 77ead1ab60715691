package imaging_test

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/Brownie44l1/scanfood-api/internal/imaging"
	"github.com/google/go-cmp/cmp"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPreprocess(t *testing.T) {
	type When struct {
		img  image.Image
		size int
		norm imaging.Normalization
	}
	type Then struct {
		size  int
		plane [3]float32
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			tensor := imaging.Preprocess(when.img, when.size, when.norm)
			if tensor.Size != then.size || len(tensor.Data) != 3*then.size*then.size {
				t.Fatalf("tensor size %d with %d values, want %d", tensor.Size, len(tensor.Data), then.size)
			}
			for c := 0; c < 3; c++ {
				for i, v := range tensor.Plane(c) {
					if math.Abs(float64(v-then.plane[c])) > 1e-2 {
						t.Fatalf("channel %d pixel %d = %v, want %v", c, i, v, then.plane[c])
					}
				}
			}
		}
	}

	identity := imaging.Normalization{Mean: [3]float32{0, 0, 0}, Std: [3]float32{1, 1, 1}}

	t.Run("resizes non-square input to the square edge", theory(
		When{img: solid(50, 20, color.RGBA{R: 255, A: 255}), size: 16, norm: identity},
		Then{size: 16, plane: [3]float32{1, 0, 0}},
	))
	t.Run("keeps an image already at size", theory(
		When{img: solid(8, 8, color.RGBA{G: 255, B: 255, A: 255}), size: 8, norm: identity},
		Then{size: 8, plane: [3]float32{0, 1, 1}},
	))
	t.Run("applies per-channel normalization", theory(
		When{img: solid(8, 8, color.White), size: 8, norm: imaging.ImageNet},
		Then{size: 8, plane: [3]float32{
			(1 - 0.485) / 0.229,
			(1 - 0.456) / 0.224,
			(1 - 0.406) / 0.225,
		}},
	))
}

func TestPreprocess_IgnoresTransparency(t *testing.T) {
	// fully transparent red: the stored colour is kept, not premultiplied to black
	img := image.NewNRGBA(image.Rect(0, 0, 12, 12))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 255, 0, 0, 0
	}
	identity := imaging.Normalization{Std: [3]float32{1, 1, 1}}

	for name, tensor := range map[string]imaging.Tensor{
		"at size":   imaging.Preprocess(img, 12, identity),
		"resized":   imaging.Preprocess(img, 6, identity),
		"augmented": imaging.ToTensor(imaging.Augmenter{Size: 6, Scale: [2]float64{1, 1}, Ratio: [2]float64{1, 1}}.Apply(img, rand.New(rand.NewSource(1))), identity),
	} {
		for c, want := range []float32{1, 0, 0} {
			for i, v := range tensor.Plane(c) {
				if math.Abs(float64(v-want)) > 1e-2 {
					t.Fatalf("%s: channel %d pixel %d = %v, want %v", name, c, i, v, want)
				}
			}
		}
	}
}

func TestPreprocess_Deterministic(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 30, 40))
	rng := rand.New(rand.NewSource(1))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	a := imaging.Preprocess(img, 24, imaging.ImageNet)
	b := imaging.Preprocess(img, 24, imaging.ImageNet)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("two runs differ:\n%s", diff)
	}
}

func TestAugmenter_Apply(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 128, A: 255})
		}
	}
	before := append([]uint8(nil), src.Pix...)

	aug := imaging.DefaultAugmenter(32)
	out := aug.Apply(src, rand.New(rand.NewSource(42)))
	if out.Bounds() != image.Rect(0, 0, 32, 32) {
		t.Errorf("bounds = %v, want 32x32", out.Bounds())
	}
	if diff := cmp.Diff(before, src.Pix); diff != "" {
		t.Error("Apply modified its input")
	}

	again := aug.Apply(src, rand.New(rand.NewSource(42)))
	if diff := cmp.Diff(out.Pix, again.Pix); diff != "" {
		t.Error("same seed produced different images")
	}
	other := aug.Apply(src, rand.New(rand.NewSource(43)))
	if cmp.Equal(out.Pix, other.Pix) {
		t.Error("different seeds produced identical images")
	}
}

func TestAugmenter_NoOpSettingsKeepColour(t *testing.T) {
	aug := imaging.Augmenter{Size: 16, Scale: [2]float64{1, 1}, Ratio: [2]float64{1, 1}}
	out := aug.Apply(solid(16, 16, color.RGBA{R: 10, G: 200, B: 90, A: 255}), rand.New(rand.NewSource(1)))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if got := out.RGBAAt(x, y); got != (color.RGBA{R: 10, G: 200, B: 90, A: 255}) {
				t.Fatalf("pixel (%d,%d) = %v", x, y, got)
			}
		}
	}
}
