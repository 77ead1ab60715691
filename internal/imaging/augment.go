package imaging

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Augmenter is the stochastic training transform applied before ToTensor.
// Order: random resized crop, horizontal flip, rotation, colour jitter.
type Augmenter struct {
	Size        int
	Scale       [2]float64
	Ratio       [2]float64
	FlipProb    float64
	MaxRotation float64 // degrees

	Brightness float64
	Contrast   float64
	Saturation float64
	Hue        float64
}

func DefaultAugmenter(size int) Augmenter {
	return Augmenter{
		Size:        size,
		Scale:       [2]float64{0.7, 1.0},
		Ratio:       [2]float64{3.0 / 4.0, 4.0 / 3.0},
		FlipProb:    0.5,
		MaxRotation: 10,
		Brightness:  0.2,
		Contrast:    0.2,
		Saturation:  0.2,
		Hue:         0.05,
	}
}

// Apply returns a new Size x Size image; img is left untouched.
func (a Augmenter) Apply(img image.Image, rng *rand.Rand) *image.RGBA {
	out := a.resizedCrop(DropAlpha(img), rng)
	if rng.Float64() < a.FlipProb {
		flipHorizontal(out)
	}
	if a.MaxRotation > 0 {
		angle := (rng.Float64()*2 - 1) * a.MaxRotation
		out = rotate(out, angle)
	}
	a.jitter(out, rng)
	return out
}

func (a Augmenter) resizedCrop(img image.Image, rng *rand.Rand) *image.RGBA {
	b := img.Bounds()
	crop := cropRect(b, a.Scale, a.Ratio, rng)
	dst := image.NewRGBA(image.Rect(0, 0, a.Size, a.Size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, crop, draw.Src, nil)
	return dst
}

func cropRect(b image.Rectangle, scale, ratio [2]float64, rng *rand.Rand) image.Rectangle {
	width, height := float64(b.Dx()), float64(b.Dy())
	area := width * height
	logLo, logHi := math.Log(ratio[0]), math.Log(ratio[1])

	for attempt := 0; attempt < 10; attempt++ {
		target := area * (scale[0] + rng.Float64()*(scale[1]-scale[0]))
		aspect := math.Exp(logLo + rng.Float64()*(logHi-logLo))

		w := int(math.Round(math.Sqrt(target * aspect)))
		h := int(math.Round(math.Sqrt(target / aspect)))
		if 0 < w && w <= b.Dx() && 0 < h && h <= b.Dy() {
			x := b.Min.X + rng.Intn(b.Dx()-w+1)
			y := b.Min.Y + rng.Intn(b.Dy()-h+1)
			return image.Rect(x, y, x+w, y+h)
		}
	}

	// fallback: central crop clamped to the ratio bounds
	inRatio := width / height
	w, h := b.Dx(), b.Dy()
	switch {
	case inRatio < ratio[0]:
		h = int(math.Round(width / ratio[0]))
	case inRatio > ratio[1]:
		w = int(math.Round(height * ratio[1]))
	}
	x := b.Min.X + (b.Dx()-w)/2
	y := b.Min.Y + (b.Dy()-h)/2
	return image.Rect(x, y, x+w, y+h)
}

func flipHorizontal(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X-1, y)+4]
		for l, r := 0, len(row)-4; l < r; l, r = l+4, r-4 {
			for k := 0; k < 4; k++ {
				row[l+k], row[r+k] = row[r+k], row[l+k]
			}
		}
	}
}

// rotate turns img by angle degrees around its centre; uncovered corners are black.
func rotate(img *image.RGBA, angle float64) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.Black), image.Point{}, draw.Src)

	rad := angle * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	cx := float64(b.Min.X+b.Max.X) / 2
	cy := float64(b.Min.Y+b.Max.Y) / 2
	s2d := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	draw.BiLinear.Transform(dst, s2d, img, b, draw.Over, nil)
	return dst
}

func (a Augmenter) jitter(img *image.RGBA, rng *rand.Rand) {
	factor := func(strength float64) float64 {
		return 1 - strength + rng.Float64()*2*strength
	}
	brightness := factor(a.Brightness)
	contrast := factor(a.Contrast)
	saturation := factor(a.Saturation)
	hue := (rng.Float64()*2 - 1) * a.Hue

	// torchvision applies the four adjustments in a random order
	for _, op := range rng.Perm(4) {
		switch op {
		case 0:
			if a.Brightness > 0 {
				adjustBrightness(img, brightness)
			}
		case 1:
			if a.Contrast > 0 {
				adjustContrast(img, contrast)
			}
		case 2:
			if a.Saturation > 0 {
				adjustSaturation(img, saturation)
			}
		case 3:
			if a.Hue > 0 {
				adjustHue(img, hue)
			}
		}
	}
}

func clamp8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}

func luma(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

func adjustBrightness(img *image.RGBA, f float64) {
	for i := 0; i+3 < len(img.Pix); i += 4 {
		img.Pix[i] = clamp8(float64(img.Pix[i]) * f)
		img.Pix[i+1] = clamp8(float64(img.Pix[i+1]) * f)
		img.Pix[i+2] = clamp8(float64(img.Pix[i+2]) * f)
	}
}

func adjustContrast(img *image.RGBA, f float64) {
	n := len(img.Pix) / 4
	if n == 0 {
		return
	}
	mean := 0.0
	for i := 0; i+3 < len(img.Pix); i += 4 {
		mean += luma(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
	}
	mean /= float64(n)
	for i := 0; i+3 < len(img.Pix); i += 4 {
		for k := 0; k < 3; k++ {
			img.Pix[i+k] = clamp8((float64(img.Pix[i+k])-mean)*f + mean)
		}
	}
}

func adjustSaturation(img *image.RGBA, f float64) {
	for i := 0; i+3 < len(img.Pix); i += 4 {
		gray := luma(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
		for k := 0; k < 3; k++ {
			img.Pix[i+k] = clamp8((float64(img.Pix[i+k])-gray)*f + gray)
		}
	}
}

// adjustHue rotates the hue by shift, expressed as a fraction of the colour wheel.
func adjustHue(img *image.RGBA, shift float64) {
	for i := 0; i+3 < len(img.Pix); i += 4 {
		h, s, v := rgbToHSV(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
		h = math.Mod(h+shift+1, 1)
		img.Pix[i], img.Pix[i+1], img.Pix[i+2] = hsvToRGB(h, s, v)
	}
}

func rgbToHSV(r8, g8, b8 uint8) (h, s, v float64) {
	r, g, b := float64(r8)/255, float64(g8)/255, float64(b8)/255
	hi := math.Max(r, math.Max(g, b))
	lo := math.Min(r, math.Min(g, b))
	v = hi
	d := hi - lo
	if hi == 0 || d == 0 {
		return 0, 0, v
	}
	s = d / hi
	switch hi {
	case r:
		h = (g - b) / d
		if g < b {
			h += 6
		}
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	return h / 6, s, v
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	if s == 0 {
		c := clamp8(v * 255)
		return c, c, c
	}
	h6 := h * 6
	i := math.Floor(h6)
	f := h6 - i
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))
	var r, g, b float64
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return clamp8(r * 255), clamp8(g * 255), clamp8(b * 255)
}
