package imaging

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

// Normalization holds per-channel mean/std applied after scaling pixels to [0,1].
type Normalization struct {
	Mean [3]float32 `json:"mean"`
	Std  [3]float32 `json:"std"`
}

// ImageNet statistics the pretrained backbones were trained with.
var ImageNet = Normalization{
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

// Tensor is a single CHW float32 image with 3 channels.
type Tensor struct {
	Size int
	Data []float32
}

// Plane returns channel c as a Size*Size slice.
func (t Tensor) Plane(c int) []float32 {
	n := t.Size * t.Size
	return t.Data[c*n : (c+1)*n]
}

// Preprocess is the deterministic pipeline shared by validation and serving:
// square resize, scale to [0,1], per-channel normalization.
func Preprocess(img image.Image, size int, norm Normalization) Tensor {
	img = DropAlpha(img)
	b := img.Bounds()
	if b.Dx() != size || b.Dy() != size {
		img = resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	}
	return ToTensor(img, norm)
}

// ToTensor converts an image as-is (no resize) into a normalized CHW tensor.
func ToTensor(img image.Image, norm Normalization) Tensor {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	size := width
	if height < size {
		size = height
	}

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			pixelIndex := y*size + x
			data[pixelIndex] = (float32(r)/65535.0 - norm.Mean[0]) / norm.Std[0]
			data[plane+pixelIndex] = (float32(g)/65535.0 - norm.Mean[1]) / norm.Std[1]
			data[2*plane+pixelIndex] = (float32(b)/65535.0 - norm.Mean[2]) / norm.Std[2]
		}
	}
	return Tensor{Size: size, Data: data}
}

// DropAlpha returns img with every pixel made fully opaque while keeping its
// straight (non-premultiplied) colour, so transparent regions keep the colour
// they were stored with instead of turning black.
func DropAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}
