package preprocessing

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// ImageNet channel statistics, the normalization pretrained backbones expect.
var (
	ImageNetMean = [3]float64{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// Config controls how an image is turned into a tensor.
type Config struct {
	ImageSize int        // Output images are ImageSize x ImageSize
	Mean      [3]float64 // Per-channel mean subtracted after scaling to [0, 1]
	Std       [3]float64 // Per-channel divisor applied after the mean
}

// DefaultConfig returns 224x224 output with ImageNet normalization.
func DefaultConfig() Config {
	return Config{
		ImageSize: 224,
		Mean:      ImageNetMean,
		Std:       ImageNetStd,
	}
}

// ImageProcessor decodes, resizes and normalizes images. It holds no
// mutable state and is safe for concurrent use.
type ImageProcessor struct {
	config Config
}

// NewImageProcessor creates a new image processor for config
func NewImageProcessor(config Config) (*ImageProcessor, error) {
	if config.ImageSize <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	for c, s := range config.Std {
		if s <= 0 {
			return nil, errors.Errorf("std for channel %d must be positive, got %v", c, s)
		}
	}
	return &ImageProcessor{config: config}, nil
}

// Config returns the processor configuration.
func (p *ImageProcessor) Config() Config {
	return p.config
}

// FeatureLen is the length of every tensor the processor produces.
func (p *ImageProcessor) FeatureLen() int {
	return 3 * p.config.ImageSize * p.config.ImageSize
}

// DecodeAndPreprocess decodes any registered image format and returns the
// normalized CHW tensor.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) ([]float64, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	if img.Bounds().Empty() {
		return nil, errors.Errorf("decoded %s image is empty", format)
	}
	return p.Preprocess(img), nil
}

// Preprocess resizes img and returns the normalized CHW tensor.
func (p *ImageProcessor) Preprocess(img image.Image) []float64 {
	data := ToTensor(Resize(img, p.config.ImageSize))
	Normalize(data, p.config.ImageSize*p.config.ImageSize, p.config.Mean, p.config.Std)
	return data
}

// Resize scales img to size x size with bilinear interpolation. Aspect ratio
// is not preserved.
func Resize(img image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToTensor converts img to float RGB values in [0, 1], laid out channel by
// channel (CHW). Alpha is dropped.
func ToTensor(img *image.RGBA) []float64 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float64, 3*plane)

	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+4*width]
		for x := 0; x < width; x++ {
			idx := y*width + x
			data[idx] = float64(row[4*x]) / 255
			data[plane+idx] = float64(row[4*x+1]) / 255
			data[2*plane+idx] = float64(row[4*x+2]) / 255
		}
	}
	return data
}

// Normalize applies (v - mean[c]) / std[c] in place to a CHW tensor whose
// channel planes have planeSize elements.
func Normalize(data []float64, planeSize int, mean, std [3]float64) {
	for c := 0; c < 3; c++ {
		plane := data[c*planeSize : (c+1)*planeSize]
		for i := range plane {
			plane[i] = (plane[i] - mean[c]) / std[c]
		}
	}
}
