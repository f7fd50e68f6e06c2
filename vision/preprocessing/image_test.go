package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func identityConfig(size int) Config {
	return Config{ImageSize: size, Std: [3]float64{1, 1, 1}}
}

func TestNewImageProcessor(t *testing.T) {
	p, err := NewImageProcessor(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 3*224*224, p.FeatureLen())

	_, err = NewImageProcessor(Config{ImageSize: 0, Std: ImageNetStd})
	assert.Error(t, err)

	_, err = NewImageProcessor(Config{ImageSize: 8, Std: [3]float64{1, 0, 1}})
	assert.Error(t, err)
}

func TestToTensorLayout(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	img.SetRGBA(1, 0, color.RGBA{R: 0, G: 255, B: 102, A: 255})

	data := ToTensor(img)
	require.Len(t, data, 6)
	// R plane, then G plane, then B plane.
	assert.InDeltaSlice(t, []float64{1, 0, 0, 1, 0.2, 0.4}, data, 1e-9)
}

func TestNormalize(t *testing.T) {
	data := []float64{0.5, 1, 0.5, 1, 0.5, 1}
	Normalize(data, 2, [3]float64{0.5, 0, 0.25}, [3]float64{0.5, 2, 0.25})
	assert.InDeltaSlice(t, []float64{0, 1, 0.25, 0.5, 1, 3}, data, 1e-9)
}

func TestResize(t *testing.T) {
	out := Resize(solidImage(40, 20, color.RGBA{R: 10, G: 20, B: 30, A: 255}), 8)
	assert.Equal(t, image.Rect(0, 0, 8, 8), out.Bounds())
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, out.RGBAAt(4, 4))
}

func TestDecodeAndPreprocessFormats(t *testing.T) {
	src := solidImage(16, 12, color.RGBA{R: 255, G: 0, B: 255, A: 255})

	var jpg, bm bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, src, &jpeg.Options{Quality: 100}))
	require.NoError(t, bmp.Encode(&bm, src))

	p, err := NewImageProcessor(identityConfig(4))
	require.NoError(t, err)

	cases := map[string][]byte{
		"png":  encodePNG(t, src),
		"jpeg": jpg.Bytes(),
		"bmp":  bm.Bytes(),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := p.DecodeAndPreprocess(bytes.NewReader(raw))
			require.NoError(t, err)
			require.Len(t, data, p.FeatureLen())
			plane := 16
			// JPEG is lossy, so compare loosely.
			assert.InDelta(t, 1, data[0], 0.05)
			assert.InDelta(t, 0, data[plane], 0.05)
			assert.InDelta(t, 1, data[2*plane], 0.05)
		})
	}
}

func TestDecodeAndPreprocessNormalizes(t *testing.T) {
	p, err := NewImageProcessor(DefaultConfig())
	require.NoError(t, err)

	data, err := p.DecodeAndPreprocess(bytes.NewReader(encodePNG(t, solidImage(10, 10, color.RGBA{A: 255}))))
	require.NoError(t, err)

	plane := 224 * 224
	for c := 0; c < 3; c++ {
		assert.InDelta(t, -ImageNetMean[c]/ImageNetStd[c], data[c*plane], 1e-9)
	}
}

func TestDecodeAndPreprocessRejectsGarbage(t *testing.T) {
	p, err := NewImageProcessor(identityConfig(4))
	require.NoError(t, err)
	_, err = p.DecodeAndPreprocess(bytes.NewReader([]byte("mock image content")))
	assert.Error(t, err)
}

func TestImageProcessorConcurrency(t *testing.T) {
	p, err := NewImageProcessor(identityConfig(8))
	require.NoError(t, err)
	raw := encodePNG(t, solidImage(20, 20, color.RGBA{R: 128, G: 64, B: 32, A: 255}))

	var wg sync.WaitGroup
	results := make([][]float64, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.DecodeAndPreprocess(bytes.NewReader(raw))
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
}
