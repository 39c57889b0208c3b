package render

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"wildlife-backend/internal/detection"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestImage(t *testing.T, name string, width, height int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 30, G: 120, B: 60, A: 255})
		}
	}

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
	return path
}

func decodeBase64JPEG(t *testing.T, b64 string) image.Image {
	t.Helper()

	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	return img
}

func TestThumbnailRectCentered(t *testing.T) {
	bounds := image.Rect(0, 0, 1000, 1000)

	rect := ThumbnailRect(bounds, 500, 500, 256)
	assert.Equal(t, image.Rect(372, 372, 628, 628), rect)
	assert.Equal(t, 256, rect.Dx())
	assert.Equal(t, 256, rect.Dy())
}

func TestThumbnailRectClampedAtEdges(t *testing.T) {
	bounds := image.Rect(0, 0, 1000, 800)

	cases := []struct{ x, y float64 }{
		{0, 0}, {999, 799}, {0, 799}, {999, 0}, {5, 400}, {500, 795},
	}
	for _, tc := range cases {
		rect := ThumbnailRect(bounds, tc.x, tc.y, 256)
		assert.True(t, rect.In(bounds), "crop at (%v, %v) escapes image bounds", tc.x, tc.y)
		assert.LessOrEqual(t, rect.Dx(), 256)
		assert.LessOrEqual(t, rect.Dy(), 256)
		assert.Positive(t, rect.Dx())
		assert.Positive(t, rect.Dy())
	}
}

func TestDownsample(t *testing.T) {
	small := image.NewRGBA(image.Rect(0, 0, 1920, 1080))
	assert.Equal(t, small.Bounds(), downsample(small).Bounds())

	large := image.NewRGBA(image.Rect(0, 0, 4000, 3000))
	shrunk := downsample(large)
	assert.Equal(t, 1920, shrunk.Bounds().Dx())
	assert.Equal(t, 1440, shrunk.Bounds().Dy())
}

func TestBoxes(t *testing.T) {
	path := writeTestImage(t, "zebra.jpg", 640, 480)

	dets := []detection.Detection{
		{
			ImageName:  "zebra.jpg",
			ClassId:    0,
			Species:    "zebra",
			Confidence: 0.87,
			Bbox:       &detection.Bbox{X1: 100, Y1: 100, X2: 300, Y2: 250},
		},
	}

	annotated, err := Boxes(path, dets)
	require.NoError(t, err)

	assert.Equal(t, "zebra.jpg", annotated.ImageName)
	assert.Equal(t, 1, annotated.DetectionsCount)
	assert.Equal(t, 640, annotated.OriginalSize.Width)
	assert.Equal(t, 480, annotated.OriginalSize.Height)

	out := decodeBase64JPEG(t, annotated.AnnotatedImageBase64)
	assert.Equal(t, 640, out.Bounds().Dx())

	// The annotated view differs from the original where the box was drawn.
	original := decodeBase64JPEG(t, annotated.OriginalImageBase64)
	assert.NotEqual(t, original.At(100, 100), out.At(100, 100))
}

func TestBoxesDownsamplesLargeImages(t *testing.T) {
	path := writeTestImage(t, "big.jpg", 2400, 1200)

	dets := []detection.Detection{
		{ImageName: "big.jpg", Species: "elephant", Confidence: 0.5, Bbox: &detection.Bbox{X1: 10, Y1: 10, X2: 50, Y2: 50}},
	}

	annotated, err := Boxes(path, dets)
	require.NoError(t, err)

	assert.Equal(t, 2400, annotated.OriginalSize.Width)
	assert.Equal(t, 1920, annotated.AnnotatedSize.Width)
	assert.Equal(t, 960, annotated.AnnotatedSize.Height)
}

func TestThumbnails(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 800, 600))

	dets := []detection.Detection{
		{ImageName: "a.jpg", Species: "Kob", Confidence: 0.91, X: 400, Y: 300},
		{ImageName: "a.jpg", Species: "Topi", Confidence: 0.66, X: 10, Y: 10},
	}

	thumbs, err := Thumbnails(img, dets, 256)
	require.NoError(t, err)
	require.Len(t, thumbs, 2)

	assert.Equal(t, 0, thumbs[0].DetectionId)
	assert.Equal(t, 1, thumbs[1].DetectionId)
	assert.Equal(t, "Kob", thumbs[0].Species)
	assert.Equal(t, 400.0, thumbs[0].Position.X)

	center := decodeBase64JPEG(t, thumbs[0].ThumbnailBase64)
	assert.Equal(t, 256, center.Bounds().Dx())

	// The crop near the corner is clamped, so it comes out smaller.
	corner := decodeBase64JPEG(t, thumbs[1].ThumbnailBase64)
	assert.Less(t, corner.Bounds().Dx(), 256)
}

func TestPlot(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))

	dets := []detection.Detection{
		{ImageName: "a.jpg", Species: "buffalo", Confidence: 0.8, X: 100, Y: 100},
		{ImageName: "a.jpg", Species: "buffalo", Confidence: 0.7, X: 200, Y: 150},
	}

	plot, err := Plot(img, "a.jpg", dets)
	require.NoError(t, err)

	assert.Equal(t, "a.jpg", plot.ImageName)
	assert.Equal(t, 2, plot.DetectionsCount)
	assert.NotEmpty(t, plot.OriginalImageBase64)
	assert.NotEmpty(t, plot.PlotBase64)
}
