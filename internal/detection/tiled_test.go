package detection

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePatchDetector struct {
	// peaks returned for every patch, in patch coordinates.
	peaks []PointPeak
	err   error
	ready bool

	calls int
}

func (f *fakePatchDetector) DetectPatch(ctx context.Context, patch image.Image) ([]PointPeak, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.peaks, nil
}

func (f *fakePatchDetector) Classes() map[int]string { return map[int]string{1: "buffalo"} }
func (f *fakePatchDetector) Ready() bool             { return f.ready }

func writeTestImage(t *testing.T, width, height int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 100, A: 255})
		}
	}

	path := filepath.Join(t.TempDir(), "test.jpg")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
	return path
}

func TestTileOffsets(t *testing.T) {
	// Image smaller than the patch gets a single origin.
	assert.Equal(t, []int{0}, tileOffsets(100, 512, 352))

	// Exact fit.
	assert.Equal(t, []int{0}, tileOffsets(512, 512, 352))

	// Last patch snaps to the edge instead of running past it.
	offsets := tileOffsets(1000, 512, 352)
	assert.Equal(t, []int{0, 352, 488}, offsets)
	for _, off := range offsets {
		assert.LessOrEqual(t, off+512, 1000)
	}
}

func TestTileOffsetsCoverEverything(t *testing.T) {
	for _, length := range []int{512, 513, 700, 1024, 2999} {
		offsets := tileOffsets(length, 512, 352)
		covered := make([]bool, length)
		for _, off := range offsets {
			for i := off; i < off+512 && i < length; i++ {
				covered[i] = true
			}
		}
		for i, ok := range covered {
			require.True(t, ok, "length %d leaves pixel %d uncovered", length, i)
		}
	}
}

func TestSuppressDuplicates(t *testing.T) {
	b := NewTiledBackend(&fakePatchDetector{ready: true})

	dets := []Detection{
		{ClassId: 1, Confidence: 0.6, X: 100, Y: 100},
		{ClassId: 1, Confidence: 0.9, X: 103, Y: 104}, // same animal, higher confidence
		{ClassId: 2, Confidence: 0.5, X: 101, Y: 101}, // different class, kept
		{ClassId: 1, Confidence: 0.8, X: 300, Y: 300}, // far away, kept
	}

	kept := b.suppressDuplicates(dets)
	require.Len(t, kept, 3)

	// The cluster survivor is the highest-confidence member.
	assert.Equal(t, 0.9, kept[0].Confidence)
}

func TestDetectBatchOffsetsPeaksToImageCoordinates(t *testing.T) {
	path := writeTestImage(t, 800, 600)

	pd := &fakePatchDetector{ready: true, peaks: []PointPeak{{X: 10, Y: 20, ClassId: 1, Score: 0.9}}}
	b := NewTiledBackend(pd)

	dets, err := b.DetectBatch(context.Background(), Dataset{ImagePaths: []string{path}}, PointOptions{PatchSize: 512, Overlap: 160})
	require.NoError(t, err)
	require.NotEmpty(t, dets)

	// Patches start at x offsets {0, 288} and y offset {0, 88}; the peak at
	// (10, 20) in the origin patch must stay at (10, 20) in image space.
	assert.Equal(t, "test.jpg", dets[0].ImageName)
	assert.Equal(t, 10.0, dets[0].X)
	assert.Equal(t, 20.0, dets[0].Y)
	assert.Greater(t, pd.calls, 1)
}

func TestDetectBatchEmitsPlaceholderWhenNoPeaks(t *testing.T) {
	path := writeTestImage(t, 400, 300)

	b := NewTiledBackend(&fakePatchDetector{ready: true})
	dets, err := b.DetectBatch(context.Background(), Dataset{ImagePaths: []string{path}}, PointOptions{PatchSize: 512, Overlap: 160})
	require.NoError(t, err)

	require.Len(t, dets, 1)
	assert.Equal(t, "test.jpg", dets[0].ImageName)
	assert.False(t, dets[0].HasCoords())
}

func TestDetectBatchPatchErrorIsFatal(t *testing.T) {
	path := writeTestImage(t, 400, 300)

	b := NewTiledBackend(&fakePatchDetector{ready: true, err: errors.New("detector offline")})
	_, err := b.DetectBatch(context.Background(), Dataset{ImagePaths: []string{path}}, PointOptions{PatchSize: 512, Overlap: 160})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test.jpg")
}

func TestRotate90PreservesPixels(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})

	rotated := Rotate90(img, 1)
	assert.Equal(t, 2, rotated.Bounds().Dx())
	assert.Equal(t, 4, rotated.Bounds().Dy())

	// Four quarter turns are the identity.
	assert.Equal(t, img.Bounds(), Rotate90(img, 4).Bounds())
	assert.Equal(t, img.Bounds(), Rotate90(img, 0).Bounds())
}
