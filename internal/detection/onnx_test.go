package detection

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLetterbox(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}

	data, scale, padX, padY := letterbox(img, 64)

	require.Len(t, data, 3*64*64)
	assert.Equal(t, 0.32, scale)
	assert.Equal(t, 0.0, padX)
	assert.Equal(t, 16.0, padY)

	// Padding rows keep the gray fill, content rows are red.
	gray := float32(114) / 255
	assert.InDelta(t, gray, data[0], 0.01)
	assert.InDelta(t, 1.0, data[32*64+32], 0.01)
}

func TestNumAnchors(t *testing.T) {
	assert.Equal(t, 8400, numAnchors(640))
	assert.Equal(t, 2100, numAnchors(320))
}

func TestDecodeBoxesFiltersAndUnletterboxes(t *testing.T) {
	// One anchor, two classes, output layout [cx cy w h class0 class1].
	const anchors = 1
	out := []float32{320, 320, 64, 32, 0.1, 0.8}

	opts := BBoxOptions{ConfThreshold: 0.25, IOUThreshold: 0.45, ImageSize: 640}
	dets := decodeBoxes(out, 2, anchors, opts, 0.5, 0, 160, 1280, 640)

	require.Len(t, dets, 1)
	det := dets[0]
	assert.Equal(t, 1, det.ClassId)
	assert.InDelta(t, 0.8, det.Confidence, 1e-6)

	// cx=320 → (320-32-0)/0.5 = 576 .. (320+32)/0.5 = 704 on the x axis;
	// cy=320 with padY=160 → (320-16-160)/0.5 = 288 .. (320+16-160)/0.5 = 352.
	assert.InDelta(t, 576, det.Bbox.X1, 1e-6)
	assert.InDelta(t, 704, det.Bbox.X2, 1e-6)
	assert.InDelta(t, 288, det.Bbox.Y1, 1e-6)
	assert.InDelta(t, 352, det.Bbox.Y2, 1e-6)
}

func TestDecodeBoxesDropsLowConfidence(t *testing.T) {
	out := []float32{320, 320, 64, 32, 0.1, 0.2}
	opts := BBoxOptions{ConfThreshold: 0.25, IOUThreshold: 0.45, ImageSize: 640}

	dets := decodeBoxes(out, 2, 1, opts, 1, 0, 0, 640, 640)
	assert.Empty(t, dets)
}

func TestNonMaxSuppression(t *testing.T) {
	box := func(x1, y1, x2, y2 float64) *Bbox { return &Bbox{X1: x1, Y1: y1, X2: x2, Y2: y2} }

	dets := []Detection{
		{ClassId: 0, Confidence: 0.9, Bbox: box(0, 0, 100, 100)},
		{ClassId: 0, Confidence: 0.8, Bbox: box(10, 10, 110, 110)}, // heavy overlap, suppressed
		{ClassId: 1, Confidence: 0.7, Bbox: box(5, 5, 105, 105)},   // other class, kept
		{ClassId: 0, Confidence: 0.6, Bbox: box(300, 300, 400, 400)},
	}

	kept := nonMaxSuppression(dets, 0.45)
	require.Len(t, kept, 3)
	assert.Equal(t, 0.9, kept[0].Confidence)
}

func TestIOU(t *testing.T) {
	a := Bbox{X1: 0, Y1: 0, X2: 100, Y2: 100}
	assert.Equal(t, 1.0, iou(a, a))
	assert.Equal(t, 0.0, iou(a, Bbox{X1: 200, Y1: 200, X2: 300, Y2: 300}))

	half := Bbox{X1: 50, Y1: 0, X2: 150, Y2: 100}
	assert.InDelta(t, 1.0/3.0, iou(a, half), 1e-9)
}
