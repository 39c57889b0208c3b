package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

// OnnxBBoxBackend runs a YOLO-style detector through ONNX Runtime. The
// session is created once and is safe for concurrent Run calls.
type OnnxBBoxBackend struct {
	session *ort.DynamicAdvancedSession
	classes map[int]string
}

// LoadOnnxBBoxBackend creates a session from the model file. Class names
// are read from a classes.json sidecar next to the model ({"0": "zebra", …});
// the sidecar is required because the output tensor shape depends on the
// class count.
func LoadOnnxBBoxBackend(modelPath string) (*OnnxBBoxBackend, error) {
	onnxBytes, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("reading model file: %w", err)
	}

	classes, err := loadClassesSidecar(filepath.Join(filepath.Dir(modelPath), "classes.json"))
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnxBytes,
		[]string{"images"},
		[]string{"output0"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory session: %w", err)
	}

	return &OnnxBBoxBackend{session: session, classes: classes}, nil
}

func loadClassesSidecar(path string) (map[int]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading classes sidecar: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing classes sidecar: %w", err)
	}
	classes := make(map[int]string, len(raw))
	for k, name := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid class id %q in sidecar: %w", k, err)
		}
		classes[id] = name
	}
	return classes, nil
}

func (b *OnnxBBoxBackend) Loaded() bool {
	return b != nil && b.session != nil
}

func (b *OnnxBBoxBackend) Classes() map[int]string {
	out := make(map[int]string, len(b.classes))
	for id, name := range b.classes {
		out[id] = name
	}
	return out
}

func (b *OnnxBBoxBackend) Release() {
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
}

// Detect runs single-image inference: letterbox to the inference size,
// decode the [1, 4+C, N] output, filter by confidence, and apply per-class
// NMS with the IOU threshold. Returned coordinates are in original image
// pixels.
func (b *OnnxBBoxBackend) Detect(ctx context.Context, imagePath string, opts BBoxOptions) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}

	size := opts.ImageSize
	input, scale, padX, padY := letterbox(img, size)

	inT, err := ort.NewTensor(ort.NewShape(1, 3, int64(size), int64(size)), input)
	if err != nil {
		return nil, err
	}
	defer inT.Destroy()

	numClasses := len(b.classes)
	anchors := numAnchors(size)
	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+numClasses), int64(anchors)))
	if err != nil {
		return nil, err
	}
	defer outT.Destroy()

	if err := b.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	bounds := img.Bounds()
	return decodeBoxes(outT.GetData(), numClasses, anchors, opts, scale, padX, padY, bounds.Dx(), bounds.Dy()), nil
}

// letterbox scales the image into a size×size gray canvas preserving aspect
// ratio and returns the CHW float32 pixels plus the mapping back to image
// coordinates.
func letterbox(img image.Image, size int) ([]float32, float64, float64, float64) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	scale := math.Min(float64(size)/float64(w), float64(size)/float64(h))
	newW := int(math.Round(float64(w) * scale))
	newH := int(math.Round(float64(h) * scale))

	resized := imaging.Resize(img, newW, newH, imaging.Linear)
	canvas := imaging.New(size, size, color.NRGBA{114, 114, 114, 255})
	padX := float64(size-newW) / 2
	padY := float64(size-newH) / 2
	canvas = imaging.Paste(canvas, resized, image.Pt(int(padX), int(padY)))

	data := make([]float32, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := canvas.NRGBAAt(x, y)
			idx := y*size + x
			data[idx] = float32(c.R) / 255
			data[plane+idx] = float32(c.G) / 255
			data[2*plane+idx] = float32(c.B) / 255
		}
	}
	return data, scale, padX, padY
}

// numAnchors is the prediction count of a YOLO head with strides 8/16/32.
func numAnchors(size int) int {
	return (size/8)*(size/8) + (size/16)*(size/16) + (size/32)*(size/32)
}

func decodeBoxes(out []float32, numClasses, anchors int, opts BBoxOptions, scale, padX, padY float64, imgW, imgH int) []Detection {
	var candidates []Detection
	for j := 0; j < anchors; j++ {
		bestClass, bestScore := -1, float32(0)
		for c := 0; c < numClasses; c++ {
			score := out[(4+c)*anchors+j]
			if score > bestScore {
				bestClass, bestScore = c, score
			}
		}
		if bestClass < 0 || float64(bestScore) < opts.ConfThreshold {
			continue
		}

		cx, cy := float64(out[j]), float64(out[anchors+j])
		bw, bh := float64(out[2*anchors+j]), float64(out[3*anchors+j])

		box := Bbox{
			X1: clamp((cx-bw/2-padX)/scale, 0, float64(imgW)),
			Y1: clamp((cy-bh/2-padY)/scale, 0, float64(imgH)),
			X2: clamp((cx+bw/2-padX)/scale, 0, float64(imgW)),
			Y2: clamp((cy+bh/2-padY)/scale, 0, float64(imgH)),
		}
		x, y := box.Center()
		candidates = append(candidates, Detection{
			ClassId:    bestClass,
			Confidence: float64(bestScore),
			X:          x,
			Y:          y,
			Bbox:       &box,
		})
	}
	return nonMaxSuppression(candidates, opts.IOUThreshold)
}

// nonMaxSuppression greedily keeps the highest-confidence box per class and
// drops overlapping boxes above the IOU threshold.
func nonMaxSuppression(dets []Detection, iouThreshold float64) []Detection {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Confidence > dets[j].Confidence })

	var kept []Detection
	for _, det := range dets {
		suppressed := false
		for _, k := range kept {
			if k.ClassId == det.ClassId && iou(*k.Bbox, *det.Bbox) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, det)
		}
	}
	return kept
}

func iou(a, b Bbox) float64 {
	ix := math.Max(0, math.Min(a.X2, b.X2)-math.Max(a.X1, b.X1))
	iy := math.Max(0, math.Min(a.Y2, b.Y2)-math.Max(a.Y1, b.Y1))
	inter := ix * iy
	if inter <= 0 {
		return 0
	}
	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)
	return inter / (areaA + areaB - inter)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
