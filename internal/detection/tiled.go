package detection

import (
	"context"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"
)

// defaultMinDistance is the stitching radius in pixels: two peaks of the
// same class closer than this in the same image are treated as one animal
// detected in two overlapping patches.
const defaultMinDistance = 10.0

// TiledBackend implements TiledPointBackend by cutting each image into
// overlapping patches, delegating per-patch inference to a PatchDetector,
// and stitching the peaks back into full-image coordinates with duplicate
// suppression at patch borders. Any patch error aborts the entire batch.
type TiledBackend struct {
	patches     PatchDetector
	minDistance float64
}

func NewTiledBackend(pd PatchDetector) *TiledBackend {
	return &TiledBackend{patches: pd, minDistance: defaultMinDistance}
}

func (b *TiledBackend) Loaded() bool {
	return b != nil && b.patches != nil && b.patches.Ready()
}

func (b *TiledBackend) Classes() map[int]string {
	return b.patches.Classes()
}

func (b *TiledBackend) DetectBatch(ctx context.Context, ds Dataset, opts PointOptions) ([]Detection, error) {
	var all []Detection
	for _, path := range ds.ImagePaths {
		dets, err := b.detectImage(ctx, path, ds.Rotation, opts)
		if err != nil {
			return nil, fmt.Errorf("processing %s: %w", filepath.Base(path), err)
		}
		all = append(all, dets...)
	}
	return all, nil
}

func (b *TiledBackend) detectImage(ctx context.Context, path string, rotation int, opts PointOptions) ([]Detection, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	img = Rotate90(img, rotation)

	name := filepath.Base(path)
	bounds := img.Bounds()
	stride := opts.PatchSize - opts.Overlap

	var candidates []Detection
	for _, y0 := range tileOffsets(bounds.Dy(), opts.PatchSize, stride) {
		for _, x0 := range tileOffsets(bounds.Dx(), opts.PatchSize, stride) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			rect := image.Rect(x0, y0, x0+opts.PatchSize, y0+opts.PatchSize).Intersect(bounds)
			patch := imaging.Crop(img, rect)

			peaks, err := b.patches.DetectPatch(ctx, patch)
			if err != nil {
				return nil, fmt.Errorf("patch at (%d, %d): %w", x0, y0, err)
			}

			for _, peak := range peaks {
				candidates = append(candidates, Detection{
					ImageName:  name,
					ClassId:    peak.ClassId,
					Confidence: peak.Score,
					X:          float64(x0) + peak.X,
					Y:          float64(y0) + peak.Y,
				})
			}
		}
	}

	kept := b.suppressDuplicates(candidates)
	if len(kept) == 0 {
		// No valid peak anywhere in the image: emit a single
		// undefined-coordinate detection so downstream aggregation still
		// sees the image, then drops the row.
		return []Detection{{ImageName: name, X: math.NaN(), Y: math.NaN()}}, nil
	}
	return kept, nil
}

// tileOffsets returns the patch origins needed to cover length pixels with
// the given stride, snapping the last patch to the edge so no strip is
// left uncovered.
func tileOffsets(length, patch, stride int) []int {
	if length <= patch {
		return []int{0}
	}
	var offsets []int
	for pos := 0; ; pos += stride {
		if pos+patch >= length {
			offsets = append(offsets, length-patch)
			return offsets
		}
		offsets = append(offsets, pos)
	}
}

// suppressDuplicates keeps the highest-confidence peak of any cluster of
// same-class peaks within minDistance of each other.
func (b *TiledBackend) suppressDuplicates(dets []Detection) []Detection {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Confidence > dets[j].Confidence })

	var kept []Detection
	for _, det := range dets {
		duplicate := false
		for _, k := range kept {
			if k.ClassId == det.ClassId && math.Hypot(k.X-det.X, k.Y-det.Y) < b.minDistance {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, det)
		}
	}
	return kept
}

// Rotate90 applies k counter-clockwise quarter turns, identically to the
// rotation the renderer applies before plotting.
func Rotate90(img image.Image, k int) image.Image {
	switch ((k % 4) + 4) % 4 {
	case 1:
		return imaging.Rotate90(img)
	case 2:
		return imaging.Rotate180(img)
	case 3:
		return imaging.Rotate270(img)
	default:
		return img
	}
}
