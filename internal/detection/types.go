package detection

import (
	"context"
	"image"
	"math"
)

// Bbox is an axis-aligned box in full-image pixel coordinates.
type Bbox struct {
	X1, Y1, X2, Y2 float64
}

func (b Bbox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Detection is the normalized output shape shared by both backends. Bbox
// detections carry a box (X/Y hold its center); point detections carry only
// X/Y. Point coordinates are NaN when stitching found no valid peak for an
// image, such detections are dropped during aggregation.
type Detection struct {
	ImageName  string
	ClassId    int
	Species    string
	Confidence float64
	X, Y       float64
	Bbox       *Bbox
}

// HasCoords reports whether the detection has defined coordinates.
func (d Detection) HasCoords() bool {
	return !math.IsNaN(d.X) && !math.IsNaN(d.Y)
}

// BBoxOptions are the per-request tunables of the bounding-box backend.
type BBoxOptions struct {
	ConfThreshold float64
	IOUThreshold  float64
	ImageSize     int
}

// BoundingBoxBackend runs inference on a single image and returns
// axis-aligned boxes. Implementations are loaded once at startup and must
// be safe for concurrent use.
type BoundingBoxBackend interface {
	Detect(ctx context.Context, imagePath string, opts BBoxOptions) ([]Detection, error)
	Classes() map[int]string
	Loaded() bool
}

// Dataset is one logical batch for the tiled point backend. Rotation is the
// number of 90 degree rotations applied uniformly to every image before
// detection.
type Dataset struct {
	ImagePaths []string
	Rotation   int
}

// PointOptions are the per-request tunables of the tiled point backend.
type PointOptions struct {
	PatchSize int
	Overlap   int
}

// TiledPointBackend runs inference over a whole batch in one call,
// internally tiling each image into overlapping patches and stitching patch
// results back into full-image point coordinates. Any error aborts the
// entire batch.
type TiledPointBackend interface {
	DetectBatch(ctx context.Context, ds Dataset, opts PointOptions) ([]Detection, error)
	Classes() map[int]string
	Loaded() bool
}

// PointPeak is one local maximum found by a patch detector, in patch
// coordinates.
type PointPeak struct {
	X, Y    float64
	ClassId int
	Score   float64
}

// PatchDetector produces point peaks for a single patch. The tiled backend
// delegates per-patch inference to it and owns tiling and stitching.
type PatchDetector interface {
	DetectPatch(ctx context.Context, patch image.Image) ([]PointPeak, error)
	Classes() map[int]string
	Ready() bool
}
