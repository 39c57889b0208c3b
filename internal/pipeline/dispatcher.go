package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"wildlife-backend/internal/catalog"
	"wildlife-backend/internal/detection"
)

// ErrBackendUnavailable indicates the selected detection backend failed to
// initialize. It is checked before any image is processed and no task is
// created for it.
var ErrBackendUnavailable = errors.New("detection backend is not loaded")

// BBoxPipeline invokes the bounding-box backend once per image. Inference
// errors are recovered per image: the image is counted as having no
// detections and the batch continues. Only a missing backend or a
// cancelled context fails the batch as a whole.
type BBoxPipeline struct {
	backend    detection.BoundingBoxBackend
	catalog    *catalog.Catalog
	maxWorkers int
}

func NewBBoxPipeline(backend detection.BoundingBoxBackend, cat *catalog.Catalog, maxWorkers int) *BBoxPipeline {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &BBoxPipeline{backend: backend, catalog: cat, maxWorkers: maxWorkers}
}

type imageResult struct {
	image      string
	detections []detection.Detection
}

func (p *BBoxPipeline) Run(ctx context.Context, images []string, params BBoxParams) ([]detection.Detection, error) {
	if p.backend == nil || !p.backend.Loaded() {
		return nil, ErrBackendUnavailable
	}

	opts := detection.BBoxOptions{
		ConfThreshold: params.ConfThreshold,
		IOUThreshold:  params.IOUThreshold,
		ImageSize:     params.ImgSize,
	}

	queue := make(chan string, len(images))
	for _, img := range images {
		queue <- img
	}
	close(queue)

	done := make(chan completed[imageResult], len(images))
	runInPool(func(imgPath string) (imageResult, error) {
		dets, err := p.backend.Detect(ctx, imgPath, opts)
		if err != nil {
			if ctx.Err() != nil {
				return imageResult{}, ctx.Err()
			}
			// Tolerant policy: the image is reported as having no
			// detections, the batch keeps going.
			slog.Warn("inference failed for image", "image", filepath.Base(imgPath), "error", err)
			return imageResult{image: imgPath}, nil
		}
		return imageResult{image: imgPath, detections: dets}, nil
	}, queue, done, p.maxWorkers)

	byImage := make(map[string][]detection.Detection, len(images))
	for res := range done {
		if res.Error != nil {
			return nil, res.Error
		}
		byImage[res.Result.image] = res.Result.detections
	}

	// Flatten in input order so results are deterministic regardless of
	// worker scheduling.
	var all []detection.Detection
	for _, img := range images {
		for _, det := range byImage[img] {
			det.ImageName = filepath.Base(img)
			det.Species = p.catalog.NameOf(det.ClassId)
			all = append(all, det)
		}
	}
	return all, nil
}

// PointPipeline builds one logical dataset over the whole batch and
// delegates to a single backend call. Any backend error aborts the entire
// batch: tiled stitching is a single stateful pass whose partial output is
// not meaningful.
type PointPipeline struct {
	backend detection.TiledPointBackend
	catalog *catalog.Catalog
}

func NewPointPipeline(backend detection.TiledPointBackend, cat *catalog.Catalog) *PointPipeline {
	return &PointPipeline{backend: backend, catalog: cat}
}

func (p *PointPipeline) Run(ctx context.Context, images []string, params PointParams) ([]detection.Detection, error) {
	if p.backend == nil || !p.backend.Loaded() {
		return nil, ErrBackendUnavailable
	}

	ds := detection.Dataset{
		ImagePaths: images,
		Rotation:   params.Rotation,
	}
	opts := detection.PointOptions{
		PatchSize: params.PatchSize,
		Overlap:   params.Overlap,
	}

	dets, err := p.backend.DetectBatch(ctx, ds, opts)
	if err != nil {
		return nil, fmt.Errorf("point detection failed: %w", err)
	}

	for i := range dets {
		dets[i].Species = p.catalog.NameOf(dets[i].ClassId)
	}
	return dets, nil
}
