package pipeline

import "fmt"

// BBoxParams are the tunables of the bounding-box pipeline.
type BBoxParams struct {
	ConfThreshold    float64
	IOUThreshold     float64
	ImgSize          int
	IncludeAnnotated bool
}

func DefaultBBoxParams() BBoxParams {
	return BBoxParams{
		ConfThreshold:    0.25,
		IOUThreshold:     0.45,
		ImgSize:          640,
		IncludeAnnotated: true,
	}
}

func (p BBoxParams) Validate() error {
	if p.ConfThreshold < 0 || p.ConfThreshold > 1 {
		return fmt.Errorf("conf_threshold must be in [0, 1], got %v", p.ConfThreshold)
	}
	if p.IOUThreshold < 0 || p.IOUThreshold > 1 {
		return fmt.Errorf("iou_threshold must be in [0, 1], got %v", p.IOUThreshold)
	}
	if p.ImgSize <= 0 {
		return fmt.Errorf("img_size must be positive, got %d", p.ImgSize)
	}
	return nil
}

// Map returns the parameter snapshot persisted with the task.
func (p BBoxParams) Map() map[string]any {
	return map[string]any{
		"conf_threshold": p.ConfThreshold,
		"iou_threshold":  p.IOUThreshold,
		"img_size":       p.ImgSize,
	}
}

// PointParams are the tunables of the tiled point pipeline.
type PointParams struct {
	PatchSize         int
	Overlap           int
	Rotation          int
	ThumbnailSize     int
	IncludeThumbnails bool
	IncludePlots      bool
}

func DefaultPointParams() PointParams {
	return PointParams{
		PatchSize:         512,
		Overlap:           160,
		Rotation:          0,
		ThumbnailSize:     256,
		IncludeThumbnails: true,
		IncludePlots:      false,
	}
}

func (p PointParams) Validate() error {
	if p.PatchSize <= 0 {
		return fmt.Errorf("patch_size must be positive, got %d", p.PatchSize)
	}
	if p.Overlap < 0 || p.Overlap >= p.PatchSize {
		return fmt.Errorf("overlap must be in [0, patch_size), got %d", p.Overlap)
	}
	if p.Rotation < 0 || p.Rotation > 3 {
		return fmt.Errorf("rotation must be 0, 1, 2 or 3, got %d", p.Rotation)
	}
	if p.ThumbnailSize <= 0 {
		return fmt.Errorf("thumbnail_size must be positive, got %d", p.ThumbnailSize)
	}
	return nil
}

func (p PointParams) Map() map[string]any {
	return map[string]any{
		"patch_size":     p.PatchSize,
		"overlap":        p.Overlap,
		"rotation":       p.Rotation,
		"thumbnail_size": p.ThumbnailSize,
	}
}
