package pipeline

import (
	"path/filepath"
	"sort"

	"wildlife-backend/internal/detection"
)

// Summary is the aggregate of one analysis run. SpeciesCounts is keyed by
// canonical species name and recomputed fresh per run.
type Summary struct {
	TotalImages             int
	ImagesWithDetections    int
	ImagesWithoutDetections int
	TotalDetections         int
	SpeciesCounts           map[string]int

	WithDetections    []string
	WithoutDetections []string

	// Detections holds the surviving detections, with undefined-coordinate
	// entries already dropped.
	Detections []detection.Detection
}

// Aggregate folds per-image detections into summary counters and a species
// histogram. Detections without defined coordinates (emitted when stitching
// finds no valid peak) are dropped before counting.
func Aggregate(images []string, dets []detection.Detection) Summary {
	summary := Summary{
		TotalImages:   len(images),
		SpeciesCounts: map[string]int{},
	}

	hasDetections := make(map[string]bool, len(images))
	for _, det := range dets {
		if !det.HasCoords() {
			continue
		}
		summary.Detections = append(summary.Detections, det)
		summary.SpeciesCounts[det.Species]++
		hasDetections[det.ImageName] = true
	}
	summary.TotalDetections = len(summary.Detections)

	for _, img := range images {
		name := filepath.Base(img)
		if hasDetections[name] {
			summary.WithDetections = append(summary.WithDetections, name)
		} else {
			summary.WithoutDetections = append(summary.WithoutDetections, name)
		}
	}
	sort.Strings(summary.WithDetections)
	sort.Strings(summary.WithoutDetections)

	summary.ImagesWithDetections = len(summary.WithDetections)
	summary.ImagesWithoutDetections = len(summary.WithoutDetections)
	return summary
}

// PerImage groups the surviving detections of a summary by image name.
func (s Summary) PerImage() map[string][]detection.Detection {
	byImage := make(map[string][]detection.Detection)
	for _, det := range s.Detections {
		byImage[det.ImageName] = append(byImage[det.ImageName], det)
	}
	return byImage
}
