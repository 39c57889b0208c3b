package render

import (
	"fmt"
	"image"
	"math"

	"wildlife-backend/internal/detection"
	"wildlife-backend/pkg/api"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

const plotMarkerRadius = 10

// OpenRotated loads an image and applies the same uniform quarter-turn
// rotation the tiled backend applied before detection, so rendered
// coordinates line up.
func OpenRotated(imagePath string, rotation int) (image.Image, error) {
	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	return detection.Rotate90(img, rotation), nil
}

// ThumbnailRect is the square crop window of the given size centered on
// (x, y), clamped to stay inside the image. Crops near an edge are smaller,
// never out of bounds.
func ThumbnailRect(bounds image.Rectangle, x, y float64, size int) image.Rectangle {
	off := size / 2
	cx, cy := int(math.Round(x)), int(math.Round(y))
	rect := image.Rect(cx-off, cy-off, cx+off, cy+off)
	return rect.Intersect(bounds)
}

// Thumbnails crops one labeled square view per detection of a single
// image. The image must already be rotated.
func Thumbnails(img image.Image, dets []detection.Detection, size int) ([]api.Thumbnail, error) {
	fontPx := math.Max(10, 0.08*float64(size))

	thumbs := make([]api.Thumbnail, 0, len(dets))
	for i, det := range dets {
		rect := ThumbnailRect(img.Bounds(), det.X, det.Y, size)
		crop := imaging.Crop(img, rect)

		dc := gg.NewContextForImage(crop)
		dc.SetFontFace(basicfont.Face7x13)
		label := fmt.Sprintf("%s | %.0f%%", det.Species, det.Confidence*100)
		drawLabel(dc, label, 10, fontPx+9, fontPx, "#000000")

		b64, err := encodeJPEGBase64(dc.Image(), jpegQualityView)
		if err != nil {
			return nil, err
		}
		thumbs = append(thumbs, api.Thumbnail{
			ImageName:       det.ImageName,
			DetectionId:     i,
			Species:         det.Species,
			Confidence:      det.Confidence,
			Position:        api.Point{X: math.Round(det.X), Y: math.Round(det.Y)},
			ThumbnailBase64: b64,
		})
	}
	return thumbs, nil
}

// Plot marks every detected point on a full copy of the image. Plots are a
// diagnostic view, so they are encoded at higher quality than crops.
func Plot(img image.Image, imageName string, dets []detection.Detection) (api.Plot, error) {
	dc := gg.NewContextForImage(img)
	dc.SetHexColor("#FF0000")
	dc.SetLineWidth(2)
	for _, det := range dets {
		dc.DrawCircle(det.X, det.Y, plotMarkerRadius)
		dc.Stroke()
	}

	originalB64, err := encodeJPEGBase64(img, jpegQualityView)
	if err != nil {
		return api.Plot{}, err
	}
	plotB64, err := encodeJPEGBase64(dc.Image(), jpegQualityPlot)
	if err != nil {
		return api.Plot{}, err
	}

	return api.Plot{
		ImageName:           imageName,
		OriginalImageBase64: originalB64,
		PlotBase64:          plotB64,
		DetectionsCount:     len(dets),
	}, nil
}
