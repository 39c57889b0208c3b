package render

import (
	"fmt"
	"math"

	"wildlife-backend/internal/detection"
	"wildlife-backend/pkg/api"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// palette colors annotated boxes by classId mod len(palette).
var palette = []string{
	"#FF0000", "#00FF00", "#0000FF", "#FFFF00",
	"#FF00FF", "#00FFFF", "#FFA500", "#800080",
	"#FFC0CB", "#A52A2A",
}

// Boxes draws one rectangle per detection onto a copy of the image and
// returns the original/annotated base64 JPEG pair. Line width and font
// scale with the shorter image dimension. Expects at least one detection;
// images without detections get no annotated view.
func Boxes(imagePath string, dets []detection.Detection) (api.AnnotatedImage, error) {
	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		return api.AnnotatedImage{}, fmt.Errorf("opening image: %w", err)
	}

	bounds := img.Bounds()
	minDim := float64(min(bounds.Dx(), bounds.Dy()))
	lineWidth := math.Max(2, minDim*0.003)
	fontPx := math.Max(12, minDim*0.02)

	dc := gg.NewContextForImage(img)
	dc.SetFontFace(basicfont.Face7x13)

	for _, det := range dets {
		if det.Bbox == nil {
			continue
		}
		box := *det.Bbox
		hex := palette[((det.ClassId%len(palette))+len(palette))%len(palette)]

		dc.SetHexColor(hex)
		dc.SetLineWidth(lineWidth)
		dc.DrawRectangle(box.X1, box.Y1, box.X2-box.X1, box.Y2-box.Y1)
		dc.Stroke()

		label := fmt.Sprintf("%s %.2f", det.Species, det.Confidence)
		drawLabel(dc, label, box.X1, box.Y1, fontPx, hex)
	}

	name := dets[0].ImageName
	originalView := downsample(img)
	annotatedView := downsample(dc.Image())

	originalB64, err := encodeJPEGBase64(originalView, jpegQualityView)
	if err != nil {
		return api.AnnotatedImage{}, err
	}
	annotatedB64, err := encodeJPEGBase64(annotatedView, jpegQualityView)
	if err != nil {
		return api.AnnotatedImage{}, err
	}

	return api.AnnotatedImage{
		ImageName:            name,
		DetectionsCount:      len(dets),
		OriginalImageBase64:  originalB64,
		AnnotatedImageBase64: annotatedB64,
		OriginalSize:         api.Size{Width: bounds.Dx(), Height: bounds.Dy()},
		AnnotatedSize: api.Size{
			Width:  annotatedView.Bounds().Dx(),
			Height: annotatedView.Bounds().Dy(),
		},
	}, nil
}

// drawLabel paints a filled background sized to the text just above
// (x, y), clamped to the top edge, with the label in white. The bitmap face
// is scaled to the requested pixel size.
func drawLabel(dc *gg.Context, label string, x, y, fontPx float64, bgHex string) {
	scale := fontPx / 13.0
	w, h := dc.MeasureString(label)
	w, h = w*scale, h*scale

	top := math.Max(0, y-h-4)
	dc.SetHexColor(bgHex)
	dc.DrawRectangle(x, top, w+4, h+4)
	dc.Fill()

	dc.SetRGB(1, 1, 1)
	dc.Push()
	dc.Scale(scale, scale)
	dc.DrawString(label, (x+2)/scale, (top+h)/scale)
	dc.Pop()
}
