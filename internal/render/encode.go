package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
)

const (
	// maxEncodeEdge bounds the payload size of encoded views: anything with
	// a longer edge is downsampled before encoding.
	maxEncodeEdge = 1920

	jpegQualityView = 85
	jpegQualityPlot = 95
)

func encodeJPEGBase64(img image.Image, quality int) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encoding jpeg: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// downsample shrinks the image aspect-preserving when its longest edge
// exceeds maxEncodeEdge, otherwise returns it unchanged.
func downsample(img image.Image) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() <= maxEncodeEdge && bounds.Dy() <= maxEncodeEdge {
		return img
	}
	return imaging.Fit(img, maxEncodeEdge, maxEncodeEdge, imaging.Lanczos)
}
