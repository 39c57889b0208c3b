package detection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemotePatchDetector delegates per-patch inference to an HTTP sidecar
// running the point model. The class table is fetched once at construction;
// a sidecar that cannot be reached leaves the detector not ready, which the
// dispatcher reports as backend unavailable.
type RemotePatchDetector struct {
	client  *resty.Client
	classes map[int]string
}

type remotePeak struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	ClassId int     `json:"class_id"`
	Score   float64 `json:"score"`
}

type remoteDetectResponse struct {
	Peaks []remotePeak `json:"peaks"`
}

func NewRemotePatchDetector(baseURL string) *RemotePatchDetector {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(120 * time.Second).
		SetRetryCount(2)

	d := &RemotePatchDetector{client: client}

	var raw map[string]string
	resp, err := client.R().SetResult(&raw).Get("/classes")
	if err != nil || resp.IsError() {
		slog.Warn("point inference sidecar unreachable, point backend disabled", "url", baseURL, "error", err)
		return d
	}

	classes := make(map[int]string, len(raw))
	for k, name := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			slog.Warn("ignoring invalid class id from sidecar", "id", k)
			continue
		}
		classes[id] = name
	}
	d.classes = classes
	return d
}

func (d *RemotePatchDetector) Ready() bool {
	return d != nil && len(d.classes) > 0
}

func (d *RemotePatchDetector) Classes() map[int]string {
	out := make(map[int]string, len(d.classes))
	for id, name := range d.classes {
		out[id] = name
	}
	return out
}

func (d *RemotePatchDetector) DetectPatch(ctx context.Context, patch image.Image) ([]PointPeak, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, patch); err != nil {
		return nil, fmt.Errorf("encoding patch: %w", err)
	}

	var result remoteDetectResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/png").
		SetBody(buf.Bytes()).
		SetResult(&result).
		Post("/detect")
	if err != nil {
		return nil, fmt.Errorf("calling inference sidecar: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("inference sidecar returned %s", resp.Status())
	}

	peaks := make([]PointPeak, 0, len(result.Peaks))
	for _, p := range result.Peaks {
		peaks = append(peaks, PointPeak{X: p.X, Y: p.Y, ClassId: p.ClassId, Score: p.Score})
	}
	return peaks, nil
}
