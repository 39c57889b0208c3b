package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"path/filepath"
	"time"

	"wildlife-backend/internal/catalog"
	"wildlife-backend/internal/database"
	"wildlife-backend/internal/detection"
	"wildlife-backend/internal/intake"
	"wildlife-backend/internal/pipeline"
	"wildlife-backend/internal/render"
	"wildlife-backend/pkg/api"

	"github.com/google/uuid"
)

const multipartMemoryLimit = 32 << 20

// writeAnalyzeError writes the failure payload of the analyze endpoints.
// taskId is included whenever a task row was already created so the caller
// can still look the task up after the failed response.
func writeAnalyzeError(w http.ResponseWriter, status int, taskId *uuid.UUID, short, message string) {
	WriteJsonResponse(w, status, api.ErrorResponse{
		Success: false,
		TaskId:  taskId,
		Error:   short,
		Message: message,
	})
}

// parseForm caps the request body and parses the multipart form. Must run
// before any form field is read.
func (s *DetectionService) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		return CodedErrorf(http.StatusBadRequest, "invalid multipart form: %v", err)
	}
	return nil
}

// receiveUpload pulls the uploaded file out of the multipart form and
// extracts it into a fresh workspace. The caller owns the returned
// workspace.
func (s *DetectionService) receiveUpload(r *http.Request, kind intake.Kind) (*intake.Workspace, []string, string, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, "", CodedErrorf(http.StatusBadRequest, "no file provided")
	}
	defer file.Close()

	ws, images, err := intake.Extract(file, header.Filename, kind)
	if err != nil {
		if errors.Is(err, intake.ErrBadUpload) {
			return nil, nil, "", CodedError(http.StatusBadRequest, err)
		}
		slog.Error("error extracting upload", "filename", header.Filename, "error", err)
		return nil, nil, "", CodedErrorf(http.StatusInternalServerError, "error extracting upload")
	}
	return ws, images, header.Filename, nil
}

func (s *DetectionService) parseBBoxParams(r *http.Request) (pipeline.BBoxParams, error) {
	params := pipeline.DefaultBBoxParams()

	var err error
	if params.ConfThreshold, err = formFloat(r, "conf_threshold", params.ConfThreshold); err != nil {
		return params, CodedError(http.StatusBadRequest, err)
	}
	if params.IOUThreshold, err = formFloat(r, "iou_threshold", params.IOUThreshold); err != nil {
		return params, CodedError(http.StatusBadRequest, err)
	}
	if params.ImgSize, err = formInt(r, "img_size", params.ImgSize); err != nil {
		return params, CodedError(http.StatusBadRequest, err)
	}
	params.IncludeAnnotated = formBool(r, "include_annotated", params.IncludeAnnotated)

	if err := params.Validate(); err != nil {
		return params, CodedError(http.StatusBadRequest, err)
	}
	return params, nil
}

func (s *DetectionService) parsePointParams(r *http.Request) (pipeline.PointParams, error) {
	params := pipeline.DefaultPointParams()

	var err error
	if params.PatchSize, err = formInt(r, "patch_size", params.PatchSize); err != nil {
		return params, CodedError(http.StatusBadRequest, err)
	}
	if params.Overlap, err = formInt(r, "overlap", params.Overlap); err != nil {
		return params, CodedError(http.StatusBadRequest, err)
	}
	if params.Rotation, err = formInt(r, "rotation", params.Rotation); err != nil {
		return params, CodedError(http.StatusBadRequest, err)
	}
	if params.ThumbnailSize, err = formInt(r, "thumbnail_size", params.ThumbnailSize); err != nil {
		return params, CodedError(http.StatusBadRequest, err)
	}
	params.IncludeThumbnails = formBool(r, "include_thumbnails", params.IncludeThumbnails)
	params.IncludePlots = formBool(r, "include_plots", params.IncludePlots)

	if err := params.Validate(); err != nil {
		return params, CodedError(http.StatusBadRequest, err)
	}
	return params, nil
}

// AnalyzeBBox returns the handler for the bounding-box endpoints. archive
// selects whether the upload is a zip of images or a single image.
func (s *DetectionService) AnalyzeBBox(archive bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !backendLoaded(s.bbox) {
			writeAnalyzeError(w, http.StatusServiceUnavailable, nil, "model unavailable", "bounding box model is not loaded")
			return
		}

		if err := s.parseForm(w, r); err != nil {
			writeAnalyzeError(w, errorCode(err), nil, "invalid upload", err.Error())
			return
		}

		params, err := s.parseBBoxParams(r)
		if err != nil {
			writeAnalyzeError(w, errorCode(err), nil, "invalid parameters", err.Error())
			return
		}

		kind := intake.KindImage
		if archive {
			kind = intake.KindArchive
		}
		ws, images, filename, err := s.receiveUpload(r, kind)
		if err != nil {
			writeAnalyzeError(w, errorCode(err), nil, "invalid upload", err.Error())
			return
		}
		defer ws.Close()

		ctx := r.Context()
		start := time.Now()

		taskId, err := database.CreateTask(ctx, s.db, database.ModelBBox, filename, len(images), params.Map())
		if err != nil {
			writeAnalyzeError(w, http.StatusInternalServerError, nil, "storage error", "error creating task record")
			return
		}

		dets, err := s.bboxPipeline.Run(ctx, images, params)
		if err != nil {
			s.failTask(ctx, taskId, err)
			writeAnalyzeError(w, http.StatusInternalServerError, &taskId, "detection failed", err.Error())
			return
		}

		summary := pipeline.Aggregate(images, dets)
		localized := localizeDetections(summary.Detections)

		resp := api.AnalyzeResponse{
			Success:               true,
			TaskId:                taskId,
			Model:                 database.ModelBBox,
			Summary:               summaryToAPI(summary),
			Detections:            detectionsToAPI(localized),
			ProcessingParams:      params.Map(),
			ProcessingTimeSeconds: round2(time.Since(start).Seconds()),
		}

		if params.IncludeAnnotated {
			annotated, err := renderAnnotated(images, localized)
			if err != nil {
				s.failTask(ctx, taskId, err)
				writeAnalyzeError(w, http.StatusInternalServerError, &taskId, "rendering failed", err.Error())
				return
			}
			resp.AnnotatedImages = annotated
			resp.ProcessingTimeSeconds = round2(time.Since(start).Seconds())
		}

		if err := s.finishTask(ctx, taskId, summary, resp); err != nil {
			s.failTask(ctx, taskId, err)
			writeAnalyzeError(w, http.StatusInternalServerError, &taskId, "storage error", "error saving analysis results")
			return
		}
		WriteJsonResponse(w, http.StatusOK, resp)
	}
}

// AnalyzePoint returns the handler for the tiled point endpoints.
func (s *DetectionService) AnalyzePoint(archive bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !backendLoaded(s.point) {
			writeAnalyzeError(w, http.StatusServiceUnavailable, nil, "model unavailable", "point model is not loaded")
			return
		}

		if err := s.parseForm(w, r); err != nil {
			writeAnalyzeError(w, errorCode(err), nil, "invalid upload", err.Error())
			return
		}

		params, err := s.parsePointParams(r)
		if err != nil {
			writeAnalyzeError(w, errorCode(err), nil, "invalid parameters", err.Error())
			return
		}

		kind := intake.KindImage
		if archive {
			kind = intake.KindArchive
		}
		ws, images, filename, err := s.receiveUpload(r, kind)
		if err != nil {
			writeAnalyzeError(w, errorCode(err), nil, "invalid upload", err.Error())
			return
		}
		defer ws.Close()

		ctx := r.Context()
		start := time.Now()

		taskId, err := database.CreateTask(ctx, s.db, database.ModelPoint, filename, len(images), params.Map())
		if err != nil {
			writeAnalyzeError(w, http.StatusInternalServerError, nil, "storage error", "error creating task record")
			return
		}

		dets, err := s.pointPipeline.Run(ctx, images, params)
		if err != nil {
			s.failTask(ctx, taskId, err)
			writeAnalyzeError(w, http.StatusInternalServerError, &taskId, "detection failed", err.Error())
			return
		}

		summary := pipeline.Aggregate(images, dets)
		localized := localizeDetections(summary.Detections)

		resp := api.AnalyzeResponse{
			Success:               true,
			TaskId:                taskId,
			Model:                 database.ModelPoint,
			Summary:               summaryToAPI(summary),
			Detections:            detectionsToAPI(localized),
			ProcessingParams:      params.Map(),
			ProcessingTimeSeconds: round2(time.Since(start).Seconds()),
		}

		if params.IncludeThumbnails || params.IncludePlots {
			thumbnails, plots, err := renderPoints(images, localized, params)
			if err != nil {
				s.failTask(ctx, taskId, err)
				writeAnalyzeError(w, http.StatusInternalServerError, &taskId, "rendering failed", err.Error())
				return
			}
			if params.IncludeThumbnails {
				resp.Thumbnails = thumbnails
			}
			if params.IncludePlots {
				resp.Plots = plots
			}
			resp.ProcessingTimeSeconds = round2(time.Since(start).Seconds())
		}

		if err := s.finishTask(ctx, taskId, summary, resp); err != nil {
			s.failTask(ctx, taskId, err)
			writeAnalyzeError(w, http.StatusInternalServerError, &taskId, "storage error", "error saving analysis results")
			return
		}
		WriteJsonResponse(w, http.StatusOK, resp)
	}
}

// renderAnnotated draws boxes for every image that has at least one
// detection. The localized detections carry display species names so the
// baked-in labels match the response payload.
func renderAnnotated(images []string, localized []detection.Detection) ([]api.AnnotatedImage, error) {
	byImage := make(map[string][]detection.Detection)
	for _, det := range localized {
		byImage[det.ImageName] = append(byImage[det.ImageName], det)
	}

	var annotated []api.AnnotatedImage
	for _, pth := range images {
		dets := byImage[filepath.Base(pth)]
		if len(dets) == 0 {
			continue
		}
		img, err := render.Boxes(pth, dets)
		if err != nil {
			return nil, fmt.Errorf("annotating %s: %w", filepath.Base(pth), err)
		}
		annotated = append(annotated, img)
	}
	return annotated, nil
}

// renderPoints produces thumbnails and plots for the point pipeline. Each
// source image is decoded once with the request's rotation applied, the same
// orientation the detector saw.
func renderPoints(images []string, localized []detection.Detection, params pipeline.PointParams) ([]api.Thumbnail, []api.Plot, error) {
	byImage := make(map[string][]detection.Detection)
	for _, det := range localized {
		byImage[det.ImageName] = append(byImage[det.ImageName], det)
	}

	var thumbnails []api.Thumbnail
	var plots []api.Plot
	for _, pth := range images {
		name := filepath.Base(pth)
		dets := byImage[name]
		if len(dets) == 0 && !params.IncludePlots {
			continue
		}

		img, err := render.OpenRotated(pth, params.Rotation)
		if err != nil {
			return nil, nil, fmt.Errorf("opening %s: %w", name, err)
		}

		if params.IncludeThumbnails && len(dets) > 0 {
			th, err := render.Thumbnails(img, dets, params.ThumbnailSize)
			if err != nil {
				return nil, nil, fmt.Errorf("rendering thumbnails for %s: %w", name, err)
			}
			thumbnails = append(thumbnails, th...)
		}
		if params.IncludePlots {
			plot, err := render.Plot(img, name, dets)
			if err != nil {
				return nil, nil, fmt.Errorf("rendering plot for %s: %w", name, err)
			}
			plots = append(plots, plot)
		}
	}
	return thumbnails, plots, nil
}

func (s *DetectionService) failTask(ctx context.Context, taskId uuid.UUID, cause error) {
	err := database.FailTask(ctx, s.db, taskId, cause.Error())
	if err != nil && !errors.Is(err, database.ErrTaskTerminal) {
		slog.Error("error marking task failed", "task_id", taskId, "error", err)
	}
}

// finishTask persists the completed task, the response blob, and the
// canonical detection rows. A CompleteTask failure leaves the task
// non-terminal so the caller can still mark it failed; a SaveDetections
// failure leaves a completed task with missing rows, which the terminal
// guard keeps as-is.
func (s *DetectionService) finishTask(ctx context.Context, taskId uuid.UUID, summary pipeline.Summary, resp api.AnalyzeResponse) error {
	counts := catalog.LocalizeCounts(summary.SpeciesCounts)
	err := database.CompleteTask(ctx, s.db, taskId, resp.ProcessingTimeSeconds,
		summary.TotalDetections, summary.ImagesWithDetections, counts, resp)
	if err != nil {
		slog.Error("error completing task", "task_id", taskId, "error", err)
		return err
	}

	rows := make([]database.Detection, 0, len(summary.Detections))
	for _, det := range summary.Detections {
		rows = append(rows, detectionToRow(taskId, det))
	}
	if err := database.SaveDetections(ctx, s.db, rows); err != nil {
		slog.Error("error saving detections", "task_id", taskId, "error", err)
		return err
	}
	return nil
}

func detectionToRow(taskId uuid.UUID, det detection.Detection) database.Detection {
	x, y := det.X, det.Y
	row := database.Detection{
		TaskId:     taskId,
		ImageName:  det.ImageName,
		Species:    det.Species,
		Confidence: det.Confidence,
		X:          &x,
		Y:          &y,
	}
	if det.Bbox != nil {
		row.BboxX1 = &det.Bbox.X1
		row.BboxY1 = &det.Bbox.Y1
		row.BboxX2 = &det.Bbox.X2
		row.BboxY2 = &det.Bbox.Y2
	}
	return row
}

// localizeDetections returns a copy with species names translated to their
// display form. The input keeps canonical names for persistence.
func localizeDetections(dets []detection.Detection) []detection.Detection {
	out := make([]detection.Detection, len(dets))
	copy(out, dets)
	for i := range out {
		out[i].Species = catalog.Localize(out[i].Species)
	}
	return out
}

func summaryToAPI(s pipeline.Summary) api.Summary {
	return api.Summary{
		TotalImages:                 s.TotalImages,
		ImagesWithDetections:        s.ImagesWithDetections,
		ImagesWithoutDetections:     s.ImagesWithoutDetections,
		TotalDetections:             s.TotalDetections,
		SpeciesCounts:               catalog.LocalizeCounts(s.SpeciesCounts),
		ImagesWithDetectionsList:    s.WithDetections,
		ImagesWithoutDetectionsList: s.WithoutDetections,
	}
}

func detectionsToAPI(dets []detection.Detection) []api.Detection {
	out := make([]api.Detection, 0, len(dets))
	for _, det := range dets {
		entry := api.Detection{
			ImageName:  det.ImageName,
			ClassId:    det.ClassId,
			Species:    det.Species,
			Confidence: round2(det.Confidence),
		}
		if det.Bbox != nil {
			entry.Bbox = &api.BboxCoords{X1: det.Bbox.X1, Y1: det.Bbox.Y1, X2: det.Bbox.X2, Y2: det.Bbox.Y2}
			cx, cy := det.Bbox.Center()
			entry.Center = &api.Point{X: cx, Y: cy}
		} else {
			entry.Position = &api.Point{X: det.X, Y: det.Y}
		}
		out = append(out, entry)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
