package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"wildlife-backend/internal/catalog"
	"wildlife-backend/internal/database"
	"wildlife-backend/internal/detection"
	"wildlife-backend/internal/pipeline"
	"wildlife-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

const defaultListLimit = 100

// DetectionService owns the analysis endpoints and the task query surface.
// Backends and catalogs are constructed once at startup and treated as
// read-only afterward.
type DetectionService struct {
	db *gorm.DB

	bbox  detection.BoundingBoxBackend
	point detection.TiledPointBackend

	bboxCatalog  *catalog.Catalog
	pointCatalog *catalog.Catalog

	bboxPipeline  *pipeline.BBoxPipeline
	pointPipeline *pipeline.PointPipeline

	maxUploadBytes int64
}

func NewDetectionService(db *gorm.DB, bbox detection.BoundingBoxBackend, point detection.TiledPointBackend, maxWorkers int, maxUploadBytes int64) *DetectionService {
	bboxCat := catalog.New(backendClasses(bbox))

	pointClasses := backendClasses(point)
	if len(pointClasses) == 0 {
		pointClasses = catalog.DefaultPointClasses
	}
	pointCat := catalog.New(pointClasses)

	return &DetectionService{
		db:             db,
		bbox:           bbox,
		point:          point,
		bboxCatalog:    bboxCat,
		pointCatalog:   pointCat,
		bboxPipeline:   pipeline.NewBBoxPipeline(bbox, bboxCat, maxWorkers),
		pointPipeline:  pipeline.NewPointPipeline(point, pointCat),
		maxUploadBytes: maxUploadBytes,
	}
}

type loadable interface {
	Loaded() bool
	Classes() map[int]string
}

func backendClasses(b loadable) map[int]string {
	if b == nil || !b.Loaded() {
		return nil
	}
	return b.Classes()
}

func backendLoaded(b loadable) bool {
	return b != nil && b.Loaded()
}

func (s *DetectionService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(s.Health))
	r.Get("/models/info", RestHandler(s.ModelsInfo))

	r.Route("/analyze", func(r chi.Router) {
		r.Post("/bbox", s.AnalyzeBBox(true))
		r.Post("/bbox/image", s.AnalyzeBBox(false))
		r.Post("/point", s.AnalyzePoint(true))
		r.Post("/point/image", s.AnalyzePoint(false))
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListTasks))
		r.Get("/{task_id}", RestHandler(s.GetTask))
	})
	r.Get("/stats", RestHandler(s.GetStats))
}

func (s *DetectionService) Health(r *http.Request) (any, error) {
	return api.HealthResponse{
		Status: "healthy",
		Models: s.modelsInfo(),
	}, nil
}

func (s *DetectionService) ModelsInfo(r *http.Request) (any, error) {
	return api.ModelsInfoResponse{Models: s.modelsInfo()}, nil
}

func (s *DetectionService) modelsInfo() map[string]api.ModelInfo {
	return map[string]api.ModelInfo{
		database.ModelBBox: {
			Loaded:     backendLoaded(s.bbox),
			Endpoint:   "/analyze/bbox",
			NumClasses: s.bboxCatalog.NumClasses(),
			Classes:    s.bboxCatalog.Classes(),
		},
		database.ModelPoint: {
			Loaded:     backendLoaded(s.point),
			Endpoint:   "/analyze/point",
			NumClasses: s.pointCatalog.NumClasses(),
			Classes:    s.pointCatalog.Classes(),
		},
	}
}

func (s *DetectionService) GetTask(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	task, result, err := database.GetTask(ctx, s.db, taskId)
	if err != nil {
		if errors.Is(err, database.ErrTaskNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "task not found")
		}
		slog.Error("error getting task", "task_id", taskId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving task record")
	}

	resp := api.GetTaskResponse{Success: true, Task: taskToAPI(task)}
	if result != nil {
		var blob map[string]any
		if err := json.Unmarshal(result.ResultData, &blob); err != nil {
			slog.Error("error decoding task result blob", "task_id", taskId, "error", err)
		} else {
			resp.Result = blob
		}
	}
	return resp, nil
}

func (s *DetectionService) ListTasks(r *http.Request) (any, error) {
	req, err := ParseRequestQueryParams[api.ListTasksRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	tasks, err := database.ListTasks(r.Context(), s.db, req.ModelType, req.Status, req.Limit, req.Offset)
	if err != nil {
		slog.Error("error listing tasks", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing tasks")
	}

	resp := api.ListTasksResponse{Success: true, Count: len(tasks), Tasks: make([]api.Task, 0, len(tasks))}
	for _, task := range tasks {
		resp.Tasks = append(resp.Tasks, taskToAPI(task))
	}
	return resp, nil
}

func (s *DetectionService) GetStats(r *http.Request) (any, error) {
	stats, err := database.GetStats(r.Context(), s.db)
	if err != nil {
		slog.Error("error computing stats", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error computing statistics")
	}

	return api.StatsResponse{
		Success: true,
		Statistics: api.Stats{
			TotalTasks:       stats.TotalTasks,
			TasksByModel:     stats.TasksByModel,
			TasksByStatus:    stats.TasksByStatus,
			TotalDetections:  stats.TotalDetections,
			SpeciesHistogram: stats.SpeciesHistogram,
		},
	}, nil
}

func taskToAPI(task database.Task) api.Task {
	out := api.Task{
		TaskId:                task.TaskId,
		ModelType:             task.ModelType,
		CreatedAt:             task.CreatedAt,
		Status:                task.Status,
		Filename:              task.Filename,
		NumImages:             task.NumImages,
		ProcessingTimeSeconds: task.ProcessingTimeSeconds,
		TotalDetections:       task.TotalDetections,
		ImagesWithDetections:  task.ImagesWithDetections,
		ErrorMessage:          task.ErrorMessage,
	}
	if len(task.SpeciesCounts) > 0 {
		if err := json.Unmarshal(task.SpeciesCounts, &out.SpeciesCounts); err != nil {
			slog.Error("error decoding species counts", "task_id", task.TaskId, "error", err)
		}
	}
	if len(task.ProcessingParams) > 0 {
		if err := json.Unmarshal(task.ProcessingParams, &out.ProcessingParams); err != nil {
			slog.Error("error decoding processing params", "task_id", task.TaskId, "error", err)
		}
	}
	return out
}
