package api

import (
	"time"

	"github.com/google/uuid"
)

// Summary aggregates the per-image detections of one analysis run.
type Summary struct {
	TotalImages                 int            `json:"total_images"`
	ImagesWithDetections        int            `json:"images_with_detections"`
	ImagesWithoutDetections     int            `json:"images_without_detections"`
	TotalDetections             int            `json:"total_detections"`
	SpeciesCounts               map[string]int `json:"species_counts"`
	ImagesWithDetectionsList    []string       `json:"images_with_detections_list,omitempty"`
	ImagesWithoutDetectionsList []string       `json:"images_without_detections_list,omitempty"`
}

type BboxCoords struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is the wire shape for a single detection, for both the
// bounding-box and the point pipelines. Bbox and Center are only set for
// bbox detections, Position only for point detections.
type Detection struct {
	ImageName  string      `json:"image_name"`
	ClassId    int         `json:"class_id"`
	Species    string      `json:"species"`
	Confidence float64     `json:"confidence"`
	Bbox       *BboxCoords `json:"bbox,omitempty"`
	Center     *Point      `json:"center,omitempty"`
	Position   *Point      `json:"position,omitempty"`
}

// AnnotatedImage is an original/annotated base64 JPEG pair produced by the
// box renderer.
type AnnotatedImage struct {
	ImageName            string `json:"image_name"`
	DetectionsCount      int    `json:"detections_count"`
	OriginalImageBase64  string `json:"original_image_base64"`
	AnnotatedImageBase64 string `json:"annotated_image_base64"`
	OriginalSize         Size   `json:"original_size"`
	AnnotatedSize        Size   `json:"annotated_size"`
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Thumbnail is a cropped view around one point detection.
type Thumbnail struct {
	ImageName       string  `json:"image_name"`
	DetectionId     int     `json:"detection_id"`
	Species         string  `json:"species"`
	Confidence      float64 `json:"confidence"`
	Position        Point   `json:"position"`
	ThumbnailBase64 string  `json:"thumbnail_base64"`
}

// Plot is a full-image diagnostic view with every detected point marked.
type Plot struct {
	ImageName           string `json:"image_name"`
	OriginalImageBase64 string `json:"original_image_base64"`
	PlotBase64          string `json:"plot_base64"`
	DetectionsCount     int    `json:"detections_count"`
}

// AnalyzeResponse is the success payload of the analyze endpoints.
type AnalyzeResponse struct {
	Success               bool           `json:"success"`
	TaskId                uuid.UUID      `json:"task_id"`
	Message               string         `json:"message,omitempty"`
	Model                 string         `json:"model"`
	Summary               Summary        `json:"summary"`
	Detections            []Detection    `json:"detections"`
	ProcessingParams      map[string]any `json:"processing_params"`
	ProcessingTimeSeconds float64        `json:"processing_time_seconds"`

	AnnotatedImages []AnnotatedImage `json:"annotated_images,omitempty"`
	Thumbnails      []Thumbnail      `json:"thumbnails,omitempty"`
	Plots           []Plot           `json:"plots,omitempty"`
}

// ErrorResponse is returned on any failed request. TaskId is included
// whenever a task row was already allocated so the caller can query it
// later.
type ErrorResponse struct {
	Success bool       `json:"success"`
	TaskId  *uuid.UUID `json:"task_id,omitempty"`
	Error   string     `json:"error"`
	Message string     `json:"message,omitempty"`
}

// Task is the wire shape of a persisted task row.
type Task struct {
	TaskId                uuid.UUID      `json:"task_id"`
	ModelType             string         `json:"model_type"`
	CreatedAt             time.Time      `json:"created_at"`
	Status                string         `json:"status"`
	Filename              string         `json:"filename"`
	NumImages             int            `json:"num_images"`
	ProcessingTimeSeconds float64        `json:"processing_time_seconds,omitempty"`
	TotalDetections       int            `json:"total_detections"`
	ImagesWithDetections  int            `json:"images_with_detections"`
	SpeciesCounts         map[string]int `json:"species_counts,omitempty"`
	ProcessingParams      map[string]any `json:"processing_params,omitempty"`
	ErrorMessage          string         `json:"error_message,omitempty"`
}

type GetTaskResponse struct {
	Success bool           `json:"success"`
	Task    Task           `json:"task"`
	Result  map[string]any `json:"result_data,omitempty"`
}

type ListTasksRequest struct {
	ModelType string `schema:"model_type"`
	Status    string `schema:"status"`
	Limit     int    `schema:"limit"`
	Offset    int    `schema:"offset"`
}

type ListTasksResponse struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Tasks   []Task `json:"tasks"`
}

type Stats struct {
	TotalTasks       int            `json:"total_tasks"`
	TasksByModel     map[string]int `json:"tasks_by_model"`
	TasksByStatus    map[string]int `json:"tasks_by_status"`
	TotalDetections  int            `json:"total_detections"`
	SpeciesHistogram map[string]int `json:"species_distribution"`
}

type StatsResponse struct {
	Success    bool  `json:"success"`
	Statistics Stats `json:"statistics"`
}

// ModelInfo describes one loaded detection backend.
type ModelInfo struct {
	Loaded     bool           `json:"loaded"`
	Endpoint   string         `json:"endpoint,omitempty"`
	NumClasses int            `json:"num_classes"`
	Classes    map[int]string `json:"classes"`
}

type ModelsInfoResponse struct {
	Models map[string]ModelInfo `json:"models"`
}

type HealthResponse struct {
	Status string               `json:"status"`
	Models map[string]ModelInfo `json:"models"`
}
