package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskTerminal = errors.New("task is in a terminal state")
)

// CreateTask inserts a new task in the processing state. Every analysis run
// gets exactly one task row before any inference starts.
func CreateTask(ctx context.Context, db *gorm.DB, modelType, filename string, numImages int, params any) (uuid.UUID, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling processing params: %w", err)
	}

	task := Task{
		TaskId:           uuid.New(),
		ModelType:        modelType,
		Status:           TaskProcessing,
		CreatedAt:        time.Now().UTC(),
		Filename:         filename,
		NumImages:        numImages,
		ProcessingParams: paramsJSON,
	}

	if err := db.WithContext(ctx).Create(&task).Error; err != nil {
		slog.Error("error creating task", "model_type", modelType, "error", err)
		return uuid.Nil, fmt.Errorf("creating task: %w", err)
	}
	return task.TaskId, nil
}

// CompleteTask moves a processing task to completed and appends the result
// blob. These are two writes: a crash between them leaves a completed task
// with no retrievable blob, which is an accepted failure mode under
// at-most-once request semantics.
func CompleteTask(ctx context.Context, db *gorm.DB, taskId uuid.UUID, processingTime float64, totalDetections, imagesWithDetections int, speciesCounts map[string]int, resultBlob any) error {
	countsJSON, err := json.Marshal(speciesCounts)
	if err != nil {
		return fmt.Errorf("marshaling species counts: %w", err)
	}

	res := db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status = ?", taskId, TaskProcessing).
		Updates(map[string]any{
			"status":                  TaskCompleted,
			"processing_time_seconds": processingTime,
			"total_detections":        totalDetections,
			"images_with_detections":  imagesWithDetections,
			"species_counts":          countsJSON,
		})
	if res.Error != nil {
		slog.Error("error completing task", "task_id", taskId, "error", res.Error)
		return fmt.Errorf("completing task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return terminalOrMissing(ctx, db, taskId)
	}

	blobJSON, err := json.Marshal(resultBlob)
	if err != nil {
		return fmt.Errorf("marshaling result blob: %w", err)
	}
	result := TaskResult{
		TaskId:     taskId,
		ResultData: blobJSON,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&result).Error; err != nil {
		slog.Error("error saving task result", "task_id", taskId, "error", err)
		return fmt.Errorf("saving task result: %w", err)
	}
	return nil
}

// FailTask moves a processing task to failed and records the error message.
// No detections or result blob are written for failed tasks.
func FailTask(ctx context.Context, db *gorm.DB, taskId uuid.UUID, message string) error {
	res := db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status = ?", taskId, TaskProcessing).
		Updates(map[string]any{
			"status":        TaskFailed,
			"error_message": message,
		})
	if res.Error != nil {
		slog.Error("error failing task", "task_id", taskId, "error", res.Error)
		return fmt.Errorf("failing task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return terminalOrMissing(ctx, db, taskId)
	}
	return nil
}

func terminalOrMissing(ctx context.Context, db *gorm.DB, taskId uuid.UUID) error {
	var count int64
	if err := db.WithContext(ctx).Model(&Task{}).Where("task_id = ?", taskId).Count(&count).Error; err != nil {
		return fmt.Errorf("checking task state: %w", err)
	}
	if count == 0 {
		return ErrTaskNotFound
	}
	return ErrTaskTerminal
}

// SaveDetections bulk-inserts detection rows. Only called after a task
// reached completed, never for failed tasks.
func SaveDetections(ctx context.Context, db *gorm.DB, detections []Detection) error {
	if len(detections) == 0 {
		return nil
	}
	if err := db.WithContext(ctx).Create(&detections).Error; err != nil {
		slog.Error("error saving detections", "count", len(detections), "error", err)
		return fmt.Errorf("saving detections: %w", err)
	}
	return nil
}

// GetTask fetches a task and its latest result blob, if any.
func GetTask(ctx context.Context, db *gorm.DB, taskId uuid.UUID) (Task, *TaskResult, error) {
	var task Task
	if err := db.WithContext(ctx).First(&task, "task_id = ?", taskId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Task{}, nil, ErrTaskNotFound
		}
		return Task{}, nil, fmt.Errorf("getting task: %w", err)
	}

	var result TaskResult
	err := db.WithContext(ctx).
		Where("task_id = ?", taskId).
		Order("created_at DESC").
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return task, nil, nil
		}
		return Task{}, nil, fmt.Errorf("getting task result: %w", err)
	}
	return task, &result, nil
}

// ListTasks returns tasks newest-first, optionally filtered by model type
// and status.
func ListTasks(ctx context.Context, db *gorm.DB, modelType, status string, limit, offset int) ([]Task, error) {
	query := db.WithContext(ctx).Model(&Task{})
	if modelType != "" {
		query = query.Where("model_type = ?", modelType)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var tasks []Task
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

type Stats struct {
	TotalTasks       int
	TasksByModel     map[string]int
	TasksByStatus    map[string]int
	TotalDetections  int
	SpeciesHistogram map[string]int
}

type groupCount struct {
	Key   string
	Count int
}

// GetStats computes aggregate statistics over the whole task history.
func GetStats(ctx context.Context, db *gorm.DB) (Stats, error) {
	stats := Stats{
		TasksByModel:     map[string]int{},
		TasksByStatus:    map[string]int{},
		SpeciesHistogram: map[string]int{},
	}

	var totalTasks int64
	if err := db.WithContext(ctx).Model(&Task{}).Count(&totalTasks).Error; err != nil {
		return Stats{}, fmt.Errorf("counting tasks: %w", err)
	}
	stats.TotalTasks = int(totalTasks)

	var byModel []groupCount
	if err := db.WithContext(ctx).Model(&Task{}).
		Select("model_type AS key, COUNT(*) AS count").
		Group("model_type").Scan(&byModel).Error; err != nil {
		return Stats{}, fmt.Errorf("grouping tasks by model: %w", err)
	}
	for _, row := range byModel {
		stats.TasksByModel[row.Key] = row.Count
	}

	var byStatus []groupCount
	if err := db.WithContext(ctx).Model(&Task{}).
		Select("status AS key, COUNT(*) AS count").
		Group("status").Scan(&byStatus).Error; err != nil {
		return Stats{}, fmt.Errorf("grouping tasks by status: %w", err)
	}
	for _, row := range byStatus {
		stats.TasksByStatus[row.Key] = row.Count
	}

	var totalDetections int64
	if err := db.WithContext(ctx).Model(&Detection{}).Count(&totalDetections).Error; err != nil {
		return Stats{}, fmt.Errorf("counting detections: %w", err)
	}
	stats.TotalDetections = int(totalDetections)

	var bySpecies []groupCount
	if err := db.WithContext(ctx).Model(&Detection{}).
		Select("species AS key, COUNT(*) AS count").
		Group("species").Scan(&bySpecies).Error; err != nil {
		return Stats{}, fmt.Errorf("grouping detections by species: %w", err)
	}
	for _, row := range bySpecies {
		stats.SpeciesHistogram[row.Key] = row.Count
	}

	return stats, nil
}
