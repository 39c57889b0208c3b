package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TaskProcessing string = "processing"
	TaskCompleted  string = "completed"
	TaskFailed     string = "failed"
)

const (
	ModelBBox  string = "bbox"
	ModelPoint string = "point"
)

type Task struct {
	TaskId uuid.UUID `gorm:"type:uuid;primaryKey"`

	ModelType string `gorm:"size:20;not null"`
	Status    string `gorm:"size:20;not null"`
	CreatedAt time.Time

	Filename  string
	NumImages int

	ProcessingTimeSeconds float64
	TotalDetections       int
	ImagesWithDetections  int

	SpeciesCounts    datatypes.JSON // {"species": count, …}
	ProcessingParams datatypes.JSON
	ErrorMessage     string

	Results    []TaskResult `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
	Detections []Detection  `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
}

// TaskResult is an append-only serialized response blob. The newest row per
// task is the authoritative one.
type TaskResult struct {
	Id     uint      `gorm:"primaryKey;autoIncrement"`
	TaskId uuid.UUID `gorm:"type:uuid;not null;index"`

	ResultData datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time
}

type Detection struct {
	Id     uint      `gorm:"primaryKey;autoIncrement"`
	TaskId uuid.UUID `gorm:"type:uuid;not null;index"`

	ImageName  string  `gorm:"not null"`
	Species    string  `gorm:"not null"`
	Confidence float64 `gorm:"not null"`

	X *float64
	Y *float64

	BboxX1 *float64
	BboxY1 *float64
	BboxX2 *float64
	BboxY2 *float64

	DetectionData datatypes.JSON
}
