package store

import (
	"time"

	"github.com/google/uuid"
)

// MeterReading is one persisted consumption observation.
type MeterReading struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	EntityID    string    `json:"entity_id" gorm:"index:idx_reading_entity_date,priority:1" validate:"required"`
	Date        time.Time `json:"date" gorm:"index:idx_reading_entity_date,priority:2" validate:"required"`
	Consumption float64   `json:"consumption"`
	Missing     bool      `json:"missing"`
	Label       int       `json:"label" validate:"oneof=0 1"`
	Category    string    `json:"category" validate:"omitempty,oneof=residential commercial industrial"`
}

// PipelineRun records one batch execution end to end.
type PipelineRun struct {
	ID              uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	Status          string     `json:"status" gorm:"default:running" validate:"required,oneof=running completed failed"`
	EntityCount     int        `json:"entity_count"`
	RecordCount     int        `json:"record_count"`
	FeatureCount    int        `json:"feature_count"`
	BalancingMethod string     `json:"balancing_method"`
	ValidationScore float64    `json:"validation_score"`
	Error           string     `json:"error,omitempty" gorm:"type:text"`
}

// QualityReportRecord persists a preprocessing quality report as json.
type QualityReportRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID     uuid.UUID `json:"run_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Phase     string    `json:"phase" validate:"required,oneof=before after"`
	Payload   string    `json:"payload" gorm:"type:text" validate:"required,json"`
	CreatedAt time.Time `json:"created_at"`
}

// BalancingReportRecord persists a balancing report as json.
type BalancingReportRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID     uuid.UUID `json:"run_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Payload   string    `json:"payload" gorm:"type:text" validate:"required,json"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationReportRecord persists a validation report as json.
type ValidationReportRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID     uuid.UUID `json:"run_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Payload   string    `json:"payload" gorm:"type:text" validate:"required,json"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}
