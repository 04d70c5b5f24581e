package store

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gridsense/theftdetect/internal/balance"
	"github.com/gridsense/theftdetect/internal/config"
	"github.com/gridsense/theftdetect/internal/dataset"
	"github.com/gridsense/theftdetect/internal/preprocess"
	"github.com/gridsense/theftdetect/internal/validate"
	"github.com/gridsense/theftdetect/pkg/logger"
)

// Store persists readings and run reports. The pipeline treats it strictly
// as a record source and sink.
type Store struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

func NewStore(zlog *zap.Logger, cfg config.StoreConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	if err := db.AutoMigrate(
		&MeterReading{},
		&PipelineRun{},
		&QualityReportRecord{},
		&BalancingReportRecord{},
		&ValidationReportRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate store schema: %w", err)
	}
	slog := logger.Stage(zlog, "store")
	slog.Infow("store ready", "driver", cfg.Driver)
	return &Store{db: db, logger: slog}, nil
}

// BeginRun inserts a running pipeline record and returns its id.
func (s *Store) BeginRun(runID uuid.UUID) error {
	run := &PipelineRun{ID: runID, StartedAt: time.Now(), Status: "running"}
	if err := s.db.Create(run).Error; err != nil {
		return fmt.Errorf("failed to create pipeline run: %w", err)
	}
	return nil
}

// FinishRun marks a run completed or failed and records its summary numbers.
func (s *Store) FinishRun(runID uuid.UUID, update *PipelineRun) error {
	now := time.Now()
	update.FinishedAt = &now
	err := s.db.Model(&PipelineRun{}).Where("id = ?", runID).Updates(map[string]interface{}{
		"finished_at":      update.FinishedAt,
		"status":           update.Status,
		"entity_count":     update.EntityCount,
		"record_count":     update.RecordCount,
		"feature_count":    update.FeatureCount,
		"balancing_method": update.BalancingMethod,
		"validation_score": update.ValidationScore,
		"error":            update.Error,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to finish pipeline run: %w", err)
	}
	return nil
}

// GetRun loads one pipeline run record.
func (s *Store) GetRun(runID uuid.UUID) (*PipelineRun, error) {
	var run PipelineRun
	if err := s.db.First(&run, "id = ?", runID).Error; err != nil {
		return nil, fmt.Errorf("failed to load pipeline run %s: %w", runID, err)
	}
	return &run, nil
}

// SaveReadings persists a table in batches.
func (s *Store) SaveReadings(t *dataset.Table) error {
	rows := make([]MeterReading, t.Len())
	for i, r := range t.Records {
		rows[i] = MeterReading{
			EntityID: r.EntityID,
			Date:     r.Date,
			Label:    r.Label,
			Category: r.Category,
		}
		if r.Missing() {
			rows[i].Missing = true
		} else {
			rows[i].Consumption = r.Consumption
		}
	}
	if err := s.db.CreateInBatches(rows, 500).Error; err != nil {
		return fmt.Errorf("failed to save readings: %w", err)
	}
	s.logger.Infow("readings saved", "count", len(rows))
	return nil
}

// LoadReadings reads back all persisted readings as a sorted table.
func (s *Store) LoadReadings() (*dataset.Table, error) {
	var rows []MeterReading
	if err := s.db.Order("entity_id, date").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load readings: %w", err)
	}
	t := &dataset.Table{Records: make([]dataset.Record, len(rows))}
	for i, row := range rows {
		consumption := row.Consumption
		if row.Missing {
			consumption = math.NaN()
		}
		t.Records[i] = dataset.Record{
			EntityID:    row.EntityID,
			Date:        row.Date,
			Consumption: consumption,
			Label:       row.Label,
			Category:    row.Category,
		}
	}
	return t, nil
}

// SaveQualityReport persists a before or after quality report.
func (s *Store) SaveQualityReport(runID uuid.UUID, phase string, r *preprocess.QualityReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal quality report: %w", err)
	}
	rec := &QualityReportRecord{RunID: runID, Phase: phase, Payload: string(payload)}
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to save quality report: %w", err)
	}
	return nil
}

// LoadQualityReport reads back one phase of a run's quality reports.
func (s *Store) LoadQualityReport(runID uuid.UUID, phase string) (*preprocess.QualityReport, error) {
	var rec QualityReportRecord
	if err := s.db.First(&rec, "run_id = ? AND phase = ?", runID, phase).Error; err != nil {
		return nil, fmt.Errorf("failed to load quality report: %w", err)
	}
	r := &preprocess.QualityReport{}
	if err := json.Unmarshal([]byte(rec.Payload), r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quality report: %w", err)
	}
	return r, nil
}

// SaveBalancingReport persists a balancing report.
func (s *Store) SaveBalancingReport(runID uuid.UUID, r *balance.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal balancing report: %w", err)
	}
	rec := &BalancingReportRecord{RunID: runID, Payload: string(payload)}
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to save balancing report: %w", err)
	}
	return nil
}

// LoadBalancingReport reads back a run's balancing report.
func (s *Store) LoadBalancingReport(runID uuid.UUID) (*balance.Report, error) {
	var rec BalancingReportRecord
	if err := s.db.First(&rec, "run_id = ?", runID).Error; err != nil {
		return nil, fmt.Errorf("failed to load balancing report: %w", err)
	}
	r := &balance.Report{}
	if err := json.Unmarshal([]byte(rec.Payload), r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balancing report: %w", err)
	}
	return r, nil
}

// SaveValidationReport persists a validation report.
func (s *Store) SaveValidationReport(runID uuid.UUID, r *validate.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal validation report: %w", err)
	}
	rec := &ValidationReportRecord{RunID: runID, Payload: string(payload), Score: r.Score}
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to save validation report: %w", err)
	}
	return nil
}

// LoadValidationReport reads back a run's validation report.
func (s *Store) LoadValidationReport(runID uuid.UUID) (*validate.Report, error) {
	var rec ValidationReportRecord
	if err := s.db.First(&rec, "run_id = ?", runID).Error; err != nil {
		return nil, fmt.Errorf("failed to load validation report: %w", err)
	}
	r := &validate.Report{}
	if err := json.Unmarshal([]byte(rec.Payload), r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal validation report: %w", err)
	}
	return r, nil
}
