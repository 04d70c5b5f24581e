package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridsense/theftdetect/internal/balance"
	"github.com/gridsense/theftdetect/internal/config"
	"github.com/gridsense/theftdetect/internal/dataset"
	"github.com/gridsense/theftdetect/internal/features"
	"github.com/gridsense/theftdetect/internal/preprocess"
	"github.com/gridsense/theftdetect/internal/validate"
	"github.com/gridsense/theftdetect/pkg/logger"
	"github.com/gridsense/theftdetect/pkg/metrics"
)

// EntityError records one entity that failed a stage while the batch
// continued.
type EntityError struct {
	EntityID string `json:"entity_id"`
	Stage    string `json:"stage"`
	Err      error  `json:"-"`
	Message  string `json:"message"`
}

// FittedState carries the transformers fitted by a batch run so serving can
// replay them exactly.
type FittedState struct {
	Scaler *preprocess.FittedScaler `json:"scaler,omitempty" yaml:"scaler,omitempty"`
	Schema *features.Schema         `json:"schema" yaml:"schema"`
}

// Artifacts is everything one batch run produces.
type Artifacts struct {
	RunID        uuid.UUID
	Table        *dataset.Table
	Metadata     *dataset.Metadata
	Validation   *validate.Report
	Quality      *preprocess.PipelineReport
	Features     *features.Table
	Labels       []int
	Importance   *features.ImportanceReport
	BalancedX    [][]float64
	BalancedY    []int
	Balancing    *balance.Report
	Fitted       *FittedState
	EntityErrors []EntityError
}

// Pipeline wires the loader, preprocessor, feature engineer, balancer and
// validator into one batch run, and replays the fitted transformers for
// single-entity serving.
type Pipeline struct {
	cfg       *config.Config
	logger    *zap.SugaredLogger
	zlog      *zap.Logger
	loader    *dataset.Loader
	pre       *preprocess.Preprocessor
	engineer  *features.Engineer
	balancer  *balance.Balancer
	validator *validate.Validator
}

func New(zlog *zap.Logger, cfg *config.Config) (*Pipeline, error) {
	var advanced features.AdvancedExtractor
	if cfg.Features.AdvancedEnabled {
		advanced = features.DescriptorExtractor{}
	}
	balancer, err := balance.NewBalancer(zlog, cfg.Balance.TargetRatio, cfg.Balance.KNeighbors, cfg.Balance.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to build balancer: %w", err)
	}
	validator, err := validate.NewValidator(zlog, cfg.Validate, cfg.Balance.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to build validator: %w", err)
	}
	return &Pipeline{
		cfg:       cfg,
		logger:    logger.Stage(zlog, "pipeline"),
		zlog:      zlog,
		loader:    dataset.NewLoader(zlog, cfg.Data.IDColumn, cfg.Data.LabelColumn, cfg.Data.DateFormat),
		pre:       preprocess.NewPreprocessor(zlog, cfg.Data.MinHistoryDays, cfg.Validate.SampleLimit, cfg.Balance.Seed),
		engineer:  features.NewEngineer(zlog, advanced),
		balancer:  balancer,
		validator: validator,
	}, nil
}

// Run executes the full batch: load, validate, preprocess, engineer,
// select, balance. Entities that fail feature extraction are reported and
// skipped; the batch continues.
func (p *Pipeline) Run(ctx context.Context, wide *dataset.WideMatrix) (*Artifacts, error) {
	runID := uuid.New()
	p.logger.Infow("pipeline run starting", "run_id", runID)
	art := &Artifacts{RunID: runID}

	table, meta, err := p.timedLoad(wide)
	if err != nil {
		return nil, fmt.Errorf("load stage failed: %w", err)
	}
	art.Table = table
	art.Metadata = meta
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	art.Validation = p.validator.Comprehensive(table)
	metrics.StageDuration.WithLabelValues("validate").Observe(time.Since(start).Seconds())
	if !art.Validation.OverallValidity {
		p.logger.Warnw("dataset failed pre-validation, continuing",
			"run_id", runID, "score", art.Validation.Score)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start = time.Now()
	art.Quality, err = p.pre.Pipeline(table, preprocess.Options{
		MissingStrategy: p.cfg.Preprocess.MissingStrategy,
		OutlierMethod:   p.cfg.Preprocess.OutlierMethod,
		Threshold:       p.cfg.Preprocess.Threshold,
		Contamination:   p.cfg.Preprocess.Contamination,
		Normalize:       p.cfg.Preprocess.Normalize,
	})
	metrics.StageDuration.WithLabelValues("preprocess").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("preprocess stage failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, labels, err := p.engineerStage(table, art)
	if err != nil {
		return nil, fmt.Errorf("feature stage failed: %w", err)
	}
	if full.Len() == 0 {
		return nil, fmt.Errorf("no entity produced a feature vector")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start = time.Now()
	selected, importance, err := features.SelectKBest(p.zlog, full, labels, p.cfg.Features.SelectionK)
	metrics.StageDuration.WithLabelValues("select").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("feature selection failed: %w", err)
	}
	art.Features = selected
	art.Labels = labels
	art.Importance = importance
	art.Fitted = &FittedState{Scaler: art.Quality.Scaler, Schema: selected.Schema}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	X := make([][]float64, selected.Len())
	for i := range selected.Vectors {
		X[i] = selected.Vectors[i].Values
	}
	start = time.Now()
	art.BalancedX, art.BalancedY, art.Balancing, err = p.balancer.Balance(X, labels, p.cfg.Balance.Method)
	metrics.StageDuration.WithLabelValues("balance").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("balancing stage failed: %w", err)
	}

	p.logger.Infow("pipeline run completed",
		"run_id", runID,
		"entities", selected.Len(),
		"features", len(selected.Schema.Columns),
		"balanced_samples", len(art.BalancedX),
		"entity_errors", len(art.EntityErrors))
	return art, nil
}

func (p *Pipeline) timedLoad(wide *dataset.WideMatrix) (*dataset.Table, *dataset.Metadata, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())
	}()
	return p.loader.Load(wide)
}

// engineerStage runs batch feature extraction, recording each skipped
// entity so one bad entity cannot sink the batch.
func (p *Pipeline) engineerStage(table *dataset.Table, art *Artifacts) (*features.Table, []int, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("features").Observe(time.Since(start).Seconds())
	}()

	out, labels, faults, err := p.engineer.Features(table)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range faults {
		metrics.EntityFailures.WithLabelValues("features").Inc()
		art.EntityErrors = append(art.EntityErrors, EntityError{
			EntityID: f.EntityID,
			Stage:    "features",
			Err:      f.Err,
			Message:  f.Err.Error(),
		})
	}
	return out, labels, nil
}

// ServeVector runs the training transform chain for a single entity. The
// observation history must cover at least the configured minimum days.
func (p *Pipeline) ServeVector(ctx context.Context, entityID string, obs []dataset.Observation, fitted *FittedState) (*features.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fitted == nil || fitted.Schema == nil {
		return nil, fmt.Errorf("serving requires a fitted state from a batch run")
	}
	if len(obs) < p.cfg.Data.MinHistoryDays {
		return nil, &features.InsufficientHistoryError{
			EntityID: entityID,
			Have:     len(obs),
			Need:     p.cfg.Data.MinHistoryDays,
		}
	}

	recs := make([]dataset.Record, len(obs))
	for i, o := range obs {
		recs[i] = dataset.Record{EntityID: entityID, Date: o.Date, Consumption: o.Consumption}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Date.Before(recs[j].Date) })

	serveTable := &dataset.Table{Records: recs}
	if _, err := p.pre.HandleMissing(serveTable, p.cfg.Preprocess.MissingStrategy); err != nil {
		return nil, fmt.Errorf("serving imputation failed for %s: %w", entityID, err)
	}
	if _, err := p.pre.CapOutliers(serveTable, p.cfg.Preprocess.OutlierMethod,
		p.cfg.Preprocess.Threshold, p.cfg.Preprocess.Contamination); err != nil {
		return nil, fmt.Errorf("serving outlier handling failed for %s: %w", entityID, err)
	}
	if fitted.Scaler != nil {
		fitted.Scaler.Apply(serveTable)
	}

	full, err := p.engineer.EntityVector(entityID, serveTable.Records)
	if err != nil {
		return nil, fmt.Errorf("serving feature extraction failed for %s: %w", entityID, err)
	}
	vec, err := projectVector(&full, p.engineer.Schema(), fitted.Schema)
	if err != nil {
		return nil, err
	}
	if err := fitted.Schema.Validate(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// projectVector maps a full vector onto the training schema, which may be a
// selected subset of the engineer's columns.
func projectVector(full *features.Vector, from, to *features.Schema) (*features.Vector, error) {
	if from.Equal(to) {
		out := *full
		return &out, nil
	}
	if from.Version != to.Version {
		return nil, fmt.Errorf("schema version mismatch: engineer produces %s, fitted state requires %s",
			from.Version, to.Version)
	}
	values := make([]float64, len(to.Columns))
	for i, col := range to.Columns {
		idx := from.Index(col)
		if idx < 0 {
			return nil, fmt.Errorf("fitted schema column %s is not produced by the feature engineer", col)
		}
		values[i] = full.Values[idx]
	}
	return &features.Vector{EntityID: full.EntityID, Values: values}, nil
}
