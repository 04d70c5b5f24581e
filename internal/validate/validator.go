package validate

import (
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/gridsense/theftdetect/internal/config"
	"github.com/gridsense/theftdetect/internal/dataset"
	"github.com/gridsense/theftdetect/pkg/logger"
	"github.com/gridsense/theftdetect/pkg/metrics"
)

var validCategories = map[string]bool{
	"residential": true,
	"commercial":  true,
	"industrial":  true,
}

// CheckResult is the outcome of one validation check.
type CheckResult struct {
	Name     string         `json:"name"`
	Valid    bool           `json:"valid"`
	Errors   []string       `json:"errors"`
	Warnings []string       `json:"warnings"`
	Details  map[string]int `json:"details,omitempty"`
}

func (c *CheckResult) addError(format string, args ...interface{}) {
	c.Errors = append(c.Errors, fmt.Sprintf(format, args...))
	c.Valid = false
}

func (c *CheckResult) addWarning(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Report aggregates all checks over one table.
type Report struct {
	TotalRecords    int           `json:"total_records"`
	TotalEntities   int           `json:"total_entities"`
	OverallValidity bool          `json:"overall_validity"`
	Checks          []CheckResult `json:"checks"`
	TotalErrors     int           `json:"total_errors"`
	TotalWarnings   int           `json:"total_warnings"`
	Score           float64       `json:"validation_score"`
}

// ValidationError is returned when a caller requires a valid table and the
// report says otherwise.
type ValidationError struct {
	Report *Report
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dataset failed validation with %d errors, %d warnings (score %.0f)",
		e.Report.TotalErrors, e.Report.TotalWarnings, e.Report.Score)
}

// Validator runs structural and business checks over a reading table.
type Validator struct {
	logger         *zap.SugaredLogger
	entityPattern  *regexp.Regexp
	maxConsumption float64
	minRecords     int
	maxRecords     int
	sampleLimit    int
	workers        int
	rng            *rand.Rand
	now            func() time.Time
}

func NewValidator(zlog *zap.Logger, cfg config.ValidateConfig, seed int64) (*Validator, error) {
	pattern, err := regexp.Compile(cfg.EntityPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid entity pattern %q: %w", cfg.EntityPattern, err)
	}
	workers := cfg.ContinuityWorkers
	if workers < 1 {
		workers = 1
	}
	return &Validator{
		logger:         logger.Stage(zlog, "validate"),
		entityPattern:  pattern,
		maxConsumption: cfg.MaxConsumption,
		minRecords:     cfg.MinRecords,
		maxRecords:     cfg.MaxRecords,
		sampleLimit:    cfg.SampleLimit,
		workers:        workers,
		rng:            rand.New(rand.NewSource(seed)),
		now:            time.Now,
	}, nil
}

// Comprehensive runs all five checks and scores the result.
func (v *Validator) Comprehensive(t *dataset.Table) *Report {
	v.logger.Infow("starting comprehensive validation", "records", t.Len())
	checks := []CheckResult{
		v.CheckTypes(t),
		v.CheckRanges(t),
		v.CheckConsistency(t),
		v.CheckContinuity(t),
		v.CheckBusinessRules(t),
	}
	report := &Report{
		TotalRecords:    t.Len(),
		TotalEntities:   len(t.Spans()),
		OverallValidity: true,
		Checks:          checks,
	}
	for _, c := range checks {
		report.TotalErrors += len(c.Errors)
		report.TotalWarnings += len(c.Warnings)
		if !c.Valid {
			report.OverallValidity = false
		}
	}
	score := 100 - float64(report.TotalErrors)*10 - float64(report.TotalWarnings)*2
	report.Score = math.Min(100, math.Max(0, score))
	metrics.ValidationScore.Set(report.Score)
	v.logger.Infow("comprehensive validation completed",
		"score", report.Score,
		"errors", report.TotalErrors,
		"warnings", report.TotalWarnings,
		"valid", report.OverallValidity)
	return report
}

// CheckTypes verifies structural soundness of every record.
func (v *Validator) CheckTypes(t *dataset.Table) CheckResult {
	res := CheckResult{Name: "data_types", Valid: true, Details: map[string]int{}}
	emptyIDs, badLabels, infValues := 0, 0, 0
	for i := range t.Records {
		r := &t.Records[i]
		if r.EntityID == "" {
			emptyIDs++
		}
		if r.Label != 0 && r.Label != 1 {
			badLabels++
		}
		if math.IsInf(r.Consumption, 0) {
			infValues++
		}
	}
	if emptyIDs > 0 {
		res.addError("%d records have an empty entity id", emptyIDs)
		res.Details["empty_entity_ids"] = emptyIDs
	}
	if badLabels > 0 {
		res.addError("%d records have a label outside {0, 1}", badLabels)
		res.Details["invalid_labels"] = badLabels
	}
	if infValues > 0 {
		res.addError("%d records have non-finite consumption", infValues)
		res.Details["non_finite_consumption"] = infValues
	}
	return res
}

// CheckRanges validates value bounds, the entity id pattern and category
// values. Bound violations warn, pattern and category violations are hard
// errors.
func (v *Validator) CheckRanges(t *dataset.Table) CheckResult {
	res := CheckResult{Name: "value_ranges", Valid: true, Details: map[string]int{}}
	belowMin, aboveMax, badPattern, badCategory := 0, 0, 0, 0
	for i := range t.Records {
		r := &t.Records[i]
		if !r.Missing() {
			if r.Consumption < 0 {
				belowMin++
			}
			if r.Consumption > v.maxConsumption {
				aboveMax++
			}
		}
		if r.EntityID != "" && !v.entityPattern.MatchString(r.EntityID) {
			badPattern++
		}
		if r.Category != "" && !validCategories[r.Category] {
			badCategory++
		}
	}
	if belowMin > 0 {
		res.addWarning("consumption: %d values below minimum (0)", belowMin)
		res.Details["below_minimum"] = belowMin
	}
	if aboveMax > 0 {
		res.addWarning("consumption: %d values above maximum (%g)", aboveMax, v.maxConsumption)
		res.Details["above_maximum"] = aboveMax
	}
	if badPattern > 0 {
		res.addError("entity_id: %d values don't match pattern %s", badPattern, v.entityPattern.String())
		res.Details["pattern_violations"] = badPattern
	}
	if badCategory > 0 {
		res.addError("customer_category: %d invalid values", badCategory)
		res.Details["invalid_categories"] = badCategory
	}
	return res
}

// CheckConsistency validates integrity: duplicates and nulls are hard errors,
// per-entity record volume out of bounds warns.
func (v *Validator) CheckConsistency(t *dataset.Table) CheckResult {
	res := CheckResult{Name: "data_consistency", Valid: true, Details: map[string]int{}}
	duplicates, nulls := 0, 0
	for i := range t.Records {
		if t.Records[i].Missing() {
			nulls++
		}
		if i > 0 && t.Records[i].EntityID == t.Records[i-1].EntityID &&
			t.Records[i].Date.Equal(t.Records[i-1].Date) {
			duplicates++
		}
	}
	if duplicates > 0 {
		res.addError("found %d duplicate entity/date combinations", duplicates)
		res.Details["duplicates"] = duplicates
	}
	if nulls > 0 {
		res.addError("required column consumption has %d null values", nulls)
		res.Details["null_values"] = nulls
	}

	insufficient, excessive := 0, 0
	for _, sp := range t.Spans() {
		n := sp.End - sp.Start
		if n < v.minRecords {
			insufficient++
		}
		if n > v.maxRecords {
			excessive++
		}
	}
	if insufficient > 0 {
		res.addWarning("%d entities have less than %d days of data", insufficient, v.minRecords)
		res.Details["insufficient_data_entities"] = insufficient
	}
	if excessive > 0 {
		res.addWarning("%d entities have more than %d records", excessive, v.maxRecords)
		res.Details["excessive_data_entities"] = excessive
	}
	return res
}

type continuityCounts struct {
	entitiesWithGaps int
	totalGaps        int
	largeGaps        int
}

// CheckContinuity validates date sequences per entity. Above the sample
// limit a random subset of entities is checked and the counts are scaled
// back up. The sampled spans are fanned out to read-only workers, each
// writing its own result slot.
func (v *Validator) CheckContinuity(t *dataset.Table) CheckResult {
	res := CheckResult{Name: "time_series_continuity", Valid: true, Details: map[string]int{}}
	spans := t.Spans()

	sampled := spans
	scale := 1.0
	if len(spans) > v.sampleLimit {
		v.logger.Infow("large dataset, sampling entities for continuity check",
			"entities", len(spans), "sample", v.sampleLimit)
		perm := v.rng.Perm(len(spans))
		sampled = make([]dataset.Span, v.sampleLimit)
		for i := 0; i < v.sampleLimit; i++ {
			sampled[i] = spans[perm[i]]
		}
		scale = float64(len(spans)) / float64(v.sampleLimit)
	}

	workers := v.workers
	if workers > len(sampled) {
		workers = len(sampled)
	}
	if workers == 0 {
		return res
	}
	slots := make([]continuityCounts, workers)
	var wg sync.WaitGroup
	chunk := (len(sampled) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(sampled) {
			hi = len(sampled)
		}
		wg.Add(1)
		go func(slot int, spans []dataset.Span) {
			defer wg.Done()
			for _, sp := range spans {
				gaps, large := spanGaps(t.Records[sp.Start:sp.End])
				if gaps > 0 {
					slots[slot].entitiesWithGaps++
					slots[slot].totalGaps += gaps
					slots[slot].largeGaps += large
				}
			}
		}(w, sampled[lo:hi])
	}
	wg.Wait()

	var total continuityCounts
	for _, s := range slots {
		total.entitiesWithGaps += s.entitiesWithGaps
		total.totalGaps += s.totalGaps
		total.largeGaps += s.largeGaps
	}
	total.entitiesWithGaps = int(float64(total.entitiesWithGaps) * scale)
	total.totalGaps = int(float64(total.totalGaps) * scale)
	total.largeGaps = int(float64(total.largeGaps) * scale)

	if total.entitiesWithGaps > 0 {
		res.addWarning("%d entities have date gaps", total.entitiesWithGaps)
		res.Details["entities_with_gaps"] = total.entitiesWithGaps
		res.Details["total_gaps"] = total.totalGaps
		if total.largeGaps > 0 {
			res.addWarning("%d large gaps (>7 days) found", total.largeGaps)
			res.Details["large_gaps"] = total.largeGaps
		}
	}

	today := v.now()
	futureDates := 0
	for i := range t.Records {
		if t.Records[i].Date.After(today) {
			futureDates++
		}
	}
	if futureDates > 0 {
		res.addWarning("%d records have future dates", futureDates)
		res.Details["future_dates"] = futureDates
	}
	return res
}

func spanGaps(recs []dataset.Record) (gaps, large int) {
	for i := 1; i < len(recs); i++ {
		days := int(recs[i].Date.Sub(recs[i-1].Date).Hours() / 24)
		if days > 1 {
			gaps++
			if days > 7 {
				large++
			}
		}
	}
	return gaps, large
}

// CheckBusinessRules validates domain rules: negative consumption and bad
// categories are hard errors, the rest are warnings.
func (v *Validator) CheckBusinessRules(t *dataset.Table) CheckResult {
	res := CheckResult{Name: "business_rules", Valid: true, Details: map[string]int{}}

	values := make([]float64, 0, t.Len())
	negative, badCategory := 0, 0
	for i := range t.Records {
		r := &t.Records[i]
		if !r.Missing() {
			values = append(values, r.Consumption)
			if r.Consumption < 0 {
				negative++
			}
		}
		if r.Category != "" && !validCategories[r.Category] {
			badCategory++
		}
	}
	if negative > 0 {
		res.addError("found %d records with negative consumption", negative)
		res.Details["negative_consumption"] = negative
	}

	if len(values) > 0 {
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		threshold := stat.Quantile(0.999, stat.Empirical, sorted, nil) * 3
		extremeHigh := 0
		for _, x := range values {
			if x > threshold {
				extremeHigh++
			}
		}
		if extremeHigh > 0 {
			res.addWarning("%d records with extremely high consumption (>%.2f)", extremeHigh, threshold)
			res.Details["extreme_high_consumption"] = extremeHigh
		}
	}

	zeroHeavy, constant := 0, 0
	for _, sp := range t.Spans() {
		recs := t.Records[sp.Start:sp.End]
		zeroDays := 0
		obs := make([]float64, 0, len(recs))
		for i := range recs {
			if recs[i].Missing() {
				continue
			}
			if recs[i].Consumption == 0 {
				zeroDays++
			}
			obs = append(obs, recs[i].Consumption)
		}
		if zeroDays > 100 {
			zeroHeavy++
		}
		if len(obs) > 10 && stat.Variance(obs, nil) == 0 && obs[0] > 0 {
			constant++
		}
	}
	if zeroHeavy > 0 {
		res.addWarning("%d entities have >100 zero consumption days", zeroHeavy)
		res.Details["zero_heavy_entities"] = zeroHeavy
	}
	if constant > 0 {
		res.addWarning("%d entities have constant non-zero consumption", constant)
		res.Details["constant_consumption_entities"] = constant
	}

	if badCategory > 0 {
		res.addError("%d records have invalid customer categories", badCategory)
		res.Details["invalid_categories"] = badCategory
	}
	return res
}
