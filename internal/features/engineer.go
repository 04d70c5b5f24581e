package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/gridsense/theftdetect/internal/dataset"
	"github.com/gridsense/theftdetect/pkg/logger"
)

// minPatternPoints is the history length below which the pattern block is
// emitted as zeros rather than computed.
const minPatternPoints = 30

// Engineer derives the per-entity feature table from preprocessed readings.
// The same code path serves both batch training and single-entity serving so
// the two can never drift apart.
type Engineer struct {
	logger   *zap.SugaredLogger
	advanced AdvancedExtractor
	schema   *Schema
}

// NewEngineer builds an engineer. The advanced extractor capability is
// resolved once here; a nil extractor degrades to the deterministic blocks
// only.
func NewEngineer(zlog *zap.Logger, advanced AdvancedExtractor) *Engineer {
	if advanced == nil {
		advanced = noopExtractor{}
	}
	e := &Engineer{
		logger:   logger.Stage(zlog, "features"),
		advanced: advanced,
		schema:   NewSchema(advanced.Columns()),
	}
	if len(advanced.Columns()) == 0 {
		e.logger.Infow("advanced extractor unavailable, using deterministic feature blocks only")
	} else {
		e.logger.Infow("advanced extractor enabled",
			"extractor", advanced.Name(), "columns", len(advanced.Columns()))
	}
	return e
}

// Schema returns the ordered feature contract this engineer produces.
func (e *Engineer) Schema() *Schema { return e.schema }

// EntityFault records one entity skipped during batch feature extraction.
type EntityFault struct {
	EntityID string
	Err      error
}

// Features computes one vector per entity from a sorted reading table,
// with the entity's label alongside each vector. An entity that fails
// extraction is skipped and reported as a fault; the batch continues.
// Identical input produces an identical table, including row order.
func (e *Engineer) Features(t *dataset.Table) (*Table, []int, []EntityFault, error) {
	if t.Len() == 0 {
		return nil, nil, nil, fmt.Errorf("feature engineering requires a non-empty table")
	}
	start := time.Now()
	spans := t.Spans()
	out := &Table{Schema: e.schema, Vectors: make([]Vector, 0, len(spans))}
	labels := make([]int, 0, len(spans))
	var faults []EntityFault
	for _, sp := range spans {
		recs := t.Records[sp.Start:sp.End]
		vec, err := e.EntityVector(sp.EntityID, recs)
		if err != nil {
			e.logger.Warnw("entity failed feature extraction, skipping",
				"entity_id", sp.EntityID, "error", err)
			faults = append(faults, EntityFault{EntityID: sp.EntityID, Err: err})
			continue
		}
		out.Vectors = append(out.Vectors, vec)
		labels = append(labels, recs[0].Label)
	}
	e.logger.Infow("feature engineering completed",
		"entities", len(out.Vectors),
		"skipped", len(faults),
		"features", len(e.schema.Columns),
		"duration", time.Since(start))
	return out, labels, faults, nil
}

// EntityVector computes the full ordered feature vector for a single entity's
// date-sorted records.
func (e *Engineer) EntityVector(entityID string, recs []dataset.Record) (Vector, error) {
	if len(recs) == 0 {
		return Vector{}, fmt.Errorf("no records for entity %s", entityID)
	}
	values := make([]float64, len(recs))
	for i, r := range recs {
		values[i] = r.Consumption
	}

	byName := make(map[string]float64, len(e.schema.Columns))
	statBlock(values, byName)
	temporalBlock(recs, byName)
	patternBlock(values, byName)
	for name, v := range e.advanced.Extract(values) {
		byName[name] = v
	}

	vec := Vector{EntityID: entityID, Values: make([]float64, len(e.schema.Columns))}
	for i, col := range e.schema.Columns {
		v := byName[col]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		vec.Values[i] = v
	}
	if err := e.schema.Validate(&vec); err != nil {
		return Vector{}, err
	}
	return vec, nil
}

func statBlock(values []float64, out map[string]float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mean := stat.Mean(values, nil)
	std := stat.StdDev(values, nil)
	q25 := percentile(sorted, 0.25)
	q75 := percentile(sorted, 0.75)

	out["stat_mean"] = mean
	out["stat_median"] = percentile(sorted, 0.5)
	out["stat_std"] = std
	out["stat_var"] = stat.Variance(values, nil)
	out["stat_min"] = sorted[0]
	out["stat_max"] = sorted[len(sorted)-1]
	out["stat_count"] = float64(len(values))
	out["stat_q25"] = q25
	out["stat_q75"] = q75
	out["stat_q90"] = percentile(sorted, 0.90)
	out["stat_q95"] = percentile(sorted, 0.95)
	out["stat_skew"] = stat.Skew(values, nil)
	out["stat_kurtosis"] = stat.ExKurtosis(values, nil)
	out["stat_range"] = sorted[len(sorted)-1] - sorted[0]
	out["stat_cv"] = std / mean
	out["stat_iqr"] = q75 - q25
}

func temporalBlock(recs []dataset.Record, out map[string]float64) {
	var weekdaySum, weekdayCount [7]float64
	var monthSum, monthCount [12]float64
	var weekday, weekend []float64
	for _, r := range recs {
		// Monday=0 .. Sunday=6
		dow := (int(r.Date.Weekday()) + 6) % 7
		weekdaySum[dow] += r.Consumption
		weekdayCount[dow]++
		m := int(r.Date.Month()) - 1
		monthSum[m] += r.Consumption
		monthCount[m]++
		if dow >= 5 {
			weekend = append(weekend, r.Consumption)
		} else {
			weekday = append(weekday, r.Consumption)
		}
	}
	for i := 0; i < 7; i++ {
		avg := 0.0
		if weekdayCount[i] > 0 {
			avg = weekdaySum[i] / weekdayCount[i]
		}
		out[fmt.Sprintf("temporal_weekday_%d_avg", i)] = avg
	}
	for m := 0; m < 12; m++ {
		avg := 0.0
		if monthCount[m] > 0 {
			avg = monthSum[m] / monthCount[m]
		}
		out[fmt.Sprintf("temporal_month_%d_avg", m+1)] = avg
	}
	wdMean, wdStd := meanStd(weekday)
	weMean, weStd := meanStd(weekend)
	out["temporal_weekday_mean"] = wdMean
	out["temporal_weekday_std"] = wdStd
	out["temporal_weekend_mean"] = weMean
	out["temporal_weekend_std"] = weStd
	out["temporal_weekend_weekday_ratio"] = weMean / (wdMean + 1e-6)
}

func patternBlock(values []float64, out map[string]float64) {
	for _, col := range patternColumns {
		out[col] = 0
	}
	if len(values) < minPatternPoints {
		return
	}

	n := float64(len(values))
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	lowThreshold := percentile(sorted, 0.10)

	var zeroDays, lowDays float64
	for _, v := range values {
		if v == 0 {
			zeroDays++
		}
		if v < lowThreshold {
			lowDays++
		}
	}
	out["pattern_zero_days"] = zeroDays
	out["pattern_zero_ratio"] = zeroDays / n
	out["pattern_low_consumption_days"] = lowDays
	out["pattern_low_consumption_ratio"] = lowDays / n
	out["pattern_stability"] = popStd(values) / (stat.Mean(values, nil) + 1e-6)

	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, values, nil, false)
	out["pattern_trend_slope"] = slope

	diffs := make([]float64, len(values)-1)
	var diffSum float64
	minDiff, maxDiff := math.Inf(1), math.Inf(-1)
	for i := 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		diffs[i-1] = d
		diffSum += d
		minDiff = math.Min(minDiff, d)
		maxDiff = math.Max(maxDiff, d)
	}
	out["pattern_avg_daily_change"] = diffSum / float64(len(diffs))
	out["pattern_max_daily_drop"] = minDiff
	out["pattern_max_daily_increase"] = maxDiff
	volatility := popStd(diffs)
	out["pattern_change_volatility"] = volatility

	threshold := volatility * 2
	var drops, increases float64
	for _, d := range diffs {
		if d < -threshold {
			drops++
		}
		if d > threshold {
			increases++
		}
	}
	out["pattern_significant_drops"] = drops
	out["pattern_significant_increases"] = increases

	out["pattern_autocorr_1day"] = autocorr(values, 1)
	if len(values) > 14 {
		out["pattern_autocorr_7day"] = autocorr(values, 7)
	}
}

// percentile returns the linearly interpolated p-quantile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	if len(values) == 1 {
		return values[0], 0
	}
	return stat.Mean(values, nil), stat.StdDev(values, nil)
}

// popStd is the population standard deviation.
func popStd(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := stat.Mean(values, nil)
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// autocorr is the Pearson correlation between the series and itself shifted
// by lag days.
func autocorr(values []float64, lag int) float64 {
	if len(values) <= lag+1 {
		return 0
	}
	return stat.Correlation(values[:len(values)-lag], values[lag:], nil)
}
