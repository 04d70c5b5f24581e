package preprocess

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/gridsense/theftdetect/internal/dataset"
)

// QualityReport carries the structured counts and rates behind a quality score.
type QualityReport struct {
	TotalRecords         int       `json:"total_records"`
	UniqueEntities       int       `json:"unique_entities"`
	MissingCount         int       `json:"missing_count"`
	MissingRate          float64   `json:"missing_rate"`
	NegativeCount        int       `json:"negative_count"`
	NegativeRate         float64   `json:"negative_rate"`
	ZeroCount            int       `json:"zero_count"`
	ExtremeHighCount     int       `json:"extreme_high_count"`
	DuplicateCount       int       `json:"duplicate_count"`
	DuplicateRate        float64   `json:"duplicate_rate"`
	InsufficientEntities int       `json:"insufficient_entities"`
	InsufficientRate     float64   `json:"insufficient_rate"`
	EntitiesWithGaps     int       `json:"entities_with_gaps"`
	TotalGaps            int       `json:"total_gaps"`
	DateStart            time.Time `json:"date_start"`
	DateEnd              time.Time `json:"date_end"`
	Score                float64   `json:"score"`
}

// QualityCheck computes missingness, invalid-value, duplicate and history
// statistics for the table and derives the 0-100 quality score.
func (p *Preprocessor) QualityCheck(t *dataset.Table) *QualityReport {
	r := &QualityReport{TotalRecords: t.Len()}
	if t.Len() == 0 {
		r.Score = 0
		return r
	}

	entityCounts := make(map[string]int)
	for i := range t.Records {
		rec := &t.Records[i]
		entityCounts[rec.EntityID]++
		switch {
		case rec.Missing():
			r.MissingCount++
		case rec.Consumption < 0:
			r.NegativeCount++
		case rec.Consumption == 0:
			r.ZeroCount++
		}
		if i > 0 &&
			rec.EntityID == t.Records[i-1].EntityID &&
			rec.Date.Equal(t.Records[i-1].Date) {
			r.DuplicateCount++
		}
		if r.DateStart.IsZero() || rec.Date.Before(r.DateStart) {
			r.DateStart = rec.Date
		}
		if rec.Date.After(r.DateEnd) {
			r.DateEnd = rec.Date
		}
	}
	r.UniqueEntities = len(entityCounts)

	// Extremely high values relative to three times the 99th percentile.
	values := make([]float64, 0, t.Len())
	for i := range t.Records {
		if !t.Records[i].Missing() {
			values = append(values, t.Records[i].Consumption)
		}
	}
	if len(values) > 0 {
		sort.Float64s(values)
		threshold := stat.Quantile(0.99, stat.Empirical, values, nil) * 3
		for _, v := range values {
			if v > threshold {
				r.ExtremeHighCount++
			}
		}
	}

	for _, n := range entityCounts {
		if n < p.minHistory {
			r.InsufficientEntities++
		}
	}

	r.EntitiesWithGaps, r.TotalGaps = p.dateGaps(t)

	total := float64(r.TotalRecords)
	r.MissingRate = float64(r.MissingCount) / total * 100
	r.NegativeRate = float64(r.NegativeCount) / total * 100
	r.DuplicateRate = float64(r.DuplicateCount) / total * 100
	if r.UniqueEntities > 0 {
		r.InsufficientRate = float64(r.InsufficientEntities) / float64(r.UniqueEntities) * 100
	}
	r.Score = qualityScore(r)
	return r
}

// qualityScore starts at 100 and deducts capped penalties for missingness,
// negative values, duplicates and insufficient history.
func qualityScore(r *QualityReport) float64 {
	score := 100.0
	score -= math.Min(r.MissingRate, 30)
	score -= math.Min(r.NegativeRate*2, 20)
	score -= math.Min(r.DuplicateRate*5, 15)
	score -= math.Min(r.InsufficientRate, 10)
	return math.Max(0, score)
}

// dateGaps counts per-entity day gaps, sampling entities on large populations
// to bound latency. Sampled counts are extrapolated by the inverse sampling
// fraction.
func (p *Preprocessor) dateGaps(t *dataset.Table) (entitiesWithGaps, totalGaps int) {
	spans := t.Spans()
	sampled := spans
	if len(spans) > p.sampleLimit {
		p.logger.Infow("large population, sampling entities for gap analysis",
			"entities", len(spans), "sample", p.sampleLimit)
		idx := p.rng.Perm(len(spans))[:p.sampleLimit]
		sort.Ints(idx)
		sampled = make([]dataset.Span, 0, p.sampleLimit)
		for _, i := range idx {
			sampled = append(sampled, spans[i])
		}
	}

	for _, s := range sampled {
		gaps := 0
		for i := s.Start + 1; i < s.End; i++ {
			d := t.Records[i].Date.Sub(t.Records[i-1].Date).Hours() / 24
			if d > 1 {
				gaps++
			}
		}
		if gaps > 0 {
			entitiesWithGaps++
			totalGaps += gaps
		}
	}

	if len(spans) > p.sampleLimit {
		scale := float64(len(spans)) / float64(len(sampled))
		entitiesWithGaps = int(float64(entitiesWithGaps) * scale)
		totalGaps = int(float64(totalGaps) * scale)
	}
	return entitiesWithGaps, totalGaps
}
