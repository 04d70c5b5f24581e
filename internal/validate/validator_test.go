package validate

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gridsense/theftdetect/internal/config"
	"github.com/gridsense/theftdetect/internal/dataset"
)

func testConfig() config.ValidateConfig {
	return config.ValidateConfig{
		EntityPattern:     `^METER_\d{6}$`,
		MaxConsumption:    1000,
		MinRecords:        30,
		MaxRecords:        2000,
		SampleLimit:       1000,
		ContinuityWorkers: 4,
	}
}

func testValidator(t *testing.T) *Validator {
	v, err := NewValidator(zaptest.NewLogger(t), testConfig(), 42)
	require.NoError(t, err)
	return v
}

func entityRecords(entityID string, start time.Time, values ...float64) []dataset.Record {
	recs := make([]dataset.Record, len(values))
	for i, val := range values {
		recs[i] = dataset.Record{
			EntityID:    entityID,
			Date:        start.AddDate(0, 0, i),
			Consumption: val,
			Category:    "residential",
		}
	}
	return recs
}

func cleanTable(entities, days int) *dataset.Table {
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	t := &dataset.Table{}
	for e := 0; e < entities; e++ {
		values := make([]float64, days)
		for i := range values {
			values[i] = 10 + float64((e+i)%7)
		}
		id := fmt.Sprintf("METER_%06d", e+1)
		t.Records = append(t.Records, entityRecords(id, start, values...)...)
	}
	return t
}

func TestComprehensiveCleanTableScoresFull(t *testing.T) {
	report := testValidator(t).Comprehensive(cleanTable(3, 40))
	assert.True(t, report.OverallValidity)
	assert.Zero(t, report.TotalErrors)
	assert.Zero(t, report.TotalWarnings)
	assert.Equal(t, 100.0, report.Score)
	assert.Equal(t, 3, report.TotalEntities)
}

func TestDuplicateRecordsAreHardErrors(t *testing.T) {
	table := cleanTable(1, 40)
	table.Records = append(table.Records, table.Records[0])
	table.Sort()

	v := testValidator(t)
	res := v.CheckConsistency(table)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Details["duplicates"])

	report := v.Comprehensive(table)
	assert.False(t, report.OverallValidity)
	assert.Less(t, report.Score, 100.0)
}

func TestNullConsumptionIsHardError(t *testing.T) {
	table := cleanTable(1, 40)
	table.Records[5].Consumption = math.NaN()
	res := testValidator(t).CheckConsistency(table)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Details["null_values"])
}

func TestRangeCheckSeverities(t *testing.T) {
	table := cleanTable(1, 40)
	table.Records[0].Consumption = 5000 // above max: warning
	table.Records[1].Consumption = -2   // below min: warning
	table.Records[2].EntityID = "BAD_ID"
	table.Records[3].Category = "agricultural"
	table.Sort()

	res := testValidator(t).CheckRanges(table)
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 2)
	assert.Len(t, res.Warnings, 2)
	assert.Equal(t, 1, res.Details["above_maximum"])
	assert.Equal(t, 1, res.Details["below_minimum"])
	assert.Equal(t, 1, res.Details["pattern_violations"])
	assert.Equal(t, 1, res.Details["invalid_categories"])
}

func TestContinuityDetectsGapsAndFutureDates(t *testing.T) {
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	table := &dataset.Table{}
	// 10 days, then a 12-day hole, then 10 more days
	for i := 0; i < 10; i++ {
		table.Records = append(table.Records, dataset.Record{
			EntityID: "METER_000001", Date: start.AddDate(0, 0, i), Consumption: 5,
		})
	}
	for i := 22; i < 32; i++ {
		table.Records = append(table.Records, dataset.Record{
			EntityID: "METER_000001", Date: start.AddDate(0, 0, i), Consumption: 5,
		})
	}
	table.Records = append(table.Records, dataset.Record{
		EntityID: "METER_000002", Date: time.Now().AddDate(1, 0, 0), Consumption: 5,
	})
	table.Sort()

	res := testValidator(t).CheckContinuity(table)
	assert.True(t, res.Valid) // continuity issues warn, they never invalidate
	assert.Equal(t, 1, res.Details["entities_with_gaps"])
	assert.Equal(t, 1, res.Details["large_gaps"])
	assert.Equal(t, 1, res.Details["future_dates"])
}

func TestContinuitySamplingExtrapolates(t *testing.T) {
	cfg := testConfig()
	cfg.SampleLimit = 10
	v, err := NewValidator(zaptest.NewLogger(t), cfg, 42)
	require.NoError(t, err)

	// 50 entities, every one with the same single gap
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	table := &dataset.Table{}
	for e := 0; e < 50; e++ {
		id := fmt.Sprintf("METER_%06d", e+1)
		for i := 0; i < 5; i++ {
			table.Records = append(table.Records, dataset.Record{
				EntityID: id, Date: start.AddDate(0, 0, i), Consumption: 5,
			})
		}
		table.Records = append(table.Records, dataset.Record{
			EntityID: id, Date: start.AddDate(0, 0, 8), Consumption: 5,
		})
	}
	table.Sort()

	res := v.CheckContinuity(table)
	// 10 sampled entities all have one gap; scaled back up by 5x
	assert.Equal(t, 50, res.Details["entities_with_gaps"])
	assert.Equal(t, 50, res.Details["total_gaps"])
}

func TestBusinessRulesNegativeIsError(t *testing.T) {
	table := cleanTable(1, 40)
	table.Records[0].Consumption = -5
	res := testValidator(t).CheckBusinessRules(table)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Details["negative_consumption"])
}

func TestBusinessRulesConstantConsumptionWarns(t *testing.T) {
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	table := &dataset.Table{}
	constant := make([]float64, 40)
	for i := range constant {
		constant[i] = 7.5
	}
	table.Records = append(table.Records, entityRecords("METER_000001", start, constant...)...)

	res := testValidator(t).CheckBusinessRules(table)
	assert.True(t, res.Valid)
	assert.Equal(t, 1, res.Details["constant_consumption_entities"])
}

func TestBusinessRulesZeroHeavyEntityWarns(t *testing.T) {
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	table := &dataset.Table{}
	values := make([]float64, 150)
	for i := 110; i < 150; i++ {
		values[i] = 3
	}
	table.Records = append(table.Records, entityRecords("METER_000001", start, values...)...)

	res := testValidator(t).CheckBusinessRules(table)
	assert.Equal(t, 1, res.Details["zero_heavy_entities"])
}

func TestScoreFloorsAtZero(t *testing.T) {
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	table := &dataset.Table{}
	// short, negative, bad-pattern, bad-category records pile up errors
	for e := 0; e < 3; e++ {
		table.Records = append(table.Records, dataset.Record{
			EntityID: fmt.Sprintf("bad-%d", e), Date: start.AddDate(0, 0, e),
			Consumption: -1, Label: 7, Category: "unknown",
		})
	}
	table.Sort()

	report := testValidator(t).Comprehensive(table)
	assert.False(t, report.OverallValidity)
	assert.GreaterOrEqual(t, report.Score, 0.0)
	assert.LessOrEqual(t, report.Score, 100.0)
}

func TestInvalidEntityPattern(t *testing.T) {
	cfg := testConfig()
	cfg.EntityPattern = "["
	_, err := NewValidator(zaptest.NewLogger(t), cfg, 42)
	require.Error(t, err)
}
