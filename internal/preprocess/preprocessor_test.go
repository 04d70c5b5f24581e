package preprocess

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gridsense/theftdetect/internal/dataset"
)

func testPreprocessor(t *testing.T) *Preprocessor {
	return NewPreprocessor(zaptest.NewLogger(t), 30, 1000, 42)
}

func seriesTable(entityID string, values ...float64) *dataset.Table {
	table := &dataset.Table{Records: make([]dataset.Record, len(values))}
	for i, v := range values {
		table.Records[i] = dataset.Record{
			EntityID:    entityID,
			Date:        time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Consumption: v,
		}
	}
	return table
}

func countMissing(t *dataset.Table) int {
	n := 0
	for i := range t.Records {
		if t.Records[i].Missing() {
			n++
		}
	}
	return n
}

func TestHandleMissingLinearInterpolation(t *testing.T) {
	nan := math.NaN()
	table := seriesTable("METER_000001", 1, nan, 3, nan, nan, 6)
	filled, err := testPreprocessor(t).HandleMissing(table, StrategyLinear)
	require.NoError(t, err)
	assert.Equal(t, 3, filled)
	assert.InDelta(t, 2.0, table.Records[1].Consumption, 1e-9)
	assert.InDelta(t, 4.0, table.Records[3].Consumption, 1e-9)
	assert.InDelta(t, 5.0, table.Records[4].Consumption, 1e-9)
}

func TestHandleMissingLeadingAndTrailing(t *testing.T) {
	nan := math.NaN()
	table := seriesTable("METER_000001", nan, 2, 3, nan)
	_, err := testPreprocessor(t).HandleMissing(table, StrategyLinear)
	require.NoError(t, err)
	assert.Equal(t, 2.0, table.Records[0].Consumption)
	assert.Equal(t, 3.0, table.Records[3].Consumption)
}

func TestHandleMissingNoNullsPostcondition(t *testing.T) {
	nan := math.NaN()
	for _, strategy := range []string{StrategyLinear, StrategyForwardFill, StrategyMean, StrategyMedian} {
		table := seriesTable("METER_000001", 1, nan, 3, nan, 5)
		// second entity with no observations at all
		other := seriesTable("METER_000002", nan, nan, nan)
		table.Records = append(table.Records, other.Records...)

		_, err := testPreprocessor(t).HandleMissing(table, strategy)
		require.NoError(t, err, strategy)
		assert.Zero(t, countMissing(table), "strategy %s left missing values", strategy)
	}
}

func TestHandleMissingUnknownStrategy(t *testing.T) {
	table := seriesTable("METER_000001", 1, math.NaN())
	_, err := testPreprocessor(t).HandleMissing(table, "bogus")
	require.Error(t, err)
}

func TestCapOutliersZScore(t *testing.T) {
	// ten quiet days then a spike
	table := seriesTable("METER_000001", 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 1000)
	capped, err := testPreprocessor(t).CapOutliers(table, OutlierZScore, 3.0, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, capped)
	spike := table.Records[10].Consumption
	assert.Less(t, spike, 1000.0)
	assert.Greater(t, spike, 10.0)
}

func TestCapOutliersSkipsShortSeries(t *testing.T) {
	table := seriesTable("METER_000001", 1, 2, 1000)
	capped, err := testPreprocessor(t).CapOutliers(table, OutlierZScore, 3.0, 0.1)
	require.NoError(t, err)
	assert.Zero(t, capped)
	assert.Equal(t, 1000.0, table.Records[2].Consumption)
}

func TestCapOutliersIQRFloorsAtZero(t *testing.T) {
	table := seriesTable("METER_000001", 100, 101, 99, 100, 102, 98, 100, 101, 99, 100, 0.5)
	capped, err := testPreprocessor(t).CapOutliers(table, OutlierIQR, 3.0, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, capped)
	assert.GreaterOrEqual(t, table.Records[10].Consumption, 0.0)
}

func TestCapOutliersIsolationReplacesWithMedian(t *testing.T) {
	values := make([]float64, 0, 21)
	for i := 0; i < 20; i++ {
		values = append(values, 10+float64(i%3))
	}
	values = append(values, 500)
	table := seriesTable("METER_000001", values...)
	capped, err := testPreprocessor(t).CapOutliers(table, OutlierIsolation, 3.0, 0.05)
	require.NoError(t, err)
	require.Equal(t, 1, capped)
	assert.InDelta(t, 11.0, table.Records[20].Consumption, 1.0)
}

func TestQualityScoreDeductions(t *testing.T) {
	p := testPreprocessor(t)

	clean := seriesTable("METER_000001", makeConstant(40, 5.0)...)
	report := p.QualityCheck(clean)
	// insufficient-history and gap deductions do not apply to a 40-day entity
	assert.InDelta(t, 100.0, report.Score, 1e-9)

	nan := math.NaN()
	dirty := seriesTable("METER_000002", nan, nan, -1, 1, 1)
	report = p.QualityCheck(dirty)
	assert.Less(t, report.Score, 100.0)
	assert.GreaterOrEqual(t, report.Score, 0.0)
	assert.Equal(t, 2, report.MissingCount)
	assert.Equal(t, 1, report.NegativeCount)
}

func TestPipelineEndToEnd(t *testing.T) {
	nan := math.NaN()
	values := makeConstant(35, 20.0)
	values[5] = nan
	values[20] = 10000
	table := seriesTable("METER_000001", values...)

	report, err := testPreprocessor(t).Pipeline(table, Options{
		MissingStrategy: StrategyLinear,
		OutlierMethod:   OutlierZScore,
		Threshold:       3.0,
		Contamination:   0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.MissingFilled)
	assert.Equal(t, 1, report.OutliersCapped)
	assert.Zero(t, countMissing(table))
	assert.GreaterOrEqual(t, report.ScoreDelta, 0.0)
}

func TestNormalizeMinMax(t *testing.T) {
	table := seriesTable("METER_000001", 0, 5, 10)
	scaler, err := testPreprocessor(t).Normalize(table, ScaleMinMax)
	require.NoError(t, err)
	require.NotNil(t, scaler)
	assert.Equal(t, 0.0, table.Records[0].Consumption)
	assert.Equal(t, 0.5, table.Records[1].Consumption)
	assert.Equal(t, 1.0, table.Records[2].Consumption)

	// fitted scaler replays the same transform on new values
	assert.InDelta(t, 0.25, scaler.Transform(2.5), 1e-9)
}

func makeConstant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
