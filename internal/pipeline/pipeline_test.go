package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gridsense/theftdetect/internal/balance"
	"github.com/gridsense/theftdetect/internal/config"
	"github.com/gridsense/theftdetect/internal/dataset"
	"github.com/gridsense/theftdetect/internal/features"
)

func testPipelineConfig() *config.Config {
	return &config.Config{
		LogLevel: "info",
		Data: config.DataConfig{
			IDColumn:       "CONS_NO",
			LabelColumn:    "FLAG",
			DateFormat:     "1/2/2006",
			MinHistoryDays: 30,
		},
		Preprocess: config.PreprocessConfig{
			MissingStrategy: "linear",
			OutlierMethod:   "zscore",
			Threshold:       3.0,
			Contamination:   0.1,
		},
		Features: config.FeaturesConfig{SelectionK: 20},
		Balance: config.BalanceConfig{
			Method:      "random_over",
			TargetRatio: 0.4,
			KNeighbors:  3,
			Seed:        42,
		},
		Validate: config.ValidateConfig{
			EntityPattern:     `^METER_\d{6}$`,
			MaxConsumption:    1000,
			MinRecords:        30,
			MaxRecords:        2000,
			SampleLimit:       1000,
			ContinuityWorkers: 2,
		},
	}
}

// syntheticWide builds a wide matrix with the given entity count over 60
// days. Every fifth entity is labeled theft; a few cells are left empty.
func syntheticWide(entities int) *dataset.WideMatrix {
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	headers := []string{"CONS_NO", "FLAG"}
	for d := 0; d < 60; d++ {
		headers = append(headers, start.AddDate(0, 0, d).Format("1/2/2006"))
	}
	w := &dataset.WideMatrix{Headers: headers}
	for e := 0; e < entities; e++ {
		label := "0"
		if e%5 == 0 {
			label = "1"
		}
		row := []string{fmt.Sprintf("METER_%06d", e+1), label}
		for d := 0; d < 60; d++ {
			if d == 13 && e%3 == 0 {
				row = append(row, "")
				continue
			}
			row = append(row, fmt.Sprintf("%.1f", 10+float64((e*7+d)%9)))
		}
		w.Rows = append(w.Rows, row)
	}
	return w
}

func newTestPipeline(t *testing.T, cfg *config.Config) *Pipeline {
	p, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	return p
}

func TestRunProducesCompleteArtifacts(t *testing.T) {
	cfg := testPipelineConfig()
	p := newTestPipeline(t, cfg)

	art, err := p.Run(context.Background(), syntheticWide(25))
	require.NoError(t, err)

	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", art.RunID.String())
	assert.Equal(t, 25, art.Metadata.EntityCount)
	assert.Equal(t, 60, art.Metadata.DayCount)
	require.NotNil(t, art.Validation)
	require.NotNil(t, art.Quality)
	require.NotNil(t, art.Balancing)
	require.NotNil(t, art.Importance)
	require.NotNil(t, art.Fitted)

	// every entity produced a vector, shaped by the selected schema
	assert.Equal(t, 25, art.Features.Len())
	assert.Len(t, art.Features.Schema.Columns, cfg.Features.SelectionK)
	assert.Len(t, art.Labels, 25)
	assert.Empty(t, art.EntityErrors)

	// imputation must leave no missing values behind
	for i := range art.Table.Records {
		assert.False(t, art.Table.Records[i].Missing())
	}

	// balancing increased the minority share
	assert.Equal(t, balance.MethodRandomOver, art.Balancing.UsedMethod)
	assert.Greater(t, len(art.BalancedX), art.Features.Len())
	assert.Len(t, art.BalancedX, len(art.BalancedY))
}

func TestRunRespectsContextCancellation(t *testing.T) {
	p := newTestPipeline(t, testPipelineConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx, syntheticWide(10))
	require.ErrorIs(t, err, context.Canceled)
}

func TestServeVectorMatchesTrainingSchema(t *testing.T) {
	cfg := testPipelineConfig()
	p := newTestPipeline(t, cfg)
	art, err := p.Run(context.Background(), syntheticWide(25))
	require.NoError(t, err)

	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := make([]dataset.Observation, 45)
	for i := range obs {
		obs[i] = dataset.Observation{Date: start.AddDate(0, 0, i), Consumption: 12 + float64(i%5)}
	}
	vec, err := p.ServeVector(context.Background(), "METER_000099", obs, art.Fitted)
	require.NoError(t, err)
	assert.Equal(t, "METER_000099", vec.EntityID)
	assert.Len(t, vec.Values, len(art.Fitted.Schema.Columns))
}

func TestServeVectorInsufficientHistory(t *testing.T) {
	cfg := testPipelineConfig()
	p := newTestPipeline(t, cfg)
	art, err := p.Run(context.Background(), syntheticWide(25))
	require.NoError(t, err)

	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := make([]dataset.Observation, 10)
	for i := range obs {
		obs[i] = dataset.Observation{Date: start.AddDate(0, 0, i), Consumption: 12}
	}
	_, err = p.ServeVector(context.Background(), "METER_000099", obs, art.Fitted)
	require.Error(t, err)
	var insufficient *features.InsufficientHistoryError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 10, insufficient.Have)
	assert.Equal(t, 30, insufficient.Need)
}

func TestServeVectorRequiresFittedState(t *testing.T) {
	p := newTestPipeline(t, testPipelineConfig())
	obs := make([]dataset.Observation, 45)
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range obs {
		obs[i] = dataset.Observation{Date: start.AddDate(0, 0, i), Consumption: 12}
	}
	_, err := p.ServeVector(context.Background(), "METER_000099", obs, nil)
	require.Error(t, err)
}
