package store

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gridsense/theftdetect/internal/balance"
	"github.com/gridsense/theftdetect/internal/config"
	"github.com/gridsense/theftdetect/internal/dataset"
	"github.com/gridsense/theftdetect/internal/preprocess"
	"github.com/gridsense/theftdetect/internal/validate"
)

func testStore(t *testing.T) *Store {
	dsn := filepath.Join(t.TempDir(), "theftdetect_test.db")
	st, err := NewStore(zaptest.NewLogger(t), config.StoreConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	return st
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := NewStore(zaptest.NewLogger(t), config.StoreConfig{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
}

func TestRunLifecycle(t *testing.T) {
	st := testStore(t)
	runID := uuid.New()
	require.NoError(t, st.BeginRun(runID))

	run, err := st.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, "running", run.Status)
	assert.Nil(t, run.FinishedAt)

	require.NoError(t, st.FinishRun(runID, &PipelineRun{
		Status:          "completed",
		EntityCount:     100,
		RecordCount:     3500,
		FeatureCount:    50,
		BalancingMethod: "smote",
		ValidationScore: 96,
	}))

	run, err = st.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, 100, run.EntityCount)
	assert.Equal(t, "smote", run.BalancingMethod)
	assert.Equal(t, 96.0, run.ValidationScore)
}

func TestReadingsRoundTrip(t *testing.T) {
	st := testStore(t)
	day := func(d int) time.Time { return time.Date(2015, 1, d, 0, 0, 0, 0, time.UTC) }
	table := &dataset.Table{Records: []dataset.Record{
		{EntityID: "METER_000001", Date: day(1), Consumption: 1.5, Label: 0, Category: "residential"},
		{EntityID: "METER_000001", Date: day(2), Consumption: math.NaN(), Label: 0, Category: "residential"},
		{EntityID: "METER_000002", Date: day(1), Consumption: 3.0, Label: 1, Category: "commercial"},
	}}
	require.NoError(t, st.SaveReadings(table))

	loaded, err := st.LoadReadings()
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Len())
	assert.Equal(t, "METER_000001", loaded.Records[0].EntityID)
	assert.Equal(t, 1.5, loaded.Records[0].Consumption)
	assert.True(t, loaded.Records[1].Missing())
	assert.Equal(t, 1, loaded.Records[2].Label)
	assert.Equal(t, "commercial", loaded.Records[2].Category)
}

func TestQualityReportRoundTrip(t *testing.T) {
	st := testStore(t)
	runID := uuid.New()
	require.NoError(t, st.BeginRun(runID))

	report := &preprocess.QualityReport{
		TotalRecords:   1000,
		UniqueEntities: 25,
		MissingCount:   40,
		Score:          87.5,
	}
	require.NoError(t, st.SaveQualityReport(runID, "before", report))

	loaded, err := st.LoadQualityReport(runID, "before")
	require.NoError(t, err)
	assert.Equal(t, report.TotalRecords, loaded.TotalRecords)
	assert.Equal(t, report.MissingCount, loaded.MissingCount)
	assert.Equal(t, report.Score, loaded.Score)

	_, err = st.LoadQualityReport(runID, "after")
	require.Error(t, err)
}

func TestBalancingReportRoundTrip(t *testing.T) {
	st := testStore(t)
	runID := uuid.New()
	report := &balance.Report{
		RequestedMethod: "smote",
		UsedMethod:      "random_over",
		OriginalSamples: 1000,
		BalancedSamples: 1900,
		SamplesAdded:    900,
	}
	require.NoError(t, st.SaveBalancingReport(runID, report))

	loaded, err := st.LoadBalancingReport(runID)
	require.NoError(t, err)
	assert.Equal(t, "smote", loaded.RequestedMethod)
	assert.Equal(t, "random_over", loaded.UsedMethod)
	assert.Equal(t, 1900, loaded.BalancedSamples)
}

func TestValidationReportRoundTrip(t *testing.T) {
	st := testStore(t)
	runID := uuid.New()
	report := &validate.Report{
		TotalRecords:    500,
		TotalEntities:   10,
		OverallValidity: false,
		TotalErrors:     2,
		TotalWarnings:   3,
		Score:           74,
	}
	require.NoError(t, st.SaveValidationReport(runID, report))

	loaded, err := st.LoadValidationReport(runID)
	require.NoError(t, err)
	assert.Equal(t, report.TotalErrors, loaded.TotalErrors)
	assert.Equal(t, report.Score, loaded.Score)
	assert.False(t, loaded.OverallValidity)
}
