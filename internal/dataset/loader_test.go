package dataset

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testLoader(t *testing.T) *Loader {
	return NewLoader(zaptest.NewLogger(t), "CONS_NO", "FLAG", "1/2/2006")
}

func TestLoadBasicReshape(t *testing.T) {
	w := &WideMatrix{
		Headers: []string{"CONS_NO", "FLAG", "1/1/2015", "1/2/2015", "1/3/2015"},
		Rows: [][]string{
			{"METER_000001", "0", "1.5", "2.0", "2.5"},
			{"METER_000002", "1", "3.0", "", "4.0"},
		},
	}
	table, meta, err := testLoader(t).Load(w)
	require.NoError(t, err)
	require.Equal(t, 6, table.Len())

	assert.Equal(t, 2, meta.EntityCount)
	assert.Equal(t, 3, meta.DayCount)
	assert.Equal(t, 0, meta.DroppedRecords)
	assert.InDelta(t, 50.0, meta.TheftRate, 1e-9)
	assert.Equal(t, 3, meta.SpanDays)

	// sorted by (entity_id, date)
	first := table.Records[0]
	assert.Equal(t, "METER_000001", first.EntityID)
	assert.Equal(t, time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), first.Date)
	assert.Equal(t, 1.5, first.Consumption)
	assert.Equal(t, 0, first.Label)

	// empty cell kept as a missing reading
	assert.True(t, table.Records[4].Missing())
	assert.Equal(t, 1, table.Records[4].Label)
}

func TestLoadRepairsCorruptedHeader(t *testing.T) {
	w := &WideMatrix{
		Headers: []string{"CONS_NO", "FLAG", "1/1/2015", "1/2/2015", "garbage", "1/4/2015"},
		Rows: [][]string{
			{"METER_000001", "0", "1", "2", "3", "4"},
		},
	}
	table, meta, err := testLoader(t).Load(w)
	require.NoError(t, err)
	require.Equal(t, 4, table.Len())
	assert.Equal(t, 1, meta.RepairedHeaders)

	// third date column gets min parsed date plus its positional offset
	want := time.Date(2015, 1, 3, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, want, table.Records[2].Date)
	assert.Equal(t, 3.0, table.Records[2].Consumption)
}

func TestLoadAllHeadersCorrupted(t *testing.T) {
	w := &WideMatrix{
		Headers: []string{"CONS_NO", "FLAG", "bad1", "bad2"},
		Rows: [][]string{
			{"METER_000001", "0", "1", "2"},
		},
	}
	table, meta, err := testLoader(t).Load(w)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.RepairedHeaders)
	assert.Equal(t, time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC), table.Records[0].Date)
	assert.Equal(t, time.Date(2014, 1, 2, 0, 0, 0, 0, time.UTC), table.Records[1].Date)
}

func TestLoadDropsNonNumericCells(t *testing.T) {
	w := &WideMatrix{
		Headers: []string{"CONS_NO", "FLAG", "1/1/2015", "1/2/2015"},
		Rows: [][]string{
			{"METER_000001", "0", "abc", "2.0"},
		},
	}
	table, meta, err := testLoader(t).Load(w)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, 1, meta.DroppedRecords)
}

func TestLoadMissingIDColumn(t *testing.T) {
	w := &WideMatrix{
		Headers: []string{"WRONG", "FLAG", "1/1/2015"},
		Rows:    [][]string{{"x", "0", "1"}},
	}
	_, _, err := testLoader(t).Load(w)
	require.Error(t, err)
	var ferr *DataFormatError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "CONS_NO", ferr.Column)
}

func TestLoadDedupesSyntheticDateCollisions(t *testing.T) {
	// both unparseable headers repair onto dates that collide with real ones
	w := &WideMatrix{
		Headers: []string{"CONS_NO", "FLAG", "1/1/2015", "bad", "1/2/2015"},
		Rows: [][]string{
			{"METER_000001", "0", "1", "9", "2"},
		},
	}
	table, _, err := testLoader(t).Load(w)
	require.NoError(t, err)
	// repaired header lands on 1/2/2015; first occurrence wins
	require.Equal(t, 2, table.Len())
	assert.Equal(t, 9.0, table.Records[1].Consumption)
	for i := 1; i < table.Len(); i++ {
		prev, cur := table.Records[i-1], table.Records[i]
		same := prev.EntityID == cur.EntityID && prev.Date.Equal(cur.Date)
		assert.False(t, same, "duplicate (entity, date) after dedupe")
	}
}

func TestParseLabelVariants(t *testing.T) {
	assert.Equal(t, 0, parseLabel("0"))
	assert.Equal(t, 1, parseLabel("1"))
	assert.Equal(t, 1, parseLabel("1.0"))
	assert.Equal(t, 0, parseLabel("0.2"))
	assert.Equal(t, 0, parseLabel("junk"))
}

func TestTableSpans(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2015, 1, d, 0, 0, 0, 0, time.UTC) }
	table := &Table{Records: []Record{
		{EntityID: "A", Date: day(1), Consumption: 1},
		{EntityID: "A", Date: day(2), Consumption: 2},
		{EntityID: "B", Date: day(1), Consumption: math.NaN()},
	}}
	spans := table.Spans()
	require.Len(t, spans, 2)
	assert.Equal(t, Span{EntityID: "A", Start: 0, End: 2}, spans[0])
	assert.Equal(t, Span{EntityID: "B", Start: 2, End: 3}, spans[1])
}
