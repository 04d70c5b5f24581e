package dataset

import (
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gridsense/theftdetect/pkg/logger"
	"github.com/gridsense/theftdetect/pkg/metrics"
)

// Metadata summarizes a completed wide-to-long conversion.
type Metadata struct {
	EntityCount     int       `json:"entity_count"`
	DayCount        int       `json:"day_count"`
	RecordCount     int       `json:"record_count"`
	DroppedRecords  int       `json:"dropped_records"`
	RepairedHeaders int       `json:"repaired_headers"`
	TheftRate       float64   `json:"theft_rate"`
	DateStart       time.Time `json:"date_start"`
	DateEnd         time.Time `json:"date_end"`
	SpanDays        int       `json:"span_days"`
}

// Loader converts a raw wide matrix into a long consumption table.
type Loader struct {
	logger      *zap.SugaredLogger
	idColumn    string
	labelColumn string
	dateFormat  string
}

// NewLoader creates a dataset loader. dateFormat is a Go reference layout,
// typically "1/2/2006" for M/D/YYYY headers.
func NewLoader(zlog *zap.Logger, idColumn, labelColumn, dateFormat string) *Loader {
	return &Loader{
		logger:      logger.Stage(zlog, "loader"),
		idColumn:    idColumn,
		labelColumn: labelColumn,
		dateFormat:  dateFormat,
	}
}

// Load reshapes the wide matrix into one record per (entity, date), sorted by
// (entity_id, date). Unparseable date headers are repaired with synthetic
// sequential dates; rows with non-numeric consumption are dropped and counted.
// A missing identifier or label column aborts the load with DataFormatError.
func (l *Loader) Load(w *WideMatrix) (*Table, *Metadata, error) {
	idIdx, labelIdx := -1, -1
	for i, h := range w.Headers {
		switch h {
		case l.idColumn:
			idIdx = i
		case l.labelColumn:
			labelIdx = i
		}
	}
	if idIdx < 0 {
		return nil, nil, &DataFormatError{Column: l.idColumn}
	}
	if labelIdx < 0 {
		return nil, nil, &DataFormatError{Column: l.labelColumn}
	}

	// All remaining columns are date columns, in their original order.
	type dateCol struct {
		idx    int
		header string
	}
	var dateCols []dateCol
	for i, h := range w.Headers {
		if i == idIdx || i == labelIdx {
			continue
		}
		dateCols = append(dateCols, dateCol{idx: i, header: h})
	}

	dates := make([]time.Time, len(dateCols))
	failed := make([]bool, len(dateCols))
	var minParsed time.Time
	for i, c := range dateCols {
		d, err := time.Parse(l.dateFormat, strings.TrimSpace(c.header))
		if err != nil {
			failed[i] = true
			l.logger.Debugw("date header parse failed",
				"error", &DateParseError{Header: c.header, Position: i})
			continue
		}
		dates[i] = d.UTC()
		if minParsed.IsZero() || d.Before(minParsed) {
			minParsed = d.UTC()
		}
	}

	// Best-effort repair: a failed header gets (minimum parsed date) plus its
	// positional offset among the date columns. With multiple non-adjacent
	// failures the placeholders may collide with real dates; duplicate
	// (entity, date) pairs are resolved below by keeping the first occurrence.
	repaired := 0
	if minParsed.IsZero() {
		minParsed = time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	for i := range dateCols {
		if failed[i] {
			dates[i] = minParsed.AddDate(0, 0, i)
			repaired++
		}
	}
	if repaired > 0 {
		l.logger.Warnw("repaired unparseable date headers with synthetic sequential dates",
			"repaired", repaired, "date_columns", len(dateCols))
		metrics.DateHeadersRepaired.Add(float64(repaired))
	}

	table := &Table{Records: make([]Record, 0, len(w.Rows)*len(dateCols))}
	dropped := 0
	theft := 0
	for _, row := range w.Rows {
		if idIdx >= len(row) || labelIdx >= len(row) {
			dropped += len(dateCols)
			continue
		}
		entityID := strings.TrimSpace(row[idIdx])
		label := parseLabel(row[labelIdx])
		if label == 1 {
			theft++
		}
		for i, c := range dateCols {
			if c.idx >= len(row) {
				dropped++
				continue
			}
			raw := strings.TrimSpace(row[c.idx])
			var value float64
			if raw == "" {
				// Empty cells stay as missing readings; imputation is the
				// preprocessor's job.
				value = math.NaN()
			} else {
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					dropped++
					continue
				}
				value = v
			}
			table.Records = append(table.Records, Record{
				EntityID:    entityID,
				Date:        dates[i],
				Consumption: value,
				Label:       label,
			})
		}
	}
	if dropped > 0 {
		l.logger.Infow("dropped rows with non-numeric consumption", "dropped", dropped)
	}

	table.Sort()
	table = dedupe(table, l.logger)

	meta := &Metadata{
		EntityCount:     len(w.Rows),
		DayCount:        len(dateCols),
		RecordCount:     table.Len(),
		DroppedRecords:  dropped,
		RepairedHeaders: repaired,
	}
	if len(w.Rows) > 0 {
		meta.TheftRate = float64(theft) / float64(len(w.Rows)) * 100
	}
	if table.Len() > 0 {
		meta.DateStart = table.Records[0].Date
		meta.DateEnd = table.Records[0].Date
		for i := range table.Records {
			d := table.Records[i].Date
			if d.Before(meta.DateStart) {
				meta.DateStart = d
			}
			if d.After(meta.DateEnd) {
				meta.DateEnd = d
			}
		}
		meta.SpanDays = int(meta.DateEnd.Sub(meta.DateStart).Hours()/24) + 1
	}

	metrics.RecordsLoaded.WithLabelValues("kept").Add(float64(table.Len()))
	metrics.RecordsLoaded.WithLabelValues("dropped").Add(float64(dropped))

	l.logger.Infow("converted wide matrix to long format",
		"entities", meta.EntityCount,
		"days", meta.DayCount,
		"records", meta.RecordCount,
		"dropped", meta.DroppedRecords,
		"theft_rate_pct", meta.TheftRate)

	return table, meta, nil
}

func parseLabel(raw string) int {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 0.5 {
		return 1
	}
	return 0
}

// dedupe enforces the (entity_id, date) uniqueness invariant. Duplicates can
// only arise from synthetic-date collisions; the first occurrence wins.
func dedupe(t *Table, logger *zap.SugaredLogger) *Table {
	out := t.Records[:0]
	removed := 0
	for i := range t.Records {
		if i > 0 &&
			t.Records[i].EntityID == t.Records[i-1].EntityID &&
			t.Records[i].Date.Equal(t.Records[i-1].Date) {
			removed++
			continue
		}
		out = append(out, t.Records[i])
	}
	if removed > 0 {
		logger.Warnw("removed duplicate (entity, date) records after date repair", "removed", removed)
	}
	t.Records = out
	return t
}
