package dataset

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"time"
)

// Record is a single (entity, date) consumption observation in long format.
// A NaN consumption marks a missing reading awaiting imputation.
type Record struct {
	EntityID    string    `json:"entity_id"`
	Date        time.Time `json:"date"`
	Consumption float64   `json:"consumption"`
	Label       int       `json:"label"`
	Category    string    `json:"category,omitempty"`
}

// Missing reports whether the record carries no usable consumption value.
func (r *Record) Missing() bool {
	return math.IsNaN(r.Consumption)
}

// Table is a long-format consumption table sorted by (entity_id, date).
type Table struct {
	Records []Record
}

// Span addresses the contiguous record range [Start, End) of one entity.
type Span struct {
	EntityID string
	Start    int
	End      int
}

// Len returns the number of records in the table.
func (t *Table) Len() int { return len(t.Records) }

// Sort orders records by (entity_id, date).
func (t *Table) Sort() {
	sort.SliceStable(t.Records, func(i, j int) bool {
		a, b := &t.Records[i], &t.Records[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Date.Before(b.Date)
	})
}

// Spans returns one span per entity, in entity order. The table must be sorted.
func (t *Table) Spans() []Span {
	var spans []Span
	for i := 0; i < len(t.Records); {
		j := i
		for j < len(t.Records) && t.Records[j].EntityID == t.Records[i].EntityID {
			j++
		}
		spans = append(spans, Span{EntityID: t.Records[i].EntityID, Start: i, End: j})
		i = j
	}
	return spans
}

// EntityIDs returns the sorted distinct entity identifiers.
func (t *Table) EntityIDs() []string {
	ids := make([]string, 0)
	seen := make(map[string]struct{})
	for i := range t.Records {
		if _, ok := seen[t.Records[i].EntityID]; !ok {
			seen[t.Records[i].EntityID] = struct{}{}
			ids = append(ids, t.Records[i].EntityID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := &Table{Records: make([]Record, len(t.Records))}
	copy(out.Records, t.Records)
	return out
}

// Labels returns the per-entity label map, in loaded record order.
func (t *Table) Labels() map[string]int {
	labels := make(map[string]int)
	for i := range t.Records {
		labels[t.Records[i].EntityID] = t.Records[i].Label
	}
	return labels
}

// Observation is a single (date, consumption) point of a serving-time series.
type Observation struct {
	Date        time.Time `json:"date"`
	Consumption float64   `json:"consumption"`
}

// WideMatrix is the raw wide-format input: one row per entity, one column per
// date, plus an identifier column and a binary label column.
type WideMatrix struct {
	Headers []string
	Rows    [][]string
}

// ReadWideCSV reads a wide-format consumption matrix from a CSV file.
func ReadWideCSV(path string) (*WideMatrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wide matrix: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read wide matrix: %w", err)
	}
	return ParseWideMatrix(records)
}

// ParseWideMatrix builds a WideMatrix from raw CSV records.
func ParseWideMatrix(records [][]string) (*WideMatrix, error) {
	if len(records) < 1 {
		return nil, fmt.Errorf("wide matrix has no header row")
	}
	return &WideMatrix{Headers: records[0], Rows: records[1:]}, nil
}
