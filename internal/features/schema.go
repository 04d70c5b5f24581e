package features

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SchemaVersion identifies the current feature contract. Any change to the
// feature name set or column order must bump this version.
const SchemaVersion = "v1"

var statColumns = []string{
	"stat_mean", "stat_median", "stat_std", "stat_var",
	"stat_min", "stat_max", "stat_count",
	"stat_q25", "stat_q75", "stat_q90", "stat_q95",
	"stat_skew", "stat_kurtosis",
	"stat_range", "stat_cv", "stat_iqr",
}

var temporalColumns = func() []string {
	cols := make([]string, 0, 24)
	for i := 0; i < 7; i++ {
		cols = append(cols, fmt.Sprintf("temporal_weekday_%d_avg", i))
	}
	for m := 1; m <= 12; m++ {
		cols = append(cols, fmt.Sprintf("temporal_month_%d_avg", m))
	}
	cols = append(cols,
		"temporal_weekday_mean", "temporal_weekday_std",
		"temporal_weekend_mean", "temporal_weekend_std",
		"temporal_weekend_weekday_ratio")
	return cols
}()

var patternColumns = []string{
	"pattern_zero_days", "pattern_zero_ratio",
	"pattern_low_consumption_days", "pattern_low_consumption_ratio",
	"pattern_stability", "pattern_trend_slope",
	"pattern_avg_daily_change", "pattern_max_daily_drop",
	"pattern_max_daily_increase", "pattern_change_volatility",
	"pattern_significant_drops", "pattern_significant_increases",
	"pattern_autocorr_1day", "pattern_autocorr_7day",
}

// Schema is the fixed, versioned, ordered feature contract shared by training
// and serving. Vectors must match it exactly before leaving the component.
type Schema struct {
	Version string   `yaml:"version" json:"version"`
	Columns []string `yaml:"columns" json:"columns"`
}

// NewSchema builds the schema for the deterministic blocks plus any columns
// contributed by an advanced extractor.
func NewSchema(advanced []string) *Schema {
	cols := make([]string, 0, len(statColumns)+len(temporalColumns)+len(patternColumns)+len(advanced))
	cols = append(cols, statColumns...)
	cols = append(cols, temporalColumns...)
	cols = append(cols, patternColumns...)
	cols = append(cols, advanced...)
	return &Schema{Version: SchemaVersion, Columns: cols}
}

// Index returns the position of a column, or -1 when absent.
func (s *Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Equal reports whether two schemas agree on version, name set and order.
func (s *Schema) Equal(other *Schema) bool {
	if other == nil || s.Version != other.Version || len(s.Columns) != len(other.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != other.Columns[i] {
			return false
		}
	}
	return true
}

// Validate checks a vector against the schema before it leaves the component.
func (s *Schema) Validate(v *Vector) error {
	if len(v.Values) != len(s.Columns) {
		return fmt.Errorf("feature vector for %s has %d values, schema %s requires %d",
			v.EntityID, len(v.Values), s.Version, len(s.Columns))
	}
	return nil
}

// SaveFile persists the schema contract as yaml.
func (s *Schema) SaveFile(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal feature schema: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write feature schema: %w", err)
	}
	return nil
}

// LoadSchema reads a persisted schema contract.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature schema: %w", err)
	}
	s := &Schema{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal feature schema: %w", err)
	}
	return s, nil
}

// Vector is one entity's ordered feature values. Created once per entity per
// pipeline run, immutable afterward.
type Vector struct {
	EntityID string    `json:"entity_id"`
	Values   []float64 `json:"values"`
}

// Table is the per-entity feature table produced by the engineer.
type Table struct {
	Schema  *Schema
	Vectors []Vector
}

// Len returns the number of feature vectors.
func (t *Table) Len() int { return len(t.Vectors) }

// Column extracts one feature column across all vectors.
func (t *Table) Column(name string) []float64 {
	idx := t.Schema.Index(name)
	if idx < 0 {
		return nil
	}
	out := make([]float64, len(t.Vectors))
	for i := range t.Vectors {
		out[i] = t.Vectors[i].Values[idx]
	}
	return out
}
