package features

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/gridsense/theftdetect/pkg/logger"
)

// FeatureScore pairs a feature name with its ANOVA F statistic.
type FeatureScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// ImportanceReport summarizes a selection run.
type ImportanceReport struct {
	TotalFeatures    int                `json:"total_features"`
	SelectedFeatures int                `json:"selected_features"`
	TopFeatures      []FeatureScore     `json:"top_features"`
	Categories       map[string]int     `json:"feature_categories"`
	Scores           map[string]float64 `json:"-"`
}

// SelectKBest keeps the k features with the highest ANOVA F statistic against
// the binary labels and returns the reduced table with a matching schema. The
// selected columns preserve the original schema order.
func SelectKBest(zlog *zap.Logger, ft *Table, labels []int, k int) (*Table, *ImportanceReport, error) {
	log := logger.Stage(zlog, "features")
	if len(labels) != len(ft.Vectors) {
		return nil, nil, fmt.Errorf("label count %d does not match vector count %d", len(labels), len(ft.Vectors))
	}
	total := len(ft.Schema.Columns)
	if k <= 0 || k > total {
		k = total
	}
	log.Infow("selecting best features", "k", k, "total", total)

	scores := make(map[string]float64, total)
	ranked := make([]FeatureScore, 0, total)
	for i, name := range ft.Schema.Columns {
		col := make([]float64, len(ft.Vectors))
		for j := range ft.Vectors {
			col[j] = ft.Vectors[j].Values[i]
		}
		f := anovaF(col, labels)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			f = 0
		}
		scores[name] = f
		ranked = append(ranked, FeatureScore{Name: name, Score: f})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	keep := make(map[string]bool, k)
	for _, fs := range ranked[:k] {
		keep[fs.Name] = true
	}

	// Preserve original column order in the reduced schema.
	indices := make([]int, 0, k)
	columns := make([]string, 0, k)
	for i, name := range ft.Schema.Columns {
		if keep[name] {
			indices = append(indices, i)
			columns = append(columns, name)
		}
	}

	reduced := &Table{
		Schema:  &Schema{Version: ft.Schema.Version, Columns: columns},
		Vectors: make([]Vector, len(ft.Vectors)),
	}
	for j, v := range ft.Vectors {
		vals := make([]float64, len(indices))
		for n, idx := range indices {
			vals[n] = v.Values[idx]
		}
		reduced.Vectors[j] = Vector{EntityID: v.EntityID, Values: vals}
	}

	report := &ImportanceReport{
		TotalFeatures:    total,
		SelectedFeatures: len(columns),
		TopFeatures:      ranked[:min(10, len(ranked))],
		Categories:       categoryCounts(columns),
		Scores:           scores,
	}
	log.Infow("feature selection completed",
		"selected", report.SelectedFeatures, "categories", report.Categories)
	return reduced, report, nil
}

// anovaF is the one-way ANOVA F statistic of a feature column grouped by
// class label.
func anovaF(col []float64, labels []int) float64 {
	groups := make(map[int][]float64)
	for i, v := range col {
		groups[labels[i]] = append(groups[labels[i]], v)
	}
	if len(groups) < 2 {
		return 0
	}
	grand := stat.Mean(col, nil)
	var between, within float64
	for _, g := range groups {
		m := stat.Mean(g, nil)
		d := m - grand
		between += float64(len(g)) * d * d
		for _, v := range g {
			e := v - m
			within += e * e
		}
	}
	dfBetween := float64(len(groups) - 1)
	dfWithin := float64(len(col) - len(groups))
	if dfWithin <= 0 {
		return 0
	}
	if within == 0 {
		if between == 0 {
			return 0
		}
		// perfect separation; rank above any finite statistic
		return math.MaxFloat64
	}
	return (between / dfBetween) / (within / dfWithin)
}

func categoryCounts(columns []string) map[string]int {
	counts := map[string]int{"statistical": 0, "temporal": 0, "pattern": 0, "advanced": 0}
	for _, c := range columns {
		switch {
		case strings.HasPrefix(c, "stat_"):
			counts["statistical"]++
		case strings.HasPrefix(c, "temporal_"):
			counts["temporal"]++
		case strings.HasPrefix(c, "pattern_"):
			counts["pattern"]++
		case strings.HasPrefix(c, "advanced_"):
			counts["advanced"]++
		}
	}
	return counts
}
