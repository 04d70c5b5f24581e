package preprocess

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/gridsense/theftdetect/internal/dataset"
)

// Scaling methods.
const (
	ScaleMinMax   = "minmax"
	ScaleStandard = "standard"
	ScaleRobust   = "robust"
)

// FittedScaler holds the parameters of a fitted normalization so the same
// transform can be re-applied at serving time. It is an explicit value, fitted
// once by a batch run and threaded through subsequent transforms.
type FittedScaler struct {
	Method string  `json:"method" yaml:"method"`
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
	Mean   float64 `json:"mean" yaml:"mean"`
	Std    float64 `json:"std" yaml:"std"`
	Median float64 `json:"median" yaml:"median"`
	IQR    float64 `json:"iqr" yaml:"iqr"`
}

// FitScaler fits a scaler of the given method over the observed values.
func FitScaler(values []float64, method string) (*FittedScaler, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("cannot fit %s scaler on empty data", method)
	}
	s := &FittedScaler{Method: method}
	switch method {
	case ScaleMinMax:
		s.Min, s.Max = values[0], values[0]
		for _, v := range values {
			if v < s.Min {
				s.Min = v
			}
			if v > s.Max {
				s.Max = v
			}
		}
	case ScaleStandard:
		s.Mean = stat.Mean(values, nil)
		s.Std = stat.StdDev(values, nil)
	case ScaleRobust:
		sorted := make([]float64, len(values))
		copy(sorted, values)
		sort.Float64s(sorted)
		s.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
		s.IQR = stat.Quantile(0.75, stat.Empirical, sorted, nil) - stat.Quantile(0.25, stat.Empirical, sorted, nil)
	default:
		return nil, fmt.Errorf("unknown scaling method %q", method)
	}
	return s, nil
}

// Transform applies the fitted scaling to a single value.
func (s *FittedScaler) Transform(v float64) float64 {
	switch s.Method {
	case ScaleMinMax:
		if s.Max == s.Min {
			return 0
		}
		return (v - s.Min) / (s.Max - s.Min)
	case ScaleStandard:
		if s.Std == 0 {
			return 0
		}
		return (v - s.Mean) / s.Std
	case ScaleRobust:
		if s.IQR == 0 {
			return 0
		}
		return (v - s.Median) / s.IQR
	}
	return v
}

// Apply transforms every observed consumption value in the table in place.
func (s *FittedScaler) Apply(t *dataset.Table) {
	for i := range t.Records {
		if !t.Records[i].Missing() {
			t.Records[i].Consumption = s.Transform(t.Records[i].Consumption)
		}
	}
}

// Normalize fits a scaler over the table's observed values and applies it,
// returning the fitted parameters for reuse at serving time.
func (p *Preprocessor) Normalize(t *dataset.Table, method string) (*FittedScaler, error) {
	vals := make([]float64, 0, t.Len())
	for i := range t.Records {
		if !t.Records[i].Missing() {
			vals = append(vals, t.Records[i].Consumption)
		}
	}
	scaler, err := FitScaler(vals, method)
	if err != nil {
		return nil, err
	}
	scaler.Apply(t)
	p.logger.Infow("normalized consumption values", "method", method)
	return scaler, nil
}
