package features

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// AdvancedExtractor contributes extra feature columns beyond the
// deterministic blocks. Implementations must be pure functions of the input
// series; the columns they declare become part of the schema contract.
type AdvancedExtractor interface {
	Name() string
	Columns() []string
	Extract(values []float64) map[string]float64
}

type noopExtractor struct{}

func (noopExtractor) Name() string                         { return "noop" }
func (noopExtractor) Columns() []string                    { return nil }
func (noopExtractor) Extract([]float64) map[string]float64 { return nil }

var advancedColumns = []string{
	"advanced_approx_entropy",
	"advanced_agg_autocorr_mean",
	"advanced_num_peaks",
}

// DescriptorExtractor computes a small set of time-series descriptors:
// approximate entropy, aggregate autocorrelation and peak count.
type DescriptorExtractor struct{}

func (DescriptorExtractor) Name() string      { return "descriptor" }
func (DescriptorExtractor) Columns() []string { return advancedColumns }

func (DescriptorExtractor) Extract(values []float64) map[string]float64 {
	return map[string]float64{
		"advanced_approx_entropy":    approxEntropy(values, 2, 0.2*popStd(values)),
		"advanced_agg_autocorr_mean": aggAutocorr(values, 10),
		"advanced_num_peaks":         float64(countPeaks(values, 3)),
	}
}

// approxEntropy measures series regularity with embedding dimension m and
// tolerance r. Lower values indicate more repetitive consumption.
func approxEntropy(values []float64, m int, r float64) float64 {
	n := len(values)
	if n <= m+1 || r == 0 {
		return 0
	}
	phi := func(m int) float64 {
		count := n - m + 1
		var sum float64
		for i := 0; i < count; i++ {
			matches := 0
			for j := 0; j < count; j++ {
				maxDist := 0.0
				for k := 0; k < m; k++ {
					d := math.Abs(values[i+k] - values[j+k])
					if d > maxDist {
						maxDist = d
					}
				}
				if maxDist <= r {
					matches++
				}
			}
			sum += math.Log(float64(matches) / float64(count))
		}
		return sum / float64(count)
	}
	return phi(m) - phi(m+1)
}

// aggAutocorr is the mean autocorrelation over lags 1..maxLag.
func aggAutocorr(values []float64, maxLag int) float64 {
	var sum float64
	var n int
	for lag := 1; lag <= maxLag; lag++ {
		if len(values) <= lag+1 {
			break
		}
		c := stat.Correlation(values[:len(values)-lag], values[lag:], nil)
		if !math.IsNaN(c) {
			sum += c
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// countPeaks counts points strictly greater than their support nearest
// neighbours on both sides.
func countPeaks(values []float64, support int) int {
	peaks := 0
	for i := support; i < len(values)-support; i++ {
		isPeak := true
		for k := 1; k <= support; k++ {
			if values[i] <= values[i-k] || values[i] <= values[i+k] {
				isPeak = false
				break
			}
		}
		if isPeak {
			peaks++
		}
	}
	return peaks
}
