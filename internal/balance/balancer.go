package balance

import (
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/gridsense/theftdetect/pkg/logger"
	"github.com/gridsense/theftdetect/pkg/metrics"
)

// Balancing methods.
const (
	MethodRandomOver      = "random_over"
	MethodRandomUnder     = "random_under"
	MethodSMOTE           = "smote"
	MethodAdaptive        = "adaptive"
	MethodBorderlineSMOTE = "borderline_smote"
	MethodSVMSMOTE        = "svm_smote"
	MethodSMOTETomek      = "smote_tomek"
	MethodSMOTEENN        = "smote_enn"
)

// Distribution summarizes the class makeup of a label slice.
type Distribution struct {
	TotalSamples     int             `json:"total_samples"`
	ClassCounts      map[int]int     `json:"class_counts"`
	ClassPercentages map[int]float64 `json:"class_percentages"`
	ImbalanceRatio   float64         `json:"imbalance_ratio"`
	MinorityClass    int             `json:"minority_class"`
	MajorityClass    int             `json:"majority_class"`
}

// Report describes one balancing run, including whether the requested
// method had to fall back.
type Report struct {
	RequestedMethod   string        `json:"requested_method"`
	UsedMethod        string        `json:"used_method"`
	Original          *Distribution `json:"original_distribution"`
	Balanced          *Distribution `json:"balanced_distribution"`
	OriginalSamples   int           `json:"original_samples"`
	BalancedSamples   int           `json:"balanced_samples"`
	SamplesAdded      int           `json:"samples_added"`
	ChangePercentage  float64       `json:"change_percentage"`
	ImprovementFactor float64       `json:"improvement_factor"`
}

// Recommendation is an advisory on which balancing method suits a dataset.
type Recommendation struct {
	DatasetSize        string   `json:"dataset_size"`
	ImbalanceSeverity  string   `json:"imbalance_severity"`
	MinoritySamples    int      `json:"minority_samples"`
	RecommendedMethods []string `json:"recommended_methods"`
	AvoidMethods       []string `json:"avoid_methods"`
	Reason             string   `json:"reason"`
}

// Balancer resamples a binary-labelled feature matrix toward a target class
// ratio. All randomness flows from the seeded source so runs are repeatable.
type Balancer struct {
	logger      *zap.SugaredLogger
	rng         *rand.Rand
	targetRatio float64
	kNeighbors  int
}

func NewBalancer(zlog *zap.Logger, targetRatio float64, kNeighbors int, seed int64) (*Balancer, error) {
	if targetRatio <= 0 || targetRatio >= 1 {
		return nil, fmt.Errorf("target ratio must be in (0, 1), got %g", targetRatio)
	}
	if kNeighbors < 1 {
		return nil, fmt.Errorf("k neighbors must be positive, got %d", kNeighbors)
	}
	return &Balancer{
		logger:      logger.Stage(zlog, "balance"),
		rng:         rand.New(rand.NewSource(seed)),
		targetRatio: targetRatio,
		kNeighbors:  kNeighbors,
	}, nil
}

// Analyze computes the class distribution of a label slice.
func (b *Balancer) Analyze(labels []int) (*Distribution, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("cannot analyze an empty label set")
	}
	counts := make(map[int]int)
	for _, y := range labels {
		counts[y]++
	}
	d := &Distribution{
		TotalSamples:     len(labels),
		ClassCounts:      counts,
		ClassPercentages: make(map[int]float64, len(counts)),
	}
	minClass, maxClass := -1, -1
	for class, c := range counts {
		d.ClassPercentages[class] = float64(c) / float64(len(labels)) * 100
		if minClass == -1 || c < counts[minClass] {
			minClass = class
		}
		if maxClass == -1 || c > counts[maxClass] {
			maxClass = class
		}
	}
	d.MinorityClass = minClass
	d.MajorityClass = maxClass
	if counts[minClass] > 0 {
		d.ImbalanceRatio = float64(counts[maxClass]) / float64(counts[minClass])
	}
	b.logger.Infow("class distribution",
		"total", d.TotalSamples,
		"normal", counts[0], "theft", counts[1],
		"imbalance_ratio", fmt.Sprintf("%.2f", d.ImbalanceRatio))
	return d, nil
}

// Balance resamples X and y with the requested method. Synthetic methods
// that cannot run, because the minority class is smaller than k+1, fall back
// to random oversampling; the report records both methods.
func (b *Balancer) Balance(X [][]float64, y []int, method string) ([][]float64, []int, *Report, error) {
	if len(X) != len(y) {
		return nil, nil, nil, fmt.Errorf("feature matrix has %d rows but %d labels", len(X), len(y))
	}
	original, err := b.Analyze(y)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(original.ClassCounts) < 2 {
		return nil, nil, nil, fmt.Errorf("balancing requires two classes, found %d", len(original.ClassCounts))
	}
	b.logger.Infow("starting dataset balancing", "method", method)

	used := method
	var bx [][]float64
	var by []int
	switch method {
	case MethodRandomOver:
		bx, by = b.randomOversample(X, y)
	case MethodRandomUnder:
		bx, by = b.randomUndersample(X, y)
	case MethodSMOTE, MethodAdaptive, MethodBorderlineSMOTE, MethodSVMSMOTE:
		bx, by, used = b.synthetic(X, y, method)
	case MethodSMOTETomek:
		bx, by, used = b.synthetic(X, y, MethodSMOTE)
		if used == MethodSMOTE {
			bx, by = b.removeTomekLinks(bx, by)
			used = MethodSMOTETomek
		}
	case MethodSMOTEENN:
		bx, by, used = b.synthetic(X, y, MethodSMOTE)
		if used == MethodSMOTE {
			bx, by = b.editedNearestNeighbours(bx, by)
			used = MethodSMOTEENN
		}
	default:
		return nil, nil, nil, fmt.Errorf("unknown balancing method %q", method)
	}

	balanced, err := b.Analyze(by)
	if err != nil {
		return nil, nil, nil, err
	}
	report := &Report{
		RequestedMethod:  method,
		UsedMethod:       used,
		Original:         original,
		Balanced:         balanced,
		OriginalSamples:  len(X),
		BalancedSamples:  len(bx),
		SamplesAdded:     len(bx) - len(X),
		ChangePercentage: float64(len(bx)-len(X)) / float64(len(X)) * 100,
	}
	if balanced.ImbalanceRatio > 0 {
		report.ImprovementFactor = original.ImbalanceRatio / balanced.ImbalanceRatio
	}
	b.logger.Infow("dataset balancing completed",
		"method", used,
		"original_samples", report.OriginalSamples,
		"balanced_samples", report.BalancedSamples,
		"imbalance_ratio", fmt.Sprintf("%.2f", balanced.ImbalanceRatio))
	return bx, by, report, nil
}

// randomOversample duplicates minority rows with replacement until the
// minority share reaches the target ratio.
func (b *Balancer) randomOversample(X [][]float64, y []int) ([][]float64, []int) {
	majIdx, minIdx := splitByClass(y)
	target := int(float64(len(majIdx)) * b.targetRatio / (1 - b.targetRatio))
	b.logger.Infow("applying random oversampling",
		"target_ratio", b.targetRatio, "minority_target", target)

	outX := make([][]float64, 0, len(majIdx)+target)
	outY := make([]int, 0, len(majIdx)+target)
	for _, i := range majIdx {
		outX = append(outX, X[i])
		outY = append(outY, y[i])
	}
	for n := 0; n < target; n++ {
		i := minIdx[b.rng.Intn(len(minIdx))]
		outX = append(outX, X[i])
		outY = append(outY, y[i])
	}
	b.shuffle(outX, outY)
	return outX, outY
}

// randomUndersample drops majority rows without replacement until the
// minority share reaches the target ratio.
func (b *Balancer) randomUndersample(X [][]float64, y []int) ([][]float64, []int) {
	majIdx, minIdx := splitByClass(y)
	target := int(float64(len(minIdx)) * (1 - b.targetRatio) / b.targetRatio)
	if target > len(majIdx) {
		target = len(majIdx)
	}
	b.logger.Infow("applying random undersampling",
		"target_ratio", b.targetRatio, "majority_target", target)

	perm := b.rng.Perm(len(majIdx))
	outX := make([][]float64, 0, target+len(minIdx))
	outY := make([]int, 0, target+len(minIdx))
	for _, p := range perm[:target] {
		i := majIdx[p]
		outX = append(outX, X[i])
		outY = append(outY, y[i])
	}
	for _, i := range minIdx {
		outX = append(outX, X[i])
		outY = append(outY, y[i])
	}
	b.shuffle(outX, outY)
	return outX, outY
}

// synthetic runs a SMOTE-family method, falling back to random oversampling
// when the minority class is too small for k-NN interpolation.
func (b *Balancer) synthetic(X [][]float64, y []int, method string) ([][]float64, []int, string) {
	_, minIdx := splitByClass(y)
	if len(minIdx) < b.kNeighbors+1 {
		b.logger.Warnw("minority class too small for synthetic oversampling, falling back",
			"method", method, "minority", len(minIdx), "required", b.kNeighbors+1)
		metrics.BalancingFallbacks.Inc()
		bx, by := b.randomOversample(X, y)
		return bx, by, MethodRandomOver
	}
	b.logger.Infow("applying synthetic oversampling", "method", method)
	bx, by := b.oversampleSynthetic(X, y, method)
	return bx, by, method
}

// Recommend suggests balancing methods from dataset size, imbalance severity
// and minority head count.
func (b *Balancer) Recommend(labels []int) (*Recommendation, error) {
	d, err := b.Analyze(labels)
	if err != nil {
		return nil, err
	}
	r := &Recommendation{MinoritySamples: d.ClassCounts[1]}
	switch {
	case d.TotalSamples > 10000:
		r.DatasetSize = "large"
	case d.TotalSamples > 1000:
		r.DatasetSize = "medium"
	default:
		r.DatasetSize = "small"
	}
	switch {
	case d.ImbalanceRatio > 20:
		r.ImbalanceSeverity = "severe"
	case d.ImbalanceRatio > 5:
		r.ImbalanceSeverity = "moderate"
	default:
		r.ImbalanceSeverity = "mild"
	}
	switch {
	case r.MinoritySamples < 100:
		r.RecommendedMethods = []string{MethodRandomOver, MethodSMOTE}
		r.AvoidMethods = []string{MethodAdaptive, MethodBorderlineSMOTE}
		r.Reason = "too few minority samples for complex oversampling"
	case r.ImbalanceSeverity == "severe":
		r.RecommendedMethods = []string{MethodAdaptive, MethodSMOTETomek}
		r.AvoidMethods = []string{MethodRandomUnder}
		r.Reason = "severe imbalance requires sophisticated oversampling"
	case r.DatasetSize == "large":
		r.RecommendedMethods = []string{MethodRandomUnder, MethodSMOTEENN}
		r.AvoidMethods = []string{MethodRandomOver}
		r.Reason = "large dataset benefits from undersampling or combined methods"
	default:
		r.RecommendedMethods = []string{MethodSMOTE, MethodAdaptive}
		r.AvoidMethods = nil
		r.Reason = "standard oversampling methods work well"
	}
	return r, nil
}

func (b *Balancer) shuffle(X [][]float64, y []int) {
	b.rng.Shuffle(len(X), func(i, j int) {
		X[i], X[j] = X[j], X[i]
		y[i], y[j] = y[j], y[i]
	})
}

// splitByClass returns majority (label 0) and minority (label 1) row indices.
func splitByClass(y []int) (majIdx, minIdx []int) {
	for i, label := range y {
		if label == 1 {
			minIdx = append(minIdx, i)
		} else {
			majIdx = append(majIdx, i)
		}
	}
	return majIdx, minIdx
}
