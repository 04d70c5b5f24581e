package balance

import (
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/gridsense/theftdetect/pkg/metrics"
)

// oversampleSynthetic generates minority samples by k-NN interpolation until
// the classes reach parity. The method selects how seed points are chosen:
// smote draws uniformly, adaptive weights seeds by local majority density,
// borderline restricts seeds to the danger zone, svm_smote additionally
// interpolates toward the boundary.
func (b *Balancer) oversampleSynthetic(X [][]float64, y []int, method string) ([][]float64, []int) {
	majIdx, minIdx := splitByClass(y)
	need := len(majIdx) - len(minIdx)
	if need <= 0 {
		return cloneMatrix(X), append([]int(nil), y...)
	}

	minority := make([][]float64, len(minIdx))
	for i, idx := range minIdx {
		minority[i] = X[idx]
	}
	minNeighbors := neighborTable(minority, minority, b.kNeighbors, true)

	seeds := b.syntheticSeeds(X, y, minIdx, minNeighbors, method, need)

	outX := cloneMatrix(X)
	outY := append([]int(nil), y...)
	for _, s := range seeds {
		base := minority[s]
		nb := minority[minNeighbors[s][b.rng.Intn(len(minNeighbors[s]))]]
		gap := b.rng.Float64()
		sample := make([]float64, len(base))
		for d := range base {
			sample[d] = base[d] + gap*(nb[d]-base[d])
		}
		outX = append(outX, sample)
		outY = append(outY, 1)
	}
	metrics.SyntheticSamples.WithLabelValues(method).Add(float64(len(seeds)))
	b.shuffle(outX, outY)
	return outX, outY
}

// syntheticSeeds picks the minority rows to interpolate from, by method.
func (b *Balancer) syntheticSeeds(X [][]float64, y []int, minIdx []int, minNeighbors [][]int, method string, need int) []int {
	switch method {
	case MethodAdaptive:
		return b.densityWeightedSeeds(X, y, minIdx, need)
	case MethodBorderlineSMOTE, MethodSVMSMOTE:
		return b.dangerZoneSeeds(X, y, minIdx, need)
	default:
		seeds := make([]int, need)
		for i := range seeds {
			seeds[i] = b.rng.Intn(len(minIdx))
		}
		return seeds
	}
}

// densityWeightedSeeds draws seeds proportionally to the majority share of
// each minority point's neighborhood, so harder regions get more synthesis.
func (b *Balancer) densityWeightedSeeds(X [][]float64, y []int, minIdx []int, need int) []int {
	weights := b.majorityShare(X, y, minIdx)
	total := 0.0
	for _, w := range weights {
		total += w
	}
	seeds := make([]int, 0, need)
	if total == 0 {
		for len(seeds) < need {
			seeds = append(seeds, b.rng.Intn(len(minIdx)))
		}
		return seeds
	}
	for len(seeds) < need {
		r := b.rng.Float64() * total
		acc := 0.0
		pick := len(weights) - 1
		for i, w := range weights {
			acc += w
			if r <= acc {
				pick = i
				break
			}
		}
		seeds = append(seeds, pick)
	}
	return seeds
}

// dangerZoneSeeds restricts seeds to minority points whose neighborhood is
// majority-dominated but not fully swallowed (share in [0.5, 1)).
func (b *Balancer) dangerZoneSeeds(X [][]float64, y []int, minIdx []int, need int) []int {
	share := b.majorityShare(X, y, minIdx)
	danger := make([]int, 0, len(minIdx))
	for i, s := range share {
		if s >= 0.5 && s < 1 {
			danger = append(danger, i)
		}
	}
	if len(danger) == 0 {
		danger = make([]int, len(minIdx))
		for i := range danger {
			danger[i] = i
		}
	}
	seeds := make([]int, need)
	for i := range seeds {
		seeds[i] = danger[b.rng.Intn(len(danger))]
	}
	return seeds
}

// majorityShare returns, per minority row, the fraction of its k nearest
// neighbors in the full dataset that belong to the majority class.
func (b *Balancer) majorityShare(X [][]float64, y []int, minIdx []int) []float64 {
	minority := make([][]float64, len(minIdx))
	for i, idx := range minIdx {
		minority[i] = X[idx]
	}
	neighbors := neighborTable(minority, X, b.kNeighbors+1, false)
	share := make([]float64, len(minIdx))
	for i, nbs := range neighbors {
		maj := 0
		seen := 0
		for _, n := range nbs {
			// skip the point itself when it appears in its own neighborhood
			if n == minIdx[i] {
				continue
			}
			if y[n] == 0 {
				maj++
			}
			seen++
			if seen == b.kNeighbors {
				break
			}
		}
		if seen > 0 {
			share[i] = float64(maj) / float64(seen)
		}
	}
	return share
}

// removeTomekLinks drops both ends of every cross-class mutual nearest
// neighbor pair.
func (b *Balancer) removeTomekLinks(X [][]float64, y []int) ([][]float64, []int) {
	nearest := make([]int, len(X))
	for i := range X {
		nearest[i] = nearestOther(X, i)
	}
	drop := make(map[int]bool)
	for i, n := range nearest {
		if n >= 0 && nearest[n] == i && y[i] != y[n] {
			drop[i] = true
			drop[n] = true
		}
	}
	if len(drop) > 0 {
		b.logger.Infow("removed tomek links", "pairs", len(drop)/2)
	}
	return filterRows(X, y, drop)
}

// editedNearestNeighbours drops samples whose 3-NN majority vote disagrees
// with their own label.
func (b *Balancer) editedNearestNeighbours(X [][]float64, y []int) ([][]float64, []int) {
	neighbors := neighborTable(X, X, 4, false)
	drop := make(map[int]bool)
	for i, nbs := range neighbors {
		agree, seen := 0, 0
		for _, n := range nbs {
			if n == i {
				continue
			}
			if y[n] == y[i] {
				agree++
			}
			seen++
			if seen == 3 {
				break
			}
		}
		if seen > 0 && agree*2 < seen {
			drop[i] = true
		}
	}
	if len(drop) > 0 {
		b.logger.Infow("edited nearest neighbours removed samples", "count", len(drop))
	}
	return filterRows(X, y, drop)
}

// neighborTable returns, per query row, the indices of its k nearest rows in
// the reference matrix by euclidean distance. When excludeSelf is set the
// query and reference matrices are assumed identical.
func neighborTable(queries, refs [][]float64, k int, excludeSelf bool) [][]int {
	type cand struct {
		idx  int
		dist float64
	}
	out := make([][]int, len(queries))
	for qi, q := range queries {
		cands := make([]cand, 0, len(refs))
		for ri, r := range refs {
			if excludeSelf && ri == qi {
				continue
			}
			cands = append(cands, cand{idx: ri, dist: floats.Distance(q, r, 2)})
		}
		sort.Slice(cands, func(a, b int) bool { return cands[a].dist < cands[b].dist })
		n := k
		if n > len(cands) {
			n = len(cands)
		}
		nbs := make([]int, n)
		for i := 0; i < n; i++ {
			nbs[i] = cands[i].idx
		}
		out[qi] = nbs
	}
	return out
}

func nearestOther(X [][]float64, i int) int {
	best := -1
	bestDist := 0.0
	for j := range X {
		if j == i {
			continue
		}
		d := floats.Distance(X[i], X[j], 2)
		if best == -1 || d < bestDist {
			best = j
			bestDist = d
		}
	}
	return best
}

func filterRows(X [][]float64, y []int, drop map[int]bool) ([][]float64, []int) {
	outX := make([][]float64, 0, len(X)-len(drop))
	outY := make([]int, 0, len(y)-len(drop))
	for i := range X {
		if drop[i] {
			continue
		}
		outX = append(outX, X[i])
		outY = append(outY, y[i])
	}
	return outX, outY
}

func cloneMatrix(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
