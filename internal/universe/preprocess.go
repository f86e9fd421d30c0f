package universe

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Normalized carries all three representations of a factor so the
// scoring stage can choose; the raw value stays on Factors.
type Normalized struct {
	Winsorized float64
	Rank       float64 // percentile rank in [0,1]
	Z          float64
}

// Preprocess winsorizes each factor at the configured quantile bounds,
// then computes a percentile rank and a z-score cross-sectionally.
func Preprocess(rows []Row, lowQ, highQ float64) {
	for i := range rows {
		if rows[i].Norm == nil {
			rows[i].Norm = make(map[string]Normalized, len(FactorNames))
		}
	}

	for _, name := range FactorNames {
		vals := make([]float64, len(rows))
		for i, r := range rows {
			vals[i] = FactorValue(r, name)
		}

		w := winsorize(vals, lowQ, highQ)
		ranks := rankPct(w)
		zs := zscore(w)

		for i := range rows {
			rows[i].Norm[name] = Normalized{Winsorized: w[i], Rank: ranks[i], Z: zs[i]}
		}
	}
}

func winsorize(vals []float64, lowQ, highQ float64) []float64 {
	if len(vals) == 0 {
		return nil
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	lo := stat.Quantile(lowQ, stat.Empirical, sorted, nil)
	hi := stat.Quantile(highQ, stat.Empirical, sorted, nil)

	out := make([]float64, len(vals))
	for i, v := range vals {
		switch {
		case v < lo:
			out[i] = lo
		case v > hi:
			out[i] = hi
		default:
			out[i] = v
		}
	}
	return out
}

// rankPct assigns average ranks for ties, scaled to [0,1].
// A single-element cross-section ranks at 0.5.
func rankPct(vals []float64) []float64 {
	n := len(vals)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if n == 1 {
		out[0] = 0.5
		return out
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return vals[idx[a]] < vals[idx[b]] })

	ranks := make([]float64, n) // 1-based average ranks
	for i := 0; i < n; {
		j := i
		for j+1 < n && vals[idx[j+1]] == vals[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}

	for i := range out {
		out[i] = (ranks[i] - 1) / float64(n-1)
	}
	return out
}

func zscore(vals []float64) []float64 {
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		return out
	}
	mu := stat.Mean(vals, nil)
	sd := stat.PopStdDev(vals, nil)
	if sd == 0 {
		return out // degenerate cross-section, everything at the mean
	}
	for i, v := range vals {
		out[i] = (v - mu) / sd
	}
	return out
}
