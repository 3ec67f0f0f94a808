// Package vecmath holds the embedding arithmetic shared by dedup, fact
// integration, and the tests that rig similarities.
package vecmath

import "math"

func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < len(a); i++ {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// NormalizeL2 returns a unit-length copy; zero vectors come back zeroed.
func NormalizeL2(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := 1.0 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// DotUnit is the inner product of two already L2-normalized vectors, i.e.
// their cosine similarity without the normalization cost.
func DotUnit(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// SimilarityMatrix multiplies rows (n×d) against cols (m×d), both
// L2-normalized, producing the full n×m cosine matrix in one pass. This is
// the only CPU-bound step in the pipeline; everything else is network-bound.
func SimilarityMatrix(rows, cols [][]float32) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = make([]float64, len(cols))
		for j, c := range cols {
			out[i][j] = DotUnit(r, c)
		}
	}
	return out
}

// ArgMax returns the index and value of the largest entry, or (-1, 0) for an
// empty slice.
func ArgMax(xs []float64) (int, float64) {
	best := -1
	bestVal := 0.0
	for i, x := range xs {
		if best == -1 || x > bestVal {
			best = i
			bestVal = x
		}
	}
	if best == -1 {
		return -1, 0
	}
	return best, bestVal
}
