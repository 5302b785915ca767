// Package hnsw implements the HNSW vector index maintainer (spec §4.8):
// a hierarchical navigable small world graph stored entirely in the
// KVS, with no in-memory graph beyond per-transaction working state and
// an optional hot-node cache. Grounded on the parameter set and
// metric/level vocabulary of
// other_examples/.../internal-index-hnsw-format.go.go's ConfigEntry,
// adapted from an in-process file format to KVS-resident storage, and
// on pkg-hnsw-incremental.go.go's insert/delete/search shape for the
// graph-maintenance algorithm itself.
package hnsw

import "math"

// Metric selects the vector distance function (spec §4.8).
type Metric int

const (
	Cosine Metric = iota
	L2
	InnerProduct
)

// Params holds the construction/search tuning knobs, defaulted per spec
// §4.8: M=16, efConstruction=100, ml=1/ln(M), MMax0=2M, MMax=M.
type Params struct {
	M              int
	EfConstruction int
	Ml             float64
	MMax0          int
	MMax           int
}

func NewParams(m int) Params {
	if m <= 0 {
		m = 16
	}
	return Params{
		M:              m,
		EfConstruction: 100,
		Ml:             1 / math.Log(float64(m)),
		MMax0:          2 * m,
		MMax:           m,
	}
}

func (p Params) maxForLevel(level int) int {
	if level == 0 {
		return p.MMax0
	}
	return p.MMax
}

// Distance computes a, b's distance under metric. Zero-norm vectors
// yield cosine distance 2, the spec's documented degenerate case.
func Distance(metric Metric, a, b []float64) float64 {
	switch metric {
	case L2:
		return l2Distance(a, b)
	case InnerProduct:
		return -dot(a, b)
	default:
		return cosineDistance(a, b)
	}
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm(a []float64) float64 {
	return math.Sqrt(dot(a, a))
}

func cosineDistance(a, b []float64) float64 {
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot(a, b)/(na*nb)
}

func l2Distance(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}
