package embedding

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// FilterLabels keeps only the rows whose label is in keep, preserving row
// order. It returns a new embedding and the indices of the kept rows in e so
// that parallel series (group ids) can be filtered the same way. An empty keep
// set returns e unchanged with every index.
func FilterLabels(e *Embedding, keep []float64) (*Embedding, []int, error) {
	if len(keep) == 0 {
		idx := make([]int, e.Samples())
		for i := range idx {
			idx[i] = i
		}
		return e, idx, nil
	}

	allowed := make(map[float64]bool, len(keep))
	for _, k := range keep {
		allowed[k] = true
	}

	var idx []int
	for i, l := range e.Labels {
		if allowed[l] {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, nil, fmt.Errorf("%w: no samples carry labels %v", ErrInsufficientData, keep)
	}

	return &Embedding{
		X:      SelectRows(e.X, idx),
		Labels: SelectValues(e.Labels, idx),
		Delay:  e.Delay,
		Window: e.Window,
	}, idx, nil
}

// SelectRows copies the given rows of m, in the given order, into a new matrix.
func SelectRows(m mat.Matrix, rows []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		mat.Row(out.RawRowView(i), r, m)
	}
	return out
}

// SelectValues returns vals[idx[0]], vals[idx[1]], ... as a new slice.
func SelectValues[T any](vals []T, idx []int) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = vals[j]
	}
	return out
}
