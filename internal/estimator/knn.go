package estimator

import (
	"fmt"
	"sort"

	"github.com/nvandessel/tdecode/internal/crossval"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// KNN is a k-nearest-neighbour classifier with Euclidean distance and a
// majority vote. Vote ties go to the class of the nearest tied neighbour.
type KNN struct {
	Neighbors int
}

// KNNModel is a fitted KNN. It keeps a copy of the training rows.
type KNNModel struct {
	k       int
	x       *mat.Dense
	y       []float64
	classes []float64
}

// Fit stores the training data.
func (k *KNN) Fit(x mat.Matrix, y []float64) (crossval.Model, error) {
	n, _ := x.Dims()
	if n != len(y) {
		return nil, fmt.Errorf("estimator: knn: %d labels for %d rows", len(y), n)
	}
	if k.Neighbors < 1 {
		return nil, fmt.Errorf("estimator: knn: neighbors must be >= 1, got %d", k.Neighbors)
	}
	neighbors := k.Neighbors
	if neighbors > n {
		neighbors = n
	}
	return &KNNModel{
		k:       neighbors,
		x:       mat.DenseCopyOf(x),
		y:       append([]float64(nil), y...),
		classes: classesOf(y),
	}, nil
}

// Classes returns the training classes in ascending order.
func (m *KNNModel) Classes() []float64 {
	return m.classes
}

// Predict returns the majority class among the nearest neighbours of each row.
func (m *KNNModel) Predict(x mat.Matrix) []float64 {
	_, pred := m.vote(x)
	return pred
}

// PredictProba returns the share of neighbour votes per class.
func (m *KNNModel) PredictProba(x mat.Matrix) *mat.Dense {
	shares, _ := m.vote(x)
	return shares
}

// vote returns per-class vote shares and the winning class of every row.
// Ties between classes go to the class of the nearest tied neighbour.
func (m *KNNModel) vote(x mat.Matrix) (*mat.Dense, []float64) {
	r, c := x.Dims()
	n, _ := m.x.Dims()
	classIdx := make(map[float64]int, len(m.classes))
	for i, cl := range m.classes {
		classIdx[cl] = i
	}

	shares := mat.NewDense(r, len(m.classes), nil)
	pred := make([]float64, r)
	query := make([]float64, c)
	dist := make([]float64, n)
	order := make([]int, n)
	for i := 0; i < r; i++ {
		mat.Row(query, i, x)
		for j := 0; j < n; j++ {
			dist[j] = floats.Distance(query, m.x.RawRowView(j), 2)
			order[j] = j
		}
		sort.SliceStable(order, func(a, b int) bool { return dist[order[a]] < dist[order[b]] })

		counts := make([]float64, len(m.classes))
		for _, j := range order[:m.k] {
			counts[classIdx[m.y[j]]]++
		}
		top := floats.Max(counts)
		for _, j := range order[:m.k] {
			if counts[classIdx[m.y[j]]] == top {
				pred[i] = m.y[j]
				break
			}
		}

		floats.Scale(1/float64(m.k), counts)
		shares.SetRow(i, counts)
	}
	return shares, pred
}
