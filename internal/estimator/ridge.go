package estimator

import (
	"fmt"

	"github.com/nvandessel/tdecode/internal/crossval"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Ridge is L2-regularised least squares with an unpenalised intercept.
//
// As a classifier it fits one-vs-rest targets in {-1, +1} and predicts the
// class with the largest decision value. With Regression set it fits y
// directly. When there are more features than samples the dual system
// (X Xᵀ + αI) is solved instead of (Xᵀ X + αI).
type Ridge struct {
	Alpha      float64
	Regression bool
}

// RidgeModel is a fitted Ridge.
type RidgeModel struct {
	classes []float64 // nil for regression
	mean    []float64
	coef    *mat.Dense // features x outputs
	icpt    []float64
}

// Fit solves the ridge system on (x, y).
func (r *Ridge) Fit(x mat.Matrix, y []float64) (crossval.Model, error) {
	n, p := x.Dims()
	if n != len(y) {
		return nil, fmt.Errorf("estimator: ridge: %d labels for %d rows", len(y), n)
	}
	if r.Alpha < 0 {
		return nil, fmt.Errorf("estimator: ridge: alpha must be >= 0, got %v", r.Alpha)
	}

	xc, mean := center(x)

	var targets *mat.Dense
	var classes []float64
	if r.Regression {
		targets = mat.NewDense(n, 1, append([]float64(nil), y...))
	} else {
		classes = classesOf(y)
		if len(classes) < 2 {
			return nil, fmt.Errorf("estimator: ridge: need at least 2 classes, got %d", len(classes))
		}
		targets = mat.NewDense(n, len(classes), nil)
		for i, v := range y {
			for j, c := range classes {
				if v == c {
					targets.Set(i, j, 1)
				} else {
					targets.Set(i, j, -1)
				}
			}
		}
	}
	_, outs := targets.Dims()

	icpt := make([]float64, outs)
	col := make([]float64, n)
	for j := 0; j < outs; j++ {
		mat.Col(col, j, targets)
		icpt[j] = stat.Mean(col, nil)
		for i := 0; i < n; i++ {
			targets.Set(i, j, col[i]-icpt[j])
		}
	}

	coef := mat.NewDense(p, outs, nil)
	if p <= n {
		// (XᵀX + αI) W = Xᵀ T
		gram := mat.NewSymDense(p, nil)
		gram.SymOuterK(1, xc.T())
		addDiagonal(gram, r.Alpha)
		var rhs mat.Dense
		rhs.Mul(xc.T(), targets)
		if err := solveSym(gram, &rhs, coef); err != nil {
			return nil, err
		}
	} else {
		// W = Xᵀ (XXᵀ + αI)⁻¹ T
		gram := mat.NewSymDense(n, nil)
		gram.SymOuterK(1, xc)
		addDiagonal(gram, r.Alpha)
		dual := mat.NewDense(n, outs, nil)
		if err := solveSym(gram, targets, dual); err != nil {
			return nil, err
		}
		coef.Mul(xc.T(), dual)
	}

	return &RidgeModel{classes: classes, mean: mean, coef: coef, icpt: icpt}, nil
}

// Decision returns the raw decision values, one column per output.
func (m *RidgeModel) Decision(x mat.Matrix) *mat.Dense {
	xc := centerWith(x, m.mean)
	r, _ := xc.Dims()
	_, outs := m.coef.Dims()
	out := mat.NewDense(r, outs, nil)
	out.Mul(xc, m.coef)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] += m.icpt[j]
		}
	}
	return out
}

// Predict returns class labels, or fitted values for regression.
func (m *RidgeModel) Predict(x mat.Matrix) []float64 {
	d := m.Decision(x)
	if m.classes == nil {
		return mat.Col(nil, 0, d)
	}
	return argmaxRows(d, m.classes)
}

// center subtracts the column means of x and returns the centred copy with
// the means.
func center(x mat.Matrix) (*mat.Dense, []float64) {
	n, p := x.Dims()
	mean := make([]float64, p)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, x)
		mean[j] = stat.Mean(col, nil)
	}
	return centerWith(x, mean), mean
}

func centerWith(x mat.Matrix, mean []float64) *mat.Dense {
	n, p := x.Dims()
	out := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j := 0; j < p; j++ {
			row[j] = x.At(i, j) - mean[j]
		}
	}
	return out
}

func addDiagonal(s *mat.SymDense, v float64) {
	n := s.SymmetricDim()
	for i := 0; i < n; i++ {
		s.SetSym(i, i, s.At(i, i)+v)
	}
}

// solveSym solves a · dst = b for symmetric a, by Cholesky when a is
// positive definite and by LU otherwise.
func solveSym(a *mat.SymDense, b mat.Matrix, dst *mat.Dense) error {
	var chol mat.Cholesky
	if chol.Factorize(a) {
		if err := chol.SolveTo(dst, b); err != nil {
			return fmt.Errorf("estimator: ridge: cholesky solve: %w", err)
		}
		return nil
	}
	if err := dst.Solve(a, b); err != nil {
		return fmt.Errorf("estimator: ridge: singular system (try alpha > 0): %w", err)
	}
	return nil
}
