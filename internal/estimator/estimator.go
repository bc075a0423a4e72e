// Package estimator provides the classifiers and regressors that the
// cross-validation loop fits per fold, plus the matching score functions.
package estimator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nvandessel/tdecode/internal/crossval"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrNotConverged is returned by iterative solvers that hit their iteration
// limit while running in strict mode.
var ErrNotConverged = errors.New("estimator: solver did not converge")

// Model names accepted by New.
const (
	NameRidge           = "ridge"
	NameRidgeRegression = "ridge-regression"
	NameKNN             = "knn"
	NameLogistic        = "logistic"
)

// Names lists every model name New accepts.
func Names() []string {
	return []string{NameRidge, NameRidgeRegression, NameKNN, NameLogistic}
}

// Params are model hyperparameters. Each model reads only the fields it uses.
type Params struct {
	Alpha     float64 `json:"alpha" yaml:"alpha"`
	Neighbors int     `json:"neighbors" yaml:"neighbors"`
	C         float64 `json:"c" yaml:"c"`
	MaxIter   int     `json:"max_iter" yaml:"max_iter"`
	Tol       float64 `json:"tol" yaml:"tol"`
	Strict    bool    `json:"strict" yaml:"strict"`
}

// DefaultParams returns the hyperparameters used when none are configured.
func DefaultParams() Params {
	return Params{
		Alpha:     1.0,
		Neighbors: 5,
		C:         1.0,
		MaxIter:   500,
		Tol:       1e-4,
	}
}

// New returns the fit and score functions for the named model. Classifiers
// are scored by accuracy, ridge-regression by R².
func New(name string, p Params) (crossval.FitFunc, crossval.ScoreFunc, error) {
	switch name {
	case NameRidge:
		r := &Ridge{Alpha: p.Alpha}
		return r.Fit, Accuracy, nil
	case NameRidgeRegression:
		r := &Ridge{Alpha: p.Alpha, Regression: true}
		return r.Fit, R2, nil
	case NameKNN:
		k := &KNN{Neighbors: p.Neighbors}
		return k.Fit, Accuracy, nil
	case NameLogistic:
		l := &Logistic{C: p.C, MaxIter: p.MaxIter, Tol: p.Tol, Strict: p.Strict}
		return l.Fit, Accuracy, nil
	default:
		return nil, nil, fmt.Errorf("estimator: unknown model %q (valid: %v)", name, Names())
	}
}

// Accuracy is the fraction of test rows whose predicted label equals y.
func Accuracy(m crossval.Model, x mat.Matrix, y []float64) (float64, error) {
	pred := m.Predict(x)
	if len(pred) != len(y) {
		return 0, fmt.Errorf("estimator: %d predictions for %d labels", len(pred), len(y))
	}
	if len(y) == 0 {
		return 0, fmt.Errorf("estimator: empty test set")
	}
	correct := 0
	for i := range y {
		if pred[i] == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(y)), nil
}

// R2 is the coefficient of determination of the predictions against y.
func R2(m crossval.Model, x mat.Matrix, y []float64) (float64, error) {
	pred := m.Predict(x)
	if len(pred) != len(y) {
		return 0, fmt.Errorf("estimator: %d predictions for %d labels", len(pred), len(y))
	}
	if len(y) < 2 {
		return 0, fmt.Errorf("estimator: R² needs at least 2 test rows, got %d", len(y))
	}
	return stat.RSquaredFrom(pred, y, nil), nil
}

// classesOf returns the sorted distinct values of y.
func classesOf(y []float64) []float64 {
	seen := make(map[float64]bool)
	var out []float64
	for _, v := range y {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

// argmaxRows returns, for each row of scores, the class at the column with
// the highest value. The first column wins ties.
func argmaxRows(scores mat.Matrix, classes []float64) []float64 {
	r, c := scores.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		best := 0
		for j := 1; j < c; j++ {
			if scores.At(i, j) > scores.At(i, best) {
				best = j
			}
		}
		out[i] = classes[best]
	}
	return out
}
