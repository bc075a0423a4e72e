package estimator

import (
	"fmt"
	"math"

	"github.com/nvandessel/tdecode/internal/crossval"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Logistic is multinomial (softmax) logistic regression with an L2 penalty of
// strength 1/C, trained by batch gradient descent on standardised features.
type Logistic struct {
	C            float64
	MaxIter      int
	Tol          float64
	LearningRate float64

	// Strict turns hitting MaxIter before the gradient falls below Tol into
	// an ErrNotConverged error instead of returning the last iterate.
	Strict bool
}

// LogisticModel is a fitted Logistic.
type LogisticModel struct {
	classes []float64
	mean    []float64
	scale   []float64
	coef    *mat.Dense // features x classes
	icpt    []float64
}

// Fit trains the model on (x, y).
func (l *Logistic) Fit(x mat.Matrix, y []float64) (crossval.Model, error) {
	n, p := x.Dims()
	if n != len(y) {
		return nil, fmt.Errorf("estimator: logistic: %d labels for %d rows", len(y), n)
	}
	if l.C <= 0 {
		return nil, fmt.Errorf("estimator: logistic: C must be > 0, got %v", l.C)
	}
	classes := classesOf(y)
	if len(classes) < 2 {
		return nil, fmt.Errorf("estimator: logistic: need at least 2 classes, got %d", len(classes))
	}
	maxIter := l.MaxIter
	if maxIter <= 0 {
		maxIter = 500
	}
	lr := l.LearningRate
	if lr <= 0 {
		lr = 0.1
	}

	mean := make([]float64, p)
	scale := make([]float64, p)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, x)
		m, s := stat.MeanStdDev(col, nil)
		if s == 0 || math.IsNaN(s) {
			s = 1
		}
		mean[j], scale[j] = m, s
	}
	xs := standardize(x, mean, scale)

	k := len(classes)
	onehot := mat.NewDense(n, k, nil)
	for i, v := range y {
		for j, c := range classes {
			if v == c {
				onehot.Set(i, j, 1)
			}
		}
	}

	coef := mat.NewDense(p, k, nil)
	icpt := make([]float64, k)
	lambda := 1 / (l.C * float64(n))

	var grad, resid mat.Dense
	gb := make([]float64, k)
	converged := false
	for it := 0; it < maxIter; it++ {
		proba := softmax(xs, coef, icpt)
		resid.Sub(proba, onehot)

		grad.Mul(xs.T(), &resid)
		grad.Scale(1/float64(n), &grad)
		var penalty mat.Dense
		penalty.Scale(lambda, coef)
		grad.Add(&grad, &penalty)

		for j := 0; j < k; j++ {
			gb[j] = floats.Sum(mat.Col(nil, j, &resid)) / float64(n)
		}

		step := math.Max(mat.Norm(&grad, math.Inf(1)), floats.Norm(gb, math.Inf(1)))
		if step < l.Tol {
			converged = true
			break
		}

		grad.Scale(lr, &grad)
		coef.Sub(coef, &grad)
		floats.AddScaled(icpt, -lr, gb)
	}

	if !converged && l.Strict {
		return nil, fmt.Errorf("%w: logistic regression after %d iterations", ErrNotConverged, maxIter)
	}

	return &LogisticModel{classes: classes, mean: mean, scale: scale, coef: coef, icpt: icpt}, nil
}

// Classes returns the classes in column order of PredictProba.
func (m *LogisticModel) Classes() []float64 {
	return m.classes
}

// PredictProba returns the softmax class probabilities of each row.
func (m *LogisticModel) PredictProba(x mat.Matrix) *mat.Dense {
	return softmax(standardize(x, m.mean, m.scale), m.coef, m.icpt)
}

// Predict returns the most probable class of each row.
func (m *LogisticModel) Predict(x mat.Matrix) []float64 {
	return argmaxRows(m.PredictProba(x), m.classes)
}

func standardize(x mat.Matrix, mean, scale []float64) *mat.Dense {
	n, p := x.Dims()
	out := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j := 0; j < p; j++ {
			row[j] = (x.At(i, j) - mean[j]) / scale[j]
		}
	}
	return out
}

// softmax returns row-wise softmax(x·coef + icpt).
func softmax(x, coef *mat.Dense, icpt []float64) *mat.Dense {
	n, _ := x.Dims()
	_, k := coef.Dims()
	out := mat.NewDense(n, k, nil)
	out.Mul(x, coef)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		floats.Add(row, icpt)
		mx := floats.Max(row)
		sum := 0.0
		for j := range row {
			row[j] = math.Exp(row[j] - mx)
			sum += row[j]
		}
		floats.Scale(1/sum, row)
	}
	return out
}
