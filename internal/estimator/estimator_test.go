package estimator

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/nvandessel/tdecode/internal/crossval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// blobs returns n rows per class for classes 0..k-1. Class c sits at 4 on
// feature c (mod features) and 0 elsewhere, with noise from a fixed seed.
func blobs(n, k, features int) (*mat.Dense, []float64) {
	r := rand.New(rand.NewSource(7))
	x := mat.NewDense(n*k, features, nil)
	y := make([]float64, n*k)
	for c := 0; c < k; c++ {
		for i := 0; i < n; i++ {
			row := c*n + i
			y[row] = float64(c)
			for j := 0; j < features; j++ {
				centre := 0.0
				if j == c%features {
					centre = 4
				}
				x.Set(row, j, centre+r.NormFloat64()*0.5)
			}
		}
	}
	return x, y
}

func TestModels_SeparateBlobs(t *testing.T) {
	x, y := blobs(20, 3, 4)

	for _, name := range []string{NameRidge, NameKNN, NameLogistic} {
		t.Run(name, func(t *testing.T) {
			fit, score, err := New(name, DefaultParams())
			require.NoError(t, err)

			m, err := fit(x, y)
			require.NoError(t, err)
			acc, err := score(m, x, y)
			require.NoError(t, err)
			assert.Equal(t, 1.0, acc)
		})
	}
}

func TestRidge_DualMatchesSeparation(t *testing.T) {
	// More features than samples takes the dual path.
	x, y := blobs(5, 2, 40)
	m, err := (&Ridge{Alpha: 1}).Fit(x, y)
	require.NoError(t, err)

	acc, err := Accuracy(m, x, y)
	require.NoError(t, err)
	assert.Equal(t, 1.0, acc)
}

func TestRidge_PrimalAndDualAgree(t *testing.T) {
	x, y := blobs(6, 2, 3)

	primal, err := (&Ridge{Alpha: 0.5, Regression: true}).Fit(x, y)
	require.NoError(t, err)

	// Xᵀ(XXᵀ + αI)⁻¹T must equal the primal solution.
	pm := primal.(*RidgeModel)
	xc, _ := center(x)
	gram := mat.NewSymDense(12, nil)
	gram.SymOuterK(1, xc)
	addDiagonal(gram, 0.5)
	t0 := mat.NewDense(12, 1, nil)
	for i, v := range y {
		t0.Set(i, 0, v-pm.icpt[0])
	}
	dual := mat.NewDense(12, 1, nil)
	require.NoError(t, solveSym(gram, t0, dual))
	var coef mat.Dense
	coef.Mul(xc.T(), dual)

	assert.True(t, mat.EqualApprox(&coef, pm.coef, 1e-8))
}

func TestRidgeRegression_R2(t *testing.T) {
	x := mat.NewDense(6, 1, []float64{1, 2, 3, 4, 5, 6})
	y := []float64{3, 5, 7, 9, 11, 13}

	fit, score, err := New(NameRidgeRegression, Params{Alpha: 1e-9})
	require.NoError(t, err)
	m, err := fit(x, y)
	require.NoError(t, err)

	r2, err := score(m, x, y)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r2, 1e-6)

	pred := m.Predict(mat.NewDense(1, 1, []float64{10}))
	assert.InDelta(t, 21.0, pred[0], 1e-6)
}

func TestRidge_Errors(t *testing.T) {
	x := mat.NewDense(3, 1, []float64{1, 2, 3})

	_, err := (&Ridge{Alpha: 1}).Fit(x, []float64{1, 1, 1})
	assert.Error(t, err)

	_, err = (&Ridge{Alpha: -1}).Fit(x, []float64{0, 1, 0})
	assert.Error(t, err)

	_, err = (&Ridge{Alpha: 1}).Fit(x, []float64{0, 1})
	assert.Error(t, err)
}

func TestKNN_VoteSharesAndTies(t *testing.T) {
	x := mat.NewDense(4, 1, []float64{0, 1, 10, 11})
	y := []float64{0, 0, 1, 1}

	m, err := (&KNN{Neighbors: 3}).Fit(x, y)
	require.NoError(t, err)
	pm := m.(crossval.ProbabilisticModel)

	proba := pm.PredictProba(mat.NewDense(1, 1, []float64{0.4}))
	assert.InDelta(t, 2.0/3, proba.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0/3, proba.At(0, 1), 1e-12)
	assert.Equal(t, []float64{0, 1}, pm.Classes())

	// With two neighbours, 5.4 sees one of each; the nearer one (1) wins.
	m2, err := (&KNN{Neighbors: 2}).Fit(x, y)
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, m2.Predict(mat.NewDense(1, 1, []float64{5.4})))
	assert.Equal(t, []float64{1}, m2.Predict(mat.NewDense(1, 1, []float64{5.6})))
}

func TestKNN_ClampsNeighbors(t *testing.T) {
	x := mat.NewDense(2, 1, []float64{0, 1})
	m, err := (&KNN{Neighbors: 10}).Fit(x, []float64{0, 1})
	require.NoError(t, err)
	assert.Len(t, m.Predict(x), 2)

	_, err = (&KNN{}).Fit(x, []float64{0, 1})
	assert.Error(t, err)
}

func TestLogistic_ProbabilitiesSumToOne(t *testing.T) {
	x, y := blobs(10, 3, 3)
	m, err := (&Logistic{C: 1, MaxIter: 300}).Fit(x, y)
	require.NoError(t, err)

	proba := m.(crossval.ProbabilisticModel).PredictProba(x)
	r, c := proba.Dims()
	require.Equal(t, 30, r)
	require.Equal(t, 3, c)
	for i := 0; i < r; i++ {
		sum := 0.0
		for j := 0; j < c; j++ {
			sum += proba.At(i, j)
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestLogistic_StrictNonConvergence(t *testing.T) {
	x, y := blobs(10, 2, 2)
	_, err := (&Logistic{C: 1, MaxIter: 1, Tol: 1e-12, Strict: true}).Fit(x, y)
	assert.True(t, errors.Is(err, ErrNotConverged))

	_, err = (&Logistic{C: 1, MaxIter: 1, Tol: 1e-12}).Fit(x, y)
	assert.NoError(t, err)

	_, err = (&Logistic{C: 0}).Fit(x, y)
	assert.Error(t, err)
}

func TestNew_UnknownModel(t *testing.T) {
	_, _, err := New("svm", DefaultParams())
	assert.Error(t, err)
}

func TestScoreFuncs_Errors(t *testing.T) {
	x := mat.NewDense(1, 1, []float64{1})
	m, err := (&Ridge{Alpha: 1, Regression: true}).Fit(mat.NewDense(2, 1, []float64{0, 1}), []float64{0, 1})
	require.NoError(t, err)

	_, err = R2(m, x, []float64{1})
	assert.Error(t, err)

	_, err = Accuracy(m, x, []float64{1, 2})
	assert.Error(t, err)

	v, err := Accuracy(m, x, []float64{math.NaN()})
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}
