package embedding

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Criterion names the univariate score used to rank features.
type Criterion string

const (
	// FClassif is the one-way ANOVA F statistic of a feature across label classes.
	FClassif Criterion = "f_classif"
	// FRegression is the F statistic of a univariate linear fit of the label on a feature.
	FRegression Criterion = "f_regression"
)

// Valid reports whether c is a known criterion.
func (c Criterion) Valid() bool {
	return c == FClassif || c == FRegression
}

// Selector keeps the k features with the highest univariate score. It must be
// fit on training rows only and then applied to both train and test rows.
type Selector struct {
	// Columns are the kept feature indices in ascending order.
	Columns []int
	// Scores holds the score of every input feature, NaN mapped to 0.
	Scores []float64
}

// FitSelector scores every column of x against y and keeps the k best. Ties
// are broken by the lower column index. k >= the number of columns keeps all.
func FitSelector(x mat.Matrix, y []float64, k int, crit Criterion) (*Selector, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be >= 1, got %d", ErrInvalidParameter, k)
	}
	if !crit.Valid() {
		return nil, fmt.Errorf("%w: unknown selection criterion %q", ErrInvalidParameter, crit)
	}
	r, c := x.Dims()
	if len(y) != r {
		return nil, fmt.Errorf("%w: %d labels for %d rows", ErrInvalidParameter, len(y), r)
	}

	scores := make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, x)
		var s float64
		if crit == FClassif {
			s = anovaF(col, y)
		} else {
			s = regressionF(col, y)
		}
		if math.IsNaN(s) {
			s = 0
		}
		scores[j] = s
	}

	order := make([]int, c)
	for j := range order {
		order[j] = j
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	if k > c {
		k = c
	}
	kept := append([]int(nil), order[:k]...)
	sort.Ints(kept)

	return &Selector{Columns: kept, Scores: scores}, nil
}

// Transform returns the selected columns of x as a new matrix.
func (s *Selector) Transform(x mat.Matrix) *mat.Dense {
	r, _ := x.Dims()
	out := mat.NewDense(r, len(s.Columns), nil)
	for i := 0; i < r; i++ {
		dst := out.RawRowView(i)
		for j, c := range s.Columns {
			dst[j] = x.At(i, c)
		}
	}
	return out
}

// anovaF computes the one-way ANOVA F statistic of x grouped by label.
func anovaF(x, labels []float64) float64 {
	groups := make(map[float64][]float64)
	for i, l := range labels {
		groups[l] = append(groups[l], x[i])
	}
	k := len(groups)
	n := len(x)
	if k < 2 || n <= k {
		return 0
	}

	grand := stat.Mean(x, nil)
	var between, within float64
	for _, g := range groups {
		m := stat.Mean(g, nil)
		between += float64(len(g)) * (m - grand) * (m - grand)
		for _, v := range g {
			within += (v - m) * (v - m)
		}
	}

	if within == 0 {
		if between == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return (between / float64(k-1)) / (within / float64(n-k))
}

// regressionF computes r^2/(1-r^2)*(n-2) for the correlation r of x and y.
func regressionF(x, y []float64) float64 {
	n := len(x)
	if n < 3 {
		return 0
	}
	r := stat.Correlation(x, y, nil)
	r2 := r * r
	if r2 >= 1 {
		return math.Inf(1)
	}
	return r2 / (1 - r2) * float64(n-2)
}
