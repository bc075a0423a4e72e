package crossval

import "fmt"

// FoldScore is the score of one evaluated fold.
type FoldScore struct {
	Group     string  `json:"group" yaml:"group"`
	Fold      int     `json:"fold" yaml:"fold"`
	Score     float64 `json:"score" yaml:"score"`
	TrainSize int     `json:"train_size" yaml:"train_size"`
	TestSize  int     `json:"test_size" yaml:"test_size"`
}

// Example holds the test-fold predictions of the first fold of a group, kept
// for plotting.
type Example struct {
	Group       string      `json:"group"`
	Fold        int         `json:"fold"`
	Score       float64     `json:"score"`
	Labels      []float64   `json:"labels"`
	Predictions []float64   `json:"predictions"`
	Classes     []float64   `json:"classes,omitempty"`
	Confidence  [][]float64 `json:"confidence,omitempty"`
}

// Accumulator collects fold scores across one or more Evaluate calls. The
// zero value is ready to use.
type Accumulator struct {
	sum   float64
	count int

	FoldScores []FoldScore
	Examples   []Example
}

// Add records one fold score.
func (a *Accumulator) Add(fs FoldScore) {
	a.sum += fs.Score
	a.count++
	a.FoldScores = append(a.FoldScores, fs)
}

// Count returns the number of folds recorded.
func (a *Accumulator) Count() int {
	return a.count
}

// Mean returns the unweighted arithmetic mean of all fold scores.
func (a *Accumulator) Mean() (float64, error) {
	if a.count == 0 {
		return 0, ErrNoValidFolds
	}
	return a.sum / float64(a.count), nil
}

// Result is the outcome of a complete cross-validated run.
type Result struct {
	MeanScore  float64     `json:"mean_score"`
	Folds      int         `json:"folds"`
	FoldScores []FoldScore `json:"fold_scores"`
	Examples   []Example   `json:"examples,omitempty"`
}

// Result returns the run summary, or ErrNoValidFolds if nothing was scored.
func (a *Accumulator) Result() (*Result, error) {
	mean, err := a.Mean()
	if err != nil {
		return nil, err
	}
	return &Result{
		MeanScore:  mean,
		Folds:      a.count,
		FoldScores: a.FoldScores,
		Examples:   a.Examples,
	}, nil
}

// GroupMeans returns the mean fold score of each group in first-seen order.
func (a *Accumulator) GroupMeans() []FoldScore {
	idx := make(map[string]int)
	var out []FoldScore
	var counts []int
	for _, fs := range a.FoldScores {
		i, ok := idx[fs.Group]
		if !ok {
			i = len(out)
			idx[fs.Group] = i
			out = append(out, FoldScore{Group: fs.Group, Fold: -1})
			counts = append(counts, 0)
		}
		out[i].Score += fs.Score
		counts[i]++
	}
	for i := range out {
		out[i].Score /= float64(counts[i])
	}
	return out
}

// String implements fmt.Stringer.
func (r *Result) String() string {
	return fmt.Sprintf("Result{MeanScore:%.4f, Folds:%d}", r.MeanScore, r.Folds)
}
