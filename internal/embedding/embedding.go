// Package embedding builds time-delay embeddings from fMRI scan series.
//
// A scan series is a (scans x voxels) matrix in acquisition order. The
// embedding shifts it by a hemodynamic delay and concatenates a window of
// consecutive delayed scans into one feature vector per sample, keeping each
// sample labelled with the stimulus at its undelayed index.
package embedding

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrInsufficientData is returned when the scan series is too short to form a
// single window once the delay has been applied.
var ErrInsufficientData = errors.New("embedding: not enough scans for delay and window")

// ErrInvalidParameter is returned for negative delays, windows below one and
// inputs whose lengths disagree.
var ErrInvalidParameter = errors.New("embedding: invalid parameter")

// Embedding is a windowed feature matrix with labels aligned 1:1 to its rows.
// It is never modified after Build returns it.
type Embedding struct {
	// X has shape (samples, voxels*window). Row i holds scans
	// [i+Delay, i+Delay+Window) flattened earliest first.
	X *mat.Dense

	// Labels[i] is the label of scan i, the stimulus that caused the
	// delayed response stored in row i.
	Labels []float64

	Delay  int
	Window int
}

// Samples returns the number of embedding rows.
func (e *Embedding) Samples() int {
	r, _ := e.X.Dims()
	return r
}

// Features returns the number of embedding columns (voxels * window).
func (e *Embedding) Features() int {
	_, c := e.X.Dims()
	return c
}

// ValidSamples returns the number of samples a series of length scans yields
// for the given delay and window: scans - delay - window.
func ValidSamples(scans, delay, window int) int {
	return scans - delay - window
}

// Build converts a scan series and its per-scan labels into a time-delay
// embedding. Valid sample indices are [0, L-delay-window); row i concatenates
// scans [i+delay, i+delay+window) and is labelled with labels[i].
//
// Build is a pure function of its inputs: the scans matrix and labels slice
// are only read, and the returned embedding shares no memory with them.
func Build(scans mat.Matrix, labels []float64, delay, window int) (*Embedding, error) {
	if scans == nil {
		return nil, fmt.Errorf("%w: nil scan series", ErrInvalidParameter)
	}
	if err := checkParams(delay, window); err != nil {
		return nil, err
	}

	l, v := scans.Dims()
	if len(labels) != l {
		return nil, fmt.Errorf("%w: %d labels for %d scans", ErrInvalidParameter, len(labels), l)
	}
	if v == 0 {
		return nil, fmt.Errorf("%w: scan series has no voxels", ErrInvalidParameter)
	}

	n := ValidSamples(l, delay, window)
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d scans, delay %d, window %d", ErrInsufficientData, l, delay, window)
	}

	x := mat.NewDense(n, v*window, nil)
	for i := 0; i < n; i++ {
		row := x.RawRowView(i)
		for w := 0; w < window; w++ {
			mat.Row(row[w*v:(w+1)*v], i+delay+w, scans)
		}
	}

	y := make([]float64, n)
	copy(y, labels[:n])

	return &Embedding{X: x, Labels: y, Delay: delay, Window: window}, nil
}

// AlignGroups returns the group id of every embedding row for a series of
// len(groups) scans. Like labels, groups are taken at the undelayed index.
func AlignGroups(groups []int, delay, window int) ([]int, error) {
	if err := checkParams(delay, window); err != nil {
		return nil, err
	}
	n := ValidSamples(len(groups), delay, window)
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d scans, delay %d, window %d", ErrInsufficientData, len(groups), delay, window)
	}
	out := make([]int, n)
	copy(out, groups[:n])
	return out, nil
}

// BuildBySession embeds each contiguous run of equal session ids on its own
// and stacks the results, so no window spans two acquisition runs. It returns
// the stacked embedding and the session id of every row. Sessions too short
// for the delay and window contribute no rows; if no session is long enough
// the error wraps ErrInsufficientData.
func BuildBySession(scans mat.Matrix, labels []float64, sessions []int, delay, window int) (*Embedding, []int, error) {
	if scans == nil {
		return nil, nil, fmt.Errorf("%w: nil scan series", ErrInvalidParameter)
	}
	if err := checkParams(delay, window); err != nil {
		return nil, nil, err
	}
	l, v := scans.Dims()
	if len(labels) != l || len(sessions) != l {
		return nil, nil, fmt.Errorf("%w: %d labels and %d session ids for %d scans",
			ErrInvalidParameter, len(labels), len(sessions), l)
	}

	var parts []*Embedding
	var groups []int
	total := 0
	for start := 0; start < l; {
		end := start + 1
		for end < l && sessions[end] == sessions[start] {
			end++
		}
		if ValidSamples(end-start, delay, window) > 0 {
			part, err := Build(rowSlice(scans, start, end), labels[start:end], delay, window)
			if err != nil {
				return nil, nil, fmt.Errorf("session %d: %w", sessions[start], err)
			}
			parts = append(parts, part)
			for i := 0; i < part.Samples(); i++ {
				groups = append(groups, sessions[start])
			}
			total += part.Samples()
		}
		start = end
	}

	if total == 0 {
		return nil, nil, fmt.Errorf("%w: no session has more than %d scans", ErrInsufficientData, delay+window)
	}

	x := mat.NewDense(total, v*window, nil)
	y := make([]float64, 0, total)
	r := 0
	for _, p := range parts {
		for i := 0; i < p.Samples(); i++ {
			x.SetRow(r, p.X.RawRowView(i))
			r++
		}
		y = append(y, p.Labels...)
	}

	return &Embedding{X: x, Labels: y, Delay: delay, Window: window}, groups, nil
}

func checkParams(delay, window int) error {
	if delay < 0 {
		return fmt.Errorf("%w: delay must be >= 0, got %d", ErrInvalidParameter, delay)
	}
	if window < 1 {
		return fmt.Errorf("%w: window must be >= 1, got %d", ErrInvalidParameter, window)
	}
	return nil
}

// rowSlice returns rows [i, j) of m without copying when m is dense.
func rowSlice(m mat.Matrix, i, j int) mat.Matrix {
	_, c := m.Dims()
	if d, ok := m.(*mat.Dense); ok {
		return d.Slice(i, j, 0, c)
	}
	out := mat.NewDense(j-i, c, nil)
	for r := i; r < j; r++ {
		mat.Row(out.RawRowView(r-i), r, m)
	}
	return out
}
