// Package crossval enumerates leakage-safe cross-validation folds over
// embedding samples and drives the fit/score loop across them.
package crossval

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/combin"
)

// ErrInvalidFoldSize is returned when the requested hold-out size is not in
// [1, n) for n samples (or groups).
var ErrInvalidFoldSize = errors.New("crossval: invalid hold-out size")

// Fold is one train/test split. Indices are positions on the embedding's
// sample axis, never original scan indices. Train and Test are disjoint and
// ascending.
type Fold struct {
	Index int
	Train []int
	Test  []int
}

// FoldIterator yields folds lazily, one at a time, in enumeration order.
// Next returns false once enumeration is exhausted.
type FoldIterator interface {
	Next() (Fold, bool)
}

// HoldOutSize converts p into a number of held-out items out of n. Values
// below one are a fraction of n rounded down (0.1 of 95 is 9); values of one
// or more are an absolute count (fractional parts dropped). The result must
// satisfy 1 <= size < n.
func HoldOutSize(n int, p float64) (int, error) {
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return 0, fmt.Errorf("%w: p must be positive, got %v", ErrInvalidFoldSize, p)
	}

	var size int
	if p < 1 {
		size = int(math.Floor(p * float64(n)))
	} else {
		size = int(p)
	}
	if size < 1 || size >= n {
		return 0, fmt.Errorf("%w: p=%v gives %d of %d", ErrInvalidFoldSize, p, size, n)
	}
	return size, nil
}

// FoldCount returns C(n, p), the number of folds a leave-p-out enumeration
// over n items yields, as a float so that very large counts do not overflow.
func FoldCount(n, p int) float64 {
	if p < 0 || p > n {
		return 0
	}
	return math.Round(math.Exp(combin.LogGeneralizedBinomial(float64(n), float64(p))))
}

// LeavePOut enumerates every size-p subset of the n samples as a test fold,
// in lexicographic order, with the remaining samples as training data.
func LeavePOut(n, p int) (FoldIterator, error) {
	if p < 1 || p >= n {
		return nil, fmt.Errorf("%w: leave-%d-out over %d samples", ErrInvalidFoldSize, p, n)
	}
	return &leavePOut{n: n, comb: newCombinations(n, p)}, nil
}

type leavePOut struct {
	n     int
	comb  *combinations
	index int
}

func (l *leavePOut) Next() (Fold, bool) {
	if !l.comb.next() {
		return Fold{}, false
	}
	test := append([]int(nil), l.comb.c...)
	train := complement(l.n, test)
	f := Fold{Index: l.index, Train: train, Test: test}
	l.index++
	return f, true
}

// LeavePGroupsOut holds out every combination of p distinct groups as test
// data. groups[i] is the group (session) of sample i. Distinct groups are
// combined in ascending id order. No group ever appears on both sides of a
// fold.
func LeavePGroupsOut(groups []int, p int) (FoldIterator, error) {
	members := make(map[int][]int)
	for i, g := range groups {
		members[g] = append(members[g], i)
	}
	ids := make([]int, 0, len(members))
	for g := range members {
		ids = append(ids, g)
	}
	sort.Ints(ids)

	if p < 1 || p >= len(ids) {
		return nil, fmt.Errorf("%w: leave-%d-groups-out over %d groups", ErrInvalidFoldSize, p, len(ids))
	}

	return &leavePGroupsOut{
		n:       len(groups),
		ids:     ids,
		members: members,
		comb:    newCombinations(len(ids), p),
	}, nil
}

type leavePGroupsOut struct {
	n       int
	ids     []int
	members map[int][]int
	comb    *combinations
	index   int
}

func (l *leavePGroupsOut) Next() (Fold, bool) {
	if !l.comb.next() {
		return Fold{}, false
	}
	var test []int
	for _, gi := range l.comb.c {
		test = append(test, l.members[l.ids[gi]]...)
	}
	sort.Ints(test)
	f := Fold{Index: l.index, Train: complement(l.n, test), Test: test}
	l.index++
	return f, true
}

// NumGroups returns the number of distinct ids in groups.
func NumGroups(groups []int) int {
	seen := make(map[int]struct{}, len(groups))
	for _, g := range groups {
		seen[g] = struct{}{}
	}
	return len(seen)
}

// complement returns the indices in [0, n) not present in the ascending
// slice sorted.
func complement(n int, sorted []int) []int {
	out := make([]int, 0, n-len(sorted))
	j := 0
	for i := 0; i < n; i++ {
		if j < len(sorted) && sorted[j] == i {
			j++
			continue
		}
		out = append(out, i)
	}
	return out
}

// combinations walks the k-subsets of [0, n) in lexicographic order without
// knowing their count up front. combin.CombinationGenerator computes C(n, k)
// in int arithmetic, which overflows for leave-p-out over a full session.
type combinations struct {
	n, k    int
	c       []int
	started bool
	done    bool
}

func newCombinations(n, k int) *combinations {
	return &combinations{n: n, k: k, c: make([]int, k)}
}

func (cb *combinations) next() bool {
	if cb.done {
		return false
	}
	if !cb.started {
		cb.started = true
		for i := range cb.c {
			cb.c[i] = i
		}
		return true
	}

	i := cb.k - 1
	for i >= 0 && cb.c[i] == cb.n-cb.k+i {
		i--
	}
	if i < 0 {
		cb.done = true
		return false
	}
	cb.c[i]++
	for j := i + 1; j < cb.k; j++ {
		cb.c[j] = cb.c[j-1] + 1
	}
	return true
}
