package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/nvandessel/tdecode/internal/pathutil"
)

// RestCategory is the sentinel stimulus name for scans with no stimulus. It
// always maps to label 0.
const RestCategory = "rest"

// Targets are the per-scan labels and session ids of one subject.
type Targets struct {
	Labels   []float64
	Sessions []int

	// Categories[i] is the stimulus name of label i+1. Empty when the
	// labels column was numeric.
	Categories []string
}

// ReadTargets reads a whitespace-delimited targets file with a header row
// naming at least a "labels" column and optionally a "chunk" (session)
// column, one row per scan. This is the layout of the public Haxby
// session_target files:
//
//	labels chunk
//	rest 0
//	face 0
//
// With categories set, categories[i] becomes label i+1 and every other name
// becomes 0. Without categories, numeric labels are kept verbatim and names
// are numbered 1..n in sorted order with RestCategory as 0. A missing chunk
// column puts every scan in session 0.
func ReadTargets(path string, categories []string) (*Targets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets %s: %w", pathutil.RedactPath(path), err)
	}
	defer f.Close()

	t, err := parseTargets(f, categories)
	if err != nil {
		return nil, fmt.Errorf("read targets %s: %w", pathutil.RedactPath(path), err)
	}
	return t, nil
}

func parseTargets(in io.Reader, categories []string) (*Targets, error) {
	scanner := bufio.NewScanner(in)

	labelCol, chunkCol := -1, -1
	var names []string
	var sessions []int
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if labelCol < 0 {
			for i, h := range fields {
				switch strings.ToLower(h) {
				case "labels", "label":
					labelCol = i
				case "chunk", "chunks", "session":
					chunkCol = i
				}
			}
			if labelCol < 0 {
				return nil, fmt.Errorf("header %q has no labels column", scanner.Text())
			}
			continue
		}

		if labelCol >= len(fields) || (chunkCol >= 0 && chunkCol >= len(fields)) {
			return nil, fmt.Errorf("line %d: expected at least %d fields, got %d", line, max(labelCol, chunkCol)+1, len(fields))
		}
		names = append(names, fields[labelCol])
		session := 0
		if chunkCol >= 0 {
			s, err := strconv.Atoi(fields[chunkCol])
			if err != nil {
				return nil, fmt.Errorf("line %d: chunk %q: %w", line, fields[chunkCol], err)
			}
			session = s
		}
		sessions = append(sessions, session)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrEmpty
	}

	labels, cats := encodeLabels(names, categories)
	return &Targets{Labels: labels, Sessions: sessions, Categories: cats}, nil
}

// encodeLabels maps label names to numbers and returns the category list
// used.
func encodeLabels(names, categories []string) ([]float64, []string) {
	labels := make([]float64, len(names))

	if len(categories) == 0 {
		numeric := true
		for i, n := range names {
			v, err := strconv.ParseFloat(n, 64)
			if err != nil {
				numeric = false
				break
			}
			labels[i] = v
		}
		if numeric {
			return labels, nil
		}

		seen := make(map[string]bool)
		for _, n := range names {
			if n != RestCategory && !seen[n] {
				seen[n] = true
				categories = append(categories, n)
			}
		}
		sort.Strings(categories)
	}

	code := make(map[string]float64, len(categories))
	for i, c := range categories {
		code[c] = float64(i + 1)
	}
	for i, n := range names {
		labels[i] = code[n]
	}
	return labels, categories
}

// LabelCodes returns the numeric labels of the named categories, for use as
// a label-subset filter. Names not in categories are reported as an error.
func LabelCodes(categories, names []string) ([]float64, error) {
	out := make([]float64, 0, len(names))
	for _, n := range names {
		if n == RestCategory {
			out = append(out, 0)
			continue
		}
		found := false
		for i, c := range categories {
			if c == n {
				out = append(out, float64(i+1))
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("dataset: unknown category %q (known: %v)", n, categories)
		}
	}
	return out, nil
}
