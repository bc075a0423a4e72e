package dataset

import (
	"fmt"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// SubjectSource points at the files of one subject.
type SubjectSource struct {
	ID      string `json:"id" yaml:"id"`
	Scans   string `json:"scans" yaml:"scans"`
	Targets string `json:"targets" yaml:"targets"`
}

// SubjectID names a subject after the directory holding its scans, or the
// scans file name when there is none.
func SubjectID(scans string) string {
	dir := filepath.Base(filepath.Dir(scans))
	if dir == "." || dir == string(filepath.Separator) {
		return strings.TrimSuffix(filepath.Base(scans), filepath.Ext(scans))
	}
	return dir
}

// Subject is one subject's scan series with aligned labels and sessions.
type Subject struct {
	ID         string
	Scans      *mat.Dense
	Labels     []float64
	Sessions   []int
	Categories []string
}

// LoadSubject reads the scans and targets of src and checks that they have
// one row per scan.
func LoadSubject(src SubjectSource, categories []string) (*Subject, error) {
	scans, err := ReadScans(src.Scans)
	if err != nil {
		return nil, fmt.Errorf("subject %s: %w", src.ID, err)
	}
	targets, err := ReadTargets(src.Targets, categories)
	if err != nil {
		return nil, fmt.Errorf("subject %s: %w", src.ID, err)
	}

	rows, _ := scans.Dims()
	if rows != len(targets.Labels) {
		return nil, fmt.Errorf("subject %s: %d scans but %d target rows", src.ID, rows, len(targets.Labels))
	}

	return &Subject{
		ID:         src.ID,
		Scans:      scans,
		Labels:     targets.Labels,
		Sessions:   targets.Sessions,
		Categories: targets.Categories,
	}, nil
}
