// Package dataset loads per-subject scan series, labels and session ids from
// disk into the in-memory arrays the embedding builder consumes.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/nvandessel/tdecode/internal/pathutil"
	"gonum.org/v1/gonum/mat"
)

// ErrEmpty is returned when a file holds no data rows.
var ErrEmpty = errors.New("dataset: no rows")

// ReadScans loads a (scans x voxels) matrix, choosing the reader by file
// extension: .arrow, .ipc and .feather are Arrow IPC files, anything else is
// read as CSV.
func ReadScans(path string) (*mat.Dense, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".arrow", ".ipc", ".feather":
		return ReadArrowScans(path)
	default:
		return ReadScansCSV(path)
	}
}

// ReadScansCSV reads one scan per CSV row and one voxel per column. A first
// row that does not parse as numbers is treated as a header and skipped.
func ReadScansCSV(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scans %s: %w", pathutil.RedactPath(path), err)
	}
	defer f.Close()

	m, err := parseScansCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read scans %s: %w", pathutil.RedactPath(path), err)
	}
	return m, nil
}

func parseScansCSV(in io.Reader) (*mat.Dense, error) {
	reader := csv.NewReader(in)
	reader.TrimLeadingSpace = true

	var data []float64
	cols := -1
	rows := 0
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", line+1, err)
		}
		line++

		values, perr := parseRow(record)
		if perr != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("csv row %d: %w", line, perr)
		}
		if cols < 0 {
			cols = len(values)
		}
		data = append(data, values...)
		rows++
	}

	if rows == 0 || cols == 0 {
		return nil, ErrEmpty
	}
	return mat.NewDense(rows, cols, data), nil
}

func parseRow(record []string) ([]float64, error) {
	out := make([]float64, len(record))
	for i, field := range record {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

// ReadArrowScans reads an Arrow IPC file whose columns are voxels and whose
// rows are scans. Every column must be float64 or float32 without nulls; all
// record batches are concatenated in file order.
func ReadArrowScans(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scans %s: %w", pathutil.RedactPath(path), err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("read arrow file %s: %w", pathutil.RedactPath(path), err)
	}
	defer r.Close()

	cols := r.Schema().NumFields()
	if cols == 0 {
		return nil, fmt.Errorf("read arrow file %s: %w", pathutil.RedactPath(path), ErrEmpty)
	}

	var data []float64
	rows := 0
	for b := 0; b < r.NumRecords(); b++ {
		rec, err := r.Record(b)
		if err != nil {
			return nil, fmt.Errorf("read arrow record %d: %w", b, err)
		}
		n := int(rec.NumRows())
		batch := make([]float64, n*cols)
		for j := 0; j < cols; j++ {
			if err := copyColumn(batch, rec.Column(j), j, cols); err != nil {
				return nil, fmt.Errorf("arrow column %q: %w", r.Schema().Field(j).Name, err)
			}
		}
		data = append(data, batch...)
		rows += n
	}

	if rows == 0 {
		return nil, fmt.Errorf("read arrow file %s: %w", pathutil.RedactPath(path), ErrEmpty)
	}
	return mat.NewDense(rows, cols, data), nil
}

// copyColumn writes col into column j of the row-major buffer dst.
func copyColumn(dst []float64, col arrow.Array, j, stride int) error {
	if col.NullN() > 0 {
		return fmt.Errorf("%d null values", col.NullN())
	}
	switch c := col.(type) {
	case *array.Float64:
		for i := 0; i < c.Len(); i++ {
			dst[i*stride+j] = c.Value(i)
		}
	case *array.Float32:
		for i := 0; i < c.Len(); i++ {
			dst[i*stride+j] = float64(c.Value(i))
		}
	default:
		return fmt.Errorf("unsupported type %s", col.DataType())
	}
	return nil
}

// WriteArrowScans writes m as an Arrow IPC file with one float64 column per
// voxel named v0, v1, ...
func WriteArrowScans(path string, m mat.Matrix) error {
	rows, cols := m.Dims()
	fields := make([]arrow.Field, cols)
	for j := range fields {
		fields[j] = arrow.Field{Name: "v" + strconv.Itoa(j), Type: arrow.PrimitiveTypes.Float64}
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, m)
		b.Field(j).(*array.Float64Builder).AppendValues(col, nil)
	}
	rec := b.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", pathutil.RedactPath(path), err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return fmt.Errorf("arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("write arrow record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close arrow writer: %w", err)
	}
	return nil
}
