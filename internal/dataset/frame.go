// Package dataset holds tabular CSV data with a header row.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

var ErrEmpty = errors.New("dataset has no rows")

type Frame struct {
	Header []string
	Rows   [][]string
}

func ReadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("parse csv: missing header row")
	}
	header := make([]string, len(records[0]))
	for i, name := range records[0] {
		header[i] = strings.TrimSpace(name)
	}
	return &Frame{Header: header, Rows: records[1:]}, nil
}

func ParseCSV(data []byte) (*Frame, error) {
	return ReadCSV(bytes.NewReader(data))
}

func (f *Frame) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(f.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(f.Rows); err != nil {
		return err
	}
	return cw.Error()
}

func (f *Frame) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := f.WriteCSV(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Frame) Len() int {
	return len(f.Rows)
}

func (f *Frame) ColumnIndex(name string) int {
	for i, col := range f.Header {
		if col == name {
			return i
		}
	}
	return -1
}

// Split shuffles rows with a generator seeded by seed and returns
// (train, test). The test set holds ceil(n*testRatio) rows.
func (f *Frame) Split(testRatio float64, seed int64) (*Frame, *Frame, error) {
	if testRatio <= 0 || testRatio >= 1 {
		return nil, nil, fmt.Errorf("test ratio must be in (0, 1), got %v", testRatio)
	}
	n := len(f.Rows)
	nTest := int(math.Ceil(float64(n) * testRatio))
	if n < 2 || nTest >= n {
		return nil, nil, fmt.Errorf("cannot split %d rows with test ratio %v", n, testRatio)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	test := &Frame{Header: f.Header, Rows: make([][]string, 0, nTest)}
	train := &Frame{Header: f.Header, Rows: make([][]string, 0, n-nTest)}
	for i, idx := range perm {
		if i < nTest {
			test.Rows = append(test.Rows, f.Rows[idx])
			continue
		}
		train.Rows = append(train.Rows, f.Rows[idx])
	}
	return train, test, nil
}

// SeedFor derives a deterministic shuffle seed from a token such as a run id.
func SeedFor(token string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	return int64(h.Sum64() & math.MaxInt64)
}

// Features returns every column except target as the feature matrix and
// target as the label vector.
func (f *Frame) Features(target string) ([][]float64, []float64, error) {
	if len(f.Rows) == 0 {
		return nil, nil, ErrEmpty
	}
	targetIdx := f.ColumnIndex(target)
	if targetIdx < 0 {
		return nil, nil, fmt.Errorf("target column %q not found", target)
	}

	X := make([][]float64, len(f.Rows))
	y := make([]float64, len(f.Rows))
	for i, row := range f.Rows {
		if len(row) != len(f.Header) {
			return nil, nil, fmt.Errorf("row %d: got %d fields, want %d", i+1, len(row), len(f.Header))
		}
		features := make([]float64, 0, len(row)-1)
		for j, cell := range row {
			v, err := parseCell(cell)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d column %q: %w", i+1, f.Header[j], err)
			}
			if j == targetIdx {
				y[i] = v
				continue
			}
			features = append(features, v)
		}
		X[i] = features
	}
	return X, y, nil
}

// Matrix converts every cell to a number, row-major.
func (f *Frame) Matrix() ([][]float64, error) {
	out := make([][]float64, len(f.Rows))
	for i, row := range f.Rows {
		values := make([]float64, len(row))
		for j, cell := range row {
			v, err := parseCell(cell)
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", i+1, j+1, err)
			}
			values[j] = v
		}
		out[i] = values
	}
	return out, nil
}

// AppendColumn adds a column; values must hold one entry per row.
func (f *Frame) AppendColumn(name string, values []string) error {
	if len(values) != len(f.Rows) {
		return fmt.Errorf("column %q has %d values for %d rows", name, len(values), len(f.Rows))
	}
	f.Header = append(f.Header, name)
	for i := range f.Rows {
		f.Rows[i] = append(f.Rows[i], values[i])
	}
	return nil
}

func parseCell(cell string) (float64, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return 0, errors.New("empty value")
	}
	return strconv.ParseFloat(cell, 64)
}

// FormatNumber renders a label without a trailing ".0" for integral values.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
