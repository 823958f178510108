// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/james-bowman/sparse"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
)

// MatrixKind tags what the rows and values of a CountMatrix mean, so
// callers can look up matrices by stable handle instead of inspecting
// their contents.
type MatrixKind int

const (
	KindCounts MatrixKind = iota
	KindNormalized
	KindActivity
)

func (k MatrixKind) String() string {
	switch k {
	case KindCounts:
		return "counts"
	case KindNormalized:
		return "normalized"
	case KindActivity:
		return "activity"
	default:
		return fmt.Sprintf("kind%d", int(k))
	}
}

// Entry is one non-zero value at (Feature, Cell), both 0-based
// indices.
type Entry struct {
	Feature int
	Cell    int
	Value   float64
}

// CountMatrix is an immutable sparse feature-by-cell matrix stored in
// compressed sparse row form: row f holds cells
// cellidx[indptr[f]:indptr[f+1]] with the corresponding values.
//
// Filtering produces a new CountMatrix; nothing ever modifies one in
// place, so a CountMatrix can be read concurrently without locking.
type CountMatrix struct {
	kind     MatrixKind
	features []string
	cells    []string
	indptr   []int
	cellidx  []int
	values   []float64

	csrOnce sync.Once
	csr     *sparse.CSR

	fpOnce      sync.Once
	fingerprint [blake2b.Size256]byte
}

// NewCountMatrix validates and builds a matrix from unordered
// entries. Zero-valued entries are dropped. It is an error for an
// entry to be out of range, duplicated, negative, or NaN, or (for
// KindCounts) not an integer.
func NewCountMatrix(kind MatrixKind, features, cells []string, entries []Entry) (*CountMatrix, error) {
	if err := checkUnique("feature", features); err != nil {
		return nil, err
	}
	if err := checkUnique("cell", cells); err != nil {
		return nil, err
	}
	sorted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Feature < 0 || e.Feature >= len(features) || e.Cell < 0 || e.Cell >= len(cells) {
			return nil, malformed("entry (%d,%d) outside %dx%d matrix", e.Feature, e.Cell, len(features), len(cells))
		}
		if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) || e.Value < 0 {
			return nil, malformed("entry (%s,%s) has invalid value %v", features[e.Feature], cells[e.Cell], e.Value)
		}
		if kind == KindCounts && e.Value != math.Trunc(e.Value) {
			return nil, malformed("entry (%s,%s) has non-integer count %v", features[e.Feature], cells[e.Cell], e.Value)
		}
		if e.Value == 0 {
			continue
		}
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Feature != sorted[j].Feature {
			return sorted[i].Feature < sorted[j].Feature
		}
		return sorted[i].Cell < sorted[j].Cell
	})
	m := &CountMatrix{
		kind:     kind,
		features: append([]string(nil), features...),
		cells:    append([]string(nil), cells...),
		indptr:   make([]int, len(features)+1),
		cellidx:  make([]int, len(sorted)),
		values:   make([]float64, len(sorted)),
	}
	for i, e := range sorted {
		if i > 0 && sorted[i-1].Feature == e.Feature && sorted[i-1].Cell == e.Cell {
			return nil, malformed("duplicate entry (%s,%s)", features[e.Feature], cells[e.Cell])
		}
		m.indptr[e.Feature+1]++
		m.cellidx[i] = e.Cell
		m.values[i] = e.Value
	}
	for f := 0; f < len(features); f++ {
		m.indptr[f+1] += m.indptr[f]
	}
	return m, nil
}

// newCountMatrixCSR wraps already-validated CSR arrays. Callers
// guarantee sorted column indices within each row, no zeros, and
// unique ids.
func newCountMatrixCSR(kind MatrixKind, features, cells []string, indptr, cellidx []int, values []float64) *CountMatrix {
	return &CountMatrix{
		kind:     kind,
		features: features,
		cells:    cells,
		indptr:   indptr,
		cellidx:  cellidx,
		values:   values,
	}
}

func checkUnique(what string, ids []string) error {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return malformed("duplicate %s id %q", what, id)
		}
		seen[id] = true
	}
	return nil
}

func (m *CountMatrix) Kind() MatrixKind { return m.kind }

// Dims returns the number of features (rows) and cells (columns).
func (m *CountMatrix) Dims() (features, cells int) { return len(m.features), len(m.cells) }

// FeatureIDs returns the row identifiers. The returned slice must
// not be modified.
func (m *CountMatrix) FeatureIDs() []string { return m.features }

// CellIDs returns the column identifiers. The returned slice must not
// be modified.
func (m *CountMatrix) CellIDs() []string { return m.cells }

// NNZ returns the number of stored non-zero entries.
func (m *CountMatrix) NNZ() int { return len(m.values) }

// Row returns the cell indices and values of the non-zero entries in
// row f. The returned slices must not be modified.
func (m *CountMatrix) Row(f int) ([]int, []float64) {
	lo, hi := m.indptr[f], m.indptr[f+1]
	return m.cellidx[lo:hi], m.values[lo:hi]
}

// RowDense writes row f into dst, which must have one element per
// cell.
func (m *CountMatrix) RowDense(f int, dst []float64) {
	for i := range dst {
		dst[i] = 0
	}
	cells, vals := m.Row(f)
	for i, c := range cells {
		dst[c] = vals[i]
	}
}

// At returns the value at (f, c).
func (m *CountMatrix) At(f, c int) float64 {
	cells, vals := m.Row(f)
	i := sort.SearchInts(cells, c)
	if i < len(cells) && cells[i] == c {
		return vals[i]
	}
	return 0
}

// ColSums returns the per-cell sum over all features.
func (m *CountMatrix) ColSums() []float64 {
	sums := make([]float64, len(m.cells))
	for i, c := range m.cellidx {
		sums[c] += m.values[i]
	}
	return sums
}

// RowSums returns the per-feature sum over all cells.
func (m *CountMatrix) RowSums() []float64 {
	sums := make([]float64, len(m.features))
	for f := range m.features {
		for _, v := range m.values[m.indptr[f]:m.indptr[f+1]] {
			sums[f] += v
		}
	}
	return sums
}

// RowCellCounts returns, for each feature, the number of cells with a
// non-zero value.
func (m *CountMatrix) RowCellCounts() []int {
	counts := make([]int, len(m.features))
	for f := range m.features {
		counts[f] = m.indptr[f+1] - m.indptr[f]
	}
	return counts
}

// Total returns the sum of all entries.
func (m *CountMatrix) Total() float64 {
	var sum float64
	for _, v := range m.values {
		sum += v
	}
	return sum
}

// Matrix returns a mat.Matrix view of m, backed by the same storage.
func (m *CountMatrix) Matrix() mat.Matrix {
	m.csrOnce.Do(func() {
		m.csr = sparse.NewCSR(len(m.features), len(m.cells), m.indptr, m.cellidx, m.values)
	})
	return m.csr
}

// FilterCells returns a new matrix with only the cells for which
// keep is true, in their original order.
func (m *CountMatrix) FilterCells(keep []bool) (*CountMatrix, error) {
	if len(keep) != len(m.cells) {
		return nil, malformed("cell filter has %d entries, matrix has %d cells", len(keep), len(m.cells))
	}
	newidx := make([]int, len(m.cells))
	var cells []string
	for c, k := range keep {
		if k {
			newidx[c] = len(cells)
			cells = append(cells, m.cells[c])
		} else {
			newidx[c] = -1
		}
	}
	indptr := make([]int, len(m.features)+1)
	cellidx := make([]int, 0, len(m.cellidx))
	values := make([]float64, 0, len(m.values))
	for f := range m.features {
		for i := m.indptr[f]; i < m.indptr[f+1]; i++ {
			if n := newidx[m.cellidx[i]]; n >= 0 {
				cellidx = append(cellidx, n)
				values = append(values, m.values[i])
			}
		}
		indptr[f+1] = len(cellidx)
	}
	return newCountMatrixCSR(m.kind, append([]string(nil), m.features...), cells, indptr, cellidx, values), nil
}

// FilterFeatures returns a new matrix with only the features for
// which keep is true, in their original order.
func (m *CountMatrix) FilterFeatures(keep []bool) (*CountMatrix, error) {
	if len(keep) != len(m.features) {
		return nil, malformed("feature filter has %d entries, matrix has %d features", len(keep), len(m.features))
	}
	var features []string
	indptr := []int{0}
	var cellidx []int
	var values []float64
	for f, k := range keep {
		if !k {
			continue
		}
		features = append(features, m.features[f])
		lo, hi := m.indptr[f], m.indptr[f+1]
		cellidx = append(cellidx, m.cellidx[lo:hi]...)
		values = append(values, m.values[lo:hi]...)
		indptr = append(indptr, len(cellidx))
	}
	return newCountMatrixCSR(m.kind, features, append([]string(nil), m.cells...), indptr, cellidx, values), nil
}

// transpose returns the matrix in compressed sparse column form:
// column c holds features rowidx[colptr[c]:colptr[c+1]].
func (m *CountMatrix) transpose() (colptr, rowidx []int, values []float64) {
	colptr = make([]int, len(m.cells)+1)
	for _, c := range m.cellidx {
		colptr[c+1]++
	}
	for c := 0; c < len(m.cells); c++ {
		colptr[c+1] += colptr[c]
	}
	next := append([]int(nil), colptr[:len(m.cells)]...)
	rowidx = make([]int, len(m.cellidx))
	values = make([]float64, len(m.values))
	for f := range m.features {
		for i := m.indptr[f]; i < m.indptr[f+1]; i++ {
			c := m.cellidx[i]
			rowidx[next[c]] = f
			values[next[c]] = m.values[i]
			next[c]++
		}
	}
	return
}

// Fingerprint returns a blake2b hash of the matrix kind, ids and
// entries. Derived entities record the fingerprint of their input so
// a stale result can be detected.
func (m *CountMatrix) Fingerprint() [blake2b.Size256]byte {
	m.fpOnce.Do(func() {
		h, _ := blake2b.New256(nil)
		var buf [8]byte
		writeInt := func(i int) {
			binary.LittleEndian.PutUint64(buf[:], uint64(i))
			h.Write(buf[:])
		}
		writeInt(int(m.kind))
		for _, ids := range [][]string{m.features, m.cells} {
			writeInt(len(ids))
			for _, id := range ids {
				writeInt(len(id))
				h.Write([]byte(id))
			}
		}
		for _, p := range m.indptr {
			writeInt(p)
		}
		for _, c := range m.cellidx {
			writeInt(c)
		}
		for _, v := range m.values {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
		copy(m.fingerprint[:], h.Sum(nil))
	})
	return m.fingerprint
}
