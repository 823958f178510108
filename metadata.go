// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"fmt"
	"sort"
	"sync"
)

// Standard numeric metadata columns.
const (
	ColTotalCounts        = "total_counts"
	ColPassedFilters      = "passed_filters"
	ColPeakFragments      = "peak_region_fragments"
	ColBlacklistFragments = "blacklist_region_fragments"
	ColFRiP               = "frip"
	ColBlacklistRatio     = "blacklist_ratio"
	ColNucleosomeSignal   = "nucleosome_signal"
	ColTSSEnrichment      = "tss_enrichment"
)

// CellMetadata holds per-cell numeric columns (QC statistics) and
// integer label columns (cluster assignments), aligned with the cell
// order of a CountMatrix. Columns can be added concurrently; rows are
// only ever removed by Filter, in lock-step with
// CountMatrix.FilterCells.
type CellMetadata struct {
	mtx     sync.RWMutex
	cells   []string
	index   map[string]int
	numeric map[string][]float64
	labels  map[string][]int
}

// NewCellMetadata returns an empty table for the given cells.
func NewCellMetadata(cells []string) (*CellMetadata, error) {
	if err := checkUnique("cell", cells); err != nil {
		return nil, err
	}
	md := &CellMetadata{
		cells:   append([]string(nil), cells...),
		index:   make(map[string]int, len(cells)),
		numeric: map[string][]float64{},
		labels:  map[string][]int{},
	}
	for i, c := range cells {
		md.index[c] = i
	}
	return md, nil
}

func (md *CellMetadata) CellIDs() []string {
	md.mtx.RLock()
	defer md.mtx.RUnlock()
	return md.cells
}

// Len returns the number of cells.
func (md *CellMetadata) Len() int {
	md.mtx.RLock()
	defer md.mtx.RUnlock()
	return len(md.cells)
}

// CellIndex returns the position of the given cell, or -1.
func (md *CellMetadata) CellIndex(cell string) int {
	md.mtx.RLock()
	defer md.mtx.RUnlock()
	if i, ok := md.index[cell]; ok {
		return i
	}
	return -1
}

// SetNumeric adds or replaces a numeric column. The slice is copied.
func (md *CellMetadata) SetNumeric(name string, values []float64) error {
	md.mtx.Lock()
	defer md.mtx.Unlock()
	if len(values) != len(md.cells) {
		return malformed("column %q has %d values, expected %d", name, len(values), len(md.cells))
	}
	md.numeric[name] = append([]float64(nil), values...)
	return nil
}

// Numeric returns a copy of the named numeric column.
func (md *CellMetadata) Numeric(name string) ([]float64, bool) {
	md.mtx.RLock()
	defer md.mtx.RUnlock()
	col, ok := md.numeric[name]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), col...), true
}

// SetLabels adds or replaces an integer label column, e.g.,
// "clusters_res0.8". The slice is copied.
func (md *CellMetadata) SetLabels(name string, labels []int) error {
	md.mtx.Lock()
	defer md.mtx.Unlock()
	if len(labels) != len(md.cells) {
		return malformed("label column %q has %d values, expected %d", name, len(labels), len(md.cells))
	}
	md.labels[name] = append([]int(nil), labels...)
	return nil
}

// Labels returns a copy of the named label column.
func (md *CellMetadata) Labels(name string) ([]int, bool) {
	md.mtx.RLock()
	defer md.mtx.RUnlock()
	col, ok := md.labels[name]
	if !ok {
		return nil, false
	}
	return append([]int(nil), col...), true
}

// Columns returns the sorted names of the numeric and label columns.
func (md *CellMetadata) Columns() (numeric, labels []string) {
	md.mtx.RLock()
	defer md.mtx.RUnlock()
	for name := range md.numeric {
		numeric = append(numeric, name)
	}
	for name := range md.labels {
		labels = append(labels, name)
	}
	sort.Strings(numeric)
	sort.Strings(labels)
	return
}

// Filter returns a new table with only the cells for which keep is
// true.
func (md *CellMetadata) Filter(keep []bool) (*CellMetadata, error) {
	md.mtx.RLock()
	defer md.mtx.RUnlock()
	if len(keep) != len(md.cells) {
		return nil, malformed("cell filter has %d entries, metadata has %d cells", len(keep), len(md.cells))
	}
	var cells []string
	for i, k := range keep {
		if k {
			cells = append(cells, md.cells[i])
		}
	}
	out, err := NewCellMetadata(cells)
	if err != nil {
		return nil, err
	}
	for name, col := range md.numeric {
		filtered := make([]float64, 0, len(cells))
		for i, k := range keep {
			if k {
				filtered = append(filtered, col[i])
			}
		}
		out.numeric[name] = filtered
	}
	for name, col := range md.labels {
		filtered := make([]int, 0, len(cells))
		for i, k := range keep {
			if k {
				filtered = append(filtered, col[i])
			}
		}
		out.labels[name] = filtered
	}
	return out, nil
}

// Align returns a new table whose rows follow the given cell order.
// Every given cell must be present.
func (md *CellMetadata) Align(cells []string) (*CellMetadata, error) {
	md.mtx.RLock()
	defer md.mtx.RUnlock()
	out, err := NewCellMetadata(cells)
	if err != nil {
		return nil, err
	}
	rows := make([]int, len(cells))
	for i, c := range cells {
		row, ok := md.index[c]
		if !ok {
			return nil, malformed("cell %q not found in metadata", c)
		}
		rows[i] = row
	}
	for name, col := range md.numeric {
		aligned := make([]float64, len(cells))
		for i, row := range rows {
			aligned[i] = col[row]
		}
		out.numeric[name] = aligned
	}
	for name, col := range md.labels {
		aligned := make([]int, len(cells))
		for i, row := range rows {
			aligned[i] = col[row]
		}
		out.labels[name] = aligned
	}
	return out, nil
}

// ClusterColumn returns the conventional label column name for a
// clustering at the given resolution.
func ClusterColumn(resolution float64) string {
	return fmt.Sprintf("clusters_res%g", resolution)
}
