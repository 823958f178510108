// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
)

// Dataset is everything known about one analysis: matrices, cell
// metadata, and derived entities. It is stored on disk as a stream of
// gob-encoded DatasetEntry values, optionally gzip-compressed.
type Dataset struct {
	Matrices   map[MatrixHandle]*CountMatrix
	Metadata   *CellMetadata
	Embedding  *Embedding
	Graph      *Graph
	Clusters   []*ClusterAssignment
	Deviations *MotifDeviation
	Markers    []*MarkerTable
}

type MatrixRecord struct {
	Name     string
	Kind     MatrixKind
	Features []string
	Cells    []string
	Indptr   []int
	Cellidx  []int
	Values   []float64
}

type MetadataRecord struct {
	Cells   []string
	Numeric map[string][]float64
	Labels  map[string][]int
}

// DenseRecord is a row-major dense matrix.
type DenseRecord struct {
	Rows, Cols int
	Data       []float64
}

type EmbeddingRecord struct {
	Cells            []string
	Coords           DenseRecord
	SingularValues   []float64
	FeatureIDs       []string
	Loadings         DenseRecord
	DepthCorrelation []float64
	DepthFlagged     []bool
	Source           [blake2b.Size256]byte
}

type DeviationRecord struct {
	Motifs        []string
	Cells         []string
	Deviations    DenseRecord
	Z             DenseRecord
	Variability   []float64
	PValues       []float64
	LowFidelity   []bool
	SkippedMotifs []string
	Source        [blake2b.Size256]byte
}

// DatasetEntry is one element of a dataset stream. Each entry
// normally carries a single entity; readers merge all entries, later
// ones replacing earlier ones with the same identity.
type DatasetEntry struct {
	Matrix     *MatrixRecord
	Metadata   *MetadataRecord
	Embedding  *EmbeddingRecord
	Graph      *Graph
	Clusters   *ClusterAssignment
	Deviations *DeviationRecord
	Markers    []*MarkerTable
}

func denseRecord(m *mat.Dense) DenseRecord {
	if m == nil || m.IsEmpty() {
		return DenseRecord{}
	}
	r, c := m.Dims()
	rec := DenseRecord{Rows: r, Cols: c, Data: make([]float64, 0, r*c)}
	for i := 0; i < r; i++ {
		rec.Data = append(rec.Data, m.RawRowView(i)...)
	}
	return rec
}

func (rec DenseRecord) dense() *mat.Dense {
	if rec.Rows == 0 || rec.Cols == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(rec.Rows, rec.Cols, rec.Data)
}

// WriteDataset writes ds to w, one entry per entity.
func WriteDataset(w io.Writer, ds *Dataset) error {
	enc := gob.NewEncoder(w)
	handles := make([]MatrixHandle, 0, len(ds.Matrices))
	for h := range ds.Matrices {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].String() < handles[j].String() })
	for _, h := range handles {
		m := ds.Matrices[h]
		err := enc.Encode(DatasetEntry{Matrix: &MatrixRecord{
			Name:     h.Name,
			Kind:     m.kind,
			Features: m.features,
			Cells:    m.cells,
			Indptr:   m.indptr,
			Cellidx:  m.cellidx,
			Values:   m.values,
		}})
		if err != nil {
			return err
		}
	}
	if md := ds.Metadata; md != nil {
		rec := &MetadataRecord{Cells: md.CellIDs(), Numeric: map[string][]float64{}, Labels: map[string][]int{}}
		numeric, labels := md.Columns()
		for _, name := range numeric {
			rec.Numeric[name], _ = md.Numeric(name)
		}
		for _, name := range labels {
			rec.Labels[name], _ = md.Labels(name)
		}
		if err := enc.Encode(DatasetEntry{Metadata: rec}); err != nil {
			return err
		}
	}
	if e := ds.Embedding; e != nil {
		err := enc.Encode(DatasetEntry{Embedding: &EmbeddingRecord{
			Cells:            e.Cells,
			Coords:           denseRecord(e.Coords),
			SingularValues:   e.SingularValues,
			FeatureIDs:       e.FeatureIDs,
			Loadings:         denseRecord(e.Loadings),
			DepthCorrelation: e.DepthCorrelation,
			DepthFlagged:     e.DepthFlagged,
			Source:           e.Source,
		}})
		if err != nil {
			return err
		}
	}
	if ds.Graph != nil {
		if err := enc.Encode(DatasetEntry{Graph: ds.Graph}); err != nil {
			return err
		}
	}
	for _, ca := range ds.Clusters {
		if err := enc.Encode(DatasetEntry{Clusters: ca}); err != nil {
			return err
		}
	}
	if d := ds.Deviations; d != nil {
		err := enc.Encode(DatasetEntry{Deviations: &DeviationRecord{
			Motifs:        d.Motifs,
			Cells:         d.Cells,
			Deviations:    denseRecord(d.Deviations),
			Z:             denseRecord(d.Z),
			Variability:   d.Variability,
			PValues:       d.PValues,
			LowFidelity:   d.LowFidelity,
			SkippedMotifs: d.SkippedMotifs,
			Source:        d.Source,
		}})
		if err != nil {
			return err
		}
	}
	if len(ds.Markers) > 0 {
		if err := enc.Encode(DatasetEntry{Markers: ds.Markers}); err != nil {
			return err
		}
	}
	return nil
}

// ReadDataset decodes and merges all entries from rdr.
func ReadDataset(rdr io.Reader) (*Dataset, error) {
	ds := &Dataset{Matrices: map[MatrixHandle]*CountMatrix{}}
	err := DecodeDataset(rdr, func(ent *DatasetEntry) error {
		return ds.merge(ent)
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// DecodeDataset calls cb for each entry in rdr.
func DecodeDataset(rdr io.Reader, cb func(*DatasetEntry) error) error {
	dec := gob.NewDecoder(rdr)
	for {
		var ent DatasetEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if err = cb(&ent); err != nil {
			return err
		}
	}
}

func (ds *Dataset) merge(ent *DatasetEntry) error {
	if rec := ent.Matrix; rec != nil {
		if len(rec.Indptr) != len(rec.Features)+1 || len(rec.Cellidx) != len(rec.Values) {
			return malformed("matrix %q: inconsistent CSR arrays", rec.Name)
		}
		h := MatrixHandle{Name: rec.Name, Kind: rec.Kind}
		ds.Matrices[h] = newCountMatrixCSR(rec.Kind, rec.Features, rec.Cells, rec.Indptr, rec.Cellidx, rec.Values)
	}
	if rec := ent.Metadata; rec != nil {
		md, err := NewCellMetadata(rec.Cells)
		if err != nil {
			return err
		}
		for name, col := range rec.Numeric {
			if err := md.SetNumeric(name, col); err != nil {
				return err
			}
		}
		for name, col := range rec.Labels {
			if err := md.SetLabels(name, col); err != nil {
				return err
			}
		}
		ds.Metadata = md
	}
	if rec := ent.Embedding; rec != nil {
		ds.Embedding = &Embedding{
			Cells:            rec.Cells,
			Coords:           rec.Coords.dense(),
			SingularValues:   rec.SingularValues,
			FeatureIDs:       rec.FeatureIDs,
			Loadings:         rec.Loadings.dense(),
			DepthCorrelation: rec.DepthCorrelation,
			DepthFlagged:     rec.DepthFlagged,
			Source:           rec.Source,
		}
	}
	if ent.Graph != nil {
		ds.Graph = ent.Graph
	}
	if ca := ent.Clusters; ca != nil {
		replaced := false
		for i, old := range ds.Clusters {
			if old.Resolution == ca.Resolution {
				ds.Clusters[i] = ca
				replaced = true
			}
		}
		if !replaced {
			ds.Clusters = append(ds.Clusters, ca)
		}
	}
	if rec := ent.Deviations; rec != nil {
		ds.Deviations = &MotifDeviation{
			Motifs:        rec.Motifs,
			Cells:         rec.Cells,
			Deviations:    rec.Deviations.dense(),
			Z:             rec.Z.dense(),
			Variability:   rec.Variability,
			PValues:       rec.PValues,
			LowFidelity:   rec.LowFidelity,
			SkippedMotifs: rec.SkippedMotifs,
			Source:        rec.Source,
		}
	}
	if ent.Markers != nil {
		ds.Markers = ent.Markers
	}
	return nil
}

// ClustersAt returns the assignment computed at the given resolution,
// or the most recent one if resolution is negative.
func (ds *Dataset) ClustersAt(resolution float64) (*ClusterAssignment, error) {
	if len(ds.Clusters) == 0 {
		return nil, fmt.Errorf("dataset has no cluster assignments")
	}
	if resolution < 0 {
		return ds.Clusters[len(ds.Clusters)-1], nil
	}
	for _, ca := range ds.Clusters {
		if ca.Resolution == resolution {
			return ca, nil
		}
	}
	return nil, fmt.Errorf("dataset has no cluster assignment at resolution %g", resolution)
}

// readDatasetFile reads a dataset from fnm ("-" for stdin), which is
// decompressed if its name ends in ".gz".
func readDatasetFile(fnm string, stdin io.Reader) (*Dataset, error) {
	var rdr io.ReadCloser
	var err error
	if fnm == "-" {
		rdr = io.NopCloser(stdin)
	} else {
		rdr, err = zopen(fnm)
		if err != nil {
			return nil, err
		}
	}
	defer rdr.Close()
	log.Printf("reading %s", fnm)
	ds, err := ReadDataset(bufio.NewReaderSize(rdr, 1<<24))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return ds, rdr.Close()
}

// writeDatasetFile writes ds to fnm ("-" for stdout), compressing it
// if fnm ends in ".gz".
func writeDatasetFile(fnm string, stdout io.Writer, ds *Dataset) error {
	var f io.WriteCloser
	if fnm == "-" {
		f = nopCloser{stdout}
	} else {
		var err error
		f, err = os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return err
		}
		defer f.Close()
	}
	bufw := bufio.NewWriterSize(f, 1<<24)
	var w io.Writer = bufw
	var gzw *pgzip.Writer
	if strings.HasSuffix(fnm, ".gz") {
		gzw = pgzip.NewWriter(bufw)
		w = gzw
	}
	log.Printf("writing %s", fnm)
	if err := WriteDataset(w, ds); err != nil {
		return err
	}
	if gzw != nil {
		if err := gzw.Close(); err != nil {
			return err
		}
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}
