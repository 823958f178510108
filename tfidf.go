// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"flag"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
)

type TFIDFOptions struct {
	// Multiplier applied to TF*IDF before taking log1p. 1 means
	// no scaling; 1e4 gives values on the scale used by some
	// single-cell tools.
	ScaleFactor float64 `yaml:"scale_factor"`
	Threads     int     `yaml:"threads"`
}

func (o *TFIDFOptions) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&o.ScaleFactor, "tfidf-scale", 1, "multiply TF*IDF by `S` before log1p")
}

func (o *TFIDFOptions) Args() []string {
	return []string{
		"-tfidf-scale", fmt.Sprintf("%g", o.ScaleFactor),
	}
}

// NormalizeTFIDF returns the TF-IDF transform of a counts matrix:
//
//	value(f,c) = log1p(x(f,c) / total(c) * N / (1 + df(f)) * ScaleFactor)
//
// where N is the number of cells and df(f) is the number of cells in
// which feature f is non-zero. Only stored entries are visited, so the
// cost is proportional to NNZ.
//
// Cells with zero total counts have no entries and keep an all-zero
// column; each is reported as a DegenerateCellError.
func NormalizeTFIDF(ctx context.Context, m *CountMatrix, opts TFIDFOptions) (*CountMatrix, *Report, error) {
	if m.Kind() != KindCounts {
		return nil, nil, fmt.Errorf("tf-idf: input is a %s matrix, need counts", m.Kind())
	}
	scale := opts.ScaleFactor
	if scale == 0 {
		scale = 1
	}
	if scale < 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, nil, malformed("tf-idf scale factor %v", scale)
	}
	report := newReport("tfidf")
	nfeatures, ncells := m.Dims()
	totals := m.ColSums()
	for c, t := range totals {
		if t == 0 {
			report.add(&DegenerateCellError{Cell: m.CellIDs()[c]})
		}
	}
	df := m.RowCellCounts()
	indptr := append([]int(nil), m.indptr...)
	cellidx := append([]int(nil), m.cellidx...)
	values := make([]float64, len(m.values))
	err := parallelRange(ctx, nfeatures, opts.Threads, func(lo, hi int) error {
		for f := lo; f < hi; f++ {
			idf := float64(ncells) / float64(1+df[f])
			for i := m.indptr[f]; i < m.indptr[f+1]; i++ {
				values[i] = math.Log1p(m.values[i] / totals[m.cellidx[i]] * idf * scale)
			}
		}
		return nil
	})
	if err != nil {
		return nil, report, err
	}
	log.WithFields(log.Fields{
		"features": nfeatures,
		"cells":    ncells,
		"nnz":      len(values),
	}).Info("tf-idf done")
	return newCountMatrixCSR(KindNormalized, m.features, m.cells, indptr, cellidx, values), report, nil
}
