// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"flag"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

// GeneInterval is a gene body on one strand, in half-open
// coordinates.
type GeneInterval struct {
	Chrom  string
	Start  int
	End    int
	Strand byte
	Gene   string
}

// window returns the gene body extended by upstream bases in the 5'
// direction and downstream bases in the 3' direction. On the '-'
// strand 5' is the high-coordinate end.
func (gi GeneInterval) window(upstream, downstream int) (start, end int) {
	if gi.Strand == '-' {
		start, end = gi.Start-downstream, gi.End+upstream
	} else {
		start, end = gi.Start-upstream, gi.End+downstream
	}
	if start < 0 {
		start = 0
	}
	return
}

// FeatureAnnotation is an ordered list of gene intervals.
type FeatureAnnotation []GeneInterval

type AggregateOptions struct {
	Upstream   int `yaml:"upstream"`
	Downstream int `yaml:"downstream"`
	Threads    int `yaml:"threads"`
}

func (o *AggregateOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&o.Upstream, "upstream", 2000, "extend gene windows `N` bases upstream of the gene start")
	flags.IntVar(&o.Downstream, "downstream", 0, "extend gene windows `N` bases downstream of the gene end")
}

func (o *AggregateOptions) Args() []string {
	return []string{
		"-upstream", fmt.Sprintf("%d", o.Upstream),
		"-downstream", fmt.Sprintf("%d", o.Downstream),
	}
}

// AggregateGeneActivity sums the counts of every peak overlapping each
// gene's extended window, per cell. A peak overlapping several genes'
// windows contributes to each of them. Genes without any overlapping
// peak keep an all-zero row and are reported with an
// EmptyOverlapWarning. If a gene symbol occurs more than once in the
// annotation, the first occurrence is used.
func AggregateGeneActivity(ctx context.Context, m *CountMatrix, ann FeatureAnnotation, opts AggregateOptions) (*CountMatrix, *Report, error) {
	if m.Kind() != KindCounts {
		return nil, nil, fmt.Errorf("gene activity: input is a %s matrix, need counts", m.Kind())
	}
	if opts.Upstream < 0 || opts.Downstream < 0 {
		return nil, nil, malformed("negative window extension (%d, %d)", opts.Upstream, opts.Downstream)
	}
	report := newReport("gene-activity")

	var idx intervalIndex
	for f, id := range m.FeatureIDs() {
		chrom, start, end, err := parseRegion(id)
		if err != nil {
			return nil, nil, err
		}
		idx.Add(chrom, start, end, f)
	}
	idx.Freeze()

	var genes FeatureAnnotation
	seen := map[string]bool{}
	for _, gi := range ann {
		if gi.End < gi.Start {
			return nil, nil, malformed("gene %q has end %d < start %d", gi.Gene, gi.End, gi.Start)
		}
		if seen[gi.Gene] {
			report.add(fmt.Errorf("duplicate gene symbol %q at %s:%d-%d ignored", gi.Gene, gi.Chrom, gi.Start, gi.End))
			continue
		}
		seen[gi.Gene] = true
		genes = append(genes, gi)
	}

	_, ncells := m.Dims()
	rowcells := make([][]int, len(genes))
	rowvalues := make([][]float64, len(genes))
	nooverlap := make([]bool, len(genes))
	err := parallelRange(ctx, len(genes), opts.Threads, func(lo, hi int) error {
		acc := make([]float64, ncells)
		var touched []int
		for g := lo; g < hi; g++ {
			start, end := genes[g].window(opts.Upstream, opts.Downstream)
			peaks := idx.Overlapping(genes[g].Chrom, start, end)
			if len(peaks) == 0 {
				nooverlap[g] = true
				continue
			}
			touched = touched[:0]
			for _, f := range peaks {
				cells, vals := m.Row(f)
				for i, c := range cells {
					if acc[c] == 0 {
						touched = append(touched, c)
					}
					acc[c] += vals[i]
				}
			}
			sort.Ints(touched)
			cells := make([]int, len(touched))
			vals := make([]float64, len(touched))
			for i, c := range touched {
				cells[i], vals[i] = c, acc[c]
				acc[c] = 0
			}
			rowcells[g], rowvalues[g] = cells, vals
		}
		return nil
	})
	for g, empty := range nooverlap {
		if empty {
			report.add(&EmptyOverlapWarning{Gene: genes[g].Gene})
		}
	}
	if err != nil {
		return nil, report, err
	}

	symbols := make([]string, len(genes))
	indptr := make([]int, len(genes)+1)
	var cellidx []int
	var values []float64
	for g, gi := range genes {
		symbols[g] = gi.Gene
		cellidx = append(cellidx, rowcells[g]...)
		values = append(values, rowvalues[g]...)
		indptr[g+1] = len(cellidx)
	}
	log.WithFields(log.Fields{
		"genes": len(genes),
		"cells": ncells,
		"nnz":   len(values),
		"empty": report.Count(func(err error) bool { _, ok := err.(*EmptyOverlapWarning); return ok }),
	}).Info("gene activity done")
	return newCountMatrixCSR(KindActivity, symbols, m.CellIDs(), indptr, cellidx, values), report, nil
}
