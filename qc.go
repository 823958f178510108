// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"

	log "github.com/sirupsen/logrus"
)

// qcFilter selects cells by QC statistics and features by the number
// of cells they are detected in. Each threshold is disabled at its
// zero value.
type qcFilter struct {
	MinTotalCounts      float64 `yaml:"min_total_counts"`
	MaxTotalCounts      float64 `yaml:"max_total_counts"`
	MinFRiP             float64 `yaml:"min_frip"`
	MaxBlacklistRatio   float64 `yaml:"max_blacklist_ratio"`
	MaxNucleosomeSignal float64 `yaml:"max_nucleosome_signal"`
	MinTSSEnrichment    float64 `yaml:"min_tss_enrichment"`
	MinFeatureCells     int     `yaml:"min_feature_cells"`
	MinFeatureFraction  float64 `yaml:"min_feature_fraction"`
}

func (f *qcFilter) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&f.MinTotalCounts, "min-counts", 0, "drop cells with fewer than `N` counts in peaks")
	flags.Float64Var(&f.MaxTotalCounts, "max-counts", 0, "drop cells with more than `N` counts in peaks (0 = no limit)")
	flags.Float64Var(&f.MinFRiP, "min-frip", 0, "drop cells with fraction of fragments in peaks less than `F`")
	flags.Float64Var(&f.MaxBlacklistRatio, "max-blacklist-ratio", 0, "drop cells with blacklist ratio greater than `R` (0 = no limit)")
	flags.Float64Var(&f.MaxNucleosomeSignal, "max-nucleosome-signal", 0, "drop cells with nucleosome signal greater than `S` (0 = no limit)")
	flags.Float64Var(&f.MinTSSEnrichment, "min-tss-enrichment", 0, "drop cells with TSS enrichment less than `E`")
	flags.IntVar(&f.MinFeatureCells, "min-feature-cells", 0, "drop features detected in fewer than `N` cells")
	flags.Float64Var(&f.MinFeatureFraction, "min-feature-fraction", 0, "drop features detected in less than fraction `P` of cells")
}

func (f *qcFilter) Args() []string {
	return []string{
		"-min-counts", fmt.Sprintf("%g", f.MinTotalCounts),
		"-max-counts", fmt.Sprintf("%g", f.MaxTotalCounts),
		"-min-frip", fmt.Sprintf("%g", f.MinFRiP),
		"-max-blacklist-ratio", fmt.Sprintf("%g", f.MaxBlacklistRatio),
		"-max-nucleosome-signal", fmt.Sprintf("%g", f.MaxNucleosomeSignal),
		"-min-tss-enrichment", fmt.Sprintf("%g", f.MinTSSEnrichment),
		"-min-feature-cells", fmt.Sprintf("%d", f.MinFeatureCells),
		"-min-feature-fraction", fmt.Sprintf("%g", f.MinFeatureFraction),
	}
}

// deriveQC adds total_counts (from the matrix) and, when the vendor
// fragment columns are present, frip and blacklist_ratio columns.
func deriveQC(m *CountMatrix, md *CellMetadata) error {
	if err := md.SetNumeric(ColTotalCounts, m.ColSums()); err != nil {
		return err
	}
	passed, ok1 := md.Numeric(ColPassedFilters)
	inpeaks, ok2 := md.Numeric(ColPeakFragments)
	if ok1 && ok2 {
		frip := make([]float64, len(passed))
		for i := range frip {
			frip[i] = ratio(inpeaks[i], passed[i])
		}
		if err := md.SetNumeric(ColFRiP, frip); err != nil {
			return err
		}
	}
	blacklist, ok3 := md.Numeric(ColBlacklistFragments)
	if ok2 && ok3 {
		br := make([]float64, len(blacklist))
		for i := range br {
			br[i] = ratio(blacklist[i], inpeaks[i])
		}
		if err := md.SetNumeric(ColBlacklistRatio, br); err != nil {
			return err
		}
	}
	return nil
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return math.NaN()
	}
	return a / b
}

// Apply returns the matrix and metadata restricted to the cells and
// features that pass the filter. Cells with zero total counts are
// always removed and reported as DegenerateCellError.
func (f *qcFilter) Apply(m *CountMatrix, md *CellMetadata) (*CountMatrix, *CellMetadata, *Report, error) {
	report := newReport("qc")
	md, err := md.Align(m.CellIDs())
	if err != nil {
		return nil, nil, nil, err
	}
	if err = deriveQC(m, md); err != nil {
		return nil, nil, nil, err
	}
	type rule struct {
		column string
		limit  float64
		keep   func(x, limit float64) bool
	}
	atLeast := func(x, limit float64) bool { return x >= limit }
	atMost := func(x, limit float64) bool { return x <= limit }
	var rules []rule
	for _, r := range []rule{
		{ColTotalCounts, f.MinTotalCounts, atLeast},
		{ColTotalCounts, f.MaxTotalCounts, atMost},
		{ColFRiP, f.MinFRiP, atLeast},
		{ColBlacklistRatio, f.MaxBlacklistRatio, atMost},
		{ColNucleosomeSignal, f.MaxNucleosomeSignal, atMost},
		{ColTSSEnrichment, f.MinTSSEnrichment, atLeast},
	} {
		if r.limit > 0 {
			rules = append(rules, r)
		}
	}

	totals, _ := md.Numeric(ColTotalCounts)
	keep := make([]bool, len(totals))
	for c := range keep {
		keep[c] = totals[c] > 0
		if !keep[c] {
			report.add(&DegenerateCellError{Cell: m.CellIDs()[c]})
		}
	}
	for _, r := range rules {
		col, ok := md.Numeric(r.column)
		if !ok {
			return nil, nil, nil, fmt.Errorf("qc: cannot filter on %s: column not available", r.column)
		}
		dropped := 0
		for c, x := range col {
			if keep[c] && !(r.keep(x, r.limit)) {
				keep[c] = false
				dropped++
			}
		}
		log.WithFields(log.Fields{"column": r.column, "limit": r.limit, "dropped": dropped}).Info("qc: cell filter")
	}
	m, err = m.FilterCells(keep)
	if err != nil {
		return nil, nil, nil, err
	}
	md, err = md.Filter(keep)
	if err != nil {
		return nil, nil, nil, err
	}

	_, ncells := m.Dims()
	mincells := int(math.Ceil(f.MinFeatureFraction * float64(ncells)))
	if f.MinFeatureCells > mincells {
		mincells = f.MinFeatureCells
	}
	if mincells > 0 {
		fkeep := make([]bool, len(m.FeatureIDs()))
		for i, n := range m.RowCellCounts() {
			fkeep[i] = n >= mincells
		}
		m, err = m.FilterFeatures(fkeep)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	// Recompute total_counts over the remaining features. Cells
	// whose counts were all on removed features are dropped too.
	totals = m.ColSums()
	var nonempty []bool
	for c, total := range totals {
		if total > 0 {
			continue
		}
		if nonempty == nil {
			nonempty = make([]bool, len(totals))
			for i := range nonempty {
				nonempty[i] = true
			}
		}
		nonempty[c] = false
		report.add(&DegenerateCellError{Cell: m.CellIDs()[c]})
	}
	if nonempty != nil {
		if m, err = m.FilterCells(nonempty); err != nil {
			return nil, nil, nil, err
		}
		if md, err = md.Filter(nonempty); err != nil {
			return nil, nil, nil, err
		}
		totals = m.ColSums()
	}
	if err = md.SetNumeric(ColTotalCounts, totals); err != nil {
		return nil, nil, nil, err
	}
	nfeatures, ncells := m.Dims()
	log.WithFields(log.Fields{
		"features": nfeatures,
		"cells":    ncells,
		"removed":  len(keep) - ncells,
	}).Info("qc done")
	return m, md, report, nil
}

type qccmd struct {
	qcFilter
}

func (cmd *qccmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var rf remoteFlags
	rf.Flags(flags)
	inputFilename := flags.String("i", "-", "input dataset `file`")
	outputFilename := flags.String("o", "-", "output dataset `file`")
	cmd.qcFilter.Flags(flags)
	if code := parseFlags(flags, args, &err); code >= 0 {
		return code
	}
	defer rf.start()()

	if !rf.Local {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := rf.runner("atacseq qc", 64000000000, 2)
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = append([]string{"qc", "-local=true",
			"-i", *inputFilename,
			"-o", "/mnt/output/dataset.gob.gz",
		}, cmd.qcFilter.Args()...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/dataset.gob.gz")
		return 0
	}

	ds, err := readDatasetFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	m, ok := ds.Matrices[PeaksHandle]
	if !ok {
		err = fmt.Errorf("dataset has no %s matrix", PeaksHandle)
		return 1
	}
	md := ds.Metadata
	if md == nil {
		md, err = NewCellMetadata(m.CellIDs())
		if err != nil {
			return 1
		}
	}
	m, md, report, err := cmd.qcFilter.Apply(m, md)
	if err != nil {
		return 1
	}
	report.Log()
	if ds.Embedding != nil || len(ds.Clusters) > 0 || ds.Deviations != nil || len(ds.Matrices) > 1 {
		log.Warn("qc: discarding entities derived from the unfiltered matrix")
	}
	ds = &Dataset{
		Matrices: map[MatrixHandle]*CountMatrix{PeaksHandle: m},
		Metadata: md,
	}
	err = writeDatasetFile(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
