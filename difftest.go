// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"flag"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// FeatureSource is a features×cells matrix that can be tested for
// differential signal. *CountMatrix and *MotifDeviation implement it.
type FeatureSource interface {
	FeatureIDs() []string
	CellIDs() []string
	// RowDense writes feature f's value in every cell into dst.
	RowDense(f int, dst []float64)
}

const (
	TestLR    = "lr"
	TestChisq = "chisq"

	CorrectionBH         = "bh"
	CorrectionBonferroni = "bonferroni"
)

type DiffTestOptions struct {
	Method     string `yaml:"method"`
	Correction string `yaml:"correction"`
	// Only test features whose log2 fold change (or mean
	// difference, for deviation scores) is at least this large.
	MinLogFoldChange float64 `yaml:"min_log_fold_change"`
	// Only test features with higher values in the target group.
	OnlyPositive bool `yaml:"only_positive"`
	// Only test features that are non-zero in at least this
	// fraction of cells in either group.
	MinPct  float64 `yaml:"min_pct"`
	Threads int     `yaml:"threads"`
}

func (o *DiffTestOptions) Flags(flags *flag.FlagSet) {
	flags.StringVar(&o.Method, "test", TestLR, "differential test `method` (lr or chisq)")
	flags.StringVar(&o.Correction, "correction", CorrectionBH, "multiple testing correction (bh or bonferroni)")
	flags.Float64Var(&o.MinLogFoldChange, "min-lfc", 0.25, "skip features with log2 fold change below `L`")
	flags.BoolVar(&o.OnlyPositive, "only-pos", false, "only report features enriched in the target group")
	flags.Float64Var(&o.MinPct, "min-pct", 0, "skip features detected in less than fraction `P` of cells in both groups")
}

func (o *DiffTestOptions) Args() []string {
	return []string{
		"-test", o.Method,
		"-correction", o.Correction,
		"-min-lfc", fmt.Sprintf("%g", o.MinLogFoldChange),
		fmt.Sprintf("-only-pos=%v", o.OnlyPositive),
		"-min-pct", fmt.Sprintf("%g", o.MinPct),
	}
}

// MarkerResult is one row of a differential test result table. Pct1
// and Pct2 are the fractions of target and other cells with a
// positive value.
type MarkerResult struct {
	Feature        string
	LogFoldChange  float64
	PValue         float64
	AdjustedPValue float64
	Pct1           float64
	Pct2           float64
}

// MarkerTable holds the results of testing one group against the
// rest.
type MarkerTable struct {
	Group   int
	Results []MarkerResult
	// Features that passed the fold change filter but could not
	// be tested.
	Skipped []string
}

// DiffTest tests every feature of src for a difference between cells
// labeled target and all other labeled cells. Cells of src that are
// not in labels are ignored. covariate, if not nil, must have a value
// for every analyzed cell; it is included in both the null and the
// full model of the likelihood ratio test.
//
// Cells with an undefined (NaN) value are left out of that feature's
// fold change and test. Deviation cells that are undefined for every
// motif are left out of the analysis altogether and reported as
// DegenerateCellError.
//
// Results are sorted by adjusted p-value, then feature id.
func DiffTest(ctx context.Context, src FeatureSource, labels *ClusterAssignment, target int, covariate map[string]float64, opts DiffTestOptions) (*MarkerTable, *Report, error) {
	report := newReport(fmt.Sprintf("markers-%d", target))
	cellLabel := make(map[string]int, len(labels.Cells))
	for i, c := range labels.Cells {
		cellLabel[c] = labels.Labels[i]
	}
	var undefined []bool
	if md, ok := src.(*MotifDeviation); ok {
		undefined = md.undefinedCells()
	}
	// cols are the analyzed columns of src.
	var cols []int
	var outcome []bool
	ntarget := 0
	for col, cell := range src.CellIDs() {
		label, ok := cellLabel[cell]
		if !ok {
			continue
		}
		if undefined != nil && undefined[col] {
			report.add(&DegenerateCellError{Cell: cell})
			continue
		}
		cols = append(cols, col)
		outcome = append(outcome, label == target)
		if label == target {
			ntarget++
		}
	}
	if ntarget == 0 || ntarget == len(cols) {
		return nil, nil, malformed("group %d has %d of %d analyzed cells, need at least one in each group", target, ntarget, len(cols))
	}

	var covariates [][]float64
	var covariateNames []string
	if covariate != nil {
		cov := make([]float64, len(cols))
		cells := src.CellIDs()
		for i, col := range cols {
			v, ok := covariate[cells[col]]
			if !ok {
				return nil, nil, malformed("no covariate value for cell %q", cells[col])
			}
			cov[i] = v
		}
		if standardize(cov) {
			covariates = [][]float64{cov}
			covariateNames = []string{"covariate"}
		} else {
			log.Warnf("markers: covariate is constant over analyzed cells, ignoring")
		}
	}

	method := opts.Method
	if method == "" {
		method = TestLR
	}
	newTest := func(outcome []bool, covariates [][]float64, covariateNames []string) (func(x []float64) float64, error) {
		switch method {
		case TestLR:
			return glmPvalueFunc(outcome, covariates, covariateNames)
		case TestChisq:
			return func(x []float64) float64 { return pvalue(binarize(x), outcome) }, nil
		default:
			return nil, fmt.Errorf("unknown test method %q", opts.Method)
		}
	}
	testFunc, err := newTest(outcome, covariates, covariateNames)
	if err != nil {
		return nil, nil, err
	}
	// subsetTest returns a test over the analyzed cells at the
	// given indices.
	subsetTest := func(defined []int) (func(x []float64) float64, error) {
		sub := make([]bool, len(defined))
		for j, i := range defined {
			sub[j] = outcome[i]
		}
		var subcov [][]float64
		var subnames []string
		for k, cov := range covariates {
			v := make([]float64, len(defined))
			for j, i := range defined {
				v[j] = cov[i]
			}
			if standardize(v) {
				subcov = append(subcov, v)
				subnames = append(subnames, covariateNames[k])
			}
		}
		return newTest(sub, subcov, subnames)
	}

	_, difference := src.(*MotifDeviation)
	features := src.FeatureIDs()
	results := make([]MarkerResult, len(features))
	status := make([]int8, len(features)) // 0=filtered, 1=tested, -1=skipped
	// Anomalies are collected per feature and reported in feature
	// order.
	notes := make([][]error, len(features))
	err = parallelRange(ctx, len(features), opts.Threads, func(lo, hi int) error {
		row := make([]float64, len(src.CellIDs()))
		x := make([]float64, 0, len(cols))
		defined := make([]int, 0, len(cols))
		for f := lo; f < hi; f++ {
			src.RowDense(f, row)
			x, defined = x[:0], defined[:0]
			var sum, n, pos [2]float64
			for i, col := range cols {
				v := row[col]
				if math.IsNaN(v) {
					continue
				}
				x = append(x, v)
				defined = append(defined, i)
				g := 1
				if outcome[i] {
					g = 0
				}
				sum[g] += v
				n[g]++
				if v > 0 {
					pos[g]++
				}
			}
			if n[0] == 0 || n[1] == 0 {
				notes[f] = append(notes[f], fmt.Errorf("feature %q has no defined values in one of the groups", features[f]))
				status[f] = -1
				continue
			}
			mean1, mean2 := sum[0]/n[0], sum[1]/n[1]
			res := MarkerResult{
				Feature: features[f],
				Pct1:    pos[0] / n[0],
				Pct2:    pos[1] / n[1],
			}
			if difference {
				res.LogFoldChange = mean1 - mean2
			} else {
				res.LogFoldChange = math.Log2((mean1 + 1) / (mean2 + 1))
			}
			if opts.OnlyPositive && res.LogFoldChange < opts.MinLogFoldChange ||
				!opts.OnlyPositive && math.Abs(res.LogFoldChange) < opts.MinLogFoldChange ||
				opts.OnlyPositive && res.LogFoldChange <= 0 {
				continue
			}
			if opts.MinPct > 0 && res.Pct1 < opts.MinPct && res.Pct2 < opts.MinPct {
				continue
			}
			if _, variance := stat.MeanVariance(x, nil); !(variance > 0) {
				notes[f] = append(notes[f], &ZeroVarianceFeatureError{Feature: features[f]})
				status[f] = -1
				continue
			}
			test := testFunc
			if len(defined) < len(cols) {
				notes[f] = append(notes[f], fmt.Errorf("feature %q: %d cells with undefined values left out", features[f], len(cols)-len(defined)))
				var err error
				test, err = subsetTest(defined)
				if err != nil {
					notes[f] = append(notes[f], fmt.Errorf("feature %q: %s", features[f], err))
					status[f] = -1
					continue
				}
			}
			res.PValue = test(x)
			if math.IsNaN(res.PValue) {
				notes[f] = append(notes[f], fmt.Errorf("feature %q: model fit failed", features[f]))
				status[f] = -1
				continue
			}
			results[f] = res
			status[f] = 1
		}
		return nil
	})
	for _, errs := range notes {
		for _, err := range errs {
			report.add(err)
		}
	}
	if err != nil {
		return nil, report, err
	}

	table := &MarkerTable{Group: target}
	for f, st := range status {
		switch st {
		case 1:
			table.Results = append(table.Results, results[f])
		case -1:
			table.Skipped = append(table.Skipped, features[f])
		}
	}
	if err := adjustPvalues(table.Results, opts.Correction); err != nil {
		return nil, report, err
	}
	sort.Slice(table.Results, func(i, j int) bool {
		a, b := table.Results[i], table.Results[j]
		if a.AdjustedPValue != b.AdjustedPValue {
			return a.AdjustedPValue < b.AdjustedPValue
		}
		return a.Feature < b.Feature
	})
	log.WithFields(log.Fields{
		"group":   target,
		"tested":  len(table.Results),
		"skipped": len(table.Skipped),
		"method":  method,
	}).Info("differential test done")
	return table, report, nil
}

// adjustPvalues fills in AdjustedPValue for a family of tests.
func adjustPvalues(results []MarkerResult, correction string) error {
	m := float64(len(results))
	switch correction {
	case "", CorrectionBH:
		order := make([]int, len(results))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool { return results[order[i]].PValue < results[order[j]].PValue })
		min := 1.0
		for rank := len(order) - 1; rank >= 0; rank-- {
			r := &results[order[rank]]
			adj := r.PValue * m / float64(rank+1)
			if adj < min {
				min = adj
			}
			r.AdjustedPValue = min
		}
	case CorrectionBonferroni:
		for i := range results {
			results[i].AdjustedPValue = math.Min(1, results[i].PValue*m)
		}
	default:
		return fmt.Errorf("unknown multiple testing correction %q", correction)
	}
	return nil
}

// FindAllMarkers runs DiffTest for every cluster against all other
// cells, concurrently. Tables are returned in cluster order.
func FindAllMarkers(ctx context.Context, src FeatureSource, labels *ClusterAssignment, covariate map[string]float64, opts DiffTestOptions) ([]*MarkerTable, *Report, error) {
	if labels.NClusters < 2 {
		return nil, nil, malformed("need at least 2 clusters to find markers, have %d", labels.NClusters)
	}
	report := newReport("markers")
	tables := make([]*MarkerTable, labels.NClusters)
	reports := make([]*Report, labels.NClusters)
	threads := threadCount(opts.Threads)
	perGroup := opts
	perGroup.Threads = (threads + labels.NClusters - 1) / labels.NClusters
	thr := throttle{Max: threads}
	for group := 0; group < labels.NClusters; group++ {
		group := group
		thr.Go(func() error {
			table, rpt, err := DiffTest(ctx, src, labels, group, covariate, perGroup)
			if err != nil {
				return fmt.Errorf("group %d: %w", group, err)
			}
			tables[group], reports[group] = table, rpt
			return nil
		})
	}
	err := thr.Wait()
	for group, rpt := range reports {
		for _, e := range rpt.Anomalies() {
			report.add(fmt.Errorf("group %d: %w", group, e))
		}
	}
	if err != nil {
		return nil, report, err
	}
	return tables, report, nil
}
