// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"errors"
	"math"

	"gopkg.in/check.v1"
	"gonum.org/v1/gonum/mat"
)

type difftestSuite struct{}

var _ = check.Suite(&difftestSuite{})

func twoGroups(cells []string) *ClusterAssignment {
	ca := &ClusterAssignment{Cells: cells, Labels: make([]int, len(cells)), NClusters: 2, Resolution: 1}
	for i := range cells {
		if i >= len(cells)/2 {
			ca.Labels[i] = 1
		}
	}
	return ca
}

func (s *difftestSuite) TestLR(c *check.C) {
	m := blockCounts(c)
	table, report, err := DiffTest(context.Background(), m, twoGroups(m.CellIDs()), 0, nil, DiffTestOptions{MinLogFoldChange: 0.25, Threads: 3})
	c.Assert(err, check.IsNil)
	c.Check(report.Len(), check.Equals, 0)
	c.Check(table.Group, check.Equals, 0)
	c.Assert(table.Results, check.HasLen, 10)
	// Every peak separates the groups perfectly, so all p-values
	// are equal and results are ordered by feature id.
	pSeparated := math.Erfc(math.Sqrt(-20 * math.Log(0.5)))
	for i, r := range table.Results {
		c.Check(r.Feature, check.Equals, m.FeatureIDs()[i])
		c.Check(math.Abs(r.PValue-pSeparated) < 1e-9, check.Equals, true, check.Commentf("%+v", r))
		c.Check(math.Abs(r.AdjustedPValue-r.PValue) < 1e-15, check.Equals, true)
		if i < 5 {
			c.Check(r.LogFoldChange > 1, check.Equals, true)
			c.Check(r.Pct1, check.Equals, 1.0)
		} else {
			c.Check(r.LogFoldChange < -1, check.Equals, true)
			c.Check(r.Pct2, check.Equals, 1.0)
		}
	}

	table, _, err = DiffTest(context.Background(), m, twoGroups(m.CellIDs()), 0, nil, DiffTestOptions{OnlyPositive: true, Correction: CorrectionBonferroni})
	c.Assert(err, check.IsNil)
	c.Assert(table.Results, check.HasLen, 5)
	for _, r := range table.Results {
		c.Check(math.Abs(r.AdjustedPValue-5*pSeparated) < 1e-9, check.Equals, true)
	}
}

func (s *difftestSuite) TestCovariate(c *check.C) {
	m := blockCounts(c)
	cov := map[string]float64{}
	for i, cell := range m.CellIDs() {
		cov[cell] = float64(i % 3)
	}
	tables, report, err := FindAllMarkers(context.Background(), m, twoGroups(m.CellIDs()), cov, DiffTestOptions{OnlyPositive: true, MinLogFoldChange: 0.25})
	c.Assert(err, check.IsNil)
	c.Check(report.Len(), check.Equals, 0)
	c.Assert(tables, check.HasLen, 2)
	for group, table := range tables {
		c.Check(table.Group, check.Equals, group)
		c.Assert(table.Results, check.HasLen, 5)
		for _, r := range table.Results {
			c.Check(r.AdjustedPValue < 1e-3, check.Equals, true)
			f := 0
			for i, id := range m.FeatureIDs() {
				if id == r.Feature {
					f = i
				}
			}
			c.Check(f/5, check.Equals, group)
		}
	}

	delete(cov, "cell3")
	_, _, err = DiffTest(context.Background(), m, twoGroups(m.CellIDs()), 0, cov, DiffTestOptions{})
	c.Check(errors.Is(err, ErrMalformedInput), check.Equals, true)
}

func (s *difftestSuite) TestChisq(c *check.C) {
	m := blockCounts(c)
	table, _, err := DiffTest(context.Background(), m, twoGroups(m.CellIDs()), 1, nil, DiffTestOptions{Method: TestChisq, OnlyPositive: true})
	c.Assert(err, check.IsNil)
	c.Assert(table.Results, check.HasLen, 5)
	for _, r := range table.Results {
		c.Check(r.PValue < 0.05, check.Equals, true)
		c.Check(r.PValue, check.Equals, pvalue(binarize(rowOf(m, r.Feature)), targetMask(20, 10)))
	}
}

func rowOf(m *CountMatrix, feature string) []float64 {
	row := make([]float64, len(m.CellIDs()))
	for f, id := range m.FeatureIDs() {
		if id == feature {
			m.RowDense(f, row)
		}
	}
	return row
}

func targetMask(n, from int) []bool {
	mask := make([]bool, n)
	for i := from; i < n; i++ {
		mask[i] = true
	}
	return mask
}

func (s *difftestSuite) TestSkipped(c *check.C) {
	m, err := NewCountMatrix(KindCounts, []string{"constant", "varies"}, ids("c", 6), []Entry{
		{0, 0, 2}, {0, 1, 2}, {0, 2, 2}, {0, 3, 2}, {0, 4, 2}, {0, 5, 2},
		{1, 0, 5}, {1, 1, 4}, {1, 2, 1}, {1, 4, 1},
	})
	c.Assert(err, check.IsNil)
	table, report, err := DiffTest(context.Background(), m, twoGroups(m.CellIDs()), 0, nil, DiffTestOptions{})
	c.Assert(err, check.IsNil)
	c.Check(table.Skipped, check.DeepEquals, []string{"constant"})
	c.Assert(table.Results, check.HasLen, 1)
	c.Check(table.Results[0].Feature, check.Equals, "varies")
	c.Assert(report.Anomalies(), check.HasLen, 1)
	var zv *ZeroVarianceFeatureError
	c.Check(errors.As(report.Anomalies()[0], &zv), check.Equals, true)
}

func (s *difftestSuite) TestSubsetAndErrors(c *check.C) {
	m := blockCounts(c)
	// Only cells 5-14 are labeled; the others are ignored.
	ca := twoGroups(m.CellIDs()[5:15])
	table, _, err := DiffTest(context.Background(), m, ca, 0, nil, DiffTestOptions{OnlyPositive: true})
	c.Assert(err, check.IsNil)
	c.Check(table.Results, check.HasLen, 5)

	_, _, err = DiffTest(context.Background(), m, ca, 7, nil, DiffTestOptions{})
	c.Check(errors.Is(err, ErrMalformedInput), check.Equals, true)
	_, _, err = DiffTest(context.Background(), m, ca, 0, nil, DiffTestOptions{Method: "t"})
	c.Check(err, check.ErrorMatches, `unknown test method.*`)
	_, _, err = DiffTest(context.Background(), m, ca, 0, nil, DiffTestOptions{Correction: "none"})
	c.Check(err, check.ErrorMatches, `unknown multiple testing correction.*`)
	_, _, err = FindAllMarkers(context.Background(), m, &ClusterAssignment{Cells: m.CellIDs(), Labels: make([]int, 20), NClusters: 1}, nil, DiffTestOptions{})
	c.Check(errors.Is(err, ErrMalformedInput), check.Equals, true)
}

func (s *difftestSuite) TestDeviationSource(c *check.C) {
	z := mat.NewDense(2, 6, []float64{
		2, 3, 2.5, -1, -2, -1.5,
		0, 1, nan(), 0, 1, 0,
	})
	dev := &MotifDeviation{Motifs: []string{"m1", "m2"}, Cells: ids("c", 6), Z: z}
	table, report, err := DiffTest(context.Background(), dev, twoGroups(dev.Cells), 0, nil, DiffTestOptions{})
	c.Assert(err, check.IsNil)
	c.Assert(table.Results, check.HasLen, 1)
	// Deviation scores are compared by mean difference, not fold
	// change.
	c.Check(table.Results[0].LogFoldChange, check.Equals, 4.0)
	c.Check(table.Skipped, check.DeepEquals, []string{"m2"})
	c.Check(report.Len(), check.Equals, 1)
}

func (s *difftestSuite) TestAdjust(c *check.C) {
	results := func() []MarkerResult {
		return []MarkerResult{{PValue: 0.01}, {PValue: 0.04}, {PValue: 0.03}, {PValue: 0.005}}
	}
	bh := results()
	c.Assert(adjustPvalues(bh, CorrectionBH), check.IsNil)
	for i, want := range []float64{0.02, 0.04, 0.04, 0.02} {
		c.Check(math.Abs(bh[i].AdjustedPValue-want) < 1e-12, check.Equals, true, check.Commentf("%d: %g", i, bh[i].AdjustedPValue))
	}
	bonf := results()
	c.Assert(adjustPvalues(bonf, CorrectionBonferroni), check.IsNil)
	for i, want := range []float64{0.04, 0.16, 0.12, 0.02} {
		c.Check(math.Abs(bonf[i].AdjustedPValue-want) < 1e-12, check.Equals, true)
	}
	big := []MarkerResult{{PValue: 0.5}, {PValue: 0.9}}
	c.Assert(adjustPvalues(big, CorrectionBonferroni), check.IsNil)
	c.Check(big[1].AdjustedPValue, check.Equals, 1.0)
	c.Check(adjustPvalues(results(), "holm"), check.NotNil)
}

func (s *difftestSuite) TestUndefinedDeviations(c *check.C) {
	// blockCounts plus a cell with no counts, whose deviations
	// are undefined for every motif.
	m := blockCounts(c)
	var entries []Entry
	for f := range m.FeatureIDs() {
		cells, vals := m.Row(f)
		for i, cell := range cells {
			entries = append(entries, Entry{Feature: f, Cell: cell, Value: vals[i]})
		}
	}
	m, err := NewCountMatrix(KindCounts, m.FeatureIDs(), append(m.CellIDs(), "empty"), entries)
	c.Assert(err, check.IsNil)
	peaks := m.FeatureIDs()
	motifs, err := NewMotifPresence(peaks, []string{"all", "groupA"}, map[string][]string{
		"all":    peaks,
		"groupA": peaks[:5],
	})
	c.Assert(err, check.IsNil)
	dev, _, err := ComputeDeviations(context.Background(), m, motifs, nil, ChromVAROptions{Backgrounds: 20, AccessibilityBins: 2, Seed: 1})
	c.Assert(err, check.IsNil)
	c.Assert(math.IsNaN(dev.Z.At(1, 20)), check.Equals, true)

	table, report, err := DiffTest(context.Background(), dev, twoGroups(m.CellIDs()), 0, nil, DiffTestOptions{OnlyPositive: true, Threads: 2})
	c.Assert(err, check.IsNil)
	c.Assert(report.Anomalies(), check.HasLen, 1)
	c.Check(report.Anomalies()[0].(*DegenerateCellError).Cell, check.Equals, "empty")
	c.Check(table.Skipped, check.HasLen, 0)
	c.Assert(table.Results, check.HasLen, 1)
	r := table.Results[0]
	c.Check(r.Feature, check.Equals, "groupA")
	c.Check(r.LogFoldChange > 0, check.Equals, true)
	c.Check(r.PValue < 1e-3, check.Equals, true, check.Commentf("%+v", r))
}

func (s *difftestSuite) TestUndefinedValue(c *check.C) {
	cells := ids("cell", 20)
	z := mat.NewDense(2, 20, nil)
	for cell := 0; cell < 20; cell++ {
		v := 1 + 0.1*float64(cell)
		if cell >= 10 {
			v = -v
		}
		z.Set(0, cell, v)
		z.Set(1, cell, v)
	}
	z.Set(0, 3, math.NaN())
	dev := &MotifDeviation{Motifs: []string{"m0", "m1"}, Cells: cells, Deviations: z, Z: z}

	table, report, err := DiffTest(context.Background(), dev, twoGroups(cells), 0, nil, DiffTestOptions{OnlyPositive: true})
	c.Assert(err, check.IsNil)
	c.Check(report.Len(), check.Equals, 1)
	c.Check(report.Anomalies()[0], check.ErrorMatches, `feature "m0": 1 cells with undefined values left out`)
	c.Check(table.Skipped, check.HasLen, 0)
	c.Assert(table.Results, check.HasLen, 2)
	// m0 is tested on the 9 target and 10 other cells with
	// defined values.
	p9 := math.Erfc(math.Sqrt(-(9*math.Log(9.0/19) + 10*math.Log(10.0/19))))
	p10 := math.Erfc(math.Sqrt(-20 * math.Log(0.5)))
	for _, r := range table.Results {
		switch r.Feature {
		case "m0":
			c.Check(math.Abs(r.PValue-p9) < 1e-9, check.Equals, true, check.Commentf("%+v", r))
			c.Check(r.Pct1, check.Equals, 1.0)
		case "m1":
			c.Check(math.Abs(r.PValue-p10) < 1e-9, check.Equals, true, check.Commentf("%+v", r))
		}
	}

	// A feature undefined in every target cell cannot be tested.
	for cell := 0; cell < 10; cell++ {
		z.Set(1, cell, math.NaN())
	}
	table, report, err = DiffTest(context.Background(), dev, twoGroups(cells), 0, nil, DiffTestOptions{})
	c.Assert(err, check.IsNil)
	c.Check(table.Skipped, check.DeepEquals, []string{"m1"})
	c.Check(report.Anomalies()[1], check.ErrorMatches, `feature "m1" has no defined values in one of the groups`)
}
