// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"errors"
	"math"

	"gopkg.in/check.v1"
)

type qcSuite struct{}

var _ = check.Suite(&qcSuite{})

func (s *qcSuite) input(c *check.C) (*CountMatrix, *CellMetadata) {
	m, err := NewCountMatrix(KindCounts, []string{"p0", "p1", "p2"}, []string{"a", "b", "c", "d", "e"}, []Entry{
		{0, 0, 5}, {0, 1, 1}, {0, 3, 7}, {0, 4, 2},
		{1, 0, 3}, {1, 3, 1},
		{2, 4, 9},
	})
	c.Assert(err, check.IsNil)
	// metadata in a different order, with an extra cell
	md, err := NewCellMetadata([]string{"e", "d", "c", "b", "a", "z"})
	c.Assert(err, check.IsNil)
	c.Assert(md.SetNumeric(ColPassedFilters, []float64{100, 20, 10, 10, 16, 1}), check.IsNil)
	c.Assert(md.SetNumeric(ColPeakFragments, []float64{11, 8, 0, 1, 8, 1}), check.IsNil)
	return m, md
}

func (s *qcSuite) TestDerived(c *check.C) {
	m, md := s.input(c)
	fm, fmd, report, err := (&qcFilter{}).Apply(m, md)
	c.Assert(err, check.IsNil)
	// Cell c has no counts.
	c.Check(fm.CellIDs(), check.DeepEquals, []string{"a", "b", "d", "e"})
	c.Check(fmd.CellIDs(), check.DeepEquals, fm.CellIDs())
	c.Assert(report.Anomalies(), check.HasLen, 1)
	c.Check(report.Anomalies()[0].(*DegenerateCellError).Cell, check.Equals, "c")
	tc, _ := fmd.Numeric(ColTotalCounts)
	c.Check(tc, check.DeepEquals, []float64{8, 1, 8, 11})
	frip, ok := fmd.Numeric(ColFRiP)
	c.Assert(ok, check.Equals, true)
	c.Check(frip, check.DeepEquals, []float64{0.5, 0.1, 0.4, 0.11})
	_, ok = fmd.Numeric(ColBlacklistRatio)
	c.Check(ok, check.Equals, false)
}

func (s *qcSuite) TestThresholds(c *check.C) {
	m, md := s.input(c)
	fm, fmd, _, err := (&qcFilter{MinTotalCounts: 2, MinFRiP: 0.2, MinFeatureCells: 2}).Apply(m, md)
	c.Assert(err, check.IsNil)
	c.Check(fm.CellIDs(), check.DeepEquals, []string{"a", "d"})
	c.Check(fm.FeatureIDs(), check.DeepEquals, []string{"p0", "p1"})
	// total_counts is recomputed over the remaining features.
	tc, _ := fmd.Numeric(ColTotalCounts)
	c.Check(tc, check.DeepEquals, []float64{8, 8})

	fm, _, _, err = (&qcFilter{MaxTotalCounts: 8, MinFeatureFraction: 0.5}).Apply(m, md)
	c.Assert(err, check.IsNil)
	c.Check(fm.CellIDs(), check.DeepEquals, []string{"a", "b", "d"})
	c.Check(fm.FeatureIDs(), check.DeepEquals, []string{"p0", "p1"})

	_, _, _, err = (&qcFilter{MinTSSEnrichment: 2}).Apply(m, md)
	c.Check(err, check.ErrorMatches, `.*tss_enrichment.*not available`)
}

func (s *qcSuite) TestEmptiedByFeatureFilter(c *check.C) {
	// Cell "rare" has counts only on peak p2, which is detected in
	// a single cell.
	m, err := NewCountMatrix(KindCounts, []string{"p0", "p1", "p2"}, []string{"a", "b", "rare", "c"}, []Entry{
		{0, 0, 2}, {0, 1, 1}, {0, 3, 4},
		{1, 0, 1}, {1, 3, 3},
		{2, 2, 6},
	})
	c.Assert(err, check.IsNil)
	md, err := NewCellMetadata(m.CellIDs())
	c.Assert(err, check.IsNil)
	fm, fmd, report, err := (&qcFilter{MinFeatureCells: 2}).Apply(m, md)
	c.Assert(err, check.IsNil)
	c.Check(fm.FeatureIDs(), check.DeepEquals, []string{"p0", "p1"})
	c.Check(fm.CellIDs(), check.DeepEquals, []string{"a", "b", "c"})
	c.Check(fmd.CellIDs(), check.DeepEquals, fm.CellIDs())
	tc, _ := fmd.Numeric(ColTotalCounts)
	c.Check(tc, check.DeepEquals, []float64{3, 1, 7})
	c.Assert(report.Anomalies(), check.HasLen, 1)
	c.Check(report.Anomalies()[0].(*DegenerateCellError).Cell, check.Equals, "rare")

	// The filtered matrix normalizes without anomalies.
	_, report, err = NormalizeTFIDF(context.Background(), fm, TFIDFOptions{})
	c.Assert(err, check.IsNil)
	c.Check(report.Len(), check.Equals, 0)
}

func (s *qcSuite) TestMissingMetadata(c *check.C) {
	m, _ := s.input(c)
	md, err := NewCellMetadata([]string{"a", "b"})
	c.Assert(err, check.IsNil)
	_, _, _, err = (&qcFilter{}).Apply(m, md)
	c.Check(errors.Is(err, ErrMalformedInput), check.Equals, true)
}

func (s *qcSuite) TestRatio(c *check.C) {
	c.Check(ratio(1, 4), check.Equals, 0.25)
	c.Check(math.IsNaN(ratio(1, 0)), check.Equals, true)
}
