// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"math"

	"gopkg.in/check.v1"
)

type tfidfSuite struct{}

var _ = check.Suite(&tfidfSuite{})

func nan() float64 { return math.NaN() }

func (s *tfidfSuite) TestValues(c *check.C) {
	m, err := NewCountMatrix(KindCounts, []string{"p0", "p1"}, []string{"a", "b", "c"}, []Entry{
		{0, 0, 1},
		{0, 1, 2},
		{1, 0, 1},
		{1, 2, 4},
	})
	c.Assert(err, check.IsNil)
	norm, report, err := NormalizeTFIDF(context.Background(), m, TFIDFOptions{})
	c.Assert(err, check.IsNil)
	c.Check(report.Len(), check.Equals, 0)
	c.Check(norm.Kind(), check.Equals, KindNormalized)
	c.Check(norm.NNZ(), check.Equals, m.NNZ())
	// N=3 cells, df=2 for both peaks, so idf=1.
	c.Check(norm.At(0, 0), check.Equals, math.Log1p(0.5))
	c.Check(norm.At(0, 1), check.Equals, math.Log1p(1))
	c.Check(norm.At(1, 0), check.Equals, math.Log1p(0.5))
	c.Check(norm.At(1, 2), check.Equals, math.Log1p(1))
	c.Check(norm.At(1, 1), check.Equals, 0.0)

	scaled, _, err := NormalizeTFIDF(context.Background(), m, TFIDFOptions{ScaleFactor: 1e4})
	c.Assert(err, check.IsNil)
	c.Check(scaled.At(0, 0), check.Equals, math.Log1p(0.5e4))
}

func (s *tfidfSuite) TestDegenerateCell(c *check.C) {
	m, err := NewCountMatrix(KindCounts, []string{"p0"}, []string{"a", "empty"}, []Entry{{0, 0, 3}})
	c.Assert(err, check.IsNil)
	norm, report, err := NormalizeTFIDF(context.Background(), m, TFIDFOptions{})
	c.Assert(err, check.IsNil)
	c.Assert(report.Anomalies(), check.HasLen, 1)
	dc, ok := report.Anomalies()[0].(*DegenerateCellError)
	c.Assert(ok, check.Equals, true)
	c.Check(dc.Cell, check.Equals, "empty")
	c.Check(norm.At(0, 1), check.Equals, 0.0)
	c.Check(math.IsNaN(norm.At(0, 0)), check.Equals, false)
}

func (s *tfidfSuite) TestRejectNormalized(c *check.C) {
	m := blockCounts(c)
	norm, _, err := NormalizeTFIDF(context.Background(), m, TFIDFOptions{})
	c.Assert(err, check.IsNil)
	_, _, err = NormalizeTFIDF(context.Background(), norm, TFIDFOptions{})
	c.Check(err, check.NotNil)
	_, _, err = NormalizeTFIDF(context.Background(), m, TFIDFOptions{ScaleFactor: -1})
	c.Check(err, check.NotNil)
}

func (s *tfidfSuite) TestMonotoneInCount(c *check.C) {
	m := blockCounts(c)
	norm, _, err := NormalizeTFIDF(context.Background(), m, TFIDFOptions{Threads: 3})
	c.Assert(err, check.IsNil)
	// Within one cell and among peaks with equal df, more counts
	// give a larger value.
	df := m.RowCellCounts()
	for cell := 0; cell < 20; cell++ {
		for f := 0; f < 10; f++ {
			for g := 0; g < 10; g++ {
				if df[f] == df[g] && m.At(f, cell) > m.At(g, cell) {
					c.Check(norm.At(f, cell) > norm.At(g, cell), check.Equals, true)
				}
			}
		}
	}
}

func (s *tfidfSuite) TestProportionalCells(c *check.C) {
	// b is a copy of a, c is a scaled by 3.
	m, err := NewCountMatrix(KindCounts, []string{"p0", "p1", "p2"}, []string{"a", "b", "c", "d"}, []Entry{
		{0, 0, 1}, {0, 1, 1}, {0, 2, 3},
		{1, 0, 2}, {1, 1, 2}, {1, 2, 6}, {1, 3, 1},
		{2, 3, 5},
	})
	c.Assert(err, check.IsNil)
	for _, opts := range []TFIDFOptions{{}, {ScaleFactor: 1e4, Threads: 3}} {
		norm, _, err := NormalizeTFIDF(context.Background(), m, opts)
		c.Assert(err, check.IsNil)
		for f := 0; f < 3; f++ {
			c.Check(norm.At(f, 1), check.Equals, norm.At(f, 0), check.Commentf("feature %d", f))
			c.Check(norm.At(f, 2), check.Equals, norm.At(f, 0), check.Commentf("feature %d", f))
		}
		c.Check(norm.At(1, 3) == norm.At(1, 0), check.Equals, false)
	}
}
