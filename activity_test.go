// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"errors"

	"gopkg.in/check.v1"
)

type activitySuite struct{}

var _ = check.Suite(&activitySuite{})

func (s *activitySuite) peaks(c *check.C) *CountMatrix {
	m, err := NewCountMatrix(KindCounts,
		[]string{"chr1:100-200", "chr1:1000-1100", "chr2:50-60"},
		[]string{"a", "b", "c"},
		[]Entry{
			{0, 0, 1}, {0, 1, 2},
			{1, 1, 3}, {1, 2, 4},
			{2, 0, 5},
		})
	c.Assert(err, check.IsNil)
	return m
}

func (s *activitySuite) TestAggregate(c *check.C) {
	m := s.peaks(c)
	ann := FeatureAnnotation{
		{Chrom: "chr1", Start: 300, End: 900, Strand: '+', Gene: "geneA"},
		// On the '-' strand, upstream is to the right, so the
		// window does not reach the peak at 1000-1100.
		{Chrom: "chr1", Start: 1200, End: 1500, Strand: '-', Gene: "geneB"},
		{Chrom: "chr1", Start: 1200, End: 1500, Strand: '+', Gene: "geneC"},
		{Chrom: "chr3", Start: 0, End: 1000, Strand: '+', Gene: "geneD"},
		{Chrom: "chr2", Start: 0, End: 10, Strand: '+', Gene: "geneA"},
	}
	act, report, err := AggregateGeneActivity(context.Background(), m, ann, AggregateOptions{Upstream: 2000, Threads: 2})
	c.Assert(err, check.IsNil)
	c.Check(act.Kind(), check.Equals, KindActivity)
	c.Check(act.FeatureIDs(), check.DeepEquals, []string{"geneA", "geneB", "geneC", "geneD"})
	c.Check(act.CellIDs(), check.DeepEquals, m.CellIDs())

	row := make([]float64, 3)
	act.RowDense(0, row)
	c.Check(row, check.DeepEquals, []float64{1, 2, 0})
	act.RowDense(1, row)
	c.Check(row, check.DeepEquals, []float64{0, 0, 0})
	// geneC's window (0-1500) covers both chr1 peaks.
	act.RowDense(2, row)
	c.Check(row, check.DeepEquals, []float64{1, 5, 4})
	act.RowDense(3, row)
	c.Check(row, check.DeepEquals, []float64{0, 0, 0})

	var empty []string
	dups := 0
	for _, err := range report.Anomalies() {
		var eo *EmptyOverlapWarning
		if errors.As(err, &eo) {
			empty = append(empty, eo.Gene)
		} else {
			dups++
		}
	}
	// Reported in gene order regardless of thread scheduling.
	c.Check(empty, check.DeepEquals, []string{"geneB", "geneD"})
	c.Check(dups, check.Equals, 1)
}

func (s *activitySuite) TestConservation(c *check.C) {
	m := blockCounts(c)
	// Non-overlapping windows that together cover every peak.
	ann := FeatureAnnotation{
		{Chrom: "chr1", Start: 0, End: 4999, Strand: '+', Gene: "left"},
		{Chrom: "chr1", Start: 5000, End: 20000, Strand: '+', Gene: "right"},
	}
	act, report, err := AggregateGeneActivity(context.Background(), m, ann, AggregateOptions{})
	c.Assert(err, check.IsNil)
	c.Check(report.Len(), check.Equals, 0)
	c.Check(act.Total(), check.Equals, m.Total())
	got := act.ColSums()
	for cell, want := range m.ColSums() {
		c.Check(got[cell], check.Equals, want)
	}
}

func (s *activitySuite) TestDownstream(c *check.C) {
	m := s.peaks(c)
	ann := FeatureAnnotation{{Chrom: "chr1", Start: 1200, End: 1500, Strand: '-', Gene: "geneA"}}
	// On the '-' strand, downstream is to the left.
	act, _, err := AggregateGeneActivity(context.Background(), m, ann, AggregateOptions{Upstream: 0, Downstream: 150})
	c.Assert(err, check.IsNil)
	c.Check(act.At(0, 1), check.Equals, 3.0)
	act, _, err = AggregateGeneActivity(context.Background(), m, ann, AggregateOptions{Upstream: 150, Downstream: 0})
	c.Assert(err, check.IsNil)
	c.Check(act.At(0, 1), check.Equals, 0.0)
}

func (s *activitySuite) TestErrors(c *check.C) {
	m := s.peaks(c)
	_, _, err := AggregateGeneActivity(context.Background(), m, FeatureAnnotation{{Chrom: "chr1", Start: 10, End: 5, Gene: "x"}}, AggregateOptions{})
	c.Check(errors.Is(err, ErrMalformedInput), check.Equals, true)
	_, _, err = AggregateGeneActivity(context.Background(), m, nil, AggregateOptions{Upstream: -1})
	c.Check(errors.Is(err, ErrMalformedInput), check.Equals, true)
	bad, err := NewCountMatrix(KindCounts, []string{"not-a-region"}, []string{"a"}, nil)
	c.Assert(err, check.IsNil)
	_, _, err = AggregateGeneActivity(context.Background(), bad, nil, AggregateOptions{})
	c.Check(err, check.NotNil)
}
