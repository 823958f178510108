// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"sync"

	"gopkg.in/check.v1"
)

type sessionSuite struct{}

var _ = check.Suite(&sessionSuite{})

func (s *sessionSuite) session(c *check.C) *Session {
	m := blockCounts(c)
	md, err := NewCellMetadata(m.CellIDs())
	c.Assert(err, check.IsNil)
	c.Assert(md.SetNumeric(ColTotalCounts, m.ColSums()), check.IsNil)
	sess := NewSession(md)
	c.Assert(sess.SetMatrix(PeaksHandle, m), check.IsNil)
	norm, _, err := NormalizeTFIDF(context.Background(), m, TFIDFOptions{})
	c.Assert(err, check.IsNil)
	c.Assert(sess.SetMatrix(NormalizedHandle, norm), check.IsNil)
	return sess
}

func (s *sessionSuite) TestHandles(c *check.C) {
	sess := s.session(c)
	c.Check(sess.Handles(), check.DeepEquals, []MatrixHandle{PeaksHandle, NormalizedHandle})
	c.Check(PeaksHandle.String(), check.Equals, "peaks/counts")
	_, err := sess.Matrix(ActivityHandle)
	c.Check(err, check.ErrorMatches, `no matrix genes/activity in session`)
	peaks, err := sess.Matrix(PeaksHandle)
	c.Assert(err, check.IsNil)
	c.Check(sess.SetMatrix(NormalizedHandle, peaks), check.ErrorMatches, `cannot store counts matrix under handle peaks/normalized`)
}

func (s *sessionSuite) TestEmbedCached(c *check.C) {
	sess := s.session(c)
	opts := EmbedOptions{K: 3, Seed: 1}
	var wg sync.WaitGroup
	embs := make([]*Embedding, 4)
	for i := range embs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			emb, _, err := sess.Embed(context.Background(), NormalizedHandle, opts)
			c.Check(err, check.IsNil)
			embs[i] = emb
		}()
	}
	wg.Wait()
	for _, emb := range embs[1:] {
		c.Check(emb == embs[0], check.Equals, true)
	}
	c.Check(sess.Stale(NormalizedHandle, embs[0].Source), check.Equals, false)

	// Replacing the matrix makes the embedding stale and the
	// next Embed call recomputes.
	peaks, _ := sess.Matrix(PeaksHandle)
	keep := make([]bool, 20)
	for i := range keep {
		keep[i] = i != 0
	}
	filtered, err := peaks.FilterCells(keep)
	c.Assert(err, check.IsNil)
	norm, _, err := NormalizeTFIDF(context.Background(), filtered, TFIDFOptions{})
	c.Assert(err, check.IsNil)
	c.Assert(sess.SetMatrix(NormalizedHandle, norm), check.IsNil)
	c.Check(sess.Stale(NormalizedHandle, embs[0].Source), check.Equals, true)
	emb, _, err := sess.Embed(context.Background(), NormalizedHandle, opts)
	c.Assert(err, check.IsNil)
	c.Check(emb == embs[0], check.Equals, false)
	c.Check(emb.Cells, check.HasLen, 19)

	// Different options are a different derived entity.
	emb2, _, err := sess.Embed(context.Background(), NormalizedHandle, EmbedOptions{K: 2, Seed: 1})
	c.Assert(err, check.IsNil)
	_, k := emb2.Dims()
	c.Check(k, check.Equals, 2)
}

func (s *sessionSuite) TestEmbedErrorNotCached(c *check.C) {
	sess := s.session(c)
	_, _, err := sess.Embed(context.Background(), NormalizedHandle, EmbedOptions{K: 3, Method: "bogus"})
	c.Check(err, check.NotNil)
	_, _, err = sess.Embed(context.Background(), NormalizedHandle, EmbedOptions{K: 3, Method: "bogus"})
	c.Check(err, check.NotNil)
	c.Check(sess.derived, check.HasLen, 0)
}

func (s *sessionSuite) TestClusterLabels(c *check.C) {
	sess := s.session(c)
	emb, _, err := sess.Embed(context.Background(), NormalizedHandle, EmbedOptions{K: 5, Seed: 1})
	c.Assert(err, check.IsNil)
	ca, g, _, err := sess.Cluster(context.Background(), emb, ClusterOptions{KNeighbors: 9, Resolution: 1, Seed: 1})
	c.Assert(err, check.IsNil)
	c.Check(g.Cells, check.DeepEquals, emb.Cells)
	labels, ok := sess.Metadata.Labels(ClusterColumn(1))
	c.Assert(ok, check.Equals, true)
	c.Check(labels, check.DeepEquals, ca.Labels)

	ca2, _, err := ClusterGraph(g, 0.1, 0, 1)
	c.Assert(err, check.IsNil)
	c.Assert(sess.AddClusters(ca2), check.IsNil)
	_, lcols := sess.Metadata.Columns()
	c.Check(lcols, check.DeepEquals, []string{"clusters_res0.1", "clusters_res1"})

	cov, err := sess.covariate(ColTotalCounts)
	c.Assert(err, check.IsNil)
	c.Check(cov["cell3"], check.Equals, blockCounts(c).ColSums()[3])
	cov, err = sess.covariate("")
	c.Check(err, check.IsNil)
	c.Check(cov, check.IsNil)
	_, err = sess.covariate("nonexistent")
	c.Check(err, check.NotNil)
}
