// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"strings"

	"gopkg.in/check.v1"
)

type configSuite struct{}

var _ = check.Suite(&configSuite{})

func (s *configSuite) TestEmpty(c *check.C) {
	cfg, err := LoadPipelineConfig(strings.NewReader(""))
	c.Assert(err, check.IsNil)
	c.Check(cfg, check.DeepEquals, DefaultPipelineConfig())
	c.Check(cfg.ChromVAR.Backgrounds, check.Equals, 50)
	c.Check(cfg.Markers.Method, check.Equals, TestLR)
}

func (s *configSuite) TestOverride(c *check.C) {
	cfg, err := LoadPipelineConfig(strings.NewReader(`
inputs:
  matrix: /data/filtered_peak_bc_matrix
  motifs: /data/motifs.tsv
threads: 4
lsi:
  k: 10
  threads: 2
cluster:
  resolution: 0.5
  dims: [1, 2, 3]
qc:
  min_total_counts: 500
extra_resolutions: [0.2, 1.2]
marker_covariate: ""
`))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Inputs.Matrix, check.Equals, "/data/filtered_peak_bc_matrix")
	c.Check(cfg.Inputs.Motifs, check.Equals, "/data/motifs.tsv")
	c.Check(cfg.Inputs.GC, check.Equals, "")
	c.Check(cfg.LSI.K, check.Equals, 10)
	// Keys not mentioned keep their defaults.
	c.Check(cfg.LSI.Method, check.Equals, "lanczos")
	c.Check(cfg.LSI.DepthCorrelationCutoff, check.Equals, 0.75)
	c.Check(cfg.Cluster.Resolution, check.Equals, 0.5)
	c.Check(cfg.Cluster.KNeighbors, check.Equals, 20)
	c.Check(cfg.Cluster.Dims, check.DeepEquals, []int{1, 2, 3})
	c.Check(cfg.QC.MinTotalCounts, check.Equals, 500.0)
	c.Check(cfg.ExtraResolutions, check.DeepEquals, []float64{0.2, 1.2})
	c.Check(cfg.MarkerCovariate, check.Equals, "")
	c.Check(cfg.Output, check.Equals, "dataset.gob.gz")

	cfg = cfg.withThreads()
	c.Check(cfg.LSI.Threads, check.Equals, 2)
	c.Check(cfg.TFIDF.Threads, check.Equals, 4)
	c.Check(cfg.Markers.Threads, check.Equals, 4)
}

func (s *configSuite) TestUnknownKey(c *check.C) {
	_, err := LoadPipelineConfig(strings.NewReader("lsi:\n  kk: 3\n"))
	c.Check(err, check.ErrorMatches, `(?s)config: .*field kk not found.*`)
	_, err = LoadPipelineConfig(strings.NewReader("lsi: [1, 2]\n"))
	c.Check(err, check.NotNil)
}

func (s *configSuite) TestString(c *check.C) {
	cfg := DefaultPipelineConfig()
	str := cfg.String()
	c.Check(str, check.Matches, `(?ms).*^lsi:\n    k: 30\n.*`)
	reloaded, err := LoadPipelineConfig(strings.NewReader(str))
	c.Assert(err, check.IsNil)
	c.Check(reloaded.LSI, check.DeepEquals, cfg.LSI)
	c.Check(reloaded.Markers, check.DeepEquals, cfg.Markers)
	c.Check(reloaded.ChromVAR, check.DeepEquals, cfg.ChromVAR)
}
