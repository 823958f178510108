// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

const (
	testAnnotation = "chr1\t0\t4500\tGENE_A\t0\t+\nchr1\t5000\t9500\tGENE_B\t0\t-\nchr2\t100\t200\tGENE_C\t0\t+\n"
	testMotifs     = "low\tchr1:0-500\nlow\tchr1:1000-1500\nlow\tchr1:2000-2500\nlow\tchr1:3000-3500\nlow\tchr1:4000-4500\n" +
		"high\tchr1:5000-5500\nhigh\tchr1:6000-6500\nhigh\tchr1:7000-7500\nhigh\tchr1:8000-8500\nhigh\tchr1:9000-9500\n"
)

// writeBlockTenx writes blockCounts as a 10x-style matrix directory.
func writeBlockTenx(c *check.C, dir string) *CountMatrix {
	m := blockCounts(c)
	nf, nc := m.Dims()
	var mtx bytes.Buffer
	fmt.Fprintf(&mtx, "%%%%MatrixMarket matrix coordinate integer general\n%d %d %d\n", nf, nc, m.NNZ())
	for f := 0; f < nf; f++ {
		cells, vals := m.Row(f)
		for i, cell := range cells {
			fmt.Fprintf(&mtx, "%d %d %g\n", f+1, cell+1, vals[i])
		}
	}
	writeFile(c, dir+"/matrix.mtx", mtx.String())
	var bed bytes.Buffer
	for f := 0; f < nf; f++ {
		fmt.Fprintf(&bed, "chr1\t%d\t%d\n", f*1000, f*1000+500)
	}
	writeGzipFile(c, dir+"/peaks.bed.gz", bed.String())
	writeFile(c, dir+"/barcodes.tsv", strings.Join(m.CellIDs(), "\n")+"\n")
	return m
}

func testPipelineConfig() PipelineConfig {
	cfg := DefaultPipelineConfig()
	cfg.LSI.K = 5
	cfg.LSI.DepthCorrelationCutoff = 0
	cfg.Cluster.KNeighbors = 9
	cfg.Cluster.Resolution = 1
	cfg.ExtraResolutions = []float64{0.5}
	cfg.MarkerCovariate = ""
	cfg.Markers.OnlyPositive = true
	cfg.ChromVAR.Backgrounds = 20
	cfg.ChromVAR.AccessibilityBins = 2
	cfg.ChromVAR.Seed = 1
	return cfg
}

// checkBlockMarkers checks that the first five peaks, and only
// those, are markers of cluster 0 (cells 0-9). Markers are computed
// with only-positive fold change filtering.
func checkBlockMarkers(c *check.C, tables []*MarkerTable) {
	c.Assert(tables, check.HasLen, 2)
	t := tables[0]
	c.Check(t.Group, check.Equals, 0)
	c.Check(t.Skipped, check.HasLen, 0)
	var up []string
	for _, r := range t.Results {
		c.Check(r.LogFoldChange > 0, check.Equals, true, check.Commentf("%s", r.Feature))
		c.Check(r.AdjustedPValue < 0.01, check.Equals, true, check.Commentf("%s", r.Feature))
		up = append(up, r.Feature)
	}
	sort.Strings(up)
	c.Check(up, check.DeepEquals, []string{"chr1:0-500", "chr1:1000-1500", "chr1:2000-2500", "chr1:3000-3500", "chr1:4000-4500"})
	c.Check(tables[1].Results, check.HasLen, 5)
}

func (s *pipelineSuite) TestRun(c *check.C) {
	dir := c.MkDir()
	writeFile(c, dir+"/genes.bed", testAnnotation)
	writeFile(c, dir+"/motifs.tsv", testMotifs)
	in := PipelineInputs{Counts: blockCounts(c)}
	var err error
	in.Annotation, err = loadAnnotation(dir + "/genes.bed")
	c.Assert(err, check.IsNil)
	in.Motifs, err = loadMotifs(dir + "/motifs.tsv")
	c.Assert(err, check.IsNil)

	p := Pipeline{Config: testPipelineConfig()}
	ds, reports, err := p.Run(context.Background(), in)
	c.Assert(err, check.IsNil)
	stages := map[string]bool{}
	for _, r := range reports {
		stages[r.Stage] = true
	}
	for _, stage := range []string{"qc", "tfidf", "lsi", "cluster", "gene-activity", "chromvar", "markers"} {
		c.Check(stages[stage], check.Equals, true, check.Commentf("%s", stage))
	}

	c.Check(ds.Matrices, check.HasLen, 3)
	act := ds.Matrices[ActivityHandle]
	c.Assert(act, check.NotNil)
	c.Check(act.FeatureIDs(), check.DeepEquals, []string{"GENE_A", "GENE_B", "GENE_C"})
	peaks := ds.Matrices[PeaksHandle]
	for cell := 0; cell < 20; cell++ {
		var a, b float64
		for f := 0; f < 10; f++ {
			if f < 5 {
				a += peaks.At(f, cell)
			} else {
				b += peaks.At(f, cell)
			}
		}
		c.Check(act.At(0, cell), check.Equals, a)
		c.Check(act.At(1, cell), check.Equals, b)
		c.Check(act.At(2, cell), check.Equals, 0.0)
	}

	c.Assert(ds.Clusters, check.HasLen, 2)
	ca := ds.Clusters[0]
	c.Check(ca.Resolution, check.Equals, 1.0)
	c.Check(ca.NClusters, check.Equals, 2)
	for cell, label := range ca.Labels {
		c.Check(label, check.Equals, cell/10)
	}
	_, labels := ds.Metadata.Columns()
	c.Check(labels, check.DeepEquals, []string{"clusters_res0.5", "clusters_res1"})

	c.Assert(ds.Deviations, check.NotNil)
	c.Check(ds.Deviations.Motifs, check.DeepEquals, []string{"low", "high"})
	for cell := 0; cell < 20; cell++ {
		d := ds.Deviations.Deviations.At(0, cell)
		if cell < 10 {
			c.Check(d > 0, check.Equals, true, check.Commentf("cell %d", cell))
		} else {
			c.Check(d < 0, check.Equals, true, check.Commentf("cell %d", cell))
		}
	}

	checkBlockMarkers(c, ds.Markers)
}

func (s *pipelineSuite) TestRunCanceled(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Pipeline{Config: testPipelineConfig()}
	_, _, err := p.Run(ctx, PipelineInputs{Counts: blockCounts(c)})
	c.Check(err, check.Equals, context.Canceled)
}

func (s *pipelineSuite) TestRunCommand(c *check.C) {
	dir := c.MkDir()
	writeBlockTenx(c, dir)
	writeFile(c, dir+"/genes.bed", testAnnotation)
	writeFile(c, dir+"/motifs.tsv", testMotifs)
	writeFile(c, dir+"/config.yml", `
inputs:
  matrix: `+dir+`
  annotation: `+dir+`/genes.bed
lsi:
  k: 5
  depth_correlation_cutoff: 0
cluster:
  k_neighbors: 9
  resolution: 1
marker_covariate: ""
markers:
  only_positive: true
`)
	var stdout bytes.Buffer
	code := (&runPipeline{}).RunCommand("atacseq run", []string{"-local=true", "-config", dir + "/config.yml", "-dump-config"}, bytes.NewReader(nil), &stdout, os.Stderr)
	c.Assert(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*^    k: 5$.*`)

	code = (&runPipeline{}).RunCommand("atacseq run", []string{"-local=true", "-config", dir + "/config.yml", "-motifs", dir + "/motifs.tsv", "-o", dir + "/out.gob.gz", "-markers", dir + "/markers.csv"}, bytes.NewReader(nil), &stdout, os.Stderr)
	c.Assert(code, check.Equals, 0)
	ds, err := readDatasetFile(dir+"/out.gob.gz", nil)
	c.Assert(err, check.IsNil)
	c.Check(ds.Deviations, check.NotNil)
	c.Check(ds.Matrices[ActivityHandle], check.NotNil)
	checkBlockMarkers(c, ds.Markers)
	csv, err := os.ReadFile(dir + "/markers.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(csv), check.Matches, `(?ms)group,feature,log_fold_change,pvalue,adjusted_pvalue,pct1,pct2\n.*^0,chr1:0-500,.*`)

	code = (&runPipeline{}).RunCommand("atacseq run", []string{"-local=true"}, bytes.NewReader(nil), &stdout, os.Stderr)
	c.Check(code, check.Equals, 2)
}

// Run each stage as a separate command, passing the dataset along
// in files and pipes.
func (s *pipelineSuite) TestCommands(c *check.C) {
	dir := c.MkDir()
	writeBlockTenx(c, dir)
	writeFile(c, dir+"/genes.bed", testAnnotation)
	writeFile(c, dir+"/motifs.tsv", testMotifs)
	nobody := bytes.NewReader(nil)

	code := (&importer{}).RunCommand("atacseq import", []string{"-local=true", "-i", dir, "-o", dir + "/imported.gob.gz"}, nobody, os.Stderr, os.Stderr)
	c.Assert(code, check.Equals, 0)
	code = (&qccmd{}).RunCommand("atacseq qc", []string{"-local=true", "-i", dir + "/imported.gob.gz", "-o", dir + "/qc.gob", "-min-counts", "1"}, nobody, os.Stderr, os.Stderr)
	c.Assert(code, check.Equals, 0)

	var wg sync.WaitGroup
	clusterin, lsiout := io.Pipe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		code := (&lsicmd{}).RunCommand("atacseq lsi", []string{"-local=true", "-i", dir + "/qc.gob", "-dims", "5", "-depth-cor", "0"}, nobody, lsiout, os.Stderr)
		c.Check(code, check.Equals, 0)
		lsiout.Close()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		code := (&clustercmd{}).RunCommand("atacseq cluster", []string{"-local=true", "-o", dir + "/clustered.gob", "-k-neighbors", "9", "-resolution", "1"}, clusterin, os.Stderr, os.Stderr)
		c.Check(code, check.Equals, 0)
		io.Copy(io.Discard, clusterin)
	}()
	wg.Wait()

	code = (&geneActivityCmd{}).RunCommand("atacseq gene-activity", []string{"-local=true", "-i", dir + "/clustered.gob", "-o", dir + "/activity.gob", "-annotation", dir + "/genes.bed"}, nobody, os.Stderr, os.Stderr)
	c.Assert(code, check.Equals, 0)
	code = (&chromvarcmd{}).RunCommand("atacseq chromvar", []string{"-local=true", "-i", dir + "/activity.gob", "-o", dir + "/chromvar.gob", "-motifs", dir + "/motifs.tsv", "-backgrounds", "20", "-accessibility-bins", "2", "-seed", "1"}, nobody, os.Stderr, os.Stderr)
	c.Assert(code, check.Equals, 0)
	code = (&findMarkers{}).RunCommand("atacseq find-markers", []string{"-local=true", "-i", dir + "/chromvar.gob", "-o", dir + "/markers.csv", "-covariate=", "-only-pos", "-save", dir + "/final.gob"}, nobody, os.Stderr, os.Stderr)
	c.Assert(code, check.Equals, 0)
	ds, err := readDatasetFile(dir+"/final.gob", nil)
	c.Assert(err, check.IsNil)
	checkBlockMarkers(c, ds.Markers)
	buf, err := os.ReadFile(dir + "/markers.csv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSuffix(string(buf), "\n"), "\n")
	c.Check(lines[0], check.Equals, "group,feature,log_fold_change,pvalue,adjusted_pvalue,pct1,pct2")
	c.Check(lines[1:], check.HasLen, len(ds.Markers[0].Results)+len(ds.Markers[1].Results))

	var out bytes.Buffer
	code = (&findMarkers{}).RunCommand("atacseq find-markers", []string{"-local=true", "-i", dir + "/chromvar.gob", "-source", "motifs", "-group", "1", "-test", "lr", "-covariate="}, nobody, &out, os.Stderr)
	c.Assert(code, check.Equals, 0)
	c.Check(out.String(), check.Matches, `(?ms).*^1,high,.*`)

	code = (&findMarkers{}).RunCommand("atacseq find-markers", []string{"-local=true", "-i", dir + "/qc.gob"}, nobody, &out, os.Stderr)
	c.Check(code, check.Equals, 1)

	out.Reset()
	code = (&statscmd{}).RunCommand("atacseq stats", []string{"-local=true", "-i", dir + "/final.gob"}, nobody, &out, os.Stderr)
	c.Assert(code, check.Equals, 0)
	var sum summary
	c.Assert(json.Unmarshal(out.Bytes(), &sum), check.IsNil)
	c.Check(sum.Matrices, check.HasLen, 3)
	c.Check(sum.EmbeddingDims, check.Equals, 5)
	c.Assert(sum.Clusterings, check.HasLen, 1)
	c.Check(sum.Clusterings[0].Sizes, check.DeepEquals, []int{10, 10})
	c.Check(sum.Motifs, check.Equals, 2)
	c.Check(sum.MarkerTables, check.Equals, 2)
	c.Check(sum.LabelColumns, check.DeepEquals, []string{"clusters_res1"})

	code = (&exportNumpy{}).RunCommand("atacseq export-numpy", []string{"-local=true", "-i", dir + "/final.gob", "-output-dir", dir + "/npy", "-matrices", "genes"}, nobody, os.Stderr, os.Stderr)
	c.Assert(code, check.Equals, 0)
	for _, fnm := range []string{"embedding.npy", "embedding.cells.csv", "zscores.npy", "motifs.csv", "clusters.csv", "genes.npy", "genes.features.csv"} {
		_, err := os.Stat(dir + "/npy/" + fnm)
		c.Check(err, check.IsNil, check.Commentf("%s", fnm))
	}
}
