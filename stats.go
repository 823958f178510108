// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/stat"
)

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output `file`")
	if code := parseFlags(flags, args, &err); code >= 0 {
		return code
	}
	defer rf.start()()

	if !rf.Local {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := rf.runner("atacseq stats", 16000000000, 1)
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"stats", "-local=true", "-i", *inputFilename, "-o", "/mnt/output/stats.json"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	ds, err := readDatasetFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = json.NewEncoder(bufw).Encode(datasetStats(ds))
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type matrixStats struct {
	Name           string
	Kind           string
	Features       int
	Cells          int
	NNZ            int
	Density        float64
	MedianCounts   float64 // per cell
	MedianFeatures float64 // non-zero features per cell
	Fingerprint    string
}

type clusterStats struct {
	Resolution float64
	Clusters   int
	Modularity float64
	Sizes      []int
}

type summary struct {
	Matrices          []matrixStats
	MetadataColumns   []string `json:",omitempty"`
	LabelColumns      []string `json:",omitempty"`
	EmbeddingDims     int
	SingularValues    []float64 `json:",omitempty"`
	DepthFlagged      []int     `json:",omitempty"` // 1-based
	GraphEdges        int
	Clusterings       []clusterStats `json:",omitempty"`
	Motifs            int
	SkippedMotifs     int
	LowFidelityMotifs int
	MarkerTables      int
	Markers           int
}

func datasetStats(ds *Dataset) summary {
	var ret summary
	handles := make([]MatrixHandle, 0, len(ds.Matrices))
	for h := range ds.Matrices {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].String() < handles[j].String() })
	for _, h := range handles {
		m := ds.Matrices[h]
		nf, nc := m.Dims()
		ms := matrixStats{
			Name:        h.Name,
			Kind:        h.Kind.String(),
			Features:    nf,
			Cells:       nc,
			NNZ:         m.NNZ(),
			Fingerprint: fmt.Sprintf("%x", m.Fingerprint()),
		}
		if nf > 0 && nc > 0 {
			ms.Density = float64(m.NNZ()) / float64(nf) / float64(nc)
			ms.MedianCounts = median(m.ColSums())
			perCell := make([]float64, nc)
			for _, c := range m.cellidx {
				perCell[c]++
			}
			ms.MedianFeatures = median(perCell)
		}
		ret.Matrices = append(ret.Matrices, ms)
	}
	if ds.Metadata != nil {
		ret.MetadataColumns, ret.LabelColumns = ds.Metadata.Columns()
	}
	if e := ds.Embedding; e != nil {
		_, ret.EmbeddingDims = e.Dims()
		ret.SingularValues = e.SingularValues
		for i, f := range e.DepthFlagged {
			if f {
				ret.DepthFlagged = append(ret.DepthFlagged, i+1)
			}
		}
	}
	if ds.Graph != nil {
		ret.GraphEdges = len(ds.Graph.Edges)
	}
	for _, ca := range ds.Clusters {
		ret.Clusterings = append(ret.Clusterings, clusterStats{
			Resolution: ca.Resolution,
			Clusters:   ca.NClusters,
			Modularity: finiteOrZero(ca.Modularity),
			Sizes:      ca.Sizes(),
		})
	}
	if d := ds.Deviations; d != nil {
		ret.Motifs = len(d.Motifs)
		ret.SkippedMotifs = len(d.SkippedMotifs)
		for _, lf := range d.LowFidelity {
			if lf {
				ret.LowFidelityMotifs++
			}
		}
	}
	ret.MarkerTables = len(ds.Markers)
	for _, t := range ds.Markers {
		ret.Markers += len(t.Results)
	}
	return ret
}

// median returns the median of x (which is reordered), or NaN if x
// is empty.
func median(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	sort.Float64s(x)
	return stat.Quantile(0.5, stat.LinInterp, x, nil)
}

// finiteOrZero replaces NaN and ±Inf, which JSON cannot represent.
func finiteOrZero(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
