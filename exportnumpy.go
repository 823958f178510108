// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputDir := flags.String("output-dir", "./out", "output `directory`")
	matrices := flags.String("matrices", "", "also write dense copies of these comma-separated `matrices` (e.g., \"genes,peaks/normalized\")")
	if code := parseFlags(flags, args, &err); code >= 0 {
		return code
	}
	defer rf.start()()

	if !rf.Local {
		runner := rf.runner("atacseq export-numpy", 64000000000, 2)
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"export-numpy", "-local=true", "-i", *inputFilename, "-output-dir", "/mnt/output", "-matrices", *matrices}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	ds, err := readDatasetFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	var names []string
	if *matrices != "" {
		names = strings.Split(*matrices, ",")
	}
	err = exportDataset(ds, *outputDir, names)
	if err != nil {
		return 1
	}
	return 0
}

// exportDataset writes the dataset's dense entities as .npy files,
// with their row and column labels as CSV files, into outputDir:
//
//	embedding.npy, embedding.cells.csv          (cells × dims)
//	deviations.npy, zscores.npy, motifs.csv     (motifs × cells)
//	clusters.csv                                (cell, one column per resolution)
//	{name}.npy, {name}.features.csv, {name}.cells.csv  (features × cells)
func exportDataset(ds *Dataset, outputDir string, matrixNames []string) error {
	if err := os.MkdirAll(outputDir, 0777); err != nil {
		return err
	}
	if e := ds.Embedding; e != nil && !e.Coords.IsEmpty() {
		rows, cols := e.Coords.Dims()
		if err := writeNumpyFloat64(outputDir+"/embedding.npy", denseRecord(e.Coords).Data, rows, cols); err != nil {
			return err
		}
		if err := writeLabels(outputDir+"/embedding.cells.csv", "cell", e.Cells); err != nil {
			return err
		}
	}
	if d := ds.Deviations; d != nil && !d.Z.IsEmpty() {
		rows, cols := d.Z.Dims()
		for fnm, m := range map[string]*mat.Dense{"deviations.npy": d.Deviations, "zscores.npy": d.Z} {
			if err := writeNumpyFloat64(outputDir+"/"+fnm, denseRecord(m).Data, rows, cols); err != nil {
				return err
			}
		}
		if err := writeMotifTable(outputDir+"/motifs.csv", d); err != nil {
			return err
		}
		if err := writeLabels(outputDir+"/deviations.cells.csv", "cell", d.Cells); err != nil {
			return err
		}
	}
	if len(ds.Clusters) > 0 {
		if err := writeClusters(outputDir+"/clusters.csv", ds.Clusters); err != nil {
			return err
		}
	}
	for _, name := range matrixNames {
		m := ds.matrixNamed(name)
		if m == nil {
			return fmt.Errorf("dataset has no matrix named %q", name)
		}
		name = strings.Replace(name, "/", "_", -1)
		rows, cols := m.Dims()
		out := make([]float64, rows*cols)
		for f := 0; f < rows; f++ {
			m.RowDense(f, out[f*cols:(f+1)*cols])
		}
		if err := writeNumpyFloat64(outputDir+"/"+name+".npy", out, rows, cols); err != nil {
			return err
		}
		if err := writeLabels(outputDir+"/"+name+".features.csv", "feature", m.FeatureIDs()); err != nil {
			return err
		}
		if err := writeLabels(outputDir+"/"+name+".cells.csv", "cell", m.CellIDs()); err != nil {
			return err
		}
	}
	return nil
}

// matrixNamed returns the matrix with the given handle
// ("peaks/normalized") or name ("peaks"). A bare name refers to the
// counts matrix when there is one.
func (ds *Dataset) matrixNamed(name string) *CountMatrix {
	handles := make([]MatrixHandle, 0, len(ds.Matrices))
	for h := range ds.Matrices {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Kind < handles[j].Kind })
	for _, h := range handles {
		if h.String() == name || h.Name == name {
			return ds.Matrices[h]
		}
	}
	return nil
}

func writeNumpyFloat64(fnm string, out []float64, rows, cols int) error {
	output, err := os.Create(fnm)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"filename": fnm,
		"rows":     rows,
		"cols":     cols,
		"bytes":    rows * cols * 8,
	}).Infof("writing numpy: %s", fnm)
	bufw := bufio.NewWriterSize(output, 1<<26)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err == nil {
		npw.Shape = []int{rows, cols}
		err = npw.WriteFloat64(out)
	}
	if err == nil {
		err = bufw.Flush()
	}
	if cerr := output.Close(); err == nil {
		err = cerr
	}
	return err
}

// writeLabels writes an index,label CSV file.
func writeLabels(fnm, header string, labels []string) error {
	return writeCSV(fnm, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "index,%s\n", header)
		for i, label := range labels {
			if err != nil {
				break
			}
			_, err = fmt.Fprintf(w, "%d,%s\n", i, label)
		}
		return err
	})
}

func writeMotifTable(fnm string, d *MotifDeviation) error {
	return writeCSV(fnm, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "index,motif,variability,pvalue,low_fidelity\n")
		for i, motif := range d.Motifs {
			if err != nil {
				break
			}
			_, err = fmt.Fprintf(w, "%d,%s,%g,%g,%v\n", i, motif, d.Variability[i], d.PValues[i], d.LowFidelity[i])
		}
		return err
	})
}

func writeClusters(fnm string, assignments []*ClusterAssignment) error {
	sorted := append([]*ClusterAssignment(nil), assignments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Resolution < sorted[j].Resolution })
	return writeCSV(fnm, func(w io.Writer) error {
		_, err := fmt.Fprint(w, "cell")
		for _, ca := range sorted {
			fmt.Fprintf(w, ",%s", ClusterColumn(ca.Resolution))
		}
		fmt.Fprint(w, "\n")
		// Assignments computed on different cell sets are
		// joined on the first one's cells.
		index := make([]map[string]int, len(sorted))
		for i, ca := range sorted {
			index[i] = make(map[string]int, len(ca.Cells))
			for c, cell := range ca.Cells {
				index[i][cell] = ca.Labels[c]
			}
		}
		for _, cell := range sorted[0].Cells {
			if err != nil {
				break
			}
			_, err = fmt.Fprint(w, cell)
			for i := range sorted {
				if label, ok := index[i][cell]; ok {
					fmt.Fprintf(w, ",%d", label)
				} else {
					fmt.Fprint(w, ",")
				}
			}
			fmt.Fprint(w, "\n")
		}
		return err
	})
}

// writeMarkers writes marker tables as CSV, one row per tested
// feature.
func writeMarkers(w io.Writer, tables []*MarkerTable) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintln(bufw, "group,feature,log_fold_change,pvalue,adjusted_pvalue,pct1,pct2")
	for _, t := range tables {
		for _, r := range t.Results {
			fmt.Fprintf(bufw, "%d,%s,%g,%g,%g,%g,%g\n", t.Group, r.Feature, r.LogFoldChange, r.PValue, r.AdjustedPValue, r.Pct1, r.Pct2)
		}
	}
	return bufw.Flush()
}

func writeCSV(fnm string, fn func(io.Writer) error) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	log.Infof("writing %s", fnm)
	bufw := bufio.NewWriter(f)
	if err = fn(bufw); err == nil {
		err = bufw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
