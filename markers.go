// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

type findMarkers struct {
	DiffTestOptions
}

func (cmd *findMarkers) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output CSV `file`")
	saveFilename := flags.String("save", "", "also write the dataset, with marker tables, to `file`")
	source := flags.String("source", "peaks", "features to test: peaks, genes (gene activity), or motifs (deviation z-scores)")
	resolution := flags.Float64("resolution", -1, "use the clustering computed at resolution `R` (default: most recent)")
	group := flags.Int("group", -1, "test only cluster `N` against all other cells (default: every cluster)")
	covariate := flags.String("covariate", ColTotalCounts, "per-cell metadata `column` to include as a covariate in lr tests (empty for none)")
	cmd.DiffTestOptions.Flags(flags)
	if code := parseFlags(flags, args, &err); code >= 0 {
		return code
	}
	cmd.Threads = rf.Threads
	defer rf.start()()

	if !rf.Local {
		if *outputFilename != "-" || *saveFilename != "" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := rf.runner("atacseq find-markers", 64000000000, 16)
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = append([]string{"find-markers", "-local=true",
			"-i", *inputFilename,
			"-o", "/mnt/output/markers.csv",
			"-source", *source,
			"-resolution", fmt.Sprintf("%g", *resolution),
			"-group", fmt.Sprintf("%d", *group),
			"-covariate", *covariate,
		}, cmd.DiffTestOptions.Args()...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/markers.csv")
		return 0
	}

	ctx, cancel := commandContext()
	defer cancel()
	ds, err := readDatasetFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	ca, err := ds.ClustersAt(*resolution)
	if err != nil {
		return 1
	}
	src, err := ds.featureSource(*source)
	if err != nil {
		return 1
	}
	var cov map[string]float64
	if *covariate != "" && cmd.Method != TestChisq {
		if ds.Metadata == nil {
			err = fmt.Errorf("dataset has no metadata for covariate %q", *covariate)
			return 1
		}
		cov, err = covariateMap(ds.Metadata, *covariate)
		if err != nil {
			return 1
		}
	}
	var tables []*MarkerTable
	if *group >= 0 {
		var table *MarkerTable
		var report *Report
		table, report, err = DiffTest(ctx, src, ca, *group, cov, cmd.DiffTestOptions)
		if err != nil {
			return 1
		}
		report.Log()
		tables = []*MarkerTable{table}
	} else {
		var report *Report
		tables, report, err = FindAllMarkers(ctx, src, ca, cov, cmd.DiffTestOptions)
		if err != nil {
			return 1
		}
		report.Log()
	}

	if *outputFilename == "-" {
		err = writeMarkers(stdout, tables)
	} else {
		err = writeCSV(*outputFilename, func(w io.Writer) error { return writeMarkers(w, tables) })
	}
	if err != nil {
		return 1
	}
	if *saveFilename != "" {
		ds.Markers = tables
		err = writeDatasetFile(*saveFilename, stdout, ds)
		if err != nil {
			return 1
		}
	}
	return 0
}

// featureSource returns the named testable matrix of the dataset.
func (ds *Dataset) featureSource(name string) (FeatureSource, error) {
	switch name {
	case "peaks":
		if m, ok := ds.Matrices[PeaksHandle]; ok {
			return m, nil
		}
	case "genes":
		if m, ok := ds.Matrices[ActivityHandle]; ok {
			return m, nil
		}
	case "motifs":
		if ds.Deviations != nil {
			return ds.Deviations, nil
		}
	default:
		return nil, fmt.Errorf("unknown feature source %q", name)
	}
	return nil, fmt.Errorf("dataset has no %s matrix", name)
}
