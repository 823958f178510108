// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"errors"
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

type chromvarcmd struct {
	ChromVAROptions
}

func (cmd *chromvarcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output dataset `file`")
	motifsFilename := flags.String("motifs", "", "motif match `file` (motif, peak id)")
	gcFilename := flags.String("gc", "", "peak GC content `file` (peak id, GC fraction); if empty, match backgrounds on accessibility only")
	cmd.ChromVAROptions.Flags(flags)
	flags.Uint64Var(&cmd.Seed, "seed", 1, "random seed")
	if code := parseFlags(flags, args, &err); code >= 0 {
		return code
	}
	if *motifsFilename == "" {
		err = errors.New("no motif file specified (-motifs)")
		return 2
	}
	cmd.Threads = rf.Threads
	defer rf.start()()

	if !rf.Local {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := rf.runner("atacseq chromvar", 64000000000, 16)
		err = runner.TranslatePaths(inputFilename, motifsFilename, gcFilename)
		if err != nil {
			return 1
		}
		runner.Args = append([]string{"chromvar", "-local=true",
			"-i", *inputFilename,
			"-o", "/mnt/output/dataset.gob.gz",
			"-motifs", *motifsFilename,
			"-gc", *gcFilename,
			"-seed", fmt.Sprintf("%d", cmd.Seed),
		}, cmd.ChromVAROptions.Args()...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/dataset.gob.gz")
		return 0
	}

	ctx, cancel := commandContext()
	defer cancel()
	ds, err := readDatasetFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	counts, ok := ds.Matrices[PeaksHandle]
	if !ok {
		err = fmt.Errorf("dataset has no %s matrix", PeaksHandle)
		return 1
	}
	table, err := loadMotifs(*motifsFilename)
	if err != nil {
		return 1
	}
	presence, err := table.Presence(counts.FeatureIDs())
	if err != nil {
		return 1
	}
	var gc []float64
	if *gcFilename != "" {
		var gct GCTable
		gct, err = loadGC(*gcFilename)
		if err != nil {
			return 1
		}
		gc, err = gct.Values(counts.FeatureIDs())
		if err != nil {
			return 1
		}
	}
	dev, report, err := ComputeDeviations(ctx, counts, presence, gc, cmd.ChromVAROptions)
	if err != nil {
		return 1
	}
	report.Log()
	log.WithFields(log.Fields{
		"motifs":  len(dev.Motifs),
		"skipped": len(dev.SkippedMotifs),
		"cells":   len(dev.Cells),
	}).Info("motif deviations done")
	ds.Deviations = dev
	err = writeDatasetFile(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
