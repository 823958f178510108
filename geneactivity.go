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

type geneActivityCmd struct {
	AggregateOptions
}

func (cmd *geneActivityCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	annotationFilename := flags.String("annotation", "", "gene annotation BED `file` (chrom, start, end, gene, score, strand)")
	cmd.AggregateOptions.Flags(flags)
	if code := parseFlags(flags, args, &err); code >= 0 {
		return code
	}
	if *annotationFilename == "" {
		err = errors.New("no annotation file specified (-annotation)")
		return 2
	}
	cmd.Threads = rf.Threads
	defer rf.start()()

	if !rf.Local {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := rf.runner("atacseq gene-activity", 32000000000, 8)
		err = runner.TranslatePaths(inputFilename, annotationFilename)
		if err != nil {
			return 1
		}
		runner.Args = append([]string{"gene-activity", "-local=true",
			"-i", *inputFilename,
			"-o", "/mnt/output/dataset.gob.gz",
			"-annotation", *annotationFilename,
		}, cmd.AggregateOptions.Args()...)
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
	ann, err := loadAnnotation(*annotationFilename)
	if err != nil {
		return 1
	}
	ds, err := readDatasetFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	counts, ok := ds.Matrices[PeaksHandle]
	if !ok {
		err = fmt.Errorf("dataset has no %s matrix", PeaksHandle)
		return 1
	}
	act, report, err := AggregateGeneActivity(ctx, counts, ann, cmd.AggregateOptions)
	if err != nil {
		return 1
	}
	report.Log()
	ds.Matrices[ActivityHandle] = act
	err = writeDatasetFile(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
