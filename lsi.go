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

type lsicmd struct {
	tfidf TFIDFOptions
	embed EmbedOptions
}

func (cmd *lsicmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	cmd.tfidf.Flags(flags)
	cmd.embed.Flags(flags)
	if code := parseFlags(flags, args, &err); code >= 0 {
		return code
	}
	cmd.tfidf.Threads = rf.Threads
	cmd.embed.Threads = rf.Threads
	defer rf.start()()

	if !rf.Local {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := rf.runner("atacseq lsi", 120000000000, 16)
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"lsi", "-local=true",
			"-i", *inputFilename,
			"-o", "/mnt/output/dataset.gob.gz",
		}
		runner.Args = append(runner.Args, cmd.tfidf.Args()...)
		runner.Args = append(runner.Args, cmd.embed.Args()...)
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
	sess := NewSession(ds.Metadata)
	if err = sess.SetMatrix(PeaksHandle, counts); err != nil {
		return 1
	}
	norm, report, err := NormalizeTFIDF(ctx, counts, cmd.tfidf)
	if err != nil {
		return 1
	}
	report.Log()
	if err = sess.SetMatrix(NormalizedHandle, norm); err != nil {
		return 1
	}
	emb, report, err := sess.Embed(ctx, NormalizedHandle, cmd.embed)
	if err != nil {
		return 1
	}
	report.Log()
	for i, r := range emb.DepthCorrelation {
		log.WithFields(log.Fields{
			"component": i + 1,
			"sigma":     emb.SingularValues[i],
			"depth_cor": r,
			"flagged":   emb.DepthFlagged[i],
		}).Info("lsi component")
	}
	if len(ds.Clusters) > 0 || ds.Graph != nil {
		log.Warn("lsi: discarding clusters computed from a previous embedding")
		ds.Clusters, ds.Graph = nil, nil
	}
	ds.Matrices[NormalizedHandle] = norm
	ds.Embedding = emb
	err = writeDatasetFile(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
