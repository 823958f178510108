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

type clustercmd struct {
	ClusterOptions
}

func (cmd *clustercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	cmd.ClusterOptions.Flags(flags)
	flags.Uint64Var(&cmd.Seed, "seed", 1, "random seed")
	if code := parseFlags(flags, args, &err); code >= 0 {
		return code
	}
	cmd.Threads = rf.Threads
	defer rf.start()()

	if !rf.Local {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := rf.runner("atacseq cluster", 32000000000, 8)
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = append([]string{"cluster", "-local=true",
			"-i", *inputFilename,
			"-o", "/mnt/output/dataset.gob.gz",
			"-seed", fmt.Sprintf("%d", cmd.Seed),
		}, cmd.ClusterOptions.Args()...)
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
	if ds.Embedding == nil {
		err = errors.New("dataset has no embedding (run \"atacseq lsi\" first)")
		return 1
	}
	if norm, ok := ds.Matrices[NormalizedHandle]; ok && norm.Fingerprint() != ds.Embedding.Source {
		log.Warn("cluster: embedding was computed from a different matrix than the current normalized matrix")
	}
	sess := NewSession(ds.Metadata)
	ca, g, report, err := sess.Cluster(ctx, ds.Embedding, cmd.ClusterOptions)
	if err != nil {
		return 1
	}
	report.Log()
	log.WithFields(log.Fields{
		"resolution": ca.Resolution,
		"clusters":   ca.NClusters,
		"modularity": ca.Modularity,
		"sizes":      ca.Sizes(),
	}).Info("clustering done")
	err = ds.merge(&DatasetEntry{Graph: g, Clusters: ca})
	if err != nil {
		return 1
	}
	ds.Metadata = sess.Metadata
	err = writeDatasetFile(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
