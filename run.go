// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

type runPipeline struct{}

func (cmd *runPipeline) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	configFilename := flags.String("config", "", "pipeline configuration YAML `file`")
	outputFilename := flags.String("o", "", "output dataset `file` (default: output from config)")
	markersFilename := flags.String("markers", "", "also write marker tables to CSV `file`")
	dumpConfig := flags.Bool("dump-config", false, "print the effective configuration and exit")
	var override PipelineInputFiles
	flags.StringVar(&override.Matrix, "matrix", "", "override inputs.matrix from config")
	flags.StringVar(&override.Metadata, "metadata", "", "override inputs.metadata from config")
	flags.StringVar(&override.Annotation, "annotation", "", "override inputs.annotation from config")
	flags.StringVar(&override.Motifs, "motifs", "", "override inputs.motifs from config")
	flags.StringVar(&override.GC, "gc", "", "override inputs.gc from config")
	if code := parseFlags(flags, args, &err); code >= 0 {
		return code
	}
	if *configFilename == "" {
		err = errors.New("no config file specified (-config)")
		return 2
	}
	defer rf.start()()

	f, err := open(*configFilename)
	if err != nil {
		return 1
	}
	cfg, err := LoadPipelineConfig(f)
	f.Close()
	if err != nil {
		return 1
	}
	if rf.Threads != 0 {
		cfg.Threads = rf.Threads
	}
	if *outputFilename != "" {
		cfg.Output = *outputFilename
	}
	for _, o := range []struct{ dst, src *string }{
		{&cfg.Inputs.Matrix, &override.Matrix},
		{&cfg.Inputs.Metadata, &override.Metadata},
		{&cfg.Inputs.Annotation, &override.Annotation},
		{&cfg.Inputs.Motifs, &override.Motifs},
		{&cfg.Inputs.GC, &override.GC},
	} {
		if *o.src != "" {
			*o.dst = *o.src
		}
	}
	if cfg.Inputs.Matrix == "" {
		err = errors.New("no input matrix in config (inputs.matrix) or command line (-matrix)")
		return 2
	}
	if *dumpConfig {
		fmt.Fprint(stdout, cfg.String())
		return 0
	}

	if !rf.Local {
		runner := rf.runner("atacseq run", 120000000000, 16)
		in := &cfg.Inputs
		err = runner.TranslatePaths(configFilename, &in.Matrix, &in.Metadata, &in.Annotation, &in.Motifs, &in.GC)
		if err != nil {
			return 1
		}
		// Input paths in the config are replaced by their
		// mount points.
		runner.Args = []string{"run", "-local=true",
			"-config", *configFilename,
			"-o", "/mnt/output/dataset.gob.gz",
			"-markers", "/mnt/output/markers.csv",
			"-threads", fmt.Sprintf("%d", cfg.Threads),
			"-matrix", in.Matrix,
			"-metadata", in.Metadata,
			"-annotation", in.Annotation,
			"-motifs", in.Motifs,
			"-gc", in.GC,
		}
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
	in, err := loadPipelineInputs(cfg.Inputs, stdin)
	if err != nil {
		return 1
	}
	p := Pipeline{Config: cfg}
	ds, reports, err := p.Run(ctx, in)
	if err != nil {
		return 1
	}
	nanomalies := 0
	for _, r := range reports {
		nanomalies += r.Len()
	}
	log.WithFields(log.Fields{
		"stages":    len(reports),
		"anomalies": nanomalies,
	}).Info("pipeline done")
	err = writeDatasetFile(cfg.Output, stdout, ds)
	if err != nil {
		return 1
	}
	if *markersFilename != "" && len(ds.Markers) > 0 {
		var out *os.File
		out, err = os.Create(*markersFilename)
		if err != nil {
			return 1
		}
		defer out.Close()
		err = writeMarkers(out, ds.Markers)
		if err != nil {
			return 1
		}
		err = out.Close()
		if err != nil {
			return 1
		}
	}
	return 0
}
