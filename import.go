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

type importer struct{}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	inputDir := flags.String("i", "", "input `directory` with matrix.mtx, peaks.bed, barcodes.tsv (optionally gzipped)")
	metadataFilename := flags.String("metadata", "", "per-cell metadata `file` (e.g., singlecell.csv)")
	outputFilename := flags.String("o", "-", "output dataset `file` (gzip-compressed if name ends in .gz)")
	if code := parseFlags(flags, args, &err); code >= 0 {
		return code
	}
	if *inputDir == "" {
		err = errors.New("no input directory specified (-i)")
		return 2
	}
	defer rf.start()()

	if !rf.Local {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := rf.runner("atacseq import", 32000000000, 2)
		err = runner.TranslatePaths(inputDir, metadataFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"import", "-local=true",
			"-i", *inputDir,
			"-metadata", *metadataFilename,
			"-o", "/mnt/output/dataset.gob.gz",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/dataset.gob.gz")
		return 0
	}

	ds, err := importTenx(*inputDir, *metadataFilename)
	if err != nil {
		return 1
	}
	err = writeDatasetFile(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}

// importTenx loads a 10x peak matrix directory, and per-cell metadata
// if metadataFilename is not empty, into a new dataset.
func importTenx(dir, metadataFilename string) (*Dataset, error) {
	m, err := loadTenx(dir)
	if err != nil {
		return nil, err
	}
	var md *CellMetadata
	if metadataFilename != "" {
		md, err = loadSingleCell(metadataFilename, m.CellIDs())
	} else {
		md, err = NewCellMetadata(m.CellIDs())
	}
	if err != nil {
		return nil, err
	}
	if err = md.SetNumeric(ColTotalCounts, m.ColSums()); err != nil {
		return nil, err
	}
	nfeatures, ncells := m.Dims()
	log.WithFields(log.Fields{
		"features": nfeatures,
		"cells":    ncells,
		"nnz":      m.NNZ(),
	}).Info("imported peak matrix")
	return &Dataset{
		Matrices: map[MatrixHandle]*CountMatrix{PeaksHandle: m},
		Metadata: md,
	}, nil
}

// loadPipelineInputs loads the files named in a pipeline config. The
// matrix input may be a 10x directory or a dataset file.
func loadPipelineInputs(files PipelineInputFiles, stdin io.Reader) (PipelineInputs, error) {
	var in PipelineInputs
	if fi, err := statInput(files.Matrix); err == nil && fi {
		ds, err := importTenx(files.Matrix, files.Metadata)
		if err != nil {
			return in, err
		}
		in.Counts, in.Metadata = ds.Matrices[PeaksHandle], ds.Metadata
	} else {
		ds, err := readDatasetFile(files.Matrix, stdin)
		if err != nil {
			return in, err
		}
		in.Counts = ds.Matrices[PeaksHandle]
		if in.Counts == nil {
			return in, fmt.Errorf("%s: dataset has no %s matrix", files.Matrix, PeaksHandle)
		}
		in.Metadata = ds.Metadata
		if files.Metadata != "" {
			in.Metadata, err = loadSingleCell(files.Metadata, in.Counts.CellIDs())
			if err != nil {
				return in, err
			}
		}
	}
	var err error
	if files.Annotation != "" {
		if in.Annotation, err = loadAnnotation(files.Annotation); err != nil {
			return in, err
		}
	}
	if files.Motifs != "" {
		if in.Motifs, err = loadMotifs(files.Motifs); err != nil {
			return in, err
		}
	}
	if files.GC != "" {
		if in.GC, err = loadGC(files.GC); err != nil {
			return in, err
		}
	}
	return in, nil
}
