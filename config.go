// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// PipelineInputFiles names the input files of a pipeline run.
type PipelineInputFiles struct {
	// 10x-style directory with matrix.mtx, peaks.bed and
	// barcodes.tsv, or a dataset file written by "atacseq import".
	Matrix string `yaml:"matrix"`
	// Per-cell CSV (10x singlecell.csv). Optional.
	Metadata string `yaml:"metadata"`
	// BED6 gene annotation. Optional; gene activity is skipped
	// without it.
	Annotation string `yaml:"annotation"`
	// Motif match table (motif, peak id). Optional; motif
	// deviations are skipped without it.
	Motifs string `yaml:"motifs"`
	// Peak GC content table (peak id, GC fraction). Optional.
	GC string `yaml:"gc"`
}

// PipelineConfig holds the parameters of every pipeline stage. Zero
// values of stage options mean the same as the corresponding
// command's flag defaults.
type PipelineConfig struct {
	Inputs  PipelineInputFiles `yaml:"inputs"`
	Output  string             `yaml:"output"`
	Threads int                `yaml:"threads"`

	QC       qcFilter         `yaml:"qc"`
	TFIDF    TFIDFOptions     `yaml:"tfidf"`
	LSI      EmbedOptions     `yaml:"lsi"`
	Cluster  ClusterOptions   `yaml:"cluster"`
	Activity AggregateOptions `yaml:"gene_activity"`
	ChromVAR ChromVAROptions  `yaml:"chromvar"`
	Markers  DiffTestOptions  `yaml:"markers"`

	// Additional resolutions to cluster at, using the same
	// neighbor graph. Markers are computed for Cluster.Resolution.
	ExtraResolutions []float64 `yaml:"extra_resolutions"`
	// Per-cell metadata column used as the nuisance covariate in
	// marker tests. Empty means no covariate.
	MarkerCovariate string `yaml:"marker_covariate"`
}

// DefaultPipelineConfig returns a config with every stage's defaults
// filled in.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Output:   "dataset.gob.gz",
		TFIDF:    TFIDFOptions{ScaleFactor: 1},
		LSI:      EmbedOptions{K: 30, Method: "lanczos", Seed: 1, DepthCorrelationCutoff: 0.75},
		Cluster:  ClusterOptions{KNeighbors: 20, Metric: MetricEuclidean, EdgeMode: EdgeModeMutual, Resolution: 0.8},
		Activity: AggregateOptions{Upstream: 2000},
		ChromVAR: ChromVAROptions{}.withDefaults(),
		Markers: DiffTestOptions{
			Method:           TestLR,
			Correction:       CorrectionBH,
			MinLogFoldChange: 0.25,
		},
		MarkerCovariate: ColTotalCounts,
	}
}

// LoadPipelineConfig reads a YAML config on top of the defaults.
// Unknown keys are an error.
func LoadPipelineConfig(rdr io.Reader) (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	err = dec.Decode(&cfg)
	if err == io.EOF {
		// empty file
		err = nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// withThreads returns cfg with every stage's unset thread count set
// to cfg.Threads.
func (cfg PipelineConfig) withThreads() PipelineConfig {
	for _, t := range []*int{&cfg.TFIDF.Threads, &cfg.LSI.Threads, &cfg.Cluster.Threads, &cfg.Activity.Threads, &cfg.ChromVAR.Threads, &cfg.Markers.Threads} {
		if *t == 0 {
			*t = cfg.Threads
		}
	}
	return cfg
}

// String returns the config as YAML.
func (cfg PipelineConfig) String() string {
	buf, err := yaml.Marshal(cfg)
	if err != nil {
		return err.Error()
	}
	return string(buf)
}
