// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// PipelineInputs are the loaded inputs of a pipeline run. Only
// Counts is required.
type PipelineInputs struct {
	Counts     *CountMatrix
	Metadata   *CellMetadata
	Annotation FeatureAnnotation
	Motifs     *MotifTable
	GC         GCTable
}

// Pipeline runs the standard analysis: QC, TF-IDF, LSI, then
// clustering and gene activity concurrently, then motif deviations
// and cluster markers.
type Pipeline struct {
	Config PipelineConfig
}

// Run executes every stage whose inputs are available and returns
// the resulting dataset along with the anomaly report of each stage
// that ran. The context is checked between stages.
func (p *Pipeline) Run(ctx context.Context, in PipelineInputs) (*Dataset, []*Report, error) {
	cfg := p.Config.withThreads()
	var reports []*Report
	addReport := func(r *Report) {
		if r != nil {
			r.Log()
			reports = append(reports, r)
		}
	}
	md := in.Metadata
	if md == nil {
		var err error
		md, err = NewCellMetadata(in.Counts.CellIDs())
		if err != nil {
			return nil, nil, err
		}
	}

	log.Info("pipeline: qc")
	counts, md, rpt, err := cfg.QC.Apply(in.Counts, md)
	addReport(rpt)
	if err != nil {
		return nil, reports, fmt.Errorf("qc: %w", err)
	}
	sess := NewSession(md)
	if err = sess.SetMatrix(PeaksHandle, counts); err != nil {
		return nil, reports, err
	}
	if err = ctx.Err(); err != nil {
		return nil, reports, err
	}

	log.Info("pipeline: tf-idf")
	norm, rpt, err := NormalizeTFIDF(ctx, counts, cfg.TFIDF)
	addReport(rpt)
	if err != nil {
		return nil, reports, fmt.Errorf("tf-idf: %w", err)
	}
	if err = sess.SetMatrix(NormalizedHandle, norm); err != nil {
		return nil, reports, err
	}

	log.Info("pipeline: lsi")
	emb, rpt, err := sess.Embed(ctx, NormalizedHandle, cfg.LSI)
	addReport(rpt)
	if err != nil {
		return nil, reports, fmt.Errorf("lsi: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return nil, reports, err
	}

	ds := &Dataset{Matrices: map[MatrixHandle]*CountMatrix{}, Embedding: emb}

	// Clustering and gene activity only read the session's
	// matrices, so they can run concurrently.
	var clusterReports, activityReport *Report
	var extraReports []*Report
	thr := throttle{Max: 2}
	thr.Go(func() error {
		log.Info("pipeline: cluster")
		ca, g, rpt, err := sess.Cluster(ctx, emb, cfg.Cluster)
		clusterReports = rpt
		if err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
		ds.Graph = g
		ds.Clusters = append(ds.Clusters, ca)
		for _, res := range cfg.ExtraResolutions {
			if err := ctx.Err(); err != nil {
				return err
			}
			ca, rpt, err := ClusterGraph(g, res, cfg.Cluster.MaxLevels, cfg.Cluster.Seed)
			extraReports = append(extraReports, rpt)
			if err != nil {
				return fmt.Errorf("cluster at resolution %g: %w", res, err)
			}
			if err = sess.AddClusters(ca); err != nil {
				return err
			}
			ds.Clusters = append(ds.Clusters, ca)
		}
		return nil
	})
	if in.Annotation != nil {
		thr.Go(func() error {
			log.Info("pipeline: gene activity")
			act, rpt, err := AggregateGeneActivity(ctx, counts, in.Annotation, cfg.Activity)
			activityReport = rpt
			if err != nil {
				return fmt.Errorf("gene activity: %w", err)
			}
			return sess.SetMatrix(ActivityHandle, act)
		})
	}
	err = thr.Wait()
	addReport(clusterReports)
	for _, rpt := range extraReports {
		addReport(rpt)
	}
	addReport(activityReport)
	if err != nil {
		return nil, reports, err
	}
	if err = ctx.Err(); err != nil {
		return nil, reports, err
	}

	if in.Motifs != nil {
		log.Info("pipeline: chromvar")
		presence, err := in.Motifs.Presence(counts.FeatureIDs())
		if err != nil {
			return nil, reports, fmt.Errorf("chromvar: %w", err)
		}
		var gc []float64
		if in.GC != nil {
			gc, err = in.GC.Values(counts.FeatureIDs())
			if err != nil {
				return nil, reports, fmt.Errorf("chromvar: %w", err)
			}
		}
		dev, rpt, err := ComputeDeviations(ctx, counts, presence, gc, cfg.ChromVAR)
		addReport(rpt)
		if err != nil {
			return nil, reports, fmt.Errorf("chromvar: %w", err)
		}
		ds.Deviations = dev
		if err = ctx.Err(); err != nil {
			return nil, reports, err
		}
	}

	if ca := ds.Clusters[0]; ca.NClusters < 2 {
		log.Warnf("pipeline: only %d cluster(s) at resolution %g, skipping markers", ca.NClusters, ca.Resolution)
	} else {
		log.Info("pipeline: markers")
		covariate, err := sess.covariate(cfg.MarkerCovariate)
		if err != nil {
			return nil, reports, err
		}
		tables, rpt, err := FindAllMarkers(ctx, counts, ca, covariate, cfg.Markers)
		addReport(rpt)
		if err != nil {
			return nil, reports, fmt.Errorf("markers: %w", err)
		}
		ds.Markers = tables
	}

	for _, h := range sess.Handles() {
		ds.Matrices[h], _ = sess.Matrix(h)
	}
	ds.Metadata = sess.Metadata
	return ds, reports, nil
}
