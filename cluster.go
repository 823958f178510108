// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type ClusterOptions struct {
	// Embedding dimensions to use. Empty means the embedding's
	// DefaultDims (components not flagged as depth-dominated).
	Dims       []int   `yaml:"dims"`
	KNeighbors int     `yaml:"k_neighbors"`
	Metric     string  `yaml:"metric"`
	EdgeMode   string  `yaml:"edge_mode"`
	Prune      float64 `yaml:"prune"`
	Resolution float64 `yaml:"resolution"`
	// Maximum number of Louvain aggregation levels. 0 means run
	// until modularity stops improving.
	MaxLevels int    `yaml:"max_levels"`
	Seed      uint64 `yaml:"seed"`
	Threads   int    `yaml:"threads"`
}

// dimsFlag parses a comma-separated list of 1-based component numbers
// into 0-based dims.
type dimsFlag struct{ dims *[]int }

func (f dimsFlag) String() string {
	if f.dims == nil {
		return ""
	}
	var s []string
	for _, d := range *f.dims {
		s = append(s, strconv.Itoa(d+1))
	}
	return strings.Join(s, ",")
}

func (f dimsFlag) Set(s string) error {
	*f.dims = nil
	for _, field := range strings.Split(s, ",") {
		if field == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(field, "-"); ok {
			a, err := strconv.Atoi(lo)
			if err != nil {
				return err
			}
			b, err := strconv.Atoi(hi)
			if err != nil {
				return err
			}
			for d := a; d <= b; d++ {
				*f.dims = append(*f.dims, d-1)
			}
			continue
		}
		d, err := strconv.Atoi(field)
		if err != nil {
			return err
		}
		*f.dims = append(*f.dims, d-1)
	}
	return nil
}

func (o *ClusterOptions) Flags(flags *flag.FlagSet) {
	flags.Var(dimsFlag{&o.Dims}, "use-dims", "comma-separated 1-based LSI `components` and ranges to cluster on, e.g. 2-30 (default: all not flagged as depth-correlated)")
	flags.IntVar(&o.KNeighbors, "k-neighbors", 20, "number of nearest neighbors")
	flags.StringVar(&o.Metric, "metric", MetricEuclidean, "distance `metric` (euclidean or cosine)")
	flags.StringVar(&o.EdgeMode, "edge-mode", EdgeModeMutual, "neighbor graph edges (mutual or shared)")
	flags.Float64Var(&o.Prune, "prune", 0, "drop edges with Jaccard weight < `W`")
	flags.Float64Var(&o.Resolution, "resolution", 0.8, "modularity resolution")
	flags.IntVar(&o.MaxLevels, "max-levels", 0, "maximum Louvain aggregation levels (0 = unlimited)")
}

func (o *ClusterOptions) Args() []string {
	return []string{
		"-use-dims", dimsFlag{&o.Dims}.String(),
		"-k-neighbors", fmt.Sprintf("%d", o.KNeighbors),
		"-metric", o.Metric,
		"-edge-mode", o.EdgeMode,
		"-prune", fmt.Sprintf("%g", o.Prune),
		"-resolution", fmt.Sprintf("%g", o.Resolution),
		"-max-levels", fmt.Sprintf("%d", o.MaxLevels),
	}
}

// ClusterAssignment maps each cell of an embedding to a cluster
// label. Labels are 0..NClusters-1, with 0 the largest cluster.
type ClusterAssignment struct {
	Cells      []string
	Labels     []int
	NClusters  int
	Resolution float64
	Modularity float64
	// Fingerprint of the embedding the graph was built from.
	Source [blake2b.Size256]byte
}

// Sizes returns the number of cells in each cluster.
func (ca *ClusterAssignment) Sizes() []int {
	sizes := make([]int, ca.NClusters)
	for _, l := range ca.Labels {
		sizes[l]++
	}
	return sizes
}

// Cluster builds a neighbor graph over emb and partitions it.
func Cluster(ctx context.Context, emb *Embedding, opts ClusterOptions) (*ClusterAssignment, *Report, error) {
	ca, _, report, err := ClusterWithGraph(ctx, emb, opts)
	return ca, report, err
}

// ClusterWithGraph is like Cluster, but also returns the neighbor
// graph.
func ClusterWithGraph(ctx context.Context, emb *Embedding, opts ClusterOptions) (*ClusterAssignment, *Graph, *Report, error) {
	dims := opts.Dims
	if len(dims) == 0 {
		dims = emb.DefaultDims()
	}
	k := opts.KNeighbors
	if k == 0 {
		k = 20
	}
	g, err := BuildGraph(ctx, emb, dims, k, opts.Metric, opts.EdgeMode, opts.Prune, opts.Threads)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	ca, report, err := ClusterGraph(g, opts.Resolution, opts.MaxLevels, opts.Seed)
	return ca, g, report, err
}

// ClusterGraph partitions g by Louvain modularity optimization at the
// given resolution. Higher resolution gives more, smaller clusters.
// Cells with no edges end up in singleton clusters; if the graph is
// not connected this is reported as a DisconnectedGraphError.
func ClusterGraph(g *Graph, resolution float64, maxLevels int, seed uint64) (*ClusterAssignment, *Report, error) {
	if resolution < 0 {
		return nil, nil, malformed("resolution %v < 0", resolution)
	}
	report := newReport("cluster")
	n := len(g.Cells)
	ug := simple.NewWeightedUndirectedGraph(0, 0)
	for c := 0; c < n; c++ {
		ug.AddNode(simple.Node(c))
	}
	for _, e := range g.Edges {
		ug.SetWeightedEdge(ug.NewWeightedEdge(simple.Node(e.A), simple.Node(e.B), e.Weight))
	}

	if components := topo.ConnectedComponents(ug); len(components) > 1 {
		dg := &DisconnectedGraphError{Components: len(components)}
		for _, comp := range components {
			if len(comp) == 1 {
				dg.Isolated = append(dg.Isolated, g.Cells[comp[0].ID()])
			}
		}
		sort.Strings(dg.Isolated)
		report.add(dg)
	}

	var communities [][]graph.Node
	if n > 0 {
		reduced := community.Modularize(ug, resolution, rand.NewSource(seed)).(*community.ReducedUndirected)
		var levels []*community.ReducedUndirected
		for r := reduced; r != nil; r = r.Expanded().(*community.ReducedUndirected) {
			levels = append(levels, r)
		}
		// levels[len-1] is the singleton partition; each level
		// above it is one more aggregation pass.
		level := 0
		if maxLevels > 0 && len(levels)-1 > maxLevels {
			level = len(levels) - 1 - maxLevels
		}
		communities = levels[level].Communities()
	}

	type clusterInfo struct {
		members []int
		first   int
	}
	clusters := make([]clusterInfo, 0, len(communities))
	for _, comm := range communities {
		if len(comm) == 0 {
			continue
		}
		ci := clusterInfo{first: n}
		for _, node := range comm {
			c := int(node.ID())
			ci.members = append(ci.members, c)
			if c < ci.first {
				ci.first = c
			}
		}
		clusters = append(clusters, ci)
	}
	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i].members) != len(clusters[j].members) {
			return len(clusters[i].members) > len(clusters[j].members)
		}
		return clusters[i].first < clusters[j].first
	})
	ca := &ClusterAssignment{
		Cells:      g.Cells,
		Labels:     make([]int, n),
		NClusters:  len(clusters),
		Resolution: resolution,
		Source:     g.Source,
	}
	renumbered := make([][]graph.Node, len(clusters))
	for label, ci := range clusters {
		for _, c := range ci.members {
			ca.Labels[c] = label
			renumbered[label] = append(renumbered[label], simple.Node(c))
		}
	}
	if len(g.Edges) > 0 {
		ca.Modularity = community.Q(ug, renumbered, resolution)
	}
	log.WithFields(log.Fields{
		"cells":      n,
		"clusters":   ca.NClusters,
		"resolution": resolution,
		"modularity": ca.Modularity,
	}).Info("clustering done")
	return ca, report, nil
}
