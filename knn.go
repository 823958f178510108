// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/floats"
)

const (
	MetricEuclidean = "euclidean"
	MetricCosine    = "cosine"

	// Connect a and b only if each is among the other's nearest
	// neighbors.
	EdgeModeMutual = "mutual"
	// Connect every pair of cells whose neighborhoods intersect.
	EdgeModeShared = "shared"
)

// GraphEdge is an undirected edge between cells A < B.
type GraphEdge struct {
	A, B   int
	Weight float64
}

// Graph is a shared-nearest-neighbor graph over the cells of an
// embedding.
type Graph struct {
	Cells []string
	// Neighbors[c] lists the nearest neighbors of cell c (not
	// including c), closest first.
	Neighbors [][]int
	Edges     []GraphEdge
	// Fingerprint of the embedding the graph was built from.
	Source [blake2b.Size256]byte
}

// selectDims copies the given columns of the embedding into one
// contiguous row per cell.
func selectDims(emb *Embedding, dims []int) ([][]float64, error) {
	ncells, k := emb.Dims()
	if len(dims) == 0 {
		return nil, malformed("no embedding dimensions selected")
	}
	for _, d := range dims {
		if d < 0 || d >= k {
			return nil, malformed("dimension %d out of range [0,%d)", d, k)
		}
	}
	rows := make([][]float64, ncells)
	for c := range rows {
		row := make([]float64, len(dims))
		for i, d := range dims {
			row[i] = emb.Coords.At(c, d)
		}
		rows[c] = row
	}
	return rows, nil
}

type neighbor struct {
	cell int
	dist float64
}

// nearestNeighbors returns, for each point, the indices of the k
// nearest other points, closest first. Equal distances are ordered by
// point index. The search is exhaustive and runs in parallel over
// query points.
func nearestNeighbors(ctx context.Context, points [][]float64, k int, metric string, threads int) ([][]int, error) {
	var dist func(a, b []float64) float64
	switch metric {
	case "", MetricEuclidean:
		dist = func(a, b []float64) float64 { return floats.Distance(a, b, 2) }
	case MetricCosine:
		unit := make([][]float64, len(points))
		for i, p := range points {
			unit[i] = append([]float64(nil), p...)
			if norm := floats.Norm(p, 2); norm > 0 {
				floats.Scale(1/norm, unit[i])
			}
		}
		points = unit
		dist = func(a, b []float64) float64 { return 1 - floats.Dot(a, b) }
	default:
		return nil, fmt.Errorf("unknown distance metric %q", metric)
	}
	out := make([][]int, len(points))
	err := parallelRange(ctx, len(points), threads, func(lo, hi int) error {
		cand := make([]neighbor, 0, len(points))
		for a := lo; a < hi; a++ {
			cand = cand[:0]
			for b := range points {
				if b != a {
					cand = append(cand, neighbor{b, dist(points[a], points[b])})
				}
			}
			sort.Slice(cand, func(i, j int) bool {
				if cand[i].dist != cand[j].dist {
					return cand[i].dist < cand[j].dist
				}
				return cand[i].cell < cand[j].cell
			})
			nbrs := make([]int, k)
			for i := range nbrs {
				nbrs[i] = cand[i].cell
			}
			out[a] = nbrs
		}
		return nil
	})
	return out, err
}

// BuildGraph computes the k nearest neighbors of every cell over the
// selected embedding dimensions and connects cells with Jaccard
// similarity weights
//
//	w(a,b) = |N(a) ∩ N(b)| / |N(a) ∪ N(b)|
//
// where N(x) is x together with its k nearest neighbors. Edges with
// weight below prune are dropped.
func BuildGraph(ctx context.Context, emb *Embedding, dims []int, k int, metric, mode string, prune float64, threads int) (*Graph, error) {
	points, err := selectDims(emb, dims)
	if err != nil {
		return nil, err
	}
	n := len(points)
	if k < 1 {
		return nil, malformed("k_neighbors must be at least 1, got %d", k)
	}
	if k > n-1 {
		log.Warnf("graph: reducing k_neighbors from %d to %d (number of cells - 1)", k, n-1)
		k = n - 1
	}
	for c, p := range points {
		for _, x := range p {
			if math.IsNaN(x) {
				return nil, malformed("embedding of cell %q contains NaN", emb.Cells[c])
			}
		}
	}
	nbrs, err := nearestNeighbors(ctx, points, k, metric, threads)
	if err != nil {
		return nil, err
	}

	// sets[c] is N(c) including c itself, sorted.
	sets := make([][]int, n)
	for c, nb := range nbrs {
		set := append([]int{c}, nb...)
		sort.Ints(set)
		sets[c] = set
	}
	jaccard := func(a, b int) float64 {
		inter := intersectSorted(sets[a], sets[b])
		return float64(inter) / float64(len(sets[a])+len(sets[b])-inter)
	}

	g := &Graph{Cells: emb.Cells, Neighbors: nbrs, Source: emb.Fingerprint()}
	switch mode {
	case "", EdgeModeMutual:
		for a := 0; a < n; a++ {
			for _, b := range nbrs[a] {
				if b <= a || !containsSorted(sets[b], a) {
					continue
				}
				if w := jaccard(a, b); w > 0 && w >= prune {
					g.Edges = append(g.Edges, GraphEdge{A: a, B: b, Weight: w})
				}
			}
		}
	case EdgeModeShared:
		// members[x] lists the cells whose neighborhood
		// contains x.
		members := make([][]int, n)
		for c, set := range sets {
			for _, x := range set {
				members[x] = append(members[x], c)
			}
		}
		seen := make([]int, n)
		for i := range seen {
			seen[i] = -1
		}
		for a := 0; a < n; a++ {
			var partners []int
			for _, x := range sets[a] {
				for _, b := range members[x] {
					if b > a && seen[b] != a {
						seen[b] = a
						partners = append(partners, b)
					}
				}
			}
			sort.Ints(partners)
			for _, b := range partners {
				if w := jaccard(a, b); w > 0 && w >= prune {
					g.Edges = append(g.Edges, GraphEdge{A: a, B: b, Weight: w})
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown edge mode %q", mode)
	}
	log.WithFields(log.Fields{
		"cells": n,
		"k":     k,
		"mode":  mode,
		"edges": len(g.Edges),
	}).Info("neighbor graph built")
	return g, nil
}

func intersectSorted(a, b []int) int {
	n, i, j := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			n++
			i++
			j++
		}
	}
	return n
}

func containsSorted(a []int, x int) bool {
	i := sort.SearchInts(a, x)
	return i < len(a) && a[i] == x
}
