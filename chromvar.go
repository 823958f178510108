// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"flag"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MotifPresence lists, for each motif, the (row indices of the) peaks
// that contain a match.
type MotifPresence struct {
	Motifs []string
	Peaks  [][]int
}

// NewMotifPresence resolves peak ids to row indices of a peak matrix.
// Peak ids that are not features of the matrix are ignored.
func NewMotifPresence(features []string, motifs []string, peaks map[string][]string) (*MotifPresence, error) {
	if err := checkUnique("motif", motifs); err != nil {
		return nil, err
	}
	row := make(map[string]int, len(features))
	for f, id := range features {
		row[id] = f
	}
	mp := &MotifPresence{Motifs: append([]string(nil), motifs...), Peaks: make([][]int, len(motifs))}
	for i, motif := range motifs {
		seen := map[int]bool{}
		for _, id := range peaks[motif] {
			if f, ok := row[id]; ok && !seen[f] {
				seen[f] = true
				mp.Peaks[i] = append(mp.Peaks[i], f)
			}
		}
		sort.Ints(mp.Peaks[i])
	}
	return mp, nil
}

type ChromVAROptions struct {
	Backgrounds       int    `yaml:"backgrounds"`
	GCBins            int    `yaml:"gc_bins"`
	AccessibilityBins int    `yaml:"accessibility_bins"`
	MinBinPeaks       int    `yaml:"min_bin_peaks"`
	Seed              uint64 `yaml:"seed"`
	Threads           int    `yaml:"threads"`
}

func (o *ChromVAROptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&o.Backgrounds, "backgrounds", 50, "number of background peak sets")
	flags.IntVar(&o.GCBins, "gc-bins", 10, "number of GC content quantile bins")
	flags.IntVar(&o.AccessibilityBins, "accessibility-bins", 10, "number of accessibility quantile bins")
	flags.IntVar(&o.MinBinPeaks, "min-bin-peaks", 2, "merge background bins with fewer than `N` peaks into the nearest bin")
}

func (o *ChromVAROptions) Args() []string {
	return []string{
		"-backgrounds", fmt.Sprintf("%d", o.Backgrounds),
		"-gc-bins", fmt.Sprintf("%d", o.GCBins),
		"-accessibility-bins", fmt.Sprintf("%d", o.AccessibilityBins),
		"-min-bin-peaks", fmt.Sprintf("%d", o.MinBinPeaks),
	}
}

func (o ChromVAROptions) withDefaults() ChromVAROptions {
	if o.Backgrounds == 0 {
		o.Backgrounds = 50
	}
	if o.GCBins == 0 {
		o.GCBins = 10
	}
	if o.AccessibilityBins == 0 {
		o.AccessibilityBins = 10
	}
	if o.MinBinPeaks == 0 {
		o.MinBinPeaks = 2
	}
	return o
}

// MotifDeviation holds per-motif, per-cell accessibility deviations.
// Rows are the scored motifs; motifs that could not be scored are
// listed in SkippedMotifs.
type MotifDeviation struct {
	Motifs []string
	Cells  []string
	// Bias-corrected deviation: raw deviation minus the mean
	// background deviation.
	Deviations *mat.Dense
	// Deviation divided by the standard deviation of the
	// background deviations.
	Z *mat.Dense
	// Standard deviation of Z across cells, and the chi-squared
	// p-value of that variability.
	Variability []float64
	PValues     []float64
	// Motifs with peaks in a background bin that had to be merged
	// with a neighboring bin.
	LowFidelity   []bool
	SkippedMotifs []string
	Source        [blake2b.Size256]byte
}

// FeatureIDs returns the scored motif names.
func (md *MotifDeviation) FeatureIDs() []string { return md.Motifs }

func (md *MotifDeviation) CellIDs() []string { return md.Cells }

// RowDense copies the z-scores of motif f into dst.
func (md *MotifDeviation) RowDense(f int, dst []float64) {
	mat.Row(dst, f, md.Z)
}

// quantileBins assigns each value to one of nbins bins of (nearly)
// equal size by rank. Ties are ordered by index.
func quantileBins(x []float64, nbins int) []int {
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return x[order[i]] < x[order[j]] })
	bins := make([]int, len(x))
	for rank, i := range order {
		bins[i] = rank * nbins / len(x)
	}
	return bins
}

// backgroundBins partitions peaks into GC×accessibility bins. Bins
// with fewer than minPeaks peaks are merged into the nearest bin (in
// grid distance) that has enough, and reported. lowfi marks the peaks
// that were moved.
func backgroundBins(gc, accessibility []float64, opts ChromVAROptions, report *Report) (members [][]int, lowfi []bool) {
	npeaks := len(accessibility)
	gcbin := quantileBins(gc, opts.GCBins)
	accbin := quantileBins(accessibility, opts.AccessibilityBins)
	nbins := opts.GCBins * opts.AccessibilityBins
	members = make([][]int, nbins)
	for p := 0; p < npeaks; p++ {
		b := gcbin[p]*opts.AccessibilityBins + accbin[p]
		members[b] = append(members[b], p)
	}
	lowfi = make([]bool, npeaks)
	abs := func(x int) int {
		if x < 0 {
			return -x
		}
		return x
	}
	for b := range members {
		if len(members[b]) == 0 || len(members[b]) >= opts.MinBinPeaks {
			continue
		}
		target, best := -1, 0
		for t := range members {
			if t == b || len(members[t]) < opts.MinBinPeaks {
				continue
			}
			d := abs(t/opts.AccessibilityBins-b/opts.AccessibilityBins) + abs(t%opts.AccessibilityBins-b%opts.AccessibilityBins)
			if target < 0 || d < best {
				target, best = t, d
			}
		}
		if target < 0 {
			// No bin is big enough on its own: pool
			// everything into the first non-empty bin.
			for t := range members {
				if len(members[t]) > 0 && t != b {
					target = t
					break
				}
			}
			if target < 0 {
				report.add(&InsufficientBackgroundError{Bin: b, Available: len(members[b]), Needed: opts.MinBinPeaks, MergedBin: b})
				for _, p := range members[b] {
					lowfi[p] = true
				}
				continue
			}
		}
		report.add(&InsufficientBackgroundError{Bin: b, Available: len(members[b]), Needed: opts.MinBinPeaks, MergedBin: target})
		for _, p := range members[b] {
			lowfi[p] = true
		}
		members[target] = append(members[target], members[b]...)
		sort.Ints(members[target])
		members[b] = nil
	}
	return members, lowfi
}

// backgroundPeaks returns n background assignments. In assignment i,
// every peak is mapped to a peak in the same bin, and the mapping is
// a permutation of each bin, so a peak set's background has the same
// size and bin composition as the set itself.
func backgroundPeaks(members [][]int, npeaks, n int, seed uint64) [][]int32 {
	bg := make([][]int32, n)
	for i := range bg {
		rng := rand.New(rand.NewSource(seed + uint64(i)*0x9e3779b97f4a7c15))
		bg[i] = make([]int32, npeaks)
		for _, peaks := range members {
			if len(peaks) == 0 {
				continue
			}
			perm := rng.Perm(len(peaks))
			for j, p := range peaks {
				bg[i][p] = int32(peaks[perm[j]])
			}
		}
	}
	return bg
}

// ComputeDeviations scores each motif's accessibility in each cell
// against GC- and accessibility-matched background peak sets.
//
// gc must have one value per peak, or be nil to match on
// accessibility only.
func ComputeDeviations(ctx context.Context, m *CountMatrix, motifs *MotifPresence, gc []float64, opts ChromVAROptions) (*MotifDeviation, *Report, error) {
	opts = opts.withDefaults()
	if m.Kind() != KindCounts {
		return nil, nil, fmt.Errorf("chromvar: input is a %s matrix, need counts", m.Kind())
	}
	npeaks, ncells := m.Dims()
	if gc == nil {
		gc = make([]float64, npeaks)
		opts.GCBins = 1
	} else if len(gc) != npeaks {
		return nil, nil, malformed("gc bias has %d values, matrix has %d peaks", len(gc), npeaks)
	}
	if len(motifs.Peaks) != len(motifs.Motifs) {
		return nil, nil, malformed("motif presence has %d motifs and %d peak sets", len(motifs.Motifs), len(motifs.Peaks))
	}
	for i, peaks := range motifs.Peaks {
		for _, p := range peaks {
			if p < 0 || p >= npeaks {
				return nil, nil, malformed("motif %q refers to peak %d, matrix has %d", motifs.Motifs[i], p, npeaks)
			}
		}
	}
	if opts.Backgrounds < 2 {
		return nil, nil, malformed("need at least 2 background sets, got %d", opts.Backgrounds)
	}
	report := newReport("chromvar")

	rowsums := m.RowSums()
	total := m.Total()
	if total == 0 {
		return nil, nil, malformed("peak matrix has no counts")
	}
	expected := make([]float64, npeaks)
	for p, r := range rowsums {
		expected[p] = r / total
	}
	depth := m.ColSums()
	for c, d := range depth {
		if d == 0 {
			report.add(&DegenerateCellError{Cell: m.CellIDs()[c]})
		}
	}

	logacc := make([]float64, npeaks)
	for p, r := range rowsums {
		logacc[p] = math.Log1p(r)
	}
	members, lowfi := backgroundBins(gc, logacc, opts, report)
	bg := backgroundPeaks(members, npeaks, opts.Backgrounds, opts.Seed)

	var scored []int
	var skipped []string
	for i, peaks := range motifs.Peaks {
		var e float64
		for _, p := range peaks {
			e += expected[p]
		}
		if e == 0 {
			skipped = append(skipped, motifs.Motifs[i])
			continue
		}
		scored = append(scored, i)
	}
	if len(skipped) > 0 {
		log.Warnf("chromvar: skipping %d motifs with zero expected accessibility", len(skipped))
	}

	out := &MotifDeviation{
		Cells:         m.CellIDs(),
		Deviations:    &mat.Dense{},
		Z:             &mat.Dense{},
		Variability:   make([]float64, len(scored)),
		PValues:       make([]float64, len(scored)),
		LowFidelity:   make([]bool, len(scored)),
		SkippedMotifs: skipped,
		Source:        m.Fingerprint(),
	}
	for _, i := range scored {
		out.Motifs = append(out.Motifs, motifs.Motifs[i])
	}
	if len(scored) > 0 && ncells > 0 {
		out.Deviations = mat.NewDense(len(scored), ncells, nil)
		out.Z = mat.NewDense(len(scored), ncells, nil)
	}

	// deviation returns (observed-expected)/expected per cell for
	// a sorted peak set, writing into dst. acc is scratch space.
	deviation := func(dst, acc []float64, peaks []int) bool {
		var e float64
		for _, p := range peaks {
			e += expected[p]
		}
		if e == 0 {
			return false
		}
		for c := range acc {
			acc[c] = 0
		}
		for _, p := range peaks {
			cells, vals := m.Row(p)
			for j, c := range cells {
				acc[c] += vals[j]
			}
		}
		for c := range dst {
			exp := e * depth[c]
			if exp == 0 {
				dst[c] = math.NaN()
			} else {
				dst[c] = (acc[c] - exp) / exp
			}
		}
		return true
	}

	err := parallelRange(ctx, len(scored), opts.Threads, func(lo, hi int) error {
		acc := make([]float64, ncells)
		raw := make([]float64, ncells)
		bgdev := make([][]float64, opts.Backgrounds)
		for i := range bgdev {
			bgdev[i] = make([]float64, ncells)
		}
		bgpeaks := make([]int, 0, npeaks)
		sample := make([]float64, 0, opts.Backgrounds)
		zrow := make([]float64, 0, ncells)
		for row := lo; row < hi; row++ {
			peaks := motifs.Peaks[scored[row]]
			for _, p := range peaks {
				if lowfi[p] {
					out.LowFidelity[row] = true
					break
				}
			}
			deviation(raw, acc, peaks)
			nbg := 0
			for i := 0; i < opts.Backgrounds; i++ {
				bgpeaks = bgpeaks[:0]
				for _, p := range peaks {
					bgpeaks = append(bgpeaks, int(bg[i][p]))
				}
				sort.Ints(bgpeaks)
				if deviation(bgdev[nbg], acc, bgpeaks) {
					nbg++
				}
			}
			zrow = zrow[:0]
			for c := 0; c < ncells; c++ {
				if math.IsNaN(raw[c]) {
					out.Deviations.Set(row, c, math.NaN())
					out.Z.Set(row, c, math.NaN())
					continue
				}
				sample = sample[:0]
				for i := 0; i < nbg; i++ {
					sample = append(sample, bgdev[i][c])
				}
				mean, sd := math.NaN(), math.NaN()
				if len(sample) > 1 {
					mean, sd = stat.MeanStdDev(sample, nil)
				}
				dev := raw[c] - mean
				z := dev / sd
				// Identical background deviations (e.g., a motif
				// present in every peak) give sd≈0 up to rounding.
				if tol := 1e-12 * (1 + math.Abs(mean)); sd <= tol {
					if math.Abs(dev) <= tol {
						dev = 0
						z = 0
					} else {
						z = math.NaN()
					}
				}
				out.Deviations.Set(row, c, dev)
				out.Z.Set(row, c, z)
				if !math.IsNaN(z) {
					zrow = append(zrow, z)
				}
			}
			if n := len(zrow); n > 1 {
				v := stat.StdDev(zrow, nil)
				out.Variability[row] = v
				out.PValues[row] = distuv.ChiSquared{K: float64(n - 1)}.Survival(float64(n-1) * v * v)
			} else {
				out.Variability[row] = math.NaN()
				out.PValues[row] = math.NaN()
			}
		}
		return nil
	})
	if err != nil {
		return nil, report, err
	}
	log.WithFields(log.Fields{
		"motifs":  len(scored),
		"skipped": len(skipped),
		"cells":   ncells,
		"bg":      opts.Backgrounds,
	}).Info("motif deviations done")
	return out, report, nil
}

// undefinedCells flags the cells whose z-score is undefined for every
// motif, i.e., cells with no counts.
func (md *MotifDeviation) undefinedCells() []bool {
	undefined := make([]bool, len(md.Cells))
	if len(md.Motifs) == 0 {
		return undefined
	}
	for c := range undefined {
		undefined[c] = true
		for f := range md.Motifs {
			if !math.IsNaN(md.Z.At(f, c)) {
				undefined[c] = false
				break
			}
		}
	}
	return undefined
}
