// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

type EmbedOptions struct {
	// Number of components.
	K int `yaml:"k"`
	// "lanczos" (sparse, iterative) or "dense" (nlp.TruncatedSVD,
	// only sensible for small matrices).
	Method string `yaml:"method"`
	Seed   uint64 `yaml:"seed"`
	// Components whose loadings correlate with log sequencing
	// depth at least this strongly (absolute Pearson r) are
	// flagged. 0 disables flagging.
	DepthCorrelationCutoff float64 `yaml:"depth_correlation_cutoff"`
	Threads                int     `yaml:"threads"`
}

func (o *EmbedOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&o.K, "dims", 30, "number of LSI components")
	flags.StringVar(&o.Method, "svd-method", "lanczos", "truncated SVD `method` (lanczos or dense)")
	flags.Uint64Var(&o.Seed, "seed", 1, "random seed")
	flags.Float64Var(&o.DepthCorrelationCutoff, "depth-cor", 0.75, "flag components with |correlation| with log depth ≥ `R`")
}

func (o *EmbedOptions) Args() []string {
	return []string{
		"-dims", fmt.Sprintf("%d", o.K),
		"-svd-method", o.Method,
		"-seed", fmt.Sprintf("%d", o.Seed),
		"-depth-cor", fmt.Sprintf("%g", o.DepthCorrelationCutoff),
	}
}

// Embedding is a cells×k matrix of LSI coordinates: the right
// singular vectors of the features×cells input scaled by the singular
// values.
type Embedding struct {
	Cells          []string
	Coords         *mat.Dense
	SingularValues []float64
	// Feature loadings (left singular vectors), features×k.
	FeatureIDs []string
	Loadings   *mat.Dense
	// Pearson correlation of each component with log(1+depth).
	DepthCorrelation []float64
	DepthFlagged     []bool
	// Fingerprint of the matrix this embedding was computed from.
	Source [blake2b.Size256]byte
}

// Dims returns the number of cells and components.
func (e *Embedding) Dims() (cells, k int) {
	return e.Coords.Dims()
}

// DefaultDims returns the indices of the components that were not
// flagged as depth-dominated.
func (e *Embedding) DefaultDims() []int {
	var dims []int
	for i, flagged := range e.DepthFlagged {
		if !flagged {
			dims = append(dims, i)
		}
	}
	return dims
}

// AllDims returns 0..k-1.
func (e *Embedding) AllDims() []int {
	_, k := e.Dims()
	dims := make([]int, k)
	for i := range dims {
		dims[i] = i
	}
	return dims
}

// Fingerprint returns a blake2b hash of the cell ids and coordinates.
func (e *Embedding) Fingerprint() [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	for _, c := range e.Cells {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(c)))
		h.Write(buf[:])
		h.Write([]byte(c))
	}
	rows, cols := e.Coords.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(e.Coords.At(i, j)))
			h.Write(buf[:])
		}
	}
	var fp [blake2b.Size256]byte
	copy(fp[:], h.Sum(nil))
	return fp
}

// Embed computes an LSI embedding of m, using the column sums of m as
// sequencing depth.
func Embed(ctx context.Context, m *CountMatrix, opts EmbedOptions) (*Embedding, *Report, error) {
	return EmbedWithDepth(ctx, m, m.ColSums(), opts)
}

// EmbedWithDepth computes an LSI embedding of m (usually a TF-IDF
// normalized matrix) and flags components that correlate with the
// given per-cell sequencing depth (usually raw total counts).
func EmbedWithDepth(ctx context.Context, m *CountMatrix, depth []float64, opts EmbedOptions) (*Embedding, *Report, error) {
	nfeatures, ncells := m.Dims()
	k := opts.K
	if k < 1 || k > nfeatures-1 || k > ncells-1 {
		return nil, nil, malformed("cannot compute %d components of a %dx%d matrix", k, nfeatures, ncells)
	}
	if len(depth) != ncells {
		return nil, nil, malformed("depth has %d values, matrix has %d cells", len(depth), ncells)
	}
	report := newReport("lsi")
	log.WithFields(log.Fields{
		"features": nfeatures,
		"cells":    ncells,
		"k":        k,
		"method":   opts.Method,
	}).Info("computing truncated SVD")

	var svd *truncatedSVD
	var err error
	switch opts.Method {
	case "", "lanczos":
		svd, err = lanczosSVD(ctx, m, k, opts.Seed, opts.Threads)
	case "dense":
		svd, err = denseSVD(m, k)
	default:
		err = fmt.Errorf("unknown SVD method %q", opts.Method)
	}
	if err != nil {
		return nil, report, err
	}

	emb := &Embedding{
		Cells:          m.CellIDs(),
		Coords:         mat.NewDense(ncells, k, nil),
		SingularValues: svd.Values,
		FeatureIDs:     m.FeatureIDs(),
		Loadings:       svd.U,
		Source:         m.Fingerprint(),
	}
	for i := 0; i < k; i++ {
		for c := 0; c < ncells; c++ {
			emb.Coords.Set(c, i, svd.V.At(c, i)*svd.Values[i])
		}
	}

	logdepth := make([]float64, ncells)
	for c, d := range depth {
		logdepth[c] = math.Log1p(d)
	}
	emb.DepthCorrelation = make([]float64, k)
	emb.DepthFlagged = make([]bool, k)
	col := make([]float64, ncells)
	for i := 0; i < k; i++ {
		mat.Col(col, i, emb.Coords)
		r := stat.Correlation(col, logdepth, nil)
		if math.IsNaN(r) {
			r = 0
		}
		emb.DepthCorrelation[i] = r
		if opts.DepthCorrelationCutoff > 0 && math.Abs(r) >= opts.DepthCorrelationCutoff {
			emb.DepthFlagged[i] = true
			log.Infof("lsi: component %d correlates with sequencing depth (r=%.3f)", i+1, r)
		}
	}
	return emb, report, nil
}

// denseSVD uses nlp's TruncatedSVD, which returns the k×cells matrix
// Σ Vᵀ. Singular values are the row norms and V is recovered by
// dividing them out.
func denseSVD(m *CountMatrix, k int) (*truncatedSVD, error) {
	nfeatures, ncells := m.Dims()
	transformer := nlp.NewTruncatedSVD(k)
	reduced, err := transformer.FitTransform(m.Matrix())
	if err != nil {
		return nil, err
	}
	if r, c := reduced.Dims(); r == ncells && c == k {
		reduced = reduced.T()
	}
	out := &truncatedSVD{
		Values: make([]float64, k),
		U:      mat.NewDense(nfeatures, k, nil),
		V:      mat.NewDense(ncells, k, nil),
	}
	for i := 0; i < k; i++ {
		var ss float64
		for c := 0; c < ncells; c++ {
			x := reduced.At(i, c)
			ss += x * x
		}
		sigma := math.Sqrt(ss)
		out.Values[i] = sigma
		if sigma <= rankTolerance*out.Values[0] || sigma == 0 {
			return nil, &RankDeficiencyError{Requested: k, Rank: i}
		}
		for c := 0; c < ncells; c++ {
			out.V.Set(c, i, reduced.At(i, c)/sigma)
		}
	}
	// U = A V Σ⁻¹
	op := newSparseOperator(m, 1)
	vcol := make([]float64, ncells)
	ucol := make([]float64, nfeatures)
	for i := 0; i < k; i++ {
		mat.Col(vcol, i, out.V)
		if err := op.mulVec(context.Background(), ucol, vcol); err != nil {
			return nil, err
		}
		for f := range ucol {
			ucol[f] /= out.Values[i]
		}
		out.U.SetCol(i, ucol)
	}
	fixSigns(out.U, out.V)
	return out, nil
}
