// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"errors"
	"math"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// Singular values below rankTolerance*σ1 count as zero.
	rankTolerance = 1e-8
	// A Ritz pair is converged when its residual is below
	// convergenceTolerance*σ1.
	convergenceTolerance = 1e-8
)

// truncatedSVD holds the top singular triplets of a features×cells
// matrix. Column i of U (features×k) and V (cells×k) are the i'th
// left and right singular vectors.
type truncatedSVD struct {
	Values []float64
	U      *mat.Dense
	V      *mat.Dense
}

// sparseOperator computes products with a CountMatrix and its
// transpose. The transpose is built once, in compressed sparse column
// form, so both products only visit stored entries and each output
// element is written by exactly one worker.
type sparseOperator struct {
	m       *CountMatrix
	colptr  []int
	rowidx  []int
	cvalues []float64
	threads int
}

func newSparseOperator(m *CountMatrix, threads int) *sparseOperator {
	op := &sparseOperator{m: m, threads: threads}
	op.colptr, op.rowidx, op.cvalues = m.transpose()
	return op
}

// mulVec sets dst = A v.
func (op *sparseOperator) mulVec(ctx context.Context, dst, v []float64) error {
	m := op.m
	return parallelRange(ctx, len(dst), op.threads, func(lo, hi int) error {
		for f := lo; f < hi; f++ {
			var sum float64
			for i := m.indptr[f]; i < m.indptr[f+1]; i++ {
				sum += m.values[i] * v[m.cellidx[i]]
			}
			dst[f] = sum
		}
		return nil
	})
}

// mulVecTrans sets dst = Aᵀ u.
func (op *sparseOperator) mulVecTrans(ctx context.Context, dst, u []float64) error {
	return parallelRange(ctx, len(dst), op.threads, func(lo, hi int) error {
		for c := lo; c < hi; c++ {
			var sum float64
			for i := op.colptr[c]; i < op.colptr[c+1]; i++ {
				sum += op.cvalues[i] * u[op.rowidx[i]]
			}
			dst[c] = sum
		}
		return nil
	})
}

func (op *sparseOperator) frobenius() float64 {
	return floats.Norm(op.m.values, 2)
}

// orthogonalize removes the components of x along each (unit-length,
// mutually orthogonal) basis vector. Two passes of classical
// Gram-Schmidt keep the Lanczos vectors orthogonal to working
// precision.
func orthogonalize(x []float64, basis [][]float64) {
	for pass := 0; pass < 2; pass++ {
		for _, b := range basis {
			floats.AddScaled(x, -floats.Dot(x, b), b)
		}
	}
}

// randomUnit returns a random unit vector orthogonal to basis, or nil
// if basis already spans the whole space.
func randomUnit(rng *rand.Rand, n int, basis [][]float64) []float64 {
	if len(basis) >= n {
		return nil
	}
	x := make([]float64, n)
	for try := 0; try < 8; try++ {
		for i := range x {
			x[i] = rng.NormFloat64()
		}
		orthogonalize(x, basis)
		if norm := floats.Norm(x, 2); norm > 1e-8 {
			floats.Scale(1/norm, x)
			return x
		}
	}
	return nil
}

var errLanczosExhausted = errors.New("lanczos: could not extend Krylov basis")

// lanczosSVD computes the top k singular triplets of m by
// Golub-Kahan-Lanczos bidiagonalization with full
// reorthogonalization. The starting vector is drawn from a source
// seeded with seed, so identical input and seed give identical
// output. If the top k Ritz values have not converged after the
// initial number of steps, the factorization is restarted with twice
// as many steps, up to min(features, cells).
func lanczosSVD(ctx context.Context, m *CountMatrix, k int, seed uint64, threads int) (*truncatedSVD, error) {
	nrow, ncol := m.Dims()
	maxSteps := nrow
	if ncol < maxSteps {
		maxSteps = ncol
	}
	op := newSparseOperator(m, threads)
	frob := op.frobenius()
	if frob == 0 {
		return nil, &RankDeficiencyError{Requested: k, Rank: 0}
	}
	breakdown := 1e-12 * frob

	steps := 3 * k
	if steps < k+50 {
		steps = k + 50
	}
	if steps > maxSteps {
		steps = maxSteps
	}
	for {
		rng := rand.New(rand.NewSource(seed))
		var (
			us, vs      [][]float64
			alpha, beta []float64
			lastBeta    float64
		)
		v := randomUnit(rng, ncol, nil)
		if v == nil {
			return nil, errLanczosExhausted
		}
		vs = append(vs, v)
		for j := 0; j < steps; j++ {
			u := make([]float64, nrow)
			if err := op.mulVec(ctx, u, vs[j]); err != nil {
				return nil, err
			}
			if j > 0 {
				floats.AddScaled(u, -beta[j-1], us[j-1])
			}
			orthogonalize(u, us)
			a := floats.Norm(u, 2)
			if a > breakdown {
				floats.Scale(1/a, u)
			} else {
				a = 0
				if u = randomUnit(rng, nrow, us); u == nil {
					break
				}
			}
			us = append(us, u)
			alpha = append(alpha, a)

			v := make([]float64, ncol)
			if err := op.mulVecTrans(ctx, v, u); err != nil {
				return nil, err
			}
			floats.AddScaled(v, -a, vs[j])
			orthogonalize(v, vs)
			b := floats.Norm(v, 2)
			lastBeta = b
			if j+1 == steps {
				break
			}
			if b > breakdown {
				floats.Scale(1/b, v)
			} else {
				b = 0
				lastBeta = 0
				if v = randomUnit(rng, ncol, vs); v == nil {
					break
				}
			}
			vs = append(vs, v)
			beta = append(beta, b)
		}
		q := len(alpha)
		if q == 0 {
			return nil, errLanczosExhausted
		}
		vs = vs[:q]

		bidiag := mat.NewDense(q, q, nil)
		for j := 0; j < q; j++ {
			bidiag.Set(j, j, alpha[j])
			if j+1 < q {
				bidiag.Set(j, j+1, beta[j])
			}
		}
		var svd mat.SVD
		if !svd.Factorize(bidiag, mat.SVDThin) {
			return nil, errors.New("lanczos: SVD of bidiagonal matrix did not converge")
		}
		values := svd.Values(nil)
		var x, y mat.Dense
		svd.UTo(&x)
		svd.VTo(&y)

		rank := 0
		for _, s := range values {
			if s > rankTolerance*values[0] {
				rank++
			}
		}
		if rank < k {
			return nil, &RankDeficiencyError{Requested: k, Rank: rank}
		}

		converged := true
		if q < maxSteps {
			for i := 0; i < k; i++ {
				if math.Abs(lastBeta*x.At(q-1, i)) > convergenceTolerance*values[0] {
					converged = false
					break
				}
			}
		}
		if !converged && steps < maxSteps {
			steps *= 2
			if steps > maxSteps {
				steps = maxSteps
			}
			log.Debugf("lanczos: top %d values not converged, restarting with %d steps", k, steps)
			continue
		}
		if !converged {
			log.Warnf("lanczos: top %d values not fully converged after %d steps", k, q)
		}

		out := &truncatedSVD{
			Values: values[:k],
			U:      mat.NewDense(nrow, k, nil),
			V:      mat.NewDense(ncol, k, nil),
		}
		ucol := make([]float64, nrow)
		vcol := make([]float64, ncol)
		for i := 0; i < k; i++ {
			for j := range ucol {
				ucol[j] = 0
			}
			for j := range vcol {
				vcol[j] = 0
			}
			for j := 0; j < q; j++ {
				floats.AddScaled(ucol, x.At(j, i), us[j])
				floats.AddScaled(vcol, y.At(j, i), vs[j])
			}
			out.U.SetCol(i, ucol)
			out.V.SetCol(i, vcol)
		}
		fixSigns(out.U, out.V)
		return out, nil
	}
}

// fixSigns flips each singular vector pair so the largest-magnitude
// entry of the right (cell) vector is positive. Ties go to the lowest
// index.
func fixSigns(u, v *mat.Dense) {
	nrow, k := u.Dims()
	ncol, _ := v.Dims()
	for i := 0; i < k; i++ {
		best, bestAbs := 0.0, -1.0
		for c := 0; c < ncol; c++ {
			if x := v.At(c, i); math.Abs(x) > bestAbs {
				best, bestAbs = x, math.Abs(x)
			}
		}
		if best >= 0 {
			continue
		}
		for c := 0; c < ncol; c++ {
			v.Set(c, i, -v.At(c, i))
		}
		for f := 0; f < nrow; f++ {
			u.Set(f, i, -u.At(f, i))
		}
	}
}
