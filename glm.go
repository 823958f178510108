// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// standardize scales a to zero mean and unit variance in place. It
// returns false (leaving a unchanged) if a is constant.
func standardize(a []float64) bool {
	mean, std := stat.MeanStdDev(a, nil)
	if !(std > 0) {
		return false
	}
	for i, x := range a {
		a[i] = (x - mean) / std
	}
	return true
}

// separates reports whether x alone perfectly separates the two
// outcome groups, i.e., every x in one group is less than every x in
// the other. A logistic model containing x then has a supremum
// log-likelihood of 0.
func separates(outcome []bool, x []float64) bool {
	min := [2]float64{math.Inf(1), math.Inf(1)}
	max := [2]float64{math.Inf(-1), math.Inf(-1)}
	for i, o := range outcome {
		g := 0
		if o {
			g = 1
		}
		min[g] = math.Min(min[g], x[i])
		max[g] = math.Max(max[g], x[i])
	}
	return max[0] < min[1] || max[1] < min[0]
}

// Logistic regression likelihood-ratio test.
//
// outcome is group membership (target vs. rest) for each analyzed
// cell. covariates are nuisance regressors (already standardized and
// non-constant), one value per analyzed cell. The returned function
// tests whether adding x to the model improves the fit, returning
// NaN if the model cannot be fit.
func glmPvalueFunc(outcome []bool, covariates [][]float64, covariateNames []string) (func(x []float64) float64, error) {
	n := len(outcome)
	y := make([]statmodel.Dtype, n)
	constants := make([]statmodel.Dtype, n)
	for i, o := range outcome {
		if o {
			y[i] = 1
		}
		constants[i] = 1
	}
	data := [][]statmodel.Dtype{y, constants}
	names := []string{"outcome", "constants"}
	for i, cov := range covariates {
		if len(cov) != n {
			return nil, fmt.Errorf("covariate %q has %d values, expected %d", covariateNames[i], len(cov), n)
		}
		data = append(data, cov)
		names = append(names, covariateNames[i])
	}
	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
	if err != nil {
		return nil, err
	}
	logCov, err := func() (ll float64, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("null model: %v", r)
			}
		}()
		return model.Fit().LogLike(), nil
	}()
	if err != nil {
		return nil, err
	}

	return func(x []float64) (p float64) {
		defer func() {
			if recover() != nil {
				// typically "matrix singular or near-singular with condition number +Inf"
				p = math.NaN()
			}
		}()

		var logComp float64
		if separates(outcome, x) {
			logComp = 0
		} else {
			feature := make([]statmodel.Dtype, n)
			copy(feature, x)
			if !standardize(feature) {
				return math.NaN()
			}
			data := append([][]statmodel.Dtype{data[0], feature}, data[1:]...)
			names := append([]string{"outcome", "feature"}, names[1:]...)
			dataset := statmodel.NewDataset(data, names)

			model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
			if err != nil {
				return math.NaN()
			}
			logComp = model.Fit().LogLike()
		}
		lr := -2 * (logCov - logComp)
		if lr < 0 {
			lr = 0
		}
		dist := distuv.ChiSquared{K: 1}
		return dist.Survival(lr)
	}, nil
}
