// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"gonum.org/v1/gonum/stat/distuv"
)

var chisquared = distuv.ChiSquared{K: 1}

// pvalue returns the chi-squared test p-value for independence of
// two binary variables, e.g., "feature accessible in cell" (x) and
// "cell in target group" (y). It returns 1 if either variable is
// constant.
func pvalue(x, y []bool) float64 {
	var (
		obs, exp [2]float64
		sum      float64
		sz       = float64(len(y))
	)
	for i, yi := range y {
		if x[i] {
			if yi {
				obs[0]++
			} else {
				obs[1]++
			}
		}
		if yi {
			exp[0]++
		} else {
			exp[1]++
		}
	}
	if exp[0] == 0 || exp[1] == 0 || obs[0]+obs[1] == 0 || obs[0]+obs[1] == sz {
		return 1
	}
	// Observed and expected counts for x==true, then x==false.
	nx := obs[0] + obs[1]
	cells := [4][2]float64{
		{obs[0], nx * exp[0] / sz},
		{obs[1], nx * exp[1] / sz},
		{exp[0] - obs[0], (sz - nx) * exp[0] / sz},
		{exp[1] - obs[1], (sz - nx) * exp[1] / sz},
	}
	for _, oe := range cells {
		d := oe[0] - oe[1]
		sum += d * d / oe[1]
	}
	return chisquared.Survival(sum)
}

// binarize returns x > 0 for each element.
func binarize(x []float64) []bool {
	b := make([]bool, len(x))
	for i, v := range x {
		b[i] = v > 0
	}
	return b
}
