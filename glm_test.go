// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"math"
	"math/rand"

	"gopkg.in/check.v1"
)

type glmSuite struct{}

var _ = check.Suite(&glmSuite{})

func (s *glmSuite) TestSeparated(c *check.C) {
	outcome := []bool{false, false, false, false, true, true, true, true}
	test, err := glmPvalueFunc(outcome, nil, nil)
	c.Assert(err, check.IsNil)
	// The intercept-only model has log-likelihood 8 ln(1/2) and
	// the separating feature a supremum of 0.
	p := test([]float64{0, 1, 0, 1, 5, 6, 7, 5})
	c.Check(math.Abs(p-0.0008677787586975906) < 1e-6, check.Equals, true, check.Commentf("p=%g", p))
	c.Check(separates(outcome, []float64{0, 1, 0, 1, 5, 6, 7, 5}), check.Equals, true)
	c.Check(separates(outcome, []float64{0, 1, 0, 6, 5, 6, 7, 5}), check.Equals, false)
	c.Check(separates(outcome, []float64{9, 9, 9, 9, 1, 2, 3, 4}), check.Equals, true)
}

func (s *glmSuite) TestUninformative(c *check.C) {
	outcome := []bool{true, true, false, false, true, true, false, false}
	test, err := glmPvalueFunc(outcome, nil, nil)
	c.Assert(err, check.IsNil)
	p := test([]float64{1, 2, 1, 2, 1, 2, 1, 2})
	c.Check(p > 0.99, check.Equals, true, check.Commentf("p=%g", p))
	c.Check(math.IsNaN(test([]float64{3, 3, 3, 3, 3, 3, 3, 3})), check.Equals, true)
}

func (s *glmSuite) TestCovariate(c *check.C) {
	rnd := rand.New(rand.NewSource(1))
	n := 200
	outcome := make([]bool, n)
	cov := make([]float64, n)
	x := make([]float64, n)
	noise := make([]float64, n)
	for i := range outcome {
		outcome[i] = i%2 == 0
		cov[i] = rnd.NormFloat64()
		noise[i] = rnd.NormFloat64()
		x[i] = rnd.NormFloat64()
		if outcome[i] {
			x[i] += 1
		}
	}
	c.Assert(standardize(cov), check.Equals, true)
	test, err := glmPvalueFunc(outcome, [][]float64{cov}, []string{"depth"})
	c.Assert(err, check.IsNil)
	c.Check(test(x) < 1e-6, check.Equals, true)
	c.Check(test(noise) > 1e-3, check.Equals, true)

	_, err = glmPvalueFunc(outcome, [][]float64{cov[:10]}, []string{"depth"})
	c.Check(err, check.NotNil)
}

func (s *glmSuite) TestStandardize(c *check.C) {
	a := []float64{1, 2, 3}
	c.Check(standardize(a), check.Equals, true)
	c.Check(a[1], check.Equals, 0.0)
	c.Check(math.Abs(a[2]-1) < 1e-12, check.Equals, true)
	b := []float64{4, 4}
	c.Check(standardize(b), check.Equals, false)
	c.Check(b, check.DeepEquals, []float64{4, 4})
}

func (s *glmSuite) BenchmarkPvalue(c *check.C) {
	rnd := rand.New(rand.NewSource(1))
	n := 10000
	outcome := make([]bool, n)
	x := make([]float64, n)
	for i := range outcome {
		outcome[i] = i%3 == 0
		x[i] = rnd.Float64()
	}
	test, err := glmPvalueFunc(outcome, nil, nil)
	c.Assert(err, check.IsNil)
	c.ResetTimer()
	for i := 0; i < c.N; i++ {
		test(x)
	}
}
