// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"math"

	"gopkg.in/check.v1"
)

type forestSuite struct{}

var _ = check.Suite(&forestSuite{})

func (s *forestSuite) TestForestSeparable(c *check.C) {
	x, labels := classifierFixture()
	classes := []string{"Plasma", "Saliva", "Serum", "Urine"}
	rf := trainForest(x, labels, classes, defaultForestConfig(20250929))

	pred := rf.predict(x)
	for i := range pred {
		c.Check(pred[i], check.Equals, labels[i])
	}

	proba := rf.predictProba(x)
	for i := range proba {
		var sum float64
		for _, p := range proba[i] {
			sum += p
		}
		c.Check(math.Abs(sum-1) < 1e-9, check.Equals, true)
		// Saliva never occurs in training
		c.Check(proba[i][1], check.Equals, 0.0)
	}

	var total float64
	for _, v := range rf.importances {
		c.Check(v >= 0, check.Equals, true)
		total += v
	}
	c.Check(math.Abs(total-1) < 1e-9, check.Equals, true)
}

func (s *forestSuite) TestForestDeterministic(c *check.C) {
	x, labels := classifierFixture()
	classes := []string{"Plasma", "Serum", "Urine"}
	a := trainForest(x, labels, classes, defaultForestConfig(42))
	b := trainForest(x, labels, classes, defaultForestConfig(42))
	c.Check(a.importances, check.DeepEquals, b.importances)
	c.Check(a.predictProba(x), check.DeepEquals, b.predictProba(x))

	// a different seed grows different trees
	d := trainForest(x, labels, classes, defaultForestConfig(43))
	same := true
	for i := range a.importances {
		if a.importances[i] != d.importances[i] {
			same = false
		}
	}
	c.Check(same, check.Equals, false)
}
