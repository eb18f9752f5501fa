// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"gopkg.in/check.v1"
)

type filterSuite struct{}

var _ = check.Suite(&filterSuite{})

func (s *filterSuite) TestFilterFeatures(c *check.C) {
	cfg := defaultConfig()
	m := NewMatrix([]string{"kept", "rare", "flat", "filler"}, []string{"S1", "S2", "S3", "S4"})
	// Libraries are padded to a fixed total so CPM equals share of
	// 200000 counts exactly.
	const total = 200000
	for j, v := range []float64{100, 10000, 100, 10000} {
		m.Set(0, j, v) // variable share: retained
	}
	m.Set(1, 0, 0.1) // under 1 CPM everywhere
	for j := 0; j < 4; j++ {
		m.Set(2, j, 1000) // constant share: no variance
		m.Set(3, j, total-m.At(0, j)-m.At(1, j)-m.At(2, j))
	}

	filtered, decisions, err := filterFeatures(cfg, m)
	c.Assert(err, check.IsNil)
	c.Check(filtered.Features, check.DeepEquals, []string{"kept"})
	byFeature := map[string]featureDecision{}
	for _, d := range decisions {
		byFeature[d.feature] = d
	}
	c.Check(byFeature["kept"].kept, check.Equals, true)
	c.Check(byFeature["rare"].reason, check.Equals, "low_abundance")
	c.Check(byFeature["flat"].reason, check.Equals, "low_variance")
}

func (s *filterSuite) TestFilterAllDropped(c *check.C) {
	cfg := defaultConfig()
	cfg.MinCPM = 1e9 // impossible threshold
	m := NewMatrix([]string{"a"}, []string{"S1", "S2"})
	m.Set(0, 0, 10)
	m.Set(0, 1, 20)
	_, _, err := filterFeatures(cfg, m)
	c.Check(err, check.ErrorMatches, `feature filter removed all .*`)
}
