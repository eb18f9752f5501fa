// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"math"

	"gopkg.in/check.v1"
)

type diffExpSuite struct{}

var _ = check.Suite(&diffExpSuite{})

// synthetic log2-CPM with one real marker among noise features
func (s *diffExpSuite) marker(c *check.C) (*Matrix, *Matrix, []bool) {
	features := []string{"marker", "noise1", "noise2", "noise3", "noise4"}
	samples := make([]string, 12)
	target := make([]bool, 12)
	for j := range samples {
		samples[j] = string(rune('A' + j))
		target[j] = j < 6
	}
	m := NewMatrix(features, samples)
	for j := 0; j < 12; j++ {
		jitter := 0.1 * float64(j%3)
		if target[j] {
			m.Set(0, j, 10+jitter)
		} else {
			m.Set(0, j, 4+jitter)
		}
		for i := 1; i < 5; i++ {
			m.Set(i, j, 5+0.3*float64((i*j)%5))
		}
	}
	unit := NewMatrix(features, samples)
	for i := range unit.Data {
		unit.Data[i] = 1
	}
	return m, unit, target
}

func (s *diffExpSuite) TestModeratedContrast(c *check.C) {
	m, unit, target := s.marker(c)
	rows, sum := moderatedContrast(m, unit, target, "Plasma")
	c.Assert(sum.Skipped, check.Equals, false)
	c.Check(sum.NTarget, check.Equals, 6)
	c.Check(sum.NRest, check.Equals, 6)
	c.Assert(len(rows) > 0, check.Equals, true)

	// rows are sorted by adjusted p, so the marker comes out first
	c.Check(rows[0].feature, check.Equals, "marker")
	c.Check(rows[0].logFC > 5, check.Equals, true)
	c.Check(rows[0].adjP < 0.05, check.Equals, true)
	c.Check(rows[0].auc, check.Equals, 1.0)

	for _, r := range rows {
		c.Check(r.p >= 0, check.Equals, true)
		c.Check(r.p <= 1, check.Equals, true)
		c.Check(r.adjP >= r.p, check.Equals, true)
	}

	c.Assert(sum.TopMarker, check.NotNil)
	c.Check(sum.TopMarker.Feature, check.Equals, "marker")
	c.Check(sum.TopMarker.Tag, check.Equals, "confident")
}

func (s *diffExpSuite) TestTopMarkerFallback(c *check.C) {
	// nothing passes logFC>0 && adjP<0.05, so the lowest adjusted p
	// wins even when it is downregulated with a smaller effect
	rows := []contrastRow{
		{feature: "a", logFC: 0.4, adjP: 0.6, auc: 0.55},
		{feature: "bigFC-up", logFC: 1.2, adjP: 0.3, auc: 0.7},
		{feature: "lowP-down", logFC: -2, adjP: 0.01, auc: 0.2},
	}
	tm := pickTopMarker(rows)
	c.Assert(tm, check.NotNil)
	c.Check(tm.Tag, check.Equals, "fallback")
	c.Check(tm.Feature, check.Equals, "lowP-down")

	// equal adjP: higher logFC breaks the tie
	rows[2].adjP = 0.3
	tm = pickTopMarker(rows)
	c.Check(tm.Tag, check.Equals, "fallback")
	c.Check(tm.Feature, check.Equals, "bigFC-up")

	rows[1].adjP = 0.04
	tm = pickTopMarker(rows)
	c.Check(tm.Tag, check.Equals, "confident")
	c.Check(tm.Feature, check.Equals, "bigFC-up")
}

func (s *diffExpSuite) TestZeroVarianceDropped(c *check.C) {
	m := NewMatrix([]string{"const", "ok"}, []string{"S1", "S2", "S3", "S4", "S5", "S6"})
	target := []bool{true, true, true, false, false, false}
	for j := 0; j < 6; j++ {
		m.Set(0, j, 3) // identical everywhere
		m.Set(1, j, float64(j))
	}
	unit := NewMatrix(m.Features, m.Samples)
	for i := range unit.Data {
		unit.Data[i] = 1
	}
	rows, sum := moderatedContrast(m, unit, target, "Serum")
	c.Check(sum.NDegenerate, check.Equals, 1)
	c.Assert(len(rows), check.Equals, 1)
	c.Check(rows[0].feature, check.Equals, "ok")
}

func (s *diffExpSuite) TestTMMFactors(c *check.C) {
	m := NewMatrix([]string{"a", "b", "c", "d"}, []string{"S1", "S2", "S3"})
	vals := [][]float64{
		{100, 200, 101},
		{50, 100, 52},
		{200, 400, 198},
		{25, 50, 26},
	}
	for i, row := range vals {
		for j, v := range row {
			m.Set(i, j, v)
		}
	}
	factors, err := tmmNormFactors(m)
	c.Assert(err, check.IsNil)
	c.Assert(factors, check.HasLen, 3)
	// S2 is S1 scaled by 2: composition is identical, so depth alone
	// should explain the difference and factors stay near 1
	for _, f := range factors {
		c.Check(f > 0.5, check.Equals, true)
		c.Check(f < 2, check.Equals, true)
		c.Check(math.IsNaN(f), check.Equals, false)
	}
}

func (s *diffExpSuite) TestLog2CPMEffective(c *check.C) {
	m := NewMatrix([]string{"a"}, []string{"S1"})
	m.Set(0, 0, 99)
	got := log2CPMEffective(m, []float64{1})
	// library size 99, effective 99: log2((99+0.5)/(99+1)*1e6)
	want := math.Log2(99.5 / 100 * 1e6)
	c.Check(math.Abs(got.At(0, 0)-want) < 1e-12, check.Equals, true)
}
