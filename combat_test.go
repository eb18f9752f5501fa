// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/check.v1"
)

type combatSuite struct{}

var _ = check.Suite(&combatSuite{})

// two batches measuring the same two biofluids, with batch 2 shifted up by
// a constant and scaled
func (s *combatSuite) shiftedBatches() (*Matrix, []string, []string) {
	nPerGroup := 6
	var samples, batches, fluids []string
	for b := 0; b < 2; b++ {
		for f := 0; f < 2; f++ {
			for k := 0; k < nPerGroup; k++ {
				samples = append(samples, string(rune('a'+b))+string(rune('0'+f))+string(rune('a'+k)))
				batches = append(batches, []string{"cohort1", "cohort2"}[b])
				fluids = append(fluids, []string{"Plasma", "Urine"}[f])
			}
		}
	}
	features := []string{"f1", "f2", "f3"}
	m := NewMatrix(features, samples)
	for i := range features {
		for j := range samples {
			base := 5 + 2*float64(i)
			if fluids[j] == "Urine" {
				base += 3 // biological signal
			}
			noise := 0.2 * float64((i+j)%5-2)
			v := base + noise
			if batches[j] == "cohort2" {
				v = v*1.3 + 2 // batch effect
			}
			m.Set(i, j, v)
		}
	}
	return m, batches, fluids
}

func (s *combatSuite) TestCombatRemovesBatchShift(c *check.C) {
	m, batches, fluids := s.shiftedBatches()
	res, err := combat(m, batches, fluids)
	c.Assert(err, check.IsNil)
	out := res.Corrected
	c.Check(out.Features, check.DeepEquals, m.Features)
	c.Check(out.Samples, check.DeepEquals, m.Samples)

	batchGap := func(mx *Matrix, i int) float64 {
		var m1, m2 []float64
		for j := range mx.Samples {
			if batches[j] == "cohort1" {
				m1 = append(m1, mx.At(i, j))
			} else {
				m2 = append(m2, mx.At(i, j))
			}
		}
		return math.Abs(stat.Mean(m1, nil) - stat.Mean(m2, nil))
	}
	fluidGap := func(mx *Matrix, i int) float64 {
		var m1, m2 []float64
		for j := range mx.Samples {
			if fluids[j] == "Plasma" {
				m1 = append(m1, mx.At(i, j))
			} else {
				m2 = append(m2, mx.At(i, j))
			}
		}
		return math.Abs(stat.Mean(m1, nil) - stat.Mean(m2, nil))
	}
	for i := range m.Features {
		c.Check(batchGap(out, i) < batchGap(m, i)/4, check.Equals, true,
			check.Commentf("feature %d batch gap %v -> %v", i, batchGap(m, i), batchGap(out, i)))
		// the biofluid separation survives correction
		c.Check(fluidGap(out, i) > 1, check.Equals, true,
			check.Commentf("feature %d fluid gap %v -> %v", i, fluidGap(m, i), fluidGap(out, i)))
		for j := range m.Samples {
			c.Check(math.IsNaN(out.At(i, j)), check.Equals, false)
		}
	}
}

func (s *combatSuite) TestCombatConstantFeature(c *check.C) {
	m, batches, fluids := s.shiftedBatches()
	flat := NewMatrix(append(m.Features, "flat"), m.Samples)
	copy(flat.Data, m.Data)
	for j := range m.Samples {
		flat.Set(3, j, 7)
	}
	res, err := combat(flat, batches, fluids)
	c.Assert(err, check.IsNil)
	c.Check(res.NConstant, check.Equals, 1)
	for j := range m.Samples {
		c.Check(res.Corrected.At(3, j), check.Equals, 7.0)
	}
}

func (s *combatSuite) TestCombatErrors(c *check.C) {
	m, batches, fluids := s.shiftedBatches()
	one := make([]string, len(batches))
	for i := range one {
		one[i] = "only"
	}
	_, err := combat(m, one, fluids)
	c.Check(err, check.ErrorMatches, `combat: need at least 2 batches.*`)

	_, err = combat(m, batches[:3], fluids)
	c.Check(err, check.ErrorMatches, `combat: .*labels`)
}
