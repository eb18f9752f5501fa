// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"math"
	"strings"

	"gopkg.in/check.v1"
)

type consensusSuite struct{}

var _ = check.Suite(&consensusSuite{})

func (s *consensusSuite) TestConsensusMarkers(c *check.C) {
	perCohort := map[string][]contrastRow{
		"gse1": {
			{feature: "miR-A", logFC: 4, adjP: 0.001, auc: 0.99},
			{feature: "miR-B", logFC: 2, adjP: 0.01, auc: 0.90},
			{feature: "miR-C", logFC: 3, adjP: 0.2, auc: 0.95}, // not significant
		},
		"gse2": {
			{feature: "miR-A", logFC: 5, adjP: 0.002, auc: 0.97},
			{feature: "miR-B", logFC: -2, adjP: 0.001, auc: 0.10}, // wrong direction
			{feature: "miR-D", logFC: 1, adjP: 0.04, auc: 0.80},
		},
		"gse3": {
			{feature: "miR-D", logFC: 2, adjP: 0.03, auc: 0.85},
		},
	}
	order := []string{"gse1", "gse2", "gse3"}
	markers := consensusMarkersForFluid("Saliva", perCohort, order)
	c.Assert(markers, check.HasLen, 2)

	// miR-A has the higher mean AUC and sorts first
	a := markers[0]
	c.Check(a.feature, check.Equals, "miR-A")
	c.Check(a.nDatasets, check.Equals, 2)
	c.Check(a.datasets, check.DeepEquals, []string{"gse1", "gse2"})
	c.Check(a.meanLogFC, check.Equals, 4.5)
	c.Check(math.Abs(a.meanAUC-0.98) < 1e-12, check.Equals, true)
	c.Check(a.minAUC, check.Equals, 0.97)
	c.Check(a.maxAdjP, check.Equals, 0.002)
	c.Check(math.IsNaN(a.logFC["gse3"]), check.Equals, true)

	d := markers[1]
	c.Check(d.feature, check.Equals, "miR-D")
	c.Check(d.datasets, check.DeepEquals, []string{"gse2", "gse3"})
	c.Check(d.maxAdjP, check.Equals, 0.04)
}

func (s *consensusSuite) TestConsensusNeedsTwoCohorts(c *check.C) {
	perCohort := map[string][]contrastRow{
		"gse1": {{feature: "miR-A", logFC: 4, adjP: 0.001, auc: 0.99}},
		"gse2": {{feature: "miR-B", logFC: 3, adjP: 0.9, auc: 0.5}},
	}
	c.Check(consensusMarkersForFluid("Urine", perCohort, []string{"gse1", "gse2"}), check.IsNil)
}

func (s *consensusSuite) TestAssignTier(c *check.C) {
	cfg := defaultConfig()

	tier, _ := assignTier(cfg, []float64{0.95, 0.88, 0.91}, false)
	c.Check(tier, check.Equals, "tier1_court_ready")

	tier, rationale := assignTier(cfg, []float64{0.97, 0.60}, false)
	c.Check(tier, check.Equals, "tier2_quality_controlled")
	c.Check(strings.Contains(rationale, "drops"), check.Equals, true)

	tier, _ = assignTier(cfg, []float64{0.90, 0.80}, false)
	c.Check(tier, check.Equals, "tier2_quality_controlled")

	tier, _ = assignTier(cfg, []float64{0.70, 0.65}, false)
	c.Check(tier, check.Equals, "tier3_insufficient_data")

	tier, _ = assignTier(cfg, nil, false)
	c.Check(tier, check.Equals, "tier3_insufficient_data")

	tier, _ = assignTier(cfg, []float64{0.99}, true)
	c.Check(tier, check.Equals, "tier3_insufficient_data")
}
