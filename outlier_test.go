// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type outlierSuite struct{}

var _ = check.Suite(&outlierSuite{})

func (s *outlierSuite) TestSubsetSilhouette(c *check.C) {
	var coords [][]float64
	var samples []*sampleInfo
	for i := 0; i < 4; i++ {
		coords = append(coords, []float64{float64(i) * 0.01, 0, 0})
		samples = append(samples, &sampleInfo{biofluid: "Plasma"})
	}
	for i := 0; i < 4; i++ {
		coords = append(coords, []float64{10 + float64(i)*0.01, 0, 0})
		samples = append(samples, &sampleInfo{biofluid: "Urine", isOutlier: true})
	}

	all := subsetSilhouette(coords, samples, func(*sampleInfo) bool { return true })
	c.Assert(all, check.NotNil)
	c.Check(*all > 0.9, check.Equals, true)

	// single-label subsets are unscorable
	inliers := subsetSilhouette(coords, samples, func(si *sampleInfo) bool { return !si.isOutlier })
	c.Check(inliers, check.IsNil)

	none := subsetSilhouette(coords, samples, func(*sampleInfo) bool { return false })
	c.Check(none, check.IsNil)
}

// markerMatrix builds a log2-expression table with one feature elevated in
// saliva samples and background features at a constant level plus jitter.
func markerMatrix() (*Matrix, []*sampleInfo) {
	var sampleIDs []string
	var samples []*sampleInfo
	for _, fluid := range []string{"Saliva", "Plasma"} {
		for k := 0; k < 6; k++ {
			sampleIDs = append(sampleIDs, fmt.Sprintf("%s%d", fluid, k))
			samples = append(samples, &sampleInfo{id: fmt.Sprintf("%s%d", fluid, k), biofluid: fluid})
		}
	}
	m := NewMatrix([]string{"miR-hit", "miR-a", "miR-b", "miR-c"}, sampleIDs)
	for j := range sampleIDs {
		jit := float64(j%5) * 0.1
		if samples[j].biofluid == "Saliva" {
			m.Set(0, j, 10+jit)
		} else {
			m.Set(0, j, 4+jit)
		}
		m.Set(1, j, 6+jit)
		m.Set(2, j, 5-jit)
		m.Set(3, j, 7+0.5*jit)
	}
	return m, samples
}

func (s *outlierSuite) TestTopMarkerSetModel(c *check.C) {
	m, samples := markerMatrix()
	cols := make([]int, len(samples))
	for j := range cols {
		cols[j] = j
	}
	set, ranking := topMarkerSet(m, cols, samples, "Saliva", 50, 3)
	c.Check(ranking, check.Equals, "model")
	c.Check(set["miR-hit"], check.Equals, true)
}

func (s *outlierSuite) TestInterrogateOutliersFlags(c *check.C) {
	outputDir := c.MkDir()
	dir := filepath.Join(outputDir, "c1")
	m, ptrs := markerMatrix()
	c.Assert(m.WriteTSV(filepath.Join(dir, "differential_expression", "tmm_log2cpm.tsv"), "%.6f"), check.IsNil)

	samples := make([]sampleInfo, len(ptrs))
	for i, si := range ptrs {
		samples[i] = *si
		samples[i].cohort = "c1"
		samples[i].librarySize = 200000
		samples[i].normFactor = 1.0
	}
	// Saliva0 violates both thresholds; norm_factor is reported because
	// it is checked first. Plasma0 is depth-only.
	samples[0].normFactor = 0.2
	samples[0].librarySize = 500
	samples[6].librarySize = 500
	c.Assert(writeSampleInfo(samples, filepath.Join(dir, "sample_metadata.tsv")), check.IsNil)

	cfg := defaultConfig()
	c.Assert(interrogateOutliers(cfg, "c1", outputDir), check.IsNil)

	buf, err := os.ReadFile(filepath.Join(dir, "outliers", "outlier_flags.tsv"))
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	c.Assert(lines[0], check.Equals, "sample_id\tbiofluid\tlibrary_size\tnorm_factor\tis_outlier\treason")
	c.Assert(lines, check.HasLen, 13)
	reasons := map[string]string{}
	flagged := map[string]string{}
	for _, line := range lines[1:] {
		f := strings.Split(line, "\t")
		c.Assert(f, check.HasLen, 6)
		reasons[f[0]] = f[5]
		flagged[f[0]] = f[4]
	}
	c.Check(flagged["Saliva0"], check.Equals, "1")
	c.Check(reasons["Saliva0"], check.Equals, "norm_factor")
	c.Check(flagged["Plasma0"], check.Equals, "1")
	c.Check(reasons["Plasma0"], check.Equals, "library_size")
	c.Check(flagged["Saliva1"], check.Equals, "0")
	c.Check(reasons["Saliva1"], check.Equals, "")

	buf, err = os.ReadFile(filepath.Join(dir, "outliers", "outlier_report.json"))
	c.Assert(err, check.IsNil)
	var report struct {
		NSamples  int     `json:"n_samples"`
		NOutliers int     `json:"n_outliers"`
		Decision  string  `json:"decision"`
		Pct       float64 `json:"pct_outliers"`
	}
	c.Assert(json.Unmarshal(buf, &report), check.IsNil)
	c.Check(report.NSamples, check.Equals, 12)
	c.Check(report.NOutliers, check.Equals, 2)
	c.Check(report.Pct, check.Equals, 100.0/6)
	// the two outliers are singletons of different fluids, so their
	// subset silhouette is exactly 0 and they get excluded
	c.Check(report.Decision, check.Equals, "exclude_outliers")

	// diffexp has to run first so every sample carries a TMM factor
	samples[3].normFactor = math.NaN()
	c.Assert(writeSampleInfo(samples, filepath.Join(dir, "sample_metadata.tsv")), check.IsNil)
	err = interrogateOutliers(cfg, "c1", outputDir)
	c.Check(err, check.ErrorMatches, `.*has no normalization factor.*`)
}

func (s *outlierSuite) TestTopMarkerSetFallback(c *check.C) {
	m, samples := markerMatrix()
	// too few saliva samples for the moderated model
	cols := []int{0, 1, 6, 7, 8, 9}
	set, ranking := topMarkerSet(m, cols, samples, "Saliva", 2, 3)
	c.Check(ranking, check.Equals, "fold_change")
	c.Check(set["miR-hit"], check.Equals, true)
	c.Check(len(set), check.Equals, 2)
}
