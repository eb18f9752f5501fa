// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

var pipelineFluids = []string{"Plasma", "Saliva", "Serum", "Urine"}

// writeSyntheticCohort writes a counts.tsv and metadata.tsv for one cohort
// with 6 samples per biofluid, 4 strongly elevated marker features per
// fluid, 24 background features, and a cohort-specific multiplicative
// batch effect on every other feature.
func writeSyntheticCohort(c *check.C, dir, cohortID string, cohortIdx int) {
	c.Assert(os.MkdirAll(dir, 0777), check.IsNil)

	var features []string
	markerFluid := map[int]int{} // feature index -> fluid index, -1 for background
	for fi, fluid := range pipelineFluids {
		for k := 0; k < 4; k++ {
			markerFluid[len(features)] = fi
			features = append(features, fmt.Sprintf("miR-%s-%d", fluid, k))
		}
	}
	for k := 0; k < 24; k++ {
		markerFluid[len(features)] = -1
		features = append(features, fmt.Sprintf("miR-bg-%d", k))
	}

	var sampleIDs []string
	sampleFluid := map[int]int{}
	for fi, fluid := range pipelineFluids {
		for k := 0; k < 6; k++ {
			sampleFluid[len(sampleIDs)] = fi
			sampleIDs = append(sampleIDs, fmt.Sprintf("%s_%s_%02d", cohortID, fluid, k))
		}
	}

	batchScale := []float64{1.0, 1.4, 0.7}[cohortIdx]

	var counts bytes.Buffer
	counts.WriteString("miRNA\t" + strings.Join(sampleIDs, "\t") + "\n")
	for gi, feature := range features {
		counts.WriteString(feature)
		for si := range sampleIDs {
			base := 2000
			if markerFluid[gi] == sampleFluid[si] {
				base = 20000
			}
			jitter := (cohortIdx*131 + si*37 + gi*17) % 400
			n := base + jitter
			if gi%2 == 0 {
				n = int(float64(n) * batchScale)
			}
			fmt.Fprintf(&counts, "\t%d", n)
		}
		counts.WriteByte('\n')
	}
	c.Assert(os.WriteFile(filepath.Join(dir, "counts.tsv"), counts.Bytes(), 0666), check.IsNil)

	var meta bytes.Buffer
	meta.WriteString("sample_id\tbiofluid\tisolation_method\n")
	for si, id := range sampleIDs {
		fmt.Fprintf(&meta, "%s\t%s\tTRIzol\n", id, pipelineFluids[sampleFluid[si]])
	}
	c.Assert(os.WriteFile(filepath.Join(dir, "metadata.tsv"), meta.Bytes(), 0666), check.IsNil)
}

func (s *pipelineSuite) TestRunPipeline(c *check.C) {
	inputDir := c.MkDir()
	outputDir := filepath.Join(c.MkDir(), "results")
	cohorts := []string{"gse100", "gse200", "gse300"}
	for ci, cohortID := range cohorts {
		writeSyntheticCohort(c, filepath.Join(inputDir, cohortID), cohortID, ci)
	}

	var stdout, stderr bytes.Buffer
	code := (&runCmd{}).RunCommand("fluidmarker run",
		[]string{"-input-dir", inputDir, "-output-dir", outputDir, "-threads", "2"},
		bytes.NewReader(nil), &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	// per-cohort artifacts
	for _, cohortID := range cohorts {
		for _, fnm := range []string{
			"summary.json",
			"sample_metadata.tsv",
			"miRNA_log2cpm.tsv",
			"manifest.json",
			filepath.Join("filtered", "feature_filter.tsv"),
			filepath.Join("differential_expression", "tmm_log2cpm.tsv"),
			filepath.Join("differential_expression", "differential.tsv"),
			filepath.Join("differential_expression", "de_Saliva_vs_rest.tsv"),
			filepath.Join("outliers", "outlier_report.json"),
		} {
			_, err := os.Stat(filepath.Join(outputDir, cohortID, fnm))
			c.Check(err, check.IsNil, check.Commentf("%s/%s", cohortID, fnm))
		}
	}

	// cross-cohort artifacts
	crossDir := filepath.Join(outputDir, "cross_cohort")
	for _, fnm := range []string{
		"combined_log2cpm.tsv",
		"batch_corrected.tsv",
		"batch_corrected.npy",
		"pca_variance_pre.tsv",
		"pca_variance_post.tsv",
		"sample_metadata_merged.tsv",
		"summary.json",
		"marker_consensus.tsv",
		"marker_tiers.json",
	} {
		_, err := os.Stat(filepath.Join(crossDir, fnm))
		c.Check(err, check.IsNil, check.Commentf("cross_cohort/%s", fnm))
	}

	// every cohort shows up as a held-out fold
	var lodoSummary struct {
		Folds []foldSummary `json:"lodo_folds"`
	}
	buf, err := os.ReadFile(filepath.Join(outputDir, "lodo", "lodo_summary.json"))
	c.Assert(err, check.IsNil)
	c.Assert(json.Unmarshal(buf, &lodoSummary), check.IsNil)
	c.Assert(lodoSummary.Folds, check.HasLen, 3)
	for _, cohortID := range cohorts {
		_, err := os.Stat(filepath.Join(outputDir, "lodo", "test_"+cohortID, "fold_summary.json"))
		c.Check(err, check.IsNil, check.Commentf("fold %s", cohortID))
	}

	// the synthetic markers separate the fluids cleanly, so every fold
	// should classify nearly everything correctly
	for _, fold := range lodoSummary.Folds {
		rep := fold.Models["logistic"]
		c.Assert(rep, check.NotNil)
		c.Check(rep.Accuracy > 0.9, check.Equals, true,
			check.Commentf("fold %s accuracy %.3f", fold.TestDataset, rep.Accuracy))
	}

	// each fluid's planted markers reach the consensus table
	buf, err = os.ReadFile(filepath.Join(crossDir, "marker_consensus.tsv"))
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	c.Assert(len(lines) > 1, check.Equals, true)
	c.Check(strings.HasPrefix(lines[0], "miRNA\tbiofluid\tn_datasets"), check.Equals, true)
	for _, fluid := range pipelineFluids {
		found := false
		for _, line := range lines[1:] {
			cols := strings.Split(line, "\t")
			if len(cols) > 1 && cols[1] == fluid && strings.HasPrefix(cols[0], "miR-"+fluid) {
				found = true
			}
		}
		c.Check(found, check.Equals, true, check.Commentf("no consensus marker for %s", fluid))
	}

	// every configured fluid gets a tier
	var tiers struct {
		ConfigHash string               `json:"config_hash"`
		Tiers      map[string]fluidTier `json:"tiers"`
	}
	buf, err = os.ReadFile(filepath.Join(crossDir, "marker_tiers.json"))
	c.Assert(err, check.IsNil)
	c.Assert(json.Unmarshal(buf, &tiers), check.IsNil)
	c.Check(tiers.ConfigHash, check.Not(check.Equals), "")
	for _, fluid := range pipelineFluids {
		tier, ok := tiers.Tiers[fluid]
		c.Check(ok, check.Equals, true, check.Commentf("no tier for %s", fluid))
		c.Check(strings.HasPrefix(tier.Tier, "tier"), check.Equals, true)
	}

	// a rerun over the same inputs reproduces the artifacts byte for byte
	// (manifests carry timestamps and are not compared)
	outputDir2 := filepath.Join(c.MkDir(), "results")
	stdout.Reset()
	stderr.Reset()
	code = (&runCmd{}).RunCommand("fluidmarker run",
		[]string{"-input-dir", inputDir, "-output-dir", outputDir2, "-threads", "2"},
		bytes.NewReader(nil), &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	for _, fnm := range []string{
		filepath.Join("gse100", "differential_expression", "differential.tsv"),
		filepath.Join("cross_cohort", "batch_corrected.tsv"),
		filepath.Join("cross_cohort", "marker_consensus.tsv"),
		filepath.Join("lodo", "lodo_summary.json"),
	} {
		a, err := os.ReadFile(filepath.Join(outputDir, fnm))
		c.Assert(err, check.IsNil)
		b, err := os.ReadFile(filepath.Join(outputDir2, fnm))
		c.Assert(err, check.IsNil)
		c.Check(bytes.Equal(a, b), check.Equals, true, check.Commentf("%s differs between reruns", fnm))
	}
}

func (s *pipelineSuite) TestDiscoverCohorts(c *check.C) {
	inputDir := c.MkDir()
	for _, name := range []string{"gse2", "gse1"} {
		dir := filepath.Join(inputDir, name)
		c.Assert(os.MkdirAll(dir, 0777), check.IsNil)
		c.Assert(os.WriteFile(filepath.Join(dir, "counts.tsv"), []byte("miRNA\tS1\n"), 0666), check.IsNil)
	}
	// a directory without a counts table is not a cohort
	c.Assert(os.MkdirAll(filepath.Join(inputDir, "notes"), 0777), check.IsNil)

	cohorts, err := discoverCohorts(inputDir)
	c.Assert(err, check.IsNil)
	c.Check(cohorts, check.DeepEquals, []string{"gse1", "gse2"})

	_, err = discoverCohorts(filepath.Join(inputDir, "notes"))
	c.Check(err, check.ErrorMatches, `.*no cohort directories with a counts\.tsv found`)
}
