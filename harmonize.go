// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// harmonizeCohorts intersects the normalized per-cohort matrices on shared
// features, concatenates them, and removes cohort batch effects while
// protecting the biofluid signal. Artifacts land in
// <outputDir>/cross_cohort/.
func harmonizeCohorts(cfg *Config, cohortIDs []string, outputDir string, dropOutliers bool) error {
	if len(cohortIDs) < 2 {
		return fmt.Errorf("harmonize: need at least 2 cohorts, got %d", len(cohortIDs))
	}
	var matrices []*Matrix
	var merged []sampleInfo
	for _, id := range cohortIDs {
		dir := filepath.Join(outputDir, id)
		m, err := readMatrixFile(filepath.Join(dir, "differential_expression", "tmm_log2cpm.tsv"))
		if err != nil {
			return err
		}
		samples, err := readSampleInfo(filepath.Join(dir, "sample_metadata.tsv"))
		if err != nil {
			return err
		}
		byID := map[string]sampleInfo{}
		for _, si := range samples {
			byID[si.id] = si
		}
		var keep []int
		for j, sid := range m.Samples {
			si, ok := byID[sid]
			if !ok {
				return fmt.Errorf("cohort %s: sample %q in matrix but not in metadata", id, sid)
			}
			if dropOutliers && si.isOutlier {
				continue
			}
			keep = append(keep, j)
			merged = append(merged, si)
		}
		if len(keep) == 0 {
			return fmt.Errorf("cohort %s: no samples left to harmonize", id)
		}
		matrices = append(matrices, m.SubsetSamples(keep))
	}

	shared := intersectFeatures(matrices)
	if len(shared) == 0 {
		return fmt.Errorf("harmonize: no features shared across cohorts %v", cohortIDs)
	}
	log.Printf("harmonize: %d features shared across %d cohorts", len(shared), len(cohortIDs))
	for i, m := range matrices {
		sub, err := m.SubsetFeatures(shared)
		if err != nil {
			return err
		}
		matrices[i] = sub
	}
	combined, err := Bind(matrices...)
	if err != nil {
		return err
	}

	batches := make([]string, len(merged))
	fluids := make([]string, len(merged))
	for i, si := range merged {
		batches[i] = si.cohort
		fluids[i] = si.biofluid
	}

	outDir := filepath.Join(outputDir, "cross_cohort")
	if err := combined.WriteTSV(filepath.Join(outDir, "combined_log2cpm.tsv"), "%.6f"); err != nil {
		return err
	}
	if err := writeSampleInfo(merged, filepath.Join(outDir, "sample_metadata_merged.tsv")); err != nil {
		return err
	}

	nPC := cfg.PCAComponents
	preCoords, preVar, err := principalComponents(combined, nPC)
	if err != nil {
		return fmt.Errorf("harmonize: pre-correction pca: %w", err)
	}
	if err := writePCAVariance(filepath.Join(outDir, "pca_variance_pre.tsv"), preVar); err != nil {
		return err
	}

	res, err := combat(combined, batches, fluids)
	if err != nil {
		return err
	}
	corrected := res.Corrected
	log.Printf("harmonize: batch correction done (%d constant features passed through)", res.NConstant)

	if err := corrected.WriteTSV(filepath.Join(outDir, "batch_corrected.tsv"), "%.6f"); err != nil {
		return err
	}
	if err := writeNumpy(filepath.Join(outDir, "batch_corrected.npy"), len(corrected.Features), len(corrected.Samples), corrected.Data); err != nil {
		return err
	}

	postCoords, postVar, err := principalComponents(corrected, nPC)
	if err != nil {
		return fmt.Errorf("harmonize: post-correction pca: %w", err)
	}
	if err := writePCAVariance(filepath.Join(outDir, "pca_variance_post.tsv"), postVar); err != nil {
		return err
	}
	if err := writePCACoordinates(filepath.Join(outDir, "pca_coordinates_post.tsv"), corrected.Samples, postCoords); err != nil {
		return err
	}

	// Diagnostic: the cohort effect on PC1 should shrink while the
	// biofluid effect survives correction.
	pc1 := func(coords [][]float64) []float64 {
		v := make([]float64, len(coords))
		for i := range coords {
			v[i] = coords[i][0]
		}
		return v
	}
	diag := map[string]float64{
		"batch_r2_pre":     groupR2(pc1(preCoords), batches),
		"batch_r2_post":    groupR2(pc1(postCoords), batches),
		"biofluid_r2_pre":  groupR2(pc1(preCoords), fluids),
		"biofluid_r2_post": groupR2(pc1(postCoords), fluids),
	}
	if diag["batch_r2_post"] > diag["batch_r2_pre"] {
		log.Warnf("harmonize: cohort effect on PC1 grew after correction (%.3f -> %.3f)", diag["batch_r2_pre"], diag["batch_r2_post"])
	}
	if diag["biofluid_r2_post"] < diag["biofluid_r2_pre"]-0.05 {
		log.Warnf("harmonize: biofluid effect on PC1 dropped after correction (%.3f -> %.3f)", diag["biofluid_r2_pre"], diag["biofluid_r2_post"])
	}

	perCohort := map[string]int{}
	perFluid := map[string]int{}
	for _, si := range merged {
		perCohort[si.cohort]++
		perFluid[si.biofluid]++
	}
	err = commitJSON(filepath.Join(outDir, "summary.json"), map[string]interface{}{
		"config_hash":             cfg.Hash(),
		"cohorts":                 cohortIDs,
		"n_features_shared":       len(shared),
		"n_samples":               len(merged),
		"n_constant_features":     res.NConstant,
		"outliers_dropped":        dropOutliers,
		"samples_per_cohort":      perCohort,
		"samples_per_fluid":       perFluid,
		"pc1_variance_diagnostic": diag,
	})
	if err != nil {
		return err
	}
	return writeManifest(outDir, cfg)
}

type harmonizeCmd struct{}

func (cmd *harmonizeCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *harmonizeCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s harmonize [options] cohortID cohortID [cohortID...]\n", prog)
		flags.PrintDefaults()
	}
	pprof := flags.String("pprof", "", "serve Go profile data at `[addr]:port`")
	outputDir := flags.String("output-dir", "./results", "results `directory`")
	configFilename := flags.String("config", "", "run configuration `file`")
	dropOutliers := flags.Bool("drop-outliers", false, "exclude samples flagged by the outlier stage")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	cfg, err := loadConfig(*configFilename)
	if err != nil {
		return err
	}
	return harmonizeCohorts(cfg, flags.Args(), *outputDir, *dropOutliers)
}
