// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

type featureDecision struct {
	feature string
	kept    bool
	reason  string // "" when kept; low_abundance or low_variance otherwise
}

// filterFeatures retains features with CPM >= MinCPM in at least
// MinDetectFraction of samples and log2-CPM variance >= MinLogVariance
// across those samples. Every drop is recorded with its reason. An empty
// result is a configuration error, not an empty matrix.
func filterFeatures(cfg *Config, counts *Matrix) (*Matrix, []featureDecision, error) {
	nSamples := len(counts.Samples)
	minDetect := int(math.Ceil(cfg.MinDetectFraction * float64(nSamples)))
	cpm := counts.CPM(nil)
	logCPM := cpm.Log2p(1)

	decisions := make([]featureDecision, len(counts.Features))
	var retained []string
	for i, feature := range counts.Features {
		d := featureDecision{feature: feature}
		detected := 0
		for _, v := range cpm.Row(i) {
			if v >= cfg.MinCPM {
				detected++
			}
		}
		switch {
		case detected < minDetect:
			d.reason = "low_abundance"
		case stat.Variance(logCPM.Row(i), nil) < cfg.MinLogVariance:
			d.reason = "low_variance"
		default:
			d.kept = true
			retained = append(retained, feature)
		}
		decisions[i] = d
	}
	if len(retained) == 0 {
		return nil, nil, fmt.Errorf("feature filter removed all %d features (min_cpm=%v in >=%d/%d samples): thresholds are misconfigured for this cohort", len(counts.Features), cfg.MinCPM, minDetect, nSamples)
	}
	filtered, err := counts.SubsetFeatures(retained)
	if err != nil {
		return nil, nil, err
	}
	return filtered, decisions, nil
}

func filterCohort(cfg *Config, cohortID, outputDir string) error {
	dir := filepath.Join(outputDir, cohortID)
	counts, err := readMatrixFile(filepath.Join(dir, "miRNA_counts.tsv"))
	if err != nil {
		return err
	}
	filtered, decisions, err := filterFeatures(cfg, counts)
	if err != nil {
		return fmt.Errorf("cohort %s: %w", cohortID, err)
	}
	nDropped := len(counts.Features) - len(filtered.Features)
	log.Printf("[%s] feature filter: %d -> %d features (%d dropped)", cohortID, len(counts.Features), len(filtered.Features), nDropped)

	outDir := filepath.Join(dir, "filtered")
	if err := filtered.WriteTSV(filepath.Join(outDir, "miRNA_counts.filtered.tsv"), ""); err != nil {
		return err
	}
	cpm := filtered.CPM(nil)
	if err := cpm.WriteTSV(filepath.Join(outDir, "miRNA_cpm.filtered.tsv"), "%.6f"); err != nil {
		return err
	}
	if err := cpm.Log2p(1).WriteTSV(filepath.Join(outDir, "miRNA_log2cpm.filtered.tsv"), "%.6f"); err != nil {
		return err
	}
	err = commitFile(filepath.Join(outDir, "feature_filter.tsv"), func(w io.Writer) error {
		if _, err := fmt.Fprintln(w, "feature\tretained\treason"); err != nil {
			return err
		}
		for _, d := range decisions {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", d.feature, formatBool(d.kept), d.reason); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	reasons := map[string]int{}
	for _, d := range decisions {
		if !d.kept {
			reasons[d.reason]++
		}
	}
	return commitJSON(filepath.Join(outDir, "feature_filter_summary.json"), map[string]interface{}{
		"cohort_id":           cohortID,
		"config_hash":         cfg.Hash(),
		"min_cpm":             cfg.MinCPM,
		"min_detect_fraction": cfg.MinDetectFraction,
		"min_log_variance":    cfg.MinLogVariance,
		"n_features_initial":  len(counts.Features),
		"n_features_filtered": len(filtered.Features),
		"n_dropped_by_reason": reasons,
		"n_samples":           len(counts.Samples),
	})
}

type filtercmd struct{}

func (cmd *filtercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *filtercmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cohortID := flags.String("cohort", "", "cohort `ID` under the results directory")
	outputDir := flags.String("output-dir", "./results", "results `directory` (reads <dir>/<cohort>/, writes <dir>/<cohort>/filtered/)")
	configFilename := flags.String("config", "", "run configuration `file`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *cohortID == "" {
		return errors.New("must provide -cohort")
	}
	cfg, err := loadConfig(*configFilename)
	if err != nil {
		return err
	}
	return filterCohort(cfg, *cohortID, *outputDir)
}
