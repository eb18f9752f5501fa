// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
)

// CohortOverride adjusts stage behavior for one cohort. Overrides are the
// only supported mechanism for dataset-specific handling: stages consult
// this table instead of special-casing cohort IDs.
type CohortOverride struct {
	// Keep samples whose low-input flag derives from library size
	// rather than mapped-read metrics (e.g. cohorts shipped without a
	// read mapping summary).
	SkipLowInputDrop bool `json:"skip_low_input_drop,omitempty"`
	// Samples excluded from every stage, recorded in
	// removed_samples.tsv at import time.
	ExcludeSamples []string `json:"exclude_samples,omitempty"`
}

// Config is the single versioned decision record for a pipeline run: every
// threshold, the label set, the random seed, and all per-cohort sample
// retention choices. Each stage embeds Config.Hash() in its summary so any
// derived artifact can be traced to the exact configuration that produced
// it.
type Config struct {
	Version int   `json:"version"`
	Seed    int64 `json:"seed"`

	// Expected biofluid labels; metadata labels are matched
	// case-insensitively against this set.
	Biofluids []string `json:"biofluids"`

	// Feature filter.
	MinCPM            float64 `json:"min_cpm"`
	MinDetectFraction float64 `json:"min_detect_fraction"`
	MinLogVariance    float64 `json:"min_log_variance"`

	// Differential model.
	MinGroupSize int `json:"min_group_size"`

	// Sample QC.
	LowInputThreshold float64 `json:"low_input_threshold"`

	// Outlier interrogation.
	TMMFactorLow   float64 `json:"tmm_factor_low"`
	TMMFactorHigh  float64 `json:"tmm_factor_high"`
	MinLibrarySize float64 `json:"min_library_size"`
	TopMarkerCount int     `json:"top_marker_count"`

	// PCA / diagnostics.
	PCAComponents int `json:"pca_components"`

	// Consensus tiers.
	RobustF1Floor     float64 `json:"robust_f1_floor"`
	QualityDropPoints float64 `json:"quality_drop_points"`

	CohortOverrides map[string]CohortOverride `json:"cohort_overrides,omitempty"`
}

func defaultConfig() *Config {
	return &Config{
		Version:           1,
		Seed:              20250929,
		Biofluids:         []string{"Plasma", "Saliva", "Serum", "Urine"},
		MinCPM:            1.0,
		MinDetectFraction: 0.20,
		MinLogVariance:    0.01,
		MinGroupSize:      3,
		LowInputThreshold: 100000,
		TMMFactorLow:      0.4,
		TMMFactorHigh:     5.0,
		MinLibrarySize:    1000,
		TopMarkerCount:    50,
		PCAComponents:     10,
		RobustF1Floor:     0.85,
		QualityDropPoints: 0.15,
	}
}

// loadConfig reads a JSON configuration, or returns the defaults when fnm
// is empty. Unknown fields are rejected so a typo cannot silently fall
// back to a default threshold.
func loadConfig(fnm string) (*Config, error) {
	cfg := defaultConfig()
	if fnm == "" {
		return cfg, nil
	}
	f, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	err = dec.Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", fnm, err)
	}
	if len(cfg.Biofluids) == 0 {
		return nil, fmt.Errorf("config %s: biofluids must not be empty", fnm)
	}
	if cfg.MinDetectFraction <= 0 || cfg.MinDetectFraction > 1 {
		return nil, fmt.Errorf("config %s: min_detect_fraction %v out of range (0,1]", fnm, cfg.MinDetectFraction)
	}
	return cfg, nil
}

func (c *Config) override(cohort string) CohortOverride {
	if c.CohortOverrides == nil {
		return CohortOverride{}
	}
	return c.CohortOverrides[cohort]
}

// Hash returns the blake2b-256 digest of the canonical JSON encoding.
func (c *Config) Hash() string {
	buf, err := json.Marshal(c)
	if err != nil {
		panic(err)
	}
	sum := blake2b.Sum256(buf)
	return fmt.Sprintf("%x", sum)
}
