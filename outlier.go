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
	"sort"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type fluidConcordance struct {
	Biofluid      string   `json:"biofluid"`
	NSamplesAll   int      `json:"n_samples_all"`
	NInliers      int      `json:"n_samples_inliers"`
	TopN          int      `json:"top_n"`
	Overlap       *int     `json:"overlap"`
	OverlapPct    *float64 `json:"overlap_pct"`
	InlierRanking string   `json:"inlier_ranking,omitempty"` // model or fold_change
	Note          string   `json:"note,omitempty"`
}

// pcaCoordinates projects the sample columns of m onto its first n
// principal components. Row j of the result holds sample j's coordinates.
func pcaCoordinates(m *Matrix, n int) ([][]float64, error) {
	if n > len(m.Samples) {
		n = len(m.Samples)
	}
	if n > len(m.Features) {
		n = len(m.Features)
	}
	mtx := mat.NewDense(len(m.Features), len(m.Samples), m.Data)
	transformer := nlp.NewPCA(n)
	transformer.Fit(mtx)
	proj, err := transformer.Transform(mtx)
	if err != nil {
		return nil, fmt.Errorf("pca: %w", err)
	}
	_, cols := proj.Dims()
	if cols != len(m.Samples) {
		return nil, fmt.Errorf("pca: got %d projected columns for %d samples", cols, len(m.Samples))
	}
	coords := make([][]float64, len(m.Samples))
	for j := range coords {
		coords[j] = make([]float64, n)
		for k := 0; k < n; k++ {
			coords[j][k] = proj.At(k, j)
		}
	}
	return coords, nil
}

// subsetSilhouette scores biofluid separation for the selected samples
// using coordinates computed once over the whole cohort, so inlier and
// outlier subsets are judged in the same space.
func subsetSilhouette(coords [][]float64, samples []*sampleInfo, keep func(*sampleInfo) bool) *float64 {
	var sub [][]float64
	var labels []string
	for j, si := range samples {
		if keep(si) {
			sub = append(sub, coords[j])
			labels = append(labels, si.biofluid)
		}
	}
	score, ok := silhouetteScore(sub, labels)
	if !ok {
		return nil
	}
	return &score
}

// topMarkerSet returns the top n features for one biofluid contrast on the
// given sample subset, preferring the moderated model's AUC ranking and
// falling back to a plain fold-change ranking when the subset is too small
// to fit the model.
func topMarkerSet(logCPM *Matrix, cols []int, samples []*sampleInfo, fluid string, n, minGroup int) (map[string]bool, string) {
	sub := logCPM.SubsetSamples(cols)
	target := make([]bool, len(cols))
	nTarget := 0
	for i, j := range cols {
		if samples[j].biofluid == fluid {
			target[i] = true
			nTarget++
		}
	}
	nRest := len(cols) - nTarget

	if nTarget >= minGroup && nRest >= minGroup {
		unit := NewMatrix(sub.Features, sub.Samples)
		for i := range unit.Data {
			unit.Data[i] = 1
		}
		rows, sum := moderatedContrast(sub, unit, target, fluid)
		if !sum.Skipped {
			type cand struct {
				feature string
				auc     float64
				logFC   float64
			}
			var cands []cand
			for _, r := range rows {
				if r.logFC > 0 && r.adjP < 0.05 {
					cands = append(cands, cand{r.feature, r.auc, r.logFC})
				}
			}
			sort.Slice(cands, func(i, j int) bool {
				if cands[i].auc != cands[j].auc {
					return cands[i].auc > cands[j].auc
				}
				if cands[i].logFC != cands[j].logFC {
					return cands[i].logFC > cands[j].logFC
				}
				return cands[i].feature < cands[j].feature
			})
			set := map[string]bool{}
			for i := 0; i < len(cands) && i < n; i++ {
				set[cands[i].feature] = true
			}
			return set, "model"
		}
	}

	// Fold-change ranking on group means.
	type fc struct {
		feature string
		diff    float64
	}
	fcs := make([]fc, len(sub.Features))
	for i, feature := range sub.Features {
		var st, sr float64
		for j, isT := range target {
			if isT {
				st += sub.At(i, j)
			} else {
				sr += sub.At(i, j)
			}
		}
		fcs[i] = fc{feature, st/float64(nTarget) - sr/float64(nRest)}
	}
	sort.Slice(fcs, func(i, j int) bool {
		if fcs[i].diff != fcs[j].diff {
			return fcs[i].diff > fcs[j].diff
		}
		return fcs[i].feature < fcs[j].feature
	})
	set := map[string]bool{}
	for i := 0; i < len(fcs) && i < n; i++ {
		set[fcs[i].feature] = true
	}
	return set, "fold_change"
}

func interrogateOutliers(cfg *Config, cohortID, outputDir string) error {
	dir := filepath.Join(outputDir, cohortID)
	logCPM, err := readMatrixFile(filepath.Join(dir, "differential_expression", "tmm_log2cpm.tsv"))
	if err != nil {
		return err
	}
	samples, err := readSampleInfo(filepath.Join(dir, "sample_metadata.tsv"))
	if err != nil {
		return err
	}
	byID := map[string]*sampleInfo{}
	for i := range samples {
		byID[samples[i].id] = &samples[i]
	}
	ordered := make([]*sampleInfo, len(logCPM.Samples))
	for j, id := range logCPM.Samples {
		si := byID[id]
		if si == nil {
			return fmt.Errorf("cohort %s: sample %q in expression matrix but not in metadata", cohortID, id)
		}
		if math.IsNaN(si.normFactor) {
			return fmt.Errorf("cohort %s: sample %q has no normalization factor (run diffexp first)", cohortID, id)
		}
		ordered[j] = si
	}

	nOutliers := 0
	reasons := map[string]string{}
	for _, si := range ordered {
		si.isOutlier = false
		switch {
		case si.normFactor < cfg.TMMFactorLow || si.normFactor > cfg.TMMFactorHigh:
			si.isOutlier = true
			reasons[si.id] = "norm_factor"
		case si.librarySize < cfg.MinLibrarySize:
			si.isOutlier = true
			reasons[si.id] = "library_size"
		}
		if si.isOutlier {
			nOutliers++
		}
	}
	log.Printf("[%s] outliers: %d/%d samples flagged", cohortID, nOutliers, len(ordered))

	coords, err := pcaCoordinates(logCPM, 3)
	if err != nil {
		return fmt.Errorf("cohort %s: %w", cohortID, err)
	}
	silAll := subsetSilhouette(coords, ordered, func(*sampleInfo) bool { return true })
	silInliers := subsetSilhouette(coords, ordered, func(si *sampleInfo) bool { return !si.isOutlier })
	silOutliers := subsetSilhouette(coords, ordered, func(si *sampleInfo) bool { return si.isOutlier })

	var decision, recommendation string
	switch {
	case nOutliers == 0:
		decision = "keep_all"
		recommendation = "no outliers detected; proceed with the full cohort"
	case silOutliers != nil && *silOutliers > 0.3:
		decision = "keep_outliers"
		recommendation = "outliers still cluster by biofluid; retain them so markers are validated on degraded samples"
	case silOutliers != nil && *silOutliers < 0.1:
		decision = "exclude_outliers"
		recommendation = "outliers scatter without biofluid structure; exclude from primary analysis and run a sensitivity check"
	default:
		decision = "stratified"
		recommendation = "mixed quality signal; report markers in tiers with and without outliers"
	}

	// Marker concordance: the full-cohort top set against the same ranking
	// restricted to inliers.
	allCols := make([]int, len(ordered))
	var inlierCols []int
	for j := range ordered {
		allCols[j] = j
		if !ordered[j].isOutlier {
			inlierCols = append(inlierCols, j)
		}
	}
	var concordance []fluidConcordance
	for _, fluid := range cfg.Biofluids {
		nAll, nIn := 0, 0
		for _, si := range ordered {
			if si.biofluid != fluid {
				continue
			}
			nAll++
			if !si.isOutlier {
				nIn++
			}
		}
		fcRec := fluidConcordance{Biofluid: fluid, NSamplesAll: nAll, NInliers: nIn, TopN: cfg.TopMarkerCount}
		if nAll < 2 || nIn < 2 || len(inlierCols)-nIn < 2 {
			fcRec.Note = "not computable: fewer than 2 samples in a partition"
			concordance = append(concordance, fcRec)
			continue
		}
		full, _ := topMarkerSet(logCPM, allCols, ordered, fluid, cfg.TopMarkerCount, cfg.MinGroupSize)
		inl, ranking := topMarkerSet(logCPM, inlierCols, ordered, fluid, cfg.TopMarkerCount, cfg.MinGroupSize)
		overlap := 0
		for f := range full {
			if inl[f] {
				overlap++
			}
		}
		denom := len(full)
		if len(inl) < denom {
			denom = len(inl)
		}
		if denom == 0 {
			fcRec.Note = "not computable: no ranked markers"
			concordance = append(concordance, fcRec)
			continue
		}
		pct := float64(overlap) / float64(denom) * 100
		fcRec.Overlap = &overlap
		fcRec.OverlapPct = &pct
		fcRec.InlierRanking = ranking
		concordance = append(concordance, fcRec)
		log.Printf("[%s] %s: %d/%d top-marker overlap (%.1f%%) full vs inliers", cohortID, fluid, overlap, denom, pct)
	}

	if err := writeSampleInfo(samples, filepath.Join(dir, "sample_metadata.tsv")); err != nil {
		return err
	}
	outDir := filepath.Join(dir, "outliers")
	err = commitFile(filepath.Join(outDir, "outlier_flags.tsv"), func(w io.Writer) error {
		if _, err := fmt.Fprintln(w, "sample_id\tbiofluid\tlibrary_size\tnorm_factor\tis_outlier\treason"); err != nil {
			return err
		}
		for _, si := range ordered {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				si.id, si.biofluid, formatFloat(si.librarySize), formatFloat(si.normFactor),
				formatBool(si.isOutlier), reasons[si.id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return commitJSON(filepath.Join(outDir, "outlier_report.json"), map[string]interface{}{
		"cohort_id":                cohortID,
		"config_hash":              cfg.Hash(),
		"n_samples":                len(ordered),
		"n_outliers":               nOutliers,
		"pct_outliers":             float64(nOutliers) / float64(len(ordered)) * 100,
		"silhouette_all_samples":   silAll,
		"silhouette_inliers_only":  silInliers,
		"silhouette_outliers_only": silOutliers,
		"marker_concordance":       concordance,
		"decision":                 decision,
		"recommendation":           recommendation,
	})
}

type outlierCmd struct{}

func (cmd *outlierCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *outlierCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cohortID := flags.String("cohort", "", "cohort `ID` under the results directory")
	outputDir := flags.String("output-dir", "./results", "results `directory`")
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
	return interrogateOutliers(cfg, *cohortID, *outputDir)
}
