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
	"net/http"
	_ "net/http/pprof"
	"path/filepath"
	"sort"

	"github.com/biogo/rnaseq/norm"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// contrastRow is one feature's result in a one-vs-rest contrast.
type contrastRow struct {
	feature  string
	biofluid string
	logFC    float64
	aveExpr  float64
	t        float64
	p        float64
	adjP     float64
	auc      float64
	nTarget  int
	nRest    int
}

type topMarker struct {
	Feature string  `json:"feature"`
	Tag     string  `json:"tag"` // confident or fallback
	LogFC   float64 `json:"log_fc"`
	AdjP    float64 `json:"adj_p_value"`
	AUC     float64 `json:"auc"`
}

type contrastSummary struct {
	Biofluid     string     `json:"biofluid"`
	Skipped      bool       `json:"skipped"`
	SkipReason   string     `json:"skip_reason,omitempty"`
	NTarget      int        `json:"n_target"`
	NRest        int        `json:"n_rest"`
	NDegenerate  int        `json:"n_zero_variance_dropped"`
	NSignificant int        `json:"n_significant"`
	PriorDF      float64    `json:"prior_df"`
	PriorVar     float64    `json:"prior_variance"`
	TopMarker    *topMarker `json:"top_marker,omitempty"`
}

// tmmNormFactors computes trimmed-mean-of-M normalization factors for the
// sample columns of counts, with edgeR's trim fractions (0.3 on M, 0.05 on
// A) and asymptotic-variance weighting.
func tmmNormFactors(counts *Matrix) ([]float64, error) {
	data := make([][]float64, len(counts.Samples))
	for j := range counts.Samples {
		data[j] = counts.Col(j)
	}
	return norm.TMM(data, -1, 0.3, 0.05, math.Inf(-1), true)
}

// log2CPMEffective converts counts to log2 counts-per-million on effective
// library sizes (raw size x TMM factor), offset by half a count so zeros
// stay finite.
func log2CPMEffective(counts *Matrix, factors []float64) *Matrix {
	out := NewMatrix(counts.Features, counts.Samples)
	sizes := counts.LibrarySizes()
	for j := range counts.Samples {
		eff := sizes[j] * factors[j]
		for i := range counts.Features {
			out.Set(i, j, math.Log2((counts.At(i, j)+0.5)/(eff+1)*1e6))
		}
	}
	return out
}

// observationWeights approximates the voom mean-variance trend: each
// observation is weighted by its expected count given the feature's mean
// CPM and the sample's effective library size, saturating toward 1 so
// well-measured counts are equally weighted and near-zero counts are
// down-weighted.
func observationWeights(counts *Matrix, factors []float64) *Matrix {
	sizes := counts.LibrarySizes()
	eff := make([]float64, len(sizes))
	var totalEff float64
	for j, s := range sizes {
		eff[j] = s * factors[j]
		totalEff += eff[j]
	}
	w := NewMatrix(counts.Features, counts.Samples)
	for i := range counts.Features {
		var rowSum float64
		for j := range counts.Samples {
			rowSum += counts.At(i, j)
		}
		meanCPM := rowSum / totalEff * 1e6
		for j := range counts.Samples {
			expected := meanCPM * eff[j] / 1e6
			w.Set(i, j, expected/(expected+0.5))
		}
	}
	return w
}

// fitFDist fits a scaled F-distribution to observed residual variances by
// the method of moments on the log scale, following Smyth 2004. Returns the
// prior degrees of freedom (possibly +Inf) and the prior variance.
func fitFDist(s2 []float64, df float64) (d0, s02 float64) {
	var e []float64
	for _, v := range s2 {
		if v > 0 && !math.IsNaN(v) {
			e = append(e, math.Log(v)-mathext.Digamma(df/2)+math.Log(df/2))
		}
	}
	n := float64(len(e))
	if n < 2 {
		return math.Inf(1), medianOf(s2)
	}
	var emean float64
	for _, v := range e {
		emean += v
	}
	emean /= n
	var evar float64
	for _, v := range e {
		evar += (v - emean) * (v - emean)
	}
	evar = evar/(n-1) - trigamma(df/2)
	if evar > 0 {
		d0 = 2 * trigammaInverse(evar)
		s02 = math.Exp(emean + mathext.Digamma(d0/2) - math.Log(d0/2))
	} else {
		d0 = math.Inf(1)
		s02 = math.Exp(emean)
	}
	return d0, s02
}

func medianOf(s []float64) float64 {
	var xs []float64
	for _, v := range s {
		if !math.IsNaN(v) {
			xs = append(xs, v)
		}
	}
	if len(xs) == 0 {
		return math.NaN()
	}
	return median(xs)
}

// moderatedContrast fits the two-group weighted model for one biofluid
// against all others, shrinks the residual variances toward the
// empirical-Bayes prior, and returns per-feature rows sorted by adjusted
// p-value. Zero-variance features are dropped and counted in the summary.
func moderatedContrast(logCPM, weights *Matrix, target []bool, fluid string) ([]contrastRow, contrastSummary) {
	nTarget, nRest := 0, 0
	for _, t := range target {
		if t {
			nTarget++
		} else {
			nRest++
		}
	}
	sum := contrastSummary{Biofluid: fluid, NTarget: nTarget, NRest: nRest}

	type fit struct {
		idx          int
		logFC, ave   float64
		s2, se2Scale float64
	}
	var fits []fit
	df := float64(nTarget+nRest) - 2
	for i := range logCPM.Features {
		row := logCPM.Row(i)
		wrow := weights.Row(i)
		var wt, wr, st, sr float64
		for j, isT := range target {
			if isT {
				wt += wrow[j]
				st += wrow[j] * row[j]
			} else {
				wr += wrow[j]
				sr += wrow[j] * row[j]
			}
		}
		mt, mr := st/wt, sr/wr
		var rss float64
		zeroVar := true
		for j, isT := range target {
			m := mr
			if isT {
				m = mt
			}
			r := row[j] - m
			if r != 0 {
				zeroVar = false
			}
			rss += wrow[j] * r * r
		}
		if zeroVar || rss == 0 {
			sum.NDegenerate++
			continue
		}
		fits = append(fits, fit{
			idx:      i,
			logFC:    mt - mr,
			ave:      (st + sr) / (wt + wr),
			s2:       rss / df,
			se2Scale: 1/wt + 1/wr,
		})
	}
	if len(fits) == 0 {
		sum.Skipped = true
		sum.SkipReason = "all features degenerate"
		return nil, sum
	}

	s2 := make([]float64, len(fits))
	for i, f := range fits {
		s2[i] = f.s2
	}
	d0, s02 := fitFDist(s2, df)
	sum.PriorDF, sum.PriorVar = d0, s02
	dfTotal := d0 + df
	if math.IsInf(dfTotal, 1) {
		dfTotal = 1e6
	}
	tdist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: dfTotal}

	rows := make([]contrastRow, len(fits))
	pvals := make([]float64, len(fits))
	for i, f := range fits {
		post := s02
		if !math.IsInf(d0, 1) {
			post = (d0*s02 + df*f.s2) / (d0 + df)
		}
		t := f.logFC / math.Sqrt(post*f.se2Scale)
		p := 2 * tdist.Survival(math.Abs(t))
		auc := aucRankSum(logCPM.Row(f.idx), target)
		rows[i] = contrastRow{
			feature:  logCPM.Features[f.idx],
			biofluid: fluid,
			logFC:    f.logFC,
			aveExpr:  f.ave,
			t:        t,
			p:        p,
			auc:      auc,
			nTarget:  nTarget,
			nRest:    nRest,
		}
		pvals[i] = p
	}
	adj := bhAdjust(pvals)
	for i := range rows {
		rows[i].adjP = adj[i]
		if adj[i] < 0.05 {
			sum.NSignificant++
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].adjP != rows[j].adjP {
			return rows[i].adjP < rows[j].adjP
		}
		if rows[i].logFC != rows[j].logFC {
			return rows[i].logFC > rows[j].logFC
		}
		return rows[i].feature < rows[j].feature
	})
	sum.TopMarker = pickTopMarker(rows)
	return rows, sum
}

// pickTopMarker returns the highest-AUC upregulated significant feature,
// tagged confident. When no feature clears significance the lowest
// adjusted p-value wins regardless of direction, tagged fallback, so
// downstream reports always have a representative marker per contrast.
func pickTopMarker(rows []contrastRow) *topMarker {
	best := -1
	for i, r := range rows {
		if r.logFC <= 0 || r.adjP >= 0.05 {
			continue
		}
		if best < 0 || r.auc > rows[best].auc || (r.auc == rows[best].auc && r.logFC > rows[best].logFC) {
			best = i
		}
	}
	tag := "confident"
	if best < 0 {
		tag = "fallback"
		for i := range rows {
			switch {
			case best < 0:
				best = i
			case rows[i].adjP < rows[best].adjP:
				best = i
			case rows[i].adjP == rows[best].adjP && rows[i].logFC > rows[best].logFC:
				best = i
			case rows[i].adjP == rows[best].adjP && rows[i].logFC == rows[best].logFC && rows[i].feature < rows[best].feature:
				best = i
			}
		}
	}
	if best < 0 {
		return nil
	}
	r := rows[best]
	return &topMarker{Feature: r.feature, Tag: tag, LogFC: r.logFC, AdjP: r.adjP, AUC: r.auc}
}

func writeContrastTSV(fnm string, rows []contrastRow, withFluid bool) error {
	return commitFile(fnm, func(w io.Writer) error {
		hdr := "feature\tlog_fc\tave_expr\tt\tp_value\tadj_p_value\tauc\tn_target\tn_rest"
		if withFluid {
			hdr = "feature\tbiofluid\t" + hdr[len("feature\t"):]
		}
		if _, err := fmt.Fprintln(w, hdr); err != nil {
			return err
		}
		for _, r := range rows {
			var err error
			if withFluid {
				_, err = fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\t%.6f\t%s\t%s\t%s\t%d\t%d\n",
					r.feature, r.biofluid, r.logFC, r.aveExpr, r.t, formatFloat(r.p), formatFloat(r.adjP), formatFloat(r.auc), r.nTarget, r.nRest)
			} else {
				_, err = fmt.Fprintf(w, "%s\t%.6f\t%.6f\t%.6f\t%s\t%s\t%s\t%d\t%d\n",
					r.feature, r.logFC, r.aveExpr, r.t, formatFloat(r.p), formatFloat(r.adjP), formatFloat(r.auc), r.nTarget, r.nRest)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func diffExpCohort(cfg *Config, cohortID, outputDir string) error {
	dir := filepath.Join(outputDir, cohortID)
	counts, err := readMatrixFile(filepath.Join(dir, "filtered", "miRNA_counts.filtered.tsv"))
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
	for _, id := range counts.Samples {
		if byID[id] == nil {
			return fmt.Errorf("cohort %s: sample %q present in counts but missing from metadata", cohortID, id)
		}
	}

	factors, err := tmmNormFactors(counts)
	if err != nil {
		return fmt.Errorf("cohort %s: tmm: %w", cohortID, err)
	}
	minF, maxF := factors[0], factors[0]
	for j, f := range factors {
		byID[counts.Samples[j]].normFactor = f
		if f < minF {
			minF = f
		}
		if f > maxF {
			maxF = f
		}
	}
	if err := writeSampleInfo(samples, filepath.Join(dir, "sample_metadata.tsv")); err != nil {
		return err
	}

	logCPM := log2CPMEffective(counts, factors)
	weights := observationWeights(counts, factors)
	outDir := filepath.Join(dir, "differential_expression")
	if err := logCPM.WriteTSV(filepath.Join(outDir, "tmm_log2cpm.tsv"), "%.6f"); err != nil {
		return err
	}

	var merged []contrastRow
	var summaries []contrastSummary
	for _, fluid := range cfg.Biofluids {
		target := make([]bool, len(counts.Samples))
		nTarget := 0
		for j, id := range counts.Samples {
			if byID[id].biofluid == fluid {
				target[j] = true
				nTarget++
			}
		}
		nRest := len(target) - nTarget
		if nTarget < cfg.MinGroupSize || nRest < cfg.MinGroupSize {
			reason := fmt.Sprintf("group sizes %d vs %d below minimum %d", nTarget, nRest, cfg.MinGroupSize)
			log.Printf("[%s] skipping %s vs rest: %s", cohortID, fluid, reason)
			summaries = append(summaries, contrastSummary{Biofluid: fluid, Skipped: true, SkipReason: reason, NTarget: nTarget, NRest: nRest})
			continue
		}
		rows, sum := moderatedContrast(logCPM, weights, target, fluid)
		summaries = append(summaries, sum)
		if sum.Skipped {
			log.Printf("[%s] skipping %s vs rest: %s", cohortID, fluid, sum.SkipReason)
			continue
		}
		log.Printf("[%s] %s vs rest: %d/%d features adjP<0.05 (prior df %.2f)", cohortID, fluid, sum.NSignificant, len(rows), sum.PriorDF)
		if err := writeContrastTSV(filepath.Join(outDir, "de_"+fluid+"_vs_rest.tsv"), rows, false); err != nil {
			return err
		}
		merged = append(merged, rows...)
	}
	if err := writeContrastTSV(filepath.Join(outDir, "differential.tsv"), merged, true); err != nil {
		return err
	}
	return commitJSON(filepath.Join(outDir, "summary.json"), map[string]interface{}{
		"cohort_id":        cohortID,
		"config_hash":      cfg.Hash(),
		"n_features":       len(counts.Features),
		"n_samples":        len(counts.Samples),
		"tmm_factor_range": []float64{minF, maxF},
		"contrasts":        summaries,
	})
}

type diffExpCmd struct{}

func (cmd *diffExpCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *diffExpCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at `[addr]:port`")
	cohortID := flags.String("cohort", "", "cohort `ID` under the results directory")
	outputDir := flags.String("output-dir", "./results", "results `directory`")
	configFilename := flags.String("config", "", "run configuration `file`")
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
	if *cohortID == "" {
		return errors.New("must provide -cohort")
	}
	cfg, err := loadConfig(*configFilename)
	if err != nil {
		return err
	}
	return diffExpCohort(cfg, *cohortID, *outputDir)
}
