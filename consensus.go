// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

type consensusMarker struct {
	feature   string
	biofluid  string
	nDatasets int
	datasets  []string
	meanLogFC float64
	meanAUC   float64
	minAUC    float64
	maxAdjP   float64
	// per-cohort logFC and AUC, NaN when the cohort lacks the marker
	logFC map[string]float64
	auc   map[string]float64
}

type fluidTier struct {
	Tier      string    `json:"tier"`
	NMarkers  int       `json:"n_markers"`
	Rationale string    `json:"rationale"`
	FoldF1    []float64 `json:"fold_f1,omitempty"`
	Top5      []string  `json:"top_5_markers"`
}

// readContrastTSV reads a table written by writeContrastTSV without the
// biofluid column.
func readContrastTSV(fnm string) ([]contrastRow, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%s: empty file", fnm)
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r\n"), "\t")
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	for _, need := range []string{"feature", "log_fc", "adj_p_value", "auc"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", fnm, need)
		}
	}
	var rows []contrastRow
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		split := strings.Split(line, "\t")
		if len(split) < len(header) {
			return nil, fmt.Errorf("%s: short row %q", fnm, line)
		}
		rows = append(rows, contrastRow{
			feature: split[col["feature"]],
			logFC:   parseFloat(split[col["log_fc"]]),
			adjP:    parseFloat(split[col["adj_p_value"]]),
			auc:     parseFloat(split[col["auc"]]),
		})
	}
	return rows, scanner.Err()
}

// consensusMarkers collects, for one biofluid, the upregulated significant
// markers of every cohort and keeps those found in at least two.
func consensusMarkersForFluid(fluid string, perCohort map[string][]contrastRow, cohortOrder []string) []consensusMarker {
	available := 0
	sig := map[string]map[string]contrastRow{} // cohort -> feature -> row
	for cohort, rows := range perCohort {
		m := map[string]contrastRow{}
		for _, r := range rows {
			if r.logFC > 0 && !math.IsNaN(r.adjP) && r.adjP < 0.05 {
				m[r.feature] = r
			}
		}
		if len(m) > 0 {
			available++
		}
		sig[cohort] = m
	}
	if available < 2 {
		return nil
	}
	features := map[string]bool{}
	for _, m := range sig {
		for f := range m {
			features[f] = true
		}
	}
	var out []consensusMarker
	for feature := range features {
		cm := consensusMarker{
			feature:  feature,
			biofluid: fluid,
			minAUC:   math.Inf(1),
			logFC:    map[string]float64{},
			auc:      map[string]float64{},
		}
		for _, cohort := range cohortOrder {
			cm.logFC[cohort] = math.NaN()
			cm.auc[cohort] = math.NaN()
			r, ok := sig[cohort][feature]
			if !ok {
				continue
			}
			cm.nDatasets++
			cm.datasets = append(cm.datasets, cohort)
			cm.meanLogFC += r.logFC
			cm.meanAUC += r.auc
			if r.auc < cm.minAUC {
				cm.minAUC = r.auc
			}
			if r.adjP > cm.maxAdjP {
				cm.maxAdjP = r.adjP
			}
			cm.logFC[cohort] = r.logFC
			cm.auc[cohort] = r.auc
		}
		if cm.nDatasets < 2 {
			continue
		}
		cm.meanLogFC /= float64(cm.nDatasets)
		cm.meanAUC /= float64(cm.nDatasets)
		out = append(out, cm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].meanAUC != out[j].meanAUC {
			return out[i].meanAUC > out[j].meanAUC
		}
		if out[i].meanLogFC != out[j].meanLogFC {
			return out[i].meanLogFC > out[j].meanLogFC
		}
		return out[i].feature < out[j].feature
	})
	return out
}

// assignTier grades one biofluid from its per-fold logistic F1 scores. A
// fluid nobody could train on is ungradeable; a fluid that holds the floor
// on every held-out cohort is court-ready; one that holds the floor on its
// best cohort but drops more than the allowed number of points on its
// worst is quality-controlled.
func assignTier(cfg *Config, foldF1 []float64, zeroShot bool) (string, string) {
	if zeroShot || len(foldF1) == 0 {
		return "tier3_insufficient_data", "no cohort had both training and test examples for this fluid"
	}
	min, max := foldF1[0], foldF1[0]
	for _, v := range foldF1 {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	switch {
	case min >= cfg.RobustF1Floor:
		return "tier1_court_ready", fmt.Sprintf("F1 >= %.2f on every held-out cohort", cfg.RobustF1Floor)
	case max >= cfg.RobustF1Floor && max-min > cfg.QualityDropPoints:
		return "tier2_quality_controlled", fmt.Sprintf("F1 reaches %.2f on clean cohorts but drops %.2f points on the worst fold", max, max-min)
	case max >= cfg.RobustF1Floor:
		return "tier2_quality_controlled", fmt.Sprintf("F1 reaches %.2f but not on every fold", max)
	default:
		return "tier3_insufficient_data", fmt.Sprintf("best fold F1 %.2f below the %.2f floor", max, cfg.RobustF1Floor)
	}
}

func writeConsensusTSV(fnm string, markers []consensusMarker, cohortOrder []string) error {
	return commitFile(fnm, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		fmt.Fprint(bw, "miRNA\tbiofluid\tn_datasets\tdatasets\tmean_logFC\tmean_AUC\tmin_AUC\tmax_adj_P_Val")
		for _, cohort := range cohortOrder {
			fmt.Fprintf(bw, "\t%s_logFC\t%s_AUC", cohort, cohort)
		}
		fmt.Fprintln(bw)
		f4 := func(v float64) string {
			if math.IsNaN(v) {
				return "NA"
			}
			return fmt.Sprintf("%.4f", v)
		}
		for _, cm := range markers {
			fmt.Fprintf(bw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s",
				cm.feature, cm.biofluid, cm.nDatasets, strings.Join(cm.datasets, ","),
				f4(cm.meanLogFC), f4(cm.meanAUC), f4(cm.minAUC), f4(cm.maxAdjP))
			for _, cohort := range cohortOrder {
				fmt.Fprintf(bw, "\t%s\t%s", f4(cm.logFC[cohort]), f4(cm.auc[cohort]))
			}
			fmt.Fprintln(bw)
		}
		return bw.Flush()
	})
}

func consensusAnalysis(cfg *Config, cohortIDs []string, outputDir string) error {
	if len(cohortIDs) < 2 {
		return fmt.Errorf("consensus: need at least 2 cohorts, got %d", len(cohortIDs))
	}
	var all []consensusMarker
	perFluidCount := map[string]int{}
	for _, fluid := range cfg.Biofluids {
		perCohort := map[string][]contrastRow{}
		for _, cohort := range cohortIDs {
			fnm := filepath.Join(outputDir, cohort, "differential_expression", "de_"+fluid+"_vs_rest.tsv")
			rows, err := readContrastTSV(fnm)
			if os.IsNotExist(err) {
				// contrast skipped for this cohort
				continue
			} else if err != nil {
				return err
			}
			perCohort[cohort] = rows
		}
		markers := consensusMarkersForFluid(fluid, perCohort, cohortIDs)
		if markers == nil {
			log.Printf("consensus: %s present in fewer than 2 cohorts, skipping", fluid)
			continue
		}
		log.Printf("consensus: %s: %d markers shared by >=2 cohorts", fluid, len(markers))
		perFluidCount[fluid] = len(markers)
		all = append(all, markers...)
	}

	outDir := filepath.Join(outputDir, "cross_cohort")
	if err := writeConsensusTSV(filepath.Join(outDir, "marker_consensus.tsv"), all, cohortIDs); err != nil {
		return err
	}

	// Tier assignment from the LODO fold metrics.
	tiers := map[string]*fluidTier{}
	lodoFile := filepath.Join(outputDir, "lodo", "lodo_summary.json")
	lodoBuf, err := os.ReadFile(lodoFile)
	if err != nil {
		return fmt.Errorf("consensus: tier assignment needs %s: %w", lodoFile, err)
	}
	var lodo struct {
		Folds []foldSummary `json:"lodo_folds"`
	}
	if err := json.Unmarshal(lodoBuf, &lodo); err != nil {
		return fmt.Errorf("parse %s: %w", lodoFile, err)
	}
	for _, fluid := range cfg.Biofluids {
		var foldF1 []float64
		zeroShot := false
		for _, fold := range lodo.Folds {
			for _, zs := range fold.ZeroShotClasses {
				if zs == fluid {
					zeroShot = true
				}
			}
			rep := fold.Models["logistic"]
			if rep == nil {
				continue
			}
			m, ok := rep.PerClass[fluid]
			if !ok || m.Support == 0 || m.Note != "" {
				continue
			}
			foldF1 = append(foldF1, m.F1)
		}
		tier, rationale := assignTier(cfg, foldF1, zeroShot)
		ft := &fluidTier{Tier: tier, NMarkers: perFluidCount[fluid], Rationale: rationale, FoldF1: foldF1}
		for _, cm := range all {
			if cm.biofluid == fluid && len(ft.Top5) < 5 {
				ft.Top5 = append(ft.Top5, cm.feature)
			}
		}
		tiers[fluid] = ft
		log.Printf("consensus: %s -> %s (%s)", fluid, tier, rationale)
	}
	err = commitJSON(filepath.Join(outDir, "marker_tiers.json"), map[string]interface{}{
		"config_hash": cfg.Hash(),
		"tiers":       tiers,
	})
	if err != nil {
		return err
	}

	// Panel exports: the top consensus markers of each graded tier.
	panel := func(tier string, limit int) []consensusMarker {
		var out []consensusMarker
		for _, cm := range all {
			ft := tiers[cm.biofluid]
			if ft != nil && ft.Tier == tier {
				out = append(out, cm)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].meanAUC != out[j].meanAUC {
				return out[i].meanAUC > out[j].meanAUC
			}
			return out[i].feature < out[j].feature
		})
		if len(out) > limit {
			out = out[:limit]
		}
		return out
	}
	if p := panel("tier1_court_ready", 20); len(p) > 0 {
		if err := writeConsensusTSV(filepath.Join(outDir, "tier1_panel.tsv"), p, cohortIDs); err != nil {
			return err
		}
	}
	if p := panel("tier2_quality_controlled", 30); len(p) > 0 {
		if err := writeConsensusTSV(filepath.Join(outDir, "tier2_panel.tsv"), p, cohortIDs); err != nil {
			return err
		}
	}
	return nil
}

type consensusCmd struct{}

func (cmd *consensusCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *consensusCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s consensus [options] cohortID cohortID [cohortID...]\n", prog)
		flags.PrintDefaults()
	}
	outputDir := flags.String("output-dir", "./results", "results `directory`")
	configFilename := flags.String("config", "", "run configuration `file`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	cfg, err := loadConfig(*configFilename)
	if err != nil {
		return err
	}
	return consensusAnalysis(cfg, flags.Args(), *outputDir)
}
