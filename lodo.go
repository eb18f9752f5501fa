// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

type classMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
	Support   int     `json:"support"`
	Note      string  `json:"note,omitempty"`
}

type modelReport struct {
	Accuracy    float64                 `json:"accuracy"`
	MacroAvg    classMetrics            `json:"macro_avg"`
	WeightedAvg classMetrics            `json:"weighted_avg"`
	PerClass    map[string]classMetrics `json:"per_class"`
	ROCAUC      map[string]*float64     `json:"roc_auc"`
}

type foldSummary struct {
	TestDataset     string                  `json:"test_dataset"`
	TrainDatasets   []string                `json:"train_datasets"`
	NTrain          int                     `json:"n_train"`
	NTest           int                     `json:"n_test"`
	TrainBiofluids  map[string]int          `json:"train_biofluids"`
	TestBiofluids   map[string]int          `json:"test_biofluids"`
	ZeroShotClasses []string                `json:"zero_shot_classes,omitempty"`
	Models          map[string]*modelReport `json:"models"`
}

// classificationReport computes per-class precision/recall/F1 plus macro
// and support-weighted averages over the fixed class list, counting classes
// with zero support at zero the way a zero-division guard would.
func classificationReport(yTrue, yPred []string, classes []string, zeroShot map[string]bool) *modelReport {
	idx := map[string]int{}
	for i, c := range classes {
		idx[c] = i
	}
	k := len(classes)
	confusion := make([][]int, k)
	for i := range confusion {
		confusion[i] = make([]int, k)
	}
	correct := 0
	for i := range yTrue {
		t, tok := idx[yTrue[i]]
		p, pok := idx[yPred[i]]
		if !tok || !pok {
			continue
		}
		confusion[t][p]++
		if t == p {
			correct++
		}
	}
	rep := &modelReport{PerClass: map[string]classMetrics{}, ROCAUC: map[string]*float64{}}
	if len(yTrue) > 0 {
		rep.Accuracy = float64(correct) / float64(len(yTrue))
	}
	var macro classMetrics
	var weighted classMetrics
	total := 0
	for ci, class := range classes {
		tp := confusion[ci][ci]
		fp, fn := 0, 0
		for cj := 0; cj < k; cj++ {
			if cj != ci {
				fp += confusion[cj][ci]
				fn += confusion[ci][cj]
			}
		}
		m := classMetrics{Support: tp + fn}
		if tp+fp > 0 {
			m.Precision = float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			m.Recall = float64(tp) / float64(tp+fn)
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		if zeroShot[class] {
			m.Note = "no_training_examples"
		}
		rep.PerClass[class] = m
		macro.Precision += m.Precision / float64(k)
		macro.Recall += m.Recall / float64(k)
		macro.F1 += m.F1 / float64(k)
		weighted.Precision += m.Precision * float64(m.Support)
		weighted.Recall += m.Recall * float64(m.Support)
		weighted.F1 += m.F1 * float64(m.Support)
		total += m.Support
	}
	macro.Support = total
	if total > 0 {
		weighted.Precision /= float64(total)
		weighted.Recall /= float64(total)
		weighted.F1 /= float64(total)
	}
	weighted.Support = total
	rep.MacroAvg = macro
	rep.WeightedAvg = weighted
	return rep
}

func writeConfusionMatrix(fnm string, yTrue, yPred, classes []string) error {
	idx := map[string]int{}
	for i, c := range classes {
		idx[c] = i
	}
	cm := make([][]int, len(classes))
	for i := range cm {
		cm[i] = make([]int, len(classes))
	}
	for i := range yTrue {
		t, tok := idx[yTrue[i]]
		p, pok := idx[yPred[i]]
		if tok && pok {
			cm[t][p]++
		}
	}
	return commitFile(fnm, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		fmt.Fprint(bw, "actual\\predicted")
		for _, c := range classes {
			fmt.Fprintf(bw, "\t%s", c)
		}
		fmt.Fprintln(bw)
		for i, c := range classes {
			fmt.Fprint(bw, c)
			for j := range classes {
				fmt.Fprintf(bw, "\t%d", cm[i][j])
			}
			fmt.Fprintln(bw)
		}
		return bw.Flush()
	})
}

func writeClassificationReport(fnm string, rep *modelReport, classes []string) error {
	return commitFile(fnm, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		fmt.Fprintf(bw, "%16s  %9s  %9s  %9s  %9s\n", "", "precision", "recall", "f1-score", "support")
		fmt.Fprintln(bw)
		for _, class := range classes {
			m := rep.PerClass[class]
			fmt.Fprintf(bw, "%16s  %9.3f  %9.3f  %9.3f  %9d", class, m.Precision, m.Recall, m.F1, m.Support)
			if m.Note != "" {
				fmt.Fprintf(bw, "  (%s)", m.Note)
			}
			fmt.Fprintln(bw)
		}
		fmt.Fprintln(bw)
		fmt.Fprintf(bw, "%16s  %9s  %9s  %9.3f  %9d\n", "accuracy", "", "", rep.Accuracy, rep.MacroAvg.Support)
		fmt.Fprintf(bw, "%16s  %9.3f  %9.3f  %9.3f  %9d\n", "macro avg", rep.MacroAvg.Precision, rep.MacroAvg.Recall, rep.MacroAvg.F1, rep.MacroAvg.Support)
		fmt.Fprintf(bw, "%16s  %9.3f  %9.3f  %9.3f  %9d\n", "weighted avg", rep.WeightedAvg.Precision, rep.WeightedAvg.Recall, rep.WeightedAvg.F1, rep.WeightedAvg.Support)
		return bw.Flush()
	})
}

func writePredictions(fnm string, ids, yTrue, yPred []string, proba [][]float64, classes []string) error {
	return commitFile(fnm, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		fmt.Fprint(bw, "sample_id\ttrue_label\tpredicted_label")
		for _, c := range classes {
			fmt.Fprintf(bw, "\tprob_%s", c)
		}
		fmt.Fprintln(bw)
		for i, id := range ids {
			fmt.Fprintf(bw, "%s\t%s\t%s", id, yTrue[i], yPred[i])
			for _, p := range proba[i] {
				fmt.Fprintf(bw, "\t%.6f", p)
			}
			fmt.Fprintln(bw)
		}
		return bw.Flush()
	})
}

type importanceRow struct {
	feature string
	values  []float64
	rank    float64
}

func writeImportances(fnm string, header []string, rows []importanceRow, topN int) error {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].rank != rows[j].rank {
			return rows[i].rank > rows[j].rank
		}
		return rows[i].feature < rows[j].feature
	})
	write := func(fnm string, rows []importanceRow) error {
		return commitFile(fnm, func(w io.Writer) error {
			bw := bufio.NewWriter(w)
			fmt.Fprint(bw, "miRNA")
			for _, h := range header {
				fmt.Fprintf(bw, "\t%s", h)
			}
			fmt.Fprintln(bw)
			for _, r := range rows {
				fmt.Fprint(bw, r.feature)
				for _, v := range r.values {
					fmt.Fprintf(bw, "\t%.6f", v)
				}
				fmt.Fprintln(bw)
			}
			return bw.Flush()
		})
	}
	if err := write(fnm, rows); err != nil {
		return err
	}
	top := rows
	if len(top) > topN {
		top = top[:topN]
	}
	ext := filepath.Ext(fnm)
	return write(fnm[:len(fnm)-len(ext)]+"_top50"+ext, top)
}

// rocAUCPerClass scores each class one-vs-rest from the predicted
// probabilities. Classes missing from the test set get a nil score.
func rocAUCPerClass(yTrue []string, proba [][]float64, classes []string) map[string]*float64 {
	out := map[string]*float64{}
	for ci, class := range classes {
		target := make([]bool, len(yTrue))
		scores := make([]float64, len(yTrue))
		for i := range yTrue {
			target[i] = yTrue[i] == class
			scores[i] = proba[i][ci]
		}
		auc := aucRankSum(scores, target)
		if math.IsNaN(auc) {
			out[class] = nil
		} else {
			v := auc
			out[class] = &v
		}
	}
	return out
}

func lodoValidate(cfg *Config, outputDir string) error {
	crossDir := filepath.Join(outputDir, "cross_cohort")
	exprFile := filepath.Join(crossDir, "batch_corrected.tsv")
	metaFile := filepath.Join(crossDir, "sample_metadata_merged.tsv")
	expr, err := readMatrixFile(exprFile)
	if err != nil {
		return err
	}
	samples, err := readSampleInfo(metaFile)
	if err != nil {
		return err
	}
	byID := map[string]sampleInfo{}
	for _, si := range samples {
		byID[si.id] = si
	}

	classes := cfg.Biofluids
	classSet := map[string]bool{}
	for _, c := range classes {
		classSet[c] = true
	}
	var ids, labels, cohorts []string
	var rows [][]float64
	skippedUnknown := 0
	for j, id := range expr.Samples {
		si, ok := byID[id]
		if !ok {
			return fmt.Errorf("lodo: sample %q in expression matrix but not in metadata", id)
		}
		if !classSet[si.biofluid] {
			skippedUnknown++
			continue
		}
		ids = append(ids, id)
		labels = append(labels, si.biofluid)
		cohorts = append(cohorts, si.cohort)
		rows = append(rows, expr.Col(j))
	}
	if skippedUnknown > 0 {
		log.Printf("lodo: %d samples with unrecognized biofluid excluded", skippedUnknown)
	}
	folds := uniqueInOrder(cohorts)
	sort.Strings(folds)
	if len(folds) < 2 {
		return fmt.Errorf("lodo: need at least 2 cohorts, got %d", len(folds))
	}

	lodoDir := filepath.Join(outputDir, "lodo")
	var allFolds []*foldSummary
	for _, testCohort := range folds {
		var trainIdx, testIdx []int
		for i, c := range cohorts {
			if c == testCohort {
				testIdx = append(testIdx, i)
			} else {
				trainIdx = append(trainIdx, i)
			}
		}
		sub := func(idx []int, src []string) []string {
			out := make([]string, len(idx))
			for i, j := range idx {
				out[i] = src[j]
			}
			return out
		}
		xTrain := make([][]float64, len(trainIdx))
		for i, j := range trainIdx {
			xTrain[i] = rows[j]
		}
		xTest := make([][]float64, len(testIdx))
		for i, j := range testIdx {
			xTest[i] = rows[j]
		}
		yTrain := sub(trainIdx, labels)
		yTest := sub(testIdx, labels)
		testIDs := sub(testIdx, ids)

		// Standardization statistics come from the training folds only,
		// so the held-out cohort never leaks into preprocessing.
		scaler := fitScaler(xTrain)
		xTrainS := scaler.transform(xTrain)
		xTestS := scaler.transform(xTest)

		trainCounts := map[string]int{}
		for _, l := range yTrain {
			trainCounts[l]++
		}
		testCounts := map[string]int{}
		for _, l := range yTest {
			testCounts[l]++
		}
		zeroShot := map[string]bool{}
		var zeroShotList []string
		for _, c := range classes {
			if testCounts[c] > 0 && trainCounts[c] == 0 {
				zeroShot[c] = true
				zeroShotList = append(zeroShotList, c)
			}
		}

		fold := &foldSummary{
			TestDataset:     testCohort,
			NTrain:          len(trainIdx),
			NTest:           len(testIdx),
			TrainBiofluids:  trainCounts,
			TestBiofluids:   testCounts,
			ZeroShotClasses: zeroShotList,
			Models:          map[string]*modelReport{},
		}
		for _, c := range folds {
			if c != testCohort {
				fold.TrainDatasets = append(fold.TrainDatasets, c)
			}
		}
		log.Printf("lodo: test on %s (%d train, %d test)", testCohort, len(trainIdx), len(testIdx))

		foldDir := filepath.Join(lodoDir, "test_"+testCohort)

		logit, err := trainLogisticOVR(xTrainS, yTrain, classes)
		if err != nil {
			return fmt.Errorf("lodo fold %s: %w", testCohort, err)
		}
		lodoEvalModel := func(name string, yPred []string, proba [][]float64, imp []importanceRow, impHeader []string) error {
			rep := classificationReport(yTest, yPred, classes, zeroShot)
			rep.ROCAUC = rocAUCPerClass(yTest, proba, classes)
			fold.Models[name] = rep
			if err := writeConfusionMatrix(filepath.Join(foldDir, "confusion_matrix_"+name+".tsv"), yTest, yPred, classes); err != nil {
				return err
			}
			if err := writeClassificationReport(filepath.Join(foldDir, "classification_report_"+name+".txt"), rep, classes); err != nil {
				return err
			}
			if err := writePredictions(filepath.Join(foldDir, "predictions_"+name+".tsv"), testIDs, yTest, yPred, proba, classes); err != nil {
				return err
			}
			if err := writeImportances(filepath.Join(foldDir, "feature_importances_"+name+".tsv"), impHeader, imp, cfg.TopMarkerCount); err != nil {
				return err
			}
			log.Printf("lodo: %s/%s accuracy %.3f macro F1 %.3f", testCohort, name, rep.Accuracy, rep.MacroAvg.F1)
			return nil
		}

		meanAbs := logit.meanAbsCoef()
		logitImp := make([]importanceRow, len(expr.Features))
		var impHeader []string
		for ci, class := range classes {
			if logit.coefs[ci] != nil {
				impHeader = append(impHeader, "coef_"+class)
			}
		}
		impHeader = append(impHeader, "mean_abs_coef")
		for fi, feature := range expr.Features {
			var vals []float64
			for ci := range classes {
				if logit.coefs[ci] != nil {
					vals = append(vals, logit.coefs[ci][fi+1])
				}
			}
			vals = append(vals, meanAbs[fi])
			logitImp[fi] = importanceRow{feature: feature, values: vals, rank: meanAbs[fi]}
		}
		err = lodoEvalModel("logistic", logit.predict(xTestS), logit.predictProba(xTestS), logitImp, impHeader)
		if err != nil {
			return err
		}

		rf := trainForest(xTrainS, yTrain, classes, defaultForestConfig(cfg.Seed))
		rfImp := make([]importanceRow, len(expr.Features))
		for fi, feature := range expr.Features {
			rfImp[fi] = importanceRow{feature: feature, values: []float64{rf.importances[fi]}, rank: rf.importances[fi]}
		}
		err = lodoEvalModel("random_forest", rf.predict(xTestS), rf.predictProba(xTestS), rfImp, []string{"importance"})
		if err != nil {
			return err
		}

		if err := commitJSON(filepath.Join(foldDir, "fold_summary.json"), fold); err != nil {
			return err
		}
		if err := writeManifest(foldDir, cfg, exprFile, metaFile); err != nil {
			return err
		}
		allFolds = append(allFolds, fold)
	}

	// Fold metrics are aggregated as mean and population standard
	// deviation across folds, never pooled over samples, so a large
	// cohort cannot mask failure on a small one.
	overall := map[string]interface{}{}
	for _, name := range []string{"logistic", "random_forest"} {
		var accs, f1s []float64
		perFold := map[string]float64{}
		for _, fold := range allFolds {
			rep := fold.Models[name]
			accs = append(accs, rep.Accuracy)
			f1s = append(f1s, rep.MacroAvg.F1)
			perFold[fold.TestDataset] = rep.Accuracy
		}
		overall[name] = map[string]interface{}{
			"mean_accuracy":       stat.Mean(accs, nil),
			"std_accuracy":        popStdDev(accs),
			"mean_macro_f1":       stat.Mean(f1s, nil),
			"std_macro_f1":        popStdDev(f1s),
			"accuracies_per_fold": perFold,
		}
	}
	return commitJSON(filepath.Join(lodoDir, "lodo_summary.json"), map[string]interface{}{
		"config_hash":        cfg.Hash(),
		"lodo_folds":         allFolds,
		"overall_statistics": overall,
	})
}

type lodoCmd struct{}

func (cmd *lodoCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *lodoCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at `[addr]:port`")
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
	cfg, err := loadConfig(*configFilename)
	if err != nil {
		return err
	}
	return lodoValidate(cfg, *outputDir)
}
