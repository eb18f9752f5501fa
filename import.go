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

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// importer loads one cohort's raw count table and sample metadata, aligns
// them, attaches QC flags, and writes the per-cohort starting artifacts
// (counts, CPM, log2-CPM, sample metadata, removed-samples record).
type importer struct{}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *importer) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	cohortID := flags.String("cohort", "", "cohort `ID` (tags every sample with its dataset of origin)")
	countsFilename := flags.String("counts", "", "raw count matrix `file` (features × samples, tsv or tsv.gz)")
	metaFilename := flags.String("metadata", "", "sample metadata `file` (tsv)")
	outputDir := flags.String("output-dir", "./results", "output `directory`")
	configFilename := flags.String("config", "", "run configuration `file` (default: built-in thresholds)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *cohortID == "" || *countsFilename == "" || *metaFilename == "" {
		return errors.New("must provide -cohort, -counts, and -metadata")
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
	return importCohort(cfg, *cohortID, *countsFilename, *metaFilename, *outputDir)
}

func importCohort(cfg *Config, cohortID, countsFilename, metaFilename, outputDir string) error {
	log.Printf("[%s] reading counts from %s", cohortID, countsFilename)
	counts, err := readMatrixFile(countsFilename)
	if err != nil {
		return err
	}
	mf, err := open(metaFilename)
	if err != nil {
		return err
	}
	meta, err := loadSampleMetadata(mf, cohortID, cfg)
	mf.Close()
	if err != nil {
		return err
	}
	log.Printf("[%s] %d features × %d samples, %d metadata records", cohortID, len(counts.Features), len(counts.Samples), len(meta))

	// Align on the intersection of count columns and metadata rows.
	metaByID := map[string]*sampleInfo{}
	for i := range meta {
		metaByID[meta[i].id] = &meta[i]
	}
	var keepCols []int
	var samples []sampleInfo
	for j, id := range counts.Samples {
		si, ok := metaByID[id]
		if !ok {
			log.Printf("[%s] sample %s has counts but no metadata, dropping", cohortID, id)
			continue
		}
		keepCols = append(keepCols, j)
		samples = append(samples, *si)
	}
	if len(samples) == 0 {
		return fmt.Errorf("cohort %s: no overlap between count columns and metadata sample IDs", cohortID)
	}
	for _, si := range meta {
		if _, ok := counts.SampleIndex()[si.id]; !ok {
			log.Printf("[%s] sample %s has metadata but no counts, dropping", cohortID, si.id)
		}
	}
	counts = counts.SubsetSamples(keepCols)

	// Library sizes always come from the aligned counts, not from
	// whatever the metadata claimed.
	sizes := counts.LibrarySizes()
	override := cfg.override(cohortID)
	excluded := map[string]bool{}
	for _, id := range override.ExcludeSamples {
		excluded[id] = true
	}
	for j := range samples {
		samples[j].librarySize = sizes[j]
		if math.IsNaN(samples[j].mirnaReads) {
			// No read mapping summary for this cohort: derive
			// the low-input flag from library size instead.
			samples[j].lowInput = sizes[j] < cfg.LowInputThreshold
		} else {
			samples[j].lowInput = samples[j].mirnaReads < cfg.LowInputThreshold
		}
	}

	var keep []int
	var kept, removed []sampleInfo
	var removeReasons []string
	for j, si := range samples {
		switch {
		case excluded[si.id]:
			removed, removeReasons = append(removed, si), append(removeReasons, "configured_exclusion")
		case si.qcStatus == "FAIL":
			removed, removeReasons = append(removed, si), append(removeReasons, "qc_fail")
		case si.lowInput && !override.SkipLowInputDrop:
			removed, removeReasons = append(removed, si), append(removeReasons, "low_input")
		default:
			keep = append(keep, j)
			kept = append(kept, si)
		}
	}
	if len(kept) == 0 {
		return fmt.Errorf("cohort %s: all %d samples removed by QC", cohortID, len(samples))
	}
	counts = counts.SubsetSamples(keep)
	log.Printf("[%s] kept %d samples, removed %d", cohortID, len(kept), len(removed))

	dir := filepath.Join(outputDir, cohortID)
	cpm := counts.CPM(nil)
	if err := counts.WriteTSV(filepath.Join(dir, "miRNA_counts.tsv"), ""); err != nil {
		return err
	}
	if err := cpm.WriteTSV(filepath.Join(dir, "miRNA_cpm.tsv"), "%.6f"); err != nil {
		return err
	}
	if err := cpm.Log2p(1).WriteTSV(filepath.Join(dir, "miRNA_log2cpm.tsv"), "%.6f"); err != nil {
		return err
	}
	if err := writeSampleInfo(kept, filepath.Join(dir, "sample_metadata.tsv")); err != nil {
		return err
	}
	if err := writeRemovedSamples(removed, removeReasons, filepath.Join(dir, "removed_samples.tsv")); err != nil {
		return err
	}

	fluidCounts := map[string]int{}
	for _, si := range kept {
		fluidCounts[si.biofluid]++
	}
	sizesKept := counts.LibrarySizes()
	summary := map[string]interface{}{
		"cohort_id":           cohortID,
		"config_hash":         cfg.Hash(),
		"n_features":          len(counts.Features),
		"n_samples":           len(kept),
		"n_removed":           len(removed),
		"median_library_size": median(sizesKept),
		"biofluids":           fluidCounts,
	}
	if err := commitJSON(filepath.Join(dir, "summary.json"), summary); err != nil {
		return err
	}
	return writeManifest(dir, cfg, countsFilename, metaFilename)
}

func writeRemovedSamples(removed []sampleInfo, reasons []string, fnm string) error {
	return commitFile(fnm, func(w io.Writer) error {
		if _, err := fmt.Fprintln(w, "sample_id\tdataset_id\tbiofluid\tlibrary_size\tqc_status\tlow_input\treason"); err != nil {
			return err
		}
		for i, si := range removed {
			_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				si.id, si.cohort, si.biofluid, formatFloat(si.librarySize),
				si.qcStatus, formatBool(si.lowInput), reasons[i])
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}
