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
	"os"
	"path/filepath"
	"runtime"
	"sort"

	log "github.com/sirupsen/logrus"
)

// runCmd drives the whole pipeline: the per-cohort stages (import, filter,
// diffexp, outliers) run concurrently across cohorts, then the
// cross-cohort stages (harmonize, lodo, consensus) run in order. Any stage
// failure halts the run before the next cross-cohort stage starts.
type runCmd struct{}

// findInput returns the first existing candidate filename.
func findInput(dir string, names ...string) (string, error) {
	for _, name := range names {
		fnm := filepath.Join(dir, name)
		if _, err := os.Stat(fnm); err == nil {
			return fnm, nil
		}
	}
	return "", fmt.Errorf("%s: none of %v found", dir, names)
}

// discoverCohorts lists the subdirectories of inputDir that contain a
// counts table, in sorted order so runs are reproducible.
func discoverCohorts(inputDir string) ([]string, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, err
	}
	var cohorts []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := findInput(filepath.Join(inputDir, e.Name()), "counts.tsv", "counts.tsv.gz"); err == nil {
			cohorts = append(cohorts, e.Name())
		}
	}
	sort.Strings(cohorts)
	if len(cohorts) == 0 {
		return nil, fmt.Errorf("%s: no cohort directories with a counts.tsv found", inputDir)
	}
	return cohorts, nil
}

func runPipeline(cfg *Config, inputDir, outputDir string, threads int, dropOutliers bool) error {
	cohorts, err := discoverCohorts(inputDir)
	if err != nil {
		return err
	}
	log.Printf("pipeline: %d cohorts: %v", len(cohorts), cohorts)

	throttle := throttle{Max: threads}
	for _, cohortID := range cohorts {
		cohortID := cohortID
		throttle.Go(func() error {
			dir := filepath.Join(inputDir, cohortID)
			countsFilename, err := findInput(dir, "counts.tsv", "counts.tsv.gz")
			if err != nil {
				return err
			}
			metaFilename, err := findInput(dir, "metadata.tsv", "metadata.tsv.gz")
			if err != nil {
				return err
			}
			if err := importCohort(cfg, cohortID, countsFilename, metaFilename, outputDir); err != nil {
				return fmt.Errorf("import %s: %w", cohortID, err)
			}
			if err := filterCohort(cfg, cohortID, outputDir); err != nil {
				return fmt.Errorf("filter %s: %w", cohortID, err)
			}
			if err := diffExpCohort(cfg, cohortID, outputDir); err != nil {
				return fmt.Errorf("diffexp %s: %w", cohortID, err)
			}
			if err := interrogateOutliers(cfg, cohortID, outputDir); err != nil {
				return fmt.Errorf("outliers %s: %w", cohortID, err)
			}
			return nil
		})
	}
	if err := throttle.Wait(); err != nil {
		return err
	}

	if len(cohorts) < 2 {
		log.Printf("pipeline: only one cohort, skipping cross-cohort stages")
		return nil
	}
	if err := harmonizeCohorts(cfg, cohorts, outputDir, dropOutliers); err != nil {
		return fmt.Errorf("harmonize: %w", err)
	}
	if err := lodoValidate(cfg, outputDir); err != nil {
		return fmt.Errorf("lodo: %w", err)
	}
	if err := consensusAnalysis(cfg, cohorts, outputDir); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	log.Print("pipeline: done")
	return nil
}

func (cmd *runCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *runCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at `[addr]:port`")
	inputDir := flags.String("input-dir", "", "input `directory` with one subdirectory per cohort (counts.tsv + metadata.tsv)")
	outputDir := flags.String("output-dir", "./results", "results `directory`")
	configFilename := flags.String("config", "", "run configuration `file`")
	threads := flags.Int("threads", runtime.NumCPU(), "number of cohorts to process concurrently")
	dropOutliers := flags.Bool("drop-outliers", false, "exclude flagged outlier samples from harmonization")
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
	if *inputDir == "" {
		return fmt.Errorf("must provide -input-dir")
	}
	cfg, err := loadConfig(*configFilename)
	if err != nil {
		return err
	}
	return runPipeline(cfg, *inputDir, *outputDir, *threads, *dropOutliers)
}
