// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

type sampleInfo struct {
	id          string
	cohort      string
	biofluid    string
	librarySize float64
	mirnaReads  float64 // NaN when no read mapping summary was provided
	normFactor  float64 // NaN until diffexp computes TMM factors
	qcStatus    string
	isolation   string
	lowInput    bool
	isOutlier   bool
}

// normalizeFluid matches a raw metadata label against the configured
// biofluid set, ignoring case and surrounding whitespace. Anything that
// does not match is "Unknown": it stays in the matrices but is never used
// as a contrast or training label.
func normalizeFluid(label string, expected []string) string {
	label = strings.TrimSpace(label)
	for _, want := range expected {
		if strings.EqualFold(label, want) {
			return want
		}
	}
	return "Unknown"
}

// loadSampleMetadata reads a tab-delimited metadata table. A sample_id
// column and a biofluid column are required; library_size, mirna_reads,
// qc_status and isolation_method are picked up when present. A missing
// required column is an input error per the error taxonomy: the cohort
// cannot be processed.
func loadSampleMetadata(rdr io.Reader, cohort string, cfg *Config) ([]sampleInfo, error) {
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	if !scanner.Scan() {
		return nil, fmt.Errorf("metadata for cohort %s: empty file", cohort)
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r\n"), "\t")
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	idCol, ok := col["sample_id"]
	if !ok {
		// First column doubles as the sample ID when unlabeled, the
		// way exported index columns usually arrive.
		if header[0] == "" {
			idCol = 0
		} else {
			return nil, fmt.Errorf("metadata for cohort %s: no sample_id column", cohort)
		}
	}
	fluidCol, ok := col["biofluid"]
	if !ok {
		return nil, fmt.Errorf("metadata for cohort %s: required column biofluid missing", cohort)
	}

	field := func(split []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(split) {
			return ""
		}
		return strings.TrimSpace(split[i])
	}
	floatField := func(split []string, name string) float64 {
		s := field(split, name)
		if s == "" {
			return math.NaN()
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return v
	}

	var samples []sampleInfo
	seen := map[string]bool{}
	lineNum := 1
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		split := strings.Split(line, "\t")
		if idCol >= len(split) || fluidCol >= len(split) {
			return nil, fmt.Errorf("metadata for cohort %s line %d: %d fields, need at least %d", cohort, lineNum, len(split), fluidCol+1)
		}
		id := strings.TrimSpace(split[idCol])
		if id == "" {
			continue
		}
		if seen[id] {
			return nil, fmt.Errorf("metadata for cohort %s line %d: duplicate sample %q", cohort, lineNum, id)
		}
		seen[id] = true
		si := sampleInfo{
			id:          id,
			cohort:      cohort,
			biofluid:    normalizeFluid(split[fluidCol], cfg.Biofluids),
			librarySize: floatField(split, "library_size"),
			mirnaReads:  floatField(split, "mirna_reads"),
			normFactor:  math.NaN(),
			qcStatus:    strings.ToUpper(field(split, "qc_status")),
			isolation:   field(split, "isolation_method"),
		}
		if si.qcStatus == "" {
			si.qcStatus = "PASS"
		}
		samples = append(samples, si)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("metadata for cohort %s: %w", cohort, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("metadata for cohort %s: no samples", cohort)
	}
	return samples, nil
}

var sampleInfoHeader = []string{
	"sample_id", "dataset_id", "biofluid", "library_size", "mirna_reads",
	"norm_factor", "qc_status", "low_input", "is_outlier", "isolation_method",
}

func writeSampleInfo(samples []sampleInfo, fnm string) error {
	return commitFile(fnm, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		fmt.Fprintln(bw, strings.Join(sampleInfoHeader, "\t"))
		for _, si := range samples {
			fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				si.id, si.cohort, si.biofluid,
				formatFloat(si.librarySize), formatFloat(si.mirnaReads),
				formatFloat(si.normFactor), si.qcStatus,
				formatBool(si.lowInput), formatBool(si.isOutlier),
				si.isolation)
		}
		return bw.Flush()
	})
}

// readSampleInfo reads a table previously written by writeSampleInfo.
func readSampleInfo(fnm string) ([]sampleInfo, error) {
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
	if got := strings.TrimRight(scanner.Text(), "\r\n"); got != strings.Join(sampleInfoHeader, "\t") {
		return nil, fmt.Errorf("%s: header does not look right: %q", fnm, got)
	}
	var samples []sampleInfo
	lineNum := 1
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		split := strings.Split(line, "\t")
		if len(split) < len(sampleInfoHeader) {
			return nil, fmt.Errorf("%s line %d: %d fields < %d", fnm, lineNum, len(split), len(sampleInfoHeader))
		}
		samples = append(samples, sampleInfo{
			id:          split[0],
			cohort:      split[1],
			biofluid:    split[2],
			librarySize: parseFloat(split[3]),
			mirnaReads:  parseFloat(split[4]),
			normFactor:  parseFloat(split[5]),
			qcStatus:    split[6],
			lowInput:    split[7] == "1",
			isOutlier:   split[8] == "1",
			isolation:   split[9],
		})
	}
	return samples, scanner.Err()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func parseFloat(s string) float64 {
	if s == "" || s == "NA" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
