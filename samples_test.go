// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"math"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type samplesSuite struct{}

var _ = check.Suite(&samplesSuite{})

func (s *samplesSuite) TestNormalizeFluid(c *check.C) {
	fluids := []string{"Plasma", "Saliva", "Serum", "Urine"}
	c.Check(normalizeFluid("plasma", fluids), check.Equals, "Plasma")
	c.Check(normalizeFluid("  SALIVA ", fluids), check.Equals, "Saliva")
	c.Check(normalizeFluid("Urine", fluids), check.Equals, "Urine")
	c.Check(normalizeFluid("semen", fluids), check.Equals, "Unknown")
	c.Check(normalizeFluid("", fluids), check.Equals, "Unknown")
}

func (s *samplesSuite) TestLoadSampleMetadata(c *check.C) {
	cfg := defaultConfig()
	in := strings.Join([]string{
		"sample_id\tbiofluid\tlibrary_size\tqc_status\tisolation_method",
		"S1\tplasma\t250000\tpass\tTRIzol",
		"S2\tSaliva\t\tFAIL\t",
		"",
		"S3\tcerebrospinal fluid\t9000\t\tmiRNeasy",
	}, "\n") + "\n"
	samples, err := loadSampleMetadata(strings.NewReader(in), "gse1", cfg)
	c.Assert(err, check.IsNil)
	c.Assert(samples, check.HasLen, 3)

	c.Check(samples[0].id, check.Equals, "S1")
	c.Check(samples[0].cohort, check.Equals, "gse1")
	c.Check(samples[0].biofluid, check.Equals, "Plasma")
	c.Check(samples[0].librarySize, check.Equals, 250000.0)
	c.Check(samples[0].qcStatus, check.Equals, "PASS")
	c.Check(samples[0].isolation, check.Equals, "TRIzol")
	c.Check(math.IsNaN(samples[0].normFactor), check.Equals, true)

	c.Check(samples[1].qcStatus, check.Equals, "FAIL")
	c.Check(math.IsNaN(samples[1].librarySize), check.Equals, true)

	c.Check(samples[2].biofluid, check.Equals, "Unknown")
	c.Check(samples[2].qcStatus, check.Equals, "PASS")
}

func (s *samplesSuite) TestLoadSampleMetadataErrors(c *check.C) {
	cfg := defaultConfig()

	_, err := loadSampleMetadata(strings.NewReader("sample_id\tbiofluid\n"), "gse1", cfg)
	c.Check(err, check.ErrorMatches, `metadata for cohort gse1: no samples`)

	_, err = loadSampleMetadata(strings.NewReader("sample_id\ttissue\nS1\tbrain\n"), "gse1", cfg)
	c.Check(err, check.ErrorMatches, `.*required column biofluid missing`)

	_, err = loadSampleMetadata(strings.NewReader("sample_id\tbiofluid\nS1\tPlasma\nS1\tSerum\n"), "gse1", cfg)
	c.Check(err, check.ErrorMatches, `.*duplicate sample "S1"`)
}

func (s *samplesSuite) TestSampleInfoRoundTrip(c *check.C) {
	fnm := filepath.Join(c.MkDir(), "sample_metadata.tsv")
	samples := []sampleInfo{
		{id: "S1", cohort: "gse1", biofluid: "Plasma", librarySize: 250000,
			mirnaReads: 180000, normFactor: 1.02, qcStatus: "PASS", isolation: "TRIzol"},
		{id: "S2", cohort: "gse1", biofluid: "Urine", librarySize: 90000,
			mirnaReads: math.NaN(), normFactor: math.NaN(), qcStatus: "PASS",
			lowInput: true, isOutlier: true},
	}
	c.Assert(writeSampleInfo(samples, fnm), check.IsNil)

	got, err := readSampleInfo(fnm)
	c.Assert(err, check.IsNil)
	c.Assert(got, check.HasLen, 2)
	c.Check(got[0].id, check.Equals, "S1")
	c.Check(got[0].normFactor, check.Equals, 1.02)
	c.Check(got[1].biofluid, check.Equals, "Urine")
	c.Check(got[1].lowInput, check.Equals, true)
	c.Check(got[1].isOutlier, check.Equals, true)
	c.Check(math.IsNaN(got[1].normFactor), check.Equals, true)
	c.Check(math.IsNaN(got[1].mirnaReads), check.Equals, true)
}
