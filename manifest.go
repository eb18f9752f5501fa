// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"golang.org/x/crypto/blake2b"
)

// writeManifest records everything an auditor needs to reproduce a stage
// output: the configuration hash and seed, the toolchain and library
// versions, and content hashes of the declared inputs. No stage consumes
// it computationally; comparing two runs' artifacts should exclude the
// timestamp field here and nothing else.
func writeManifest(dir string, cfg *Config, inputs ...string) error {
	type inputRecord struct {
		Path   string `json:"path"`
		Blake2 string `json:"blake2b_256,omitempty"`
	}
	manifest := struct {
		ConfigHash string        `json:"config_hash"`
		Seed       int64         `json:"seed"`
		GoVersion  string        `json:"go_version"`
		Binary     string        `json:"binary_blake2b_256,omitempty"`
		Modules    []string      `json:"modules,omitempty"`
		Inputs     []inputRecord `json:"inputs"`
		Timestamp  string        `json:"timestamp"`
	}{
		ConfigHash: cfg.Hash(),
		Seed:       cfg.Seed,
		GoVersion:  runtime.Version(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if exe, err := os.Executable(); err == nil {
		if sum, err := hashFile(exe); err == nil {
			manifest.Binary = sum
		}
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			manifest.Modules = append(manifest.Modules, dep.Path+"@"+dep.Version)
		}
	}
	for _, fnm := range inputs {
		rec := inputRecord{Path: fnm}
		if sum, err := hashFile(fnm); err == nil {
			rec.Blake2 = sum
		}
		manifest.Inputs = append(manifest.Inputs, rec)
	}
	return commitJSON(filepath.Join(dir, "manifest.json"), manifest)
}

func hashFile(fnm string) (string, error) {
	f, err := os.Open(fnm)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
