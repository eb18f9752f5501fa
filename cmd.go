// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"os"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"import":    &importer{},
		"filter":    &filtercmd{},
		"diffexp":   &diffExpCmd{},
		"outliers":  &outlierCmd{},
		"harmonize": &harmonizeCmd{},
		"lodo":      &lodoCmd{},
		"consensus": &consensusCmd{},
		"pca":       &pcaCmd{},
		"run":       &runCmd{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
