// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/exrna/fluidmarker"
)

func main() {
	fluidmarker.Main()
}
