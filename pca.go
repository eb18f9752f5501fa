// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// principalComponents runs an exact PCA over the samples of m (samples as
// observations, features as variables). It returns per-sample coordinates
// on the first k components and the proportion of variance explained by
// every component, not just the first k.
func principalComponents(m *Matrix, k int) ([][]float64, []float64, error) {
	n, d := len(m.Samples), len(m.Features)
	if n < 2 {
		return nil, nil, errors.New("pca: need at least 2 samples")
	}
	maxK := n
	if d < maxK {
		maxK = d
	}
	if k > maxK {
		k = maxK
	}
	x := m.Dense()

	var pc stat.PC
	if !pc.PrincipalComponents(x, nil) {
		return nil, nil, errors.New("pca: decomposition failed")
	}
	vars := pc.VarsTo(nil)
	var total float64
	for _, v := range vars {
		total += v
	}
	proportions := make([]float64, len(vars))
	if total > 0 {
		for i, v := range vars {
			proportions[i] = v / total
		}
	}

	vec := mat.NewDense(d, maxK, nil)
	pc.VectorsTo(vec)

	// Center columns before projecting so coordinates are relative to the
	// sample mean.
	centered := mat.NewDense(n, d, nil)
	for j := 0; j < d; j++ {
		col := make([]float64, n)
		mat.Col(col, j, x)
		mean := stat.Mean(col, nil)
		for i := 0; i < n; i++ {
			centered.Set(i, j, col[i]-mean)
		}
	}
	var proj mat.Dense
	proj.Mul(centered, vec.Slice(0, d, 0, k))

	coords := make([][]float64, n)
	for i := 0; i < n; i++ {
		coords[i] = make([]float64, k)
		for j := 0; j < k; j++ {
			coords[i][j] = proj.At(i, j)
		}
	}
	return coords, proportions, nil
}

func writePCACoordinates(fnm string, samples []string, coords [][]float64) error {
	return commitFile(fnm, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		fmt.Fprint(bw, "sample_id")
		if len(coords) > 0 {
			for k := range coords[0] {
				fmt.Fprintf(bw, "\tPC%d", k+1)
			}
		}
		fmt.Fprintln(bw)
		for i, id := range samples {
			fmt.Fprint(bw, id)
			for _, v := range coords[i] {
				fmt.Fprintf(bw, "\t%.6f", v)
			}
			fmt.Fprintln(bw)
		}
		return bw.Flush()
	})
}

func writePCAVariance(fnm string, proportions []float64) error {
	return commitFile(fnm, func(w io.Writer) error {
		if _, err := fmt.Fprintln(w, "component\tproportion\tcumulative"); err != nil {
			return err
		}
		var cum float64
		for k, p := range proportions {
			cum += p
			if _, err := fmt.Fprintf(w, "PC%d\t%.6f\t%.6f\n", k+1, p, cum); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeNumpy writes a row-major float64 matrix as a .npy file for notebook
// and report layers downstream.
func writeNumpy(fnm string, rows, cols int, data []float64) error {
	return commitFile(fnm, func(w io.Writer) error {
		bufw := bufio.NewWriter(w)
		npw, err := gonpy.NewWriter(nopCloser{bufw})
		if err != nil {
			return err
		}
		npw.Shape = []int{rows, cols}
		err = npw.WriteFloat64(data)
		if err != nil {
			return err
		}
		return bufw.Flush()
	})
}

type pcaCmd struct{}

func (cmd *pcaCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *pcaCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input expression matrix `file` (features x samples TSV, \"-\" for stdin)")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	prefix := flags.String("prefix", "pca", "output filename `prefix`")
	components := flags.Int("components", 10, "number of principal components to project")
	outputNumpy := flags.Bool("npy", false, "also write coordinates as a .npy file")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}

	var m *Matrix
	if *inputFilename == "-" {
		m, err = ReadMatrix(stdin)
	} else {
		m, err = readMatrixFile(*inputFilename)
	}
	if err != nil {
		return err
	}
	log.Printf("pca: %d features x %d samples", len(m.Features), len(m.Samples))
	coords, proportions, err := principalComponents(m, *components)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*outputDir, 0777); err != nil {
		return err
	}
	if err := writePCACoordinates(filepath.Join(*outputDir, *prefix+"_coordinates.tsv"), m.Samples, coords); err != nil {
		return err
	}
	if err := writePCAVariance(filepath.Join(*outputDir, *prefix+"_variance.tsv"), proportions); err != nil {
		return err
	}
	if *outputNumpy {
		nk := 0
		if len(coords) > 0 {
			nk = len(coords[0])
		}
		flat := make([]float64, len(coords)*nk)
		for i, row := range coords {
			copy(flat[i*nk:], row)
		}
		if err := writeNumpy(filepath.Join(*outputDir, *prefix+"_coordinates.npy"), len(coords), nk, flat); err != nil {
			return err
		}
	}
	return nil
}
