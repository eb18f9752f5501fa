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

	"gonum.org/v1/gonum/mat"
)

// Matrix is a features × samples expression matrix with named rows and
// columns, stored row-major.
type Matrix struct {
	Features []string
	Samples  []string
	Data     []float64
}

func NewMatrix(features, samples []string) *Matrix {
	return &Matrix{
		Features: features,
		Samples:  samples,
		Data:     make([]float64, len(features)*len(samples)),
	}
}

func (m *Matrix) At(i, j int) float64     { return m.Data[i*len(m.Samples)+j] }
func (m *Matrix) Set(i, j int, v float64) { m.Data[i*len(m.Samples)+j] = v }

// Row returns feature i's expression across samples, as a view.
func (m *Matrix) Row(i int) []float64 {
	n := len(m.Samples)
	return m.Data[i*n : (i+1)*n]
}

// Col returns sample j's expression across features, as a copy.
func (m *Matrix) Col(j int) []float64 {
	out := make([]float64, len(m.Features))
	for i := range m.Features {
		out[i] = m.At(i, j)
	}
	return out
}

func (m *Matrix) FeatureIndex() map[string]int {
	idx := make(map[string]int, len(m.Features))
	for i, f := range m.Features {
		idx[f] = i
	}
	return idx
}

func (m *Matrix) SampleIndex() map[string]int {
	idx := make(map[string]int, len(m.Samples))
	for j, s := range m.Samples {
		idx[s] = j
	}
	return idx
}

// LibrarySizes returns per-sample total counts.
func (m *Matrix) LibrarySizes() []float64 {
	sizes := make([]float64, len(m.Samples))
	for i := range m.Features {
		row := m.Row(i)
		for j, v := range row {
			sizes[j] += v
		}
	}
	return sizes
}

// CPM returns counts-per-million scaled by per-sample effective library
// sizes librarySize×factor. factors==nil means no composition adjustment.
// A zero library size yields all-zero CPM for that sample rather than
// NaN, matching how the loaders treat empty libraries.
func (m *Matrix) CPM(factors []float64) *Matrix {
	sizes := m.LibrarySizes()
	scale := make([]float64, len(sizes))
	for j, size := range sizes {
		if factors != nil {
			size *= factors[j]
		}
		if size > 0 {
			scale[j] = 1e6 / size
		}
	}
	out := NewMatrix(m.Features, m.Samples)
	for i := range m.Features {
		src, dst := m.Row(i), out.Row(i)
		for j, v := range src {
			dst[j] = v * scale[j]
		}
	}
	return out
}

// Log2p returns log2(x + pseudocount), element-wise, as a new matrix.
func (m *Matrix) Log2p(pseudocount float64) *Matrix {
	out := NewMatrix(m.Features, m.Samples)
	for i, v := range m.Data {
		out.Data[i] = math.Log2(v + pseudocount)
	}
	return out
}

// SubsetFeatures returns a matrix restricted to the named features, in
// the given order. Unknown names are an error.
func (m *Matrix) SubsetFeatures(names []string) (*Matrix, error) {
	idx := m.FeatureIndex()
	out := NewMatrix(names, m.Samples)
	for i, name := range names {
		src, ok := idx[name]
		if !ok {
			return nil, fmt.Errorf("feature %q not present in matrix", name)
		}
		copy(out.Row(i), m.Row(src))
	}
	return out, nil
}

// SubsetSamples returns a matrix restricted to the given sample columns.
func (m *Matrix) SubsetSamples(cols []int) *Matrix {
	samples := make([]string, len(cols))
	for k, j := range cols {
		samples[k] = m.Samples[j]
	}
	out := NewMatrix(m.Features, samples)
	for i := range m.Features {
		src, dst := m.Row(i), out.Row(i)
		for k, j := range cols {
			dst[k] = src[j]
		}
	}
	return out
}

// Bind concatenates matrices column-wise. All inputs must have the same
// feature list in the same order.
func Bind(ms ...*Matrix) (*Matrix, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("bind: no matrices")
	}
	features := ms[0].Features
	var samples []string
	for _, m := range ms {
		if len(m.Features) != len(features) {
			return nil, fmt.Errorf("bind: feature count mismatch (%d vs %d)", len(m.Features), len(features))
		}
		for i, f := range m.Features {
			if f != features[i] {
				return nil, fmt.Errorf("bind: feature order mismatch at %d: %q vs %q", i, f, features[i])
			}
		}
		samples = append(samples, m.Samples...)
	}
	out := NewMatrix(features, samples)
	for i := range features {
		dst := out.Row(i)
		at := 0
		for _, m := range ms {
			at += copy(dst[at:], m.Row(i))
		}
	}
	return out, nil
}

// intersectFeatures returns the features present in every matrix, in the
// first matrix's order.
func intersectFeatures(ms []*Matrix) []string {
	if len(ms) == 0 {
		return nil
	}
	count := map[string]int{}
	for _, m := range ms {
		for _, f := range m.Features {
			count[f]++
		}
	}
	var shared []string
	for _, f := range ms[0].Features {
		if count[f] == len(ms) {
			shared = append(shared, f)
		}
	}
	return shared
}

// Dense returns a samples × features gonum matrix (the orientation the
// classifiers and PCA want).
func (m *Matrix) Dense() *mat.Dense {
	nS, nF := len(m.Samples), len(m.Features)
	out := mat.NewDense(nS, nF, nil)
	for i := 0; i < nF; i++ {
		row := m.Row(i)
		for j := 0; j < nS; j++ {
			out.Set(j, i, row[j])
		}
	}
	return out
}

// ReadMatrix parses a tab-delimited features × samples table. The header
// may or may not start with an empty cell for the feature-name column;
// both forms occur in exceRpt exports.
func ReadMatrix(rdr io.Reader) (*Matrix, error) {
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty matrix file")
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r\n"), "\t")
	samples := header
	if len(header) > 0 && strings.TrimSpace(header[0]) == "" {
		samples = header[1:]
	} else if len(header) > 1 && (strings.EqualFold(header[0], "feature") || strings.EqualFold(header[0], "mirna")) {
		samples = header[1:]
	}
	for i, s := range samples {
		samples[i] = strings.TrimSpace(s)
	}

	var features []string
	var data []float64
	lineNum := 1
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		split := strings.Split(line, "\t")
		if len(split) != len(samples)+1 {
			return nil, fmt.Errorf("matrix line %d: %d fields, expected %d", lineNum, len(split), len(samples)+1)
		}
		features = append(features, strings.TrimSpace(split[0]))
		for _, s := range split[1:] {
			if s == "" {
				data = append(data, 0)
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("matrix line %d: %q: %w", lineNum, s, err)
			}
			data = append(data, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Matrix{Features: features, Samples: samples, Data: data}, nil
}

func readMatrixFile(fnm string) (*Matrix, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := ReadMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return m, nil
}

// WriteTSV writes the matrix with the given float format (e.g. "%.6f"; ""
// means shortest round-trip form).
func (m *Matrix) WriteTSV(fnm, floatFmt string) error {
	return commitFile(fnm, func(w io.Writer) error {
		bw := bufio.NewWriterSize(w, 1<<20)
		for _, s := range m.Samples {
			fmt.Fprintf(bw, "\t%s", s)
		}
		bw.WriteByte('\n')
		for i, f := range m.Features {
			bw.WriteString(f)
			for _, v := range m.Row(i) {
				if floatFmt == "" {
					fmt.Fprintf(bw, "\t%s", strconv.FormatFloat(v, 'g', -1, 64))
				} else {
					fmt.Fprintf(bw, "\t"+floatFmt, v)
				}
			}
			bw.WriteByte('\n')
		}
		return bw.Flush()
	})
}
