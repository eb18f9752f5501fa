// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// featureScaler standardizes columns to zero mean and unit variance using
// statistics from the data it was fitted on. Constant columns pass through
// centered only.
type featureScaler struct {
	mean []float64
	std  []float64
}

func fitScaler(x [][]float64) *featureScaler {
	if len(x) == 0 {
		return &featureScaler{}
	}
	p := len(x[0])
	sc := &featureScaler{mean: make([]float64, p), std: make([]float64, p)}
	col := make([]float64, len(x))
	for j := 0; j < p; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		sc.mean[j], sc.std[j] = mean, std
	}
	return sc
}

func (sc *featureScaler) transform(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = (v - sc.mean[j]) / sc.std[j]
		}
	}
	return out
}

// logisticOVR is a one-vs-rest binomial model per class. Class membership
// probabilities are the per-class logistic probabilities normalized to sum
// to one.
type logisticOVR struct {
	classes []string
	// coefs[c] is intercept followed by one weight per feature; nil for
	// classes absent from training.
	coefs [][]float64
	// ridge[c] records that the fallback fit produced coefs[c].
	ridge []bool
}

// trainLogisticOVR fits one binomial GLM per class with membership as the
// outcome. Singular designs (more features than samples, or collinear
// features) make the IRLS solver panic; those classes fall back to a
// ridge-penalized IRLS fit.
func trainLogisticOVR(x [][]float64, labels []string, classes []string) (*logisticOVR, error) {
	n := len(x)
	if n == 0 {
		return nil, fmt.Errorf("logistic: no training samples")
	}
	m := &logisticOVR{classes: classes, coefs: make([][]float64, len(classes)), ridge: make([]bool, len(classes))}
	for ci, class := range classes {
		y := make([]float64, n)
		pos := 0
		for i, l := range labels {
			if l == class {
				y[i] = 1
				pos++
			}
		}
		if pos == 0 || pos == n {
			continue
		}
		coef, ok := fitBinomialGLM(x, y)
		if !ok {
			coef = ridgeLogistic(x, y, 1.0, 100)
			m.ridge[ci] = true
		}
		m.coefs[ci] = coef
	}
	for _, c := range m.coefs {
		if c != nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("logistic: no class had both positive and negative training samples")
}

// fitBinomialGLM fits an unpenalized binomial GLM and returns intercept
// followed by feature weights. ok is false when the solver fails or the
// design is singular.
func fitBinomialGLM(x [][]float64, y []float64) (coef []float64, ok bool) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			coef, ok = nil, false
		}
	}()
	n := len(x)
	p := len(x[0])
	data := make([][]statmodel.Dtype, 0, p+2)
	names := make([]string, 0, p+2)
	outcome := make([]statmodel.Dtype, n)
	icept := make([]statmodel.Dtype, n)
	for i := range x {
		outcome[i] = statmodel.Dtype(y[i])
		icept[i] = 1
	}
	data = append(data, outcome, icept)
	names = append(names, "outcome", "icept")
	for j := 0; j < p; j++ {
		series := make([]statmodel.Dtype, n)
		for i := range x {
			series[i] = statmodel.Dtype(x[i][j])
		}
		data = append(data, series)
		names = append(names, fmt.Sprintf("x%d", j))
	}
	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
	if err != nil {
		return nil, false
	}
	result := model.Fit()
	params := result.Params()
	coef = make([]float64, p+1)
	for i, v := range params {
		coef[i] = float64(v)
		if math.IsNaN(coef[i]) || math.IsInf(coef[i], 0) {
			return nil, false
		}
	}
	return coef, true
}

// ridgeLogistic runs iteratively reweighted least squares with an L2
// penalty on the feature weights (not the intercept). The normal equations
// stay well conditioned even when features outnumber samples.
func ridgeLogistic(x [][]float64, y []float64, lambda float64, maxIter int) []float64 {
	n := len(x)
	p := len(x[0])
	xd := mat.NewDense(n, p+1, nil)
	for i, row := range x {
		xd.Set(i, 0, 1)
		for j, v := range row {
			xd.Set(i, j+1, v)
		}
	}
	w := make([]float64, p+1)
	eta := make([]float64, n)
	z := make([]float64, n)
	wt := make([]float64, n)
	for iter := 0; iter < maxIter; iter++ {
		for i := 0; i < n; i++ {
			var e float64
			for j := 0; j <= p; j++ {
				e += xd.At(i, j) * w[j]
			}
			eta[i] = e
			mu := 1 / (1 + math.Exp(-e))
			v := mu * (1 - mu)
			if v < 1e-6 {
				v = 1e-6
			}
			wt[i] = v
			z[i] = e + (y[i]-mu)/v
		}
		// X' W X + lambda I (intercept unpenalized)
		a := mat.NewDense(p+1, p+1, nil)
		b := make([]float64, p+1)
		for j := 0; j <= p; j++ {
			for k := j; k <= p; k++ {
				var s float64
				for i := 0; i < n; i++ {
					s += xd.At(i, j) * wt[i] * xd.At(i, k)
				}
				a.Set(j, k, s)
				a.Set(k, j, s)
			}
			var s float64
			for i := 0; i < n; i++ {
				s += xd.At(i, j) * wt[i] * z[i]
			}
			b[j] = s
		}
		for j := 1; j <= p; j++ {
			a.Set(j, j, a.At(j, j)+lambda)
		}
		a.Set(0, 0, a.At(0, 0)+1e-8)
		var inv mat.Dense
		if err := inv.Inverse(a); err != nil {
			break
		}
		next := make([]float64, p+1)
		var delta float64
		for j := 0; j <= p; j++ {
			var s float64
			for k := 0; k <= p; k++ {
				s += inv.At(j, k) * b[k]
			}
			next[j] = s
			delta += math.Abs(s - w[j])
		}
		w = next
		if delta < 1e-8 {
			break
		}
	}
	return w
}

// predictProba returns one row per sample with class probabilities in the
// model's class order. Classes absent from training get probability zero.
func (m *logisticOVR) predictProba(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		probs := make([]float64, len(m.classes))
		var sum float64
		for ci, coef := range m.coefs {
			if coef == nil {
				continue
			}
			e := coef[0]
			for j, v := range row {
				e += coef[j+1] * v
			}
			probs[ci] = 1 / (1 + math.Exp(-e))
			sum += probs[ci]
		}
		if sum > 0 {
			for ci := range probs {
				probs[ci] /= sum
			}
		}
		out[i] = probs
	}
	return out
}

func (m *logisticOVR) predict(x [][]float64) []string {
	proba := m.predictProba(x)
	out := make([]string, len(x))
	for i, probs := range proba {
		best := 0
		for ci := range probs {
			if probs[ci] > probs[best] {
				best = ci
			}
		}
		out[i] = m.classes[best]
	}
	return out
}

// meanAbsCoef returns each feature's mean absolute weight across the
// trained per-class models, the importance ranking reported for the
// logistic classifier.
func (m *logisticOVR) meanAbsCoef() []float64 {
	var p int
	for _, coef := range m.coefs {
		if coef != nil {
			p = len(coef) - 1
			break
		}
	}
	out := make([]float64, p)
	nTrained := 0
	for _, coef := range m.coefs {
		if coef == nil {
			continue
		}
		nTrained++
		for j := 0; j < p; j++ {
			out[j] += math.Abs(coef[j+1])
		}
	}
	if nTrained > 0 {
		for j := range out {
			out[j] /= float64(nTrained)
		}
	}
	return out
}
