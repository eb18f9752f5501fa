// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// combatResult carries the corrected matrix and per-feature bookkeeping.
type combatResult struct {
	Corrected *Matrix
	// Features whose pooled variance was zero; they are passed through
	// unchanged.
	NConstant int
}

// combat applies parametric empirical-Bayes batch correction (Johnson et
// al. 2007) to a features x samples matrix. batches assigns each sample
// column to a batch; covariates assigns each sample a biological group
// label that must survive correction. Batch location and scale effects are
// shrunk toward their across-feature priors, then removed.
func combat(m *Matrix, batches, covariates []string) (*combatResult, error) {
	n := len(m.Samples)
	g := len(m.Features)
	if len(batches) != n || len(covariates) != n {
		return nil, fmt.Errorf("combat: %d samples but %d batch and %d covariate labels", n, len(batches), len(covariates))
	}
	batchNames := uniqueInOrder(batches)
	if len(batchNames) < 2 {
		return nil, fmt.Errorf("combat: need at least 2 batches, got %d", len(batchNames))
	}
	for _, b := range batchNames {
		count := 0
		for _, x := range batches {
			if x == b {
				count++
			}
		}
		if count < 2 {
			return nil, fmt.Errorf("combat: batch %q has %d samples, need at least 2", b, count)
		}
	}
	covNames := uniqueInOrder(covariates)

	// Design: full batch one-hot block plus covariate indicators with the
	// first level as reference.
	nBatch := len(batchNames)
	nCov := len(covNames) - 1
	p := nBatch + nCov
	if p >= n {
		return nil, fmt.Errorf("combat: design has %d columns for %d samples", p, n)
	}
	batchIdx := map[string]int{}
	for i, b := range batchNames {
		batchIdx[b] = i
	}
	covIdx := map[string]int{}
	for i, cv := range covNames {
		covIdx[cv] = i
	}
	design := mat.NewDense(n, p, nil)
	for j := 0; j < n; j++ {
		design.Set(j, batchIdx[batches[j]], 1)
		if ci := covIdx[covariates[j]]; ci > 0 {
			design.Set(j, nBatch+ci-1, 1)
		}
	}

	// Least squares via ridge-stabilized normal equations.
	var xtx mat.Dense
	xtx.Mul(design.T(), design)
	for i := 0; i < p; i++ {
		xtx.Set(i, i, xtx.At(i, i)+1e-8)
	}
	var inv mat.Dense
	if err := inv.Inverse(&xtx); err != nil {
		return nil, fmt.Errorf("combat: design matrix is singular: %w", err)
	}
	var hat mat.Dense // p x n
	hat.Mul(&inv, design.T())

	y := mat.NewDense(n, g, nil) // samples x features
	for i := 0; i < g; i++ {
		for j := 0; j < n; j++ {
			y.Set(j, i, m.At(i, j))
		}
	}
	var coef mat.Dense // p x g
	coef.Mul(&hat, y)
	var fitted mat.Dense // n x g
	fitted.Mul(design, &coef)

	// Pooled residual variance and batch-size-weighted grand mean.
	batchFrac := make([]float64, nBatch)
	for _, b := range batches {
		batchFrac[batchIdx[b]] += 1 / float64(n)
	}
	varPooled := make([]float64, g)
	grandMean := make([]float64, g)
	for i := 0; i < g; i++ {
		var ss float64
		for j := 0; j < n; j++ {
			r := y.At(j, i) - fitted.At(j, i)
			ss += r * r
		}
		varPooled[i] = ss / float64(n)
		for b := 0; b < nBatch; b++ {
			grandMean[i] += batchFrac[b] * coef.At(b, i)
		}
	}

	// Standardize, leaving constant features untouched.
	constant := make([]bool, g)
	nConstant := 0
	z := mat.NewDense(n, g, nil)
	standMean := mat.NewDense(n, g, nil)
	for i := 0; i < g; i++ {
		if varPooled[i] <= 1e-12 {
			constant[i] = true
			nConstant++
			continue
		}
		sd := math.Sqrt(varPooled[i])
		for j := 0; j < n; j++ {
			sm := grandMean[i]
			for c := 0; c < nCov; c++ {
				sm += design.At(j, nBatch+c) * coef.At(nBatch+c, i)
			}
			standMean.Set(j, i, sm)
			z.Set(j, i, (y.At(j, i)-sm)/sd)
		}
	}

	out := NewMatrix(m.Features, m.Samples)
	copy(out.Data, m.Data)
	for b := 0; b < nBatch; b++ {
		var cols []int
		for j, x := range batches {
			if batchIdx[x] == b {
				cols = append(cols, j)
			}
		}
		nb := float64(len(cols))

		gammaHat := make([]float64, g)
		deltaHat := make([]float64, g)
		for i := 0; i < g; i++ {
			if constant[i] {
				deltaHat[i] = 1
				continue
			}
			var mean float64
			for _, j := range cols {
				mean += z.At(j, i)
			}
			mean /= nb
			gammaHat[i] = mean
			var ss float64
			for _, j := range cols {
				d := z.At(j, i) - mean
				ss += d * d
			}
			deltaHat[i] = ss / (nb - 1)
			if deltaHat[i] <= 0 {
				deltaHat[i] = 1e-8
			}
		}

		gammaStar, deltaStar := ebShrink(gammaHat, deltaHat, constant, nb)

		for i := 0; i < g; i++ {
			if constant[i] {
				continue
			}
			sd := math.Sqrt(varPooled[i])
			denom := math.Sqrt(deltaStar[i])
			for _, j := range cols {
				adj := (z.At(j, i) - gammaStar[i]) / denom
				out.Set(i, j, adj*sd+standMean.At(j, i))
			}
		}
	}
	return &combatResult{Corrected: out, NConstant: nConstant}, nil
}

// ebShrink iterates the empirical-Bayes posterior solution for one batch's
// location (gamma) and scale (delta) effects, shrinking per-feature
// estimates toward the across-feature prior.
func ebShrink(gammaHat, deltaHat []float64, constant []bool, nb float64) (gammaStar, deltaStar []float64) {
	var gs, ds []float64
	for i := range gammaHat {
		if !constant[i] {
			gs = append(gs, gammaHat[i])
			ds = append(ds, deltaHat[i])
		}
	}
	gammaBar := stat.Mean(gs, nil)
	t2 := stat.Variance(gs, nil)
	dMean := stat.Mean(ds, nil)
	dVar := stat.Variance(ds, nil)
	if t2 <= 0 {
		t2 = 1e-8
	}
	if dVar <= 0 {
		dVar = 1e-8
	}
	// Inverse-gamma hyperpriors by method of moments.
	aPrior := (2*dVar + dMean*dMean) / dVar
	bPrior := (dMean*dVar + dMean*dMean*dMean) / dVar

	gammaStar = make([]float64, len(gammaHat))
	deltaStar = make([]float64, len(deltaHat))
	for i := range gammaHat {
		if constant[i] {
			deltaStar[i] = 1
			continue
		}
		gOld := gammaHat[i]
		dOld := deltaHat[i]
		for iter := 0; iter < 100; iter++ {
			gNew := (t2*nb*gammaHat[i] + dOld*gammaBar) / (t2*nb + dOld)
			// Posterior scale uses the sum of squares around the
			// current location estimate: nb*deltaHat approximates
			// sum (z - gammaHat)^2, re-centered on gNew.
			sum2 := (nb-1)*deltaHat[i] + nb*(gammaHat[i]-gNew)*(gammaHat[i]-gNew)
			dNew := (0.5*sum2 + bPrior) / (nb/2 + aPrior - 1)
			if math.Abs(gNew-gOld)+math.Abs(dNew-dOld) < 1e-6 {
				gOld, dOld = gNew, dNew
				break
			}
			gOld, dOld = gNew, dNew
		}
		gammaStar[i] = gOld
		deltaStar[i] = dOld
		if deltaStar[i] <= 0 {
			deltaStar[i] = 1e-8
		}
	}
	return gammaStar, deltaStar
}

func uniqueInOrder(xs []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}
