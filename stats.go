// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// rankMid returns 1-based ranks with ties assigned their midrank, the
// convention the rank-sum AUC needs.
func rankMid(v []float64) []float64 {
	n := len(v)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return v[order[a]] < v[order[b]] })
	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && v[order[j+1]] == v[order[i]] {
			j++
		}
		mid := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = mid
		}
		i = j + 1
	}
	return ranks
}

// aucRankSum computes the Mann-Whitney AUC of values for separating
// target samples from the rest. 0.5 means no discrimination. Returns NaN
// when either group is empty.
func aucRankSum(values []float64, target []bool) float64 {
	var n1, n2 int
	for _, t := range target {
		if t {
			n1++
		} else {
			n2++
		}
	}
	if n1 == 0 || n2 == 0 {
		return math.NaN()
	}
	ranks := rankMid(values)
	var sum float64
	for i, t := range target {
		if t {
			sum += ranks[i]
		}
	}
	u := sum - float64(n1)*float64(n1+1)/2
	return u / (float64(n1) * float64(n2))
}

// bhAdjust applies the Benjamini-Hochberg step-up correction. Adjusted
// values are >= the raw values and preserve their rank order.
func bhAdjust(p []float64) []float64 {
	n := len(p)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return p[order[a]] > p[order[b]] })
	adj := make([]float64, n)
	minSoFar := 1.0
	for rank, idx := range order {
		q := p[idx] * float64(n) / float64(n-rank)
		if q < minSoFar {
			minSoFar = q
		}
		adj[idx] = minSoFar
	}
	return adj
}

// silhouetteScore computes the mean silhouette of points (rows of coords)
// grouped by labels, using Euclidean distance. Singleton clusters
// contribute 0. The second return is false when the score is undefined
// (fewer than 2 points or fewer than 2 distinct labels).
func silhouetteScore(coords [][]float64, labels []string) (float64, bool) {
	n := len(coords)
	if n < 2 || len(labels) != n {
		return 0, false
	}
	groups := map[string][]int{}
	for i, l := range labels {
		groups[l] = append(groups[l], i)
	}
	if len(groups) < 2 {
		return 0, false
	}
	dist := func(a, b []float64) float64 {
		var sum float64
		for k := range a {
			d := a[k] - b[k]
			sum += d * d
		}
		return math.Sqrt(sum)
	}
	var total float64
	for i := range coords {
		own := groups[labels[i]]
		var a float64
		if len(own) > 1 {
			for _, j := range own {
				if j != i {
					a += dist(coords[i], coords[j])
				}
			}
			a /= float64(len(own) - 1)
		} else {
			// Singleton cluster: silhouette is defined as 0.
			continue
		}
		b := math.Inf(1)
		for label, members := range groups {
			if label == labels[i] {
				continue
			}
			var d float64
			for _, j := range members {
				d += dist(coords[i], coords[j])
			}
			d /= float64(len(members))
			if d < b {
				b = d
			}
		}
		if m := math.Max(a, b); m > 0 {
			total += (b - a) / m
		}
	}
	return total / float64(n), true
}

// popStdDev is the population standard deviation (divisor n, not n-1).
// Returns 0 for an empty slice.
func popStdDev(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	m := stat.Mean(v, nil)
	var sumSq float64
	for _, x := range v {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(v)))
}

// groupR2 is the fraction of a vector's variance explained by a
// categorical grouping (1 - SS_within/SS_total).
func groupR2(v []float64, labels []string) float64 {
	grand := stat.Mean(v, nil)
	groups := map[string][]float64{}
	for i, l := range labels {
		groups[l] = append(groups[l], v[i])
	}
	var ssTot, ssWithin float64
	for _, x := range v {
		d := x - grand
		ssTot += d * d
	}
	if ssTot == 0 {
		return 0
	}
	for _, vals := range groups {
		m := stat.Mean(vals, nil)
		for _, x := range vals {
			d := x - m
			ssWithin += d * d
		}
	}
	return 1 - ssWithin/ssTot
}

// trigamma is the second derivative of log Gamma, via the recurrence for
// small arguments and the asymptotic series for large ones.
func trigamma(x float64) float64 {
	var acc float64
	for x < 6 {
		acc += 1 / (x * x)
		x++
	}
	inv := 1 / x
	inv2 := inv * inv
	// 1/x + 1/2x^2 + sum of Bernoulli terms.
	s := inv + inv2/2 + inv2*inv*(1.0/6) - inv2*inv2*inv*(1.0/30) +
		inv2*inv2*inv2*inv*(1.0/42) - inv2*inv2*inv2*inv2*inv*(1.0/30)
	return s + acc
}

// trigammaInverse solves trigamma(x) = y by bisection; trigamma is
// strictly decreasing on (0, inf).
func trigammaInverse(y float64) float64 {
	if y <= 0 {
		return math.Inf(1)
	}
	lo, hi := 1e-8, 1e8
	for i := 0; i < 200; i++ {
		mid := math.Sqrt(lo * hi) // log-scale bisection
		if trigamma(mid) > y {
			lo = mid
		} else {
			hi = mid
		}
		if hi/lo < 1+1e-12 {
			break
		}
	}
	return math.Sqrt(lo * hi)
}
