// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"math"
	"sort"

	"golang.org/x/exp/rand"
)

// Random forest classifier used as a stress test alongside the logistic
// model. Trees are grown from a seed derived from the run configuration so
// two runs over the same inputs produce identical forests.

type forestConfig struct {
	NTrees   int
	MaxDepth int
	MinLeaf  int
	Seed     uint64
}

func defaultForestConfig(seed int64) forestConfig {
	return forestConfig{NTrees: 100, MaxDepth: 10, MinLeaf: 1, Seed: uint64(seed)}
}

type treeNode struct {
	feature     int
	threshold   float64
	left, right *treeNode
	// class counts at leaves, nil for internal nodes
	counts []float64
}

type randomForest struct {
	classes     []string
	trees       []*treeNode
	importances []float64
}

// trainForest grows cfg.NTrees bootstrap trees with sqrt(p) feature
// subsampling and gini splitting. Feature importances are mean impurity
// decrease, normalized to sum to one.
func trainForest(x [][]float64, labels []string, classes []string, cfg forestConfig) *randomForest {
	n := len(x)
	p := len(x[0])
	classIdx := map[string]int{}
	for i, c := range classes {
		classIdx[c] = i
	}
	y := make([]int, n)
	for i, l := range labels {
		y[i] = classIdx[l]
	}
	mtry := int(math.Ceil(math.Sqrt(float64(p))))

	rf := &randomForest{classes: classes, importances: make([]float64, p)}
	for t := 0; t < cfg.NTrees; t++ {
		rng := rand.New(rand.NewSource(cfg.Seed + uint64(t)*7919))
		idx := make([]int, n)
		for i := range idx {
			idx[i] = rng.Intn(n)
		}
		g := &grower{
			x: x, y: y, nClasses: len(classes), mtry: mtry,
			maxDepth: cfg.MaxDepth, minLeaf: cfg.MinLeaf,
			rng: rng, nTotal: float64(len(idx)),
			importances: rf.importances,
		}
		rf.trees = append(rf.trees, g.grow(idx, 0))
	}
	var total float64
	for _, v := range rf.importances {
		total += v
	}
	if total > 0 {
		for i := range rf.importances {
			rf.importances[i] /= total
		}
	}
	return rf
}

type grower struct {
	x           [][]float64
	y           []int
	nClasses    int
	mtry        int
	maxDepth    int
	minLeaf     int
	rng         *rand.Rand
	nTotal      float64
	importances []float64
}

func (g *grower) classCounts(idx []int) []float64 {
	counts := make([]float64, g.nClasses)
	for _, i := range idx {
		counts[g.y[i]]++
	}
	return counts
}

func gini(counts []float64, n float64) float64 {
	if n == 0 {
		return 0
	}
	imp := 1.0
	for _, c := range counts {
		f := c / n
		imp -= f * f
	}
	return imp
}

func (g *grower) grow(idx []int, depth int) *treeNode {
	counts := g.classCounts(idx)
	n := float64(len(idx))
	nodeGini := gini(counts, n)
	if depth >= g.maxDepth || nodeGini == 0 || len(idx) < 2*g.minLeaf {
		return &treeNode{counts: counts}
	}

	bestGain := 0.0
	bestFeature := -1
	var bestThreshold float64
	features := g.rng.Perm(len(g.x[0]))[:g.mtry]
	sort.Ints(features) // stable candidate order regardless of Perm internals
	sorted := make([]int, len(idx))
	left := make([]float64, g.nClasses)
	for _, f := range features {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, b int) bool {
			return g.x[sorted[a]][f] < g.x[sorted[b]][f]
		})
		for i := range left {
			left[i] = 0
		}
		for i := 0; i < len(sorted)-1; i++ {
			left[g.y[sorted[i]]]++
			v, next := g.x[sorted[i]][f], g.x[sorted[i+1]][f]
			if v == next {
				continue
			}
			nl := float64(i + 1)
			nr := n - nl
			if int(nl) < g.minLeaf || int(nr) < g.minLeaf {
				continue
			}
			right := make([]float64, g.nClasses)
			for c := range right {
				right[c] = counts[c] - left[c]
			}
			gain := nodeGini - nl/n*gini(left, nl) - nr/n*gini(right, nr)
			if gain > bestGain+1e-12 {
				bestGain = gain
				bestFeature = f
				bestThreshold = (v + next) / 2
			}
		}
	}
	if bestFeature < 0 {
		return &treeNode{counts: counts}
	}
	g.importances[bestFeature] += n / g.nTotal * bestGain

	var lIdx, rIdx []int
	for _, i := range idx {
		if g.x[i][bestFeature] <= bestThreshold {
			lIdx = append(lIdx, i)
		} else {
			rIdx = append(rIdx, i)
		}
	}
	if len(lIdx) == 0 || len(rIdx) == 0 {
		return &treeNode{counts: counts}
	}
	return &treeNode{
		feature:   bestFeature,
		threshold: bestThreshold,
		left:      g.grow(lIdx, depth+1),
		right:     g.grow(rIdx, depth+1),
	}
}

func (t *treeNode) classProbs(row []float64) []float64 {
	for t.counts == nil {
		if row[t.feature] <= t.threshold {
			t = t.left
		} else {
			t = t.right
		}
	}
	probs := make([]float64, len(t.counts))
	var n float64
	for _, c := range t.counts {
		n += c
	}
	if n > 0 {
		for i, c := range t.counts {
			probs[i] = c / n
		}
	}
	return probs
}

// predictProba averages the leaf class distributions across trees.
func (rf *randomForest) predictProba(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		probs := make([]float64, len(rf.classes))
		for _, tree := range rf.trees {
			for c, v := range tree.classProbs(row) {
				probs[c] += v
			}
		}
		for c := range probs {
			probs[c] /= float64(len(rf.trees))
		}
		out[i] = probs
	}
	return out
}

func (rf *randomForest) predict(x [][]float64) []string {
	proba := rf.predictProba(x)
	out := make([]string, len(x))
	for i, probs := range proba {
		best := 0
		for c := range probs {
			if probs[c] > probs[best] {
				best = c
			}
		}
		out[i] = rf.classes[best]
	}
	return out
}
