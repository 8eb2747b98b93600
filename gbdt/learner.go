package gbdt

import (
	"math"
)

// splitInfo is the best split found for one leaf.
type splitInfo struct {
	feature    int
	bin        int
	gain       float64
	leftGrad   float64
	leftHess   float64
	leftCount  int
	rightGrad  float64
	rightHess  float64
	rightCount int
}

func (s splitInfo) valid() bool {
	return s.feature >= 0
}

// leafState is a leaf that may still be split.
type leafState struct {
	rows  []int
	grad  float64
	hess  float64
	depth int
	hist  histogram
	best  splitInfo
}

// treeLearner grows one tree per boosting round on a fixed dataset.
type treeLearner struct {
	ds      *Dataset
	params  Params
	workers int
}

func thresholdL1(g, l1 float64) float64 {
	r := math.Max(0, math.Abs(g)-l1)
	if g < 0 {
		return -r
	}
	return r
}

// leafGain is the loss reduction of a leaf with optimal output.
func (l *treeLearner) leafGain(g, h float64) float64 {
	sg := thresholdL1(g, l.params.LambdaL1)
	return sg * sg / (h + l.params.LambdaL2)
}

// leafOutput is the unshrunk optimal output of a leaf.
func (l *treeLearner) leafOutput(g, h float64) float64 {
	return -thresholdL1(g, l.params.LambdaL1) / (h + l.params.LambdaL2)
}

// findBestSplit scans the cumulative histogram of every sampled feature.
func (l *treeLearner) findBestSplit(leaf *leafState, features []int) splitInfo {
	best := splitInfo{feature: -1}
	p := l.params
	if p.MaxDepth > 0 && leaf.depth >= p.MaxDepth {
		return best
	}
	total := len(leaf.rows)
	if total < 2*max(p.MinDataInLeaf, 1) {
		return best
	}

	parentGain := l.leafGain(leaf.grad, leaf.hess)
	minGainShift := parentGain + p.MinGainToSplit
	for _, f := range features {
		stats := leaf.hist[f]
		if len(stats) < 2 {
			continue
		}
		var lg, lh float64
		lc := 0
		for b := 0; b < len(stats)-1; b++ {
			lg += stats[b].grad
			lh += stats[b].hess
			lc += stats[b].count
			if lc == 0 || lc < p.MinDataInLeaf || lh < p.MinSumHessianInLeaf {
				continue
			}
			rc := total - lc
			rg, rh := leaf.grad-lg, leaf.hess-lh
			if rc == 0 || rc < p.MinDataInLeaf || rh < p.MinSumHessianInLeaf {
				break
			}
			gain := l.leafGain(lg, lh) + l.leafGain(rg, rh)
			if gain <= minGainShift {
				continue
			}
			// Stored gain is the improvement over the unsplit leaf.
			if best.valid() && gain-parentGain <= best.gain {
				continue
			}
			best = splitInfo{
				feature: f, bin: b, gain: gain - parentGain,
				leftGrad: lg, leftHess: lh, leftCount: lc,
				rightGrad: rg, rightHess: rh, rightCount: rc,
			}
		}
	}
	return best
}

// grow builds one tree over rows. Leaf values already include shrinkage.
func (l *treeLearner) grow(rows []int, grad, hess []float64, features []int) *Tree {
	tree := newTree(l.params.NumLeaves)

	root := &leafState{rows: rows}
	for _, r := range rows {
		root.grad += grad[r]
		root.hess += hess[r]
	}
	root.hist = buildHistogram(l.ds, rows, grad, hess, features, l.workers)
	root.best = l.findBestSplit(root, features)
	leaves := []*leafState{root}

	for tree.NumLeaves < l.params.NumLeaves {
		bestLeaf := -1
		for i, leaf := range leaves {
			if !leaf.best.valid() {
				continue
			}
			if bestLeaf < 0 || leaf.best.gain > leaves[bestLeaf].best.gain {
				bestLeaf = i
			}
		}
		if bestLeaf < 0 {
			break
		}

		leaf := leaves[bestLeaf]
		s := leaf.best
		leftRows, rightRows := partition(leaf.rows, l.ds.bins[s.feature], s.bin)
		tree.split(bestLeaf, s.feature, s.bin, l.ds.mappers[s.feature].Threshold(s.bin),
			s.gain, len(leftRows), len(rightRows))

		left := &leafState{rows: leftRows, grad: s.leftGrad, hess: s.leftHess, depth: leaf.depth + 1}
		rightLeaf := &leafState{rows: rightRows, grad: s.rightGrad, hess: s.rightHess, depth: leaf.depth + 1}

		// Build the smaller child directly and derive its sibling.
		small, large := left, rightLeaf
		if len(rightRows) < len(leftRows) {
			small, large = rightLeaf, left
		}
		small.hist = buildHistogram(l.ds, small.rows, grad, hess, features, l.workers)
		large.hist = leaf.hist.subtract(small.hist, features)
		leaf.hist = nil

		left.best = l.findBestSplit(left, features)
		rightLeaf.best = l.findBestSplit(rightLeaf, features)

		leaves[bestLeaf] = left
		leaves = append(leaves, rightLeaf)
	}

	for i, leaf := range leaves {
		tree.LeafValue[i] = l.leafOutput(leaf.grad, leaf.hess) * l.params.LearningRate
		tree.LeafCount[i] = len(leaf.rows)
	}
	return tree
}

// partition splits rows by bin <= threshold, keeping their order.
func partition(rows []int, col []uint16, threshold int) (left, right []int) {
	left = make([]int, 0, len(rows))
	right = make([]int, 0, len(rows)/2)
	for _, r := range rows {
		if int(col[r]) <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return left, right
}
