package gbdt

import "math"

// Tree is a binary regression tree in LightGBM's array layout. Internal
// node i splits on SplitFeature[i]: rows with value <= Threshold[i] (or
// NaN) go to LeftChild[i]. A negative child c refers to leaf ^c.
type Tree struct {
	NumLeaves    int       `json:"num_leaves"`
	SplitFeature []int     `json:"split_feature"`
	Threshold    []float64 `json:"threshold"`
	ThresholdBin []int     `json:"threshold_bin"`
	SplitGain    []float64 `json:"split_gain"`
	LeftChild    []int     `json:"left_child"`
	RightChild   []int     `json:"right_child"`
	LeafValue    []float64 `json:"leaf_value"`
	LeafCount    []int     `json:"leaf_count"`

	leafParent []int
}

func newTree(maxLeaves int) *Tree {
	return &Tree{
		NumLeaves:  1,
		LeafValue:  make([]float64, 1, maxLeaves),
		LeafCount:  make([]int, 1, maxLeaves),
		leafParent: append(make([]int, 0, maxLeaves), -1),
	}
}

// split turns leaf into an internal node. The left child keeps the leaf
// index, the right child gets the next free one, which is returned.
func (t *Tree) split(leaf, feature, thrBin int, thr, gain float64, leftCount, rightCount int) int {
	node := len(t.SplitFeature)
	if parent := t.leafParent[leaf]; parent >= 0 {
		if t.LeftChild[parent] == ^leaf {
			t.LeftChild[parent] = node
		} else {
			t.RightChild[parent] = node
		}
	}

	right := t.NumLeaves
	t.SplitFeature = append(t.SplitFeature, feature)
	t.ThresholdBin = append(t.ThresholdBin, thrBin)
	t.Threshold = append(t.Threshold, thr)
	t.SplitGain = append(t.SplitGain, gain)
	t.LeftChild = append(t.LeftChild, ^leaf)
	t.RightChild = append(t.RightChild, ^right)

	t.leafParent[leaf] = node
	t.leafParent = append(t.leafParent, node)
	t.LeafCount[leaf] = leftCount
	t.LeafCount = append(t.LeafCount, rightCount)
	t.LeafValue = append(t.LeafValue, 0)
	t.NumLeaves++
	return right
}

// leafOf walks the tree; goLeft decides the branch at internal node i.
func (t *Tree) leafOf(goLeft func(node int) bool) int {
	if t.NumLeaves <= 1 {
		return 0
	}
	node := 0
	for node >= 0 {
		if goLeft(node) {
			node = t.LeftChild[node]
		} else {
			node = t.RightChild[node]
		}
	}
	return ^node
}

// Predict returns the output for one raw feature row.
func (t *Tree) Predict(row []float64) float64 {
	leaf := t.leafOf(func(n int) bool {
		v := row[t.SplitFeature[n]]
		return math.IsNaN(v) || v <= t.Threshold[n]
	})
	return t.LeafValue[leaf]
}

// predictBinned returns the output for row i of a dataset sharing the
// training bin mappers.
func (t *Tree) predictBinned(ds *Dataset, i int) float64 {
	leaf := t.leafOf(func(n int) bool {
		return int(ds.bins[t.SplitFeature[n]][i]) <= t.ThresholdBin[n]
	})
	return t.LeafValue[leaf]
}

// depth returns the maximum depth of the tree, 0 for a single leaf.
func (t *Tree) depth() int {
	if t.NumLeaves <= 1 {
		return 0
	}
	var walk func(node, d int) int
	walk = func(node, d int) int {
		if node < 0 {
			return d
		}
		return max(walk(t.LeftChild[node], d+1), walk(t.RightChild[node], d+1))
	}
	return walk(0, 0)
}
