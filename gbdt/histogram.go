package gbdt

import (
	"github.com/YuminosukeSato/expkit/core/parallel"
)

// binStat accumulates gradient statistics of one bin.
type binStat struct {
	grad  float64
	hess  float64
	count int
}

// histogram is indexed by feature, then bin. Features that are not
// sampled for the current tree stay nil.
type histogram [][]binStat

// minRowsForParallel keeps small leaves on the calling goroutine.
const minRowsForParallel = 2048

// buildHistogram accumulates grad/hess over rows for every listed feature.
// Each worker owns a disjoint slice of features.
func buildHistogram(ds *Dataset, rows []int, grad, hess []float64, features []int, workers int) histogram {
	h := make(histogram, ds.numFeatures)
	fill := func(start, end int) {
		for _, f := range features[start:end] {
			stats := make([]binStat, ds.mappers[f].NumBins())
			col := ds.bins[f]
			for _, r := range rows {
				s := &stats[col[r]]
				s.grad += grad[r]
				s.hess += hess[r]
				s.count++
			}
			h[f] = stats
		}
	}
	if len(rows) < minRowsForParallel {
		fill(0, len(features))
	} else {
		parallel.ParallelizeN(len(features), workers, fill)
	}
	return h
}

// subtract returns parent - child for the listed features, the histogram
// of the sibling leaf.
func (h histogram) subtract(child histogram, features []int) histogram {
	out := make(histogram, len(h))
	for _, f := range features {
		p, c := h[f], child[f]
		stats := make([]binStat, len(p))
		for b := range p {
			stats[b] = binStat{
				grad:  p[b].grad - c[b].grad,
				hess:  p[b].hess - c[b].hess,
				count: p[b].count - c[b].count,
			}
		}
		out[f] = stats
	}
	return out
}
