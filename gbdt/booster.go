package gbdt

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/expkit/core/parallel"
	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// Booster is a trained ensemble of regression trees.
type Booster struct {
	params    Params
	objective Objective
	initScore float64
	trees     []*Tree

	// bestIteration is 1-based; 0 means "use every tree".
	bestIteration int
	bestScore     map[string]map[string]float64
	history       EvalHistory

	numFeatures  int
	featureNames []string
}

type predictConfig struct {
	raw          bool
	numIteration *int
}

// PredictOption configures Booster.Predict.
type PredictOption func(*predictConfig)

// WithRawScore returns untransformed scores (log-odds for binary).
func WithRawScore() PredictOption {
	return func(c *predictConfig) { c.raw = true }
}

// WithNumIteration limits prediction to the first n trees. n <= 0 uses
// every tree, ignoring the best iteration.
func WithNumIteration(n int) PredictOption {
	return func(c *predictConfig) { c.numIteration = &n }
}

// minRowsPerWorker keeps small prediction batches sequential.
const minRowsPerWorker = 1024

// Predict scores every row of X. By default only the trees up to the best
// iteration are used.
func (b *Booster) Predict(X mat.Matrix, opts ...PredictOption) (_ *mat.VecDense, err error) {
	defer errors.Recover(&err, "gbdt.Booster.Predict")

	var cfg predictConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	rows, cols := X.Dims()
	if cols != b.numFeatures {
		return nil, errors.NewDimensionError("gbdt.Booster.Predict", b.numFeatures, cols, 1)
	}
	if rows == 0 {
		return nil, errors.WithStack(errors.ErrEmptyData)
	}

	trees := b.trees[:b.usedTrees(cfg.numIteration)]
	out := mat.NewVecDense(rows, nil)
	parallel.ParallelizeWithThreshold(rows, minRowsPerWorker, b.params.NumThreads, func(start, end int) {
		row := make([]float64, cols)
		for i := start; i < end; i++ {
			mat.Row(row, i, X)
			s := b.initScore
			for _, t := range trees {
				s += t.Predict(row)
			}
			if !cfg.raw {
				s = b.objective.Transform(s)
			}
			out.SetVec(i, s)
		}
	})
	return out, nil
}

func (b *Booster) usedTrees(numIteration *int) int {
	n := len(b.trees)
	switch {
	case numIteration != nil && *numIteration > 0:
		return min(*numIteration, n)
	case numIteration != nil:
		return n
	case b.bestIteration > 0:
		return min(b.bestIteration, n)
	}
	return n
}

// BestIteration is the 1-based iteration chosen by early stopping, or 0.
func (b *Booster) BestIteration() int { return b.bestIteration }

// BestScore returns metric values at the best iteration (the last one
// when early stopping did not trigger), by dataset then metric.
func (b *Booster) BestScore() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(b.bestScore))
	for data, byMetric := range b.bestScore {
		m := make(map[string]float64, len(byMetric))
		for k, v := range byMetric {
			m[k] = v
		}
		out[data] = m
	}
	return out
}

// EvalHistory returns a copy of every recorded evaluation.
func (b *Booster) EvalHistory() EvalHistory { return b.history.clone() }

// NumTrees returns the number of trees, including those past the best iteration.
func (b *Booster) NumTrees() int { return len(b.trees) }

// NumFeatures returns the number of input columns.
func (b *Booster) NumFeatures() int { return b.numFeatures }

// FeatureNames returns the input column names.
func (b *Booster) FeatureNames() []string { return b.featureNames }

// Params returns the parameters the booster was trained with.
func (b *Booster) Params() Params { return b.params }

// InitScore is the constant the raw score starts from.
func (b *Booster) InitScore() float64 { return b.initScore }

// Trees returns the trees of the ensemble.
func (b *Booster) Trees() []*Tree { return b.trees }

// ImportanceType selects what FeatureImportance counts.
type ImportanceType int

const (
	// ImportanceSplit counts how often a feature is used to split.
	ImportanceSplit ImportanceType = iota
	// ImportanceGain sums the gains of splits on a feature.
	ImportanceGain
)

// FeatureImportance returns one value per feature over the trees up to
// the best iteration.
func (b *Booster) FeatureImportance(kind ImportanceType) []float64 {
	imp := make([]float64, b.numFeatures)
	for _, t := range b.trees[:b.usedTrees(nil)] {
		for i, f := range t.SplitFeature {
			if kind == ImportanceGain {
				imp[f] += t.SplitGain[i]
			} else {
				imp[f]++
			}
		}
	}
	return imp
}
