// Package model_selection provides data splitting utilities with
// scikit-learn defaults.
package model_selection

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// DefaultTestSize is the fraction of samples held out when no test size is given.
const DefaultTestSize = 0.25

type splitConfig struct {
	testSize    float64
	shuffle     bool
	randomState *uint64
}

// SplitOption configures TrainTestSplit.
type SplitOption func(*splitConfig)

// WithTestSize sets the held-out fraction, in (0, 1).
func WithTestSize(size float64) SplitOption {
	return func(c *splitConfig) { c.testSize = size }
}

// WithShuffle toggles shuffling before the split. Without shuffling the
// last rows become the test partition.
func WithShuffle(shuffle bool) SplitOption {
	return func(c *splitConfig) { c.shuffle = shuffle }
}

// WithRandomState fixes the shuffle seed.
func WithRandomState(seed uint64) SplitOption {
	return func(c *splitConfig) { c.randomState = &seed }
}

// Split holds the four partitions returned by TrainTestSplit together with
// the row indices they were drawn from.
type Split struct {
	XTrain, XTest *mat.Dense
	YTrain, YTest *mat.VecDense

	TrainIndices []int
	TestIndices  []int
}

// SplitIndices returns shuffled train and test row indices for n samples.
// The test side gets ceil(testSize*n) rows.
func SplitIndices(n int, opts ...SplitOption) (train, test []int, err error) {
	cfg := splitConfig{testSize: DefaultTestSize, shuffle: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !(cfg.testSize > 0 && cfg.testSize < 1) {
		return nil, nil, errors.NewValidationError("test_size", "must be in (0, 1)", cfg.testSize)
	}
	nTest := int(math.Ceil(cfg.testSize * float64(n)))
	nTrain := n - nTest
	if nTest == 0 || nTrain <= 0 {
		return nil, nil, errors.NewValueError("TrainTestSplit",
			"with n_samples and test_size the resulting train set would be empty")
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	if cfg.shuffle {
		seed := rand.Uint64()
		if cfg.randomState != nil {
			seed = *cfg.randomState
		}
		rng := rand.New(rand.NewPCG(seed, seed))
		rng.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	}

	return perm[:nTrain], perm[nTrain:], nil
}

// TrainTestSplit splits X and y into random train and test partitions.
// y is a vector or an n×1 matrix.
func TrainTestSplit(X, y mat.Matrix, opts ...SplitOption) (*Split, error) {
	n, _ := X.Dims()
	yRows, yCols := y.Dims()
	if yRows != n {
		return nil, errors.NewDimensionError("TrainTestSplit", n, yRows, 0)
	}
	if yCols != 1 {
		return nil, errors.NewDimensionError("TrainTestSplit", 1, yCols, 1)
	}

	train, test, err := SplitIndices(n, opts...)
	if err != nil {
		return nil, err
	}

	return &Split{
		XTrain:       TakeRows(X, train),
		XTest:        TakeRows(X, test),
		YTrain:       takeVec(y, train),
		YTest:        takeVec(y, test),
		TrainIndices: train,
		TestIndices:  test,
	}, nil
}

// TakeRows copies the given rows of m into a new matrix.
func TakeRows(m mat.Matrix, rows []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(r, j))
		}
	}
	return out
}

func takeVec(m mat.Matrix, rows []int) *mat.VecDense {
	out := mat.NewVecDense(len(rows), nil)
	for i, r := range rows {
		out.SetVec(i, m.At(r, 0))
	}
	return out
}
