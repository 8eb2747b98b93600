package trainer

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/expkit/gbdt"
	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
)

func regressionData(n int, seed uint64) (*mat.Dense, *mat.VecDense) {
	rng := rand.New(rand.NewPCG(seed, seed))
	X := mat.NewDense(n, 2, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		a, b := rng.Float64(), rng.Float64()
		X.Set(i, 0, a)
		X.Set(i, 1, b)
		y.SetVec(i, 3*a-b)
	}
	return X, y
}

func newTestTrainer(params map[string]any, opts ...Option) (*Trainer, *log.TestLogger) {
	logger, _ := log.NewTestLogger(log.LevelInfo)
	quiet, _ := log.NewTestLogger(log.LevelError)
	opts = append([]Option{
		WithLogger(logger),
		WithRandomState(42),
		WithTrainOptions(gbdt.WithLogger(quiet)),
	}, opts...)
	return New(params, opts...), logger
}

func TestEvaluateWithoutSplits(t *testing.T) {
	tr, _ := newTestTrainer(map[string]any{"num_iterations": 5})

	X := mat.NewDense(40, 1, nil)
	y := mat.NewVecDense(40, nil)
	for i := 0; i < 40; i++ {
		X.Set(i, 0, 3)
		y.SetVec(i, float64(i%2))
	}
	require.NoError(t, tr.Preprocessing(X, y))
	require.NoError(t, tr.Train())
	assert.Zero(t, tr.Booster().NumTrees())

	scores, err := tr.Evaluate()
	require.NoError(t, err)
	assert.Contains(t, scores, "l2")
}

func TestTrainerWorkflow(t *testing.T) {
	tr, logger := newTestTrainer(map[string]any{
		"objective":        "regression",
		"num_iterations":   80,
		"num_leaves":       15,
		"min_data_in_leaf": 5,
		"metric":           []string{"l2", "l1"},
	})
	assert.Equal(t, StageConstructed, tr.Stage())

	X, y := regressionData(400, 1)
	require.NoError(t, tr.Preprocessing(X, y))
	assert.Equal(t, StagePreprocessed, tr.Stage())

	Xv, yv := tr.Validation()
	rows, _ := Xv.Dims()
	assert.Equal(t, 100, rows, "default split holds out a quarter")
	assert.Equal(t, 100, yv.Len())

	require.NoError(t, tr.Train())
	assert.Equal(t, StageTrained, tr.Stage())
	require.NotNil(t, tr.Booster())

	scores, err := tr.Evaluate()
	require.NoError(t, err)
	// Labels span roughly [-1, 3] with variance 10/12.
	assert.Less(t, scores["l2"], 0.1*10.0/12.0)
	assert.Contains(t, scores, "l1")

	Xt, _ := regressionData(10, 2)
	pred, err := tr.Predict(Xt)
	require.NoError(t, err)
	assert.Equal(t, 10, pred.Len())

	assert.True(t, logger.ContainsMessage("Data preprocessed"))
	assert.True(t, logger.ContainsMessage("Model trained"))
	assert.True(t, logger.ContainsField(log.StageKey, "trained"))
}

func TestTrainerEnforcesStageOrder(t *testing.T) {
	tr, _ := newTestTrainer(nil)
	X, _ := regressionData(5, 1)

	_, err := tr.Predict(X)
	var stateErr *errors.InvalidStateError
	require.True(t, errors.As(err, &stateErr), "predict before train: %v", err)
	assert.Equal(t, "Predict", stateErr.Op)
	assert.Equal(t, "constructed", stateErr.State)

	err = tr.Train()
	require.True(t, errors.As(err, &stateErr), "train before preprocessing: %v", err)
	assert.Equal(t, []string{"preprocessed", "trained"}, stateErr.Allowed)

	_, err = tr.Evaluate()
	assert.True(t, errors.As(err, &stateErr))
}

func TestTrainerPredictBeforeTrainAfterPreprocessing(t *testing.T) {
	tr, _ := newTestTrainer(nil)
	X, y := regressionData(40, 3)
	require.NoError(t, tr.Preprocessing(X, y))

	pred, err := tr.Predict(X)
	assert.Nil(t, pred)
	var stateErr *errors.InvalidStateError
	assert.True(t, errors.As(err, &stateErr))
}

func TestTrainerRejectsMismatchedLengths(t *testing.T) {
	tr, _ := newTestTrainer(nil)
	X, _ := regressionData(10, 1)

	err := tr.Preprocessing(X, mat.NewVecDense(9, nil))
	var dimErr *errors.DimensionError
	assert.True(t, errors.As(err, &dimErr), "got %v", err)
	assert.Equal(t, StageConstructed, tr.Stage())
}

func TestTrainerInvalidHyperparameters(t *testing.T) {
	tr, _ := newTestTrainer(map[string]any{"num_leaves": 1})
	X, y := regressionData(40, 1)
	require.NoError(t, tr.Preprocessing(X, y))

	err := tr.Train()
	var valErr *errors.ValidationError
	assert.True(t, errors.As(err, &valErr), "got %v", err)
	assert.Equal(t, StagePreprocessed, tr.Stage())
}

func TestTrainerPredictFeatureMismatch(t *testing.T) {
	tr, _ := newTestTrainer(map[string]any{"num_iterations": 3})
	X, y := regressionData(60, 1)
	require.NoError(t, tr.Preprocessing(X, y))
	require.NoError(t, tr.Train())

	_, err := tr.Predict(mat.NewDense(2, 3, nil))
	var dimErr *errors.DimensionError
	assert.True(t, errors.As(err, &dimErr), "got %v", err)
}

func TestTrainerForwardsCallbacks(t *testing.T) {
	var iterations int
	tr, _ := newTestTrainer(map[string]any{"num_iterations": 6},
		WithTrainOptions(gbdt.WithCallback(gbdt.CallbackFunc(func(env *gbdt.CallbackEnv) error {
			iterations++
			return nil
		}))))
	X, y := regressionData(80, 1)
	require.NoError(t, tr.Preprocessing(X, y))
	require.NoError(t, tr.Train())

	assert.Equal(t, 6, iterations)
}

func TestTrainerParamsAreCopied(t *testing.T) {
	params := map[string]any{"num_leaves": 7}
	tr := New(params)
	params["num_leaves"] = 99

	assert.Equal(t, 7, tr.Params()["num_leaves"])
}
