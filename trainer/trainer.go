// Package trainer runs one supervised gradient-boosting workflow for one
// set of hyperparameters: split, bin, fit, predict.
//
//	tr := trainer.New(map[string]any{"objective": "regression", "num_leaves": 15})
//	if err := tr.Preprocessing(X, y); err != nil { ... }
//	if err := tr.Train(); err != nil { ... }
//	pred, err := tr.Predict(XTest)
//
// The stage order constructed -> preprocessed -> trained is enforced; an
// out-of-order call returns an InvalidStateError.
package trainer

import (
	"maps"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/expkit/core/state"
	"github.com/YuminosukeSato/expkit/gbdt"
	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
	"github.com/YuminosukeSato/expkit/sklearn/model_selection"
)

// Stage is the lifecycle stage of a Trainer.
type Stage int

const (
	StageConstructed Stage = iota
	StagePreprocessed
	StageTrained
)

func (s Stage) String() string {
	switch s {
	case StageConstructed:
		return "constructed"
	case StagePreprocessed:
		return "preprocessed"
	case StageTrained:
		return "trained"
	default:
		return "unknown"
	}
}

// ValidName is the name the validation partition is evaluated under.
const ValidName = "valid_0"

// Trainer holds hyperparameters, the split datasets and the fitted booster.
type Trainer struct {
	params       map[string]any
	splitOpts    []model_selection.SplitOption
	trainOpts    []gbdt.TrainOption
	featureNames []string
	logger       log.Logger

	state *state.Tracker[Stage]

	split    *model_selection.Split
	trainSet *gbdt.Dataset
	validSet *gbdt.Dataset
	booster  *gbdt.Booster
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithTestSize sets the validation fraction (default 0.25).
func WithTestSize(size float64) Option {
	return func(t *Trainer) { t.splitOpts = append(t.splitOpts, model_selection.WithTestSize(size)) }
}

// WithRandomState fixes the split seed.
func WithRandomState(seed uint64) Option {
	return func(t *Trainer) { t.splitOpts = append(t.splitOpts, model_selection.WithRandomState(seed)) }
}

// WithTrainOptions forwards options, such as callbacks, to gbdt.Train.
func WithTrainOptions(opts ...gbdt.TrainOption) Option {
	return func(t *Trainer) { t.trainOpts = append(t.trainOpts, opts...) }
}

// WithFeatureNames names the columns of X.
func WithFeatureNames(names ...string) Option {
	return func(t *Trainer) { t.featureNames = names }
}

// WithLogger replaces the package logger.
func WithLogger(l log.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// New creates a Trainer. params uses LightGBM names and is validated by Train.
func New(params map[string]any, opts ...Option) *Trainer {
	t := &Trainer{
		params: maps.Clone(params),
		state:  state.NewTracker("Trainer", StageConstructed),
	}
	if t.params == nil {
		t.params = map[string]any{}
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = log.GetLoggerWithName("trainer")
	}
	return t
}

// Preprocessing splits X and y into training and validation partitions and
// bins both; the validation set reuses the training bin mappers. Calling it
// again discards any trained model.
func (t *Trainer) Preprocessing(X, y mat.Matrix) error {
	split, err := model_selection.TrainTestSplit(X, y, t.splitOpts...)
	if err != nil {
		return err
	}

	var dsOpts []gbdt.DatasetOption
	if t.featureNames != nil {
		dsOpts = append(dsOpts, gbdt.WithFeatureNames(t.featureNames...))
	}
	switch n := t.params["max_bin"].(type) {
	case int:
		dsOpts = append(dsOpts, gbdt.WithMaxBin(n))
	case float64:
		dsOpts = append(dsOpts, gbdt.WithMaxBin(int(n)))
	}
	trainSet, err := gbdt.NewDataset(split.XTrain, split.YTrain, dsOpts...)
	if err != nil {
		return err
	}
	validSet, err := gbdt.NewDataset(split.XTest, split.YTest, gbdt.WithReference(trainSet))
	if err != nil {
		return err
	}

	t.split, t.trainSet, t.validSet, t.booster = split, trainSet, validSet, nil
	t.state.Set(StagePreprocessed)

	_, features := X.Dims()
	t.logger.Info("Data preprocessed",
		log.OperationKey, log.OperationPreprocess,
		log.SamplesKey, trainSet.NumData(),
		"validation.samples", validSet.NumData(),
		log.FeaturesKey, features,
		log.StageKey, StagePreprocessed.String())
	return nil
}

// Train fits a booster on the training partition, evaluating and early
// stopping on the validation partition. Retraining is allowed.
func (t *Trainer) Train() error {
	if err := t.state.Require("Train", StagePreprocessed, StageTrained); err != nil {
		return err
	}

	booster, err := gbdt.Train(t.params, t.trainSet, []*gbdt.Dataset{t.validSet}, t.trainOpts...)
	if err != nil {
		t.booster = nil
		t.state.Set(StagePreprocessed)
		t.logger.Error("Training failed", err, log.OperationKey, log.OperationTrain)
		return err
	}

	t.booster = booster
	t.state.Set(StageTrained)
	t.logger.Info("Model trained",
		log.OperationKey, log.OperationTrain,
		log.NumTreesKey, booster.NumTrees(),
		log.BestIterKey, booster.BestIteration(),
		log.StageKey, StageTrained.String())
	return nil
}

// Predict scores X with the trained booster.
func (t *Trainer) Predict(X mat.Matrix) (*mat.VecDense, error) {
	if err := t.state.Require("Predict", StageTrained); err != nil {
		return nil, err
	}
	return t.booster.Predict(X)
}

// Evaluate returns the validation metrics recorded at the best iteration.
func (t *Trainer) Evaluate() (map[string]float64, error) {
	if err := t.state.Require("Evaluate", StageTrained); err != nil {
		return nil, err
	}
	scores := t.booster.BestScore()[ValidName]
	if scores == nil {
		return nil, errors.NewValueError("Trainer.Evaluate", "no validation metric was recorded")
	}
	return scores, nil
}

// Booster returns the trained booster, or nil before Train.
func (t *Trainer) Booster() *gbdt.Booster { return t.booster }

// Validation returns the validation partition, or nils before Preprocessing.
func (t *Trainer) Validation() (*mat.Dense, *mat.VecDense) {
	if t.split == nil {
		return nil, nil
	}
	return t.split.XTest, t.split.YTest
}

// Params returns a copy of the hyperparameters.
func (t *Trainer) Params() map[string]any { return maps.Clone(t.params) }

// Stage returns the current lifecycle stage.
func (t *Trainer) Stage() Stage { return t.state.Current() }
