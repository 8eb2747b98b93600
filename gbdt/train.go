package gbdt

import (
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/expkit/core/parallel"
	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
)

// TrainingName is the dataset name used when the training set is also
// passed as a validation set.
const TrainingName = "training"

type trainConfig struct {
	callbacks     []Callback
	validNames    []string
	numBoostRound int
	logger        log.Logger
}

// TrainOption configures Train.
type TrainOption func(*trainConfig)

// WithCallback appends callbacks run after every iteration.
func WithCallback(cbs ...Callback) TrainOption {
	return func(c *trainConfig) { c.callbacks = append(c.callbacks, cbs...) }
}

// WithValidNames names the validation sets. Defaults are valid_0, valid_1, ...
func WithValidNames(names ...string) TrainOption {
	return func(c *trainConfig) { c.validNames = names }
}

// WithNumBoostRound overrides num_iterations.
func WithNumBoostRound(n int) TrainOption {
	return func(c *trainConfig) { c.numBoostRound = n }
}

// WithLogger replaces the package logger for this call.
func WithLogger(l log.Logger) TrainOption {
	return func(c *trainConfig) { c.logger = l }
}

// evalSet is a dataset evaluated every iteration together with its
// running raw scores.
type evalSet struct {
	name   string
	ds     *Dataset
	scores []float64
	labels *mat.VecDense
}

// Train boosts trees on trainSet, evaluating every metric on every
// validation set after each iteration.
//
// Validation sets that were not built WithReference(trainSet) are re-binned
// with the training bin mappers. Passing trainSet itself among validSets
// evaluates it under the name "training".
func Train(params map[string]any, trainSet *Dataset, validSets []*Dataset, opts ...TrainOption) (_ *Booster, err error) {
	defer errors.Recover(&err, "gbdt.Train")

	cfg := trainConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = log.GetLoggerWithName("gbdt")
	}

	p, err := ParseParams(params)
	if err != nil {
		return nil, err
	}
	if cfg.numBoostRound > 0 {
		p.NumIterations = cfg.numBoostRound
	}
	logger = withVerbosity(logger, p.Verbosity)
	if trainSet == nil {
		return nil, errors.NewValueError("gbdt.Train", "training dataset is nil")
	}

	obj, err := newObjective(p.Objective, p)
	if err != nil {
		return nil, err
	}
	if err := obj.CheckLabels(trainSet.labels); err != nil {
		return nil, err
	}

	var metrics []Metric
	for _, name := range p.ResolvedMetrics() {
		m, err := newMetric(name, p)
		if err != nil {
			return nil, err
		}
		if m != nil {
			metrics = append(metrics, m)
		}
	}

	sets, err := prepareEvalSets(trainSet, validSets, cfg.validNames, obj)
	if err != nil {
		return nil, err
	}

	callbacks := cfg.callbacks
	if p.EarlyStoppingRounds > 0 {
		if !hasValidation(sets) || len(metrics) == 0 {
			return nil, errors.NewValueError("gbdt.Train",
				"early stopping requires at least one validation set and one metric")
		}
		callbacks = append(callbacks, &earlyStopping{
			rounds:          p.EarlyStoppingRounds,
			firstMetricOnly: p.FirstMetricOnly,
			logger:          logger,
		})
	}

	n := trainSet.numData
	initScore := obj.InitScore(trainSet.labels)
	if err := errors.CheckScalar("gbdt.init_score", initScore, 0); err != nil {
		return nil, err
	}
	booster := &Booster{
		params:       p,
		objective:    obj,
		initScore:    initScore,
		history:      make(EvalHistory),
		numFeatures:  trainSet.numFeatures,
		featureNames: trainSet.featureNames,
	}

	trainScores := filled(n, initScore)
	for _, s := range sets {
		if s.ds == trainSet {
			s.scores = trainScores
		} else {
			s.scores = filled(s.ds.numData, initScore)
		}
	}

	usable := make([]int, 0, trainSet.numFeatures)
	for f, m := range trainSet.mappers {
		if m.NumBins() > 1 {
			usable = append(usable, f)
		}
	}
	if len(usable) == 0 {
		logger.Warn("There are no meaningful features which satisfy the provided configuration")
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	learner := &treeLearner{ds: trainSet, params: p, workers: p.NumThreads}
	grad := make([]float64, n)
	hess := make([]float64, n)
	allRows := make([]int, n)
	for i := range allRows {
		allRows[i] = i
	}
	bagRows := allRows
	bagging := p.BaggingFraction < 1 && p.BaggingFreq > 0

	logger.Info("Start training",
		log.ObjectiveKey, p.Objective,
		log.SamplesKey, n,
		log.FeaturesKey, trainSet.numFeatures,
		log.NumLeavesKey, p.NumLeaves,
		log.LearningRateKey, p.LearningRate,
		"init_score", initScore)
	start := time.Now()

	for iter := 0; iter < p.NumIterations; iter++ {
		for i := 0; i < n; i++ {
			grad[i] = obj.Gradient(trainScores[i], trainSet.labels[i])
			hess[i] = obj.Hessian(trainScores[i], trainSet.labels[i])
		}
		if err := errors.CheckNumericalStability("gbdt.gradients", grad, iter); err != nil {
			return nil, err
		}
		if bagging && iter%p.BaggingFreq == 0 {
			bagRows = sampleRows(rng, n, p.BaggingFraction)
		}

		tree := learner.grow(bagRows, grad, hess, sampleFeatures(rng, usable, p.FeatureFraction))
		if tree.NumLeaves == 1 {
			logger.Warn("Stopped training because there are no more leaves that meet the split requirements",
				log.IterationKey, iter+1)
			if len(booster.trees) == 0 {
				// The constant model still gets one evaluation.
				results, err := evaluate(sets, metrics, obj)
				if err != nil {
					return nil, err
				}
				for _, r := range results {
					booster.history.add(r)
				}
			}
			break
		}
		booster.trees = append(booster.trees, tree)

		updateScores(trainSet, trainScores, tree, p.NumThreads)
		for _, s := range sets {
			if s.ds != trainSet {
				updateScores(s.ds, s.scores, tree, p.NumThreads)
			}
		}

		results, err := evaluate(sets, metrics, obj)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			booster.history.add(r)
		}
		logger.Debug("Iteration finished", log.IterationKey, iter+1, log.NumLeavesKey, tree.NumLeaves)

		env := &CallbackEnv{Iteration: iter, NumIterations: p.NumIterations, Booster: booster, Results: results}
		stop, err := runCallbacks(callbacks, env)
		if err != nil {
			return nil, err
		}
		if stop != nil {
			booster.bestIteration = stop.BestIteration
			booster.bestScore = scoreMap(stop.BestScore)
			break
		}
	}

	if booster.bestScore == nil {
		booster.bestScore = lastScores(booster.history)
	}

	logger.Info("Training finished",
		log.NumTreesKey, len(booster.trees),
		log.BestIterKey, booster.bestIteration,
		log.DurationMsKey, time.Since(start).Milliseconds())
	return booster, nil
}

func prepareEvalSets(trainSet *Dataset, validSets []*Dataset, names []string, obj Objective) ([]*evalSet, error) {
	if names != nil && len(names) != len(validSets) {
		return nil, errors.NewDimensionError("gbdt.Train valid names", len(validSets), len(names), 0)
	}
	sets := make([]*evalSet, 0, len(validSets))
	for i, v := range validSets {
		if v == nil {
			return nil, errors.NewValueError("gbdt.Train", "validation dataset "+itoa(i)+" is nil")
		}
		name := "valid_" + itoa(i)
		if v == trainSet {
			name = TrainingName
		}
		if names != nil {
			name = names[i]
		}

		ds := v
		if v != trainSet && !v.sharesBins(trainSet) {
			if v.numFeatures != trainSet.numFeatures {
				return nil, errors.NewDimensionError("gbdt.Train", trainSet.numFeatures, v.numFeatures, 1)
			}
			rebinned, err := v.rebin(trainSet)
			if err != nil {
				return nil, err
			}
			ds = rebinned
		}
		if err := obj.CheckLabels(ds.labels); err != nil {
			return nil, err
		}
		sets = append(sets, &evalSet{name: name, ds: ds, labels: mat.NewVecDense(ds.numData, ds.labels)})
	}
	return sets, nil
}

func hasValidation(sets []*evalSet) bool {
	for _, s := range sets {
		if s.name != TrainingName {
			return true
		}
	}
	return false
}

func filled(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// updateScores adds tree's output to every row's running score. Rows are
// split across workers.
func updateScores(ds *Dataset, scores []float64, tree *Tree, workers int) {
	parallel.ParallelizeWithThreshold(ds.numData, minRowsPerWorker, workers, func(start, end int) {
		for i := start; i < end; i++ {
			scores[i] += tree.predictBinned(ds, i)
		}
	})
}

func evaluate(sets []*evalSet, metrics []Metric, obj Objective) ([]EvalResult, error) {
	var results []EvalResult
	for _, s := range sets {
		if len(metrics) == 0 {
			break
		}
		preds := mat.NewVecDense(len(s.scores), nil)
		for i, v := range s.scores {
			preds.SetVec(i, obj.Transform(v))
		}
		for _, m := range metrics {
			v, err := m.Eval(s.labels, preds)
			if err != nil {
				return nil, errors.Wrapf(err, "gbdt: evaluate %s on %s", m.Name(), s.name)
			}
			results = append(results, EvalResult{
				DataName:     s.name,
				MetricName:   m.Name(),
				Value:        v,
				HigherBetter: m.HigherBetter(),
			})
		}
	}
	return results, nil
}

func runCallbacks(callbacks []Callback, env *CallbackEnv) (*EarlyStopError, error) {
	for _, cb := range callbacks {
		if err := cb.AfterIteration(env); err != nil {
			var stop *EarlyStopError
			if errors.As(err, &stop) {
				return stop, nil
			}
			return nil, errors.Wrapf(err, "gbdt: callback at iteration %d", env.Iteration+1)
		}
	}
	return nil, nil
}

// sampleRows draws round(fraction*n) distinct rows in ascending order.
func sampleRows(rng *rand.Rand, n int, fraction float64) []int {
	k := max(int(fraction*float64(n)+0.5), 1)
	perm := rng.Perm(n)[:k]
	sortInts(perm)
	return perm
}

// sampleFeatures keeps a random subset of the usable features.
func sampleFeatures(rng *rand.Rand, usable []int, fraction float64) []int {
	if fraction >= 1 || len(usable) <= 1 {
		return usable
	}
	k := max(int(fraction*float64(len(usable))+0.5), 1)
	picked := make([]int, 0, k)
	for _, i := range rng.Perm(len(usable))[:k] {
		picked = append(picked, usable[i])
	}
	sortInts(picked)
	return picked
}

func scoreMap(results []EvalResult) map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	for _, r := range results {
		if out[r.DataName] == nil {
			out[r.DataName] = make(map[string]float64)
		}
		out[r.DataName][r.MetricName] = r.Value
	}
	return out
}

func lastScores(h EvalHistory) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(h))
	for data, byMetric := range h {
		out[data] = make(map[string]float64, len(byMetric))
		for name, vals := range byMetric {
			if len(vals) > 0 {
				out[data][name] = vals[len(vals)-1]
			}
		}
	}
	return out
}
