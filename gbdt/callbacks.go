package gbdt

import (
	"fmt"
	"math"

	"github.com/YuminosukeSato/expkit/pkg/log"
)

// CallbackEnv is passed to callbacks after every boosting iteration.
type CallbackEnv struct {
	// Iteration is 0-based.
	Iteration     int
	NumIterations int
	Booster       *Booster
	// Results holds this iteration's evaluations in (dataset, metric) order.
	Results []EvalResult
}

// Callback runs after each boosting iteration. Returning an
// *EarlyStopError ends training normally; any other error aborts it.
type Callback interface {
	AfterIteration(env *CallbackEnv) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(env *CallbackEnv) error

// AfterIteration calls f.
func (f CallbackFunc) AfterIteration(env *CallbackEnv) error { return f(env) }

// EarlyStopError stops training and records the iteration to keep.
type EarlyStopError struct {
	BestIteration int // 1-based
	BestScore     []EvalResult
}

func (e *EarlyStopError) Error() string {
	return fmt.Sprintf("early stopping, best iteration is %d", e.BestIteration)
}

// earlyStopping tracks the best value of every (dataset, metric) pair and
// stops once one of them has not improved for rounds iterations.
type earlyStopping struct {
	rounds          int
	firstMetricOnly bool
	logger          log.Logger

	best        []float64
	bestIter    []int
	bestResults [][]EvalResult
}

// EarlyStopping stops training when a validation metric has not improved
// for rounds iterations. Evaluations on the training set are ignored.
func EarlyStopping(rounds int, firstMetricOnly bool) Callback {
	return &earlyStopping{rounds: rounds, firstMetricOnly: firstMetricOnly, logger: log.GetLoggerWithName("gbdt")}
}

func (es *earlyStopping) init(n int, results []EvalResult) {
	es.best = make([]float64, n)
	es.bestIter = make([]int, n)
	es.bestResults = make([][]EvalResult, n)
	for i, r := range results {
		es.bestIter[i] = -1
		if r.HigherBetter {
			es.best[i] = math.Inf(-1)
		} else {
			es.best[i] = math.Inf(1)
		}
	}
}

func (es *earlyStopping) AfterIteration(env *CallbackEnv) error {
	results := make([]EvalResult, 0, len(env.Results))
	for _, r := range env.Results {
		if r.DataName != TrainingName {
			results = append(results, r)
		}
	}
	if len(results) == 0 {
		return nil
	}
	if es.best == nil {
		es.init(len(results), results)
	}

	firstMetric := results[0].MetricName
	firstChecked := -1
	for i, r := range results {
		if es.firstMetricOnly && r.MetricName != firstMetric {
			continue
		}
		if firstChecked < 0 {
			firstChecked = i
		}
		improved := r.Value < es.best[i]
		if r.HigherBetter {
			improved = r.Value > es.best[i]
		}
		if improved || es.bestIter[i] < 0 {
			es.best[i] = r.Value
			es.bestIter[i] = env.Iteration
			es.bestResults[i] = append([]EvalResult(nil), env.Results...)
			continue
		}
		if env.Iteration-es.bestIter[i] >= es.rounds {
			es.logger.Info("Early stopping",
				log.BestIterKey, es.bestIter[i]+1,
				log.DatasetKey, r.DataName,
				log.MetricNameKey, r.MetricName,
				log.ScoreKey, es.best[i])
			return es.stop(i)
		}
	}

	if env.Iteration == env.NumIterations-1 && firstChecked >= 0 {
		es.logger.Info("Did not meet early stopping", log.BestIterKey, es.bestIter[firstChecked]+1)
		return es.stop(firstChecked)
	}
	return nil
}

func (es *earlyStopping) stop(i int) error {
	return &EarlyStopError{BestIteration: es.bestIter[i] + 1, BestScore: es.bestResults[i]}
}

// LogEvaluation logs every period-th iteration's evaluation results at
// info level.
func LogEvaluation(logger log.Logger, period int) Callback {
	if period <= 0 {
		period = 1
	}
	return CallbackFunc(func(env *CallbackEnv) error {
		if len(env.Results) == 0 || (env.Iteration+1)%period != 0 {
			return nil
		}
		fields := []any{log.IterationKey, env.Iteration + 1}
		for _, r := range env.Results {
			fields = append(fields, r.DataName+"."+r.MetricName, r.Value)
		}
		logger.Info("Evaluation", fields...)
		return nil
	})
}

// RecordEvaluation copies each iteration's results into dst.
func RecordEvaluation(dst EvalHistory) Callback {
	return CallbackFunc(func(env *CallbackEnv) error {
		for _, r := range env.Results {
			dst.add(r)
		}
		return nil
	})
}
