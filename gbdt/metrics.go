package gbdt

import (
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/expkit/metrics"
	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// Metric evaluates transformed predictions against labels.
type Metric interface {
	Name() string
	HigherBetter() bool
	Eval(labels, preds *mat.VecDense) (float64, error)
}

var metricAliases = map[string]string{
	"l2":                 "l2",
	"mse":                "l2",
	"mean_squared_error": "l2",
	"regression_l2":      "l2",
	"regression":         "l2",

	"rmse":                    "rmse",
	"root_mean_squared_error": "rmse",
	"l2_root":                 "rmse",

	"l1":                  "l1",
	"mae":                 "l1",
	"mean_absolute_error": "l1",
	"regression_l1":       "l1",

	"huber": "huber",

	"binary_logloss": "binary_logloss",
	"binary":         "binary_logloss",

	"binary_error": "binary_error",
}

func canonicalMetric(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if c, ok := metricAliases[name]; ok {
		return c
	}
	return name
}

type metricFunc struct {
	name string
	fn   func(labels, preds *mat.VecDense) (float64, error)
}

func (m metricFunc) Name() string       { return m.name }
func (m metricFunc) HigherBetter() bool { return false }
func (m metricFunc) Eval(labels, preds *mat.VecDense) (float64, error) {
	return m.fn(labels, preds)
}

func newMetric(name string, p Params) (Metric, error) {
	switch c := canonicalMetric(name); c {
	case "none", "null":
		return nil, nil
	case "l2":
		return metricFunc{c, vecMetric(metrics.MSE)}, nil
	case "rmse":
		return metricFunc{c, vecMetric(metrics.RMSE)}, nil
	case "l1":
		return metricFunc{c, vecMetric(metrics.MAE)}, nil
	case "huber":
		delta := p.HuberDelta
		return metricFunc{c, func(l, pr *mat.VecDense) (float64, error) { return metrics.Huber(l, pr, delta) }}, nil
	case "binary_logloss":
		return metricFunc{c, vecMetric(metrics.LogLoss)}, nil
	case "binary_error":
		return metricFunc{c, func(l, pr *mat.VecDense) (float64, error) { return metrics.BinaryError(l, pr, 0.5) }}, nil
	default:
		return nil, errors.NewValidationError("metric", "unsupported metric", name)
	}
}

func vecMetric(fn func(a, b mat.Vector) (float64, error)) func(a, b *mat.VecDense) (float64, error) {
	return func(a, b *mat.VecDense) (float64, error) { return fn(a, b) }
}

// EvalResult is one metric value on one dataset at one iteration.
type EvalResult struct {
	DataName     string
	MetricName   string
	Value        float64
	HigherBetter bool
}

// EvalHistory maps dataset name to metric name to per-iteration values.
type EvalHistory map[string]map[string][]float64

func (h EvalHistory) add(r EvalResult) {
	byMetric, ok := h[r.DataName]
	if !ok {
		byMetric = make(map[string][]float64)
		h[r.DataName] = byMetric
	}
	byMetric[r.MetricName] = append(byMetric[r.MetricName], r.Value)
}

func (h EvalHistory) clone() EvalHistory {
	out := make(EvalHistory, len(h))
	for data, byMetric := range h {
		m := make(map[string][]float64, len(byMetric))
		for name, vals := range byMetric {
			m[name] = append([]float64(nil), vals...)
		}
		out[data] = m
	}
	return out
}
