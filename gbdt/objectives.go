package gbdt

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// Objective supplies first and second order gradients of a loss with
// respect to the raw score.
type Objective interface {
	// Gradient returns dL/dscore for one sample.
	Gradient(score, label float64) float64
	// Hessian returns d²L/dscore² for one sample.
	Hessian(score, label float64) float64
	// InitScore is the constant raw score boosting starts from.
	InitScore(labels []float64) float64
	// Transform maps a raw score to the prediction scale.
	Transform(score float64) float64
	// CheckLabels rejects labels the loss is not defined for.
	CheckLabels(labels []float64) error
	// DefaultMetric is evaluated when no metric is configured.
	DefaultMetric() string
	Name() string
}

var objectiveAliases = map[string]string{
	"regression":         "regression",
	"regression_l2":      "regression",
	"l2":                 "regression",
	"mean_squared_error": "regression",
	"mse":                "regression",
	"l2_root":            "regression",
	"rmse":               "regression",

	"regression_l1":       "regression_l1",
	"l1":                  "regression_l1",
	"mean_absolute_error": "regression_l1",
	"mae":                 "regression_l1",

	"huber": "huber",

	"binary": "binary",
}

func canonicalObjective(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if c, ok := objectiveAliases[name]; ok {
		return c
	}
	return name
}

// newObjective is the factory behind the "objective" parameter.
func newObjective(name string, p Params) (Objective, error) {
	switch canonicalObjective(name) {
	case "regression":
		return l2Objective{}, nil
	case "regression_l1":
		return l1Objective{}, nil
	case "huber":
		return huberObjective{delta: p.HuberDelta}, nil
	case "binary":
		return binaryObjective{}, nil
	default:
		return nil, errors.NewValidationError("objective", "unsupported objective", name)
	}
}

func checkFinite(labels []float64) error {
	for i, y := range labels {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return errors.NewValueError("gbdt", fmt.Sprintf("label at row %d is not finite", i))
		}
	}
	return nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

type l2Objective struct{}

func (l2Objective) Gradient(score, label float64) float64 { return score - label }
func (l2Objective) Hessian(_, _ float64) float64           { return 1 }
func (l2Objective) InitScore(labels []float64) float64     { return mean(labels) }
func (l2Objective) Transform(score float64) float64        { return score }
func (l2Objective) CheckLabels(labels []float64) error     { return checkFinite(labels) }
func (l2Objective) DefaultMetric() string                  { return "l2" }
func (l2Objective) Name() string                           { return "regression" }

// l1Objective uses the sign of the residual as gradient and a unit hessian,
// so each leaf moves by the regularized mean sign.
type l1Objective struct{}

func (l1Objective) Gradient(score, label float64) float64 {
	switch d := score - label; {
	case d > 0:
		return 1
	case d < 0:
		return -1
	}
	return 0
}
func (l1Objective) Hessian(_, _ float64) float64       { return 1 }
func (l1Objective) InitScore(labels []float64) float64 { return median(labels) }
func (l1Objective) Transform(score float64) float64    { return score }
func (l1Objective) CheckLabels(labels []float64) error { return checkFinite(labels) }
func (l1Objective) DefaultMetric() string              { return "l1" }
func (l1Objective) Name() string                       { return "regression_l1" }

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

type huberObjective struct {
	delta float64
}

func (o huberObjective) Gradient(score, label float64) float64 {
	d := score - label
	if math.Abs(d) <= o.delta {
		return d
	}
	if d > 0 {
		return o.delta
	}
	return -o.delta
}
func (huberObjective) Hessian(_, _ float64) float64       { return 1 }
func (huberObjective) InitScore(labels []float64) float64 { return mean(labels) }
func (huberObjective) Transform(score float64) float64    { return score }
func (huberObjective) CheckLabels(labels []float64) error { return checkFinite(labels) }
func (huberObjective) DefaultMetric() string              { return "huber" }
func (huberObjective) Name() string                       { return "huber" }

// binaryObjective is the logistic loss on labels in {0, 1}.
type binaryObjective struct{}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func (binaryObjective) Gradient(score, label float64) float64 {
	return sigmoid(score) - label
}

func (binaryObjective) Hessian(score, _ float64) float64 {
	p := sigmoid(score)
	return math.Max(p*(1-p), 1e-16)
}

func (binaryObjective) InitScore(labels []float64) float64 {
	p := errors.ClipValue(mean(labels), 1e-15, 1-1e-15)
	return math.Log(p / (1 - p))
}

func (binaryObjective) Transform(score float64) float64 { return sigmoid(score) }

func (binaryObjective) CheckLabels(labels []float64) error {
	for i, y := range labels {
		if y != 0 && y != 1 {
			return errors.NewValueError("gbdt", fmt.Sprintf("binary objective requires labels 0 or 1, row %d has %g", i, y))
		}
	}
	return nil
}

func (binaryObjective) DefaultMetric() string { return "binary_logloss" }
func (binaryObjective) Name() string          { return "binary" }
