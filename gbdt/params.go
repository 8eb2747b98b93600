package gbdt

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// Params holds the resolved training parameters.
type Params struct {
	Objective string
	// Metrics evaluated on every validation set. Empty means the objective's
	// default metric; "none" disables evaluation.
	Metrics []string

	NumIterations       int
	LearningRate        float64
	NumLeaves           int
	MaxDepth            int // <= 0 means unlimited
	MinDataInLeaf       int
	MinSumHessianInLeaf float64
	LambdaL1            float64
	LambdaL2            float64
	MinGainToSplit      float64

	BaggingFraction float64
	BaggingFreq     int
	FeatureFraction float64

	MaxBin     int
	HuberDelta float64
	Seed       uint64

	EarlyStoppingRounds int
	FirstMetricOnly     bool
	Verbosity           int
	NumThreads          int
}

// DefaultParams returns LightGBM's defaults.
func DefaultParams() Params {
	return Params{
		Objective:           "regression",
		NumIterations:       100,
		LearningRate:        0.1,
		NumLeaves:           31,
		MaxDepth:            -1,
		MinDataInLeaf:       20,
		MinSumHessianInLeaf: 1e-3,
		BaggingFraction:     1.0,
		FeatureFraction:     1.0,
		MaxBin:              255,
		HuberDelta:          0.9,
		Verbosity:           1,
	}
}

// paramSpec describes one canonical parameter: its accepted names (canonical
// first) and how to store a raw value into Params.
type paramSpec struct {
	names []string
	set   func(p *Params, name string, v any) error
}

var paramSpecs = []paramSpec{
	{[]string{"objective", "objective_type", "app", "application", "loss"}, setObjective},
	{[]string{"metric", "metrics", "metric_types"}, setMetrics},
	{[]string{"num_iterations", "num_iteration", "n_iter", "num_tree", "num_trees", "num_round", "num_rounds", "num_boost_round", "n_estimators"},
		intParam(func(p *Params) *int { return &p.NumIterations }, 1)},
	{[]string{"learning_rate", "shrinkage_rate", "eta"},
		floatParam(func(p *Params) *float64 { return &p.LearningRate }, positive)},
	{[]string{"num_leaves", "num_leaf", "max_leaves", "max_leaf", "max_leaf_nodes"},
		intParam(func(p *Params) *int { return &p.NumLeaves }, 2)},
	{[]string{"max_depth"},
		intParam(func(p *Params) *int { return &p.MaxDepth }, math.MinInt)},
	{[]string{"min_data_in_leaf", "min_data_per_leaf", "min_data", "min_child_samples", "min_samples_leaf"},
		intParam(func(p *Params) *int { return &p.MinDataInLeaf }, 0)},
	{[]string{"min_sum_hessian_in_leaf", "min_sum_hessian_per_leaf", "min_sum_hessian", "min_hessian", "min_child_weight"},
		floatParam(func(p *Params) *float64 { return &p.MinSumHessianInLeaf }, nonNegative)},
	{[]string{"lambda_l1", "reg_alpha", "l1_regularization"},
		floatParam(func(p *Params) *float64 { return &p.LambdaL1 }, nonNegative)},
	{[]string{"lambda_l2", "reg_lambda", "lambda", "l2_regularization"},
		floatParam(func(p *Params) *float64 { return &p.LambdaL2 }, nonNegative)},
	{[]string{"min_gain_to_split", "min_split_gain"},
		floatParam(func(p *Params) *float64 { return &p.MinGainToSplit }, nonNegative)},
	{[]string{"bagging_fraction", "sub_row", "subsample", "bagging"},
		floatParam(func(p *Params) *float64 { return &p.BaggingFraction }, fraction)},
	{[]string{"bagging_freq", "subsample_freq"},
		intParam(func(p *Params) *int { return &p.BaggingFreq }, 0)},
	{[]string{"feature_fraction", "sub_feature", "colsample_bytree"},
		floatParam(func(p *Params) *float64 { return &p.FeatureFraction }, fraction)},
	{[]string{"max_bin", "max_bins"},
		intParam(func(p *Params) *int { return &p.MaxBin }, 2)},
	{[]string{"huber_delta", "alpha"},
		floatParam(func(p *Params) *float64 { return &p.HuberDelta }, positive)},
	{[]string{"seed", "random_seed", "random_state"}, setSeed},
	{[]string{"early_stopping_round", "early_stopping_rounds", "early_stopping", "n_iter_no_change"},
		intParam(func(p *Params) *int { return &p.EarlyStoppingRounds }, 0)},
	{[]string{"first_metric_only"}, setFirstMetricOnly},
	{[]string{"verbosity", "verbose"},
		intParam(func(p *Params) *int { return &p.Verbosity }, math.MinInt)},
	{[]string{"num_threads", "num_thread", "nthread", "nthreads", "n_jobs"},
		intParam(func(p *Params) *int { return &p.NumThreads }, math.MinInt)},
	{[]string{"boosting", "boosting_type", "boost"}, setBoosting},
}

// ParseParams resolves LightGBM-style parameters over DefaultParams.
//
// When a parameter is given under several aliases the first name in
// LightGBM's alias list wins and the others are reported as warnings.
// Unknown keys are reported as UnknownParameterWarning; invalid values
// return a ValidationError.
func ParseParams(raw map[string]any) (Params, error) {
	p := DefaultParams()
	consumed := make(map[string]bool, len(raw))

	for _, spec := range paramSpecs {
		applied := ""
		for _, name := range spec.names {
			v, ok := raw[name]
			if !ok {
				continue
			}
			consumed[name] = true
			if applied != "" {
				errors.Warn(errors.Newf("gbdt: %s is set with %s, ignoring %s", spec.names[0], applied, name))
				continue
			}
			if err := spec.set(&p, name, v); err != nil {
				return Params{}, err
			}
			applied = name
		}
	}

	for _, k := range sortedKeys(raw) {
		if !consumed[k] {
			errors.Warn(errors.NewUnknownParameterWarning("gbdt", k))
		}
	}

	if _, err := newObjective(p.Objective, p); err != nil {
		return Params{}, err
	}
	for _, m := range p.Metrics {
		if _, err := newMetric(m, p); err != nil {
			return Params{}, err
		}
	}
	return p, nil
}

// ResolvedMetrics returns the metrics to evaluate, applying the objective's
// default when none were requested.
func (p Params) ResolvedMetrics() []string {
	if len(p.Metrics) == 0 {
		if obj, err := newObjective(p.Objective, p); err == nil {
			return []string{obj.DefaultMetric()}
		}
		return nil
	}
	if len(p.Metrics) == 1 && (p.Metrics[0] == "none" || p.Metrics[0] == "null") {
		return nil
	}
	return p.Metrics
}

// Map renders the parameters with their canonical names, suitable for
// logging as run parameters.
func (p Params) Map() map[string]any {
	return map[string]any{
		"objective":               p.Objective,
		"metric":                  strings.Join(p.ResolvedMetrics(), ","),
		"num_iterations":          p.NumIterations,
		"learning_rate":           p.LearningRate,
		"num_leaves":              p.NumLeaves,
		"max_depth":               p.MaxDepth,
		"min_data_in_leaf":        p.MinDataInLeaf,
		"min_sum_hessian_in_leaf": p.MinSumHessianInLeaf,
		"lambda_l1":               p.LambdaL1,
		"lambda_l2":               p.LambdaL2,
		"min_gain_to_split":       p.MinGainToSplit,
		"bagging_fraction":        p.BaggingFraction,
		"bagging_freq":            p.BaggingFreq,
		"feature_fraction":        p.FeatureFraction,
		"max_bin":                 p.MaxBin,
		"huber_delta":             p.HuberDelta,
		"seed":                    p.Seed,
		"early_stopping_round":    p.EarlyStoppingRounds,
		"first_metric_only":       p.FirstMetricOnly,
	}
}

type floatCheck func(float64) string

func positive(v float64) string {
	if v > 0 {
		return ""
	}
	return "must be > 0"
}

func nonNegative(v float64) string {
	if v >= 0 {
		return ""
	}
	return "must be >= 0"
}

func fraction(v float64) string {
	if v > 0 && v <= 1 {
		return ""
	}
	return "must be in (0, 1]"
}

func floatParam(field func(*Params) *float64, check floatCheck) func(*Params, string, any) error {
	return func(p *Params, name string, v any) error {
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) {
			return errors.NewValidationError(name, "must be a number", v)
		}
		if reason := check(f); reason != "" {
			return errors.NewValidationError(name, reason, v)
		}
		*field(p) = f
		return nil
	}
}

func intParam(field func(*Params) *int, minValue int) func(*Params, string, any) error {
	return func(p *Params, name string, v any) error {
		n, ok := toInt(v)
		if !ok {
			return errors.NewValidationError(name, "must be an integer", v)
		}
		if n < minValue {
			return errors.NewValidationError(name, fmt.Sprintf("must be >= %d", minValue), v)
		}
		*field(p) = n
		return nil
	}
}

func setObjective(p *Params, name string, v any) error {
	s, ok := v.(string)
	if !ok {
		return errors.NewValidationError(name, "must be a string", v)
	}
	p.Objective = canonicalObjective(s)
	return nil
}

func setMetrics(p *Params, name string, v any) error {
	var names []string
	switch x := v.(type) {
	case string:
		names = strings.Split(x, ",")
	case []string:
		names = x
	case []any:
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return errors.NewValidationError(name, "must be a list of strings", v)
			}
			names = append(names, s)
		}
	default:
		return errors.NewValidationError(name, "must be a string or a list of strings", v)
	}

	p.Metrics = p.Metrics[:0]
	seen := make(map[string]bool)
	for _, n := range names {
		n = strings.TrimSpace(strings.ToLower(n))
		if n == "" {
			continue
		}
		if n != "none" && n != "null" {
			n = canonicalMetric(n)
		}
		if !seen[n] {
			seen[n] = true
			p.Metrics = append(p.Metrics, n)
		}
	}
	return nil
}

func setSeed(p *Params, name string, v any) error {
	n, ok := toInt(v)
	if !ok {
		return errors.NewValidationError(name, "must be an integer", v)
	}
	p.Seed = uint64(n)
	return nil
}

func setFirstMetricOnly(p *Params, name string, v any) error {
	b, ok := toBool(v)
	if !ok {
		return errors.NewValidationError(name, "must be a boolean", v)
	}
	p.FirstMetricOnly = b
	return nil
}

func setBoosting(_ *Params, name string, v any) error {
	if s, ok := v.(string); ok && (s == "gbdt" || s == "gbrt") {
		return nil
	}
	return errors.NewValidationError(name, "only gbdt boosting is supported", v)
}

// toFloat accepts the numeric shapes produced by Go literals, JSON and YAML
// decoders, and numeric strings.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(x)
		return b, err == nil
	default:
		n, ok := toInt(v)
		return n != 0, ok
	}
}
