package tracking

import (
	"math"
	"regexp"
	"strings"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// Limits enforced before anything reaches a backend.
const (
	MaxEntityKeyLength = 250
	MaxParamValLength  = 6000
	MaxTagValLength    = 8000

	MaxMetricsPerBatch  = 1000
	MaxParamsPerBatch   = 100
	MaxTagsPerBatch     = 100
	MaxEntitiesPerBatch = 1000
)

var validKey = regexp.MustCompile(`^[/\w.\- ]*$`)

// ValidateKey checks a param, metric or tag key. kind names the record type
// in the returned ValidationError.
func ValidateKey(kind, key string) error {
	switch {
	case key == "":
		return errors.NewValidationError(kind, "key must not be empty", key)
	case len(key) > MaxEntityKeyLength:
		return errors.NewValidationError(kind, "key exceeds 250 characters", key)
	case !validKey.MatchString(key):
		return errors.NewValidationError(kind,
			"key may only contain alphanumerics, underscores, dashes, periods, spaces and slashes", key)
	case escapesRoot(key):
		return errors.NewValidationError(kind, "key must be a relative path inside the run", key)
	}
	return nil
}

func escapesRoot(key string) bool {
	if strings.HasPrefix(key, "/") {
		return true
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func validateParam(p Param) error {
	if err := ValidateKey("param", p.Key); err != nil {
		return err
	}
	if len(p.Value) > MaxParamValLength {
		return errors.NewValidationError("param",
			"value of "+p.Key+" exceeds 6000 characters", len(p.Value))
	}
	return nil
}

func validateMetric(m Metric) error {
	if err := ValidateKey("metric", m.Key); err != nil {
		return err
	}
	if m.Timestamp < 0 {
		return errors.NewValidationError("metric", "timestamp must be non-negative", m.Timestamp)
	}
	return nil
}

func validateTag(t RunTag) error {
	if err := ValidateKey("tag", t.Key); err != nil {
		return err
	}
	if len(t.Value) > MaxTagValLength {
		return errors.NewValidationError("tag",
			"value of "+t.Key+" exceeds 8000 characters", len(t.Value))
	}
	return nil
}

func validateExperimentName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.NewValidationError("experiment", "name must not be empty", name)
	}
	return nil
}

func validateRunID(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return errors.NewValidationError("run_id", "invalid run id", runID)
	}
	return nil
}

// ValidateBatch checks every record of a batch and rejects duplicate param
// keys within it.
func ValidateBatch(metrics []Metric, params []Param, tags []RunTag) error {
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if err := validateParam(p); err != nil {
			return err
		}
		if _, dup := seen[p.Key]; dup {
			return errors.NewDuplicateKeyError(p.Key)
		}
		seen[p.Key] = struct{}{}
	}
	for _, m := range metrics {
		if err := validateMetric(m); err != nil {
			return err
		}
	}
	for _, t := range tags {
		if err := validateTag(t); err != nil {
			return err
		}
	}
	return nil
}

// splitValue maps a metric value onto the (value, is_nan) pair stored by
// backends that cannot hold NaN.
func splitValue(v float64) (float64, bool) {
	if math.IsNaN(v) {
		return 0, true
	}
	return v, false
}

func joinValue(v float64, isNaN bool) float64 {
	if isNaN {
		return math.NaN()
	}
	return v
}
