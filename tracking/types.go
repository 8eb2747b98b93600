// Package tracking stores experiments, runs and their records in an
// MLflow-compatible backend.
//
// Three Store implementations are available and selected by URI scheme
// through OpenStore:
//
//	tracking.OpenStore(ctx, "./mlruns")                  // FileStore
//	tracking.OpenStore(ctx, "sqlite:///tmp/mlruns.db")   // SQLStore
//	tracking.OpenStore(ctx, "http://localhost:5000")     // RESTStore
//
// Artifacts are written through an ArtifactRepository resolved from a run's
// artifact URI. Client combines both.
package tracking

import (
	"fmt"
	"strings"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// RunStatus is the lifecycle status of a run. The numeric values match
// MLflow's protobuf enum.
type RunStatus int

const (
	RunStatusRunning   RunStatus = 1
	RunStatusScheduled RunStatus = 2
	RunStatusFinished  RunStatus = 3
	RunStatusFailed    RunStatus = 4
	RunStatusKilled    RunStatus = 5
)

var runStatusNames = map[RunStatus]string{
	RunStatusRunning:   "RUNNING",
	RunStatusScheduled: "SCHEDULED",
	RunStatusFinished:  "FINISHED",
	RunStatusFailed:    "FAILED",
	RunStatusKilled:    "KILLED",
}

func (s RunStatus) String() string {
	if name, ok := runStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RunStatus(%d)", int(s))
}

// IsTerminated reports whether s is a final status.
func (s RunStatus) IsTerminated() bool {
	return s == RunStatusFinished || s == RunStatusFailed || s == RunStatusKilled
}

// ParseRunStatus parses a status name such as "FINISHED" (case-insensitive).
func ParseRunStatus(name string) (RunStatus, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range runStatusNames {
		if n == upper {
			return s, nil
		}
	}
	return 0, errors.NewValidationError("status", "unknown run status", name)
}

// Lifecycle stages of experiments and runs.
const (
	LifecycleActive  = "active"
	LifecycleDeleted = "deleted"
)

// DefaultExperimentID and DefaultExperimentName identify the experiment
// every store creates on first open.
const (
	DefaultExperimentID   = "0"
	DefaultExperimentName = "Default"
)

// Experiment groups runs under a name.
type Experiment struct {
	ExperimentID     string
	Name             string
	ArtifactLocation string
	LifecycleStage   string
	CreationTime     int64
	LastUpdateTime   int64
}

// RunInfo is the metadata of a run. Times are Unix milliseconds; EndTime is
// zero while the run is active.
type RunInfo struct {
	RunID          string
	RunName        string
	ExperimentID   string
	UserID         string
	Status         RunStatus
	StartTime      int64
	EndTime        int64
	ArtifactURI    string
	LifecycleStage string
}

// Param is a key/value hyperparameter record.
type Param struct {
	Key   string
	Value string
}

// Metric is one observation of a numeric value.
type Metric struct {
	Key       string
	Value     float64
	Timestamp int64
	Step      int64
}

// RunTag is a key/value annotation on a run.
type RunTag struct {
	Key   string
	Value string
}

// RunData holds the records of a run. Metrics carries the latest value per key.
type RunData struct {
	Params  []Param
	Metrics []Metric
	Tags    []RunTag
}

// Param returns the value of the param key.
func (d RunData) Param(key string) (string, bool) {
	for _, p := range d.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Metric returns the latest metric for key.
func (d RunData) Metric(key string) (Metric, bool) {
	for _, m := range d.Metrics {
		if m.Key == key {
			return m, true
		}
	}
	return Metric{}, false
}

// Tag returns the value of the tag key.
func (d RunData) Tag(key string) (string, bool) {
	for _, t := range d.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// Run is a run's metadata together with its records.
type Run struct {
	Info RunInfo
	Data RunData
}

// FileInfo describes one entry of an artifact listing.
type FileInfo struct {
	Path     string
	IsDir    bool
	FileSize int64
}

// newerMetric reports whether m supersedes cur as the latest value of a key:
// larger step first, then later timestamp, then larger value.
func newerMetric(m, cur Metric) bool {
	if m.Step != cur.Step {
		return m.Step > cur.Step
	}
	if m.Timestamp != cur.Timestamp {
		return m.Timestamp > cur.Timestamp
	}
	return m.Value > cur.Value
}
