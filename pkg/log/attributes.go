// Package log defines standard attribute keys for experiment tracking and
// model training.
//
// Keys follow a hierarchical naming convention ("experiment.name",
// "data.samples") so log lines can be filtered by prefix.

package log

// Experiment tracking context.
const (
	// ExperimentNameKey is the human-assigned experiment name.
	ExperimentNameKey = "experiment.name"

	// ExperimentIDKey is the backend-issued experiment identifier.
	ExperimentIDKey = "experiment.id"

	// ArtifactLocationKey is the experiment's artifact storage location.
	ArtifactLocationKey = "experiment.artifact_location"

	// RunIDKey identifies a single run.
	RunIDKey = "run.id"

	// RunStatusKey is the run status written on termination.
	RunStatusKey = "run.status"

	// TrackingURIKey is the tracking backend URI.
	TrackingURIKey = "tracking.uri"

	// BackendKey names the store implementation ("file", "sqlite", "rest").
	BackendKey = "tracking.backend"

	// ParamKeyKey, MetricKeyKey and ArtifactPathKey describe a single write.
	ParamKeyKey     = "param.key"
	MetricKeyKey    = "metric.key"
	ArtifactPathKey = "artifact.path"

	// RecordsKey is the number of records written by a batch.
	RecordsKey = "batch.records"
)

// Model and operation context.
const (
	// ModelNameKey identifies the type of model, e.g. "Booster".
	ModelNameKey = "model.name"

	// OperationKey specifies the operation being performed.
	OperationKey = "ml.operation"

	// ComponentKey identifies which package is logging.
	ComponentKey = "ml.component"

	// PhaseKey indicates the phase of the lifecycle.
	PhaseKey = "ml.phase"

	// StageKey records a lifecycle stage transition.
	StageKey = "ml.stage"
)

// Data shape.
const (
	SamplesKey  = "data.samples"
	FeaturesKey = "data.features"
	BinsKey     = "data.bins"
)

// Performance and training progress.
const (
	DurationMsKey = "perf.duration_ms"
	IterationKey  = "training.iteration"
	LossKey       = "metrics.loss"
	MetricNameKey = "metrics.name"
	ScoreKey      = "metrics.score"
	DatasetKey    = "metrics.dataset"
	BestIterKey   = "training.best_iteration"
	NumTreesKey   = "training.num_trees"
	NumLeavesKey  = "training.num_leaves"
)

// Hyperparameters.
const (
	LearningRateKey = "hyperparams.learning_rate"
	ObjectiveKey    = "hyperparams.objective"
	RandomSeedKey   = "config.random_seed"
)

// Error context.
const (
	ErrorKey      = "error"
	StacktraceKey = "error.stacktrace"
	ErrorTypeKey  = "error.type"
)

// Standard attribute values.
const (
	OperationPreprocess = "preprocessing"
	OperationTrain      = "train"
	OperationPredict    = "predict"
	OperationStart      = "start_experiment"
	OperationTerminate  = "terminate_experiment"

	PhaseTraining   = "training"
	PhaseValidation = "validation"
	PhaseInference  = "inference"
)
