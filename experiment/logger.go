// Package experiment is the experiment-tracking facade: it opens a tracking
// backend, starts and terminates runs, and records params, metrics and
// artifacts against the active run.
//
// Example:
//
//	lg, err := experiment.New("sqlite:///mlruns.db")
//	if err != nil {
//	    return err
//	}
//	defer lg.Close()
//
//	if err := lg.StartExperiment(ctx, "baseline"); err != nil {
//	    return err
//	}
//	_ = lg.LogParam(ctx, "num_leaves", 31)
//	_ = lg.LogMetric(ctx, "l2", 0.42)
//	return lg.TerminateExperiment(ctx)
package experiment

import (
	"context"
	"image"
	"os"
	"time"

	"gonum.org/v1/plot"

	"github.com/YuminosukeSato/expkit/config"
	"github.com/YuminosukeSato/expkit/core/state"
	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
	"github.com/YuminosukeSato/expkit/tracking"
)

// DefaultTrackingURI is used when neither an explicit URI nor
// MLFLOW_TRACKING_URI is set.
const DefaultTrackingURI = "./mlruns"

// Stage is the lifecycle stage of a Logger.
type Stage int

const (
	// StageIdle: no run has been started yet.
	StageIdle Stage = iota
	// StageActive: a run is open and accepts writes.
	StageActive
	// StageTerminated: the last run was terminated.
	StageTerminated
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageActive:
		return "active"
	case StageTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type options struct {
	storeOpts []tracking.Option
	logger    log.Logger
	runName   string
	tags      []tracking.RunTag
	now       func() time.Time
}

// Option configures a Logger.
type Option func(*options)

// WithStoreOptions forwards options to the tracking store (credentials,
// artifact root, HTTP client).
func WithStoreOptions(opts ...tracking.Option) Option {
	return func(o *options) {
		o.storeOpts = append(o.storeOpts, opts...)
	}
}

// WithLogger replaces the component logger.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRunName names every run started by the Logger. By default the store
// picks a random name.
func WithRunName(name string) Option {
	return func(o *options) {
		o.runName = name
	}
}

// WithRunTags adds tags to every run started by the Logger.
func WithRunTags(tags ...tracking.RunTag) Option {
	return func(o *options) {
		o.tags = append(o.tags, tags...)
	}
}

// WithClock replaces the clock used for run and metric timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Logger records one run at a time against a tracking backend.
type Logger struct {
	client *tracking.Client
	uri    string
	opts   options
	logger log.Logger
	state  *state.Tracker[Stage]
	exp    *tracking.Experiment
	runID  string
	closed bool
}

// ResolveTrackingURI returns uri, or $MLFLOW_TRACKING_URI, or DefaultTrackingURI.
func ResolveTrackingURI(uri string) string {
	if uri != "" {
		return uri
	}
	if env := os.Getenv(tracking.EnvTrackingURI); env != "" {
		return env
	}
	return DefaultTrackingURI
}

// New opens the tracking backend for trackingURI. A failure is returned as
// an InitializationError.
func New(trackingURI string, opts ...Option) (*Logger, error) {
	o := newOptions(opts)
	uri := ResolveTrackingURI(trackingURI)
	storeOpts := append([]tracking.Option{tracking.WithLogger(o.logger)}, o.storeOpts...)

	client, err := tracking.NewClient(context.Background(), uri, storeOpts...)
	if err != nil {
		var initErr *errors.InitializationError
		if !errors.As(err, &initErr) {
			err = errors.NewInitializationError("", uri, err)
		}
		o.logger.Error("Failed to open tracking backend", err, log.TrackingURIKey, uri)
		return nil, err
	}
	backend, _ := tracking.BackendOf(uri)
	o.logger.Debug("Tracking backend opened", log.TrackingURIKey, uri, log.BackendKey, backend)
	return newLogger(client, uri, o), nil
}

// NewWithClient wraps an already opened client.
func NewWithClient(client *tracking.Client, opts ...Option) *Logger {
	return newLogger(client, client.TrackingURI(), newOptions(opts))
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.GetLoggerWithName("experiment")
	}
	return o
}

func newLogger(client *tracking.Client, uri string, o options) *Logger {
	return &Logger{
		client: client,
		uri:    uri,
		opts:   o,
		logger: o.logger,
		state:  state.NewTracker("experiment.Logger", StageIdle),
	}
}

func (l *Logger) nowMillis() int64 {
	return l.opts.now().UnixMilli()
}

// StartExperiment creates the experiment name, or reuses it when it
// already exists, and starts a new run in it. A run that is still active is
// terminated as FINISHED first.
func (l *Logger) StartExperiment(ctx context.Context, name string) error {
	if l.closed {
		return errors.NewInvalidStateError("experiment.Logger", "StartExperiment", "closed", []string{"open"})
	}
	if l.state.Is(StageActive) {
		l.logger.Info("Terminating active run before starting a new one", log.RunIDKey, l.runID)
		if err := l.TerminateExperiment(ctx); err != nil {
			return err
		}
	}

	id, err := l.client.CreateExperiment(ctx, name, "")
	if errors.IsAlreadyExists(err) {
		var exp *tracking.Experiment
		exp, err = l.client.GetExperimentByName(ctx, name)
		if err != nil {
			return err
		}
		id = exp.ExperimentID
	} else if err != nil {
		return errors.NewBackendWriteError("create_experiment", name, err)
	}

	exp, err := l.client.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	l.logger.Info("New experiment started",
		log.ExperimentNameKey, name,
		log.ExperimentIDKey, exp.ExperimentID,
		log.ArtifactLocationKey, exp.ArtifactLocation,
	)

	info, err := l.client.CreateRun(ctx, exp.ExperimentID, l.opts.runName, l.nowMillis(), l.opts.tags)
	if err != nil {
		return errors.NewBackendWriteError("create_run", name, err)
	}
	l.exp = exp
	l.runID = info.RunID
	l.state.Set(StageActive)
	l.logger.Debug("Run started", log.RunIDKey, info.RunID, log.ExperimentIDKey, exp.ExperimentID)
	return nil
}

// TerminateExperiment marks the active run FINISHED.
func (l *Logger) TerminateExperiment(ctx context.Context) error {
	return l.TerminateExperimentWithStatus(ctx, tracking.RunStatusFinished)
}

// TerminateExperimentWithStatus marks the active run with a terminal status
// (FINISHED, FAILED or KILLED).
func (l *Logger) TerminateExperimentWithStatus(ctx context.Context, status tracking.RunStatus) error {
	if err := l.state.Require("TerminateExperiment", StageActive); err != nil {
		return err
	}
	if err := l.client.SetTerminated(ctx, l.runID, status); err != nil {
		return errors.NewBackendWriteError("terminate_run", l.runID, err)
	}
	l.logger.Info("Run terminated", log.RunIDKey, l.runID, log.RunStatusKey, status.String())
	l.runID = ""
	l.state.Set(StageTerminated)
	return nil
}

func (l *Logger) requireActive(op string) error {
	return l.state.Require(op, StageActive)
}

// LogParam records value under key; a later call with the same key
// overwrites it. value is rendered with config.FormatValue.
func (l *Logger) LogParam(ctx context.Context, key string, value any) error {
	if err := l.requireActive("LogParam"); err != nil {
		return err
	}
	p := tracking.Param{Key: key, Value: config.FormatValue(value)}
	if err := l.client.LogParam(ctx, l.runID, p); err != nil {
		return errors.NewBackendWriteError("log_param", key, err)
	}
	return nil
}

// LogMetric records value at step 0.
func (l *Logger) LogMetric(ctx context.Context, key string, value float64) error {
	return l.logMetric(ctx, "LogMetric", key, value, 0)
}

// LogMetricStep records value at step, building a per-step history.
func (l *Logger) LogMetricStep(ctx context.Context, key string, value float64, step int64) error {
	return l.logMetric(ctx, "LogMetricStep", key, value, step)
}

func (l *Logger) logMetric(ctx context.Context, op, key string, value float64, step int64) error {
	if err := l.requireActive(op); err != nil {
		return err
	}
	m := tracking.Metric{Key: key, Value: value, Timestamp: l.nowMillis(), Step: step}
	if err := l.client.LogMetric(ctx, l.runID, m); err != nil {
		return errors.NewBackendWriteError("log_metric", key, err)
	}
	return nil
}

// SetTag sets a tag on the active run.
func (l *Logger) SetTag(ctx context.Context, key, value string) error {
	if err := l.requireActive("SetTag"); err != nil {
		return err
	}
	if err := l.client.SetTag(ctx, l.runID, tracking.RunTag{Key: key, Value: value}); err != nil {
		return errors.NewBackendWriteError("set_tag", key, err)
	}
	return nil
}

// LogParamsFromConfig flattens root and writes every leaf as a param in
// one batch. Nothing is written when flattening or validation fails.
func (l *Logger) LogParamsFromConfig(ctx context.Context, root config.Mapping) error {
	if err := l.requireActive("LogParamsFromConfig"); err != nil {
		return err
	}
	flat, err := config.Flatten(root)
	if err != nil {
		return err
	}
	params := make([]tracking.Param, len(flat))
	for i, p := range flat {
		params[i] = tracking.Param{Key: p.Key, Value: config.FormatValue(p.Value)}
	}
	if err := tracking.ValidateBatch(nil, params, nil); err != nil {
		return err
	}
	if err := l.client.LogBatch(ctx, l.runID, nil, params, nil); err != nil {
		return errors.NewBackendWriteError("log_batch", "", err)
	}
	l.logger.Debug("Config params logged", log.RunIDKey, l.runID, log.RecordsKey, len(params))
	return nil
}

// LogArtifacts copies the file or directory localPath under artifactName
// in the run's artifact store.
func (l *Logger) LogArtifacts(ctx context.Context, localPath, artifactName string) error {
	if err := l.requireActive("LogArtifacts"); err != nil {
		return err
	}
	if err := l.client.LogArtifact(ctx, l.runID, localPath, artifactName); err != nil {
		return errors.NewBackendWriteError("log_artifact", artifactName, err)
	}
	return nil
}

// LogText stores text as the artifact fileName.
func (l *Logger) LogText(ctx context.Context, text, fileName string) error {
	if err := l.requireActive("LogText"); err != nil {
		return err
	}
	if err := l.client.LogText(ctx, l.runID, text, fileName); err != nil {
		return errors.NewBackendWriteError("log_text", fileName, err)
	}
	return nil
}

// LogImage stores img as fileName (.png, .jpg or .jpeg).
func (l *Logger) LogImage(ctx context.Context, img image.Image, fileName string) error {
	if err := l.requireActive("LogImage"); err != nil {
		return err
	}
	if err := l.client.LogImage(ctx, l.runID, img, fileName); err != nil {
		return errors.NewBackendWriteError("log_image", fileName, err)
	}
	return nil
}

// LogFigure renders p to fileName; the extension picks the format.
func (l *Logger) LogFigure(ctx context.Context, p *plot.Plot, fileName string) error {
	if err := l.requireActive("LogFigure"); err != nil {
		return err
	}
	if err := l.client.LogFigure(ctx, l.runID, p, fileName); err != nil {
		return errors.NewBackendWriteError("log_figure", fileName, err)
	}
	return nil
}

// RunID returns the id of the active run, or "" when none is active.
func (l *Logger) RunID() string {
	return l.runID
}

// Experiment returns the experiment of the last started run.
func (l *Logger) Experiment() *tracking.Experiment {
	if l.exp == nil {
		return nil
	}
	exp := *l.exp
	return &exp
}

// Stage returns the current lifecycle stage.
func (l *Logger) Stage() Stage {
	return l.state.Current()
}

// TrackingURI returns the resolved tracking URI.
func (l *Logger) TrackingURI() string {
	return l.uri
}

// Client exposes the underlying tracking client.
func (l *Logger) Client() *tracking.Client {
	return l.client
}

// Close terminates an active run as FINISHED and closes the store.
func (l *Logger) Close() error {
	if l.closed {
		return nil
	}
	var err error
	if l.state.Is(StageActive) {
		err = l.TerminateExperiment(context.Background())
	}
	l.closed = true
	if cerr := l.client.Close(); cerr != nil && err == nil {
		err = errors.WithStack(cerr)
	}
	return err
}
