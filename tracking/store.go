package tracking

import (
	"context"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
)

// Store persists experiments, runs and run records.
type Store interface {
	// CreateExperiment returns the new experiment id, or an
	// AlreadyExistsError when the name is taken. An empty artifactLocation
	// lets the store choose one.
	CreateExperiment(ctx context.Context, name, artifactLocation string) (string, error)
	GetExperiment(ctx context.Context, experimentID string) (*Experiment, error)
	// GetExperimentByName returns a NotFoundError when no experiment has name.
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)

	CreateRun(ctx context.Context, experimentID, runName string, startTime int64, tags []RunTag) (*RunInfo, error)
	UpdateRunInfo(ctx context.Context, runID string, status RunStatus, endTime int64) (*RunInfo, error)
	GetRun(ctx context.Context, runID string) (*Run, error)

	LogParam(ctx context.Context, runID string, param Param) error
	LogMetric(ctx context.Context, runID string, metric Metric) error
	SetTag(ctx context.Context, runID string, tag RunTag) error
	LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []RunTag) error
	// GetMetricHistory returns every recorded value of key ordered by step,
	// then timestamp.
	GetMetricHistory(ctx context.Context, runID, key string) ([]Metric, error)

	Close() error
}

// Reserved tag keys written on run creation.
const (
	TagRunName = "mlflow.runName"
	TagUser    = "mlflow.user"
)

// Environment variables read by OpenStore.
const (
	EnvTrackingURI      = "MLFLOW_TRACKING_URI"
	EnvTrackingToken    = "MLFLOW_TRACKING_TOKEN"
	EnvTrackingUsername = "MLFLOW_TRACKING_USERNAME"
	EnvTrackingPassword = "MLFLOW_TRACKING_PASSWORD"
)

type storeConfig struct {
	artifactRoot string
	httpClient   *http.Client
	token        string
	username     string
	password     string
	userID       string
	trackingURI  string
	logger       log.Logger
}

// Option configures a Store, ArtifactRepository or Client.
type Option func(*storeConfig)

// WithArtifactRoot sets the directory under which file and sqlite stores
// place experiment artifact locations.
func WithArtifactRoot(dir string) Option {
	return func(c *storeConfig) {
		c.artifactRoot = dir
	}
}

// WithHTTPClient replaces the HTTP client used by the REST store and the
// artifact proxy.
func WithHTTPClient(client *http.Client) Option {
	return func(c *storeConfig) {
		c.httpClient = client
	}
}

// WithToken sets a bearer token for the REST store.
func WithToken(token string) Option {
	return func(c *storeConfig) {
		c.token = token
	}
}

// WithBasicAuth sets basic-auth credentials for the REST store.
func WithBasicAuth(username, password string) Option {
	return func(c *storeConfig) {
		c.username = username
		c.password = password
	}
}

// WithUserID sets the user recorded on new runs.
func WithUserID(user string) Option {
	return func(c *storeConfig) {
		c.userID = user
	}
}

// WithTrackingURI sets the tracking server used to resolve
// "mlflow-artifacts:" artifact URIs.
func WithTrackingURI(uri string) Option {
	return func(c *storeConfig) {
		c.trackingURI = uri
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

func newStoreConfig(opts []Option) storeConfig {
	cfg := storeConfig{
		token:    os.Getenv(EnvTrackingToken),
		username: os.Getenv(EnvTrackingUsername),
		password: os.Getenv(EnvTrackingPassword),
		userID:   os.Getenv("USER"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.logger == nil {
		cfg.logger = log.GetLoggerWithName("tracking")
	}
	return cfg
}

// Backend names used in logs and InitializationError.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendREST   = "rest"
)

// BackendOf returns the backend name OpenStore would pick for uri.
func BackendOf(uri string) (string, error) {
	scheme := ""
	if i := strings.Index(uri, "://"); i > 0 {
		scheme = strings.ToLower(uri[:i])
	}
	switch scheme {
	case "", "file":
		return BackendFile, nil
	case "sqlite":
		return BackendSQLite, nil
	case "http", "https":
		return BackendREST, nil
	default:
		return "", errors.Wrapf(errors.ErrUnsupportedURI, "tracking uri %q", uri)
	}
}

// OpenStore opens the Store for a tracking URI: a plain path or file://
// URI, sqlite:///path/to/db, or an http(s) MLflow server. Every failure is
// returned as an InitializationError.
func OpenStore(ctx context.Context, uri string, opts ...Option) (Store, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.NewInitializationError("", uri,
			errors.NewValueError("OpenStore", "tracking URI is empty"))
	}
	backend, err := BackendOf(uri)
	if err != nil {
		return nil, errors.NewInitializationError("", uri, err)
	}

	var store Store
	switch backend {
	case BackendFile:
		store, err = NewFileStore(ctx, fileURIToPath(uri), opts...)
	case BackendSQLite:
		store, err = NewSQLStore(ctx, sqliteDSN(uri), opts...)
	case BackendREST:
		store, err = NewRESTStore(uri, opts...)
	}
	if err != nil {
		return nil, errors.NewInitializationError(backend, uri, err)
	}
	return store, nil
}

// sqliteDSN follows SQLAlchemy: sqlite:///rel.db is relative, sqlite:////abs.db absolute.
func sqliteDSN(uri string) string {
	return strings.TrimPrefix(uri[len("sqlite://"):], "/")
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// newRunID returns a 32 character hex id.
func newRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

var (
	runNameAdjectives = []string{
		"amber", "bold", "calm", "clever", "crisp", "eager", "gentle", "lucky",
		"nimble", "quiet", "rare", "silent", "sunny", "swift", "vivid", "wise",
	}
	runNameNouns = []string{
		"badger", "crane", "falcon", "fox", "heron", "lynx", "moth", "otter",
		"owl", "panda", "raven", "seal", "sparrow", "stoat", "trout", "wren",
	}
)

// randomRunName returns a name such as "swift-otter-417".
func randomRunName() string {
	return runNameAdjectives[rand.IntN(len(runNameAdjectives))] + "-" +
		runNameNouns[rand.IntN(len(runNameNouns))] + "-" +
		strconv.Itoa(rand.IntN(1000))
}

// creationTags prepends the reserved run tags unless tags already set them.
func creationTags(runName, user string, tags []RunTag) []RunTag {
	out := make([]RunTag, 0, len(tags)+2)
	has := func(key string) bool {
		for _, t := range tags {
			if t.Key == key {
				return true
			}
		}
		return false
	}
	if !has(TagRunName) {
		out = append(out, RunTag{Key: TagRunName, Value: runName})
	}
	if user != "" && !has(TagUser) {
		out = append(out, RunTag{Key: TagUser, Value: user})
	}
	return append(out, tags...)
}

// runArtifactURI places a run's artifacts under its experiment location.
func runArtifactURI(experimentLocation, runID string) string {
	return strings.TrimRight(experimentLocation, "/") + "/" + runID + "/artifacts"
}

func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
