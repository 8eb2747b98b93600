package tracking

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
)

const restAPIPrefix = "/api/2.0/mlflow/"

// MLflow error codes mapped onto expkit errors.
const (
	codeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	codeResourceDoesNotExist  = "RESOURCE_DOES_NOT_EXIST"
	codeInvalidParameterValue = "INVALID_PARAMETER_VALUE"
)

// APIError is a non-2xx response from the tracking server that has no more
// specific expkit error.
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("tracking server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tracking server returned %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

// jsonInt64 decodes int64 fields that MLflow may render as numbers or strings.
type jsonInt64 int64

func (v *jsonInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "decode int64 %s", data)
	}
	*v = jsonInt64(n)
	return nil
}

// jsonFloat carries NaN and infinities as the strings protobuf JSON uses.
type jsonFloat float64

func (v jsonFloat) MarshalJSON() ([]byte, error) {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (v *jsonFloat) UnmarshalJSON(data []byte) error {
	switch s := strings.Trim(string(data), `"`); s {
	case "NaN":
		*v = jsonFloat(math.NaN())
	case "Infinity":
		*v = jsonFloat(math.Inf(1))
	case "-Infinity":
		*v = jsonFloat(math.Inf(-1))
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return errors.Wrapf(err, "decode double %s", data)
		}
		*v = jsonFloat(f)
	}
	return nil
}

type wireExperiment struct {
	ExperimentID     string    `json:"experiment_id"`
	Name             string    `json:"name"`
	ArtifactLocation string    `json:"artifact_location"`
	LifecycleStage   string    `json:"lifecycle_stage"`
	CreationTime     jsonInt64 `json:"creation_time"`
	LastUpdateTime   jsonInt64 `json:"last_update_time"`
}

func (w wireExperiment) experiment() *Experiment {
	return &Experiment{
		ExperimentID:     w.ExperimentID,
		Name:             w.Name,
		ArtifactLocation: w.ArtifactLocation,
		LifecycleStage:   w.LifecycleStage,
		CreationTime:     int64(w.CreationTime),
		LastUpdateTime:   int64(w.LastUpdateTime),
	}
}

type wireRunInfo struct {
	RunID          string    `json:"run_id"`
	RunUUID        string    `json:"run_uuid"`
	RunName        string    `json:"run_name"`
	ExperimentID   string    `json:"experiment_id"`
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"`
	StartTime      jsonInt64 `json:"start_time"`
	EndTime        jsonInt64 `json:"end_time"`
	ArtifactURI    string    `json:"artifact_uri"`
	LifecycleStage string    `json:"lifecycle_stage"`
}

func (w wireRunInfo) info() (*RunInfo, error) {
	status := RunStatusRunning
	if w.Status != "" {
		var err error
		if status, err = ParseRunStatus(w.Status); err != nil {
			return nil, err
		}
	}
	id := w.RunID
	if id == "" {
		id = w.RunUUID
	}
	return &RunInfo{
		RunID:          id,
		RunName:        w.RunName,
		ExperimentID:   w.ExperimentID,
		UserID:         w.UserID,
		Status:         status,
		StartTime:      int64(w.StartTime),
		EndTime:        int64(w.EndTime),
		ArtifactURI:    w.ArtifactURI,
		LifecycleStage: w.LifecycleStage,
	}, nil
}

type wireKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wireMetric struct {
	Key       string    `json:"key"`
	Value     jsonFloat `json:"value"`
	Timestamp jsonInt64 `json:"timestamp"`
	Step      jsonInt64 `json:"step"`
}

func (w wireMetric) metric() Metric {
	return Metric{Key: w.Key, Value: float64(w.Value), Timestamp: int64(w.Timestamp), Step: int64(w.Step)}
}

func toWireMetric(m Metric) wireMetric {
	return wireMetric{Key: m.Key, Value: jsonFloat(m.Value), Timestamp: jsonInt64(m.Timestamp), Step: jsonInt64(m.Step)}
}

type wireRun struct {
	Info wireRunInfo `json:"info"`
	Data struct {
		Metrics []wireMetric `json:"metrics"`
		Params  []wireKV     `json:"params"`
		Tags    []wireKV     `json:"tags"`
	} `json:"data"`
}

// RESTStore talks to an MLflow tracking server over the REST API 2.0.
type RESTStore struct {
	base     *url.URL
	client   *http.Client
	token    string
	username string
	password string
	userID   string
	logger   log.Logger
}

// NewRESTStore validates uri and prepares the client. No request is made
// until the first call.
func NewRESTStore(uri string, opts ...Option) (*RESTStore, error) {
	u, err := url.Parse(strings.TrimRight(uri, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse tracking URI %q", uri)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.NewValidationError("tracking_uri", "expected http(s)://host[:port]", uri)
	}
	cfg := newStoreConfig(opts)
	return &RESTStore{
		base:     u,
		client:   cfg.httpClient,
		token:    cfg.token,
		username: cfg.username,
		password: cfg.password,
		userID:   cfg.userID,
		logger:   cfg.logger.With(log.BackendKey, BackendREST, log.TrackingURIKey, u.Redacted()),
	}, nil
}

// URI returns the tracking server URI.
func (s *RESTStore) URI() string {
	return s.base.String()
}

// resourceRef names the entity a request concerns, for error mapping.
type resourceRef struct {
	kind string
	name string
}

func (s *RESTStore) authorize(req *http.Request) {
	switch {
	case s.token != "":
		req.Header.Set("Authorization", "Bearer "+s.token)
	case s.username != "" || s.password != "":
		req.SetBasicAuth(s.username, s.password)
	}
}

func (s *RESTStore) get(ctx context.Context, endpoint string, query url.Values, ref resourceRef, out any) error {
	u := *s.base
	u.Path += restAPIPrefix + endpoint
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return s.do(req, ref, out)
}

func (s *RESTStore) post(ctx context.Context, endpoint string, body any, ref resourceRef, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "encode %s request", endpoint)
	}
	u := *s.base
	u.Path += restAPIPrefix + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, ref, out)
}

func (s *RESTStore) do(req *http.Request, ref resourceRef, out any) error {
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read %s response", req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		return s.apiError(resp.StatusCode, body, ref)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "decode %s response", req.URL.Path)
	}
	return nil
}

func (s *RESTStore) apiError(status int, body []byte, ref resourceRef) error {
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Message == "" && apiErr.ErrorCode == "") {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	switch apiErr.ErrorCode {
	case codeResourceAlreadyExists:
		return errors.NewAlreadyExistsError(ref.kind, ref.name)
	case codeResourceDoesNotExist:
		return errors.NewNotFoundError(ref.kind, ref.name)
	case codeInvalidParameterValue:
		return errors.NewValidationError(ref.kind, apiErr.Message, ref.name)
	}
	return errors.WithStack(apiErr)
}

func (s *RESTStore) CreateExperiment(ctx context.Context, name, artifactLocation string) (string, error) {
	if err := validateExperimentName(name); err != nil {
		return "", err
	}
	req := map[string]any{"name": name}
	if artifactLocation != "" {
		req["artifact_location"] = artifactLocation
	}
	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := s.post(ctx, "experiments/create", req, resourceRef{"experiment", name}, &resp); err != nil {
		return "", err
	}
	return resp.ExperimentID, nil
}

func (s *RESTStore) GetExperiment(ctx context.Context, experimentID string) (*Experiment, error) {
	var resp struct {
		Experiment wireExperiment `json:"experiment"`
	}
	err := s.get(ctx, "experiments/get", url.Values{"experiment_id": {experimentID}},
		resourceRef{"experiment", experimentID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Experiment.experiment(), nil
}

func (s *RESTStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	var resp struct {
		Experiment wireExperiment `json:"experiment"`
	}
	err := s.get(ctx, "experiments/get-by-name", url.Values{"experiment_name": {name}},
		resourceRef{"experiment", name}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Experiment.experiment(), nil
}

func (s *RESTStore) CreateRun(ctx context.Context, experimentID, runName string, startTime int64, tags []RunTag) (*RunInfo, error) {
	if runName == "" {
		runName = randomRunName()
	}
	tags = creationTags(runName, s.userID, tags)
	if err := ValidateBatch(nil, nil, tags); err != nil {
		return nil, err
	}
	req := map[string]any{
		"experiment_id": experimentID,
		"user_id":       s.userID,
		"run_name":      runName,
		"start_time":    startTime,
		"tags":          wireTags(tags),
	}
	var resp struct {
		Run wireRun `json:"run"`
	}
	if err := s.post(ctx, "runs/create", req, resourceRef{"experiment", experimentID}, &resp); err != nil {
		return nil, err
	}
	return resp.Run.Info.info()
}

func (s *RESTStore) UpdateRunInfo(ctx context.Context, runID string, status RunStatus, endTime int64) (*RunInfo, error) {
	req := map[string]any{
		"run_id":   runID,
		"run_uuid": runID,
		"status":   status.String(),
	}
	if status.IsTerminated() {
		req["end_time"] = endTime
	}
	var resp struct {
		RunInfo wireRunInfo `json:"run_info"`
	}
	if err := s.post(ctx, "runs/update", req, resourceRef{"run", runID}, &resp); err != nil {
		return nil, err
	}
	return resp.RunInfo.info()
}

func (s *RESTStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var resp struct {
		Run wireRun `json:"run"`
	}
	if err := s.get(ctx, "runs/get", url.Values{"run_id": {runID}}, resourceRef{"run", runID}, &resp); err != nil {
		return nil, err
	}
	info, err := resp.Run.Info.info()
	if err != nil {
		return nil, err
	}
	run := &Run{Info: *info}
	for _, p := range resp.Run.Data.Params {
		run.Data.Params = append(run.Data.Params, Param(p))
	}
	for _, m := range resp.Run.Data.Metrics {
		run.Data.Metrics = append(run.Data.Metrics, m.metric())
	}
	for _, t := range resp.Run.Data.Tags {
		run.Data.Tags = append(run.Data.Tags, RunTag(t))
	}
	return run, nil
}

func (s *RESTStore) LogParam(ctx context.Context, runID string, param Param) error {
	if err := validateParam(param); err != nil {
		return err
	}
	req := map[string]any{"run_id": runID, "run_uuid": runID, "key": param.Key, "value": param.Value}
	return s.post(ctx, "runs/log-parameter", req, resourceRef{"run", runID}, nil)
}

func (s *RESTStore) LogMetric(ctx context.Context, runID string, metric Metric) error {
	if err := validateMetric(metric); err != nil {
		return err
	}
	req := map[string]any{
		"run_id":    runID,
		"run_uuid":  runID,
		"key":       metric.Key,
		"value":     jsonFloat(metric.Value),
		"timestamp": metric.Timestamp,
		"step":      metric.Step,
	}
	return s.post(ctx, "runs/log-metric", req, resourceRef{"run", runID}, nil)
}

func (s *RESTStore) SetTag(ctx context.Context, runID string, tag RunTag) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	req := map[string]any{"run_id": runID, "run_uuid": runID, "key": tag.Key, "value": tag.Value}
	return s.post(ctx, "runs/set-tag", req, resourceRef{"run", runID}, nil)
}

// LogBatch splits the batch into requests within the server's per-request
// limits. Records sent by an earlier chunk stay written if a later one fails.
func (s *RESTStore) LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []RunTag) error {
	if err := ValidateBatch(metrics, params, tags); err != nil {
		return err
	}
	for len(metrics)+len(params)+len(tags) > 0 {
		np := min(len(params), MaxParamsPerBatch)
		nt := min(len(tags), MaxTagsPerBatch, MaxEntitiesPerBatch-np)
		nm := min(len(metrics), MaxMetricsPerBatch, MaxEntitiesPerBatch-np-nt)

		wm := make([]wireMetric, nm)
		for i, m := range metrics[:nm] {
			wm[i] = toWireMetric(m)
		}
		wp := make([]wireKV, np)
		for i, p := range params[:np] {
			wp[i] = wireKV(p)
		}
		req := map[string]any{
			"run_id":  runID,
			"metrics": wm,
			"params":  wp,
			"tags":    wireTags(tags[:nt]),
		}
		if err := s.post(ctx, "runs/log-batch", req, resourceRef{"run", runID}, nil); err != nil {
			return err
		}
		s.logger.Debug("Batch sent", log.RunIDKey, runID, log.RecordsKey, nm+np+nt)
		metrics, params, tags = metrics[nm:], params[np:], tags[nt:]
	}
	return nil
}

// GetMetricHistory follows next_page_token until the history is complete.
func (s *RESTStore) GetMetricHistory(ctx context.Context, runID, key string) ([]Metric, error) {
	if err := ValidateKey("metric", key); err != nil {
		return nil, err
	}
	hist := []Metric{}
	token := ""
	for {
		q := url.Values{"run_id": {runID}, "run_uuid": {runID}, "metric_key": {key}}
		if token != "" {
			q.Set("page_token", token)
		}
		var resp struct {
			Metrics       []wireMetric `json:"metrics"`
			NextPageToken string       `json:"next_page_token"`
		}
		if err := s.get(ctx, "metrics/get-history", q, resourceRef{"run", runID}, &resp); err != nil {
			return nil, err
		}
		for _, m := range resp.Metrics {
			hist = append(hist, m.metric())
		}
		if resp.NextPageToken == "" {
			break
		}
		token = resp.NextPageToken
	}
	sortHistory(hist)
	return hist, nil
}

// Close releases idle connections.
func (s *RESTStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func wireTags(tags []RunTag) []wireKV {
	out := make([]wireKV, len(tags))
	for i, t := range tags {
		out[i] = wireKV(t)
	}
	return out
}
