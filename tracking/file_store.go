package tracking

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
)

const (
	metaFile     = "meta.yaml"
	paramsDir    = "params"
	metricsDir   = "metrics"
	tagsDir      = "tags"
	artifactsDir = "artifacts"

	// sourceTypeLocal is MLflow's SourceType.LOCAL.
	sourceTypeLocal = 4
)

type experimentMeta struct {
	ArtifactLocation string `yaml:"artifact_location"`
	CreationTime     int64  `yaml:"creation_time"`
	ExperimentID     string `yaml:"experiment_id"`
	LastUpdateTime   int64  `yaml:"last_update_time"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	Name             string `yaml:"name"`
}

func (m experimentMeta) experiment() *Experiment {
	return &Experiment{
		ExperimentID:     m.ExperimentID,
		Name:             m.Name,
		ArtifactLocation: m.ArtifactLocation,
		LifecycleStage:   m.LifecycleStage,
		CreationTime:     m.CreationTime,
		LastUpdateTime:   m.LastUpdateTime,
	}
}

type runMeta struct {
	ArtifactURI    string   `yaml:"artifact_uri"`
	EndTime        *int64   `yaml:"end_time"`
	EntryPointName string   `yaml:"entry_point_name"`
	ExperimentID   string   `yaml:"experiment_id"`
	LifecycleStage string   `yaml:"lifecycle_stage"`
	RunID          string   `yaml:"run_id"`
	RunName        string   `yaml:"run_name"`
	RunUUID        string   `yaml:"run_uuid"`
	SourceName     string   `yaml:"source_name"`
	SourceType     int      `yaml:"source_type"`
	SourceVersion  string   `yaml:"source_version"`
	StartTime      int64    `yaml:"start_time"`
	Status         int      `yaml:"status"`
	Tags           []string `yaml:"tags"`
	UserID         string   `yaml:"user_id"`
}

func (m runMeta) info() *RunInfo {
	info := &RunInfo{
		RunID:          m.RunID,
		RunName:        m.RunName,
		ExperimentID:   m.ExperimentID,
		UserID:         m.UserID,
		Status:         RunStatus(m.Status),
		StartTime:      m.StartTime,
		ArtifactURI:    m.ArtifactURI,
		LifecycleStage: m.LifecycleStage,
	}
	if m.EndTime != nil {
		info.EndTime = *m.EndTime
	}
	return info
}

// FileStore keeps tracking data in an MLflow "mlruns" directory tree:
//
//	<root>/<experiment_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/params/<key>
//	<root>/<experiment_id>/<run_id>/metrics/<key>   one "<ts> <value> <step>" line per value
//	<root>/<experiment_id>/<run_id>/tags/<key>
//	<root>/<experiment_id>/<run_id>/artifacts/
//
// Writes from one process are serialized; concurrent writers in other
// processes are not coordinated.
type FileStore struct {
	mu           sync.Mutex
	root         string
	artifactRoot string
	userID       string
	logger       log.Logger
}

// NewFileStore opens (creating if needed) the store rooted at root and
// makes sure the default experiment exists.
func NewFileStore(ctx context.Context, root string, opts ...Option) (*FileStore, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	cfg := newStoreConfig(opts)
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve tracking root %q", root)
	}
	artifactRoot := abs
	if cfg.artifactRoot != "" {
		if artifactRoot, err = filepath.Abs(cfg.artifactRoot); err != nil {
			return nil, errors.Wrapf(err, "resolve artifact root %q", cfg.artifactRoot)
		}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create tracking root %q", abs)
	}

	s := &FileStore{
		root:         abs,
		artifactRoot: artifactRoot,
		userID:       cfg.userID,
		logger:       cfg.logger.With(log.BackendKey, BackendFile),
	}
	if _, err := os.Stat(s.experimentMetaPath(DefaultExperimentID)); errors.Is(err, fs.ErrNotExist) {
		if err := s.writeExperiment(DefaultExperimentID, DefaultExperimentName, ""); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	return s, nil
}

// Root returns the absolute store directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) experimentMetaPath(id string) string {
	return filepath.Join(s.root, id, metaFile)
}

func (s *FileStore) writeExperiment(id, name, location string) error {
	if location == "" {
		location = pathToFileURI(filepath.Join(s.artifactRoot, id))
	}
	now := nowMillis()
	meta := experimentMeta{
		ArtifactLocation: location,
		CreationTime:     now,
		ExperimentID:     id,
		LastUpdateTime:   now,
		LifecycleStage:   LifecycleActive,
		Name:             name,
	}
	if err := os.MkdirAll(filepath.Join(s.root, id), 0o755); err != nil {
		return errors.Wrapf(err, "create experiment directory %q", id)
	}
	return writeYAML(s.experimentMetaPath(id), meta)
}

// CreateExperiment allocates the next sequential experiment id.
func (s *FileStore) CreateExperiment(ctx context.Context, name, artifactLocation string) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	if err := validateExperimentName(name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.experiments()
	if err != nil {
		return "", err
	}
	next := 0
	for _, m := range metas {
		if m.Name == name {
			return "", errors.NewAlreadyExistsError("experiment", name)
		}
		if n, err := strconv.Atoi(m.ExperimentID); err == nil && n >= next {
			next = n + 1
		}
	}
	id := strconv.Itoa(next)
	if err := s.writeExperiment(id, name, artifactLocation); err != nil {
		return "", err
	}
	s.logger.Debug("Experiment created", log.ExperimentNameKey, name, log.ExperimentIDKey, id)
	return id, nil
}

// experiments reads every experiment directory under the root. Directories
// without a meta.yaml (".trash", "models") are skipped.
func (s *FileStore) experiments() ([]experimentMeta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, "list experiments in %q", s.root)
	}
	metas := make([]experimentMeta, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var meta experimentMeta
		err := readYAML(s.experimentMetaPath(e.Name()), &meta)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// GetExperiment reads <root>/<id>/meta.yaml.
func (s *FileStore) GetExperiment(ctx context.Context, experimentID string) (*Experiment, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	if err := validateRunID(experimentID); err != nil {
		return nil, errors.NewNotFoundError("experiment", experimentID)
	}
	var meta experimentMeta
	err := readYAML(s.experimentMetaPath(experimentID), &meta)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.NewNotFoundError("experiment", experimentID)
	}
	if err != nil {
		return nil, err
	}
	return meta.experiment(), nil
}

func (s *FileStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	metas, err := s.experiments()
	if err != nil {
		return nil, err
	}
	for _, m := range metas {
		if m.Name == name {
			return m.experiment(), nil
		}
	}
	return nil, errors.NewNotFoundError("experiment", name)
}

func (s *FileStore) CreateRun(ctx context.Context, experimentID, runName string, startTime int64, tags []RunTag) (*RunInfo, error) {
	exp, err := s.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.LifecycleStage != LifecycleActive {
		return nil, errors.NewValidationError("experiment", "cannot create a run in a deleted experiment", experimentID)
	}
	if runName == "" {
		runName = randomRunName()
	}
	tags = creationTags(runName, s.userID, tags)
	for _, t := range tags {
		if err := validateTag(t); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runID := newRunID()
	dir := filepath.Join(s.root, experimentID, runID)
	for _, sub := range []string{paramsDir, metricsDir, tagsDir, artifactsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create run directory %q", runID)
		}
	}
	meta := runMeta{
		ArtifactURI:    runArtifactURI(exp.ArtifactLocation, runID),
		ExperimentID:   experimentID,
		LifecycleStage: LifecycleActive,
		RunID:          runID,
		RunName:        runName,
		RunUUID:        runID,
		SourceType:     sourceTypeLocal,
		StartTime:      startTime,
		Status:         int(RunStatusRunning),
		Tags:           []string{},
		UserID:         s.userID,
	}
	if err := writeYAML(filepath.Join(dir, metaFile), meta); err != nil {
		return nil, err
	}
	for _, t := range tags {
		if err := writeKeyFile(dir, tagsDir, t.Key, t.Value); err != nil {
			return nil, err
		}
	}
	return meta.info(), nil
}

// runDir finds the directory of runID by scanning experiments.
func (s *FileStore) runDir(runID string) (string, error) {
	if err := validateRunID(runID); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", errors.Wrapf(err, "list experiments in %q", s.root)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name(), runID)
		if _, err := os.Stat(filepath.Join(dir, metaFile)); err == nil {
			return dir, nil
		}
	}
	return "", errors.NewNotFoundError("run", runID)
}

func (s *FileStore) readRun(runID string) (string, runMeta, error) {
	var meta runMeta
	dir, err := s.runDir(runID)
	if err != nil {
		return "", meta, err
	}
	if err := readYAML(filepath.Join(dir, metaFile), &meta); err != nil {
		return "", meta, err
	}
	return dir, meta, nil
}

// activeRunDir returns the directory of a run that accepts writes.
func (s *FileStore) activeRunDir(runID string) (string, error) {
	dir, meta, err := s.readRun(runID)
	if err != nil {
		return "", err
	}
	if meta.LifecycleStage != LifecycleActive {
		return "", errors.NewValidationError("run", "run is deleted", runID)
	}
	return dir, nil
}

func (s *FileStore) UpdateRunInfo(ctx context.Context, runID string, status RunStatus, endTime int64) (*RunInfo, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, meta, err := s.readRun(runID)
	if err != nil {
		return nil, err
	}
	meta.Status = int(status)
	if status.IsTerminated() {
		meta.EndTime = &endTime
	}
	if err := writeYAML(filepath.Join(dir, metaFile), meta); err != nil {
		return nil, err
	}
	return meta.info(), nil
}

func (s *FileStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, meta, err := s.readRun(runID)
	if err != nil {
		return nil, err
	}
	run := &Run{Info: *meta.info()}

	params, err := readKeyFiles(filepath.Join(dir, paramsDir))
	if err != nil {
		return nil, err
	}
	for _, k := range sortedMapKeys(params) {
		run.Data.Params = append(run.Data.Params, Param{Key: k, Value: params[k]})
	}
	tags, err := readKeyFiles(filepath.Join(dir, tagsDir))
	if err != nil {
		return nil, err
	}
	for _, k := range sortedMapKeys(tags) {
		run.Data.Tags = append(run.Data.Tags, RunTag{Key: k, Value: tags[k]})
	}
	histories, err := readKeyFiles(filepath.Join(dir, metricsDir))
	if err != nil {
		return nil, err
	}
	for _, k := range sortedMapKeys(histories) {
		hist, err := parseMetricLines(k, histories[k])
		if err != nil {
			return nil, err
		}
		if len(hist) == 0 {
			continue
		}
		latest := hist[0]
		for _, m := range hist[1:] {
			if newerMetric(m, latest) {
				latest = m
			}
		}
		run.Data.Metrics = append(run.Data.Metrics, latest)
	}
	return run, nil
}

// LogParam overwrites any earlier value of the key.
func (s *FileStore) LogParam(ctx context.Context, runID string, param Param) error {
	return s.LogBatch(ctx, runID, nil, []Param{param}, nil)
}

func (s *FileStore) LogMetric(ctx context.Context, runID string, metric Metric) error {
	return s.LogBatch(ctx, runID, []Metric{metric}, nil, nil)
}

func (s *FileStore) SetTag(ctx context.Context, runID string, tag RunTag) error {
	return s.LogBatch(ctx, runID, nil, nil, []RunTag{tag})
}

// LogBatch validates the whole batch before writing any record.
func (s *FileStore) LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []RunTag) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := ValidateBatch(metrics, params, tags); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.activeRunDir(runID)
	if err != nil {
		return err
	}
	for _, p := range params {
		if err := writeKeyFile(dir, paramsDir, p.Key, p.Value); err != nil {
			return err
		}
	}
	for _, m := range metrics {
		if err := appendMetric(dir, m); err != nil {
			return err
		}
	}
	for _, t := range tags {
		if err := writeKeyFile(dir, tagsDir, t.Key, t.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) GetMetricHistory(ctx context.Context, runID, key string) ([]Metric, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	if err := ValidateKey("metric", key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, metricsDir, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return []Metric{}, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	hist, err := parseMetricLines(key, string(data))
	if err != nil {
		return nil, err
	}
	sortHistory(hist)
	return hist, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

// writeKeyFile stores value at <dir>/<kind>/<key>; slashes in key become
// subdirectories.
func writeKeyFile(dir, kind, key, value string) error {
	path := filepath.Join(dir, kind, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s directory for %q", kind, key)
	}
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return errors.Wrapf(err, "write %s %q", kind, key)
	}
	return nil
}

func appendMetric(dir string, m Metric) error {
	path := filepath.Join(dir, metricsDir, filepath.FromSlash(m.Key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create metric directory for %q", m.Key)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open metric %q", m.Key)
	}
	line := strconv.FormatInt(m.Timestamp, 10) + " " +
		strconv.FormatFloat(m.Value, 'g', -1, 64) + " " +
		strconv.FormatInt(m.Step, 10) + "\n"
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return errors.Wrapf(err, "append metric %q", m.Key)
	}
	return errors.WithStack(f.Close())
}

// readKeyFiles returns file contents keyed by slash-separated path relative
// to dir. A missing dir yields an empty map.
func readKeyFiles(dir string) (map[string]string, error) {
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", dir)
	}
	return out, nil
}

// parseMetricLines reads "<timestamp> <value> <step>" lines. The step
// column is optional for files written by old clients.
func parseMetricLines(key, data string) ([]Metric, error) {
	var out []Metric
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 || len(fields) > 3 {
			return nil, errors.NewValueError("GetMetricHistory", "malformed metric line for "+key+": "+sc.Text())
		}
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "metric %q timestamp", key)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "metric %q value", key)
		}
		var step int64
		if len(fields) == 3 {
			if step, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
				return nil, errors.Wrapf(err, "metric %q step", key)
			}
		}
		out = append(out, Metric{Key: key, Value: v, Timestamp: ts, Step: step})
	}
	return out, errors.WithStack(sc.Err())
}

func sortHistory(hist []Metric) {
	sort.SliceStable(hist, func(i, j int) bool {
		if hist[i].Step != hist[j].Step {
			return hist[i].Step < hist[j].Step
		}
		return hist[i].Timestamp < hist[j].Timestamp
	})
}

func sortedMapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
