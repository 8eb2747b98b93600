package tracking

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS experiments (
	experiment_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	name              TEXT    NOT NULL UNIQUE,
	artifact_location TEXT    NOT NULL DEFAULT '',
	lifecycle_stage   TEXT    NOT NULL DEFAULT 'active',
	creation_time     INTEGER NOT NULL,
	last_update_time  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_uuid        TEXT    PRIMARY KEY,
	name            TEXT    NOT NULL,
	experiment_id   INTEGER NOT NULL REFERENCES experiments (experiment_id),
	user_id         TEXT    NOT NULL DEFAULT '',
	status          TEXT    NOT NULL,
	start_time      INTEGER NOT NULL,
	end_time        INTEGER,
	lifecycle_stage TEXT    NOT NULL DEFAULT 'active',
	artifact_uri    TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS params (
	key      TEXT NOT NULL,
	value    TEXT NOT NULL,
	run_uuid TEXT NOT NULL REFERENCES runs (run_uuid),
	PRIMARY KEY (key, run_uuid)
);

CREATE TABLE IF NOT EXISTS metrics (
	key       TEXT    NOT NULL,
	value     REAL    NOT NULL,
	timestamp INTEGER NOT NULL,
	step      INTEGER NOT NULL DEFAULT 0,
	is_nan    INTEGER NOT NULL DEFAULT 0,
	run_uuid  TEXT    NOT NULL REFERENCES runs (run_uuid),
	PRIMARY KEY (key, timestamp, step, run_uuid, value, is_nan)
);

CREATE TABLE IF NOT EXISTS latest_metrics (
	key       TEXT    NOT NULL,
	value     REAL    NOT NULL,
	timestamp INTEGER NOT NULL,
	step      INTEGER NOT NULL,
	is_nan    INTEGER NOT NULL,
	run_uuid  TEXT    NOT NULL REFERENCES runs (run_uuid),
	PRIMARY KEY (key, run_uuid)
);

CREATE TABLE IF NOT EXISTS tags (
	key      TEXT NOT NULL,
	value    TEXT NOT NULL,
	run_uuid TEXT NOT NULL REFERENCES runs (run_uuid),
	PRIMARY KEY (key, run_uuid)
);
`

// busyTimeoutMillis is how long a connection waits on a locked database.
const busyTimeoutMillis = 5000

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore keeps tracking data in a sqlite database through modernc.org/sqlite.
type SQLStore struct {
	db           *sql.DB
	artifactRoot string
	userID       string
	logger       log.Logger
}

// NewSQLStore opens the sqlite database dsn (a file path or a sqlite URI
// such as "file:name?mode=memory&cache=shared"), creates the schema and the
// default experiment.
func NewSQLStore(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.NewValueError("NewSQLStore", "database path is empty")
	}
	cfg := newStoreConfig(opts)

	inMemory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	artifactRoot := cfg.artifactRoot
	if !inMemory && !strings.HasPrefix(dsn, "file:") {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create database directory %q", dir)
		}
		if artifactRoot == "" {
			artifactRoot = filepath.Join(dir, "mlartifacts")
		}
	}
	if artifactRoot == "" {
		artifactRoot = "mlartifacts"
	}
	artifactRoot, err := filepath.Abs(artifactRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve artifact root %q", artifactRoot)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite database %q", dsn)
	}
	// One connection: ":memory:" databases are per connection, and sqlite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	s := &SQLStore{
		db:           db,
		artifactRoot: artifactRoot,
		userID:       cfg.userID,
		logger:       cfg.logger.With(log.BackendKey, BackendSQLite),
	}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA busy_timeout = " + strconv.Itoa(busyTimeoutMillis),
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return errors.Wrapf(err, "apply %q", p)
		}
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return errors.Wrap(err, "create tracking schema")
	}
	now := nowMillis()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO experiments
			(experiment_id, name, artifact_location, lifecycle_stage, creation_time, last_update_time)
		VALUES (0, ?, ?, ?, ?, ?)`,
		DefaultExperimentName, s.defaultLocation(DefaultExperimentID), LifecycleActive, now, now)
	return errors.Wrap(err, "create default experiment")
}

func (s *SQLStore) defaultLocation(id string) string {
	return pathToFileURI(filepath.Join(s.artifactRoot, id))
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(sqliteErr.Error(), "UNIQUE")
	}
	return false
}

// CreateExperiment inserts the experiment and, when no location is given,
// points it at <artifact root>/<id>.
func (s *SQLStore) CreateExperiment(ctx context.Context, name, artifactLocation string) (string, error) {
	if err := validateExperimentName(name); err != nil {
		return "", err
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO experiments (name, artifact_location, lifecycle_stage, creation_time, last_update_time)
			VALUES (?, ?, ?, ?, ?)`,
			name, artifactLocation, LifecycleActive, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.NewAlreadyExistsError("experiment", name)
			}
			return errors.Wrapf(err, "insert experiment %q", name)
		}
		if id, err = res.LastInsertId(); err != nil {
			return errors.WithStack(err)
		}
		if artifactLocation == "" {
			_, err = tx.ExecContext(ctx,
				`UPDATE experiments SET artifact_location = ? WHERE experiment_id = ?`,
				s.defaultLocation(strconv.FormatInt(id, 10)), id)
			return errors.Wrap(err, "set artifact location")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	expID := strconv.FormatInt(id, 10)
	s.logger.Debug("Experiment created", log.ExperimentNameKey, name, log.ExperimentIDKey, expID)
	return expID, nil
}

const experimentColumns = `experiment_id, name, artifact_location, lifecycle_stage, creation_time, last_update_time`

func scanExperiment(row *sql.Row) (*Experiment, error) {
	var (
		exp Experiment
		id  int64
	)
	err := row.Scan(&id, &exp.Name, &exp.ArtifactLocation, &exp.LifecycleStage, &exp.CreationTime, &exp.LastUpdateTime)
	if err != nil {
		return nil, err
	}
	exp.ExperimentID = strconv.FormatInt(id, 10)
	return &exp, nil
}

func (s *SQLStore) GetExperiment(ctx context.Context, experimentID string) (*Experiment, error) {
	id, err := strconv.ParseInt(experimentID, 10, 64)
	if err != nil {
		return nil, errors.NewNotFoundError("experiment", experimentID)
	}
	exp, err := scanExperiment(s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE experiment_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("experiment", experimentID)
	}
	return exp, errors.Wrapf(err, "get experiment %s", experimentID)
}

func (s *SQLStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	exp, err := scanExperiment(s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("experiment", name)
	}
	return exp, errors.Wrapf(err, "get experiment %q", name)
}

func (s *SQLStore) CreateRun(ctx context.Context, experimentID, runName string, startTime int64, tags []RunTag) (*RunInfo, error) {
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
	if err := ValidateBatch(nil, nil, tags); err != nil {
		return nil, err
	}

	runID := newRunID()
	info := &RunInfo{
		RunID:          runID,
		RunName:        runName,
		ExperimentID:   experimentID,
		UserID:         s.userID,
		Status:         RunStatusRunning,
		StartTime:      startTime,
		ArtifactURI:    runArtifactURI(exp.ArtifactLocation, runID),
		LifecycleStage: LifecycleActive,
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (run_uuid, name, experiment_id, user_id, status, start_time, lifecycle_stage, artifact_uri)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			info.RunID, info.RunName, exp.ExperimentID, info.UserID, info.Status.String(),
			info.StartTime, info.LifecycleStage, info.ArtifactURI)
		if err != nil {
			return errors.Wrap(err, "insert run")
		}
		return setTags(ctx, tx, runID, tags)
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *SQLStore) getRunInfo(ctx context.Context, q querier, runID string) (*RunInfo, error) {
	var (
		info    RunInfo
		expID   int64
		status  string
		endTime sql.NullInt64
	)
	err := q.QueryRowContext(ctx,
		`SELECT run_uuid, name, experiment_id, user_id, status, start_time, end_time, lifecycle_stage, artifact_uri
		FROM runs WHERE run_uuid = ?`, runID).
		Scan(&info.RunID, &info.RunName, &expID, &info.UserID, &status, &info.StartTime, &endTime,
			&info.LifecycleStage, &info.ArtifactURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get run %s", runID)
	}
	if info.Status, err = ParseRunStatus(status); err != nil {
		return nil, err
	}
	info.ExperimentID = strconv.FormatInt(expID, 10)
	info.EndTime = endTime.Int64
	return &info, nil
}

func (s *SQLStore) requireActiveRun(ctx context.Context, q querier, runID string) error {
	info, err := s.getRunInfo(ctx, q, runID)
	if err != nil {
		return err
	}
	if info.LifecycleStage != LifecycleActive {
		return errors.NewValidationError("run", "run is deleted", runID)
	}
	return nil
}

func (s *SQLStore) UpdateRunInfo(ctx context.Context, runID string, status RunStatus, endTime int64) (*RunInfo, error) {
	var end sql.NullInt64
	if status.IsTerminated() {
		end = sql.NullInt64{Int64: endTime, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, end_time = ? WHERE run_uuid = ?`, status.String(), end, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "update run %s", runID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, errors.NewNotFoundError("run", runID)
	}
	return s.getRunInfo(ctx, s.db, runID)
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	info, err := s.getRunInfo(ctx, s.db, runID)
	if err != nil {
		return nil, err
	}
	run := &Run{Info: *info}

	err = queryEach(ctx, s.db, func(rows *sql.Rows) error {
		var p Param
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return err
		}
		run.Data.Params = append(run.Data.Params, p)
		return nil
	}, `SELECT key, value FROM params WHERE run_uuid = ? ORDER BY key`, runID)
	if err != nil {
		return nil, err
	}
	err = queryEach(ctx, s.db, func(rows *sql.Rows) error {
		var t RunTag
		if err := rows.Scan(&t.Key, &t.Value); err != nil {
			return err
		}
		run.Data.Tags = append(run.Data.Tags, t)
		return nil
	}, `SELECT key, value FROM tags WHERE run_uuid = ? ORDER BY key`, runID)
	if err != nil {
		return nil, err
	}
	err = queryEach(ctx, s.db, func(rows *sql.Rows) error {
		m, err := scanMetric(rows)
		if err != nil {
			return err
		}
		run.Data.Metrics = append(run.Data.Metrics, m)
		return nil
	}, `SELECT key, value, is_nan, timestamp, step FROM latest_metrics WHERE run_uuid = ? ORDER BY key`, runID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// LogParam overwrites any earlier value of the key.
func (s *SQLStore) LogParam(ctx context.Context, runID string, param Param) error {
	return s.LogBatch(ctx, runID, nil, []Param{param}, nil)
}

func (s *SQLStore) LogMetric(ctx context.Context, runID string, metric Metric) error {
	return s.LogBatch(ctx, runID, []Metric{metric}, nil, nil)
}

func (s *SQLStore) SetTag(ctx context.Context, runID string, tag RunTag) error {
	return s.LogBatch(ctx, runID, nil, nil, []RunTag{tag})
}

// LogBatch writes every record in one transaction.
func (s *SQLStore) LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []RunTag) error {
	if err := ValidateBatch(metrics, params, tags); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireActiveRun(ctx, tx, runID); err != nil {
			return err
		}
		for _, p := range params {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO params (key, value, run_uuid) VALUES (?, ?, ?)
				ON CONFLICT (key, run_uuid) DO UPDATE SET value = excluded.value`,
				p.Key, p.Value, runID)
			if err != nil {
				return errors.Wrapf(err, "log param %q", p.Key)
			}
		}
		for _, m := range metrics {
			if err := logMetric(ctx, tx, runID, m); err != nil {
				return err
			}
		}
		return setTags(ctx, tx, runID, tags)
	})
}

// logMetric appends to the history (exact duplicates are ignored) and
// advances latest_metrics when m is newer than the stored value.
func logMetric(ctx context.Context, tx *sql.Tx, runID string, m Metric) error {
	value, isNaN := splitValue(m.Value)
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO metrics (key, value, timestamp, step, is_nan, run_uuid)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Key, value, m.Timestamp, m.Step, isNaN, runID)
	if err != nil {
		return errors.Wrapf(err, "log metric %q", m.Key)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO latest_metrics (key, value, timestamp, step, is_nan, run_uuid)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key, run_uuid) DO UPDATE SET
			value = excluded.value, timestamp = excluded.timestamp,
			step = excluded.step, is_nan = excluded.is_nan
		WHERE excluded.step > latest_metrics.step
			OR (excluded.step = latest_metrics.step AND excluded.timestamp > latest_metrics.timestamp)
			OR (excluded.step = latest_metrics.step AND excluded.timestamp = latest_metrics.timestamp
				AND excluded.value > latest_metrics.value)`,
		m.Key, value, m.Timestamp, m.Step, isNaN, runID)
	return errors.Wrapf(err, "update latest metric %q", m.Key)
}

func setTags(ctx context.Context, tx *sql.Tx, runID string, tags []RunTag) error {
	for _, t := range tags {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tags (key, value, run_uuid) VALUES (?, ?, ?)
			ON CONFLICT (key, run_uuid) DO UPDATE SET value = excluded.value`,
			t.Key, t.Value, runID)
		if err != nil {
			return errors.Wrapf(err, "set tag %q", t.Key)
		}
	}
	return nil
}

func (s *SQLStore) GetMetricHistory(ctx context.Context, runID, key string) ([]Metric, error) {
	if err := ValidateKey("metric", key); err != nil {
		return nil, err
	}
	if _, err := s.getRunInfo(ctx, s.db, runID); err != nil {
		return nil, err
	}
	hist := []Metric{}
	err := queryEach(ctx, s.db, func(rows *sql.Rows) error {
		m, err := scanMetric(rows)
		if err != nil {
			return err
		}
		hist = append(hist, m)
		return nil
	}, `SELECT key, value, is_nan, timestamp, step FROM metrics
		WHERE run_uuid = ? AND key = ? ORDER BY step, timestamp`, runID, key)
	if err != nil {
		return nil, err
	}
	return hist, nil
}

func (s *SQLStore) Close() error {
	return errors.WithStack(s.db.Close())
}

func scanMetric(rows *sql.Rows) (Metric, error) {
	var (
		m     Metric
		isNaN bool
	)
	if err := rows.Scan(&m.Key, &m.Value, &isNaN, &m.Timestamp, &m.Step); err != nil {
		return m, err
	}
	m.Value = joinValue(m.Value, isNaN)
	return m, nil
}

func queryEach(ctx context.Context, q querier, fn func(*sql.Rows) error, query string, args ...any) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "query")
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return errors.Wrap(err, "scan")
		}
	}
	return errors.WithStack(rows.Err())
}
