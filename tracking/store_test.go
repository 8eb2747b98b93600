package tracking

import (
	"context"
	"math"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
)

var runIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func quietOpts() []Option {
	logger, _ := log.NewTestLogger(log.LevelError)
	return []Option{WithLogger(logger), WithUserID("tester")}
}

// testStoreContract runs the behaviour every Store must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("default experiment", func(t *testing.T) {
		s := newStore(t)
		exp, err := s.GetExperiment(ctx, DefaultExperimentID)
		require.NoError(t, err)
		assert.Equal(t, DefaultExperimentName, exp.Name)
		assert.Equal(t, LifecycleActive, exp.LifecycleStage)

		byName, err := s.GetExperimentByName(ctx, DefaultExperimentName)
		require.NoError(t, err)
		assert.Equal(t, DefaultExperimentID, byName.ExperimentID)
	})

	t.Run("create experiment twice", func(t *testing.T) {
		s := newStore(t)
		id, err := s.CreateExperiment(ctx, "baseline", "")
		require.NoError(t, err)
		require.NotEmpty(t, id)
		assert.NotEqual(t, DefaultExperimentID, id)

		_, err = s.CreateExperiment(ctx, "baseline", "")
		require.Error(t, err)
		assert.True(t, errors.IsAlreadyExists(err), "got %v", err)

		exp, err := s.GetExperimentByName(ctx, "baseline")
		require.NoError(t, err)
		assert.Equal(t, id, exp.ExperimentID)
		assert.NotEmpty(t, exp.ArtifactLocation)

		_, err = s.GetExperimentByName(ctx, "missing")
		assert.True(t, errors.IsNotFound(err), "got %v", err)
	})

	t.Run("run lifecycle", func(t *testing.T) {
		s := newStore(t)
		expID, err := s.CreateExperiment(ctx, "lifecycle", "")
		require.NoError(t, err)

		info, err := s.CreateRun(ctx, expID, "first", 1000, []RunTag{{Key: "team", Value: "ml"}})
		require.NoError(t, err)
		assert.Regexp(t, runIDPattern, info.RunID)
		assert.Equal(t, RunStatusRunning, info.Status)
		assert.Equal(t, "first", info.RunName)
		assert.Equal(t, expID, info.ExperimentID)
		assert.Contains(t, info.ArtifactURI, info.RunID)

		run, err := s.GetRun(ctx, info.RunID)
		require.NoError(t, err)
		name, ok := run.Data.Tag(TagRunName)
		assert.True(t, ok)
		assert.Equal(t, "first", name)
		team, _ := run.Data.Tag("team")
		assert.Equal(t, "ml", team)
		assert.Zero(t, run.Info.EndTime)

		updated, err := s.UpdateRunInfo(ctx, info.RunID, RunStatusFinished, 2000)
		require.NoError(t, err)
		assert.Equal(t, RunStatusFinished, updated.Status)
		assert.Equal(t, int64(2000), updated.EndTime)

		run, err = s.GetRun(ctx, info.RunID)
		require.NoError(t, err)
		assert.Equal(t, RunStatusFinished, run.Info.Status)
	})

	t.Run("unknown run", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetRun(ctx, "0123456789abcdef0123456789abcdef")
		assert.True(t, errors.IsNotFound(err), "got %v", err)
		err = s.LogParam(ctx, "0123456789abcdef0123456789abcdef", Param{Key: "a", Value: "1"})
		assert.True(t, errors.IsNotFound(err), "got %v", err)
	})

	t.Run("params last write wins", func(t *testing.T) {
		s := newStore(t)
		info, err := s.CreateRun(ctx, DefaultExperimentID, "", 1, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, info.RunName)

		require.NoError(t, s.LogParam(ctx, info.RunID, Param{Key: "lr", Value: "0.1"}))
		require.NoError(t, s.LogParam(ctx, info.RunID, Param{Key: "lr", Value: "0.05"}))

		run, err := s.GetRun(ctx, info.RunID)
		require.NoError(t, err)
		lr, ok := run.Data.Param("lr")
		require.True(t, ok)
		assert.Equal(t, "0.05", lr)
		assert.Len(t, run.Data.Params, 1)
	})

	t.Run("metric history ordered by step", func(t *testing.T) {
		s := newStore(t)
		info, err := s.CreateRun(ctx, DefaultExperimentID, "metrics", 1, nil)
		require.NoError(t, err)

		for _, m := range []Metric{
			{Key: "loss", Value: 0.3, Timestamp: 30, Step: 2},
			{Key: "loss", Value: 0.9, Timestamp: 10, Step: 0},
			{Key: "loss", Value: 0.5, Timestamp: 20, Step: 1},
		} {
			require.NoError(t, s.LogMetric(ctx, info.RunID, m))
		}

		hist, err := s.GetMetricHistory(ctx, info.RunID, "loss")
		require.NoError(t, err)
		require.Len(t, hist, 3)
		for i, m := range hist {
			assert.Equal(t, int64(i), m.Step)
		}
		assert.InDelta(t, 0.9, hist[0].Value, 1e-12)

		run, err := s.GetRun(ctx, info.RunID)
		require.NoError(t, err)
		latest, ok := run.Data.Metric("loss")
		require.True(t, ok)
		assert.Equal(t, int64(2), latest.Step)
		assert.InDelta(t, 0.3, latest.Value, 1e-12)

		empty, err := s.GetMetricHistory(ctx, info.RunID, "never_logged")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("nan metric", func(t *testing.T) {
		s := newStore(t)
		info, err := s.CreateRun(ctx, DefaultExperimentID, "nan", 1, nil)
		require.NoError(t, err)
		require.NoError(t, s.LogMetric(ctx, info.RunID, Metric{Key: "score", Value: math.NaN(), Timestamp: 5}))

		hist, err := s.GetMetricHistory(ctx, info.RunID, "score")
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.True(t, math.IsNaN(hist[0].Value))
	})

	t.Run("batch", func(t *testing.T) {
		s := newStore(t)
		info, err := s.CreateRun(ctx, DefaultExperimentID, "batch", 1, nil)
		require.NoError(t, err)

		err = s.LogBatch(ctx, info.RunID,
			[]Metric{{Key: "acc", Value: 0.8, Timestamp: 1, Step: 0}},
			[]Param{{Key: "model.num_leaves", Value: "31"}, {Key: "model.objective", Value: "regression"}},
			[]RunTag{{Key: "stage", Value: "dev"}})
		require.NoError(t, err)

		run, err := s.GetRun(ctx, info.RunID)
		require.NoError(t, err)
		leaves, _ := run.Data.Param("model.num_leaves")
		assert.Equal(t, "31", leaves)
		stage, _ := run.Data.Tag("stage")
		assert.Equal(t, "dev", stage)
		_, ok := run.Data.Metric("acc")
		assert.True(t, ok)
	})

	t.Run("invalid batch writes nothing", func(t *testing.T) {
		s := newStore(t)
		info, err := s.CreateRun(ctx, DefaultExperimentID, "invalid", 1, nil)
		require.NoError(t, err)

		err = s.LogBatch(ctx, info.RunID, nil,
			[]Param{{Key: "ok", Value: "1"}, {Key: "../escape", Value: "2"}}, nil)
		var vErr *errors.ValidationError
		require.True(t, errors.As(err, &vErr), "got %v", err)

		err = s.LogBatch(ctx, info.RunID, nil,
			[]Param{{Key: "dup", Value: "1"}, {Key: "dup", Value: "2"}}, nil)
		var dupErr *errors.DuplicateKeyError
		require.True(t, errors.As(err, &dupErr), "got %v", err)

		run, err := s.GetRun(ctx, info.RunID)
		require.NoError(t, err)
		assert.Empty(t, run.Data.Params)
	})
}
