package tracking

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryDSN names a fresh shared-cache in-memory database per call.
func memoryDSN() string {
	return "file:testdb_" + ulid.Make().String() + "?mode=memory&cache=shared"
}

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	opts := append(quietOpts(), WithArtifactRoot(t.TempDir()))
	s, err := NewSQLStore(context.Background(), memoryDSN(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStoreContract(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store { return newTestSQLStore(t) })
}

func TestSQLStoreSequentialIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)

	a, err := s.CreateExperiment(ctx, "a", "")
	require.NoError(t, err)
	b, err := s.CreateExperiment(ctx, "b", "")
	require.NoError(t, err)
	assert.Equal(t, "1", a)
	assert.Equal(t, "2", b)
}

func TestSQLStoreFileDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	uri := "sqlite:///" + filepath.ToSlash(filepath.Join(dir, "mlruns.db"))

	store, err := OpenStore(ctx, uri, quietOpts()...)
	require.NoError(t, err)
	s, ok := store.(*SQLStore)
	require.True(t, ok)

	id, err := s.CreateExperiment(ctx, "on-disk", "")
	require.NoError(t, err)
	exp, err := s.GetExperiment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pathToFileURI(filepath.Join(dir, "mlartifacts", id)), exp.ArtifactLocation)

	info, err := s.CreateRun(ctx, id, "persisted", 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.LogParam(ctx, info.RunID, Param{Key: "depth", Value: "6"}))
	require.NoError(t, s.Close())

	reopened, err := OpenStore(ctx, uri, quietOpts()...)
	require.NoError(t, err)
	defer reopened.Close()
	run, err := reopened.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	depth, _ := run.Data.Param("depth")
	assert.Equal(t, "6", depth)

	_, err = reopened.CreateExperiment(ctx, "on-disk", "")
	require.Error(t, err)
}

func TestSQLStoreLatestMetricKeepsHighestStep(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)
	info, err := s.CreateRun(ctx, DefaultExperimentID, "latest", 1, nil)
	require.NoError(t, err)

	require.NoError(t, s.LogMetric(ctx, info.RunID, Metric{Key: "auc", Value: 0.7, Timestamp: 50, Step: 5}))
	require.NoError(t, s.LogMetric(ctx, info.RunID, Metric{Key: "auc", Value: 0.9, Timestamp: 90, Step: 1}))
	// Exact duplicates are ignored in the history.
	require.NoError(t, s.LogMetric(ctx, info.RunID, Metric{Key: "auc", Value: 0.9, Timestamp: 90, Step: 1}))

	run, err := s.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	latest, ok := run.Data.Metric("auc")
	require.True(t, ok)
	assert.Equal(t, int64(5), latest.Step)
	assert.Equal(t, 0.7, latest.Value)

	hist, err := s.GetMetricHistory(ctx, info.RunID, "auc")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestSQLStoreUpdateUnknownRun(t *testing.T) {
	s := newTestSQLStore(t)
	_, err := s.UpdateRunInfo(context.Background(), "ffffffffffffffffffffffffffffffff", RunStatusFailed, 1)
	require.Error(t, err)
}
