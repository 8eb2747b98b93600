package tracking

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(context.Background(), filepath.Join(t.TempDir(), "mlruns"), quietOpts()...)
	require.NoError(t, err)
	return s
}

func TestFileStoreContract(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store { return newTestFileStore(t) })
}

func TestFileStoreLayout(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	expID, err := s.CreateExperiment(ctx, "layout", "")
	require.NoError(t, err)
	assert.Equal(t, "1", expID)

	var meta map[string]any
	data, err := os.ReadFile(filepath.Join(s.Root(), expID, "meta.yaml"))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &meta))
	assert.Equal(t, "layout", meta["name"])
	assert.Equal(t, "active", meta["lifecycle_stage"])
	assert.Equal(t, pathToFileURI(filepath.Join(s.Root(), expID)), meta["artifact_location"])

	info, err := s.CreateRun(ctx, expID, "r", 10, nil)
	require.NoError(t, err)
	runDir := filepath.Join(s.Root(), expID, info.RunID)
	for _, sub := range []string{"params", "metrics", "tags", "artifacts"} {
		assert.DirExists(t, filepath.Join(runDir, sub))
	}

	require.NoError(t, s.LogParam(ctx, info.RunID, Param{Key: "lr", Value: "0.1"}))
	require.NoError(t, s.LogMetric(ctx, info.RunID, Metric{Key: "eval/l2", Value: 0.5, Timestamp: 1700, Step: 3}))
	require.NoError(t, s.LogMetric(ctx, info.RunID, Metric{Key: "eval/l2", Value: 0.25, Timestamp: 1800, Step: 4}))

	param, err := os.ReadFile(filepath.Join(runDir, "params", "lr"))
	require.NoError(t, err)
	assert.Equal(t, "0.1", string(param))

	metric, err := os.ReadFile(filepath.Join(runDir, "metrics", "eval", "l2"))
	require.NoError(t, err)
	assert.Equal(t, "1700 0.5 3\n1800 0.25 4\n", string(metric))

	run, err := s.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	latest, ok := run.Data.Metric("eval/l2")
	require.True(t, ok)
	assert.Equal(t, 0.25, latest.Value)
	assert.Equal(t, "tester", run.Info.UserID)
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "mlruns")

	s, err := NewFileStore(ctx, root, quietOpts()...)
	require.NoError(t, err)
	first, err := s.CreateExperiment(ctx, "a", "")
	require.NoError(t, err)
	info, err := s.CreateRun(ctx, first, "run", 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.LogParam(ctx, info.RunID, Param{Key: "k", Value: "v"}))

	reopened, err := NewFileStore(ctx, root, quietOpts()...)
	require.NoError(t, err)
	second, err := reopened.CreateExperiment(ctx, "b", "")
	require.NoError(t, err)
	assert.Equal(t, "1", first)
	assert.Equal(t, "2", second)

	run, err := reopened.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	v, _ := run.Data.Param("k")
	assert.Equal(t, "v", v)
}

func TestFileStoreSkipsForeignDirectories(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), ".trash"), 0o755))

	_, err := s.CreateExperiment(ctx, "after-trash", "")
	require.NoError(t, err)
	exp, err := s.GetExperimentByName(ctx, "after-trash")
	require.NoError(t, err)
	assert.Equal(t, "1", exp.ExperimentID)
}

func TestFileStoreCustomArtifactRoot(t *testing.T) {
	ctx := context.Background()
	artifacts := t.TempDir()
	opts := append(quietOpts(), WithArtifactRoot(artifacts))
	s, err := NewFileStore(ctx, filepath.Join(t.TempDir(), "mlruns"), opts...)
	require.NoError(t, err)

	id, err := s.CreateExperiment(ctx, "custom", "")
	require.NoError(t, err)
	exp, err := s.GetExperiment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pathToFileURI(filepath.Join(artifacts, id)), exp.ArtifactLocation)

	id, err = s.CreateExperiment(ctx, "explicit", "s3://bucket/path")
	require.NoError(t, err)
	exp, err = s.GetExperiment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/path", exp.ArtifactLocation)
}

func TestParseMetricLines(t *testing.T) {
	hist, err := parseMetricLines("loss", "10 0.5 1\n\n20 0.25\n")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, Metric{Key: "loss", Value: 0.5, Timestamp: 10, Step: 1}, hist[0])
	assert.Equal(t, Metric{Key: "loss", Value: 0.25, Timestamp: 20, Step: 0}, hist[1])

	_, err = parseMetricLines("loss", "10\n")
	assert.Error(t, err)
	_, err = parseMetricLines("loss", "ten 0.5 1\n")
	assert.Error(t, err)
}
