package gbdt

import (
	"bytes"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/expkit/metrics"
	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
)

// makeData returns X uniform in [0,1)^2 plus a constant third column, and
// labels produced by label(x0, x1, noise).
func makeData(n int, seed uint64, label func(x0, x1, noise float64) float64) (*mat.Dense, *mat.VecDense) {
	rng := rand.New(rand.NewPCG(seed, seed))
	X := mat.NewDense(n, 3, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		x0, x1 := rng.Float64(), rng.Float64()
		X.Set(i, 0, x0)
		X.Set(i, 1, x1)
		X.Set(i, 2, 1)
		y.SetVec(i, label(x0, x1, rng.NormFloat64()))
	}
	return X, y
}

func linear(x0, x1, _ float64) float64 { return 4*x0 + 2*x1 }

func quietLogger() log.Logger {
	l, _ := log.NewTestLogger(log.LevelError)
	return l
}

func mustDatasets(t *testing.T, label func(x0, x1, noise float64) float64) (*Dataset, *Dataset) {
	t.Helper()
	Xtr, ytr := makeData(600, 1, label)
	Xva, yva := makeData(200, 2, label)
	train, err := NewDataset(Xtr, ytr)
	if err != nil {
		t.Fatalf("NewDataset(train) error = %v", err)
	}
	valid, err := NewDataset(Xva, yva, WithReference(train))
	if err != nil {
		t.Fatalf("NewDataset(valid) error = %v", err)
	}
	return train, valid
}

func TestTrainRegressionLearnsSignal(t *testing.T) {
	train, valid := mustDatasets(t, linear)

	booster, err := Train(map[string]any{
		"objective":        "regression",
		"num_iterations":   100,
		"num_leaves":       15,
		"min_data_in_leaf": 5,
	}, train, []*Dataset{valid}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	history := booster.EvalHistory()["valid_0"]["l2"]
	if len(history) != booster.NumTrees() {
		t.Fatalf("recorded %d evaluations for %d trees", len(history), booster.NumTrees())
	}
	// Labels have variance 16/12 + 4/12.
	variance := 20.0 / 12.0
	if last := history[len(history)-1]; last > 0.1*variance {
		t.Errorf("validation l2 = %v, want well below label variance %v", last, variance)
	}
	if history[len(history)-1] >= history[0] {
		t.Errorf("validation l2 did not decrease: first %v, last %v", history[0], history[len(history)-1])
	}
	if got := booster.BestScore()["valid_0"]["l2"]; got != history[len(history)-1] {
		t.Errorf("BestScore() = %v, want last value %v without early stopping", got, history[len(history)-1])
	}

	Xte, yte := makeData(100, 3, linear)
	pred, err := booster.Predict(Xte)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	r2, err := metrics.R2Score(yte, pred)
	if err != nil {
		t.Fatalf("R2Score() error = %v", err)
	}
	if r2 < 0.9 {
		t.Errorf("test R2 = %v, want >= 0.9", r2)
	}

	imp := booster.FeatureImportance(ImportanceSplit)
	if imp[0] == 0 || imp[1] == 0 {
		t.Errorf("informative features unused: %v", imp)
	}
	if imp[2] != 0 {
		t.Errorf("constant feature was split on: %v", imp)
	}
}

func TestTrainBinary(t *testing.T) {
	train, valid := mustDatasets(t, func(x0, _, _ float64) float64 {
		if x0 > 0.5 {
			return 1
		}
		return 0
	})

	booster, err := Train(map[string]any{
		"objective":      "binary",
		"metric":         []string{"binary_logloss", "binary_error"},
		"num_iterations": 30,
	}, train, []*Dataset{train, valid}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	best := booster.BestScore()
	if _, ok := best[TrainingName]; !ok {
		t.Errorf("training set was not evaluated: %v", best)
	}
	if e := best["valid_0"]["binary_error"]; e > 0.05 {
		t.Errorf("validation binary_error = %v, want <= 0.05", e)
	}

	X, _ := makeData(50, 9, linear)
	prob, err := booster.Predict(X)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	raw, err := booster.Predict(X, WithRawScore())
	if err != nil {
		t.Fatalf("Predict(raw) error = %v", err)
	}
	for i := 0; i < prob.Len(); i++ {
		p := prob.AtVec(i)
		if p < 0 || p > 1 {
			t.Fatalf("probability out of range: %v", p)
		}
		if math.Abs(sigmoid(raw.AtVec(i))-p) > 1e-12 {
			t.Fatalf("raw score %v does not map to probability %v", raw.AtVec(i), p)
		}
	}
}

func TestEarlyStoppingOnNoise(t *testing.T) {
	train, valid := mustDatasets(t, func(_, _, noise float64) float64 { return noise })

	booster, err := Train(map[string]any{
		"num_iterations":        200,
		"learning_rate":         0.3,
		"num_leaves":            31,
		"min_data_in_leaf":      5,
		"early_stopping_rounds": 5,
	}, train, []*Dataset{valid}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	if booster.NumTrees() >= 200 {
		t.Fatalf("NumTrees() = %d, expected early stop before 200", booster.NumTrees())
	}
	best := booster.BestIteration()
	if best < 1 || best+5 != booster.NumTrees() {
		t.Errorf("BestIteration() = %d with %d trees, want trees = best + 5", best, booster.NumTrees())
	}

	X, _ := makeData(20, 4, linear)
	byDefault, err := booster.Predict(X)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	atBest, err := booster.Predict(X, WithNumIteration(best))
	if err != nil {
		t.Fatalf("Predict(best) error = %v", err)
	}
	if !mat.Equal(byDefault, atBest) {
		t.Error("default prediction should use the best iteration")
	}
}

func TestEarlyStoppingRequiresValidation(t *testing.T) {
	train, _ := mustDatasets(t, linear)
	_, err := Train(map[string]any{"early_stopping_round": 3}, train, nil, WithLogger(quietLogger()))

	var valErr *errors.ValueError
	if !errors.As(err, &valErr) {
		t.Errorf("expected ValueError, got %v", err)
	}
}

func TestTrainRebinsUnreferencedValidation(t *testing.T) {
	train, _ := mustDatasets(t, linear)
	Xva, yva := makeData(50, 5, linear)
	valid, err := NewDataset(Xva, yva)
	if err != nil {
		t.Fatalf("NewDataset() error = %v", err)
	}

	booster, err := Train(map[string]any{"num_iterations": 5}, train, []*Dataset{valid},
		WithValidNames("holdout"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if got := len(booster.EvalHistory()["holdout"]["l2"]); got != 5 {
		t.Errorf("holdout evaluations = %d, want 5", got)
	}
}

func TestCallbacks(t *testing.T) {
	train, valid := mustDatasets(t, linear)

	var seen []int
	record := make(EvalHistory)
	_, err := Train(map[string]any{"num_iterations": 4, "metric": "rmse"}, train, []*Dataset{valid},
		WithLogger(quietLogger()),
		WithCallback(
			CallbackFunc(func(env *CallbackEnv) error {
				seen = append(seen, env.Iteration)
				if len(env.Results) != 1 || env.Results[0].MetricName != "rmse" {
					t.Errorf("unexpected results %v", env.Results)
				}
				return nil
			}),
			RecordEvaluation(record),
		))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if len(seen) != 4 || seen[3] != 3 {
		t.Errorf("callback iterations = %v, want [0 1 2 3]", seen)
	}
	if len(record["valid_0"]["rmse"]) != 4 {
		t.Errorf("RecordEvaluation captured %v", record)
	}

	boom := errors.New("boom")
	_, err = Train(map[string]any{"num_iterations": 4}, train, []*Dataset{valid},
		WithLogger(quietLogger()),
		WithCallback(CallbackFunc(func(*CallbackEnv) error { return boom })))
	if !errors.Is(err, boom) {
		t.Errorf("expected callback error to abort training, got %v", err)
	}
}

func TestTrainVerbosity(t *testing.T) {
	train, valid := mustDatasets(t, linear)

	tests := []struct {
		name      string
		verbosity int
		wantInfo  bool
		wantDebug bool
	}{
		{name: "silent", verbosity: -1},
		{name: "warnings", verbosity: 0},
		{name: "info", verbosity: 1, wantInfo: true},
		{name: "debug", verbosity: 2, wantInfo: true, wantDebug: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := log.NewTestLogger(log.LevelDebug)
			_, err := Train(map[string]any{"num_iterations": 2, "verbosity": tt.verbosity},
				train, []*Dataset{valid}, WithLogger(logger))
			if err != nil {
				t.Fatalf("Train() error = %v", err)
			}
			if got := logger.ContainsMessage("Start training"); got != tt.wantInfo {
				t.Errorf("info logged = %v, want %v", got, tt.wantInfo)
			}
			if got := logger.ContainsMessage("Iteration finished"); got != tt.wantDebug {
				t.Errorf("debug logged = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestTrainWithoutSplitsStillEvaluates(t *testing.T) {
	X := mat.NewDense(50, 2, nil)
	y := mat.NewVecDense(50, nil)
	for i := 0; i < 50; i++ {
		X.Set(i, 0, 1)
		X.Set(i, 1, 2)
		y.SetVec(i, float64(i%5))
	}
	train, err := NewDataset(X, y)
	if err != nil {
		t.Fatalf("NewDataset() error = %v", err)
	}
	valid, err := NewDataset(X, y, WithReference(train))
	if err != nil {
		t.Fatalf("NewDataset() error = %v", err)
	}

	booster, err := Train(map[string]any{"num_iterations": 10}, train, []*Dataset{valid}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if booster.NumTrees() != 0 {
		t.Fatalf("NumTrees() = %d, want 0", booster.NumTrees())
	}
	if got := booster.EvalHistory()["valid_0"]["l2"]; len(got) != 1 {
		t.Fatalf("history = %v, want one evaluation", got)
	}
	// Labels 0..4 repeated: the mean model has l2 equal to their variance.
	l2, ok := booster.BestScore()["valid_0"]["l2"]
	if !ok || math.Abs(l2-2) > 1e-9 {
		t.Errorf("BestScore l2 = %v (%v), want 2", l2, ok)
	}
}

func TestBaggingAndFeatureFractionAreSeeded(t *testing.T) {
	train, valid := mustDatasets(t, linear)
	params := map[string]any{
		"num_iterations":   10,
		"bagging_fraction": 0.7,
		"bagging_freq":     1,
		"feature_fraction": 0.5,
		"seed":             11,
	}

	a, err := Train(params, train, []*Dataset{valid}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	b, err := Train(params, train, []*Dataset{valid}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	X, _ := makeData(30, 6, linear)
	pa, _ := a.Predict(X)
	pb, _ := b.Predict(X)
	if !mat.Equal(pa, pb) {
		t.Error("same seed should give identical models")
	}
}

func TestPredictRejectsWrongFeatureCount(t *testing.T) {
	train, _ := mustDatasets(t, linear)
	booster, err := Train(map[string]any{"num_iterations": 2}, train, nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	_, err = booster.Predict(mat.NewDense(2, 5, nil))
	var dimErr *errors.DimensionError
	if !errors.As(err, &dimErr) {
		t.Errorf("expected DimensionError, got %v", err)
	}
}

func TestSaveLoadModel(t *testing.T) {
	train, valid := mustDatasets(t, linear)
	booster, err := Train(map[string]any{"num_iterations": 20, "objective": "huber", "huber_delta": 2.0},
		train, []*Dataset{valid}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	var buf bytes.Buffer
	if err := booster.SaveModel(&buf); err != nil {
		t.Fatalf("SaveModel() error = %v", err)
	}
	loaded, err := LoadModel(&buf)
	if err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}

	X, _ := makeData(40, 7, linear)
	want, _ := booster.Predict(X)
	got, err := loaded.Predict(X)
	if err != nil {
		t.Fatalf("loaded Predict() error = %v", err)
	}
	if !mat.EqualApprox(want, got, 1e-12) {
		t.Error("loaded model predicts differently")
	}
	if loaded.NumTrees() != booster.NumTrees() || loaded.Params().HuberDelta != 2.0 {
		t.Errorf("loaded trees=%d delta=%v", loaded.NumTrees(), loaded.Params().HuberDelta)
	}
}

func TestLoadModelRejectsMalformedTrees(t *testing.T) {
	doc := `{"version":"expkit-gbdt/1","objective":"regression","num_features":1,
"trees":[{"num_leaves":2,"split_feature":[3],"threshold":[0.5],"left_child":[-1],"right_child":[-2],"leaf_value":[0,1]}]}`

	_, err := LoadModel(bytes.NewBufferString(doc))
	var modelErr *errors.ModelError
	if !errors.As(err, &modelErr) {
		t.Errorf("expected ModelError, got %v", err)
	}
}

func TestPlotMetric(t *testing.T) {
	train, valid := mustDatasets(t, linear)
	booster, err := Train(map[string]any{"num_iterations": 5, "metric": "l2,l1"}, train, []*Dataset{valid},
		WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	p, err := booster.PlotMetric("mae")
	if err != nil {
		t.Fatalf("PlotMetric() error = %v", err)
	}
	if p.Y.Label.Text != "l1" {
		t.Errorf("y label = %q, want l1", p.Y.Label.Text)
	}
	if _, err := booster.PlotMetric("rmse"); err == nil {
		t.Error("expected an error for a metric that was not recorded")
	}
}
