// Package expkit trains gradient-boosted regression models and records
// every run to an MLflow-compatible experiment tracker.
//
// # Features
//
//   - Gradient boosting with LightGBM parameter names and aliases
//   - Run tracking to a local mlruns directory, a SQLite database or an MLflow server
//   - Nested configuration flattened into dotted params
//   - Typed errors with stack traces and structured logging
//
// # Installation
//
//	go get github.com/YuminosukeSato/expkit
//
// # Quick Start
//
//	lg, err := experiment.New("./mlruns")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer lg.Close()
//
//	if err := lg.StartExperiment(ctx, "baseline"); err != nil {
//	    log.Fatal(err)
//	}
//	_ = lg.LogParamsFromConfig(ctx, cfg)
//
//	tr := trainer.New(map[string]any{"objective": "regression", "num_leaves": 15})
//	if err := tr.Preprocessing(X, y); err != nil {
//	    log.Fatal(err)
//	}
//	if err := tr.Train(); err != nil {
//	    log.Fatal(err)
//	}
//	scores, _ := tr.Evaluate()
//	_ = lg.LogMetric(ctx, "l2", scores["l2"])
//	_ = lg.TerminateExperiment(ctx)
//
// # Packages
//
//   - experiment: run lifecycle facade (start, log, terminate)
//   - tracking: stores (file, sqlite, REST), artifact repositories, client
//   - config: ordered config trees and flattening
//   - trainer: split, bin, fit, predict workflow
//   - gbdt: histogram gradient boosting
//   - metrics: regression and classification metrics
//   - sklearn/model_selection: train/test split
//   - core/parallel: parallel processing utilities
//   - core/state: lifecycle stage tracking
//   - pkg/errors, pkg/log: typed errors and structured logging
//
// See examples/experiment_tracking for an end-to-end run.
package expkit
