// Package gbdt is a histogram-based gradient boosting decision tree learner
// that accepts LightGBM parameter names.
//
// A typical session builds a training Dataset, a validation Dataset that
// references the training bin mappers, and calls Train:
//
//	train, _ := gbdt.NewDataset(XTrain, yTrain)
//	valid, _ := gbdt.NewDataset(XValid, yValid, gbdt.WithReference(train))
//	booster, err := gbdt.Train(map[string]any{
//	    "objective":     "regression",
//	    "num_leaves":    31,
//	    "learning_rate": 0.05,
//	    "early_stopping_rounds": 10,
//	}, train, []*gbdt.Dataset{valid})
//	pred, err := booster.Predict(XTest)
//
// Trees grow leaf-wise: each step splits the leaf with the largest gain
// until num_leaves is reached or no leaf satisfies the split constraints.
// Missing values (NaN) always fall into the leftmost bin and go left.
package gbdt
