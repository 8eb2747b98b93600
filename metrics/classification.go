package metrics

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// logLossEps は log(0) を避けるための確率クリップ幅
const logLossEps = 1e-15

// checkBinaryLabels は 0/1 以外のラベルを拒否する
func checkBinaryLabels(op string, yTrue mat.Vector) error {
	for i := 0; i < yTrue.Len(); i++ {
		if v := yTrue.AtVec(i); v != 0 && v != 1 {
			return errors.NewValueError(op, "labels must be 0 or 1")
		}
	}
	return nil
}

// LogLoss は二値交差エントロピーを計算する。prob は陽性クラスの確率。
func LogLoss(yTrue, prob mat.Vector) (float64, error) {
	n, err := checkPair("LogLoss", yTrue, prob)
	if err != nil {
		return 0, err
	}
	if err := checkBinaryLabels("LogLoss", yTrue); err != nil {
		return 0, err
	}
	var sum float64
	for i := 0; i < n; i++ {
		p := errors.ClipValue(prob.AtVec(i), logLossEps, 1-logLossEps)
		if yTrue.AtVec(i) == 1 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(n), nil
}

// BinaryError は prob > threshold を陽性とした誤分類率を計算する
func BinaryError(yTrue, prob mat.Vector, threshold float64) (float64, error) {
	acc, err := binaryAccuracy("BinaryError", yTrue, prob, threshold)
	if err != nil {
		return 0, err
	}
	return 1 - acc, nil
}

// Accuracy は prob > 0.5 を陽性とした正解率を計算する
func Accuracy(yTrue, prob mat.Vector) (float64, error) {
	return binaryAccuracy("Accuracy", yTrue, prob, 0.5)
}

func binaryAccuracy(op string, yTrue, prob mat.Vector, threshold float64) (float64, error) {
	n, err := checkPair(op, yTrue, prob)
	if err != nil {
		return 0, err
	}
	if err := checkBinaryLabels(op, yTrue); err != nil {
		return 0, err
	}
	correct := 0
	for i := 0; i < n; i++ {
		pred := 0.0
		if prob.AtVec(i) > threshold {
			pred = 1
		}
		if pred == yTrue.AtVec(i) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}
