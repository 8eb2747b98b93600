// Package metrics は学習結果の評価指標を gonum のベクトル上で計算する。
//
// gbdt の評価ループとトレーナーの Evaluate はどちらもこのパッケージを使う。
package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// checkPair は yTrue と yPred の長さを検証する
func checkPair(op string, yTrue, yPred mat.Vector) (int, error) {
	n := yTrue.Len()
	if n == 0 {
		return 0, errors.NewValueError(op, "empty vector")
	}
	if yPred.Len() != n {
		return 0, errors.NewDimensionError(op, n, yPred.Len(), 0)
	}
	return n, nil
}

// residuals は yTrue - yPred を返す
func residuals(yTrue, yPred mat.Vector, n int) []float64 {
	r := make([]float64, n)
	for i := range r {
		r[i] = yTrue.AtVec(i) - yPred.AtVec(i)
	}
	return r
}

// MSE は平均二乗誤差（Mean Squared Error）を計算する
func MSE(yTrue, yPred mat.Vector) (float64, error) {
	n, err := checkPair("MSE", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	r := residuals(yTrue, yPred, n)
	return floats.Dot(r, r) / float64(n), nil
}

// MSEMatrix は n×1 行列の入力に対して MSE を計算する
func MSEMatrix(yTrue, yPred mat.Matrix) (float64, error) {
	rTrue, cTrue := yTrue.Dims()
	rPred, cPred := yPred.Dims()
	if rTrue == 0 || cTrue == 0 {
		return 0, errors.NewValueError("MSEMatrix", "empty matrix")
	}
	if rTrue != rPred || cTrue != cPred {
		return 0, errors.NewDimensionError("MSEMatrix", rTrue, rPred, 0)
	}
	if cTrue != 1 {
		return 0, errors.NewValueError("MSEMatrix", "must be a column vector (n×1 matrix)")
	}
	return MSE(ColumnOf(yTrue), ColumnOf(yPred))
}

// ColumnOf は n×1 行列（またはベクトル）を mat.Vector として返す
func ColumnOf(m mat.Matrix) mat.Vector {
	if v, ok := m.(mat.Vector); ok {
		return v
	}
	r, _ := m.Dims()
	return mat.NewVecDense(r, mat.Col(nil, 0, m))
}

// RMSE は平方根平均二乗誤差を計算する
func RMSE(yTrue, yPred mat.Vector) (float64, error) {
	mse, err := MSE(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(mse), nil
}

// MAE は平均絶対誤差を計算する
func MAE(yTrue, yPred mat.Vector) (float64, error) {
	n, err := checkPair("MAE", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return floats.Norm(residuals(yTrue, yPred, n), 1) / float64(n), nil
}

// Huber は Huber 損失の平均を計算する。|r| <= delta では 0.5r²、それ以外は線形。
func Huber(yTrue, yPred mat.Vector, delta float64) (float64, error) {
	n, err := checkPair("Huber", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	if delta <= 0 {
		return 0, errors.NewValidationError("huber_delta", "must be positive", delta)
	}
	var sum float64
	for _, r := range residuals(yTrue, yPred, n) {
		a := math.Abs(r)
		if a <= delta {
			sum += 0.5 * r * r
		} else {
			sum += delta * (a - 0.5*delta)
		}
	}
	return sum / float64(n), nil
}

// R2Score は決定係数（R²）を計算する
func R2Score(yTrue, yPred mat.Vector) (float64, error) {
	n, err := checkPair("R2Score", yTrue, yPred)
	if err != nil {
		return 0, err
	}

	yMean := mat.Sum(yTrue) / float64(n)
	var tss float64
	for i := 0; i < n; i++ {
		d := yTrue.AtVec(i) - yMean
		tss += d * d
	}
	if tss == 0 {
		return 0, errors.Newf("R2Score: total sum of squares is zero (no variance in yTrue)")
	}

	r := residuals(yTrue, yPred, n)
	return 1 - floats.Dot(r, r)/tss, nil
}
