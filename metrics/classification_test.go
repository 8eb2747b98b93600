package metrics

import (
	"math"
	"testing"
)

func TestLogLoss(t *testing.T) {
	tests := []struct {
		name  string
		yTrue []float64
		prob  []float64
		want  float64
	}{
		{"coin flip", []float64{1, 0}, []float64{0.5, 0.5}, math.Log(2)},
		{"confident and right", []float64{1, 0}, []float64{0.9, 0.1}, -math.Log(0.9)},
		{"clipped at zero", []float64{1}, []float64{0}, -math.Log(logLossEps)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LogLoss(vec(tt.yTrue...), vec(tt.prob...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("LogLoss() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogLossRejectsNonBinaryLabels(t *testing.T) {
	if _, err := LogLoss(vec(0, 2), vec(0.1, 0.9)); err == nil {
		t.Error("expected an error for label 2")
	}
}

func TestBinaryErrorAndAccuracy(t *testing.T) {
	yTrue := vec(1, 0, 1, 0)
	prob := vec(0.8, 0.3, 0.4, 0.6)

	errRate, err := BinaryError(yTrue, prob, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if errRate != 0.5 {
		t.Errorf("BinaryError() = %v, want 0.5", errRate)
	}

	acc, err := Accuracy(yTrue, prob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc != 0.5 {
		t.Errorf("Accuracy() = %v, want 0.5", acc)
	}
}
