package tracking

import (
	"strings"
	"testing"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"simple", "learning_rate", false},
		{"dotted", "model.params.num_leaves", false},
		{"nested path", "eval/valid_0/l2", false},
		{"spaces and dashes", "train loss-v2", false},
		{"empty", "", true},
		{"too long", strings.Repeat("k", MaxEntityKeyLength+1), true},
		{"max length", strings.Repeat("k", MaxEntityKeyLength), false},
		{"illegal character", "loss@valid", true},
		{"parent directory", "a/../b", true},
		{"absolute", "/etc/passwd", true},
		{"dots inside a name", "a..b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey("param", tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if err != nil {
				var vErr *errors.ValidationError
				if !errors.As(err, &vErr) {
					t.Errorf("expected ValidationError, got %T", err)
				}
			}
		})
	}
}

func TestValidateBatch(t *testing.T) {
	long := strings.Repeat("v", MaxParamValLength+1)
	tests := []struct {
		name    string
		metrics []Metric
		params  []Param
		tags    []RunTag
		wantErr bool
	}{
		{name: "empty", wantErr: false},
		{name: "valid", metrics: []Metric{{Key: "m", Timestamp: 1}}, params: []Param{{Key: "p", Value: "1"}}, tags: []RunTag{{Key: "t", Value: "x"}}},
		{name: "param value too long", params: []Param{{Key: "p", Value: long}}, wantErr: true},
		{name: "param value at limit", params: []Param{{Key: "p", Value: long[1:]}}},
		{name: "negative timestamp", metrics: []Metric{{Key: "m", Timestamp: -1}}, wantErr: true},
		{name: "bad tag key", tags: []RunTag{{Key: "t!", Value: "x"}}, wantErr: true},
		{name: "duplicate params", params: []Param{{Key: "p", Value: "1"}, {Key: "p", Value: "1"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatch(tt.metrics, tt.params, tt.tags)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBatch() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunStatus(t *testing.T) {
	for s, name := range runStatusNames {
		got, err := ParseRunStatus(strings.ToLower(name))
		if err != nil || got != s {
			t.Errorf("ParseRunStatus(%q) = %v, %v", name, got, err)
		}
		if s.String() != name {
			t.Errorf("String() = %q, want %q", s.String(), name)
		}
	}
	if _, err := ParseRunStatus("DONE"); err == nil {
		t.Error("expected error for unknown status")
	}
	if RunStatusRunning.IsTerminated() || RunStatusScheduled.IsTerminated() {
		t.Error("running and scheduled are not terminal")
	}
	if !RunStatusFinished.IsTerminated() || !RunStatusFailed.IsTerminated() || !RunStatusKilled.IsTerminated() {
		t.Error("finished, failed and killed are terminal")
	}
}

func TestNewerMetric(t *testing.T) {
	base := Metric{Key: "m", Value: 1, Timestamp: 10, Step: 1}
	if !newerMetric(Metric{Value: 0, Timestamp: 0, Step: 2}, base) {
		t.Error("higher step wins")
	}
	if !newerMetric(Metric{Value: 0, Timestamp: 11, Step: 1}, base) {
		t.Error("later timestamp wins on equal step")
	}
	if !newerMetric(Metric{Value: 2, Timestamp: 10, Step: 1}, base) {
		t.Error("larger value wins on equal step and timestamp")
	}
	if newerMetric(Metric{Value: 5, Timestamp: 50, Step: 0}, base) {
		t.Error("lower step never wins")
	}
}
