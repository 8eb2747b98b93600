package gbdt

import (
	"context"
	"sort"
	"strconv"

	"github.com/YuminosukeSato/expkit/pkg/log"
)

func itoa(i int) string { return strconv.Itoa(i) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortInts(s []int) { sort.Ints(s) }

// verbosityLogger drops records below min, mirroring LightGBM's verbosity:
// < 0 errors only, 0 warnings, 1 info, > 1 debug.
type verbosityLogger struct {
	log.Logger
	min log.Level
}

func withVerbosity(l log.Logger, verbosity int) log.Logger {
	min := log.LevelInfo
	switch {
	case verbosity < 0:
		min = log.LevelError
	case verbosity == 0:
		min = log.LevelWarn
	case verbosity > 1:
		min = log.LevelDebug
	}
	return &verbosityLogger{Logger: l, min: min}
}

func (v *verbosityLogger) Debug(msg string, fields ...any) {
	if v.min <= log.LevelDebug {
		v.Logger.Debug(msg, fields...)
	}
}

func (v *verbosityLogger) Info(msg string, fields ...any) {
	if v.min <= log.LevelInfo {
		v.Logger.Info(msg, fields...)
	}
}

func (v *verbosityLogger) Warn(msg string, fields ...any) {
	if v.min <= log.LevelWarn {
		v.Logger.Warn(msg, fields...)
	}
}

func (v *verbosityLogger) With(fields ...any) log.Logger {
	return &verbosityLogger{Logger: v.Logger.With(fields...), min: v.min}
}

func (v *verbosityLogger) Enabled(ctx context.Context, level log.Level) bool {
	return level >= v.min && v.Logger.Enabled(ctx, level)
}
