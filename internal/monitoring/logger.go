// Package monitoring holds the process-wide diagnostic logger and the
// operator-facing alert type used by the odometry pipeline.
package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc is the signature of a printf-style logger.
type LogFunc func(format string, v ...interface{})

var logger atomic.Pointer[LogFunc]

func init() {
	var f LogFunc = log.Printf
	logger.Store(&f)
}

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. It is safe to call from sampler goroutines
// while tests swap the logger.
func Logf(format string, v ...interface{}) {
	(*logger.Load())(format, v...)
}

// SetLogger replaces the package logger and returns the previous one.
// Passing nil will set a no-op logger.
func SetLogger(f LogFunc) LogFunc {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	return *logger.Swap(&f)
}
