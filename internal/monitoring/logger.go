// Package monitoring holds the process-wide diagnostic logger used by the
// trigger and frame pipelines.
package monitoring

import (
	"fmt"
	"log"
	"sync/atomic"
)

type logFunc func(format string, v ...interface{})

var current atomic.Pointer[logFunc]

func init() {
	f := logFunc(log.Printf)
	current.Store(&f)
}

// Logf writes through the current logger. It defaults to log.Printf.
func Logf(format string, v ...interface{}) {
	(*current.Load())(format, v...)
}

// SetLogger replaces the package logger. Passing nil installs a no-op logger,
// which is what most tests want.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	lf := logFunc(f)
	current.Store(&lf)
}

// Tagged returns a logger that prefixes every line with "[tag] ".
func Tagged(tag string) func(format string, v ...interface{}) {
	prefix := fmt.Sprintf("[%s] ", tag)
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
