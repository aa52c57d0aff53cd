// Package monitoring holds the process-wide diagnostic hook used by
// infrastructure packages (serial port, storage) and the per-package
// ops/diag/trace Streams used by the decoding and registration pipeline.
package monitoring

import (
	"io"
	"log"
	"strings"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Prefixed returns a logger that prepends prefix and forwards to whatever
// Logf is at call time.
func Prefixed(prefix string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}

// Writer returns an io.Writer that sends each write to Logf as one line,
// for libraries that want a writer rather than a printf function.
func Writer(prefix string) io.Writer {
	return lineWriter(prefix)
}

type lineWriter string

func (w lineWriter) Write(p []byte) (int, error) {
	Logf("%s%s", string(w), strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
