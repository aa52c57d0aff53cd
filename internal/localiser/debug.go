package localiser

import (
	"io"

	"github.com/banshee-data/scanmatch/internal/monitoring"
)

var logs = monitoring.NewStreams("localiser")

// SetLogWriters configures the ops, diag and trace (per-revolution) streams for
// this package. Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}

func opsf(format string, args ...interface{})   { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{})  { logs.Diagf(format, args...) }
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
