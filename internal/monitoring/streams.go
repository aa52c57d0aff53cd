package monitoring

import (
	"io"
	"log"
	"sync/atomic"
)

// Streams is a package's set of three log streams: ops for actionable
// warnings and data loss, diag for day-to-day diagnostics, trace for
// per-packet or per-iteration telemetry. The zero value discards all three.
type Streams struct {
	prefix string
	ops    atomic.Pointer[log.Logger]
	diag   atomic.Pointer[log.Logger]
	trace  atomic.Pointer[log.Logger]
}

// NewStreams returns a discarding set whose lines will carry "[name] ".
func NewStreams(name string) *Streams {
	return &Streams{prefix: "[" + name + "] "}
}

// SetWriters configures the streams. Pass nil for any writer to disable it.
func (s *Streams) SetWriters(ops, diag, trace io.Writer) {
	s.ops.Store(s.newLogger(ops))
	s.diag.Store(s.newLogger(diag))
	s.trace.Store(s.newLogger(trace))
}

func (s *Streams) newLogger(w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, s.prefix, log.LstdFlags|log.Lmicroseconds)
}

func (s *Streams) Opsf(format string, args ...interface{})   { printf(&s.ops, format, args) }
func (s *Streams) Diagf(format string, args ...interface{})  { printf(&s.diag, format, args) }
func (s *Streams) Tracef(format string, args ...interface{}) { printf(&s.trace, format, args) }

// TraceEnabled reports whether trace lines go anywhere, so hot loops can
// skip building them.
func (s *Streams) TraceEnabled() bool { return s.trace.Load() != nil }

func printf(p *atomic.Pointer[log.Logger], format string, args []interface{}) {
	if l := p.Load(); l != nil {
		l.Printf(format, args...)
	}
}
