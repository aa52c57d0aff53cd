package revolution

import (
	"context"
	"sync"
	"sync/atomic"
)

// Latest holds the most recently completed scan. One goroutine publishes,
// any number read. Readers only ever see frozen clouds.
type Latest struct {
	scan atomic.Pointer[Scan]

	mu      sync.Mutex
	changed chan struct{}
}

// NewLatest returns an empty slot.
func NewLatest() *Latest {
	return &Latest{changed: make(chan struct{})}
}

// Publish replaces the held scan and wakes waiting readers. Scans whose
// cloud is not frozen, or that do not cover a whole revolution, are
// rejected with a panic.
func (l *Latest) Publish(s *Scan) {
	if s == nil {
		return
	}
	if !s.Cloud.Frozen() {
		panic("revolution: publishing a cloud that is still mutable")
	}
	if !s.Complete {
		panic("revolution: publishing a partial revolution")
	}
	l.scan.Store(s)

	l.mu.Lock()
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()
}

// Load returns the held scan, or nil if nothing has been published.
func (l *Latest) Load() *Scan {
	return l.scan.Load()
}

// WaitNewer blocks until a scan with Seq greater than after is available and
// returns it. Pass 0 to accept any scan.
func (l *Latest) WaitNewer(ctx context.Context, after uint64) (*Scan, error) {
	for {
		l.mu.Lock()
		ch := l.changed
		l.mu.Unlock()

		if s := l.scan.Load(); s != nil && s.Seq > after {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
