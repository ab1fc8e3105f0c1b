package engine

import (
	"context"
	"sync"

	"github.com/mykhaliev/tool-conformance/model"
)

// frameBus keeps every frame of one run. Publishing never blocks; each
// subscriber drains the history at its own pace.
type frameBus struct {
	mu     sync.Mutex
	frames []model.ResultFrame
	notify chan struct{}
	closed bool
}

func newFrameBus() *frameBus {
	return &frameBus{notify: make(chan struct{})}
}

func (b *frameBus) publish(f model.ResultFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.frames = append(b.frames, f)
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *frameBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

func (b *frameBus) snapshot() []model.ResultFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ResultFrame(nil), b.frames...)
}

// subscribe replays the run from its first frame and follows it until the
// bus closes or ctx is done.
func (b *frameBus) subscribe(ctx context.Context) <-chan model.ResultFrame {
	out := make(chan model.ResultFrame)
	go func() {
		defer close(out)
		next := 0
		for {
			b.mu.Lock()
			pending := b.frames[next:]
			notify := b.notify
			closed := b.closed
			b.mu.Unlock()

			for _, f := range pending {
				select {
				case out <- f:
					next++
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			if closed {
				return
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
