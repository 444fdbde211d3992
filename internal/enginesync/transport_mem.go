package enginesync

import (
	"context"
	"sync"
)

// MemoryTransport fans messages out to every listener in the process. It
// backs single-node deployments and tests.
type MemoryTransport struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[chan []byte]struct{})}
}

// Publish delivers to listeners with room in their buffer and skips the
// rest.
func (t *MemoryTransport) Publish(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subs {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (t *MemoryTransport) Listen(ctx context.Context, handle func([]byte)) error {
	ch := make(chan []byte, 256)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.subs, ch)
		t.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-ch:
			handle(payload)
		}
	}
}

// Listeners reports how many listeners are attached.
func (t *MemoryTransport) Listeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
