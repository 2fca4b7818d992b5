package command

import (
	"context"
	"sync"
)

// fifoGate serializes command execution. Unlike a bare mutex it wakes
// waiters strictly in arrival order, so queued commands run in the order
// they were submitted.
type fifoGate struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (g *fifoGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// release already handed us the slot; pass it to the next waiter
		g.release()
		return ctx.Err()
	}
}

func (g *fifoGate) release() {
	g.mu.Lock()
	if len(g.waiters) == 0 {
		g.busy = false
		g.mu.Unlock()
		return
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	g.mu.Unlock()
	close(next)
}
