package transfer

import (
	"context"
	"sync"
)

// Gate is the pause/cancel switch consulted by a download at its checkpoints.
// A paused worker blocks on a channel until Resume or Cancel.
type Gate struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	wake      chan struct{}
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{wake: make(chan struct{})}
}

// Pause closes the gate. It reports false after Cancel.
func (g *Gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled {
		return false
	}
	g.paused = true
	return true
}

// Resume reopens a paused gate and releases waiting workers.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled || !g.paused {
		return false
	}
	g.paused = false
	g.broadcastLocked()
	return true
}

// Cancel is permanent and releases waiting workers.
func (g *Gate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled {
		return
	}
	g.cancelled = true
	g.paused = false
	g.broadcastLocked()
}

// Paused reports whether the gate is paused.
func (g *Gate) Paused() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Cancelled reports whether Cancel was called.
func (g *Gate) Cancelled() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}

// Checkpoint returns nil when the gate is open, ErrCancelled after Cancel and
// ctx.Err() when ctx ends. It blocks while paused. A nil gate only checks ctx.
func (g *Gate) Checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if g == nil {
			return nil
		}

		g.mu.Lock()
		if g.cancelled {
			g.mu.Unlock()
			return ErrCancelled
		}
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		wake := g.wake
		g.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gate) broadcastLocked() {
	close(g.wake)
	g.wake = make(chan struct{})
}
