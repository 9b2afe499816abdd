package collab

import (
	"sync"
	"time"
)

// generationGuard suppresses the broadcast echo of applied remote
// events. Each applied event enters a generation; local mutation
// notifications are dropped while any generation is still in flight.
// Generations are released on a timer rather than synchronously,
// because the host's mutation observation may fire asynchronously
// after the state update. Overlapping remote events each hold their
// own generation, so the window never closes early.
type generationGuard struct {
	mu       sync.Mutex
	next     uint64
	inFlight map[uint64]struct{}
	hold     time.Duration
	timers   map[uint64]*time.Timer
}

func newGenerationGuard(hold time.Duration) *generationGuard {
	return &generationGuard{
		inFlight: make(map[uint64]struct{}),
		hold:     hold,
		timers:   make(map[uint64]*time.Timer),
	}
}

// enter opens a new generation and schedules its release after the
// hold interval.
func (g *generationGuard) enter() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	gen := g.next
	g.inFlight[gen] = struct{}{}
	g.timers[gen] = time.AfterFunc(g.hold, func() {
		g.release(gen)
	})
	return gen
}

// release closes a generation. Safe to call more than once.
func (g *generationGuard) release(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, gen)
	if t, ok := g.timers[gen]; ok {
		t.Stop()
		delete(g.timers, gen)
	}
}

// active reports whether any generation is still in flight.
func (g *generationGuard) active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight) > 0
}

// stop releases all generations and cancels their timers.
func (g *generationGuard) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for gen, t := range g.timers {
		t.Stop()
		delete(g.timers, gen)
		delete(g.inFlight, gen)
	}
}
