package collab

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// broadcastPolicy selects how an event type is emitted.
type broadcastPolicy int

const (
	// policyImmediate broadcasts right away, no coalescing.
	policyImmediate broadcastPolicy = iota
	// policyFrame coalesces per target id and flushes at most once per
	// frame interval (continuous gestures such as dragging).
	policyFrame
	// policyDebounce waits for the target to go quiet before emitting
	// the latest value (free-text edits).
	policyDebounce
)

// policyFor classifies a mutation event type into its broadcast policy.
func policyFor(t EventType) broadcastPolicy {
	switch t {
	case EventElementMove, EventViewport:
		return policyFrame
	case EventElementUpdate:
		return policyDebounce
	default:
		// Add/remove, relation update, selection, resync, saved.
		return policyImmediate
	}
}

// emitFunc publishes one mutation event on the room channel.
type emitFunc func(ev MutationEvent)

// broadcaster intercepts local document mutations and emits them per
// policy. Emissions are suppressed while the re-entrancy guard holds a
// remote generation in flight, so applied remote events never echo.
type broadcaster struct {
	emit          emitFunc
	guard         *generationGuard
	frameInterval time.Duration
	debounceAfter time.Duration
	logger        *zap.Logger

	mu            sync.Mutex
	framePending  map[string]MutationEvent
	frameTimer    *time.Timer
	debouncePend  map[string]MutationEvent
	debounceTimer map[string]*time.Timer
	closed        bool
}

func newBroadcaster(emit emitFunc, guard *generationGuard, frameInterval, debounceAfter time.Duration, logger *zap.Logger) *broadcaster {
	return &broadcaster{
		emit:          emit,
		guard:         guard,
		frameInterval: frameInterval,
		debounceAfter: debounceAfter,
		logger:        logger,
		framePending:  make(map[string]MutationEvent),
		debouncePend:  make(map[string]MutationEvent),
		debounceTimer: make(map[string]*time.Timer),
	}
}

// Notify is called synchronously from the document-mutation call sites.
func (b *broadcaster) Notify(ev MutationEvent) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	if b.guard.active() {
		// The mutation is attributable to an applied remote event.
		b.logger.Debug("Suppressed echo broadcast", zap.String("event_type", string(ev.Type())))
		return
	}

	switch policyFor(ev.Type()) {
	case policyImmediate:
		b.emit(ev)
	case policyFrame:
		b.notifyFrame(ev)
	case policyDebounce:
		b.notifyDebounce(ev)
	}
}

// NotifyExplicit emits right away, bypassing the re-entrancy guard.
// Host-explicit actions (save, resync, selection) are never
// attributable to an applied remote event, so they must go out even
// while a remote generation is in flight.
func (b *broadcaster) NotifyExplicit(ev MutationEvent) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.emit(ev)
}

// notifyFrame coalesces the event per target id. The first pending
// event arms the frame timer; later events within the interval only
// overwrite the pending entry, so at most one flush happens per
// interval and it carries the latest value per target.
func (b *broadcaster) notifyFrame(ev MutationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.framePending[frameKey(ev)] = ev
	if b.frameTimer == nil {
		b.frameTimer = time.AfterFunc(b.frameInterval, b.flushFrame)
	}
}

// frameKey keys frame-batched events. Untargeted events (viewport)
// coalesce under their type.
func frameKey(ev MutationEvent) string {
	if id := ev.TargetID(); id != "" {
		return string(ev.Type()) + ":" + id
	}
	return string(ev.Type())
}

// flushFrame emits one broadcast per changed target and disarms the timer.
func (b *broadcaster) flushFrame() {
	b.mu.Lock()
	pending := b.framePending
	b.framePending = make(map[string]MutationEvent)
	b.frameTimer = nil
	b.mu.Unlock()

	for _, ev := range pending {
		b.emit(ev)
	}
}

// notifyDebounce resets the per-target timer; the event is emitted only
// after the target has been quiet for the full debounce interval.
func (b *broadcaster) notifyDebounce(ev MutationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	key := frameKey(ev)
	b.debouncePend[key] = ev
	if t, ok := b.debounceTimer[key]; ok {
		t.Stop()
	}
	b.debounceTimer[key] = time.AfterFunc(b.debounceAfter, func() {
		b.flushDebounce(key)
	})
}

func (b *broadcaster) flushDebounce(key string) {
	b.mu.Lock()
	ev, ok := b.debouncePend[key]
	delete(b.debouncePend, key)
	if t, exists := b.debounceTimer[key]; exists {
		t.Stop()
		delete(b.debounceTimer, key)
	}
	b.mu.Unlock()

	if ok {
		b.emit(ev)
	}
}

// Flush emits everything pending right now and cancels the timers.
// Called when a room closes so in-flight gestures are not lost.
func (b *broadcaster) Flush() {
	b.mu.Lock()
	framePending := b.framePending
	b.framePending = make(map[string]MutationEvent)
	if b.frameTimer != nil {
		b.frameTimer.Stop()
		b.frameTimer = nil
	}
	debouncePending := b.debouncePend
	b.debouncePend = make(map[string]MutationEvent)
	for key, t := range b.debounceTimer {
		t.Stop()
		delete(b.debounceTimer, key)
	}
	b.mu.Unlock()

	for _, ev := range framePending {
		b.emit(ev)
	}
	for _, ev := range debouncePending {
		b.emit(ev)
	}
}

// Close flushes pending emissions and stops accepting new ones.
func (b *broadcaster) Close() {
	b.Flush()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
