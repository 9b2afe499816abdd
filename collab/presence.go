package collab

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CursorPosition is a collaborator's pointer position in canvas
// coordinates.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LiveMessage is an ephemeral chat message floating next to a
// collaborator's cursor. It expires client-side; it is never persisted
// or acknowledged.
type LiveMessage struct {
	// ID dedups deliveries: identity id plus emission timestamp.
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// PresenceRecord is the live status of one collaborator in a room.
type PresenceRecord struct {
	Identity   Identity        `json:"identity"`
	Route      string          `json:"route"`
	SelectedID string          `json:"selectedId,omitempty"`
	Cursor     *CursorPosition `json:"cursor,omitempty"`
	Message    *LiveMessage    `json:"message,omitempty"`
	Typing     bool            `json:"typing"`
	LastActive time.Time       `json:"lastActive"`
}

// presenceRegistry tracks which identities are attached to a room and
// what they report about themselves. A full announce replaces the
// record wholesale; narrow signals (cursor, typing, message, selection)
// merge into an existing record and are ignored when no base record
// exists, so entry creation always comes from a full announce.
type presenceRegistry struct {
	mu           sync.RWMutex
	localID      string
	ttl          time.Duration
	records      map[string]*PresenceRecord
	history      []LiveMessage
	historyLimit int
	onChange     func()
	logger       *zap.Logger
}

func newPresenceRegistry(localID string, ttl time.Duration, historyLimit int, onChange func(), logger *zap.Logger) *presenceRegistry {
	return &presenceRegistry{
		localID:      localID,
		ttl:          ttl,
		records:      make(map[string]*PresenceRecord),
		historyLimit: historyLimit,
		onChange:     onChange,
		logger:       logger,
	}
}

// Apply replaces the full record for the announcing identity.
func (r *presenceRegistry) Apply(record PresenceRecord) {
	if record.Identity.ID == "" || record.Identity.ID == r.localID {
		return
	}
	record.Identity = resolveColor(record.Identity)
	// The sweep compares against the receiver's clock, so the wire
	// timestamp is discarded; clock skew must not prune a live peer.
	record.LastActive = time.Now()

	r.mu.Lock()
	stored := record
	r.records[record.Identity.ID] = &stored
	r.mu.Unlock()

	r.notifyChange()
}

// Remove drops the record for an identity, typically on a clean leave.
func (r *presenceRegistry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()

	if ok {
		r.notifyChange()
	}
}

// MergeCursor updates the cursor on an existing record. Returns false
// when no base record exists yet.
func (r *presenceRegistry) MergeCursor(id string, pos CursorPosition) bool {
	return r.merge(id, func(rec *PresenceRecord) {
		rec.Cursor = &pos
	})
}

// MergeTyping updates the typing flag on an existing record.
func (r *presenceRegistry) MergeTyping(id string, typing bool) bool {
	return r.merge(id, func(rec *PresenceRecord) {
		rec.Typing = typing
	})
}

// MergeSelection updates the selected element on an existing record.
func (r *presenceRegistry) MergeSelection(id string, elementID string) bool {
	return r.merge(id, func(rec *PresenceRecord) {
		rec.SelectedID = elementID
	})
}

// MergeMessage attaches a live message to an existing record and
// appends it to the bounded history. A redelivered message id is
// ignored, so duplicate deliveries neither repeat in the history nor
// re-fire callbacks.
func (r *presenceRegistry) MergeMessage(id string, msg LiveMessage) bool {
	if id == "" || id == r.localID {
		return false
	}

	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if rec.Message != nil && rec.Message.ID == msg.ID {
		r.mu.Unlock()
		return false
	}
	for _, prev := range r.history {
		if prev.ID == msg.ID {
			r.mu.Unlock()
			return false
		}
	}

	rec.Message = &msg
	rec.LastActive = time.Now()
	r.history = append(r.history, msg)
	if len(r.history) > r.historyLimit {
		r.history = r.history[len(r.history)-r.historyLimit:]
	}
	r.mu.Unlock()

	r.notifyChange()
	return true
}

// ClearMessage removes a live message once it expires. The message id
// is checked so a newer message is not cleared by an older timer.
func (r *presenceRegistry) ClearMessage(id string, messageID string) {
	r.merge(id, func(rec *PresenceRecord) {
		if rec.Message != nil && rec.Message.ID == messageID {
			rec.Message = nil
		}
	})
}

// merge applies fn to an existing record and touches its activity
// timestamp. Narrow signals never create a record.
func (r *presenceRegistry) merge(id string, fn func(*PresenceRecord)) bool {
	if id == "" || id == r.localID {
		return false
	}

	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	fn(rec)
	rec.LastActive = time.Now()
	r.mu.Unlock()

	r.notifyChange()
	return true
}

// Roster returns the current records excluding the local identity,
// ordered by identity id for stable rendering.
func (r *presenceRegistry) Roster() []PresenceRecord {
	r.mu.RLock()
	out := make([]PresenceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.ID < out[j].Identity.ID
	})
	return out
}

// Messages returns the bounded message history, oldest first.
func (r *presenceRegistry) Messages() []LiveMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LiveMessage, len(r.history))
	copy(out, r.history)
	return out
}

// Sweep prunes records whose last activity exceeds the TTL, covering
// clients that disconnected without a clean leave. Returns the number
// of records removed.
func (r *presenceRegistry) Sweep(now time.Time) int {
	r.mu.Lock()
	removed := 0
	for id, rec := range r.records {
		if now.Sub(rec.LastActive) > r.ttl {
			delete(r.records, id)
			removed++
			r.logger.Debug("Pruned stale presence",
				zap.String("user_id", id),
				zap.Time("last_active", rec.LastActive))
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.notifyChange()
	}
	return removed
}

func (r *presenceRegistry) notifyChange() {
	if r.onChange != nil {
		r.onChange()
	}
}

// Narrow presence-track payloads layered on top of the roster entry.

// CursorSignal is the wire payload for EventCursor.
type CursorSignal struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TypingSignal is the wire payload for EventTyping.
type TypingSignal struct {
	Typing bool `json:"typing"`
}

// MessageSignal is the wire payload for EventMessage.
type MessageSignal struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}
