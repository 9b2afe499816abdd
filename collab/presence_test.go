package collab

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(ttl time.Duration) *presenceRegistry {
	return newPresenceRegistry("local", ttl, 10, nil, zap.NewNop())
}

func record(id string, route string) PresenceRecord {
	return PresenceRecord{
		Identity:   Identity{ID: id, Name: "User " + id},
		Route:      route,
		LastActive: time.Now(),
	}
}

func TestRegistryAnnounceReplacesWholesale(t *testing.T) {
	r := newTestRegistry(time.Minute)

	first := record("u2", "/funnels/f1")
	first.Typing = true
	first.Cursor = &CursorPosition{X: 10, Y: 20}
	r.Apply(first)

	// A later full announce without cursor/typing replaces everything;
	// no partial merge.
	r.Apply(record("u2", "/pages/p9"))

	roster := r.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "/pages/p9", roster[0].Route)
	assert.False(t, roster[0].Typing)
	assert.Nil(t, roster[0].Cursor)
}

func TestRegistryExcludesLocalIdentity(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Apply(record("local", "/funnels/f1"))
	r.Apply(record("u2", "/funnels/f1"))

	roster := r.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "u2", roster[0].Identity.ID)
}

func TestRegistryNarrowSignalsRequireBaseRecord(t *testing.T) {
	r := newTestRegistry(time.Minute)

	assert.False(t, r.MergeCursor("u2", CursorPosition{X: 1, Y: 2}))
	assert.False(t, r.MergeTyping("u2", true))
	assert.False(t, r.MergeMessage("u2", LiveMessage{ID: "m1", Text: "hi"}))
	assert.Empty(t, r.Roster())

	r.Apply(record("u2", "/funnels/f1"))
	assert.True(t, r.MergeCursor("u2", CursorPosition{X: 1, Y: 2}))
	assert.True(t, r.MergeTyping("u2", true))

	roster := r.Roster()
	require.Len(t, roster, 1)
	require.NotNil(t, roster[0].Cursor)
	assert.Equal(t, 1.0, roster[0].Cursor.X)
	assert.True(t, roster[0].Typing)
}

func TestRegistrySweepPrunesStaleRecords(t *testing.T) {
	r := newTestRegistry(50 * time.Millisecond)

	r.Apply(record("u2", "/funnels/f1"))
	r.Apply(record("u3", "/funnels/f1"))

	// u3 keeps heartbeating; u2 went silent.
	time.Sleep(30 * time.Millisecond)
	r.Apply(record("u3", "/funnels/f1"))
	time.Sleep(30 * time.Millisecond)

	removed := r.Sweep(time.Now())
	assert.Equal(t, 1, removed)

	roster := r.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "u3", roster[0].Identity.ID)
}

func TestRegistryMessageHistoryBounded(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Apply(record("u2", "/funnels/f1"))

	for i := 0; i < 15; i++ {
		require.True(t, r.MergeMessage("u2", LiveMessage{
			ID:     fmt.Sprintf("u2-%d", i),
			Text:   fmt.Sprintf("msg %d", i),
			SentAt: time.Now(),
		}))
	}

	history := r.Messages()
	require.Len(t, history, 10)
	assert.Equal(t, "msg 5", history[0].Text)
	assert.Equal(t, "msg 14", history[9].Text)
}

func TestRegistryMessageDedupedByID(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Apply(record("u2", "/funnels/f1"))

	msg := LiveMessage{ID: "u2-1700000000000", Text: "hi", SentAt: time.Now()}
	require.True(t, r.MergeMessage("u2", msg))

	// A duplicate delivery of the same id is ignored: no second history
	// entry, no change notification.
	assert.False(t, r.MergeMessage("u2", msg))
	assert.Len(t, r.Messages(), 1)

	// Expired from the live record but still in history: still a dup.
	r.ClearMessage("u2", msg.ID)
	assert.False(t, r.MergeMessage("u2", msg))
	assert.Len(t, r.Messages(), 1)

	// A fresh id goes through.
	assert.True(t, r.MergeMessage("u2", LiveMessage{ID: "u2-1700000000001", Text: "again", SentAt: time.Now()}))
	assert.Len(t, r.Messages(), 2)
}

func TestRegistryAnnounceIgnoresWireClock(t *testing.T) {
	r := newTestRegistry(50 * time.Millisecond)

	// A peer whose clock is far behind must not be swept while it keeps
	// announcing; activity is stamped on receipt.
	skewed := record("u2", "/funnels/f1")
	skewed.LastActive = time.Now().Add(-time.Hour)
	r.Apply(skewed)

	assert.Zero(t, r.Sweep(time.Now()))
	require.Len(t, r.Roster(), 1)
}

func TestRegistryClearMessageChecksID(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Apply(record("u2", "/funnels/f1"))

	r.MergeMessage("u2", LiveMessage{ID: "m1", Text: "first"})
	r.MergeMessage("u2", LiveMessage{ID: "m2", Text: "second"})

	// The expiry timer of the first message must not clear the second.
	r.ClearMessage("u2", "m1")
	roster := r.Roster()
	require.NotNil(t, roster[0].Message)
	assert.Equal(t, "m2", roster[0].Message.ID)

	r.ClearMessage("u2", "m2")
	roster = r.Roster()
	assert.Nil(t, roster[0].Message)
}

func TestRegistryRemoveAndChangeCallback(t *testing.T) {
	changes := 0
	r := newPresenceRegistry("local", time.Minute, 10, func() { changes++ }, zap.NewNop())

	r.Apply(record("u2", "/funnels/f1"))
	r.Remove("u2")
	assert.Empty(t, r.Roster())
	assert.Equal(t, 2, changes)

	// Removing an unknown id does not fire the callback.
	r.Remove("ghost")
	assert.Equal(t, 2, changes)
}

func TestRegistryDerivesStableColor(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Apply(PresenceRecord{Identity: Identity{ID: "u2", Name: "Bea"}, LastActive: time.Now()})

	roster := r.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, ColorFor("u2"), roster[0].Identity.Color)

	// An explicit override survives the announce.
	r.Apply(PresenceRecord{Identity: Identity{ID: "u3", Color: "#000000"}, LastActive: time.Now()})
	roster = r.Roster()
	for _, rec := range roster {
		if rec.Identity.ID == "u3" {
			assert.Equal(t, "#000000", rec.Identity.Color)
		}
	}
}
