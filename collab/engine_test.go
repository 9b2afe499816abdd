package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/samuelzanatto/digitalflow/pubsub"
)

func fastOptions() *Options {
	return &Options{
		FrameInterval:    10 * time.Millisecond,
		DebounceAfter:    30 * time.Millisecond,
		GuardHold:        40 * time.Millisecond,
		AnnounceInterval: 50 * time.Millisecond,
		SweepInterval:    20 * time.Millisecond,
		PresenceTTL:      150 * time.Millisecond,
		MessageTTL:       80 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, ps pubsub.PubSub, userID, name string, cb Callbacks) *Engine {
	t.Helper()
	engine, err := NewEngine(ps, StaticIdentity{Identity: Identity{ID: userID, Name: name}}, nil, cb, fastOptions(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func rosterHas(h *RoomHandle, userID string) func() bool {
	return func() bool {
		for _, rec := range h.Roster() {
			if rec.Identity.ID == userID {
				return true
			}
		}
		return false
	}
}

func TestTwoClientsSeeEachOther(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)
	engineA := newTestEngine(t, ps, "u-a", "Ana", Callbacks{})
	engineB := newTestEngine(t, ps, "u-b", "Bea", Callbacks{})

	handleA, err := engineA.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)
	handleB, err := engineB.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)

	require.Eventually(t, rosterHas(handleA, "u-b"), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, rosterHas(handleB, "u-a"), 2*time.Second, 10*time.Millisecond)

	// A clean leave removes the record without waiting for the TTL sweep.
	require.NoError(t, engineA.CloseRoom(handleA))
	require.Eventually(t, func() bool {
		return !rosterHas(handleB, "u-a")()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMutationLiveness(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)
	engineA := newTestEngine(t, ps, "u-a", "Ana", Callbacks{})
	engineB := newTestEngine(t, ps, "u-b", "Bea", Callbacks{})

	docA := NewMemoryDocument()
	docB := NewMemoryDocument()
	handleA, err := engineA.OpenRoom(context.Background(), "doc-1", docA)
	require.NoError(t, err)
	_, err = engineB.OpenRoom(context.Background(), "doc-1", docB)
	require.NoError(t, err)

	// Immediate: element add.
	docA.AddElement("n1", Fields{"label": "Start"})
	handleA.NotifyLocalMutation(ElementAdd{ID: "n1", Fields: Fields{"label": "Start"}})
	require.Eventually(t, func() bool {
		return docB.HasElement("n1")
	}, 2*time.Second, 10*time.Millisecond)

	// Frame-batched: only the latest of a burst of moves lands.
	for i := 0; i < 50; i++ {
		handleA.NotifyLocalMutation(ElementMove{ID: "n1", X: float64(i), Y: 0})
	}
	require.Eventually(t, func() bool {
		fields, ok := docB.Element("n1")
		return ok && fields["x"] == 49.0
	}, 2*time.Second, 10*time.Millisecond)

	// Debounced: the final text value converges after the quiet period.
	for _, text := range []string{"W", "We", "Wel", "Welcome"} {
		handleA.NotifyLocalMutation(ElementUpdate{ID: "n1", Fields: Fields{"label": text}})
	}
	require.Eventually(t, func() bool {
		fields, ok := docB.Element("n1")
		return ok && fields["label"] == "Welcome"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSavedDigestHandshake(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)

	type savedNote struct {
		origin Identity
		digest string
	}
	notes := make(chan savedNote, 1)

	engineA := newTestEngine(t, ps, "u-a", "Ana", Callbacks{})
	engineB := newTestEngine(t, ps, "u-b", "Bea", Callbacks{
		Saved: func(origin Identity, digest string) {
			notes <- savedNote{origin: origin, digest: digest}
		},
	})

	handleA, err := engineA.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)
	handleB, err := engineB.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)

	handleA.NotifySaved("digest-A")
	assert.Equal(t, "digest-A", handleA.LastSavedDigest())

	require.Eventually(t, func() bool {
		return handleB.LastSavedDigest() == "digest-A"
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case note := <-notes:
		assert.Equal(t, "u-a", note.origin.ID)
		assert.Equal(t, "digest-A", note.digest)
	case <-time.After(2 * time.Second):
		t.Fatal("saved notification never arrived")
	}
}

func TestSaveDuringRemoteApplyStillBroadcast(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)

	var mu sync.Mutex
	var handleB *RoomHandle

	engineA := newTestEngine(t, ps, "u-a", "Ana", Callbacks{})
	engineB := newTestEngine(t, ps, "u-b", "Bea", Callbacks{
		// A host save handler persisting right after a remote apply: the
		// applied generation is still in flight when NotifySaved runs.
		RemoteChanged: func(ev MutationEvent) {
			mu.Lock()
			h := handleB
			mu.Unlock()
			if h != nil && ev.Type() == EventElementAdd {
				h.NotifySaved("digest-after-save")
			}
		},
	})

	handleA, err := engineA.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)
	hb, err := engineB.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)
	mu.Lock()
	handleB = hb
	mu.Unlock()

	handleA.NotifyLocalMutation(ElementAdd{ID: "n1", Fields: Fields{"label": "Start"}})

	// The saved broadcast must reach A even though B's guard was active.
	require.Eventually(t, func() bool {
		return handleA.LastSavedDigest() == "digest-after-save"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReopenReplacesHandle(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)
	engine := newTestEngine(t, ps, "u-a", "Ana", Callbacks{})

	first, err := engine.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)

	second, err := engine.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)
	require.NotSame(t, first, second)

	current, ok := engine.Room("doc-1")
	require.True(t, ok)
	assert.Same(t, second, current)
}

func TestConcurrentReopenLeavesSingleLiveHandle(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)
	engine := newTestEngine(t, ps, "u-a", "Ana", Callbacks{})

	const n = 8
	handles := make([]*RoomHandle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := engine.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	current, ok := engine.Room("doc-1")
	require.True(t, ok)

	// Every replaced handle was closed on the way; only the handle left
	// in the engine still holds a live subscription.
	live := 0
	for _, h := range handles {
		if h.ctx.Err() == nil {
			live++
			assert.Same(t, current, h)
		}
	}
	assert.Equal(t, 1, live)
}

func TestSilentDisconnectPrunedByTTL(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)
	engineB := newTestEngine(t, ps, "u-b", "Bea", Callbacks{})

	handleB, err := engineB.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)

	// A ghost client announces once and then goes silent, never sending
	// a leave.
	ghost := resolveColor(Identity{ID: "u-ghost", Name: "Ghost"})
	env, err := NewEnvelope("doc-1", ghost, EventPresence, PresenceRecord{Identity: ghost, LastActive: time.Now()})
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, ps.Publish(context.Background(), "room:doc-1", data))

	require.Eventually(t, rosterHas(handleB, "u-ghost"), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !rosterHas(handleB, "u-ghost")()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEphemeralSignals(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)

	var mu sync.Mutex
	var received []LiveMessage
	engineA := newTestEngine(t, ps, "u-a", "Ana", Callbacks{})
	engineB := newTestEngine(t, ps, "u-b", "Bea", Callbacks{
		MessageReceived: func(from Identity, msg LiveMessage) {
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
		},
	})

	handleA, err := engineA.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)
	handleB, err := engineB.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)

	require.Eventually(t, rosterHas(handleB, "u-a"), 2*time.Second, 10*time.Millisecond)

	handleA.SetTyping(true)
	require.Eventually(t, func() bool {
		for _, rec := range handleB.Roster() {
			if rec.Identity.ID == "u-a" && rec.Typing {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	handleA.SendCursor(120, 80)
	require.Eventually(t, func() bool {
		for _, rec := range handleB.Roster() {
			if rec.Identity.ID == "u-a" && rec.Cursor != nil && rec.Cursor.X == 120 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	msg := handleA.SendMessage("shipping the funnel today")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0].ID == msg.ID
	}, 2*time.Second, 10*time.Millisecond)

	// The live message expires client-side; the history keeps it.
	require.Eventually(t, func() bool {
		for _, rec := range handleB.Roster() {
			if rec.Identity.ID == "u-a" {
				return rec.Message == nil
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, handleB.Messages(), 1)
}

func TestIdempotentAddAcrossClients(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)
	engineA := newTestEngine(t, ps, "u-a", "Ana", Callbacks{})
	engineB := newTestEngine(t, ps, "u-b", "Bea", Callbacks{})

	docB := NewMemoryDocument()
	// B already holds its local optimistic copy of n1.
	docB.AddElement("n1", Fields{"label": "optimistic"})

	handleA, err := engineA.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)
	_, err = engineB.OpenRoom(context.Background(), "doc-1", docB)
	require.NoError(t, err)

	handleA.NotifyLocalMutation(ElementAdd{ID: "n1", Fields: Fields{"label": "remote"}})
	handleA.NotifyLocalMutation(ElementAdd{ID: "n2", Fields: Fields{"label": "fresh"}})

	require.Eventually(t, func() bool {
		return docB.HasElement("n2")
	}, 2*time.Second, 10*time.Millisecond)

	fields, _ := docB.Element("n1")
	assert.Equal(t, "optimistic", fields["label"])
}

func TestResyncHealsDrift(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)
	engineA := newTestEngine(t, ps, "u-a", "Ana", Callbacks{})
	engineB := newTestEngine(t, ps, "u-b", "Bea", Callbacks{})

	docA := NewMemoryDocument()
	docA.AddElement("n1", Fields{"label": "truth"})
	docA.AddRelation("e1", Fields{"source": "n1"})

	docB := NewMemoryDocument()
	docB.AddElement("drifted", Fields{"label": "stale"})

	handleA, err := engineA.OpenRoom(context.Background(), "doc-1", docA)
	require.NoError(t, err)
	_, err = engineB.OpenRoom(context.Background(), "doc-1", docB)
	require.NoError(t, err)

	handleA.BroadcastResync()

	require.Eventually(t, func() bool {
		return docB.HasElement("n1") && docB.HasRelation("e1") && !docB.HasElement("drifted")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventsForOtherRoomsIgnored(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)
	engineB := newTestEngine(t, ps, "u-b", "Bea", Callbacks{})

	docB := NewMemoryDocument()
	_, err := engineB.OpenRoom(context.Background(), "doc-1", docB)
	require.NoError(t, err)

	// A misaddressed frame lands on doc-1's topic but names another room.
	env, err := NewEnvelope("doc-9", Identity{ID: "u-x", Name: "Max"}, EventElementAdd, ElementAdd{ID: "n1"})
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, ps.Publish(context.Background(), "room:doc-1", data))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, docB.HasElement("n1"))
}

func TestPeerViewportCallback(t *testing.T) {
	ps := NewMemoryPubSubForTest(t)

	viewports := make(chan ViewportChange, 1)
	engineA := newTestEngine(t, ps, "u-a", "Ana", Callbacks{})
	engineB := newTestEngine(t, ps, "u-b", "Bea", Callbacks{
		PeerViewport: func(origin Identity, vp ViewportChange) {
			select {
			case viewports <- vp:
			default:
			}
		},
	})

	handleA, err := engineA.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)
	_, err = engineB.OpenRoom(context.Background(), "doc-1", NewMemoryDocument())
	require.NoError(t, err)

	handleA.NotifyLocalMutation(ViewportChange{X: 10, Y: 20, Zoom: 1.5})

	select {
	case vp := <-viewports:
		assert.Equal(t, 1.5, vp.Zoom)
	case <-time.After(2 * time.Second):
		t.Fatal("viewport broadcast never arrived")
	}
}

// NewMemoryPubSubForTest builds a transport shared by the engines under
// test and closes it with the test.
func NewMemoryPubSubForTest(t *testing.T) pubsub.PubSub {
	t.Helper()
	ps := pubsub.NewMemoryPubSub(nil)
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}
