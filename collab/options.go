package collab

import (
	"time"
)

// Options represents configuration options for the collaboration engine.
type Options struct {
	// ChannelPrefix prefixes the transport topic for a room.
	ChannelPrefix string
	// FrameInterval is the minimum spacing between frame-batched
	// broadcasts (continuous gestures such as dragging).
	FrameInterval time.Duration
	// DebounceAfter is how long a debounced target must stay quiet
	// before its latest value is broadcast (free-text edits).
	DebounceAfter time.Duration
	// GuardHold is how long a remote-apply generation stays in flight
	// after the apply, covering asynchronous mutation observation.
	GuardHold time.Duration
	// AnnounceInterval is the presence heartbeat interval.
	AnnounceInterval time.Duration
	// PresenceTTL is how long a silent collaborator stays in the roster
	// before the sweep prunes it. Zero derives AnnounceInterval * 3.
	PresenceTTL time.Duration
	// SweepInterval is how often the staleness sweep runs.
	SweepInterval time.Duration
	// MessageTTL is how long an ephemeral message stays attached to a
	// presence record before the receiver clears it.
	MessageTTL time.Duration
	// MessageHistoryLimit bounds the kept message history for UI replay.
	MessageHistoryLimit int
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		ChannelPrefix:       "room:",
		FrameInterval:       30 * time.Millisecond,
		DebounceAfter:       500 * time.Millisecond,
		GuardHold:           100 * time.Millisecond,
		AnnounceInterval:    5 * time.Second,
		SweepInterval:       time.Second,
		MessageTTL:          5 * time.Second,
		MessageHistoryLimit: 10,
	}
}

// withDefaults fills zero fields from NewOptions and derives the TTL.
func (o *Options) withDefaults() *Options {
	def := NewOptions()
	if o == nil {
		o = def
	}
	out := *o
	if out.ChannelPrefix == "" {
		out.ChannelPrefix = def.ChannelPrefix
	}
	if out.FrameInterval <= 0 {
		out.FrameInterval = def.FrameInterval
	}
	if out.DebounceAfter <= 0 {
		out.DebounceAfter = def.DebounceAfter
	}
	if out.GuardHold <= 0 {
		out.GuardHold = def.GuardHold
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = def.AnnounceInterval
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = def.SweepInterval
	}
	if out.MessageTTL <= 0 {
		out.MessageTTL = def.MessageTTL
	}
	if out.MessageHistoryLimit <= 0 {
		out.MessageHistoryLimit = def.MessageHistoryLimit
	}
	if out.PresenceTTL <= 0 {
		out.PresenceTTL = out.AnnounceInterval * 3
	}
	return &out
}
