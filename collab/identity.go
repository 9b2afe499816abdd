package collab

import (
	"hash/fnv"
)

// Identity describes one collaborator as seen by peers in a room.
type Identity struct {
	// ID is the stable user id.
	ID string `json:"id"`
	// Name is the display name shown next to cursors and messages.
	Name string `json:"name"`
	// AvatarURL is an optional avatar reference.
	AvatarURL string `json:"avatarUrl,omitempty"`
	// Color is the collaborator color. When empty it is derived
	// deterministically from ID, so the same user always gets the same
	// color on every client unless an explicit override is set.
	Color string `json:"color,omitempty"`
}

// IdentityProvider supplies the current identity. The engine treats it
// as read-only input and re-reads it when a room is opened, so a
// session change takes effect on the next open.
type IdentityProvider interface {
	Current() Identity
}

// StaticIdentity is an IdentityProvider returning a fixed identity.
type StaticIdentity struct {
	Identity Identity
}

// Current returns the fixed identity.
func (s StaticIdentity) Current() Identity {
	return s.Identity
}

// colorPalette is the fixed set of collaborator colors. Indexing is by
// hash of the user id, so the assignment is stable across sessions.
var colorPalette = []string{
	"#ef4444", // red
	"#f97316", // orange
	"#eab308", // yellow
	"#22c55e", // green
	"#14b8a6", // teal
	"#0ea5e9", // sky
	"#6366f1", // indigo
	"#a855f7", // purple
	"#ec4899", // pink
	"#64748b", // slate
}

// ColorFor returns the deterministic palette color for a user id.
func ColorFor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}

// resolveColor fills in the derived color unless an override is set.
func resolveColor(identity Identity) Identity {
	if identity.Color == "" {
		identity.Color = ColorFor(identity.ID)
	}
	return identity
}
