package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the broadcasts flowing through a room.
type EventType string

const (
	// Document mutation events.

	// EventElementMove carries a continuous position change (drag).
	EventElementMove EventType = "element_move"
	// EventElementUpdate carries a field update on an element.
	EventElementUpdate EventType = "element_update"
	// EventElementAdd announces a new element.
	EventElementAdd EventType = "element_add"
	// EventElementRemove announces an element deletion.
	EventElementRemove EventType = "element_remove"
	// EventRelationAdd announces a new relation (edge).
	EventRelationAdd EventType = "relation_add"
	// EventRelationRemove announces a relation deletion.
	EventRelationRemove EventType = "relation_remove"
	// EventRelationUpdate carries a field update on a relation.
	EventRelationUpdate EventType = "relation_update"
	// EventViewport carries the sender's viewport (pan/zoom).
	EventViewport EventType = "viewport"
	// EventSelection carries the sender's selected element.
	EventSelection EventType = "selection"
	// EventResync replaces the receiver's document wholesale.
	EventResync EventType = "resync"
	// EventSaved announces a completed durable write.
	EventSaved EventType = "saved"

	// Presence-track events. These never touch the document.

	// EventPresence carries a full presence record, replacing any prior
	// record for the sender.
	EventPresence EventType = "presence"
	// EventLeave announces a clean room exit.
	EventLeave EventType = "leave"
	// EventCursor carries a cursor position.
	EventCursor EventType = "cursor"
	// EventTyping carries a typing flag.
	EventTyping EventType = "typing"
	// EventMessage carries an ephemeral chat message.
	EventMessage EventType = "message"
)

// MutationEvent is the tagged union over document mutation broadcasts.
// The concrete types below are the only implementations; appliers
// dispatch with an exhaustive type switch.
type MutationEvent interface {
	// Type returns the event discriminator.
	Type() EventType
	// TargetID returns the id the event is keyed by for coalescing and
	// debouncing, or "" for untargeted events.
	TargetID() string
}

// ElementMove is a continuous position change for one element.
type ElementMove struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

func (e ElementMove) Type() EventType { return EventElementMove }
func (e ElementMove) TargetID() string { return e.ID }

// ElementUpdate is a field update on one element, e.g. a text edit.
type ElementUpdate struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

func (e ElementUpdate) Type() EventType { return EventElementUpdate }
func (e ElementUpdate) TargetID() string { return e.ID }

// ElementAdd announces a new element with its initial fields.
type ElementAdd struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

func (e ElementAdd) Type() EventType { return EventElementAdd }
func (e ElementAdd) TargetID() string { return e.ID }

// ElementRemove announces an element deletion.
type ElementRemove struct {
	ID string `json:"id"`
}

func (e ElementRemove) Type() EventType { return EventElementRemove }
func (e ElementRemove) TargetID() string { return e.ID }

// RelationAdd announces a new relation with its initial fields.
type RelationAdd struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

func (e RelationAdd) Type() EventType { return EventRelationAdd }
func (e RelationAdd) TargetID() string { return e.ID }

// RelationRemove announces a relation deletion.
type RelationRemove struct {
	ID string `json:"id"`
}

func (e RelationRemove) Type() EventType { return EventRelationRemove }
func (e RelationRemove) TargetID() string { return e.ID }

// RelationUpdate is a field update on one relation.
type RelationUpdate struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

func (e RelationUpdate) Type() EventType { return EventRelationUpdate }
func (e RelationUpdate) TargetID() string { return e.ID }

// ViewportChange is the sender's current pan/zoom state.
type ViewportChange struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

func (e ViewportChange) Type() EventType { return EventViewport }
func (e ViewportChange) TargetID() string { return "" }

// SelectionChange is the sender's currently selected element, or ""
// when the selection was cleared.
type SelectionChange struct {
	ElementID string `json:"elementId"`
}

func (e SelectionChange) Type() EventType { return EventSelection }
func (e SelectionChange) TargetID() string { return "" }

// FullResync carries a complete document snapshot. Receivers replace
// their local state wholesale; this is the healing path for drift.
type FullResync struct {
	Snapshot Snapshot `json:"snapshot"`
}

func (e FullResync) Type() EventType { return EventResync }
func (e FullResync) TargetID() string { return "" }

// DocumentSaved announces that the authoritative copy moved, carrying
// the content digest of the newly persisted snapshot.
type DocumentSaved struct {
	Digest string `json:"digest"`
}

func (e DocumentSaved) Type() EventType { return EventSaved }
func (e DocumentSaved) TargetID() string { return "" }

// Envelope is the wire frame for every room broadcast: the event
// discriminator, origin metadata, and the type-specific payload.
type Envelope struct {
	Type       EventType       `json:"type"`
	OriginID   string          `json:"originId"`
	OriginName string          `json:"originName"`
	RoomID     string          `json:"roomId"`
	SentAt     time.Time       `json:"sentAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload value into an Envelope.
func NewEnvelope(roomID string, origin Identity, eventType EventType, payload any) (Envelope, error) {
	env := Envelope{
		Type:       eventType,
		OriginID:   origin.ID,
		OriginName: origin.Name,
		RoomID:     roomID,
		SentAt:     time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Encode serializes the envelope for the transport.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a raw transport frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing event type")
	}
	return env, nil
}

// DecodeMutation returns the typed mutation event carried by the
// envelope. Presence-track envelope types are rejected.
func (e Envelope) DecodeMutation() (MutationEvent, error) {
	decode := func(v MutationEvent) (MutationEvent, error) {
		if err := json.Unmarshal(e.Payload, v); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", e.Type, err)
		}
		return v, nil
	}

	switch e.Type {
	case EventElementMove:
		return decode(&ElementMove{})
	case EventElementUpdate:
		return decode(&ElementUpdate{})
	case EventElementAdd:
		return decode(&ElementAdd{})
	case EventElementRemove:
		return decode(&ElementRemove{})
	case EventRelationAdd:
		return decode(&RelationAdd{})
	case EventRelationRemove:
		return decode(&RelationRemove{})
	case EventRelationUpdate:
		return decode(&RelationUpdate{})
	case EventViewport:
		return decode(&ViewportChange{})
	case EventSelection:
		return decode(&SelectionChange{})
	case EventResync:
		return decode(&FullResync{})
	case EventSaved:
		return decode(&DocumentSaved{})
	default:
		return nil, fmt.Errorf("not a mutation event: %s", e.Type)
	}
}
