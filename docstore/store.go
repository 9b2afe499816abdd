// Package docstore is the persistence collaborator boundary for the
// collaboration engine: durable load/save of document content plus the
// content digests that feed the save/commit handshake. The engine
// itself never persists anything; it only relays the digest after a
// store reports success.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when a document id has never been saved.
var ErrNotFound = errors.New("document not found")

// Document is one durably stored document.
type Document struct {
	// ID is the document id, shared with the collaboration room.
	ID string `bson:"_id" json:"id"`
	// Content is the serialized document snapshot. The store treats it
	// as opaque bytes; the schema collaborator owns its shape.
	Content []byte `bson:"content" json:"content"`
	// Digest is the sha256 hex digest of Content.
	Digest string `bson:"digest" json:"digest"`
	// UpdatedBy is the user id of the last saver.
	UpdatedBy string `bson:"updated_by" json:"updatedBy"`
	// UpdatedAt is the time of the last save.
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// Store loads and saves documents. Save returns the digest of the newly
// persisted content; callers hand it to the room's NotifySaved so peers
// learn the authoritative copy moved.
type Store interface {
	// Load returns the document for id, or ErrNotFound.
	Load(ctx context.Context, id string) (*Document, error)
	// Save durably writes content for id and returns its digest.
	Save(ctx context.Context, id string, content []byte, updatedBy string) (string, error)
}

// ContentDigest returns the sha256 hex digest of content.
func ContentDigest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
