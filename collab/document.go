package collab

import (
	"sync"
)

// Fields is the schema-agnostic payload carried for one element or
// relation. The engine never inspects it beyond identity; the host's
// document schema gives it meaning.
type Fields map[string]any

// Copy returns a shallow copy of the fields.
func (f Fields) Copy() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// HydrateFunc turns a raw broadcast payload into the host's rich
// in-memory representation (e.g. a plain label string into a formatted
// rich label). Remote add/update payloads pass through it before they
// touch the document, so remote-origin elements render identically to
// locally created ones. A nil hook is the identity function.
type HydrateFunc func(targetID string, fields Fields) Fields

// Document is the boundary to the host's document schema: a mutable
// tree of elements (flow nodes, page sections) and relations (edges)
// addressed by id. The engine requires only id-based add/remove/update
// semantics plus wholesale snapshot replacement for full resync.
//
// Implementations are mutated only from the owning client's handlers;
// the engine serializes its own access.
type Document interface {
	// HasElement reports whether an element with the id exists.
	HasElement(id string) bool
	// AddElement inserts an element. Adding an existing id replaces it.
	AddElement(id string, fields Fields)
	// RemoveElement deletes an element. Unknown ids are a no-op.
	RemoveElement(id string)
	// UpdateElement merges fields into an existing element.
	UpdateElement(id string, fields Fields)
	// MoveElement updates an element's position.
	MoveElement(id string, x, y float64)

	// HasRelation reports whether a relation with the id exists.
	HasRelation(id string) bool
	// AddRelation inserts a relation. Adding an existing id replaces it.
	AddRelation(id string, fields Fields)
	// RemoveRelation deletes a relation. Unknown ids are a no-op.
	RemoveRelation(id string)
	// UpdateRelation merges fields into an existing relation.
	UpdateRelation(id string, fields Fields)

	// Snapshot returns a full copy of the document state.
	Snapshot() Snapshot
	// Replace swaps the document state wholesale. Used by full resync.
	Replace(snapshot Snapshot)
}

// Snapshot is a full copy of a document's elements and relations, used
// by the full-resync healing path and the save handshake.
type Snapshot struct {
	Elements  map[string]Fields `json:"elements"`
	Relations map[string]Fields `json:"relations"`
}

// MemoryDocument is a map-backed Document. Hosts with their own
// document model implement Document directly; MemoryDocument serves
// tests and simple embedders.
type MemoryDocument struct {
	mu        sync.RWMutex
	elements  map[string]Fields
	relations map[string]Fields
}

// NewMemoryDocument creates an empty MemoryDocument.
func NewMemoryDocument() *MemoryDocument {
	return &MemoryDocument{
		elements:  make(map[string]Fields),
		relations: make(map[string]Fields),
	}
}

// HasElement reports whether an element with the id exists.
func (d *MemoryDocument) HasElement(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.elements[id]
	return ok
}

// AddElement inserts an element.
func (d *MemoryDocument) AddElement(id string, fields Fields) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elements[id] = fields.Copy()
}

// RemoveElement deletes an element.
func (d *MemoryDocument) RemoveElement(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.elements, id)
}

// UpdateElement merges fields into an existing element.
func (d *MemoryDocument) UpdateElement(id string, fields Fields) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.elements[id]
	if !ok {
		return
	}
	for k, v := range fields {
		existing[k] = v
	}
}

// MoveElement updates an element's position fields.
func (d *MemoryDocument) MoveElement(id string, x, y float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.elements[id]
	if !ok {
		return
	}
	existing["x"] = x
	existing["y"] = y
}

// HasRelation reports whether a relation with the id exists.
func (d *MemoryDocument) HasRelation(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.relations[id]
	return ok
}

// AddRelation inserts a relation.
func (d *MemoryDocument) AddRelation(id string, fields Fields) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relations[id] = fields.Copy()
}

// RemoveRelation deletes a relation.
func (d *MemoryDocument) RemoveRelation(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.relations, id)
}

// UpdateRelation merges fields into an existing relation.
func (d *MemoryDocument) UpdateRelation(id string, fields Fields) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.relations[id]
	if !ok {
		return
	}
	for k, v := range fields {
		existing[k] = v
	}
}

// Element returns a copy of an element's fields.
func (d *MemoryDocument) Element(id string) (Fields, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fields, ok := d.elements[id]
	if !ok {
		return nil, false
	}
	return fields.Copy(), true
}

// Relation returns a copy of a relation's fields.
func (d *MemoryDocument) Relation(id string) (Fields, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fields, ok := d.relations[id]
	if !ok {
		return nil, false
	}
	return fields.Copy(), true
}

// Snapshot returns a full copy of the document state.
func (d *MemoryDocument) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap := Snapshot{
		Elements:  make(map[string]Fields, len(d.elements)),
		Relations: make(map[string]Fields, len(d.relations)),
	}
	for id, fields := range d.elements {
		snap.Elements[id] = fields.Copy()
	}
	for id, fields := range d.relations {
		snap.Relations[id] = fields.Copy()
	}
	return snap
}

// Replace swaps the document state wholesale.
func (d *MemoryDocument) Replace(snapshot Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elements = make(map[string]Fields, len(snapshot.Elements))
	for id, fields := range snapshot.Elements {
		d.elements[id] = fields.Copy()
	}
	d.relations = make(map[string]Fields, len(snapshot.Relations))
	for id, fields := range snapshot.Relations {
		d.relations[id] = fields.Copy()
	}
}
