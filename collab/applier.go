package collab

import (
	"fmt"

	"go.uber.org/zap"
)

// applier receives inbound mutation envelopes and applies them to the
// local document. Every apply enters a guard generation first, so the
// host's mutation observation cannot re-broadcast the change as a new
// local edit while the generation is in flight.
type applier struct {
	doc     Document
	hydrate HydrateFunc
	guard   *generationGuard
	// onApplied is invoked after a successful apply so the host can
	// e.g. clear a locally-dirty flag and re-render.
	onApplied func(ev MutationEvent)
	logger    *zap.Logger
}

func newApplier(doc Document, hydrate HydrateFunc, guard *generationGuard, onApplied func(MutationEvent), logger *zap.Logger) *applier {
	return &applier{
		doc:       doc,
		hydrate:   hydrate,
		guard:     guard,
		onApplied: onApplied,
		logger:    logger,
	}
}

// Apply decodes and applies one remote mutation. Malformed payloads and
// unknown targets skip that event only; the error is returned for
// logging and processing of subsequent events continues.
func (a *applier) Apply(env Envelope) error {
	ev, err := env.DecodeMutation()
	if err != nil {
		return err
	}

	// The generation is released by the guard's hold timer, keeping the
	// window open for asynchronous mutation observation.
	a.guard.enter()

	if err := a.applyEvent(ev); err != nil {
		return err
	}

	if a.onApplied != nil {
		a.onApplied(ev)
	}
	return nil
}

func (a *applier) applyEvent(ev MutationEvent) error {
	switch e := ev.(type) {
	case *ElementAdd:
		if e.ID == "" {
			return fmt.Errorf("element add missing id")
		}
		// Idempotent add: the local optimistic add may have landed first.
		if a.doc.HasElement(e.ID) {
			a.logger.Debug("Skipped duplicate element add", zap.String("element_id", e.ID))
			return nil
		}
		a.doc.AddElement(e.ID, a.hydrateFields(e.ID, e.Fields))

	case *ElementUpdate:
		if e.ID == "" {
			return fmt.Errorf("element update missing id")
		}
		if !a.doc.HasElement(e.ID) {
			return fmt.Errorf("element update for unknown id %s", e.ID)
		}
		a.doc.UpdateElement(e.ID, a.hydrateFields(e.ID, e.Fields))

	case *ElementMove:
		if e.ID == "" {
			return fmt.Errorf("element move missing id")
		}
		if !a.doc.HasElement(e.ID) {
			return fmt.Errorf("element move for unknown id %s", e.ID)
		}
		a.doc.MoveElement(e.ID, e.X, e.Y)

	case *ElementRemove:
		if e.ID == "" {
			return fmt.Errorf("element remove missing id")
		}
		a.doc.RemoveElement(e.ID)

	case *RelationAdd:
		if e.ID == "" {
			return fmt.Errorf("relation add missing id")
		}
		if a.doc.HasRelation(e.ID) {
			a.logger.Debug("Skipped duplicate relation add", zap.String("relation_id", e.ID))
			return nil
		}
		a.doc.AddRelation(e.ID, e.Fields)

	case *RelationUpdate:
		if e.ID == "" {
			return fmt.Errorf("relation update missing id")
		}
		if !a.doc.HasRelation(e.ID) {
			return fmt.Errorf("relation update for unknown id %s", e.ID)
		}
		a.doc.UpdateRelation(e.ID, e.Fields)

	case *RelationRemove:
		if e.ID == "" {
			return fmt.Errorf("relation remove missing id")
		}
		a.doc.RemoveRelation(e.ID)

	case *FullResync:
		a.doc.Replace(e.Snapshot)

	default:
		// Viewport, selection and saved events are routed by the room
		// handle before reaching the applier.
		return fmt.Errorf("unexpected event type %s in applier", ev.Type())
	}

	return nil
}

// hydrateFields runs remote payloads through the host's hydration hook
// so remote-origin elements render identically to local ones.
func (a *applier) hydrateFields(targetID string, fields Fields) Fields {
	if a.hydrate == nil {
		return fields
	}
	return a.hydrate(targetID, fields)
}
