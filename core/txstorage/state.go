package txstorage

import (
	"encoding/json"
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/photoatomic/darc-go/internal/codec"
	"github.com/photoatomic/darc-go/ports/eventlog"
)

// State is the contract a durable state type must satisfy. A state is owned
// by exactly one storage instance at a time and is mutated only by replaying
// domain events.
//
// Apply dispatches on the concrete event payload type; unknown events are an
// error. Clone returns an independent structural copy with no aliasing to
// the receiver.
type State interface {
	Apply(event any) error
	Clone() State
}

// EventSourced is the preferred capability of a State: business logic raises
// domain events onto a pending list which the engine drains at prepare time.
// States without it fall back to coarse whole-state snapshot events.
type EventSourced interface {
	PendingEvents() []DomainEvent
	ClearPendingEvents()
}

// stateChangedType marks the coarse-grained fallback event carrying the
// entire encoded state as payload.
const stateChangedType = "darc.state_changed"

// Base is an embeddable helper tracking the pending-event list. Its fields
// are unexported so they never leak into encoded state payloads.
type Base struct {
	pending []DomainEvent
}

// Raise records event as pending, tagged with its real type name.
func (b *Base) Raise(event any) {
	b.pending = append(b.pending, NewDomainEvent(event))
}

func (b *Base) PendingEvents() []DomainEvent {
	out := make([]DomainEvent, len(b.pending))
	copy(out, b.pending)
	return out
}

func (b *Base) ClearPendingEvents() { b.pending = nil }

type raiseApplier interface {
	Raise(event any)
	Apply(event any) error
}

// RaiseAndApply records each event as pending and applies it to mutate
// state. Events implementing Validate() error are validated first so a
// rejected update leaves no trace.
func RaiseAndApply(s raiseApplier, events ...any) error {
	for _, e := range events {
		if v, ok := e.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("invalid event %T: %w", e, err)
			}
		}
	}
	for _, e := range events {
		s.Raise(e)
		if err := s.Apply(e); err != nil {
			return err
		}
	}
	return nil
}

// eventSourcing converts accumulated pending events into log entries and
// replays log entries back into state.
type eventSourcing struct {
	log      *slog.Logger
	codec    codec.Codec
	registry *EventRegistry
	metrics  StorageMetrics
}

// computeDomainEvents drains the proposed state's pending events. States
// without a pending list yield a single whole-state snapshot event; that
// path loses per-field event identity and exists for legacy state types.
func (e *eventSourcing) computeDomainEvents(proposed State) ([]DomainEvent, error) {
	if es, ok := proposed.(EventSourced); ok {
		events := es.PendingEvents()
		es.ClearPendingEvents()
		return events, nil
	}

	data, err := e.codec.Marshal(proposed)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot state: %w", err)
	}
	ev := NewDomainEvent(json.RawMessage(data))
	ev.Type = stateChangedType
	return []DomainEvent{ev}, nil
}

// encode converts a domain event into a log entry. meta is attached verbatim
// and must be nil for entries bound for a main stream.
func (e *eventSourcing) encode(ev DomainEvent, meta map[string]string) (eventlog.Entry, error) {
	data, err := e.codec.Marshal(ev.Data)
	if err != nil {
		return eventlog.Entry{}, fmt.Errorf("failed to encode event %s: %w", ev.Type, err)
	}
	return eventlog.Entry{
		ID:         gonanoid.Must(),
		Type:       ev.Type,
		OccurredAt: ev.OccurredAt,
		Data:       data,
		Meta:       meta,
	}, nil
}

// applyEntry folds one persisted entry into state. The fallback snapshot
// entry overwrites the state's exported fields wholesale; everything else
// is decoded through the registry and dispatched to the state's own Apply.
func (e *eventSourcing) applyEntry(state State, entry eventlog.Entry) error {
	if entry.Type == stateChangedType {
		if err := e.codec.Unmarshal(entry.Data, state); err != nil {
			return fmt.Errorf("failed to overwrite state: %w", err)
		}
		return nil
	}

	payload, err := e.registry.New(entry.Type)
	if err != nil {
		return err
	}
	if entry.Data != nil {
		if err := e.codec.Unmarshal(entry.Data, payload); err != nil {
			return fmt.Errorf("failed to decode event %s: %w", entry.Type, err)
		}
	}
	return state.Apply(payload)
}

// replay folds entries into state oldest-first. Entries that fail to decode
// or apply are skipped with a warning rather than aborting recovery.
func (e *eventSourcing) replay(state State, stream string, entries []eventlog.Entry) {
	for _, entry := range entries {
		if err := e.applyEntry(state, entry); err != nil {
			e.log.Warn(
				"skipping unreplayable event",
				slog.String("stream", stream),
				slog.String("entry_id", entry.ID),
				slog.String("type", entry.Type),
				slog.Uint64("revision", entry.Revision.Uint64()),
				slog.Any("error", err),
			)
			e.metrics.ReplayEventSkipped(stream)
		}
	}
}
