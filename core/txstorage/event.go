package txstorage

import (
	"fmt"
	"sync"
	"time"

	"github.com/photoatomic/darc-go/internal/reflector"
)

// DomainEvent is an immutable fact describing one state change. Data holds
// the decoded payload value; Type is the dispatch key used during replay.
type DomainEvent struct {
	Type       string
	Data       any
	OccurredAt time.Time
}

// NewDomainEvent tags payload with its real type name.
func NewDomainEvent(payload any) DomainEvent {
	return DomainEvent{
		Type:       reflector.TypeInfoOf(payload).Name,
		Data:       payload,
		OccurredAt: time.Now(),
	}
}

// Tag keys annotating pending-stream entries with transaction identity.
// Committed entries never carry these.
const (
	metaTransactionID = "txn_id"
	metaSequenceID    = "seq_id"
	metaParticipant   = "participant"
	metaPreparedAt    = "prepared_at"
)

// EventRegistry maps event type names to constructors so persisted events
// can be decoded during replay.
type EventRegistry struct {
	mu   sync.RWMutex
	news map[string]func() any
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{news: map[string]func() any{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

// New constructs a fresh zero payload for eventType.
func (r *EventRegistry) New(eventType string) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	return ctor(), nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

// RegisterEventFor registers a constructor for event type T under its
// derived type name.
func RegisterEventFor[T any](r Registrar) {
	ti := reflector.TypeInfoFor[T]()
	r.Register(ti.Name, func() any {
		return any(new(T))
	})
}
