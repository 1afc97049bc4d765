package txstorage

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/photoatomic/darc-go/internal/codec"
	"github.com/photoatomic/darc-go/ports/eventlog"
)

type incremented struct {
	By int `json:"by"`
}

type counterState struct {
	Base
	Count int `json:"count"`
}

func (c *counterState) Apply(event any) error {
	switch e := event.(type) {
	case *incremented:
		c.Count += e.By
	default:
		return fmt.Errorf("unknown event: %T", event)
	}
	return nil
}

func (c *counterState) Clone() State { return &counterState{Count: c.Count} }

func newEventSourcing(t *testing.T) *eventSourcing {
	t.Helper()
	registry := NewRegistry()
	RegisterEventFor[incremented](registry)
	return &eventSourcing{
		log:      slog.Default(),
		codec:    codec.JSONCodec{},
		registry: registry,
		metrics:  NopStorageMetrics(),
	}
}

func Test_computeDomainEvents_drainsPendingList(t *testing.T) {
	es := newEventSourcing(t)

	c := &counterState{}
	require.NoError(t, RaiseAndApply(c, &incremented{By: 3}, &incremented{By: 4}))

	events, err := es.computeDomainEvents(c)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, 7, c.Count)

	// drained: a second compute yields nothing
	events, err = es.computeDomainEvents(c)
	require.NoError(t, err)
	require.Empty(t, events)
}

type plainState struct {
	Value string `json:"value"`
}

func (p *plainState) Apply(event any) error { return fmt.Errorf("unknown event: %T", event) }
func (p *plainState) Clone() State          { return &plainState{Value: p.Value} }

func Test_computeDomainEvents_fallbackSnapshot(t *testing.T) {
	es := newEventSourcing(t)

	events, err := es.computeDomainEvents(&plainState{Value: "v1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, stateChangedType, events[0].Type)

	entry, err := es.encode(events[0], nil)
	require.NoError(t, err)

	target := &plainState{}
	require.NoError(t, es.applyEntry(target, entry))
	require.Equal(t, "v1", target.Value)
}

func Test_replay_skipsUnreplayableEvents(t *testing.T) {
	es := newEventSourcing(t)

	good1, err := es.encode(NewDomainEvent(&incremented{By: 2}), nil)
	require.NoError(t, err)
	unknown := eventlog.Entry{ID: "x", Type: "unregistered.event", OccurredAt: time.Now()}
	good2, err := es.encode(NewDomainEvent(&incremented{By: 5}), nil)
	require.NoError(t, err)

	c := &counterState{}
	es.replay(c, "test-stream", []eventlog.Entry{good1, unknown, good2})
	require.Equal(t, 7, c.Count)
}

// Pending groups at or below the committed sequence are already in the main
// stream and must not be recovered again.
func Test_recoverPending_skipsCommittedSequences(t *testing.T) {
	es := newEventSourcing(t)
	s := &pessimisticStorage{
		log:            slog.Default(),
		es:             es,
		metrics:        NopStorageMetrics(),
		committedState: &counterState{Count: 10},
		committedSeq:   1,
	}

	tagged := func(txn string, seq string, by int) eventlog.Entry {
		entry, err := es.encode(NewDomainEvent(&incremented{By: by}), map[string]string{
			metaTransactionID: txn,
			metaSequenceID:    seq,
			metaPreparedAt:    time.Now().Format(time.RFC3339Nano),
		})
		require.NoError(t, err)
		return entry
	}

	pending := s.recoverPending([]eventlog.Entry{
		tagged("txn-1", "1", 1),
		tagged("txn-2", "2", 2),
		tagged("txn-2", "2", 3),
		{ID: "malformed", Type: "x"},
	})

	require.Len(t, pending, 1)
	require.Equal(t, "txn-2", pending[0].TransactionID)
	require.EqualValues(t, 2, pending[0].SequenceID)
	require.Equal(t, 15, pending[0].State.(*counterState).Count)
}
