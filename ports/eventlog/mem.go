package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryLog is a simple, correct in-process Log for tests/dev. Appends are
// atomic: the revision check and the insertion of the whole batch happen
// under one lock.
type MemoryLog struct {
	mu      sync.RWMutex
	log     *slog.Logger
	streams map[string][]Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		log:     slog.Default().With(slog.String("log", "memory")),
		streams: map[string][]Entry{},
	}
}

func (m *MemoryLog) ReadForward(_ context.Context, stream string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.streams[stream]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
	}

	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *MemoryLog) ReadLast(_ context.Context, stream string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.streams[stream]
	if !ok || len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
	}

	last := entries[len(entries)-1]
	return &last, nil
}

func (m *MemoryLog) Append(_ context.Context, stream string, expected Revision, entries []Entry) (Revision, error) {
	if len(entries) == 0 {
		return 0, ErrNoEntries
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.streams[stream]
	curRevision := Revision(0)
	if len(cur) > 0 {
		curRevision = cur[len(cur)-1].Revision
	}

	if expected != AnyRevision && curRevision != expected {
		return 0, fmt.Errorf(
			"%w: stream %s expected revision %d, got %d",
			ErrRevisionMismatch, stream, expected, curRevision,
		)
	}

	rev := curRevision
	for _, e := range entries {
		rev++
		e.Revision = rev
		cur = append(cur, e)
	}
	m.streams[stream] = cur

	m.log.Debug(
		"append",
		slog.String("stream", stream),
		slog.Int("num_entries", len(entries)),
		slog.Uint64("revision", rev.Uint64()),
	)

	return rev, nil
}

func (m *MemoryLog) Delete(_ context.Context, stream string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[stream]; !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
	}
	delete(m.streams, stream)
	return nil
}

var _ Log = (*MemoryLog)(nil)
