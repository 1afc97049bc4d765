// Package eventlog defines the append-only log port the storage engine
// persists to. Implementations expose named streams of immutable entries
// with optimistic revision checks on append and whole-stream deletion.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

var (
	ErrStreamNotFound   = errors.New("stream not found")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrNoEntries        = errors.New("no entries to append")
)

// Revision is the log's per-stream version counter. The revision of a
// stream is the revision of its newest entry; an empty or absent stream
// has revision 0.
type Revision uint64

// AnyRevision disables the optimistic precondition on Append.
const AnyRevision Revision = math.MaxUint64

func (r Revision) Uint64() uint64 { return uint64(r) }

// Entry is the unit of storage. Data holds the encoded payload; Meta
// carries optional per-entry tags (used by pending streams to annotate
// entries with transaction identity) and is nil for committed entries.
type Entry struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Revision   Revision          `json:"revision"`
	OccurredAt time.Time         `json:"occurred_at"`
	Data       json.RawMessage   `json:"data"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Log is the remote log service contract.
//
// Append atomically adds entries to the named stream and returns the new
// stream revision. If expected is AnyRevision the append is unconditional;
// otherwise the append fails with ErrRevisionMismatch unless the stream's
// current revision equals expected (0 for an absent stream). Implementations
// assign Entry.Revision; values supplied by the caller are ignored.
//
// ReadForward returns the full stream oldest-first, ReadLast only its newest
// entry. Both fail with ErrStreamNotFound for an absent stream. Delete
// removes the stream and all its entries; deleting an absent stream fails
// with ErrStreamNotFound.
type Log interface {
	ReadForward(ctx context.Context, stream string) ([]Entry, error)
	ReadLast(ctx context.Context, stream string) (*Entry, error)
	Append(ctx context.Context, stream string, expected Revision, entries []Entry) (Revision, error)
	Delete(ctx context.Context, stream string) error
}
