// Package txstorage implements the durable-storage participant contract of
// a two-phase-commit transaction coordinator on top of an append-only event
// log. Committed state is reconstructed by replaying a per-participant main
// stream; in-flight transactions are held either in memory (optimistic
// strategy) or in a durable pending stream (pessimistic strategy).
//
// Storage instances perform no internal locking: the host guarantees that
// calls on one instance are strictly sequential.
package txstorage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrStaleETag means the caller presented a token other than the one
	// returned by the most recent Load or Store. This is a caller bug, not
	// a concurrency conflict.
	ErrStaleETag = errors.New("stale etag")
	// ErrTransactionAborted signals the coordinator to retry the whole
	// transaction from Load. Raised on a main-stream revision conflict,
	// which invalidates all prepared work on this instance.
	ErrTransactionAborted = errors.New("transaction aborted")
	// ErrMixedRequest rejects a Store call carrying more than one of
	// prepare/commit/abort.
	ErrMixedRequest = errors.New("store request must carry at most one of prepare, commit or abort")
	// ErrUnknownEventType means replay met an event with no registered
	// constructor.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrCorruptMetadata means a metadata snapshot failed its checksum.
	ErrCorruptMetadata = errors.New("corrupt metadata snapshot")
)

// ETag is a freshness token scoped to one storage instance's lifetime.
// Every Store call must present the value returned by the most recent Load
// or Store on that instance.
type ETag string

func newETag() ETag { return ETag(gonanoid.Must()) }

// PendingState is an in-flight transaction recovered during Load: the
// committed state with the transaction's events replayed on top.
type PendingState struct {
	TransactionID string
	SequenceID    int64
	State         State
	Timestamp     time.Time
}

// LoadResult is everything the coordinator needs after activating a
// participant.
type LoadResult struct {
	ETag       ETag
	SequenceID int64
	Metadata   json.RawMessage
	State      State
	Pending    []PendingState
}

// Prepare is one proposed state change awaiting commit or abort.
// SequenceID is the coordinator-assigned position in the participant's
// overall commit order.
type Prepare struct {
	TransactionID string
	SequenceID    int64
	State         State
	Timestamp     time.Time
}

// StoreRequest carries exactly one of prepare work (Prepares non-empty),
// a commit marker (CommitUpTo) or an abort marker (AbortAfter).
type StoreRequest struct {
	ETag     ETag
	Metadata json.RawMessage
	Prepares []Prepare
	// CommitUpTo commits every prepared transaction with
	// SequenceID <= *CommitUpTo.
	CommitUpTo *int64
	// AbortAfter drops every prepared transaction with
	// SequenceID > *AbortAfter.
	AbortAfter *int64
}

func (r StoreRequest) validate() error {
	n := 0
	if len(r.Prepares) > 0 {
		n++
	}
	if r.CommitUpTo != nil {
		n++
	}
	if r.AbortAfter != nil {
		n++
	}
	if n > 1 {
		return ErrMixedRequest
	}
	return nil
}

// Storage is one participant's durable storage contract. Load recovers
// committed state and in-flight work after activation; Store applies
// prepare, commit or abort instructions and returns the token the next
// call must present.
type Storage interface {
	Load(ctx context.Context) (*LoadResult, error)
	Store(ctx context.Context, req StoreRequest) (ETag, error)
}
