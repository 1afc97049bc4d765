package txstorage

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/photoatomic/darc-go/ports/eventlog"
)

// metadataEntryType marks entries of a metadata stream.
const metadataEntryType = "darc.metadata"

// metadataSnapshot is the last-committed marker. Only the newest entry of
// the metadata stream is authoritative; the stream itself is an append-only
// audit trail. Sum guards against torn or corrupted snapshots.
type metadataSnapshot struct {
	SequenceID int64           `json:"seq"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Sum        string          `json:"sum"`
}

func (s metadataSnapshot) sum() string {
	h, _ := blake2b.New256(nil)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(s.SequenceID))
	h.Write(seq[:])
	h.Write(s.Metadata)
	return hex.EncodeToString(h.Sum(nil))
}

// metadataStore reads and writes committed-sequence snapshots. An absent
// stream loads as the zero snapshot.
type metadataStore struct {
	elog eventlog.Log
}

func (m *metadataStore) Load(ctx context.Context, stream string) (int64, json.RawMessage, error) {
	last, err := m.elog.ReadLast(ctx, stream)
	if err != nil {
		if errors.Is(err, eventlog.ErrStreamNotFound) {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("failed to read metadata stream %s: %w", stream, err)
	}

	var snap metadataSnapshot
	if err := json.Unmarshal(last.Data, &snap); err != nil {
		return 0, nil, fmt.Errorf("failed to decode metadata snapshot: %w", err)
	}
	if snap.Sum != snap.sum() {
		return 0, nil, fmt.Errorf("%w: stream %s entry %s", ErrCorruptMetadata, stream, last.ID)
	}
	return snap.SequenceID, snap.Metadata, nil
}

func (m *metadataStore) Save(ctx context.Context, stream string, seq int64, metadata json.RawMessage) error {
	snap := metadataSnapshot{SequenceID: seq, Metadata: metadata}
	snap.Sum = snap.sum()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode metadata snapshot: %w", err)
	}

	_, err = m.elog.Append(ctx, stream, eventlog.AnyRevision, []eventlog.Entry{{
		ID:         gonanoid.Must(),
		Type:       metadataEntryType,
		OccurredAt: time.Now(),
		Data:       data,
	}})
	if err != nil {
		return fmt.Errorf("failed to save metadata snapshot: %w", err)
	}
	return nil
}
