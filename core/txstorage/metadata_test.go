package txstorage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/photoatomic/darc-go/ports/eventlog"
)

func Test_MetadataStore_absentStream(t *testing.T) {
	m := &metadataStore{elog: eventlog.NewMemoryLog()}

	seq, metadata, err := m.Load(t.Context(), "missing-metadata")
	require.NoError(t, err)
	require.EqualValues(t, 0, seq)
	require.Nil(t, metadata)
}

func Test_MetadataStore_roundtrip(t *testing.T) {
	var (
		elog   = eventlog.NewMemoryLog()
		m      = &metadataStore{elog: elog}
		stream = "account-alice-balance-metadata"
	)

	require.NoError(t, m.Save(t.Context(), stream, 3, json.RawMessage(`{"coordinator":"c1"}`)))
	require.NoError(t, m.Save(t.Context(), stream, 7, json.RawMessage(`{"coordinator":"c2"}`)))

	seq, metadata, err := m.Load(t.Context(), stream)
	require.NoError(t, err)
	require.EqualValues(t, 7, seq)
	require.JSONEq(t, `{"coordinator":"c2"}`, string(metadata))

	// history is append-only, only the newest entry is authoritative
	entries, err := elog.ReadForward(t.Context(), stream)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func Test_MetadataStore_corruptSnapshot(t *testing.T) {
	var (
		elog   = eventlog.NewMemoryLog()
		m      = &metadataStore{elog: elog}
		stream = "account-alice-balance-metadata"
	)

	snap := metadataSnapshot{SequenceID: 5, Sum: "not-a-real-sum"}
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	_, err = elog.Append(t.Context(), stream, eventlog.AnyRevision, []eventlog.Entry{{
		ID:   "bad",
		Type: metadataEntryType,
		Data: data,
	}})
	require.NoError(t, err)

	_, _, err = m.Load(t.Context(), stream)
	require.ErrorIs(t, err, ErrCorruptMetadata)
}
