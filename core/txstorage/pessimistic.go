package txstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/photoatomic/darc-go/ports/eventlog"
)

// pessimisticStorage keeps prepared work durable in a shared pending stream
// tagged with transaction identity. Prepares cost an append, but prepared
// transactions survive a crash and are recovered on Load. Commit copies the
// qualifying entries to the main stream stripped of their tags, then
// discards the pending stream whole; partial deletion is never performed.
type pessimisticStorage struct {
	log         *slog.Logger
	elog        eventlog.Log
	streams     StreamLayout
	es          *eventSourcing
	meta        *metadataStore
	metrics     StorageMetrics
	newState    func() State
	participant string

	committedState    State
	committedRevision eventlog.Revision
	committedSeq      int64
	etag              ETag
}

// pendingGroup is one prepared transaction reassembled from its tagged
// entries.
type pendingGroup struct {
	transactionID string
	sequenceID    int64
	preparedAt    time.Time
	entries       []eventlog.Entry
}

func (s *pessimisticStorage) Load(ctx context.Context) (*LoadResult, error) {
	defer s.metrics.LoadDuration(string(StrategyPessimistic)).ObserveDuration()

	entries, seq, metadata, err := readCommitted(ctx, s.elog, s.meta, s.streams)
	if err != nil {
		return nil, err
	}

	pendingEntries, err := s.elog.ReadForward(ctx, s.streams.Pending)
	if err != nil && !errors.Is(err, eventlog.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to read pending stream %s: %w", s.streams.Pending, err)
	}

	state := s.newState()
	s.es.replay(state, s.streams.Main, entries)

	s.committedState = state
	s.committedRevision = lastRevision(entries)
	s.committedSeq = seq
	s.etag = newETag()

	pending := s.recoverPending(pendingEntries)
	s.metrics.TransactionsRecovered(string(StrategyPessimistic), len(pending))
	s.metrics.PendingTransactions(string(StrategyPessimistic), len(pending))

	s.log.Debug(
		"loaded",
		slog.Int("num_events", len(entries)),
		slog.Uint64("revision", s.committedRevision.Uint64()),
		slog.Int64("seq", seq),
		slog.Int("num_recovered", len(pending)),
	)

	return &LoadResult{
		ETag:       s.etag,
		SequenceID: seq,
		Metadata:   metadata,
		State:      s.committedState.Clone(),
		Pending:    pending,
	}, nil
}

// recoverPending groups the pending stream's tagged entries by transaction
// and materializes every group newer than the committed sequence by
// replaying it onto a copy of the committed state.
func (s *pessimisticStorage) recoverPending(entries []eventlog.Entry) []PendingState {
	var (
		order  []string
		groups = map[string]*pendingGroup{}
	)
	for _, entry := range entries {
		g, err := s.groupEntry(groups, entry)
		if err != nil {
			s.log.Warn(
				"skipping malformed pending entry",
				slog.String("entry_id", entry.ID),
				slog.Any("error", err),
			)
			s.metrics.ReplayEventSkipped(s.streams.Pending)
			continue
		}
		if len(g.entries) == 1 {
			order = append(order, g.transactionID)
		}
	}

	var pending []PendingState
	for _, id := range order {
		g := groups[id]
		if g.sequenceID <= s.committedSeq {
			continue
		}
		state := s.committedState.Clone()
		s.es.replay(state, s.streams.Pending, g.entries)
		pending = append(pending, PendingState{
			TransactionID: g.transactionID,
			SequenceID:    g.sequenceID,
			State:         state,
			Timestamp:     g.preparedAt,
		})
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].SequenceID < pending[j].SequenceID
	})
	return pending
}

func (s *pessimisticStorage) groupEntry(groups map[string]*pendingGroup, entry eventlog.Entry) (*pendingGroup, error) {
	txnID := entry.Meta[metaTransactionID]
	if txnID == "" {
		return nil, fmt.Errorf("entry %s has no transaction tag", entry.ID)
	}
	seq, err := strconv.ParseInt(entry.Meta[metaSequenceID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("entry %s has a bad sequence tag: %w", entry.ID, err)
	}

	g, ok := groups[txnID]
	if !ok {
		preparedAt, _ := time.Parse(time.RFC3339Nano, entry.Meta[metaPreparedAt])
		g = &pendingGroup{
			transactionID: txnID,
			sequenceID:    seq,
			preparedAt:    preparedAt,
		}
		groups[txnID] = g
	}
	g.entries = append(g.entries, entry)
	return g, nil
}

func (s *pessimisticStorage) Store(ctx context.Context, req StoreRequest) (ETag, error) {
	defer s.metrics.StoreDuration(string(StrategyPessimistic)).ObserveDuration()

	if err := req.validate(); err != nil {
		return "", err
	}
	if s.committedState == nil {
		return "", errors.New("storage not loaded")
	}
	if req.ETag != s.etag {
		return "", fmt.Errorf("%w: got %q, current %q", ErrStaleETag, req.ETag, s.etag)
	}

	switch {
	case len(req.Prepares) > 0:
		return s.prepare(ctx, req.Prepares)
	case req.CommitUpTo != nil:
		return s.commit(ctx, *req.CommitUpTo, req.Metadata)
	case req.AbortAfter != nil:
		return s.abort(ctx)
	}
	return s.etag, nil
}

// prepare appends each proposed change to the shared pending stream, tagged
// with transaction identity. Concurrent transactions of the same participant
// interleave freely there, so no revision precondition applies.
func (s *pessimisticStorage) prepare(ctx context.Context, prepares []Prepare) (ETag, error) {
	var entries []eventlog.Entry
	for _, p := range prepares {
		events, err := s.es.computeDomainEvents(p.State)
		if err != nil {
			return "", err
		}
		ts := p.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		meta := map[string]string{
			metaTransactionID: p.TransactionID,
			metaSequenceID:    strconv.FormatInt(p.SequenceID, 10),
			metaParticipant:   s.participant,
			metaPreparedAt:    ts.Format(time.RFC3339Nano),
		}
		for _, ev := range events {
			entry, err := s.es.encode(ev, meta)
			if err != nil {
				return "", err
			}
			entries = append(entries, entry)
		}
		s.log.Debug(
			"prepared",
			slog.String("txn", p.TransactionID),
			slog.Int64("seq", p.SequenceID),
			slog.Int("num_events", len(events)),
		)
	}

	if len(entries) > 0 {
		if _, err := s.elog.Append(ctx, s.streams.Pending, eventlog.AnyRevision, entries); err != nil {
			return "", fmt.Errorf("failed to prepare to %s: %w", s.streams.Pending, err)
		}
	}
	return s.etag, nil
}

// commit copies every pending entry with a qualifying sequence to the main
// stream, stripped of its transaction tags, folds the events into the
// committed state and discards the pending stream.
func (s *pessimisticStorage) commit(ctx context.Context, upTo int64, metadata json.RawMessage) (ETag, error) {
	pendingEntries, err := s.elog.ReadForward(ctx, s.streams.Pending)
	if err != nil && !errors.Is(err, eventlog.ErrStreamNotFound) {
		return "", fmt.Errorf("failed to read pending stream %s: %w", s.streams.Pending, err)
	}

	type qualified struct {
		seq   int64
		entry eventlog.Entry
	}
	var resolved []qualified
	committed := 0
	seen := map[string]bool{}
	for _, entry := range pendingEntries {
		seq, perr := strconv.ParseInt(entry.Meta[metaSequenceID], 10, 64)
		if perr != nil {
			s.log.Warn(
				"skipping malformed pending entry",
				slog.String("entry_id", entry.ID),
				slog.Any("error", perr),
			)
			s.metrics.ReplayEventSkipped(s.streams.Pending)
			continue
		}
		if seq > upTo || seq <= s.committedSeq {
			continue
		}
		if txn := entry.Meta[metaTransactionID]; txn != "" && !seen[txn] {
			seen[txn] = true
			committed++
		}
		clean := entry
		clean.ID = gonanoid.Must()
		clean.Meta = nil
		clean.Revision = 0
		resolved = append(resolved, qualified{seq: seq, entry: clean})
	}
	sort.SliceStable(resolved, func(i, j int) bool { return resolved[i].seq < resolved[j].seq })

	if len(resolved) > 0 {
		entries := make([]eventlog.Entry, 0, len(resolved))
		for _, q := range resolved {
			entries = append(entries, q.entry)
		}
		rev, err := s.elog.Append(ctx, s.streams.Main, s.committedRevision, entries)
		if err != nil {
			if errors.Is(err, eventlog.ErrRevisionMismatch) {
				s.metrics.ConcurrencyConflict(string(StrategyPessimistic))
				return "", fmt.Errorf("%w: %s", ErrTransactionAborted, err)
			}
			return "", fmt.Errorf("failed to commit to %s: %w", s.streams.Main, err)
		}
		s.committedRevision = rev
		s.es.replay(s.committedState, s.streams.Main, entries)
	}

	if upTo > s.committedSeq {
		s.committedSeq = upTo
	}
	if err := s.meta.Save(ctx, s.streams.Metadata, s.committedSeq, metadata); err != nil {
		return "", err
	}

	// Pending work up to and including upTo is fully captured by what was
	// just read; the host's single-writer turn guarantees nothing newer was
	// mid-prepare.
	if err := s.deletePending(ctx); err != nil {
		return "", err
	}
	s.metrics.PendingTransactions(string(StrategyPessimistic), 0)
	s.metrics.TransactionsCommitted(string(StrategyPessimistic), committed)

	s.etag = newETag()
	s.log.Debug(
		"committed",
		slog.Int64("up_to", upTo),
		slog.Int("num_transactions", committed),
		slog.Int("num_events", len(resolved)),
		slog.Uint64("revision", s.committedRevision.Uint64()),
	)
	return s.etag, nil
}

// abort discards the whole pending stream.
func (s *pessimisticStorage) abort(ctx context.Context) (ETag, error) {
	if err := s.deletePending(ctx); err != nil {
		return "", err
	}
	s.metrics.PendingTransactions(string(StrategyPessimistic), 0)
	s.log.Debug("aborted")
	return s.etag, nil
}

func (s *pessimisticStorage) deletePending(ctx context.Context) error {
	err := s.elog.Delete(ctx, s.streams.Pending)
	if err != nil && !errors.Is(err, eventlog.ErrStreamNotFound) {
		return fmt.Errorf("failed to delete pending stream %s: %w", s.streams.Pending, err)
	}
	return nil
}

var _ Storage = (*pessimisticStorage)(nil)
