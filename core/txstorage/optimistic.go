package txstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/photoatomic/darc-go/ports/eventlog"
)

const (
	StrategyOptimistic  Strategy = "optimistic"
	StrategyPessimistic Strategy = "pessimistic"
)

// Strategy selects how prepared work survives between prepare and
// commit/abort. A static deployment choice, not a per-call one.
type Strategy string

// transactionRecord is prepared work held in memory by the optimistic
// strategy. It lives only between prepare and commit/abort.
type transactionRecord struct {
	transactionID string
	sequenceID    int64
	events        []DomainEvent
	workingState  State
}

// optimisticStorage keeps prepared transactions in memory and commits with
// a single batch append guarded by the main stream's revision. Cheap
// prepares, but a crash before commit loses prepared work and a racing
// activation surfaces as ErrTransactionAborted.
type optimisticStorage struct {
	log      *slog.Logger
	elog     eventlog.Log
	streams  StreamLayout
	es       *eventSourcing
	meta     *metadataStore
	metrics  StorageMetrics
	newState func() State

	committedState    State
	committedRevision eventlog.Revision
	committedSeq      int64
	etag              ETag
	pending           map[string]*transactionRecord
}

func (s *optimisticStorage) Load(ctx context.Context) (*LoadResult, error) {
	defer s.metrics.LoadDuration(string(StrategyOptimistic)).ObserveDuration()

	entries, seq, metadata, err := readCommitted(ctx, s.elog, s.meta, s.streams)
	if err != nil {
		return nil, err
	}

	state := s.newState()
	s.es.replay(state, s.streams.Main, entries)

	s.committedState = state
	s.committedRevision = lastRevision(entries)
	s.committedSeq = seq
	s.etag = newETag()
	s.pending = map[string]*transactionRecord{}
	s.metrics.PendingTransactions(string(StrategyOptimistic), 0)

	s.log.Debug(
		"loaded",
		slog.Int("num_events", len(entries)),
		slog.Uint64("revision", s.committedRevision.Uint64()),
		slog.Int64("seq", seq),
	)

	return &LoadResult{
		ETag:       s.etag,
		SequenceID: seq,
		Metadata:   metadata,
		State:      s.committedState.Clone(),
	}, nil
}

// readCommitted reads the main stream and the metadata snapshot
// concurrently. A missing main stream is a fresh participant, not an error.
func readCommitted(ctx context.Context, elog eventlog.Log, meta *metadataStore, streams StreamLayout) ([]eventlog.Entry, int64, json.RawMessage, error) {
	var (
		entries  []eventlog.Entry
		seq      int64
		metadata json.RawMessage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = elog.ReadForward(gctx, streams.Main)
		if errors.Is(err, eventlog.ErrStreamNotFound) {
			entries = nil
			return nil
		}
		return err
	})
	g.Go(func() error {
		var err error
		seq, metadata, err = meta.Load(gctx, streams.Metadata)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, 0, nil, err
	}
	return entries, seq, metadata, nil
}

func (s *optimisticStorage) Store(ctx context.Context, req StoreRequest) (ETag, error) {
	defer s.metrics.StoreDuration(string(StrategyOptimistic)).ObserveDuration()

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
		return s.prepare(req.Prepares)
	case req.CommitUpTo != nil:
		return s.commit(ctx, *req.CommitUpTo, req.Metadata)
	case req.AbortAfter != nil:
		return s.abort(*req.AbortAfter)
	}
	return s.etag, nil
}

// prepare stashes transaction records in memory. Zero I/O; the ETag is
// unchanged.
func (s *optimisticStorage) prepare(prepares []Prepare) (ETag, error) {
	for _, p := range prepares {
		events, err := s.es.computeDomainEvents(p.State)
		if err != nil {
			return "", err
		}
		// snapshot the working state; the caller keeps mutating its copy
		s.pending[p.TransactionID] = &transactionRecord{
			transactionID: p.TransactionID,
			sequenceID:    p.SequenceID,
			events:        events,
			workingState:  p.State.Clone(),
		}
		s.log.Debug(
			"prepared",
			slog.String("txn", p.TransactionID),
			slog.Int64("seq", p.SequenceID),
			slog.Int("num_events", len(events)),
		)
	}
	s.metrics.PendingTransactions(string(StrategyOptimistic), len(s.pending))
	return s.etag, nil
}

// commit flattens every record with sequenceID <= upTo into one ordered
// batch and appends it atomically, guarded by the committed revision. A
// revision conflict drops all in-memory prepared work: it was computed
// against a base that is now stale.
func (s *optimisticStorage) commit(ctx context.Context, upTo int64, metadata json.RawMessage) (ETag, error) {
	records := s.resolvedRecords(upTo)

	var entries []eventlog.Entry
	for _, rec := range records {
		for _, ev := range rec.events {
			entry, err := s.es.encode(ev, nil)
			if err != nil {
				return "", err
			}
			entries = append(entries, entry)
		}
	}

	if len(entries) > 0 {
		rev, err := s.elog.Append(ctx, s.streams.Main, s.committedRevision, entries)
		if err != nil {
			if errors.Is(err, eventlog.ErrRevisionMismatch) {
				s.pending = map[string]*transactionRecord{}
				s.metrics.PendingTransactions(string(StrategyOptimistic), 0)
				s.metrics.ConcurrencyConflict(string(StrategyOptimistic))
				return "", fmt.Errorf("%w: %s", ErrTransactionAborted, err)
			}
			return "", fmt.Errorf("failed to commit to %s: %w", s.streams.Main, err)
		}
		s.committedRevision = rev
	}

	if len(records) > 0 {
		last := records[len(records)-1]
		if es, ok := last.workingState.(EventSourced); ok {
			es.ClearPendingEvents()
		}
		s.committedState = last.workingState
	}

	if upTo > s.committedSeq {
		s.committedSeq = upTo
	}
	if err := s.meta.Save(ctx, s.streams.Metadata, s.committedSeq, metadata); err != nil {
		return "", err
	}

	for _, rec := range records {
		delete(s.pending, rec.transactionID)
	}
	s.metrics.PendingTransactions(string(StrategyOptimistic), len(s.pending))
	s.metrics.TransactionsCommitted(string(StrategyOptimistic), len(records))

	s.etag = newETag()
	s.log.Debug(
		"committed",
		slog.Int64("up_to", upTo),
		slog.Int("num_transactions", len(records)),
		slog.Int("num_events", len(entries)),
		slog.Uint64("revision", s.committedRevision.Uint64()),
	)
	return s.etag, nil
}

// abort drops every record with sequenceID > after. No I/O.
func (s *optimisticStorage) abort(after int64) (ETag, error) {
	for id, rec := range s.pending {
		if rec.sequenceID > after {
			delete(s.pending, id)
		}
	}
	s.metrics.PendingTransactions(string(StrategyOptimistic), len(s.pending))
	s.log.Debug("aborted", slog.Int64("after", after), slog.Int("num_pending", len(s.pending)))
	return s.etag, nil
}

func (s *optimisticStorage) resolvedRecords(upTo int64) []*transactionRecord {
	var records []*transactionRecord
	for _, rec := range s.pending {
		if rec.sequenceID <= upTo {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].sequenceID < records[j].sequenceID
	})
	return records
}

func lastRevision(entries []eventlog.Entry) eventlog.Revision {
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Revision
}

var _ Storage = (*optimisticStorage)(nil)
