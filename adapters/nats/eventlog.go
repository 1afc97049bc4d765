// Package nats implements the eventlog port on NATS JetStream. Each logical
// stream maps to one subject inside a single JetStream stream; the
// expected-last-subject-sequence precondition backs the port's revision
// check and subject purges back stream deletion.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/photoatomic/darc-go/ports/eventlog"
)

const defaultSubjectPrefix = "darc.log"

type EventLogConfig struct {
	Connect       Connector     // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger  // Log for diagnostics (optional)
	SubjectPrefix string        // SubjectPrefix prepends every stream subject
	StreamName    string        // StreamName of the backing JetStream stream
	MaxAge        time.Duration // MaxAge of persisted entries; zero keeps them forever
}

type EventLog struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
}

func NewEventLog(cfg EventLogConfig) (*EventLog, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "DARC_LOG"
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("log", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)

	log.Debug("ensuring stream")

	stream, streamInfo, err := ensureStream(js, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
		MaxAge:   cfg.MaxAge,
	})
	if err != nil {
		return nil, err
	}

	log.Debug("ensured", slog.Any("stream", streamInfo))

	return &EventLog{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

func (l *EventLog) Close() error {
	l.js.CleanupPublisher()
	l.closeNc()
	l.log.Debug("closed event log")
	return nil
}

func (l *EventLog) ReadForward(ctx context.Context, stream string) ([]eventlog.Entry, error) {
	if stream == "" {
		return nil, errors.New("stream name is empty")
	}

	last, err := l.lastMsg(ctx, stream)
	if err != nil {
		return nil, err
	}
	endSeq := last.Sequence

	cc, err := l.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{l.subjectFor(stream)},
	})
	if err != nil {
		return nil, err
	}
	return l.consumeEntries(ctx, cc, endSeq)
}

func (l *EventLog) consumeEntries(
	ctx context.Context,
	cc jetstream.Consumer,
	endSeq uint64,
) (entries []eventlog.Entry, err error) {

	var (
		mb    jetstream.MessageBatch
		msg   jetstream.Msg
		entry *eventlog.Entry
	)

outer:

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err = cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}

		empty := true

		for msg = range mb.Messages() {
			empty = false
			entry, err = l.decodeMsg(msg)
			if err != nil {
				return nil, fmt.Errorf("failed to decode message: %w", err)
			}

			entries = append(entries, *entry)

			// consume stop criteria
			if entry.Revision.Uint64() >= endSeq {
				break outer
			}
		}

		if empty {
			break
		}
	}

	return entries, nil
}

func (l *EventLog) ReadLast(ctx context.Context, stream string) (*eventlog.Entry, error) {
	if stream == "" {
		return nil, errors.New("stream name is empty")
	}

	last, err := l.lastMsg(ctx, stream)
	if err != nil {
		return nil, err
	}

	entry := &eventlog.Entry{}
	if err := json.Unmarshal(last.Data, entry); err != nil {
		return nil, fmt.Errorf("failed to decode last entry of %s: %w", stream, err)
	}
	entry.Revision = eventlog.Revision(last.Sequence)
	return entry, nil
}

func (l *EventLog) Append(
	ctx context.Context,
	stream string,
	expected eventlog.Revision,
	entries []eventlog.Entry,
) (eventlog.Revision, error) {
	if len(entries) == 0 {
		return 0, eventlog.ErrNoEntries
	}
	if stream == "" {
		return 0, errors.New("stream name is empty")
	}

	// The first publish carries the caller's precondition; every following
	// publish expects the sequence the previous one produced, so a racing
	// writer cannot interleave inside the batch.
	lastSeq := uint64(expected)
	if expected == eventlog.AnyRevision {
		last, err := l.lastMsg(ctx, stream)
		if err != nil && !errors.Is(err, eventlog.ErrStreamNotFound) {
			return 0, err
		}
		if last != nil {
			lastSeq = last.Sequence
		} else {
			lastSeq = 0
		}
	}

	for _, entry := range entries {
		seq, err := l.append(ctx, stream, lastSeq, entry)
		if err != nil {
			return 0, err
		}
		lastSeq = seq
	}

	return eventlog.Revision(lastSeq), nil
}

func (l *EventLog) append(ctx context.Context, stream string, expectSeq uint64, entry eventlog.Entry) (uint64, error) {
	subject := l.subjectFor(stream)

	entry.Revision = 0
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}

	msg := natsgo.NewMsg(subject)
	msg.Header.Set("x-entry-type", entry.Type)
	msg.Header.Set("x-entry-id", entry.ID)
	msg.Data = data

	ack, err := l.js.PublishMsg(
		ctx,
		msg,
		jetstream.WithMsgID(entry.ID),
		jetstream.WithExpectLastSequencePerSubject(expectSeq),
	)
	if err != nil {
		if isWrongLastSequence(err) {
			return 0, fmt.Errorf(
				"%w: stream %s expected sequence %d: %s",
				eventlog.ErrRevisionMismatch, stream, expectSeq, err,
			)
		}
		return 0, fmt.Errorf("failed to append to subject %s %s: %w", subject, entry.Type, err)
	}
	return ack.Sequence, nil
}

func (l *EventLog) Delete(ctx context.Context, stream string) error {
	if stream == "" {
		return errors.New("stream name is empty")
	}

	// purge only deletes what exists; surface the absence explicitly
	if _, err := l.lastMsg(ctx, stream); err != nil {
		return err
	}

	if err := l.stream.Purge(ctx, jetstream.WithPurgeSubject(l.subjectFor(stream))); err != nil {
		return fmt.Errorf("failed to purge stream %s: %w", stream, err)
	}
	l.log.Debug("purged", slog.String("stream", stream))
	return nil
}

func (l *EventLog) lastMsg(ctx context.Context, stream string) (*jetstream.RawStreamMsg, error) {
	last, err := l.stream.GetLastMsgForSubject(ctx, l.subjectFor(stream))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, fmt.Errorf("%w: %s", eventlog.ErrStreamNotFound, stream)
		}
		return nil, err
	}
	return last, nil
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

func (l *EventLog) decodeMsg(msg jetstream.Msg) (*eventlog.Entry, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}

	entry := &eventlog.Entry{}
	if err := json.Unmarshal(msg.Data(), entry); err != nil {
		return nil, err
	}
	entry.Revision = eventlog.Revision(md.Sequence.Stream)
	return entry, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

func (l *EventLog) subjectFor(stream string) string {
	return l.subjectPrefix + "." + stream
}

var _ eventlog.Log = (*EventLog)(nil)
