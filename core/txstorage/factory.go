package txstorage

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/photoatomic/darc-go/internal/codec"
	"github.com/photoatomic/darc-go/ports/eventlog"
)

// Participant identifies one stateful unit whose durable state this engine
// stores. Callers must guarantee (Type, Key) is globally unique.
type Participant struct {
	Type string
	Key  string
}

func (p Participant) ID() string { return p.Type + "-" + p.Key }

// FactoryConfig configures a Factory. EventLog is required; everything else
// has a sensible default.
type FactoryConfig struct {
	EventLog eventlog.Log
	// Strategy is a static deployment choice. Defaults to StrategyOptimistic.
	Strategy Strategy
	// Registry decodes persisted events during replay. Defaults to an empty
	// registry, which suffices for states on the whole-state fallback path.
	Registry *EventRegistry
	Log      *slog.Logger
	Codec    codec.Codec
	Metrics  StorageMetrics
}

// Factory binds the configured strategy to a participant's stream layout.
type Factory struct {
	elog     eventlog.Log
	strategy Strategy
	registry *EventRegistry
	log      *slog.Logger
	codec    codec.Codec
	metrics  StorageMetrics
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.EventLog == nil {
		return nil, errors.New("event log is required")
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyOptimistic
	}
	switch strategy {
	case StrategyOptimistic, StrategyPessimistic:
	default:
		return nil, fmt.Errorf("unknown strategy: %s", strategy)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	c := cfg.Codec
	if c == nil {
		c = codec.JSONCodec{}
	}
	m := cfg.Metrics
	if m == nil {
		m = NopStorageMetrics()
	}

	return &Factory{
		elog:     cfg.EventLog,
		strategy: strategy,
		registry: registry,
		log:      log.With(slog.String("strategy", string(strategy))),
		codec:    c,
		metrics:  m,
	}, nil
}

// Create constructs a storage instance for one participant's named state.
// newState must return a fresh empty state; the instance is unusable until
// its first Load.
func (f *Factory) Create(stateName string, participant Participant, newState func() State) Storage {
	streams := NewStreamLayout(participant.Type, participant.Key, stateName)
	log := f.log.With(
		slog.Group(
			"participant",
			slog.String("type", participant.Type),
			slog.String("key", participant.Key),
			slog.String("state", stateName),
		),
	)
	es := &eventSourcing{
		log:      log,
		codec:    f.codec,
		registry: f.registry,
		metrics:  f.metrics,
	}
	meta := &metadataStore{elog: f.elog}

	if f.strategy == StrategyPessimistic {
		return &pessimisticStorage{
			log:         log,
			elog:        f.elog,
			streams:     streams,
			es:          es,
			meta:        meta,
			metrics:     f.metrics,
			newState:    newState,
			participant: participant.ID(),
		}
	}
	return &optimisticStorage{
		log:      log,
		elog:     f.elog,
		streams:  streams,
		es:       es,
		meta:     meta,
		metrics:  f.metrics,
		newState: newState,
	}
}
