package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"factora/internal/access"
	"factora/internal/platform/metrics"
	"factora/pkg/platform/circuit"
)

// Sink delivers a notification to one channel of a transport.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, channel string, n Notification) error
}

const (
	shardCount         = 64
	defaultVersionSize = 10000
)

type sinkEntry struct {
	sink    Sink
	breaker *circuit.Breaker
}

// Notifier routes notifications to channels and fans them out to sinks.
// Deliveries for one entity are serialized, and a notification older than
// the last one delivered for its entity is dropped.
type Notifier struct {
	sinks    []sinkEntry
	transit  access.TransitFunc
	shards   [shardCount]sync.Mutex
	versions *lru.Cache[string, int64]
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Notifier)

func WithSink(s Sink, breakerOpts ...circuit.Option) Option {
	return func(n *Notifier) {
		n.sinks = append(n.sinks, sinkEntry{sink: s, breaker: circuit.New(s.Name(), breakerOpts...)})
	}
}

// WithTransit also routes an in-transit record to its destination unit.
func WithTransit(fn access.TransitFunc) Option {
	return func(n *Notifier) { n.transit = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithVersionMemory bounds how many entities the stale-version check tracks.
func WithVersionMemory(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.versions, _ = lru.New[string, int64](size)
		}
	}
}

func New(opts ...Option) *Notifier {
	n := &Notifier{}
	for _, opt := range opts {
		opt(n)
	}
	if n.versions == nil {
		n.versions, _ = lru.New[string, int64](defaultVersionSize)
	}
	if n.logger == nil {
		n.logger = slog.New(slog.DiscardHandler)
	}
	return n
}

// Channels returns the channels n is routed to: its unit, the global
// channel and, while the record is in transit, the destination unit.
func (nf *Notifier) Channels(n Notification, data map[string]any) []string {
	channels := []string{UnitChannel(n.UnitID), GlobalChannel}
	if nf.transit != nil {
		if dest, ok := nf.transit(access.Target{UnitID: n.UnitID, Data: data}); ok && dest != n.UnitID {
			channels = append(channels, UnitChannel(dest))
		}
	}
	return channels
}

// Publish routes and delivers n. It never fails the caller: sink errors are
// logged and counted.
func (nf *Notifier) Publish(ctx context.Context, n Notification, data map[string]any) {
	if err := nf.Deliver(ctx, n, nf.Channels(n, data)); err != nil {
		nf.logger.WarnContext(ctx, "notification delivery failed",
			"record_id", n.ID,
			"unit_id", n.UnitID.String(),
			"version", n.Version,
			"error", err,
		)
	}
}

// Deliver sends n to every sink on each channel and returns the joined sink
// errors. Stale notifications are dropped without error.
func (nf *Notifier) Deliver(ctx context.Context, n Notification, channels []string) error {
	shard := &nf.shards[shardFor(n.ID)]
	shard.Lock()
	defer shard.Unlock()

	if last, ok := nf.versions.Get(n.ID); ok && n.Version < last {
		nf.metrics.IncNotificationDropped("stale")
		return nil
	}

	var errs []error
	for _, entry := range nf.sinks {
		if !entry.breaker.Allow() {
			nf.metrics.IncNotificationDropped("circuit_open")
			errs = append(errs, fmt.Errorf("%s: circuit open", entry.sink.Name()))
			continue
		}
		var sinkErr error
		for _, ch := range channels {
			if err := entry.sink.Deliver(ctx, ch, n); err != nil {
				sinkErr = errors.Join(sinkErr, fmt.Errorf("%s %s: %w", entry.sink.Name(), ch, err))
				nf.metrics.IncNotificationDropped("sink_error")
				continue
			}
			nf.metrics.IncNotificationSent(entry.sink.Name(), channelKind(ch))
		}
		if sinkErr != nil {
			if _, change := entry.breaker.RecordFailure(); change.Opened {
				nf.logger.WarnContext(ctx, "notification sink circuit opened", "sink", entry.sink.Name())
			}
			errs = append(errs, sinkErr)
			continue
		}
		if _, change := entry.breaker.RecordSuccess(); change.Closed {
			nf.logger.InfoContext(ctx, "notification sink circuit closed", "sink", entry.sink.Name())
		}
	}

	if last, ok := nf.versions.Get(n.ID); !ok || n.Version > last {
		nf.versions.Add(n.ID, n.Version)
	}
	return errors.Join(errs...)
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
