package outbox

import (
	"context"
	"log/slog"
	"time"

	"factora/internal/notify"
	"factora/internal/platform/metrics"
	"factora/pkg/platform/tx"
)

// Deliverer is satisfied by *notify.Notifier.
type Deliverer interface {
	Deliver(ctx context.Context, n notify.Notification, channels []string) error
}

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
	defaultMaxAttempts  = 10
)

// Worker relays committed outbox entries to a Deliverer in id order. When an
// entry fails, later entries for the same entity wait for the next round so
// one entity's notifications never overtake each other.
type Worker struct {
	store       Store
	tx          tx.Runner
	deliverer   Deliverer
	interval    time.Duration
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type WorkerOption func(*Worker)

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

func NewWorker(store Store, runner tx.Runner, deliverer Deliverer, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       store,
		tx:          runner,
		deliverer:   deliverer,
		interval:    defaultPollInterval,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run relays until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "outbox relay failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RelayOnce relays one batch and returns how many entries were delivered.
func (w *Worker) RelayOnce(ctx context.Context) (int, error) {
	delivered := 0
	err := w.tx.RunInTx(ctx, func(ctx context.Context) error {
		entries, err := w.store.Claim(ctx, w.batchSize, w.maxAttempts)
		if err != nil {
			return err
		}
		w.metrics.SetOutboxPending(len(entries))

		blocked := make(map[string]struct{})
		for _, e := range entries {
			if _, ok := blocked[e.Notification.ID]; ok {
				continue
			}
			if err := w.deliverer.Deliver(ctx, e.Notification, e.Channels); err != nil {
				blocked[e.Notification.ID] = struct{}{}
				w.metrics.IncOutboxRelayed("failed")
				w.logger.WarnContext(ctx, "outbox entry delivery failed",
					"outbox_id", e.ID,
					"record_id", e.Notification.ID,
					"attempt", e.Attempts+1,
					"error", err,
				)
				if err := w.store.MarkFailed(ctx, e.ID, err.Error()); err != nil {
					return err
				}
				if e.Attempts+1 >= w.maxAttempts {
					w.logger.ErrorContext(ctx, "outbox entry abandoned", "outbox_id", e.ID, "record_id", e.Notification.ID)
				}
				continue
			}
			if err := w.store.MarkDelivered(ctx, e.ID, w.now()); err != nil {
				return err
			}
			w.metrics.IncOutboxRelayed("delivered")
			delivered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return delivered, nil
}
