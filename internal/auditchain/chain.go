package auditchain

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"factora/internal/platform/metrics"
	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
	"factora/pkg/platform/sentinel"
)

const verifyConcurrency = 4

// Chain appends to and verifies per-unit audit chains.
type Chain struct {
	store   Store
	hasher  Hasher
	clock   func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

type Option func(*Chain)

func WithHasher(h Hasher) Option {
	return func(c *Chain) { c.hasher = h }
}

func WithClock(clock func() time.Time) Option {
	return func(c *Chain) { c.clock = clock }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Chain) { c.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) { c.logger = logger }
}

func New(store Store, opts ...Option) *Chain {
	c := &Chain{
		store:  store,
		hasher: sha256Hasher{},
		clock:  time.Now,
		tracer: otel.Tracer("factora/auditchain"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append adds entry to its unit's chain. Run it with the mutation's
// transaction in ctx: if it fails, the mutation must roll back.
func (c *Chain) Append(ctx context.Context, entry Entry) (id.EventID, error) {
	ctx, span := c.tracer.Start(ctx, "auditchain.Append", trace.WithAttributes(
		attribute.String("unit_id", entry.UnitID.String()),
		attribute.String("action", string(entry.Action)),
	))
	defer span.End()

	if entry.UnitID.IsNil() || entry.EntityID == "" || !entry.Action.IsValid() {
		return id.EventID{}, dErrors.New(dErrors.CodeInvalidInput, "incomplete audit entry")
	}
	before, err := EncodeSnapshot(entry.Before)
	if err != nil {
		return id.EventID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode audit snapshot")
	}
	after, err := EncodeSnapshot(entry.After)
	if err != nil {
		return id.EventID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode audit snapshot")
	}

	start := time.Now()
	e, err := c.store.AppendNext(ctx, entry.UnitID, func(head *Event) (*Event, error) {
		e := &Event{
			ID:          id.NewEventID(),
			UnitID:      entry.UnitID,
			Seq:         1,
			EntityType:  entry.EntityType,
			EntityID:    entry.EntityID,
			Action:      entry.Action,
			PrincipalID: entry.PrincipalID,
			Before:      before,
			After:       after,
			Timestamp:   CanonicalTime(c.clock()),
		}
		if head != nil {
			e.Seq = head.Seq + 1
			e.PrevHash = head.Hash
		}
		e.Hash = c.hasher.Sum(CanonicalBytes(e, e.PrevHash))
		return e, nil
	})
	c.metrics.ObserveAuditAppend(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return id.EventID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to append audit event")
	}
	span.SetAttributes(attribute.Int64("seq", int64(e.Seq)))
	return e.ID, nil
}

// Verify walks the unit's chain from seq 1, checking at most limit events
// (limit <= 0 checks all). The first divergence and every later event are
// reported invalid; verification never stops early.
func (c *Chain) Verify(ctx context.Context, unitID id.UnitID, limit int) []Finding {
	ctx, span := c.tracer.Start(ctx, "auditchain.Verify", trace.WithAttributes(
		attribute.String("unit_id", unitID.String()),
	))
	defer span.End()

	events, err := c.store.List(ctx, unitID, 0, limit)
	if err != nil {
		span.RecordError(err)
		if c.logger != nil {
			c.logger.ErrorContext(ctx, "audit chain unreadable", "unit_id", unitID.String(), "error", err)
		}
		return []Finding{{Seq: 0, Valid: false, Err: errors.Join(ErrChainUnreadable, err)}}
	}

	findings := make([]Finding, 0, len(events))
	var (
		prevHash []byte
		nextSeq  uint64 = 1
		diverged bool
		invalid  int
	)
	for _, e := range events {
		var ferr error
		switch {
		case e.Seq != nextSeq:
			ferr = ErrSeqGap
		case !bytes.Equal(e.PrevHash, prevHash):
			ferr = ErrPrevHashBroken
		case !bytes.Equal(c.hasher.Sum(CanonicalBytes(e, prevHash)), e.Hash):
			ferr = ErrHashMismatch
		}
		if ferr != nil {
			diverged = true
		} else if diverged {
			ferr = ErrAfterDivergence
		}
		if diverged {
			invalid++
		}
		findings = append(findings, Finding{Seq: e.Seq, Valid: !diverged, Err: ferr})

		prevHash = e.Hash
		nextSeq = e.Seq + 1
	}

	c.metrics.AddChainDivergences(unitID.String(), invalid)
	span.SetAttributes(attribute.Int("events", len(events)), attribute.Int("invalid", invalid))
	if invalid > 0 && c.logger != nil {
		c.logger.WarnContext(ctx, "audit chain divergence",
			"unit_id", unitID.String(),
			"first_invalid_seq", firstInvalid(findings),
			"invalid_events", invalid,
		)
	}
	return findings
}

// VerifyAll verifies several units in parallel.
func (c *Chain) VerifyAll(ctx context.Context, units []id.UnitID, limit int) (map[id.UnitID][]Finding, error) {
	var (
		mu  sync.Mutex
		out = make(map[id.UnitID][]Finding, len(units))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	for _, unit := range units {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			findings := c.Verify(gctx, unit, limit)
			mu.Lock()
			out[unit] = findings
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "verification aborted")
	}
	return out, nil
}

// Head returns the latest event of the unit, or nil for an empty chain.
func (c *Chain) Head(ctx context.Context, unitID id.UnitID) (*Event, error) {
	e, err := c.store.Head(ctx, unitID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load chain head")
	}
	return e, nil
}

func (c *Chain) List(ctx context.Context, unitID id.UnitID, afterSeq uint64, limit int) ([]*Event, error) {
	events, err := c.store.List(ctx, unitID, afterSeq, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit events")
	}
	return events, nil
}

// Valid reports whether every finding is valid.
func Valid(findings []Finding) bool {
	for _, f := range findings {
		if !f.Valid {
			return false
		}
	}
	return true
}

func firstInvalid(findings []Finding) uint64 {
	for _, f := range findings {
		if !f.Valid {
			return f.Seq
		}
	}
	return 0
}
