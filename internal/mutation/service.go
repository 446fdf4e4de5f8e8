// Package mutation is the single path every record change takes:
// resolve the principal, check access, guard the version, apply, append the
// audit event and enqueue the notification in one transaction, then publish.
package mutation

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"factora/internal/access"
	"factora/internal/auditchain"
	"factora/internal/notify"
	"factora/internal/outbox"
	"factora/internal/platform/metrics"
	"factora/internal/principal"
	"factora/internal/record"
	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
	"factora/pkg/platform/sentinel"
	"factora/pkg/platform/tx"
	"factora/pkg/requestcontext"
)

// AuditAppender is satisfied by *auditchain.Chain.
type AuditAppender interface {
	Append(ctx context.Context, entry auditchain.Entry) (id.EventID, error)
}

// ChainReader is satisfied by *auditchain.Chain.
type ChainReader interface {
	Verify(ctx context.Context, unitID id.UnitID, limit int) []auditchain.Finding
	List(ctx context.Context, unitID id.UnitID, afterSeq uint64, limit int) ([]*auditchain.Event, error)
}

// Router is satisfied by *notify.Notifier. It names the channels a
// notification is enqueued for.
type Router interface {
	Channels(n notify.Notification, data map[string]any) []string
}

// Publisher is satisfied by *notify.Notifier.
type Publisher interface {
	Router
	Publish(ctx context.Context, n notify.Notification, data map[string]any)
}

// UnitLookup is satisfied by principal.Store.
type UnitLookup interface {
	FindUnit(ctx context.Context, unitID id.UnitID) (*principal.Unit, error)
}

// ErrNotFoundOrDenied is what a caller sees for a record that does not exist
// and for one it may not see; the two are indistinguishable on purpose.
var ErrNotFoundOrDenied = dErrors.New(dErrors.CodeNotFound, "not found or not permitted")

const defaultStatusField = "status"

type Service struct {
	resolver  principal.ScopeResolver
	units     UnitLookup
	evaluator *access.Evaluator
	records   record.Store
	audit     AuditAppender
	chain     ChainReader
	outbox    outbox.Store
	router    Router
	publisher Publisher
	tx        tx.Runner

	statusField string
	verifyLimit int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	clock       func() time.Time
}

type Option func(*Service)

// WithOutbox enqueues every notification in the mutation transaction for
// relay to external sinks.
func WithOutbox(store outbox.Store) Option {
	return func(s *Service) { s.outbox = store }
}

// WithPublisher delivers to p after commit. p also routes outbox entries
// unless WithRouter names another router.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRouter routes outbox entries without publishing directly. Instances
// that hear their own commits back through fan-in use it in place of
// WithPublisher.
func WithRouter(r Router) Option {
	return func(s *Service) { s.router = r }
}

func WithChainReader(v ChainReader, limit int) Option {
	return func(s *Service) {
		s.chain = v
		s.verifyLimit = limit
	}
}

// WithStatusField names the data field approve and reject set.
func WithStatusField(field string) Option {
	return func(s *Service) {
		if field != "" {
			s.statusField = field
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func New(
	resolver principal.ScopeResolver,
	units UnitLookup,
	evaluator *access.Evaluator,
	records record.Store,
	audit AuditAppender,
	runner tx.Runner,
	opts ...Option,
) *Service {
	s := &Service{
		resolver:    resolver,
		units:       units,
		evaluator:   evaluator,
		records:     records,
		audit:       audit,
		tx:          runner,
		statusField: defaultStatusField,
		logger:      slog.New(slog.DiscardHandler),
		tracer:      otel.Tracer("factora/mutation"),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.router == nil && s.publisher != nil {
		s.router = s.publisher
	}
	return s
}

// CreateRequest describes a new record.
type CreateRequest struct {
	UnitID     id.UnitID
	EntityType string
	Data       map[string]any
}

// Get returns a record the principal may read.
func (s *Service) Get(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID) (*record.Record, error) {
	scope, err := s.resolver.Resolve(ctx, principalID)
	if err != nil {
		return nil, err
	}
	r, err := s.records.FindByID(ctx, recordID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	if !s.evaluator.CanAccess(scope, r.Target(), access.OpRead).Allowed {
		return nil, ErrNotFoundOrDenied
	}
	return r, nil
}

// List returns the readable records of unit. A principal outside the unit
// sees only records in transit to one of its own units.
func (s *Service) List(ctx context.Context, principalID id.PrincipalID, unitID id.UnitID, entityType string) ([]*record.Record, error) {
	scope, err := s.resolver.Resolve(ctx, principalID)
	if err != nil {
		return nil, err
	}
	records, err := s.records.ListByUnit(ctx, unitID, entityType)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list records")
	}
	return access.FilterReadable(s.evaluator, scope, records, (*record.Record).Target), nil
}

// Create stores a new record at version 1.
func (s *Service) Create(ctx context.Context, principalID id.PrincipalID, req CreateRequest) (*record.Record, error) {
	ctx, span := s.startSpan(ctx, "mutation.Create", auditchain.ActionCreate)
	defer span.End()

	scope, err := s.resolver.Resolve(ctx, principalID)
	if err != nil {
		return nil, s.fail(span, auditchain.ActionCreate, err)
	}
	if req.EntityType == "" {
		return nil, s.fail(span, auditchain.ActionCreate, dErrors.New(dErrors.CodeValidation, "entity type is required"))
	}
	target := access.Target{UnitID: req.UnitID, Data: req.Data}
	if err := s.evaluator.Require(scope, target, access.OpWrite); err != nil {
		return nil, s.fail(span, auditchain.ActionCreate, err)
	}
	unit, err := s.units.FindUnit(ctx, req.UnitID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, s.fail(span, auditchain.ActionCreate, dErrors.New(dErrors.CodeValidation, "unknown unit"))
		}
		return nil, s.fail(span, auditchain.ActionCreate, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load unit"))
	}
	if !unit.Active {
		return nil, s.fail(span, auditchain.ActionCreate, dErrors.New(dErrors.CodeValidation, "unit is inactive"))
	}

	now := s.now(ctx)
	r := &record.Record{
		ID:         id.NewRecordID(),
		UnitID:     req.UnitID,
		EntityType: req.EntityType,
		Version:    1,
		Data:       maps.Clone(req.Data),
		CreatedAt:  now,
		UpdatedAt:  now,
		UpdatedBy:  principalID,
	}
	if r.Data == nil {
		r.Data = map[string]any{}
	}

	var n notify.Notification
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.records.Create(ctx, r); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "record already exists")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create record")
		}
		var err error
		n, err = s.record(ctx, auditchain.ActionCreate, principalID, nil, r)
		return err
	})
	if err != nil {
		return nil, s.fail(span, auditchain.ActionCreate, err)
	}
	s.committed(ctx, auditchain.ActionCreate, n, r.Data)
	return r, nil
}

// Update merges patch into the record's data; a nil value removes the key.
func (s *Service) Update(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID, expected int64, patch map[string]any) (*record.Record, error) {
	return s.mutate(ctx, auditchain.ActionUpdate, principalID, recordID, expected, func(r *record.Record) error {
		if len(patch) == 0 {
			return dErrors.New(dErrors.CodeValidation, "patch is empty")
		}
		mergePatch(r.Data, patch)
		return nil
	})
}

// Delete soft-deletes the record. It disappears from reads but its history
// stays in the audit chain.
func (s *Service) Delete(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID, expected int64) error {
	_, err := s.mutate(ctx, auditchain.ActionDelete, principalID, recordID, expected, func(r *record.Record) error {
		r.Deleted = true
		return nil
	})
	return err
}

// Approve and Reject set the status field; Override applies patch and
// records reason alongside it.
func (s *Service) Approve(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID, expected int64) (*record.Record, error) {
	return s.mutate(ctx, auditchain.ActionApprove, principalID, recordID, expected, func(r *record.Record) error {
		r.Data[s.statusField] = "approved"
		return nil
	})
}

func (s *Service) Reject(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID, expected int64, reason string) (*record.Record, error) {
	return s.mutate(ctx, auditchain.ActionReject, principalID, recordID, expected, func(r *record.Record) error {
		r.Data[s.statusField] = "rejected"
		if reason != "" {
			r.Data["rejection_reason"] = reason
		}
		return nil
	})
}

func (s *Service) Override(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID, expected int64, patch map[string]any, reason string) (*record.Record, error) {
	return s.mutate(ctx, auditchain.ActionOverride, principalID, recordID, expected, func(r *record.Record) error {
		if reason == "" {
			return dErrors.New(dErrors.CodeValidation, "override requires a reason")
		}
		mergePatch(r.Data, patch)
		r.Data["override_reason"] = reason
		return nil
	})
}

// VerifyChain verifies the unit's audit chain for a principal that may read
// the unit.
func (s *Service) VerifyChain(ctx context.Context, principalID id.PrincipalID, unitID id.UnitID, limit int) ([]auditchain.Finding, error) {
	scope, err := s.resolver.Resolve(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if !s.evaluator.CanSubscribe(scope, unitID) {
		return nil, access.ErrAccessDenied
	}
	if s.chain == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "chain verification is not configured")
	}
	if limit <= 0 || (s.verifyLimit > 0 && limit > s.verifyLimit) {
		limit = s.verifyLimit
	}
	return s.chain.Verify(ctx, unitID, limit), nil
}

// AuditTrail lists the unit's audit events after afterSeq for a principal
// that may read the unit.
func (s *Service) AuditTrail(ctx context.Context, principalID id.PrincipalID, unitID id.UnitID, afterSeq uint64, limit int) ([]*auditchain.Event, error) {
	scope, err := s.resolver.Resolve(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if !s.evaluator.CanSubscribe(scope, unitID) {
		return nil, access.ErrAccessDenied
	}
	if s.chain == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "audit chain is not configured")
	}
	events, err := s.chain.List(ctx, unitID, afterSeq, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit events")
	}
	return events, nil
}

func (s *Service) mutate(ctx context.Context, action auditchain.Action, principalID id.PrincipalID, recordID id.RecordID, expected int64, fn record.MutateFunc) (*record.Record, error) {
	ctx, span := s.startSpan(ctx, "mutation."+string(action), action)
	defer span.End()
	span.SetAttributes(attribute.String("record_id", recordID.String()), attribute.Int64("expected_version", expected))

	scope, err := s.resolver.Resolve(ctx, principalID)
	if err != nil {
		return nil, s.fail(span, action, err)
	}
	current, err := s.records.FindByID(ctx, recordID)
	if err != nil {
		return nil, s.fail(span, action, translateStoreError(err))
	}
	if !s.evaluator.CanAccess(scope, current.Target(), access.OpWrite).Allowed {
		if s.evaluator.CanAccess(scope, current.Target(), access.OpRead).Allowed {
			return nil, s.fail(span, action, access.ErrAccessDenied)
		}
		return nil, s.fail(span, action, ErrNotFoundOrDenied)
	}

	now := s.now(ctx)
	var (
		updated *record.Record
		before  map[string]any
		n       notify.Notification
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.records.ApplyIfVersionMatches(ctx, recordID, expected, principalID, now, func(r *record.Record) error {
			before = maps.Clone(r.Data)
			if r.Data == nil {
				r.Data = map[string]any{}
			}
			return fn(r)
		})
		if err != nil {
			return err
		}
		n, err = s.record(ctx, action, principalID, before, updated)
		return err
	})
	if err != nil {
		return nil, s.fail(span, action, translateStoreError(err))
	}
	s.committed(ctx, action, n, updated.Data)
	return updated, nil
}

// record appends the audit event and, with an outbox, enqueues the
// notification. Both join the transaction in ctx.
func (s *Service) record(ctx context.Context, action auditchain.Action, principalID id.PrincipalID, before map[string]any, r *record.Record) (notify.Notification, error) {
	after := r.Data
	if r.Deleted {
		after = nil
	}
	if _, err := s.audit.Append(ctx, auditchain.Entry{
		UnitID:      r.UnitID,
		EntityType:  r.EntityType,
		EntityID:    r.ID.String(),
		Action:      action,
		PrincipalID: principalID,
		Before:      before,
		After:       after,
	}); err != nil {
		return notify.Notification{}, err
	}

	n := notify.Notification{
		Type:          r.EntityType,
		ID:            r.ID.String(),
		UnitID:        r.UnitID,
		Action:        string(action),
		ChangedFields: record.ChangedFields(before, after),
		Version:       r.Version,
		Timestamp:     r.UpdatedAt.UTC(),
		PrincipalID:   principalID,
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, n, s.channels(n, r.Data)); err != nil {
			return notify.Notification{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to enqueue notification")
		}
	}
	return n, nil
}

// committed runs after commit. The mutation is durable at this point, so
// publishing must not observe the caller's cancellation.
func (s *Service) committed(ctx context.Context, action auditchain.Action, n notify.Notification, data map[string]any) {
	s.metrics.IncMutation(string(action), "applied")
	s.logger.InfoContext(ctx, "record mutated",
		"action", string(action),
		"record_id", n.ID,
		"unit_id", n.UnitID.String(),
		"version", n.Version,
		"principal_id", n.PrincipalID.String(),
		"request_id", requestcontext.RequestID(ctx),
	)
	if s.publisher != nil {
		s.publisher.Publish(context.WithoutCancel(ctx), n, data)
	}
}

func (s *Service) channels(n notify.Notification, data map[string]any) []string {
	if s.router == nil {
		return []string{notify.UnitChannel(n.UnitID), notify.GlobalChannel}
	}
	return s.router.Channels(n, data)
}

func (s *Service) startSpan(ctx context.Context, name string, action auditchain.Action) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("action", string(action))))
}

func (s *Service) fail(span trace.Span, action auditchain.Action, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	s.metrics.IncMutation(string(action), outcome(err))
	return err
}

func (s *Service) now(ctx context.Context) time.Time {
	if _, ok := ctx.Value(requestcontext.ContextKeyRequestTime).(time.Time); ok {
		return requestcontext.Now(ctx).UTC()
	}
	return s.clock().UTC()
}

func outcome(err error) string {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeVersionConflict:
		return "conflict"
	case dErrors.CodeForbidden:
		return "denied"
	case dErrors.CodeNotFound:
		return "not_found"
	case dErrors.CodeUnauthorized:
		return "unauthorized"
	case dErrors.CodeValidation, dErrors.CodeInvalidInput, dErrors.CodeInvariantViolation:
		return "invalid"
	default:
		return "error"
	}
}

func translateStoreError(err error) error {
	if errors.Is(err, record.ErrNotFound) || errors.Is(err, sentinel.ErrNotFound) {
		return ErrNotFoundOrDenied
	}
	var conflict *record.ConflictError
	if errors.As(err, &conflict) {
		return conflict
	}
	var coded *dErrors.Error
	if errors.As(err, &coded) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "mutation failed")
}

func mergePatch(data, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(data, k)
			continue
		}
		data[k] = v
	}
}
