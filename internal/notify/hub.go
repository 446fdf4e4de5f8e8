package notify

import (
	"context"
	"sync"

	"factora/internal/access"
	"factora/internal/platform/metrics"
	"factora/internal/principal"
	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
)

const defaultSubscriptionBuffer = 64

// Hub is the in-process sink. Subscribers only receive channels their scope
// may read, and a subscriber that falls behind loses notifications rather
// than stalling delivery.
type Hub struct {
	evaluator *access.Evaluator
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewHub(evaluator *access.Evaluator, m *metrics.Metrics) *Hub {
	return &Hub{
		evaluator: evaluator,
		metrics:   m,
		subs:      make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription receives notifications for one channel until closed.
type Subscription struct {
	Channel     string
	PrincipalID id.PrincipalID
	unit        id.UnitID
	ch          chan Notification
	hub         *Hub
	once        sync.Once
	mu          sync.Mutex
	stop        func() bool
}

// C is closed when the subscription ends.
func (s *Subscription) C() <-chan Notification { return s.ch }

func (s *Subscription) Close() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Authorized reports whether scope may still read the subscription's channel.
func (s *Subscription) Authorized(scope principal.Scope) bool {
	return scope.PrincipalID == s.PrincipalID && s.hub.evaluator.CanSubscribe(scope, s.unit)
}

func (h *Hub) Name() string { return "hub" }

// Subscribe authorizes scope for channel and registers a buffered
// subscription. The subscription ends when ctx is done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, scope principal.Scope, channel string, buffer int) (*Subscription, error) {
	unit, ok := ParseChannel(channel)
	if !ok {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown channel")
	}
	if !h.evaluator.CanSubscribe(scope, unit) {
		return nil, access.ErrAccessDenied
	}
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}

	sub := &Subscription{
		Channel:     channel,
		PrincipalID: scope.PrincipalID,
		unit:        unit,
		ch:          make(chan Notification, buffer),
		hub:         h,
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeInternal, "hub closed")
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Subscription]struct{})
	}
	h.subs[channel][sub] = struct{}{}
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, sub.Close)
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	return sub, nil
}

// Deliver never blocks and never fails.
func (h *Hub) Deliver(_ context.Context, channel string, n Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[channel] {
		select {
		case sub.ch <- n:
		default:
			h.metrics.IncNotificationDropped("slow_subscriber")
		}
	}
	return nil
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[s.Channel]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.subs, s.Channel)
	}
	close(s.ch)
}

// Invalidate ends every subscription held by principalID. Subscribers
// reconnect and are authorized against their current scope.
func (h *Hub) Invalidate(principalID id.PrincipalID) {
	var revoked []*Subscription
	h.mu.RLock()
	for _, subs := range h.subs {
		for s := range subs {
			if s.PrincipalID == principalID {
				revoked = append(revoked, s)
			}
		}
	}
	h.mu.RUnlock()
	for _, s := range revoked {
		s.Close()
	}
	if len(revoked) > 0 {
		h.metrics.IncSubscriptionsRevoked(len(revoked))
	}
}

// Subscribers counts live subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for channel, subs := range h.subs {
		for s := range subs {
			close(s.ch)
		}
		delete(h.subs, channel)
	}
}
