package httptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"factora/internal/notify"
	"factora/internal/principal"
	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
	"factora/pkg/platform/httputil"
	authmw "factora/pkg/platform/middleware/auth"
	request "factora/pkg/platform/middleware/request"
)

// Subscriber is satisfied by *notify.Hub.
type Subscriber interface {
	Subscribe(ctx context.Context, scope principal.Scope, channel string, buffer int) (*notify.Subscription, error)
}

const defaultKeepAlive = 25 * time.Second

// ChangesHandler streams change notifications as server-sent events.
type ChangesHandler struct {
	resolver  principal.ScopeResolver
	hub       Subscriber
	logger    *slog.Logger
	buffer    int
	keepAlive time.Duration
}

func NewChangesHandler(resolver principal.ScopeResolver, hub Subscriber, logger *slog.Logger) *ChangesHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ChangesHandler{resolver: resolver, hub: hub, logger: logger, buffer: 64, keepAlive: defaultKeepAlive}
}

func (h *ChangesHandler) Register(r chi.Router) {
	r.Get("/changes", h.handleStream)
}

// handleStream subscribes to ?unit=<code>, or to the global channel when no
// unit is given.
func (h *ChangesHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "streaming unsupported"))
		return
	}

	channel := notify.GlobalChannel
	if raw := r.URL.Query().Get("unit"); raw != "" {
		unitID, err := id.ParseUnitID(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid unit"))
			return
		}
		channel = notify.UnitChannel(unitID)
	}

	scope, err := h.resolver.Resolve(ctx, authmw.GetPrincipalID(ctx))
	if err != nil {
		writeServiceError(h.logger, w, r, err)
		return
	}
	sub, err := h.hub.Subscribe(ctx, scope, channel, h.buffer)
	if err != nil {
		writeServiceError(h.logger, w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.InfoContext(ctx, "change stream opened",
		"channel", channel,
		"principal_id", scope.PrincipalID.String(),
		"request_id", request.GetRequestID(ctx),
	)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.stillAuthorized(ctx, sub) {
				return
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case n, open := <-sub.C():
			if !open {
				return
			}
			payload, err := json.Marshal(n)
			if err != nil {
				h.logger.ErrorContext(ctx, "failed to encode notification", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: change\nid: %s:%d\ndata: %s\n\n", n.ID, n.Version, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// stillAuthorized re-resolves the subscriber's scope. A principal deactivated
// or moved off the unit loses the stream within one keep-alive interval.
func (h *ChangesHandler) stillAuthorized(ctx context.Context, sub *notify.Subscription) bool {
	scope, err := h.resolver.Resolve(ctx, sub.PrincipalID)
	if err == nil && sub.Authorized(scope) {
		return true
	}
	h.logger.InfoContext(ctx, "change stream revoked",
		"channel", sub.Channel,
		"principal_id", sub.PrincipalID.String(),
		"request_id", request.GetRequestID(ctx),
	)
	return false
}
