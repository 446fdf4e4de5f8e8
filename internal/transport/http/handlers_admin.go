package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"factora/internal/principal"
	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
	"factora/pkg/platform/httputil"
	authmw "factora/pkg/platform/middleware/auth"
)

// AdminService is satisfied by *principal.Admin.
type AdminService interface {
	CreatePrincipal(ctx context.Context, actorID id.PrincipalID, req principal.CreatePrincipalRequest) (*principal.Principal, error)
	ChangeRole(ctx context.Context, actorID, targetID id.PrincipalID, role principal.Role) (*principal.Principal, error)
	AssignUnits(ctx context.Context, actorID, targetID id.PrincipalID, unitIDs []string) (*principal.Principal, error)
	Deactivate(ctx context.Context, actorID, targetID id.PrincipalID) (*principal.Principal, error)
	CreateUnit(ctx context.Context, actorID id.PrincipalID, code, name string) (*principal.Unit, error)
	DeactivateUnit(ctx context.Context, actorID id.PrincipalID, unitID id.UnitID) (*principal.Unit, error)
}

// AdminHandler serves administrative principal and unit changes. Every
// operation is authorized by the service, not here.
type AdminHandler struct {
	admin  AdminService
	logger *slog.Logger
}

func NewAdminHandler(admin AdminService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AdminHandler{admin: admin, logger: logger}
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/principals", h.handleCreatePrincipal)
		r.Put("/principals/{id}/role", h.handleChangeRole)
		r.Put("/principals/{id}/units", h.handleAssignUnits)
		r.Post("/principals/{id}/deactivate", h.handleDeactivate)
		r.Post("/units", h.handleCreateUnit)
		r.Post("/units/{unit}/deactivate", h.handleDeactivateUnit)
	})
}

func (h *AdminHandler) handleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.admin.CreatePrincipal(r.Context(), authmw.GetPrincipalID(r.Context()), principal.CreatePrincipalRequest{
		Name:    req.Name,
		Role:    principal.Role(req.Role),
		UnitIDs: req.UnitIDs,
	})
	if err != nil {
		writeServiceError(h.logger, w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toPrincipalResponse(p))
}

func (h *AdminHandler) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	target, ok := principalParam(w, r)
	if !ok {
		return
	}
	var req changeRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.admin.ChangeRole(r.Context(), authmw.GetPrincipalID(r.Context()), target, principal.Role(req.Role))
	h.writePrincipal(w, r, p, err)
}

func (h *AdminHandler) handleAssignUnits(w http.ResponseWriter, r *http.Request) {
	target, ok := principalParam(w, r)
	if !ok {
		return
	}
	var req assignUnitsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.admin.AssignUnits(r.Context(), authmw.GetPrincipalID(r.Context()), target, req.UnitIDs)
	h.writePrincipal(w, r, p, err)
}

func (h *AdminHandler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	target, ok := principalParam(w, r)
	if !ok {
		return
	}
	p, err := h.admin.Deactivate(r.Context(), authmw.GetPrincipalID(r.Context()), target)
	h.writePrincipal(w, r, p, err)
}

func (h *AdminHandler) handleCreateUnit(w http.ResponseWriter, r *http.Request) {
	var req createUnitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := h.admin.CreateUnit(r.Context(), authmw.GetPrincipalID(r.Context()), req.Code, req.Name)
	if err != nil {
		writeServiceError(h.logger, w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toUnitResponse(u))
}

func (h *AdminHandler) handleDeactivateUnit(w http.ResponseWriter, r *http.Request) {
	unitID, err := id.ParseUnitID(chi.URLParam(r, "unit"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid unit"))
		return
	}
	u, err := h.admin.DeactivateUnit(r.Context(), authmw.GetPrincipalID(r.Context()), unitID)
	if err != nil {
		writeServiceError(h.logger, w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toUnitResponse(u))
}

func (h *AdminHandler) writePrincipal(w http.ResponseWriter, r *http.Request, p *principal.Principal, err error) {
	if err != nil {
		writeServiceError(h.logger, w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toPrincipalResponse(p))
}

func principalParam(w http.ResponseWriter, r *http.Request) (id.PrincipalID, bool) {
	pid, err := id.ParsePrincipalID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid principal id"))
		return id.PrincipalID{}, false
	}
	return pid, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return false
	}
	return true
}
