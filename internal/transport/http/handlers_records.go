package httptransport

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"factora/internal/auditchain"
	"factora/internal/mutation"
	"factora/internal/record"
	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
	"factora/pkg/platform/httputil"
	authmw "factora/pkg/platform/middleware/auth"
	request "factora/pkg/platform/middleware/request"
)

const maxBodyBytes = 1 << 20

// RecordService is satisfied by *mutation.Service.
type RecordService interface {
	Get(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID) (*record.Record, error)
	List(ctx context.Context, principalID id.PrincipalID, unitID id.UnitID, entityType string) ([]*record.Record, error)
	Create(ctx context.Context, principalID id.PrincipalID, req mutation.CreateRequest) (*record.Record, error)
	Update(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID, expected int64, patch map[string]any) (*record.Record, error)
	Delete(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID, expected int64) error
	Approve(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID, expected int64) (*record.Record, error)
	Reject(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID, expected int64, reason string) (*record.Record, error)
	Override(ctx context.Context, principalID id.PrincipalID, recordID id.RecordID, expected int64, patch map[string]any, reason string) (*record.Record, error)
	VerifyChain(ctx context.Context, principalID id.PrincipalID, unitID id.UnitID, limit int) ([]auditchain.Finding, error)
	AuditTrail(ctx context.Context, principalID id.PrincipalID, unitID id.UnitID, afterSeq uint64, limit int) ([]*auditchain.Event, error)
}

// RecordHandler serves records and their unit's audit chain.
type RecordHandler struct {
	service RecordService
	logger  *slog.Logger
}

func NewRecordHandler(service RecordService, logger *slog.Logger) *RecordHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RecordHandler{service: service, logger: logger}
}

func (h *RecordHandler) Register(r chi.Router) {
	r.Get("/records/{id}", h.handleGet)
	r.Patch("/records/{id}", h.handleUpdate)
	r.Delete("/records/{id}", h.handleDelete)
	r.Post("/records/{id}/actions/{action}", h.handleAction)
	r.Get("/units/{unit}/records", h.handleList)
	r.Post("/units/{unit}/records", h.handleCreate)
	r.Get("/units/{unit}/audit", h.handleAuditTrail)
	r.Get("/units/{unit}/audit/verify", h.handleVerify)
}

func (h *RecordHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	recordID, ok := h.recordID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Get(r.Context(), authmw.GetPrincipalID(r.Context()), recordID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeRecord(w, http.StatusOK, rec)
}

func (h *RecordHandler) handleList(w http.ResponseWriter, r *http.Request) {
	unitID, ok := h.unitID(w, r)
	if !ok {
		return
	}
	records, err := h.service.List(r.Context(), authmw.GetPrincipalID(r.Context()), unitID, r.URL.Query().Get("type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := recordListResponse{Records: make([]recordResponse, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, toRecordResponse(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *RecordHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	unitID, ok := h.unitID(w, r)
	if !ok {
		return
	}
	var req createRecordRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.service.Create(r.Context(), authmw.GetPrincipalID(r.Context()), mutation.CreateRequest{
		UnitID:     unitID,
		EntityType: strings.TrimSpace(req.EntityType),
		Data:       req.Data,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/records/"+rec.ID.String())
	writeRecord(w, http.StatusCreated, rec)
}

func (h *RecordHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	recordID, ok := h.recordID(w, r)
	if !ok {
		return
	}
	expected, ok := h.expectedVersion(w, r)
	if !ok {
		return
	}
	var patch map[string]any
	if !h.decode(w, r, &patch) {
		return
	}
	rec, err := h.service.Update(r.Context(), authmw.GetPrincipalID(r.Context()), recordID, expected, patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeRecord(w, http.StatusOK, rec)
}

func (h *RecordHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	recordID, ok := h.recordID(w, r)
	if !ok {
		return
	}
	expected, ok := h.expectedVersion(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), authmw.GetPrincipalID(r.Context()), recordID, expected); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RecordHandler) handleAction(w http.ResponseWriter, r *http.Request) {
	recordID, ok := h.recordID(w, r)
	if !ok {
		return
	}
	expected, ok := h.expectedVersion(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	principalID := authmw.GetPrincipalID(ctx)
	var (
		rec *record.Record
		err error
	)
	switch auditchain.Action(chi.URLParam(r, "action")) {
	case auditchain.ActionApprove:
		rec, err = h.service.Approve(ctx, principalID, recordID, expected)
	case auditchain.ActionReject:
		rec, err = h.service.Reject(ctx, principalID, recordID, expected, req.Reason)
	case auditchain.ActionOverride:
		rec, err = h.service.Override(ctx, principalID, recordID, expected, req.Patch, req.Reason)
	default:
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "unknown action"))
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeRecord(w, http.StatusOK, rec)
}

func (h *RecordHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	unitID, ok := h.unitID(w, r)
	if !ok {
		return
	}
	limit, ok := h.intQuery(w, r, "limit")
	if !ok {
		return
	}
	findings, err := h.service.VerifyChain(r.Context(), authmw.GetPrincipalID(r.Context()), unitID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toVerifyResponse(unitID, findings))
}

func (h *RecordHandler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	unitID, ok := h.unitID(w, r)
	if !ok {
		return
	}
	limit, ok := h.intQuery(w, r, "limit")
	if !ok {
		return
	}
	after, ok := h.intQuery(w, r, "after")
	if !ok {
		return
	}
	events, err := h.service.AuditTrail(r.Context(), authmw.GetPrincipalID(r.Context()), unitID, uint64(after), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := auditTrailResponse{UnitID: unitID.String(), Events: make([]auditEventResponse, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, toAuditEventResponse(e))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func toAuditEventResponse(e *auditchain.Event) auditEventResponse {
	resp := auditEventResponse{
		ID:         e.ID.String(),
		Seq:        e.Seq,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     string(e.Action),
		Timestamp:  e.Timestamp,
		PrevHash:   hex.EncodeToString(e.PrevHash),
		Hash:       hex.EncodeToString(e.Hash),
	}
	if !e.PrincipalID.IsNil() {
		resp.PrincipalID = e.PrincipalID.String()
	}
	if before, err := auditchain.DecodeSnapshot(e.Before); err == nil && before != nil {
		resp.Before = before
	}
	if after, err := auditchain.DecodeSnapshot(e.After); err == nil && after != nil {
		resp.After = after
	}
	return resp
}

func writeRecord(w http.ResponseWriter, status int, rec *record.Record) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(rec.Version, 10)))
	httputil.WriteJSON(w, status, toRecordResponse(rec))
}

func (h *RecordHandler) recordID(w http.ResponseWriter, r *http.Request) (id.RecordID, bool) {
	recordID, err := id.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		// A malformed id cannot name a record the caller may see.
		httputil.WriteError(w, mutation.ErrNotFoundOrDenied)
		return id.RecordID{}, false
	}
	return recordID, true
}

func (h *RecordHandler) unitID(w http.ResponseWriter, r *http.Request) (id.UnitID, bool) {
	unitID, err := id.ParseUnitID(chi.URLParam(r, "unit"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid unit"))
		return "", false
	}
	return unitID, true
}

// expectedVersion reads If-Match. Both `3` and the quoted ETag form `"3"`
// are accepted.
func (h *RecordHandler) expectedVersion(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" {
		httputil.WriteJSON(w, http.StatusPreconditionRequired, map[string]string{
			"error":             "precondition_required",
			"error_description": "If-Match with the expected version is required",
		})
		return 0, false
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "If-Match must be a positive version"))
		return 0, false
	}
	return v, true
}

func (h *RecordHandler) intQuery(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid "+name))
		return 0, false
	}
	return n, true
}

func (h *RecordHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if !decodeJSON(w, r, v) {
		h.logger.WarnContext(r.Context(), "invalid request body",
			"request_id", request.GetRequestID(r.Context()),
		)
		return false
	}
	return true
}

func (h *RecordHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(h.logger, w, r, err)
}

func writeServiceError(logger *slog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		logger.ErrorContext(ctx, "request failed", "error", err, "request_id", request.GetRequestID(ctx))
	}
	httputil.WriteError(w, err)
}
