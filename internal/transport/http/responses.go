package httptransport

import (
	"time"

	"factora/internal/auditchain"
	"factora/internal/principal"
	"factora/internal/record"
	id "factora/pkg/domain"
)

type recordResponse struct {
	ID         string         `json:"id"`
	UnitID     string         `json:"unitId"`
	EntityType string         `json:"entityType"`
	Version    int64          `json:"version"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	UpdatedBy  string         `json:"updatedBy"`
}

func toRecordResponse(r *record.Record) recordResponse {
	data := r.Data
	if data == nil {
		data = map[string]any{}
	}
	return recordResponse{
		ID:         r.ID.String(),
		UnitID:     r.UnitID.String(),
		EntityType: r.EntityType,
		Version:    r.Version,
		Data:       data,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		UpdatedBy:  r.UpdatedBy.String(),
	}
}

type recordListResponse struct {
	Records []recordResponse `json:"records"`
}

type createRecordRequest struct {
	EntityType string         `json:"entityType"`
	Data       map[string]any `json:"data"`
}

type actionRequest struct {
	Reason string         `json:"reason"`
	Patch  map[string]any `json:"patch"`
}

type findingResponse struct {
	Seq   uint64 `json:"seq"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type verifyResponse struct {
	UnitID   string            `json:"unitId"`
	Valid    bool              `json:"valid"`
	Checked  int               `json:"checked"`
	Findings []findingResponse `json:"findings"`
}

func toVerifyResponse(unit id.UnitID, findings []auditchain.Finding) verifyResponse {
	resp := verifyResponse{
		UnitID:   unit.String(),
		Valid:    auditchain.Valid(findings),
		Checked:  len(findings),
		Findings: make([]findingResponse, 0, len(findings)),
	}
	for _, f := range findings {
		fr := findingResponse{Seq: f.Seq, Valid: f.Valid}
		if f.Err != nil {
			fr.Error = f.Err.Error()
		}
		resp.Findings = append(resp.Findings, fr)
	}
	return resp
}

type auditEventResponse struct {
	ID          string    `json:"id"`
	Seq         uint64    `json:"seq"`
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	Action      string    `json:"action"`
	PrincipalID string    `json:"principalId,omitempty"`
	Before      any       `json:"before"`
	After       any       `json:"after"`
	Timestamp   time.Time `json:"timestamp"`
	PrevHash    string    `json:"prevHash"`
	Hash        string    `json:"hash"`
}

type auditTrailResponse struct {
	UnitID string               `json:"unitId"`
	Events []auditEventResponse `json:"events"`
}

type principalResponse struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Role    string   `json:"role"`
	UnitIDs []string `json:"unitIds"`
	Active  bool     `json:"active"`
}

func toPrincipalResponse(p *principal.Principal) principalResponse {
	units := make([]string, 0, len(p.UnitIDs))
	for _, u := range p.UnitIDs {
		units = append(units, u.String())
	}
	return principalResponse{
		ID:      p.ID.String(),
		Name:    p.Name,
		Role:    string(p.Role),
		UnitIDs: units,
		Active:  p.Active,
	}
}

type createPrincipalRequest struct {
	Name    string   `json:"name"`
	Role    string   `json:"role"`
	UnitIDs []string `json:"unitIds"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type assignUnitsRequest struct {
	UnitIDs []string `json:"unitIds"`
}

type unitResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

func toUnitResponse(u *principal.Unit) unitResponse {
	return unitResponse{ID: u.ID.String(), Name: u.Name, Active: u.Active}
}

type createUnitRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}
