package domain

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	dErrors "factora/pkg/domain-errors"
)

// Typed identifiers keep principals, records and audit events from being
// swapped at call sites. Units are identified by their short code ("FA").
type (
	PrincipalID uuid.UUID
	RecordID    uuid.UUID
	EventID     uuid.UUID
	UnitID      string
)

func (id PrincipalID) String() string { return uuid.UUID(id).String() }
func (id PrincipalID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id RecordID) String() string { return uuid.UUID(id).String() }
func (id RecordID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id EventID) String() string { return uuid.UUID(id).String() }
func (id EventID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id UnitID) String() string { return string(id) }
func (id UnitID) IsNil() bool    { return id == "" }

// maxUnitCodeLength bounds unit codes; they are used verbatim in channel names.
const maxUnitCodeLength = 32

func NewPrincipalID() PrincipalID { return PrincipalID(uuid.New()) }
func NewRecordID() RecordID       { return RecordID(uuid.New()) }
func NewEventID() EventID         { return EventID(uuid.New()) }

func ParsePrincipalID(s string) (PrincipalID, error) {
	u, err := parseUUID(s, "principal")
	return PrincipalID(u), err
}

func ParseRecordID(s string) (RecordID, error) {
	u, err := parseUUID(s, "record")
	return RecordID(u), err
}

func ParseEventID(s string) (EventID, error) {
	u, err := parseUUID(s, "event")
	return EventID(u), err
}

// ParseUnitID validates a unit code: 1-32 characters of ASCII letters, digits,
// '-' or '_'. Codes are case-sensitive.
func ParseUnitID(s string) (UnitID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unit id is required")
	}
	if len(s) > maxUnitCodeLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unit id is too long")
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return "", dErrors.New(dErrors.CodeInvalidInput, "unit id contains invalid characters")
		}
	}
	return UnitID(s), nil
}

func parseUUID(s, kind string) (uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" id is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind+" id")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" id cannot be nil")
	}
	return u, nil
}
