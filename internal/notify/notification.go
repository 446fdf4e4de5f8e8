// Package notify routes change notifications to unit-scoped channels after a
// mutation commits. Delivery is best effort and at least once.
package notify

import (
	"strings"
	"time"

	id "factora/pkg/domain"
)

// Notification is the ephemeral change message. PrincipalID is kept for
// logging and never leaves the process.
type Notification struct {
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	UnitID        id.UnitID      `json:"unitId"`
	Action        string         `json:"action"`
	ChangedFields []string       `json:"changedFields"`
	Version       int64          `json:"version"`
	Timestamp     time.Time      `json:"timestamp"`
	PrincipalID   id.PrincipalID `json:"-"`
}

const (
	GlobalChannel     = "changes.global"
	unitChannelPrefix = "changes.unit."
)

// UnitChannel names the channel carrying one unit's changes.
func UnitChannel(unit id.UnitID) string {
	return unitChannelPrefix + unit.String()
}

// ParseChannel returns the unit of a unit channel, or "" for the global
// channel. ok is false for anything else.
func ParseChannel(channel string) (unit id.UnitID, ok bool) {
	if channel == GlobalChannel {
		return "", true
	}
	code, found := strings.CutPrefix(channel, unitChannelPrefix)
	if !found {
		return "", false
	}
	u, err := id.ParseUnitID(code)
	if err != nil {
		return "", false
	}
	return u, true
}

// channelKind labels metrics without exploding cardinality.
func channelKind(channel string) string {
	if channel == GlobalChannel {
		return "global"
	}
	return "unit"
}
