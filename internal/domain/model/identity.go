package model

import "github.com/google/uuid"

// Identity is the authenticated principal attached to every connection and
// request. Session issuance lives outside this service; we only consume the
// verified result.
type Identity struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
	// DeviceClass groups sessions for the single-session policy
	// (e.g. "mobile", "desktop", "web"). Empty means unclassified.
	DeviceClass string
}

// Membership is the read-only view of a channel the core consumes from the
// external membership service.
type Membership struct {
	ChannelID uuid.UUID
	TenantID  uuid.UUID
	Members   []uuid.UUID
}

// Contains reports whether userID is a current member.
func (m *Membership) Contains(userID uuid.UUID) bool {
	for _, id := range m.Members {
		if id == userID {
			return true
		}
	}
	return false
}
