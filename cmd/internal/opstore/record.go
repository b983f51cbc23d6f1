package opstore

import (
	"strings"
	"time"
)

// Grant is the canonical persisted authorization grant representation.
//
// Key carries the grant handle, already hashed by the issuing service.
// Data is a serialized payload owned by the issuer and never interpreted
// here. Expiration and ConsumedAt are nil when unset; a grant is stale
// once its expiration is in the past, or (for consumed-grant cleanup)
// once its consumed timestamp is in the past.
type Grant struct {
	Key         string
	Type        string
	SubjectID   string
	ClientID    string
	SessionID   string
	Description string
	CreatedAt   time.Time
	Expiration  *time.Time
	ConsumedAt  *time.Time
	Data        string
}

// Grant types written by upstream issuance. The store treats Type as an
// opaque label; these constants exist for filters and seeding tools.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeReferenceToken    = "reference_token"
	GrantTypeUserConsent       = "user_consent"
)

// DeviceCode is a pending device-flow authorization record.
//
// DeviceCode and UserCode are both handles (hashed upstream); SubjectID
// stays empty until the user approves the flow. Expiration is required:
// an unexpirable device code would never leave the store.
type DeviceCode struct {
	DeviceCode  string
	UserCode    string
	SubjectID   string
	ClientID    string
	Description string
	CreatedAt   time.Time
	Expiration  time.Time
	Data        string
}

// GrantFilter selects grants by their association fields. Zero-valued
// fields match everything; Types is an OR-set.
type GrantFilter struct {
	SubjectID string
	ClientID  string
	SessionID string
	Types     []string
}

// Empty reports whether the filter constrains nothing. Bulk removal
// refuses empty filters so a zero value can never wipe the store.
func (f GrantFilter) Empty() bool {
	return f.SubjectID == "" && f.ClientID == "" && f.SessionID == "" && len(f.Types) == 0
}

// Matches reports whether g satisfies every set field of the filter.
func (f GrantFilter) Matches(g Grant) bool {
	if f.SubjectID != "" && g.SubjectID != f.SubjectID {
		return false
	}
	if f.ClientID != "" && g.ClientID != f.ClientID {
		return false
	}
	if f.SessionID != "" && g.SessionID != f.SessionID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if strings.EqualFold(t, g.Type) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
