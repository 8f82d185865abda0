package contracts

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Mandate is a signed grant authorizing a subject to perform actions in a
// resource scope for a bounded window. A mandate with a parent is a
// delegation and must be a strict subset of its parent in scope and validity.
type Mandate struct {
	ID        uuid.UUID  `json:"id"`
	Issuer    uuid.UUID  `json:"issuer"`
	Subject   uuid.UUID  `json:"subject"`
	Resources []string   `json:"resources"` // URN patterns, wildcards allowed
	Actions   []string   `json:"actions"`
	NotBefore time.Time  `json:"not_before"`
	NotAfter  time.Time  `json:"not_after"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	Depth     int        `json:"depth"` // 0 for root mandates
	// IntentHash binds the mandate to a single pre-declared operation:
	// hex SHA-256 of the canonical intent claim. Empty means unbound.
	IntentHash string      `json:"intent_hash,omitempty"`
	Signature  []byte      `json:"signature"` // issuer ECDSA-P256, RFC 6979
	CreatedAt  time.Time   `json:"created_at"`
	Revocation *Revocation `json:"revocation,omitempty"`
}

// Revocation records the single allowed transition out of the active state.
type Revocation struct {
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason"`
	Revoker   uuid.UUID `json:"revoker"`
}

// Revoked reports whether the mandate has been revoked.
func (m *Mandate) Revoked() bool { return m.Revocation != nil }

// ActiveAt reports whether now falls inside the mandate's validity window.
// Expiry is derived, never written: a mandate past not_after simply stops
// evaluating as active.
func (m *Mandate) ActiveAt(now time.Time) bool {
	return !now.Before(m.NotBefore) && !now.After(m.NotAfter)
}

// CanonicalMap returns the field map that is canonically serialized and
// signed. Field set and integer encodings are fixed by the wire contract:
// id, issuer, subject, resources (sorted), actions (sorted), not_before_ms,
// not_after_ms, parent_mandate_id|null, depth, intent_hash|null, created_ms.
func (m *Mandate) CanonicalMap() map[string]any {
	resources := append([]string(nil), m.Resources...)
	sort.Strings(resources)
	actions := append([]string(nil), m.Actions...)
	sort.Strings(actions)

	var parent any
	if m.ParentID != nil {
		parent = m.ParentID.String()
	}
	var intent any
	if m.IntentHash != "" {
		intent = m.IntentHash
	}

	return map[string]any{
		"id":                m.ID.String(),
		"issuer":            m.Issuer.String(),
		"subject":           m.Subject.String(),
		"resources":         resources,
		"actions":           actions,
		"not_before_ms":     m.NotBefore.UnixMilli(),
		"not_after_ms":      m.NotAfter.UnixMilli(),
		"parent_mandate_id": parent,
		"depth":             int64(m.Depth),
		"intent_hash":       intent,
		"created_ms":        m.CreatedAt.UnixMilli(),
	}
}
