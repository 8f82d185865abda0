// Package contracts defines the shared domain records of the authority
// enforcement core: principals, policies, mandates, ledger events, Merkle
// batches, snapshots, and decisions. All on-wire and on-disk shapes are
// versioned typed records; nothing in the hot path is free-form.
package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Principal is an identity (agent or user) with an ECDSA-P256 signing key.
// Immutable once created except for soft-deactivation. The parent link forms
// a forest of root and delegated principals.
type Principal struct {
	ID          uuid.UUID  `json:"id"`
	PublicKey   []byte     `json:"public_key"` // PKIX DER
	DisplayName string     `json:"display_name"`
	Owner       string     `json:"owner"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Deactivated bool       `json:"deactivated"`
}

// AuthorityPolicy is a principal's ceiling: what it may in turn issue
// mandates for. Exactly one active policy per principal at a time; prior
// versions are retained for audit.
type AuthorityPolicy struct {
	ID              uuid.UUID     `json:"id"`
	PrincipalID     uuid.UUID     `json:"principal_id"`
	Resources       []string      `json:"resources"` // URN patterns
	Actions         []string      `json:"actions"`
	MaxValidity     time.Duration `json:"max_validity"`
	MaxDepth        int           `json:"max_depth"`
	AllowDelegation bool          `json:"allow_delegation"`
	// Condition is an optional CEL expression evaluated against the
	// requested (principal, action, resource) at issue and evaluation time.
	Condition string    `json:"condition,omitempty"`
	Active    bool      `json:"active"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}
