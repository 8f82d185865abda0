// Package policy manages authority policies: the per-principal ceilings that
// bound what mandates a principal may issue. Versions are append-only with
// exactly one active version per principal.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/store"
	"github.com/caracal-sh/caracal/pkg/urn"
)

var (
	ErrNoResources  = errors.New("policy: at least one resource pattern required")
	ErrNoActions    = errors.New("policy: at least one action required")
	ErrBadValidity  = errors.New("policy: max validity must be positive")
	ErrBadDepth     = errors.New("policy: max depth must be at least 1")
	ErrBadCondition = errors.New("policy: condition does not compile")
)

// Manager validates and persists policies.
type Manager struct {
	st         store.Store
	conditions *ConditionEvaluator
	log        *slog.Logger
}

// NewManager builds a policy manager.
func NewManager(st store.Store, conditions *ConditionEvaluator, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{st: st, conditions: conditions, log: log.With("component", "policy")}
}

// Create validates and activates a new policy version for the principal.
// The store deactivates the prior version in the same transaction.
func (m *Manager) Create(ctx context.Context, p *contracts.AuthorityPolicy) error {
	if len(p.Resources) == 0 {
		return ErrNoResources
	}
	if len(p.Actions) == 0 {
		return ErrNoActions
	}
	if p.MaxValidity <= 0 {
		return ErrBadValidity
	}
	if p.MaxDepth < 1 {
		return ErrBadDepth
	}
	for _, r := range p.Resources {
		if r == "" {
			return fmt.Errorf("%w: empty pattern", ErrNoResources)
		}
	}
	if p.Condition != "" && m.conditions != nil {
		if err := m.conditions.Compile(p.Condition); err != nil {
			return fmt.Errorf("%w: %v", ErrBadCondition, err)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := m.st.CreatePolicy(ctx, p); err != nil {
		return fmt.Errorf("create policy: %w", err)
	}
	m.log.Info("policy activated",
		"principal", p.PrincipalID, "policy", p.ID, "version", p.Version)
	return nil
}

// Active returns the principal's active policy.
func (m *Manager) Active(ctx context.Context, principalID uuid.UUID) (*contracts.AuthorityPolicy, error) {
	return m.st.GetActivePolicy(ctx, principalID)
}

// History returns all policy versions for the principal, oldest first.
func (m *Manager) History(ctx context.Context, principalID uuid.UUID) ([]contracts.AuthorityPolicy, error) {
	return m.st.PolicyHistory(ctx, principalID)
}

// Permits checks a concrete (action, resource) pair against the policy's
// ceiling, including its condition. Used both at issue time and as the root
// authority check during evaluation.
func (m *Manager) Permits(p *contracts.AuthorityPolicy, principalID uuid.UUID, action, resource string) (bool, error) {
	if !urn.Contains(p.Actions, action) {
		return false, nil
	}
	if !urn.MatchAny(p.Resources, resource) {
		return false, nil
	}
	if p.Condition != "" && m.conditions != nil {
		ok, err := m.conditions.Evaluate(p.Condition, principalID.String(), action, resource)
		if err != nil {
			return false, err
		}
		return ok, nil
	}
	return true, nil
}
