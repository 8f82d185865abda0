// Package mandate implements the mandate lifecycle: issuing root mandates,
// delegating sub-mandates, and revoking with cascade. Every transition is
// validated against the issuer's authority policy, signed, and recorded in
// the ledger atomically with the mandate row.
package mandate

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/store"
	"github.com/caracal-sh/caracal/pkg/urn"
)

var (
	ErrNoAuthority          = errors.New("mandate: issuer has no active policy")
	ErrDeactivated          = errors.New("mandate: principal deactivated")
	ErrScopeExceeded        = errors.New("mandate: requested scope exceeds authority")
	ErrValidityExceeded     = errors.New("mandate: requested validity exceeds authority")
	ErrDepthExceeded        = errors.New("mandate: delegation depth exceeds authority")
	ErrDelegationNotAllowed = errors.New("mandate: policy does not allow delegation")
	ErrParentNotDelegable   = errors.New("mandate: issuer is not the parent mandate's subject")
	ErrParentRevoked        = errors.New("mandate: parent mandate revoked")
	ErrParentInactive       = errors.New("mandate: parent mandate outside its validity window")
	ErrNotAuthorized        = errors.New("mandate: caller may not revoke this mandate")
	ErrBadWindow            = errors.New("mandate: not_after must come after not_before")
)

// revokeCapability is the claim value an admin token must carry.
const revokeCapability = "mandate:revoke"

// KeySource resolves signing keys for issuers.
type KeySource interface {
	Signer(id string) (*ecdsa.PrivateKey, error)
}

// Publisher is the slice of the bus the manager needs: fire-and-forget
// notifications keyed for partitioning.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// IssueRequest carries the inputs for issuing or delegating a mandate.
type IssueRequest struct {
	Issuer      uuid.UUID
	Subject     uuid.UUID
	Resources   []string
	Actions     []string
	NotBefore   time.Time
	NotAfter    time.Time
	ParentID    *uuid.UUID
	IntentClaim map[string]any
}

// Manager drives the mandate lifecycle.
type Manager struct {
	st          store.Store
	policies    *policy.Manager
	keys        KeySource
	pub         Publisher
	partitions  int32
	adminSecret []byte
	clock       func() time.Time
	log         *slog.Logger
}

// NewManager builds a mandate manager. adminSecret signs admin capability
// tokens accepted by Revoke; empty disables the admin path.
func NewManager(st store.Store, policies *policy.Manager, keys KeySource, pub Publisher, partitions int32, adminSecret []byte, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if partitions < 1 {
		partitions = 1
	}
	return &Manager{
		st:          st,
		policies:    policies,
		keys:        keys,
		pub:         pub,
		partitions:  partitions,
		adminSecret: adminSecret,
		clock:       time.Now,
		log:         log.With("component", "mandate"),
	}
}

// Issue validates the request against the issuer's policy (and parent
// mandate, when delegating), signs the mandate, and persists it together with
// its ledger event. The returned mandate is immutable.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*contracts.Mandate, error) {
	if !req.NotAfter.After(req.NotBefore) {
		return nil, ErrBadWindow
	}
	issuer, err := m.st.GetPrincipal(ctx, req.Issuer)
	if err != nil {
		return nil, fmt.Errorf("load issuer: %w", err)
	}
	if issuer.Deactivated {
		return nil, fmt.Errorf("%w: issuer %s", ErrDeactivated, issuer.ID)
	}
	subject, err := m.st.GetPrincipal(ctx, req.Subject)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject.Deactivated {
		return nil, fmt.Errorf("%w: subject %s", ErrDeactivated, subject.ID)
	}

	pol, err := m.st.GetActivePolicy(ctx, req.Issuer)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoAuthority
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	if req.NotAfter.Sub(req.NotBefore) > pol.MaxValidity {
		return nil, fmt.Errorf("%w: %s > %s", ErrValidityExceeded, req.NotAfter.Sub(req.NotBefore), pol.MaxValidity)
	}
	if !urn.ScopeSubset(req.Resources, pol.Resources) || !urn.ActionSubset(req.Actions, pol.Actions) {
		return nil, fmt.Errorf("%w: policy ceiling", ErrScopeExceeded)
	}

	depth := 0
	eventType := contracts.EventIssue
	if req.ParentID != nil {
		parent, err := m.st.GetMandate(ctx, *req.ParentID)
		if err != nil {
			return nil, fmt.Errorf("load parent: %w", err)
		}
		if !pol.AllowDelegation {
			return nil, ErrDelegationNotAllowed
		}
		if parent.Subject != req.Issuer {
			return nil, ErrParentNotDelegable
		}
		if parent.Revoked() {
			return nil, ErrParentRevoked
		}
		now := m.clock()
		if !parent.ActiveAt(now) {
			return nil, ErrParentInactive
		}
		// Delegations narrow, never widen.
		if req.NotBefore.Before(parent.NotBefore) || req.NotAfter.After(parent.NotAfter) {
			return nil, fmt.Errorf("%w: parent window", ErrValidityExceeded)
		}
		if !urn.ScopeSubset(req.Resources, parent.Resources) || !urn.ActionSubset(req.Actions, parent.Actions) {
			return nil, fmt.Errorf("%w: parent scope", ErrScopeExceeded)
		}
		depth = parent.Depth + 1
		if depth > pol.MaxDepth {
			return nil, fmt.Errorf("%w: depth %d > %d", ErrDepthExceeded, depth, pol.MaxDepth)
		}
		eventType = contracts.EventDelegate
	}

	intentHash := ""
	if req.IntentClaim != nil {
		intentHash, err = canonicalize.HashHex(req.IntentClaim)
		if err != nil {
			return nil, fmt.Errorf("intent claim: %w", err)
		}
	}

	man := &contracts.Mandate{
		ID:         uuid.New(),
		Issuer:     req.Issuer,
		Subject:    req.Subject,
		Resources:  append([]string(nil), req.Resources...),
		Actions:    append([]string(nil), req.Actions...),
		NotBefore:  req.NotBefore.UTC(),
		NotAfter:   req.NotAfter.UTC(),
		ParentID:   req.ParentID,
		Depth:      depth,
		IntentHash: intentHash,
		CreatedAt:  m.clock().UTC(),
	}

	key, err := m.keys.Signer(req.Issuer.String())
	if err != nil {
		return nil, fmt.Errorf("issuer signing key: %w", err)
	}
	payload, err := canonicalize.Marshal(man.CanonicalMap())
	if err != nil {
		return nil, fmt.Errorf("canonical mandate: %w", err)
	}
	man.Signature, err = crypto.Sign(key, payload)
	if err != nil {
		return nil, fmt.Errorf("sign mandate: %w", err)
	}

	ev := &contracts.LedgerEvent{
		Partition:   contracts.PartitionFor(man.Subject, m.partitions),
		TSMillis:    man.CreatedAt.UnixMilli(),
		PrincipalID: man.Subject,
		Type:        eventType,
		MandateID:   &man.ID,
	}
	if err := m.st.CreateMandate(ctx, man, ev); err != nil {
		return nil, fmt.Errorf("persist mandate: %w", err)
	}
	m.log.Info("mandate issued",
		"mandate", man.ID, "issuer", man.Issuer, "subject", man.Subject,
		"depth", man.Depth, "type", string(eventType))

	m.notifyLifecycle(ctx, man, string(eventType))
	return man, nil
}

// Revoke marks the mandate revoked and cascades over all descendants.
// The caller must be the mandate's issuer, its subject, or hold an admin
// capability token. Descendant failures are logged and skipped so one bad
// child cannot keep the rest of the subtree alive.
func (m *Manager) Revoke(ctx context.Context, mandateID, revoker uuid.UUID, reason, adminToken string) error {
	target, err := m.st.GetMandate(ctx, mandateID)
	if err != nil {
		return fmt.Errorf("load mandate: %w", err)
	}
	if !m.mayRevoke(target, revoker, adminToken) {
		return ErrNotAuthorized
	}
	if target.Revoked() {
		return fmt.Errorf("%w: already revoked", store.ErrConflict)
	}

	now := m.clock().UTC()
	queue := []uuid.UUID{mandateID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		rev := contracts.Revocation{RevokedAt: now, Reason: reason, Revoker: revoker}
		cur, err := m.st.GetMandate(ctx, id)
		if err != nil {
			m.log.Warn("cascade: load failed", "mandate", id, "error", err)
			continue
		}
		if id != mandateID {
			rev.Reason = "cascade: ancestor revoked"
		}
		if !cur.Revoked() {
			ev := &contracts.LedgerEvent{
				Partition:   contracts.PartitionFor(cur.Subject, m.partitions),
				TSMillis:    now.UnixMilli(),
				PrincipalID: cur.Subject,
				Type:        contracts.EventRevoke,
				MandateID:   &id,
			}
			if err := m.st.RevokeMandate(ctx, id, rev, ev); err != nil {
				m.log.Warn("cascade: revoke failed", "mandate", id, "error", err)
			} else {
				m.notifyRevocation(ctx, cur)
			}
		}
		children, err := m.st.ChildMandates(ctx, id)
		if err != nil {
			m.log.Warn("cascade: children lookup failed", "mandate", id, "error", err)
			continue
		}
		for _, c := range children {
			queue = append(queue, c.ID)
		}
	}
	m.log.Info("mandate revoked", "mandate", mandateID, "revoker", revoker, "reason", reason)
	return nil
}

func (m *Manager) mayRevoke(target *contracts.Mandate, revoker uuid.UUID, adminToken string) bool {
	if revoker == target.Issuer || revoker == target.Subject {
		return true
	}
	return m.verifyAdminToken(adminToken)
}

// verifyAdminToken accepts an HS256 token carrying the revoke capability.
func (m *Manager) verifyAdminToken(token string) bool {
	if token == "" || len(m.adminSecret) == 0 {
		return false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.adminSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	capability, _ := claims["cap"].(string)
	return capability == revokeCapability
}

// AdminToken mints an admin capability token, used by operator tooling.
func AdminToken(secret []byte, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"cap": revokeCapability,
		"exp": time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}

func (m *Manager) notifyLifecycle(ctx context.Context, man *contracts.Mandate, change string) {
	if m.pub == nil {
		return
	}
	payload, _ := json.Marshal(contracts.PolicyChangeEvent{
		SchemaVersion: contracts.SchemaVersion,
		PrincipalID:   man.Subject.String(),
		MandateID:     man.ID.String(),
		Change:        change,
		TSMillis:      m.clock().UnixMilli(),
	})
	if err := m.pub.Publish(ctx, contracts.TopicLifecycle, man.Subject.String(), payload); err != nil {
		m.log.Warn("lifecycle publish failed", "mandate", man.ID, "error", err)
	}
}

func (m *Manager) notifyRevocation(ctx context.Context, man *contracts.Mandate) {
	if m.pub == nil {
		return
	}
	payload, _ := json.Marshal(contracts.PolicyChangeEvent{
		SchemaVersion: contracts.SchemaVersion,
		PrincipalID:   man.Subject.String(),
		MandateID:     man.ID.String(),
		Change:        "revoke",
		TSMillis:      m.clock().UnixMilli(),
	})
	if err := m.pub.Publish(ctx, contracts.TopicPolicyChanges, man.Subject.String(), payload); err != nil {
		m.log.Warn("revocation publish failed", "mandate", man.ID, "error", err)
	}
}
