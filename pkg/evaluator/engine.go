// Package evaluator is the pre-execution decision engine. Every tool call an
// agent makes is checked here before it runs; the engine is fail-closed, so
// any internal doubt comes out as a denial, and every outcome — allow and
// deny alike — is emitted for the audit ledger.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/store"
	"github.com/caracal-sh/caracal/pkg/urn"
)

const (
	// DefaultDeadline bounds one evaluation end to end.
	DefaultDeadline = 100 * time.Millisecond
	// DefaultCacheTTL bounds how stale a cached chain or policy may be,
	// which is also the worst-case revocation propagation delay.
	DefaultCacheTTL = 60 * time.Second

	cacheSize = 10_000
)

// Publisher emits decision events for the audit pipeline.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

type chainEntry struct {
	chain     []contracts.Mandate
	expiresAt time.Time
}

type policyEntry struct {
	policy    *contracts.AuthorityPolicy
	expiresAt time.Time
}

type principalEntry struct {
	principal *contracts.Principal
	expiresAt time.Time
}

// Engine evaluates authority requests against the mandate store.
type Engine struct {
	st       store.Store
	policies *policy.Manager
	pub      Publisher
	deadline time.Duration
	cacheTTL time.Duration
	clock    func() time.Time
	log      *slog.Logger

	chains     *lru.Cache // mandate id -> chainEntry
	pols       *lru.Cache // principal id -> policyEntry
	principals *lru.Cache // principal id -> principalEntry
}

// NewEngine builds an evaluator.
func NewEngine(st store.Store, policies *policy.Manager, pub Publisher, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	chains, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	pols, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	principals, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		st:         st,
		policies:   policies,
		pub:        pub,
		deadline:   DefaultDeadline,
		cacheTTL:   DefaultCacheTTL,
		clock:      time.Now,
		log:        log.With("component", "evaluator"),
		chains:     chains,
		pols:       pols,
		principals: principals,
	}, nil
}

// SetDeadline overrides the per-evaluation deadline.
func (e *Engine) SetDeadline(d time.Duration) {
	if d > 0 {
		e.deadline = d
	}
}

// SetCacheTTL overrides the cache freshness bound. Values above 60s widen the
// revocation propagation window and are rejected.
func (e *Engine) SetCacheTTL(d time.Duration) error {
	if d <= 0 || d > 60*time.Second {
		return fmt.Errorf("evaluator: cache ttl %s outside (0, 60s]", d)
	}
	e.cacheTTL = d
	return nil
}

// InvalidateMandate drops the cached chain for a mandate and any cached
// chain that includes it as an ancestor.
func (e *Engine) InvalidateMandate(id uuid.UUID) {
	for _, key := range e.chains.Keys() {
		v, ok := e.chains.Peek(key)
		if !ok {
			continue
		}
		entry := v.(chainEntry)
		for _, m := range entry.chain {
			if m.ID == id {
				e.chains.Remove(key)
				break
			}
		}
	}
}

// InvalidatePolicy drops the cached active policy for a principal.
func (e *Engine) InvalidatePolicy(principalID uuid.UUID) {
	e.pols.Remove(principalID)
}

// Evaluate runs the decision procedure and emits the outcome to the audit
// pipeline. It never panics out and never returns an error: everything the
// caller needs is in the Decision.
func (e *Engine) Evaluate(ctx context.Context, req *contracts.EvalRequest) (d contracts.Decision) {
	start := e.clock()
	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("evaluation panicked", "panic", r, "mandate", req.MandateID)
			d = contracts.Decision{Reason: contracts.ReasonInternalError, CorrelationID: req.CorrelationID}
		}
		d.EvaluatedAt = e.clock()
		d.Latency = d.EvaluatedAt.Sub(start)
		d = e.emit(req, d)
	}()

	deny := func(reason contracts.Reason) contracts.Decision {
		return contracts.Decision{Reason: reason, CorrelationID: req.CorrelationID}
	}

	mandateID, err := uuid.Parse(req.MandateID)
	if err != nil {
		return deny(contracts.ReasonUnknownMandate)
	}

	// Step 1: resolve the delegation chain, leaf first.
	chain, err := e.loadChain(ctx, mandateID)
	if errors.Is(err, store.ErrNotFound) {
		return deny(contracts.ReasonUnknownMandate)
	}
	if err != nil {
		if ctx.Err() != nil {
			return deny(ctxReason(ctx))
		}
		e.log.Error("chain load failed", "mandate", mandateID, "error", err)
		return deny(contracts.ReasonInternalError)
	}
	leaf := &chain[0]
	d.Mandate = leaf

	// Step 2: every signature in the chain verifies against its issuer's
	// current registered key.
	for i := range chain {
		if ctx.Err() != nil {
			return deny(ctxReason(ctx))
		}
		ok, err := e.verifySignature(ctx, &chain[i])
		if err != nil {
			e.log.Error("signature check failed", "mandate", chain[i].ID, "error", err)
			return deny(contracts.ReasonInternalError)
		}
		if !ok {
			e.log.Warn("signature rejected", "mandate", chain[i].ID, "issuer", chain[i].Issuer)
			return deny(contracts.ReasonBadSignature)
		}
	}

	// Step 3: revocation anywhere in the chain kills the leaf.
	for i := range chain {
		if chain[i].Revoked() {
			return deny(contracts.ReasonRevoked)
		}
	}

	// Step 4: validity windows. The leaf's own window picks the reason;
	// ancestors outside their window surface as Expired.
	now := e.clock()
	if now.Before(leaf.NotBefore) {
		return deny(contracts.ReasonNotYetValid)
	}
	if now.After(leaf.NotAfter) {
		return deny(contracts.ReasonExpired)
	}
	for i := 1; i < len(chain); i++ {
		if !chain[i].ActiveAt(now) {
			return deny(contracts.ReasonExpired)
		}
	}

	// Step 5: the leaf's scope must cover the concrete request.
	if !urn.Contains(leaf.Actions, req.RequestedAction) ||
		!urn.MatchAny(leaf.Resources, req.RequestedResource) {
		return deny(contracts.ReasonOutOfScope)
	}

	// Step 6: subset discipline through the whole chain. Issue-time checks
	// already enforced this; rechecking catches any record rewritten since.
	for i := 0; i+1 < len(chain); i++ {
		if !urn.ScopeSubset(chain[i].Resources, chain[i+1].Resources) ||
			!urn.ActionSubset(chain[i].Actions, chain[i+1].Actions) {
			return deny(contracts.ReasonOutOfScope)
		}
	}

	// Step 7: intent binding.
	if leaf.IntentHash != "" {
		if req.IntentClaim == nil {
			return deny(contracts.ReasonIntentMismatch)
		}
		claimHash, err := canonicalize.HashHex(req.IntentClaim)
		if err != nil || claimHash != leaf.IntentHash {
			return deny(contracts.ReasonIntentMismatch)
		}
	}

	// Step 8: the root issuer's active policy is the ceiling for the whole
	// chain; a policy change applies to already-issued mandates.
	root := &chain[len(chain)-1]
	pol, err := e.loadPolicy(ctx, root.Issuer)
	if errors.Is(err, store.ErrNotFound) {
		return deny(contracts.ReasonPolicyDenied)
	}
	if err != nil {
		if ctx.Err() != nil {
			return deny(ctxReason(ctx))
		}
		e.log.Error("policy load failed", "principal", root.Issuer, "error", err)
		return deny(contracts.ReasonInternalError)
	}
	permitted, err := e.policies.Permits(pol, leaf.Subject, req.RequestedAction, req.RequestedResource)
	if err != nil {
		e.log.Warn("policy condition errored, failing closed", "error", err)
		return deny(contracts.ReasonPolicyDenied)
	}
	if !permitted {
		return deny(contracts.ReasonPolicyDenied)
	}

	// Step 9: allowed.
	return contracts.Decision{
		Allowed:       true,
		Reason:        contracts.ReasonAllow,
		Mandate:       leaf,
		CorrelationID: req.CorrelationID,
	}
}

// ctxReason maps a dead context to a decision reason. Only the caller's own
// cancel reads as Canceled; the engine's deadline expiring mid-I/O is an
// internal timeout.
func ctxReason(ctx context.Context) contracts.Reason {
	if errors.Is(ctx.Err(), context.Canceled) {
		return contracts.ReasonCanceled
	}
	return contracts.ReasonInternalError
}

// emit publishes the decision event. An allow that cannot be audited is
// converted to a denial: no record, no execution. Denials publish
// best-effort, since the caller is refusing anyway.
func (e *Engine) emit(req *contracts.EvalRequest, d contracts.Decision) contracts.Decision {
	if e.pub == nil {
		return d
	}
	// Denials before any mandate resolved have no principal; they are
	// recorded against the nil uuid so they still land in the ledger.
	principal := uuid.Nil.String()
	mandateID := ""
	if d.Mandate != nil {
		principal = d.Mandate.Subject.String()
		mandateID = d.Mandate.ID.String()
	}
	payload, _ := json.Marshal(contracts.DecisionEvent{
		SchemaVersion: contracts.SchemaVersion,
		PrincipalID:   principal,
		MandateID:     mandateID,
		Action:        req.RequestedAction,
		Resource:      req.RequestedResource,
		Allowed:       d.Allowed,
		Reason:        d.Reason,
		TSMillis:      d.EvaluatedAt.UnixMilli(),
		CorrelationID: d.CorrelationID,
	})
	// The evaluation deadline does not apply to the audit write.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.pub.Publish(ctx, contracts.TopicDecisions, principal, payload); err != nil {
		if d.Allowed {
			e.log.Error("decision publish failed, failing closed", "error", err)
			d.Allowed = false
			d.Reason = contracts.ReasonInternalError
		} else {
			e.log.Warn("denial publish failed", "error", err)
		}
	}
	return d
}

func (e *Engine) loadChain(ctx context.Context, id uuid.UUID) ([]contracts.Mandate, error) {
	now := e.clock()
	if v, ok := e.chains.Get(id); ok {
		entry := v.(chainEntry)
		if now.Before(entry.expiresAt) {
			return entry.chain, nil
		}
		e.chains.Remove(id)
	}
	chain, err := e.st.GetMandateChain(ctx, id)
	if err != nil {
		return nil, err
	}
	e.chains.Add(id, chainEntry{chain: chain, expiresAt: now.Add(e.cacheTTL)})
	return chain, nil
}

func (e *Engine) loadPolicy(ctx context.Context, principalID uuid.UUID) (*contracts.AuthorityPolicy, error) {
	now := e.clock()
	if v, ok := e.pols.Get(principalID); ok {
		entry := v.(policyEntry)
		if now.Before(entry.expiresAt) {
			return entry.policy, nil
		}
		e.pols.Remove(principalID)
	}
	pol, err := e.st.GetActivePolicy(ctx, principalID)
	if err != nil {
		return nil, err
	}
	e.pols.Add(principalID, policyEntry{policy: pol, expiresAt: now.Add(e.cacheTTL)})
	return pol, nil
}

func (e *Engine) loadPrincipal(ctx context.Context, id uuid.UUID) (*contracts.Principal, error) {
	now := e.clock()
	if v, ok := e.principals.Get(id); ok {
		entry := v.(principalEntry)
		if now.Before(entry.expiresAt) {
			return entry.principal, nil
		}
		e.principals.Remove(id)
	}
	p, err := e.st.GetPrincipal(ctx, id)
	if err != nil {
		return nil, err
	}
	e.principals.Add(id, principalEntry{principal: p, expiresAt: now.Add(e.cacheTTL)})
	return p, nil
}

// verifySignature checks a mandate against its issuer's current key. A key
// rotation therefore invalidates outstanding mandates signed with the old
// key, which is the safe direction.
func (e *Engine) verifySignature(ctx context.Context, m *contracts.Mandate) (bool, error) {
	issuer, err := e.loadPrincipal(ctx, m.Issuer)
	if err != nil {
		return false, err
	}
	pub, err := crypto.ParsePublicKey(issuer.PublicKey)
	if err != nil {
		return false, nil // unusable key reads as a bad signature
	}
	payload, err := canonicalize.Marshal(m.CanonicalMap())
	if err != nil {
		return false, err
	}
	return crypto.Verify(pub, payload, m.Signature), nil
}
