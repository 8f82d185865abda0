package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/mandate"
	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/store"
)

type capturePublisher struct {
	mu       sync.Mutex
	messages []contracts.DecisionEvent
	fail     bool
}

func (p *capturePublisher) Publish(_ context.Context, topic, _ string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("bus unavailable")
	}
	if topic != contracts.TopicDecisions {
		return nil
	}
	var ev contracts.DecisionEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return err
	}
	p.messages = append(p.messages, ev)
	return nil
}

func (p *capturePublisher) last(t *testing.T) contracts.DecisionEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.messages)
	return p.messages[len(p.messages)-1]
}

type fixture struct {
	st       store.Store
	keys     *crypto.KeyRing
	mandates *mandate.Manager
	engine   *Engine
	pub      *capturePublisher
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	keys := crypto.NewKeyRing(nil)
	cond, err := policy.NewConditionEvaluator()
	require.NoError(t, err)
	pm := policy.NewManager(st, cond, nil)
	pub := &capturePublisher{}

	engine, err := NewEngine(st, pm, pub, nil)
	require.NoError(t, err)

	f := &fixture{
		st:       st,
		keys:     keys,
		mandates: mandate.NewManager(st, pm, keys, nil, 1, nil, nil),
		engine:   engine,
		pub:      pub,
		now:      time.Now().UTC().Truncate(time.Second),
	}
	f.engine.clock = func() time.Time { return f.now }
	return f
}

func (f *fixture) addPrincipal(t *testing.T) uuid.UUID {
	t.Helper()
	priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	der, err := crypto.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	p := contracts.Principal{ID: uuid.New(), PublicKey: der, CreatedAt: f.now}
	require.NoError(t, f.st.CreatePrincipal(context.Background(), &p))
	f.keys.Add(p.ID.String(), priv)
	return p.ID
}

func (f *fixture) addPolicy(t *testing.T, principal uuid.UUID, mutate func(*contracts.AuthorityPolicy)) {
	t.Helper()
	p := &contracts.AuthorityPolicy{
		PrincipalID:     principal,
		Resources:       []string{"api:openai:**"},
		Actions:         []string{"call", "read"},
		MaxValidity:     24 * time.Hour,
		MaxDepth:        3,
		AllowDelegation: true,
		CreatedAt:       f.now,
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, f.st.CreatePolicy(context.Background(), p))
}

func (f *fixture) issue(t *testing.T, issuer, subject uuid.UUID, mutate func(*mandate.IssueRequest)) *contracts.Mandate {
	t.Helper()
	req := mandate.IssueRequest{
		Issuer:    issuer,
		Subject:   subject,
		Resources: []string{"api:openai:gpt-4"},
		Actions:   []string{"call"},
		NotBefore: f.now.Add(-time.Minute),
		NotAfter:  f.now.Add(time.Hour),
	}
	if mutate != nil {
		mutate(&req)
	}
	man, err := f.mandates.Issue(context.Background(), req)
	require.NoError(t, err)
	return man
}

func request(man *contracts.Mandate) *contracts.EvalRequest {
	return &contracts.EvalRequest{
		MandateID:         man.ID.String(),
		RequestedAction:   "call",
		RequestedResource: "api:openai:gpt-4",
		CorrelationID:     "corr-1",
	}
}

func TestEvaluateAllow(t *testing.T) {
	f := newFixture(t)
	issuer := f.addPrincipal(t)
	subject := f.addPrincipal(t)
	f.addPolicy(t, issuer, nil)
	man := f.issue(t, issuer, subject, nil)

	d := f.engine.Evaluate(context.Background(), request(man))
	assert.True(t, d.Allowed)
	assert.Equal(t, contracts.ReasonAllow, d.Reason)
	assert.Equal(t, "corr-1", d.CorrelationID)

	ev := f.pub.last(t)
	assert.True(t, ev.Allowed)
	assert.Equal(t, subject.String(), ev.PrincipalID)
}

func TestEvaluateUnknownMandate(t *testing.T) {
	f := newFixture(t)

	d := f.engine.Evaluate(context.Background(), &contracts.EvalRequest{MandateID: "not-a-uuid"})
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonUnknownMandate, d.Reason)

	d = f.engine.Evaluate(context.Background(), &contracts.EvalRequest{MandateID: uuid.NewString()})
	assert.Equal(t, contracts.ReasonUnknownMandate, d.Reason)
	// Denials are audited too, recorded against the nil principal since no
	// mandate ever resolved.
	ev := f.pub.last(t)
	assert.False(t, ev.Allowed)
	assert.Equal(t, uuid.Nil.String(), ev.PrincipalID)
}

func TestEvaluateBadSignature(t *testing.T) {
	f := newFixture(t)
	issuer := f.addPrincipal(t)
	subject := f.addPrincipal(t)
	f.addPolicy(t, issuer, nil)

	// A mandate whose signature was never produced by the issuer's key.
	forged := &contracts.Mandate{
		ID:        uuid.New(),
		Issuer:    issuer,
		Subject:   subject,
		Resources: []string{"api:openai:gpt-4"},
		Actions:   []string{"call"},
		NotBefore: f.now.Add(-time.Minute),
		NotAfter:  f.now.Add(time.Hour),
		Signature: make([]byte, crypto.SignatureSize),
		CreatedAt: f.now,
	}
	ev := &contracts.LedgerEvent{
		Partition: 0, TSMillis: f.now.UnixMilli(), PrincipalID: subject,
		Type: contracts.EventIssue, MandateID: &forged.ID,
	}
	require.NoError(t, f.st.CreateMandate(context.Background(), forged, ev))

	d := f.engine.Evaluate(context.Background(), request(forged))
	assert.Equal(t, contracts.ReasonBadSignature, d.Reason)
}

func TestEvaluateRevoked(t *testing.T) {
	f := newFixture(t)
	issuer := f.addPrincipal(t)
	subject := f.addPrincipal(t)
	f.addPolicy(t, issuer, nil)
	man := f.issue(t, issuer, subject, nil)

	require.NoError(t, f.mandates.Revoke(context.Background(), man.ID, issuer, "done", ""))
	f.engine.InvalidateMandate(man.ID)

	d := f.engine.Evaluate(context.Background(), request(man))
	assert.Equal(t, contracts.ReasonRevoked, d.Reason)
}

func TestEvaluateRevokedAncestorViaCacheExpiry(t *testing.T) {
	f := newFixture(t)
	issuer := f.addPrincipal(t)
	mid := f.addPrincipal(t)
	worker := f.addPrincipal(t)
	f.addPolicy(t, issuer, nil)
	f.addPolicy(t, mid, nil)

	parent := f.issue(t, issuer, mid, nil)
	child := f.issue(t, mid, worker, func(r *mandate.IssueRequest) {
		r.ParentID = &parent.ID
	})

	// Warm the cache with an allow.
	d := f.engine.Evaluate(context.Background(), request(child))
	require.True(t, d.Allowed)

	require.NoError(t, f.mandates.Revoke(context.Background(), parent.ID, issuer, "rotate", ""))

	// Within the TTL the stale allow is permitted by contract.
	d = f.engine.Evaluate(context.Background(), request(child))
	assert.True(t, d.Allowed)

	// Past the TTL the revocation must be visible.
	f.now = f.now.Add(DefaultCacheTTL + time.Second)
	d = f.engine.Evaluate(context.Background(), request(child))
	assert.Equal(t, contracts.ReasonRevoked, d.Reason)
}

func TestEvaluateWindow(t *testing.T) {
	f := newFixture(t)
	issuer := f.addPrincipal(t)
	subject := f.addPrincipal(t)
	f.addPolicy(t, issuer, nil)

	future := f.issue(t, issuer, subject, func(r *mandate.IssueRequest) {
		r.NotBefore = f.now.Add(time.Hour)
		r.NotAfter = f.now.Add(2 * time.Hour)
	})
	d := f.engine.Evaluate(context.Background(), request(future))
	assert.Equal(t, contracts.ReasonNotYetValid, d.Reason)

	expiring := f.issue(t, issuer, subject, nil)
	f.now = f.now.Add(2 * time.Hour)
	d = f.engine.Evaluate(context.Background(), request(expiring))
	assert.Equal(t, contracts.ReasonExpired, d.Reason)
}

func TestEvaluateOutOfScope(t *testing.T) {
	f := newFixture(t)
	issuer := f.addPrincipal(t)
	subject := f.addPrincipal(t)
	f.addPolicy(t, issuer, nil)
	man := f.issue(t, issuer, subject, nil)

	req := request(man)
	req.RequestedResource = "api:openai:gpt-3.5"
	d := f.engine.Evaluate(context.Background(), req)
	assert.Equal(t, contracts.ReasonOutOfScope, d.Reason)

	req = request(man)
	req.RequestedAction = "read"
	d = f.engine.Evaluate(context.Background(), req)
	assert.Equal(t, contracts.ReasonOutOfScope, d.Reason)
}

func TestEvaluateIntentBinding(t *testing.T) {
	f := newFixture(t)
	issuer := f.addPrincipal(t)
	subject := f.addPrincipal(t)
	f.addPolicy(t, issuer, nil)

	claim := map[string]any{"operation": "summarize", "document": "q3-report"}
	man := f.issue(t, issuer, subject, func(r *mandate.IssueRequest) {
		r.IntentClaim = claim
	})

	// Matching claim, different key order: canonicalization makes it equal.
	req := request(man)
	req.IntentClaim = map[string]any{"document": "q3-report", "operation": "summarize"}
	d := f.engine.Evaluate(context.Background(), req)
	assert.True(t, d.Allowed)

	req = request(man)
	req.IntentClaim = map[string]any{"operation": "delete", "document": "q3-report"}
	d = f.engine.Evaluate(context.Background(), req)
	assert.Equal(t, contracts.ReasonIntentMismatch, d.Reason)

	req = request(man)
	req.IntentClaim = nil
	d = f.engine.Evaluate(context.Background(), req)
	assert.Equal(t, contracts.ReasonIntentMismatch, d.Reason)
}

func TestEvaluatePolicyChangeAppliesToIssuedMandates(t *testing.T) {
	f := newFixture(t)
	issuer := f.addPrincipal(t)
	subject := f.addPrincipal(t)
	f.addPolicy(t, issuer, nil)
	man := f.issue(t, issuer, subject, nil)

	d := f.engine.Evaluate(context.Background(), request(man))
	require.True(t, d.Allowed)

	// New policy version no longer covers gpt-4.
	f.addPolicy(t, issuer, func(p *contracts.AuthorityPolicy) {
		p.Resources = []string{"api:openai:gpt-3.5"}
	})
	f.engine.InvalidatePolicy(issuer)

	d = f.engine.Evaluate(context.Background(), request(man))
	assert.Equal(t, contracts.ReasonPolicyDenied, d.Reason)
}

func TestEvaluateCanceledContext(t *testing.T) {
	f := newFixture(t)
	issuer := f.addPrincipal(t)
	subject := f.addPrincipal(t)
	f.addPolicy(t, issuer, nil)
	man := f.issue(t, issuer, subject, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := f.engine.Evaluate(ctx, request(man))
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonCanceled, d.Reason)
	// The canceled outcome is still audited.
	assert.Equal(t, contracts.Reason("Canceled"), f.pub.last(t).Reason)
}

func TestEvaluateDeadlineExpiryIsInternalError(t *testing.T) {
	f := newFixture(t)
	issuer := f.addPrincipal(t)
	subject := f.addPrincipal(t)
	f.addPolicy(t, issuer, nil)
	man := f.issue(t, issuer, subject, nil)

	// The engine's own deadline expiring is an internal timeout, not a
	// client cancel.
	f.engine.SetDeadline(time.Nanosecond)
	d := f.engine.Evaluate(context.Background(), request(man))
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonInternalError, d.Reason)
}

func TestEvaluateAllowFailsClosedWithoutAudit(t *testing.T) {
	f := newFixture(t)
	issuer := f.addPrincipal(t)
	subject := f.addPrincipal(t)
	f.addPolicy(t, issuer, nil)
	man := f.issue(t, issuer, subject, nil)

	f.pub.fail = true
	d := f.engine.Evaluate(context.Background(), request(man))
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonInternalError, d.Reason)
}

func TestSetCacheTTLBounds(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.engine.SetCacheTTL(0))
	assert.Error(t, f.engine.SetCacheTTL(2*time.Minute))
	assert.NoError(t, f.engine.SetCacheTTL(30*time.Second))
}
