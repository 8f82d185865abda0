package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-sh/caracal/pkg/contracts"
)

func TestDisabledProviderIsSafe(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// Every method must no-op without panicking.
	p.RecordEvaluation(ctx, contracts.ReasonAllow, true, 3*time.Millisecond)
	p.RecordError(ctx, "ledger", errors.New("boom"))
	spanCtx, span := p.StartSpan(ctx, "test")
	span.End()
	assert.NotNil(t, spanCtx)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "caracald", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestAttributeHelpers(t *testing.T) {
	assert.Equal(t, "caracal.partition", string(PartitionAttr(3).Key))
	assert.Equal(t, int64(3), PartitionAttr(3).Value.AsInt64())
	assert.Equal(t, "caracal.batch_id", string(BatchAttr(9).Key))
}
