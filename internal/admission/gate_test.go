package admission

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/flowgate/internal/domain"
	"github.com/ramiqadoumi/flowgate/internal/quota"
	"github.com/ramiqadoumi/flowgate/internal/ratelimit"
)

func TestGate_PassThroughByDefault(t *testing.T) {
	g := NewGate()
	for i := 0; i < 100; i++ {
		require.NoError(t, g.Admit(context.Background(), Request{TenantID: "t1"}))
	}
}

func TestGate_GlobalBucketRefuses(t *testing.T) {
	g := NewGate(WithGlobalRate(1, 2))

	require.NoError(t, g.Admit(context.Background(), Request{TenantID: "t1"}))
	require.NoError(t, g.Admit(context.Background(), Request{TenantID: "t2"}))

	err := g.Admit(context.Background(), Request{TenantID: "t3"})
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "global", rl.Key)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
}

func TestGate_WindowCeilingRefuses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := ratelimit.NewLimiter(ratelimit.WithClock(clock))
	configs := []ratelimit.Config{{Name: "burst", Limit: 2, Window: time.Second}}
	g := NewGate(WithTenantLimits(limiter, configs))

	require.NoError(t, g.Admit(context.Background(), Request{TenantID: "t1"}))
	require.NoError(t, g.Admit(context.Background(), Request{TenantID: "t1"}))

	err := g.Admit(context.Background(), Request{TenantID: "t1"})
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "t1", rl.Key)
	assert.Equal(t, 2, rl.Limit)

	// Other tenants keep their own windows.
	require.NoError(t, g.Admit(context.Background(), Request{TenantID: "t2"}))

	clock.Advance(time.Second)
	require.NoError(t, g.Admit(context.Background(), Request{TenantID: "t1"}))
}

func TestGate_QuotaRefusesAndReserves(t *testing.T) {
	m := quota.NewManager([]quota.Limit{
		{Type: "jobs", Limit: 2, Cadence: quota.CadenceDaily},
	})
	g := NewGate(WithQuotas(m))

	req := Request{TenantID: "t1", QuotaType: "jobs"}
	require.NoError(t, g.Admit(context.Background(), req))
	require.NoError(t, g.Admit(context.Background(), req))

	err := g.Admit(context.Background(), req)
	var qe *domain.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "t1", qe.TenantID)
	assert.Equal(t, int64(0), qe.Remaining)
}

func TestGate_RateRejectionDoesNotConsumeQuota(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := ratelimit.NewLimiter(ratelimit.WithClock(clock))
	configs := []ratelimit.Config{{Name: "burst", Limit: 1, Window: time.Minute}}
	m := quota.NewManager([]quota.Limit{
		{Type: "jobs", Limit: 100, Cadence: quota.CadenceDaily},
	})
	g := NewGate(WithTenantLimits(limiter, configs), WithQuotas(m))

	req := Request{TenantID: "t1", QuotaType: "jobs"}
	require.NoError(t, g.Admit(context.Background(), req))
	require.Error(t, g.Admit(context.Background(), req))
	require.Error(t, g.Admit(context.Background(), req))

	st, ok := m.StatusOf("t1", "jobs")
	require.True(t, ok)
	assert.Equal(t, int64(1), st.Record.Used, "refused requests must not touch quota")
}

func TestGate_KeyDefaultsToTenant(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := ratelimit.NewLimiter(ratelimit.WithClock(clock))
	configs := []ratelimit.Config{{Name: "burst", Limit: 1, Window: time.Minute}}
	g := NewGate(WithTenantLimits(limiter, configs))

	require.NoError(t, g.Admit(context.Background(), Request{TenantID: "t1"}))
	require.Error(t, g.Admit(context.Background(), Request{TenantID: "t1", Key: "t1"}))
}
