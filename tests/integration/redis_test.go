//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/flowgate/internal/quota"
	redisstore "github.com/ramiqadoumi/flowgate/internal/redis"
)

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func makeRecord(tenantID string, used int64) quota.Record {
	now := time.Now().UTC()
	return quota.Record{
		TenantID:  tenantID,
		QuotaType: "jobs",
		Used:      used,
		Limit:     100,
		Cadence:   quota.CadenceDaily,
		ResetAt:   now.Add(24 * time.Hour).Truncate(time.Second),
		UpdatedAt: now.Truncate(time.Second),
	}
}

func TestRedis_QuotaLedger_SaveLoadRoundTrip(t *testing.T) {
	ledger := redisstore.NewQuotaLedger(newRedisClient(t))
	ctx := context.Background()

	rec := makeRecord("tenant-1", 42)
	require.NoError(t, ledger.Save(ctx, rec))

	records, err := ledger.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tenant-1", records[0].TenantID)
	assert.Equal(t, "jobs", records[0].QuotaType)
	assert.Equal(t, int64(42), records[0].Used)
	assert.Equal(t, quota.CadenceDaily, records[0].Cadence)
}

func TestRedis_QuotaLedger_SaveOverwrites(t *testing.T) {
	ledger := redisstore.NewQuotaLedger(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, ledger.Save(ctx, makeRecord("tenant-1", 10)))
	require.NoError(t, ledger.Save(ctx, makeRecord("tenant-1", 11)))

	records, err := ledger.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "same tenant and type should occupy one key")
	assert.Equal(t, int64(11), records[0].Used)
}

func TestRedis_QuotaLedger_StaleWriteDiscarded(t *testing.T) {
	ledger := redisstore.NewQuotaLedger(newRedisClient(t))
	ctx := context.Background()

	fresh := makeRecord("tenant-1", 20)
	stale := makeRecord("tenant-1", 3)
	stale.UpdatedAt = fresh.UpdatedAt.Add(-time.Minute)

	require.NoError(t, ledger.Save(ctx, fresh))
	require.NoError(t, ledger.Save(ctx, stale))

	records, err := ledger.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(20), records[0].Used, "older record must not overwrite newer usage")
}

func TestRedis_QuotaLedger_LoadAllSkipsForeignKeys(t *testing.T) {
	client := newRedisClient(t)
	ledger := redisstore.NewQuotaLedger(client)
	ctx := context.Background()

	require.NoError(t, ledger.Save(ctx, makeRecord("tenant-1", 5)))
	// Unrelated keys in the same database must not surface as records.
	require.NoError(t, client.Set(ctx, "session:abc", "xyz", 0).Err())

	records, err := ledger.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// TestRedis_QuotaLedger_ManagerRestart verifies the restart path: usage
// mirrored by one manager instance is visible to a fresh one after Load.
func TestRedis_QuotaLedger_ManagerRestart(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()

	limits := []quota.Limit{{Type: "jobs", Limit: 100, Cadence: quota.CadenceDaily}}

	m1 := quota.NewManager(limits, quota.WithLedger(redisstore.NewQuotaLedger(client)))
	for range 7 {
		d := m1.Reserve(ctx, "tenant-1", "jobs", 1)
		require.True(t, d.Allowed)
	}

	m2 := quota.NewManager(limits, quota.WithLedger(redisstore.NewQuotaLedger(client)))
	require.NoError(t, m2.Load(ctx))

	st, ok := m2.StatusOf("tenant-1", "jobs")
	require.True(t, ok)
	assert.Equal(t, int64(7), st.Record.Used)
}
