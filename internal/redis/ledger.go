package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/flowgate/internal/quota"
)

const (
	recordTTL = 45 * 24 * time.Hour // past the longest (monthly) reset cycle
	keyPrefix = "quota:record:"
	scanCount = 200
)

// saveScript commits a record only if it is at least as fresh as the stored
// one (atomic Lua script avoids races between overlapping mirror writes).
var saveScript = redis.NewScript(`
	local ts = tonumber(redis.call("hget", KEYS[1], "ts") or "0")
	if tonumber(ARGV[2]) >= ts then
		redis.call("hset", KEYS[1], "data", ARGV[1], "ts", ARGV[2])
		redis.call("pexpire", KEYS[1], ARGV[3])
		return 1
	end
	return 0
`)

func recordKey(tenantID, quotaType string) string {
	return keyPrefix + tenantID + ":" + quotaType
}

// QuotaLedger persists quota records in Redis so usage survives a process
// restart. The in-memory quota manager hydrates from it at startup and
// mirrors every mutation back, best-effort.
type QuotaLedger struct {
	client *redis.Client
}

// NewQuotaLedger creates a Redis-backed quota.Ledger.
func NewQuotaLedger(client *redis.Client) *QuotaLedger {
	return &QuotaLedger{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// Save writes one record. Stale writes (older UpdatedAt than the stored
// record) are discarded.
func (l *QuotaLedger) Save(ctx context.Context, rec quota.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal quota record: %w", err)
	}
	key := recordKey(rec.TenantID, rec.QuotaType)
	err = saveScript.Run(
		ctx, l.client,
		[]string{key},
		data,
		rec.UpdatedAt.UnixMilli(),
		recordTTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis save quota record %s: %w", key, err)
	}
	return nil
}

// LoadAll scans every persisted record. Records that fail to decode are
// skipped rather than failing the whole hydration.
func (l *QuotaLedger) LoadAll(ctx context.Context) ([]quota.Record, error) {
	var (
		records []quota.Record
		cursor  uint64
	)
	for {
		keys, next, err := l.client.Scan(ctx, cursor, keyPrefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan quota records: %w", err)
		}
		for _, key := range keys {
			data, err := l.client.HGet(ctx, key, "data").Bytes()
			if err != nil {
				continue
			}
			var rec quota.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		cursor = next
		if cursor == 0 {
			return records, nil
		}
	}
}
