package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// VolumeResult is the outcome of a daily volume check.
type VolumeResult struct {
	Allowed    bool
	UsedCents  int64
	LimitCents int64
}

// VolumeTracker tracks recharge volume per provider per UTC day via Redis.
type VolumeTracker struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewVolumeTracker creates a volume tracker. If rdb is nil, all checks pass.
func NewVolumeTracker(rdb *redis.Client, prefix string) *VolumeTracker {
	return &VolumeTracker{rdb: rdb, prefix: prefix, now: time.Now}
}

// Cents converts a currency amount to integer cents.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func (v *VolumeTracker) dailyKey(providerID string) string {
	day := v.now().UTC().Format("2006-01-02")
	return fmt.Sprintf("%svolume:daily:%s:%s", v.prefix, providerID, day)
}

// Check reports whether recharging amountCents more would stay within
// limitCents for today. A non-positive limit disables the check.
func (v *VolumeTracker) Check(ctx context.Context, providerID string, amountCents, limitCents int64) (VolumeResult, error) {
	if v.rdb == nil || limitCents <= 0 {
		return VolumeResult{Allowed: true, LimitCents: limitCents}, nil
	}

	used, err := v.rdb.Get(ctx, v.dailyKey(providerID)).Int64()
	if err != nil && err != redis.Nil {
		// Fail open on Redis errors
		return VolumeResult{Allowed: true, LimitCents: limitCents}, nil
	}

	return VolumeResult{
		Allowed:    used+amountCents <= limitCents,
		UsedCents:  used,
		LimitCents: limitCents,
	}, nil
}

// Record adds a successful recharge to the provider's daily counter.
func (v *VolumeTracker) Record(ctx context.Context, providerID string, amountCents int64) error {
	if v.rdb == nil || amountCents <= 0 {
		return nil
	}

	key := v.dailyKey(providerID)
	pipe := v.rdb.Pipeline()
	pipe.IncrBy(ctx, key, amountCents)
	// Expire at end of day UTC + 1 hour buffer
	now := v.now().UTC()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	pipe.Expire(ctx, key, endOfDay.Sub(now)+time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}
