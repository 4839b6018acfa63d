package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dealradar:runlock:"

// Lock 基于 Redis SETNX 的执行锁：同一个 SavedSearch 不允许并发触发。
//
// TTL 作为兜底，防止进程异常退出后锁永久残留。
type Lock struct {
	rdb *redis.Client
	ttl time.Duration
}

// New 创建执行锁，ttl <= 0 时默认 2 分钟。
func New(rdb *redis.Client, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Lock{rdb: rdb, ttl: ttl}
}

// Acquire 尝试获取 searchID 对应的锁，返回是否获取成功。
func (l *Lock) Acquire(ctx context.Context, searchID string) (bool, error) {
	if l == nil || l.rdb == nil || searchID == "" {
		return true, nil
	}
	ok, err := l.rdb.SetNX(ctx, keyPrefix+searchID, "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("runlock setnx: %w", err)
	}
	return ok, nil
}

// Release 释放锁。锁不存在时为 no-op。
func (l *Lock) Release(ctx context.Context, searchID string) error {
	if l == nil || l.rdb == nil || searchID == "" {
		return nil
	}
	if err := l.rdb.Del(ctx, keyPrefix+searchID).Err(); err != nil {
		return fmt.Errorf("runlock del: %w", err)
	}
	return nil
}
