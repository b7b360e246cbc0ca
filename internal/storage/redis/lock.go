package redis

import (
	"context"
	"time"

	"github.com/google/uuid"

	xerrors "DataSov-Bridge/internal/errors"
)

// releaseScript 只删除仍由本持有者占用的锁。
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// SyncLocker 基于 SET NX PX 的租约锁。租约到期后锁自动释放，
// 持有者崩溃不会永久阻塞对账。
type SyncLocker struct {
	client Commander
	prefix string
}

// NewSyncLocker wraps client.
func NewSyncLocker(client Commander, prefix string) *SyncLocker {
	return &SyncLocker{client: client, prefix: prefix}
}

// TryLock 尝试获取 key 对应的租约，已被占用时 acquired 为 false。
func (l *SyncLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	lockKey := prefixed(l.prefix, "lock:"+key)
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取分布式锁失败")
	}
	if !acquired {
		return nil, false, nil
	}
	unlock := func(ctx context.Context) error {
		if err := l.client.Eval(ctx, releaseScript, []string{lockKey}, token).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放分布式锁失败")
		}
		return nil
	}
	return unlock, true, nil
}
