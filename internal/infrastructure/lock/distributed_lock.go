package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Redis 分布式锁
//
// 加锁：SET key value NX PX ttl，value 是持有者令牌
// 释放/续期：Lua 脚本先比对令牌再操作，锁过期后被别人拿到时不会误删
//
// 账本和计数的一致性靠数据库行锁保证，这里的锁只用于多实例部署时让维护任务只跑一份

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
	ErrNotHeld    = errors.New("锁已过期或不属于当前持有者")
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     redis.UniversalClient
	key        string
	value      string        // 持有者令牌
	expiration time.Duration // 锁的过期时间，持有者崩溃后自动释放
}

func NewDistributedLock(client redis.UniversalClient, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// NewJobLock 维护任务锁，每次调用生成新的持有者令牌
func NewJobLock(client redis.UniversalClient, jobName string, expiration time.Duration) *DistributedLock {
	key := fmt.Sprintf("pointsbilling:job:lock:%s", jobName)
	return NewDistributedLock(client, key, uuid.NewString(), expiration)
}

func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Extend 续期，锁已经不属于自己时返回 ErrNotHeld
func (l *DistributedLock) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, l.expiration.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// RunExclusive 拿到锁才执行 fn，拿不到锁直接返回 ran=false
func RunExclusive(ctx context.Context, l *DistributedLock, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := l.TryLock(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		// 用独立的 context 释放，调用方取消时也要把锁还回去
		unlockCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if unlockErr := l.Unlock(unlockCtx); unlockErr != nil && err == nil && !errors.Is(unlockErr, ErrNotHeld) {
			err = unlockErr
		}
	}()
	return true, fn(ctx)
}
