package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 钱包余额的最终串行化靠数据库行锁（FOR UPDATE），这里的 Redis 锁是
// 前置的粗粒度闸门：同一钱包的并发请求先在这里排队，减少数据库
// 行锁上的争抢，也让幂等重查有一个安全的检查点。
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥，EX 防止持有者崩溃后死锁
//   - value 记录持有者（requestID），释放时校验，防止误删别人的锁
// 释放：Lua 脚本保证"校验+删除"原子执行

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
// client 为 nil 时退化为空操作：单机部署只靠数据库行锁串行化
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		return true, nil
	}
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，value 匹配才删除
func (l *DistributedLock) Unlock(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 便捷函数
// ============================================================================

// NewWalletLock 按钱包维度加锁
// 不同钱包可以并发操作，同一钱包的资金操作在入口处先串行化
func NewWalletLock(client *redis.Client, walletID int64, requestID string) *DistributedLock {
	key := fmt.Sprintf("wallet:lock:%d", walletID)
	// value 使用 requestID，便于追踪是哪个请求持有锁
	return NewDistributedLock(client, key, requestID, 30*time.Second)
}

// NewEscrowSettleLock 按托管锁维度加锁，释放与退款互斥排队
func NewEscrowSettleLock(client *redis.Client, lockID int64, requestID string) *DistributedLock {
	key := fmt.Sprintf("escrow:settle:lock:%d", lockID)
	return NewDistributedLock(client, key, requestID, 30*time.Second)
}
