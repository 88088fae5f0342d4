package service

import (
	"fmt"
	"testing"

	"marketpay/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestIsDeniedTransaction(t *testing.T) {
	limitErr := &LimitExceededError{
		Kind:      LimitKindDaily,
		Limit:     decimal.NewFromInt(50000),
		Attempted: decimal.NewFromInt(60000),
	}

	// 锁内复查的拒绝和余额不足一样要进失败事件流
	assert.True(t, isDeniedTransaction(limitErr))
	assert.True(t, isDeniedTransaction(fmt.Errorf("出金失败: %w", limitErr)))
	assert.True(t, isDeniedTransaction(repository.ErrInsufficientBalance))
	assert.True(t, isDeniedTransaction(fmt.Errorf("托管锁定失败: %w", repository.ErrInsufficientBalance)))

	assert.False(t, isDeniedTransaction(nil))
	assert.False(t, isDeniedTransaction(fmt.Errorf("数据库连接中断")))
	assert.False(t, isDeniedTransaction(repository.ErrWalletFrozen))
}
