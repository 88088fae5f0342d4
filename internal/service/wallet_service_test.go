package service

import (
	"context"
	"testing"

	"marketpay/internal/model"
	"marketpay/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newWalletService(t *testing.T) (*WalletService, *gorm.DB) {
	db := setupTestDB(t)
	svc := NewWalletService(db, nil, testConfig(), newManualClock())
	require.NoError(t, svc.EnsureSystemWallets(context.Background()))
	return svc, db
}

func TestWalletService_Deposit(t *testing.T) {
	svc, db := newWalletService(t)
	ctx := context.Background()

	txnID, err := svc.Deposit(ctx, &MoveFundsRequest{
		RequestID: "req-1", UserID: 100, Amount: decimal.NewFromInt(1000), Description: "充值",
	})
	require.NoError(t, err)
	require.NotEmpty(t, txnID)

	wallet, err := svc.GetByUserID(ctx, 100)
	require.NoError(t, err)
	assert.True(t, wallet.AvailableBalance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, wallet.LockedEscrowFunds.IsZero())

	// 账本推导余额与缓存一致
	ledgerBalance, err := svc.ledgerSvc.BalanceOf(ctx, wallet.ID, nil)
	require.NoError(t, err)
	assert.True(t, ledgerBalance.Equal(decimal.NewFromInt(1000)))

	// 金库是外部资金的镜像，入金后为负
	treasury, err := svc.GetByUserID(ctx, testTreasuryUserID)
	require.NoError(t, err)
	assert.True(t, treasury.AvailableBalance.Equal(decimal.NewFromInt(-1000)))

	// 交易事件进了发件箱
	var outboxCount int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Count(&outboxCount).Error)
	assert.Equal(t, int64(1), outboxCount)

	t.Run("rejects non-positive amount", func(t *testing.T) {
		_, err := svc.Deposit(ctx, &MoveFundsRequest{RequestID: "req-2", UserID: 100, Amount: decimal.Zero})
		assert.Error(t, err)
	})
}

func TestWalletService_Withdraw(t *testing.T) {
	svc, _ := newWalletService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, &MoveFundsRequest{RequestID: "d-1", UserID: 200, Amount: decimal.NewFromInt(5000)})
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, &MoveFundsRequest{RequestID: "w-1", UserID: 200, Amount: decimal.NewFromInt(2000)})
	require.NoError(t, err)

	wallet, err := svc.GetByUserID(ctx, 200)
	require.NoError(t, err)
	assert.True(t, wallet.AvailableBalance.Equal(decimal.NewFromInt(3000)))

	ledgerBalance, err := svc.ledgerSvc.BalanceOf(ctx, wallet.ID, nil)
	require.NoError(t, err)
	assert.True(t, ledgerBalance.Equal(decimal.NewFromInt(3000)))

	t.Run("unknown wallet", func(t *testing.T) {
		_, err := svc.Withdraw(ctx, &MoveFundsRequest{RequestID: "w-x", UserID: 999, Amount: decimal.NewFromInt(10)})
		assert.ErrorIs(t, err, repository.ErrWalletNotFound)
	})
}

// 余额 10000，连续两笔 6000 出金：第一笔成功，第二笔余额不足，
// 最终余额恰好 4000，不会出现负余额
func TestWalletService_SequentialOverdraft(t *testing.T) {
	svc, db := newWalletService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, &MoveFundsRequest{RequestID: "d-1", UserID: 300, Amount: decimal.NewFromInt(10000)})
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, &MoveFundsRequest{RequestID: "w-1", UserID: 300, Amount: decimal.NewFromInt(6000)})
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, &MoveFundsRequest{RequestID: "w-2", UserID: 300, Amount: decimal.NewFromInt(6000)})
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)

	wallet, err := svc.GetByUserID(ctx, 300)
	require.NoError(t, err)
	assert.True(t, wallet.AvailableBalance.Equal(decimal.NewFromInt(4000)))

	// 失败的尝试作为 FAILED 事件进了发件箱
	var failedEvents int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).
		Where("payload LIKE ?", "%FAILED%").
		Count(&failedEvents).Error)
	assert.Equal(t, int64(1), failedEvents)
}

func TestWalletService_FreezeBlocksFunds(t *testing.T) {
	svc, _ := newWalletService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, &MoveFundsRequest{RequestID: "d-1", UserID: 400, Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	require.NoError(t, svc.Freeze(ctx, 400))

	_, err = svc.Withdraw(ctx, &MoveFundsRequest{RequestID: "w-1", UserID: 400, Amount: decimal.NewFromInt(100)})
	assert.ErrorIs(t, err, repository.ErrWalletFrozen)

	_, err = svc.Deposit(ctx, &MoveFundsRequest{RequestID: "d-2", UserID: 400, Amount: decimal.NewFromInt(100)})
	assert.ErrorIs(t, err, repository.ErrWalletFrozen)

	// 解冻后恢复正常
	require.NoError(t, svc.Unfreeze(ctx, 400))
	_, err = svc.Withdraw(ctx, &MoveFundsRequest{RequestID: "w-2", UserID: 400, Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
}

func TestWalletService_Close(t *testing.T) {
	svc, _ := newWalletService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, &MoveFundsRequest{RequestID: "d-1", UserID: 500, Amount: decimal.NewFromInt(800)})
	require.NoError(t, err)

	// 余额不为零不允许关闭
	assert.ErrorIs(t, svc.Close(ctx, 500), repository.ErrNonZeroBalance)

	_, err = svc.Withdraw(ctx, &MoveFundsRequest{RequestID: "w-1", UserID: 500, Amount: decimal.NewFromInt(800)})
	require.NoError(t, err)

	require.NoError(t, svc.Close(ctx, 500))

	wallet, err := svc.GetByUserID(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, model.WalletStatusClosed, wallet.Status)

	// 关闭是终态，资金操作一律拒绝
	_, err = svc.Deposit(ctx, &MoveFundsRequest{RequestID: "d-2", UserID: 500, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, repository.ErrWalletClosed)
}

func TestWalletService_Reconcile(t *testing.T) {
	svc, db := newWalletService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, &MoveFundsRequest{RequestID: "d-1", UserID: 600, Amount: decimal.NewFromInt(2500)})
	require.NoError(t, err)

	wallet, err := svc.GetByUserID(ctx, 600)
	require.NoError(t, err)

	result, err := svc.Reconcile(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, result.InTolerance)
	assert.True(t, result.Discrepancy.IsZero())

	// 绕过账本直接改余额，对账必须发现差异
	require.NoError(t, db.Model(&model.Wallet{}).
		Where("id = ?", wallet.ID).
		Update("available_balance", gorm.Expr("available_balance + 50")).Error)

	result, err = svc.Reconcile(ctx, wallet.ID)
	require.NoError(t, err)
	assert.False(t, result.InTolerance)
	assert.True(t, result.Discrepancy.Equal(decimal.NewFromInt(50)))
}
