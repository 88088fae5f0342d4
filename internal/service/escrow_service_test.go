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

func newEscrowFixture(t *testing.T) (*EscrowService, *WalletService, *gorm.DB) {
	db := setupTestDB(t)
	cfg := testConfig()
	clk := newManualClock()
	walletSvc := NewWalletService(db, nil, cfg, clk)
	require.NoError(t, walletSvc.EnsureSystemWallets(context.Background()))
	return NewEscrowService(db, nil, cfg, clk), walletSvc, db
}

func mustDeposit(t *testing.T, svc *WalletService, userID int64, amount int64) {
	t.Helper()
	_, err := svc.Deposit(context.Background(), &MoveFundsRequest{
		RequestID: "dep", UserID: userID, Amount: decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
}

func TestEscrowService_Lock(t *testing.T) {
	escrowSvc, walletSvc, db := newEscrowFixture(t)
	ctx := context.Background()
	mustDeposit(t, walletSvc, 100, 10000)

	lock, err := escrowSvc.Lock(ctx, &LockRequest{
		RequestID:   "r-1",
		OrderNo:     "ORD-1001",
		BuyerUserID: 100,
		Amount:      decimal.NewFromInt(4000),
		FeePercent:  decimal.NewFromFloat(0.025),
	})
	require.NoError(t, err)
	assert.True(t, lock.PlatformFee.Equal(decimal.NewFromInt(100)))

	buyer, err := walletSvc.GetByUserID(ctx, 100)
	require.NoError(t, err)
	assert.True(t, buyer.AvailableBalance.Equal(decimal.NewFromInt(6000)))
	assert.True(t, buyer.LockedEscrowFunds.Equal(decimal.NewFromInt(4000)))
	// 总余额不变：锁定只是子账户间搬动
	assert.True(t, buyer.TotalBalance().Equal(decimal.NewFromInt(10000)))

	// 账本侧：买家钱包上 AVAILABLE 借 / HOLD 贷 的平账对
	var entries []*model.LedgerEntry
	require.NoError(t, db.Where("ref_table = ? AND ref_id = ?", "escrow_locks", lock.ID).
		Order("id ASC").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.Equal(t, model.LedgerKindDebit, entries[0].Kind)
	assert.Equal(t, model.LedgerLegAvailable, entries[0].Leg)
	assert.Equal(t, model.LedgerKindCredit, entries[1].Kind)
	assert.Equal(t, model.LedgerLegHold, entries[1].Leg)

	t.Run("idempotent by order no", func(t *testing.T) {
		again, err := escrowSvc.Lock(ctx, &LockRequest{
			RequestID:   "r-2",
			OrderNo:     "ORD-1001",
			BuyerUserID: 100,
			Amount:      decimal.NewFromInt(4000),
			FeePercent:  decimal.NewFromFloat(0.025),
		})
		require.NoError(t, err)
		assert.Equal(t, lock.LockNo, again.LockNo)

		buyer, err := walletSvc.GetByUserID(ctx, 100)
		require.NoError(t, err)
		assert.True(t, buyer.LockedEscrowFunds.Equal(decimal.NewFromInt(4000)))
	})

	t.Run("insufficient balance", func(t *testing.T) {
		_, err := escrowSvc.Lock(ctx, &LockRequest{
			RequestID:   "r-3",
			OrderNo:     "ORD-1002",
			BuyerUserID: 100,
			Amount:      decimal.NewFromInt(9000),
			FeePercent:  decimal.Zero,
		})
		assert.ErrorIs(t, err, repository.ErrInsufficientBalance)
	})

	t.Run("invalid fee percent", func(t *testing.T) {
		_, err := escrowSvc.Lock(ctx, &LockRequest{
			RequestID:   "r-4",
			OrderNo:     "ORD-1003",
			BuyerUserID: 100,
			Amount:      decimal.NewFromInt(100),
			FeePercent:  decimal.NewFromInt(1),
		})
		assert.ErrorIs(t, err, ErrInvalidFeePercent)
	})
}

func TestEscrowService_Release(t *testing.T) {
	escrowSvc, walletSvc, db := newEscrowFixture(t)
	ctx := context.Background()
	mustDeposit(t, walletSvc, 100, 10000)

	lock, err := escrowSvc.Lock(ctx, &LockRequest{
		RequestID:   "r-1",
		OrderNo:     "ORD-2001",
		BuyerUserID: 100,
		Amount:      decimal.NewFromInt(4000),
		FeePercent:  decimal.NewFromFloat(0.025),
	})
	require.NoError(t, err)

	require.NoError(t, escrowSvc.Release(ctx, lock.ID, 777))

	buyer, err := walletSvc.GetByUserID(ctx, 100)
	require.NoError(t, err)
	assert.True(t, buyer.AvailableBalance.Equal(decimal.NewFromInt(6000)))
	assert.True(t, buyer.LockedEscrowFunds.IsZero())

	seller, err := walletSvc.GetByUserID(ctx, 777)
	require.NoError(t, err)
	assert.True(t, seller.AvailableBalance.Equal(decimal.NewFromInt(3900)))

	feeWallet, err := walletSvc.GetByUserID(ctx, testPlatformFeeUserID)
	require.NoError(t, err)
	assert.True(t, feeWallet.AvailableBalance.Equal(decimal.NewFromInt(100)))

	// 结算分录在同一交易号下借贷平衡
	settled, err := escrowSvc.GetByID(ctx, lock.ID)
	require.NoError(t, err)
	require.NotNil(t, settled.ReleasedAt)
	assert.Equal(t, model.OrderStatusCompleted, settled.OrderStatus)
	assert.True(t, settled.SellerAmount.Equal(decimal.NewFromInt(3900)))

	var entries []*model.LedgerEntry
	require.NoError(t, db.Where("ref_table = ? AND ref_id = ?", "escrow_locks", lock.ID).
		Find(&entries).Error)
	debits, credits := decimal.Zero, decimal.Zero
	for _, e := range entries {
		if e.Kind == model.LedgerKindDebit {
			debits = debits.Add(e.Amount)
		} else {
			credits = credits.Add(e.Amount)
		}
	}
	assert.True(t, debits.Equal(credits))

	t.Run("double release rejected", func(t *testing.T) {
		assert.ErrorIs(t, escrowSvc.Release(ctx, lock.ID, 777), repository.ErrAlreadyReleased)
	})

	t.Run("refund after release rejected", func(t *testing.T) {
		assert.ErrorIs(t, escrowSvc.Refund(ctx, lock.ID), repository.ErrAlreadyReleased)
	})
}

func TestEscrowService_Refund(t *testing.T) {
	escrowSvc, walletSvc, _ := newEscrowFixture(t)
	ctx := context.Background()
	mustDeposit(t, walletSvc, 100, 10000)

	lock, err := escrowSvc.Lock(ctx, &LockRequest{
		RequestID:   "r-1",
		OrderNo:     "ORD-3001",
		BuyerUserID: 100,
		Amount:      decimal.NewFromInt(4000),
		FeePercent:  decimal.NewFromFloat(0.025),
	})
	require.NoError(t, err)

	require.NoError(t, escrowSvc.Refund(ctx, lock.ID))

	// 全额原路退回，不收手续费
	buyer, err := walletSvc.GetByUserID(ctx, 100)
	require.NoError(t, err)
	assert.True(t, buyer.AvailableBalance.Equal(decimal.NewFromInt(10000)))
	assert.True(t, buyer.LockedEscrowFunds.IsZero())

	feeWallet, err := walletSvc.GetByUserID(ctx, testPlatformFeeUserID)
	require.NoError(t, err)
	assert.True(t, feeWallet.AvailableBalance.IsZero())

	refunded, err := escrowSvc.GetByID(ctx, lock.ID)
	require.NoError(t, err)
	require.NotNil(t, refunded.RefundedAt)
	assert.Equal(t, model.OrderStatusResolvedRefund, refunded.OrderStatus)

	t.Run("double refund rejected", func(t *testing.T) {
		assert.ErrorIs(t, escrowSvc.Refund(ctx, lock.ID), repository.ErrAlreadyRefunded)
	})
}

func TestEscrowService_SplitResolve(t *testing.T) {
	escrowSvc, walletSvc, _ := newEscrowFixture(t)
	ctx := context.Background()
	mustDeposit(t, walletSvc, 100, 10000)

	lock, err := escrowSvc.Lock(ctx, &LockRequest{
		RequestID:   "r-1",
		OrderNo:     "ORD-4001",
		BuyerUserID: 100,
		Amount:      decimal.NewFromInt(4000),
		FeePercent:  decimal.NewFromFloat(0.025),
	})
	require.NoError(t, err)

	t.Run("sum mismatch rejected", func(t *testing.T) {
		err := escrowSvc.SplitResolve(ctx, lock.ID, 777, decimal.NewFromInt(1000), decimal.NewFromInt(2000))
		assert.ErrorIs(t, err, ErrSplitMismatch)
	})

	// 裁决：买家 1000，卖家毛额 3000；手续费按毛额占比分摊 100*3000/4000=75
	require.NoError(t, escrowSvc.SplitResolve(ctx, lock.ID, 777, decimal.NewFromInt(1000), decimal.NewFromInt(3000)))

	buyer, err := walletSvc.GetByUserID(ctx, 100)
	require.NoError(t, err)
	assert.True(t, buyer.AvailableBalance.Equal(decimal.NewFromInt(7000)))
	assert.True(t, buyer.LockedEscrowFunds.IsZero())

	seller, err := walletSvc.GetByUserID(ctx, 777)
	require.NoError(t, err)
	assert.True(t, seller.AvailableBalance.Equal(decimal.NewFromInt(2925)))

	feeWallet, err := walletSvc.GetByUserID(ctx, testPlatformFeeUserID)
	require.NoError(t, err)
	assert.True(t, feeWallet.AvailableBalance.Equal(decimal.NewFromInt(75)))

	// 资金守恒：买家+卖家+手续费 == 托管前买家总额
	total := buyer.TotalBalance().Add(seller.TotalBalance()).Add(feeWallet.TotalBalance())
	assert.True(t, total.Equal(decimal.NewFromInt(10000)))

	// 卖家分得更多，订单落在卖家胜诉终态
	resolved, err := escrowSvc.GetByID(ctx, lock.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusResolvedSeller, resolved.OrderStatus)
}

func TestEscrowService_FrozenBuyerWallet(t *testing.T) {
	escrowSvc, walletSvc, _ := newEscrowFixture(t)
	ctx := context.Background()
	mustDeposit(t, walletSvc, 100, 10000)
	require.NoError(t, walletSvc.Freeze(ctx, 100))

	_, err := escrowSvc.Lock(ctx, &LockRequest{
		RequestID:   "r-1",
		OrderNo:     "ORD-5001",
		BuyerUserID: 100,
		Amount:      decimal.NewFromInt(1000),
		FeePercent:  decimal.Zero,
	})
	assert.ErrorIs(t, err, repository.ErrWalletFrozen)
}
