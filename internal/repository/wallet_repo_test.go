package repository

import (
	"context"
	"sync"
	"testing"

	"marketpay/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupWalletTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&model.Wallet{}))
	return db
}

func TestWalletRepository_GetOrCreate(t *testing.T) {
	db := setupWalletTestDB(t)
	repo := NewWalletRepository(db)
	ctx := context.Background()

	first, err := repo.GetOrCreate(ctx, 100, "CNY")
	require.NoError(t, err)
	assert.Equal(t, model.WalletStatusActive, first.Status)
	assert.True(t, first.AvailableBalance.IsZero())

	again, err := repo.GetOrCreate(ctx, 100, "CNY")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	var count int64
	require.NoError(t, db.Model(&model.Wallet{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestWalletRepository_ApplyBalanceChange(t *testing.T) {
	db := setupWalletTestDB(t)
	repo := NewWalletRepository(db)
	ctx := context.Background()

	wallet, err := repo.GetOrCreate(ctx, 100, "CNY")
	require.NoError(t, err)

	require.NoError(t, repo.ApplyBalanceChange(ctx, nil, wallet.ID, decimal.NewFromInt(1000), decimal.Zero, false))

	// 可用转托管
	require.NoError(t, repo.ApplyBalanceChange(ctx, nil, wallet.ID, decimal.NewFromInt(-400), decimal.NewFromInt(400), false))

	updated, err := repo.GetByID(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, updated.AvailableBalance.Equal(decimal.NewFromInt(600)))
	assert.True(t, updated.LockedEscrowFunds.Equal(decimal.NewFromInt(400)))
	assert.Equal(t, 2, updated.Version)

	t.Run("negative balance blocked", func(t *testing.T) {
		err := repo.ApplyBalanceChange(ctx, nil, wallet.ID, decimal.NewFromInt(-700), decimal.Zero, false)
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		// 余额未被改动
		after, err := repo.GetByID(ctx, wallet.ID)
		require.NoError(t, err)
		assert.True(t, after.AvailableBalance.Equal(decimal.NewFromInt(600)))
	})

	t.Run("system wallet may go negative", func(t *testing.T) {
		treasury, err := repo.GetOrCreate(ctx, 901, "CNY")
		require.NoError(t, err)
		require.NoError(t, repo.ApplyBalanceChange(ctx, nil, treasury.ID, decimal.NewFromInt(-5000), decimal.Zero, true))

		after, err := repo.GetByID(ctx, treasury.ID)
		require.NoError(t, err)
		assert.True(t, after.AvailableBalance.Equal(decimal.NewFromInt(-5000)))
	})

	t.Run("unknown wallet", func(t *testing.T) {
		err := repo.ApplyBalanceChange(ctx, nil, 9999, decimal.NewFromInt(1), decimal.Zero, false)
		assert.ErrorIs(t, err, ErrWalletNotFound)
	})
}

func TestWalletRepository_UpdateStatus(t *testing.T) {
	db := setupWalletTestDB(t)
	repo := NewWalletRepository(db)
	ctx := context.Background()

	wallet, err := repo.GetOrCreate(ctx, 100, "CNY")
	require.NoError(t, err)

	require.NoError(t, repo.UpdateStatus(ctx, nil, wallet.ID, model.WalletStatusActive, model.WalletStatusFrozen))
	require.NoError(t, repo.UpdateStatus(ctx, nil, wallet.ID, model.WalletStatusFrozen, model.WalletStatusClosed))

	// CLOSED 是终态
	err = repo.UpdateStatus(ctx, nil, wallet.ID, model.WalletStatusClosed, model.WalletStatusActive)
	assert.ErrorIs(t, err, ErrWalletStatusInvalid)

	// from 条件不匹配时拒绝（并发下状态已被他人改走）
	err = repo.UpdateStatus(ctx, nil, wallet.ID, model.WalletStatusActive, model.WalletStatusFrozen)
	assert.ErrorIs(t, err, ErrWalletStatusInvalid)
}

func TestWalletRepository_GetManyForUpdate(t *testing.T) {
	db := setupWalletTestDB(t)
	repo := NewWalletRepository(db)
	ctx := context.Background()

	w1, err := repo.GetOrCreate(ctx, 100, "CNY")
	require.NoError(t, err)
	w2, err := repo.GetOrCreate(ctx, 200, "CNY")
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		// 重复ID去重，乱序输入也能全部取到
		wallets, err := repo.GetManyForUpdate(ctx, tx, []int64{w2.ID, w1.ID, w2.ID})
		require.NoError(t, err)
		assert.Len(t, wallets, 2)
		assert.Equal(t, int64(100), wallets[w1.ID].UserID)
		assert.Equal(t, int64(200), wallets[w2.ID].UserID)
		return nil
	})
	require.NoError(t, err)
}

// 两个并发扣款抢同一笔余额，条件更新保证恰好一个成功
func TestWalletRepository_ConcurrentOverdraft(t *testing.T) {
	db := setupWalletTestDB(t)
	repo := NewWalletRepository(db)
	ctx := context.Background()

	wallet, err := repo.GetOrCreate(ctx, 100, "CNY")
	require.NoError(t, err)
	require.NoError(t, repo.ApplyBalanceChange(ctx, nil, wallet.ID, decimal.NewFromInt(6000), decimal.Zero, false))

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.ApplyBalanceChange(ctx, nil, wallet.ID, decimal.NewFromInt(-6000), decimal.Zero, false)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, rejected := 0, 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrInsufficientBalance)
		rejected++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	final, err := repo.GetByID(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, final.AvailableBalance.IsZero())
	assert.Equal(t, 2, final.Version)
}
