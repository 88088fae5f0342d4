package repository

import (
	"context"
	"errors"
	"sort"

	"marketpay/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound      = errors.New("钱包不存在")
	ErrInsufficientBalance = errors.New("可用余额不足")
	ErrWalletFrozen        = errors.New("钱包已冻结")
	ErrWalletClosed        = errors.New("钱包已关闭")
	ErrWalletStatusInvalid = errors.New("钱包状态流转不合法")
	ErrNonZeroBalance      = errors.New("余额不为零，不允许关闭钱包")
	ErrConcurrentUpdate    = errors.New("并发更新冲突，请重试")
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) Create(ctx context.Context, wallet *model.Wallet) error {
	return r.db.WithContext(ctx).Create(wallet).Error
}

func (r *WalletRepository) GetByID(ctx context.Context, walletID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.db.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

func (r *WalletRepository) GetByUserID(ctx context.Context, userID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetByIDForUpdate 行锁读取，读改写余额的事务必须走这里
func (r *WalletRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, walletID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := forUpdate(tx.WithContext(ctx)).
		Where("id = ?", walletID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

func (r *WalletRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := forUpdate(tx.WithContext(ctx)).
		Where("user_id = ?", userID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetOrCreate 用户开户时创建钱包，user_id 唯一索引 + OnConflict 保证幂等
func (r *WalletRepository) GetOrCreate(ctx context.Context, userID int64, currency string) (*model.Wallet, error) {
	wallet, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	newWallet := &model.Wallet{
		UserID:            userID,
		Currency:          currency,
		AvailableBalance:  decimal.Zero,
		LockedEscrowFunds: decimal.Zero,
		Status:            model.WalletStatusActive,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newWallet).Error
	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

// ApplyBalanceChange 原子调整余额缓存字段
// 条件更新兜底保证可用余额与托管冻结金额都不为负（allowNegative
// 只对系统金库钱包放开，金库是外部资金的镜像，本来就可以为负）
func (r *WalletRepository) ApplyBalanceChange(ctx context.Context, tx *gorm.DB, walletID int64, availableDelta, lockedDelta decimal.Decimal, allowNegative bool) error {
	if tx == nil {
		tx = r.db
	}

	query := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ?", walletID)

	if !allowNegative {
		query = query.Where("available_balance + ? >= 0 AND locked_escrow_funds + ? >= 0", availableDelta, lockedDelta)
	}

	result := query.Updates(map[string]interface{}{
		"available_balance":   gorm.Expr("available_balance + ?", availableDelta),
		"locked_escrow_funds": gorm.Expr("locked_escrow_funds + ?", lockedDelta),
		"version":             gorm.Expr("version + 1"),
	})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, walletID); err != nil {
			return err
		}
		return ErrInsufficientBalance
	}

	return nil
}

// UpdateStatus 状态流转，from 条件保证并发下不丢流转
func (r *WalletRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, walletID int64, fromStatus, toStatus string) error {
	if !model.CanWalletTransitionTo(fromStatus, toStatus) {
		return ErrWalletStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND status = ?", walletID, fromStatus).
		Updates(map[string]interface{}{
			"status":  toStatus,
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWalletStatusInvalid
	}
	return nil
}

// GetManyForUpdate 按钱包ID升序依次加行锁
// 涉及多个钱包的操作（释放：买家+卖家+手续费钱包）必须走这里，
// 全局一致的加锁顺序避免并发释放/退款之间互相死锁
func (r *WalletRepository) GetManyForUpdate(ctx context.Context, tx *gorm.DB, walletIDs []int64) (map[int64]*model.Wallet, error) {
	ids := make([]int64, 0, len(walletIDs))
	seen := make(map[int64]bool, len(walletIDs))
	for _, id := range walletIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	wallets := make(map[int64]*model.Wallet, len(ids))
	for _, id := range ids {
		wallet, err := r.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		wallets[id] = wallet
	}
	return wallets, nil
}

// ListActive 分页列出非关闭钱包，对账任务使用
func (r *WalletRepository) ListActive(ctx context.Context, afterID int64, limit int) ([]*model.Wallet, error) {
	var wallets []*model.Wallet
	err := r.db.WithContext(ctx).
		Where("id > ? AND status <> ?", afterID, model.WalletStatusClosed).
		Order("id ASC").
		Limit(limit).
		Find(&wallets).Error
	return wallets, err
}
