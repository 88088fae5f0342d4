package repository

import (
	"context"
	"errors"
	"time"

	"marketpay/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrEscrowNotFound  = errors.New("托管锁不存在")
	ErrAlreadyReleased = errors.New("托管已释放，请勿重复操作")
	ErrAlreadyRefunded = errors.New("托管已退款，请勿重复操作")
)

type EscrowRepository struct {
	db *gorm.DB
}

func NewEscrowRepository(db *gorm.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

func (r *EscrowRepository) Create(ctx context.Context, tx *gorm.DB, lock *model.EscrowLock) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(lock).Error
}

func (r *EscrowRepository) GetByID(ctx context.Context, lockID int64) (*model.EscrowLock, error) {
	var lock model.EscrowLock
	err := r.db.WithContext(ctx).Where("id = ?", lockID).First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &lock, nil
}

func (r *EscrowRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.EscrowLock, error) {
	var lock model.EscrowLock
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lock, nil
}

// GetByIDForUpdate 行锁读取，释放/退款事务内使用，串行化同一托管的结算
func (r *EscrowRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, lockID int64) (*model.EscrowLock, error) {
	var lock model.EscrowLock
	err := forUpdate(tx.WithContext(ctx)).
		Where("id = ?", lockID).
		First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &lock, nil
}

// settleGuard 终态互斥条件：只有未释放且未退款的锁才能结算
// RowsAffected == 0 时回查定位具体冲突原因
func (r *EscrowRepository) settle(ctx context.Context, tx *gorm.DB, lockID int64, updates map[string]interface{}) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.EscrowLock{}).
		Where("id = ? AND released_at IS NULL AND refunded_at IS NULL", lockID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		lock, err := r.GetByID(ctx, lockID)
		if err != nil {
			return err
		}
		if lock.ReleasedAt != nil {
			return ErrAlreadyReleased
		}
		if lock.RefundedAt != nil {
			return ErrAlreadyRefunded
		}
		return ErrEscrowNotFound
	}

	return nil
}

// MarkReleased 置释放终态，记录实际分账金额与订单落点
func (r *EscrowRepository) MarkReleased(ctx context.Context, tx *gorm.DB, lockID int64, sellerAmount, buyerAmount decimal.Decimal, orderStatus string, at time.Time) error {
	return r.settle(ctx, tx, lockID, map[string]interface{}{
		"released_at":   at,
		"seller_amount": sellerAmount,
		"buyer_amount":  buyerAmount,
		"order_status":  orderStatus,
	})
}

// MarkRefunded 置退款终态
func (r *EscrowRepository) MarkRefunded(ctx context.Context, tx *gorm.DB, lockID int64, buyerAmount decimal.Decimal, at time.Time) error {
	return r.settle(ctx, tx, lockID, map[string]interface{}{
		"refunded_at":  at,
		"buyer_amount": buyerAmount,
		"order_status": model.OrderStatusResolvedRefund,
	})
}

// ListUnsettledByWalletID 未结算托管，用于校验钱包关闭前有没有在途资金
func (r *EscrowRepository) ListUnsettledByWalletID(ctx context.Context, walletID int64) ([]*model.EscrowLock, error) {
	var locks []*model.EscrowLock
	err := r.db.WithContext(ctx).
		Where("wallet_id = ? AND released_at IS NULL AND refunded_at IS NULL", walletID).
		Find(&locks).Error
	return locks, err
}
