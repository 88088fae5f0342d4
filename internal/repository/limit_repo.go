package repository

import (
	"context"
	"errors"

	"marketpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrTierOutOfRange = errors.New("等级必须在 0-3 之间")

type LimitRepository struct {
	db *gorm.DB
}

func NewLimitRepository(db *gorm.DB) *LimitRepository {
	return &LimitRepository{db: db}
}

// GetUserTier 读取用户当前等级，无记录视为 tier 0
// 限额检查每次都走这里实时读取，降级立即生效
func (r *LimitRepository) GetUserTier(ctx context.Context, tx *gorm.DB, userID int64) (int, error) {
	if tx == nil {
		tx = r.db
	}

	var tier model.UserTier
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&tier).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return tier.Tier, nil
}

// UpsertUserTier 设置用户等级（含 KYC 级别），user_id 唯一索引保证 1:1
// kycLevel 为空时只改等级不覆盖已记录的 KYC 级别（降级场景）
func (r *LimitRepository) UpsertUserTier(ctx context.Context, tx *gorm.DB, userID int64, newTier int, kycLevel string) error {
	if newTier < model.TierMin || newTier > model.TierMax {
		return ErrTierOutOfRange
	}

	if tx == nil {
		tx = r.db
	}

	columns := []string{"tier", "updated_at"}
	if kycLevel != "" {
		columns = append(columns, "kyc_level")
	}
	record := &model.UserTier{
		UserID:   userID,
		Tier:     newTier,
		KYCLevel: kycLevel,
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(record).Error
}

// GetTierLimit 等级默认限额，未配置返回 nil（上层回退到配置兜底值）
func (r *LimitRepository) GetTierLimit(ctx context.Context, tier int) (*model.TransactionLimit, error) {
	var limit model.TransactionLimit
	err := r.db.WithContext(ctx).Where("tier = ?", tier).First(&limit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &limit, nil
}

// GetUserOverride 用户级限额覆盖，优先于等级默认
func (r *LimitRepository) GetUserOverride(ctx context.Context, userID int64) (*model.UserTransactionLimit, error) {
	var limit model.UserTransactionLimit
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&limit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &limit, nil
}

func (r *LimitRepository) SaveTierLimit(ctx context.Context, limit *model.TransactionLimit) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tier"}},
			DoUpdates: clause.AssignmentColumns([]string{"per_transaction_limit", "daily_limit", "monthly_limit", "updated_at"}),
		}).
		Create(limit).Error
}

func (r *LimitRepository) SaveUserOverride(ctx context.Context, limit *model.UserTransactionLimit) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"per_transaction_limit", "daily_limit", "monthly_limit", "reason", "updated_at"}),
		}).
		Create(limit).Error
}

// ============================================================
// 等级变更审计
// ============================================================

func (r *LimitRepository) CreateTierChange(ctx context.Context, tx *gorm.DB, change *model.TierChange) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(change).Error
}

func (r *LimitRepository) ListTierChanges(ctx context.Context, userID int64, limit int) ([]*model.TierChange, error) {
	var changes []*model.TierChange
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&changes).Error
	return changes, err
}

func (r *LimitRepository) CreateViolation(ctx context.Context, tx *gorm.DB, violation *model.TierViolation) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(violation).Error
}

func (r *LimitRepository) ListViolations(ctx context.Context, userID int64, limit int) ([]*model.TierViolation, error) {
	var violations []*model.TierViolation
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&violations).Error
	return violations, err
}
