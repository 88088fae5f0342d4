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
	ErrLedgerImbalance    = errors.New("账本借贷不平，拒绝入账")
	ErrInvalidEntryAmount = errors.New("分录金额必须大于零")
	ErrInvalidEntryKind   = errors.New("分录方向必须是 DEBIT 或 CREDIT")
	ErrEmptyEntrySet      = errors.New("分录集合为空")
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// CreateEntries 一次性写入同一 transaction_id 的全部分录
// 提交前校验：金额恒正、方向合法、Σ借 == Σ贷（容差 0.01）
// 任何一条不合法整组拒绝，永远不会出现半笔账
func (r *LedgerRepository) CreateEntries(ctx context.Context, tx *gorm.DB, transactionID string, entries []*model.LedgerEntry) error {
	if len(entries) == 0 {
		return ErrEmptyEntrySet
	}

	debitSum := decimal.Zero
	creditSum := decimal.Zero
	for _, entry := range entries {
		if !entry.Amount.IsPositive() {
			return ErrInvalidEntryAmount
		}
		switch entry.Kind {
		case model.LedgerKindDebit:
			debitSum = debitSum.Add(entry.Amount)
		case model.LedgerKindCredit:
			creditSum = creditSum.Add(entry.Amount)
		default:
			return ErrInvalidEntryKind
		}
		entry.TransactionID = transactionID
	}

	if debitSum.Sub(creditSum).Abs().GreaterThan(model.LedgerBalanceTolerance) {
		return ErrLedgerImbalance
	}

	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(&entries).Error
}

// BalanceOf 账本侧权威余额：Σ贷 - Σ借，可选截止时间做时点重放
func (r *LedgerRepository) BalanceOf(ctx context.Context, walletID int64, asOf *time.Time) (decimal.Decimal, error) {
	var balance decimal.NullDecimal

	query := r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Select("SUM(CASE WHEN kind = ? THEN amount ELSE -amount END)", model.LedgerKindCredit).
		Where("wallet_id = ?", walletID)

	if asOf != nil {
		query = query.Where("created_at <= ?", *asOf)
	}

	if err := query.Scan(&balance).Error; err != nil {
		return decimal.Zero, err
	}
	if !balance.Valid {
		return decimal.Zero, nil
	}
	return balance.Decimal, nil
}

// SumDebitsBetween 时间窗内可用余额侧的借记总额（真实支出）
// 限额检查的 24 小时 / 自然月窗口使用；只统计 AVAILABLE 子账户，
// 释放/退款时 HOLD 子账户的出账不是新的支出，不重复计数
func (r *LedgerRepository) SumDebitsBetween(ctx context.Context, tx *gorm.DB, walletID int64, from, to time.Time) (decimal.Decimal, error) {
	if tx == nil {
		tx = r.db
	}

	var sum decimal.NullDecimal
	err := tx.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Select("SUM(amount)").
		Where("wallet_id = ? AND kind = ? AND leg = ? AND created_at >= ? AND created_at < ?",
			walletID, model.LedgerKindDebit, model.LedgerLegAvailable, from, to).
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

func (r *LedgerRepository) ListByTransactionID(ctx context.Context, transactionID string) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *LedgerRepository) ListByWalletID(ctx context.Context, walletID int64, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("wallet_id = ?", walletID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}
