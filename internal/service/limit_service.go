package service

import (
	"context"
	"fmt"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/model"
	"marketpay/internal/repository"
	"marketpay/pkg/clock"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================
// 限额拒绝原因
// ============================================================

const (
	LimitKindPerTransaction = "PER_TRANSACTION_EXCEEDED"
	LimitKindDaily          = "DAILY_EXCEEDED"
	LimitKindMonthly        = "MONTHLY_EXCEEDED"
)

// LimitExceededError 限额超限，带类型化原因供调用方分支
// 属于可恢复的业务拒绝，不是系统错误
type LimitExceededError struct {
	Kind      string
	Limit     decimal.Decimal
	Attempted decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("超出交易限额[%s]: 限额=%s, 本次累计=%s", e.Kind, e.Limit.String(), e.Attempted.String())
}

// EffectiveLimits 限额解析结果
type EffectiveLimits struct {
	Tier           int             `json:"tier"`
	Unbounded      bool            `json:"unbounded"` // tier 3 不设限
	PerTransaction decimal.Decimal `json:"per_transaction"`
	Daily          decimal.Decimal `json:"daily"`
	Monthly        decimal.Decimal `json:"monthly"`
	Source         string          `json:"source"` // user_override / tier_default / floor
}

// 配置缺失时的写死兜底，保证限额检查永远有值可用
var builtinTierFloors = map[int][3]float64{
	0: {10000, 50000, 200000},
	1: {100000, 500000, 2000000},
	2: {500000, 2000000, 10000000},
}

// LimitService 交易限额执行器
// 等级每次实时读取；检查在锁外先跑一遍快速拒绝，
// 再在持有钱包行锁的事务里用 tx 复查一遍，堵住检查与扣款之间的竞态
type LimitService struct {
	db         *gorm.DB
	cfg        *config.Config
	clk        clock.Clock
	limitRepo  *repository.LimitRepository
	ledgerRepo *repository.LedgerRepository
}

func NewLimitService(db *gorm.DB, cfg *config.Config, clk clock.Clock) *LimitService {
	return &LimitService{
		db:         db,
		cfg:        cfg,
		clk:        clk,
		limitRepo:  repository.NewLimitRepository(db),
		ledgerRepo: repository.NewLedgerRepository(db),
	}
}

// EffectiveLimits 解析用户当前生效限额
// 优先级：用户覆盖 > 等级默认行 > 配置兜底 > 写死兜底
func (s *LimitService) EffectiveLimits(ctx context.Context, userID int64) (*EffectiveLimits, error) {
	tier, err := s.limitRepo.GetUserTier(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("读取用户等级失败: %w", err)
	}

	if tier >= 3 {
		return &EffectiveLimits{Tier: tier, Unbounded: true, Source: "tier_default"}, nil
	}

	override, err := s.limitRepo.GetUserOverride(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("读取用户限额覆盖失败: %w", err)
	}
	if override != nil {
		return &EffectiveLimits{
			Tier:           tier,
			PerTransaction: override.PerTransactionLimit,
			Daily:          override.DailyLimit,
			Monthly:        override.MonthlyLimit,
			Source:         "user_override",
		}, nil
	}

	tierLimit, err := s.limitRepo.GetTierLimit(ctx, tier)
	if err != nil {
		return nil, fmt.Errorf("读取等级限额失败: %w", err)
	}
	if tierLimit != nil {
		return &EffectiveLimits{
			Tier:           tier,
			PerTransaction: tierLimit.PerTransactionLimit,
			Daily:          tierLimit.DailyLimit,
			Monthly:        tierLimit.MonthlyLimit,
			Source:         "tier_default",
		}, nil
	}

	return s.floorLimits(tier), nil
}

func (s *LimitService) floorLimits(tier int) *EffectiveLimits {
	for _, floor := range s.cfg.Limits.TierFloors {
		if floor.Tier == tier {
			return &EffectiveLimits{
				Tier:           tier,
				PerTransaction: decimal.NewFromFloat(floor.PerTransaction),
				Daily:          decimal.NewFromFloat(floor.Daily),
				Monthly:        decimal.NewFromFloat(floor.Monthly),
				Source:         "floor",
			}
		}
	}

	floor := builtinTierFloors[tier]
	return &EffectiveLimits{
		Tier:           tier,
		PerTransaction: decimal.NewFromFloat(floor[0]),
		Daily:          decimal.NewFromFloat(floor[1]),
		Monthly:        decimal.NewFromFloat(floor[2]),
		Source:         "floor",
	}
}

// Check 校验一笔预期支出
// 顺序：单笔上限 -> 滚动24小时借记累计 -> 自然月借记累计
// tx 为 nil 时是锁外预检；在锁定事务内复查时传 tx，
// 窗口累计读到的就是当前事务视角下的一致数据
func (s *LimitService) Check(ctx context.Context, tx *gorm.DB, userID, walletID int64, amount decimal.Decimal) error {
	limits, err := s.EffectiveLimits(ctx, userID)
	if err != nil {
		return err
	}
	if limits.Unbounded {
		return nil
	}

	if amount.GreaterThan(limits.PerTransaction) {
		return &LimitExceededError{
			Kind:      LimitKindPerTransaction,
			Limit:     limits.PerTransaction,
			Attempted: amount,
		}
	}

	now := s.clk.Now()

	dayStart := now.Add(-24 * time.Hour)
	daySum, err := s.ledgerRepo.SumDebitsBetween(ctx, tx, walletID, dayStart, now.Add(time.Second))
	if err != nil {
		return fmt.Errorf("统计24小时支出失败: %w", err)
	}
	if daySum.Add(amount).GreaterThan(limits.Daily) {
		return &LimitExceededError{
			Kind:      LimitKindDaily,
			Limit:     limits.Daily,
			Attempted: daySum.Add(amount),
		}
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	monthSum, err := s.ledgerRepo.SumDebitsBetween(ctx, tx, walletID, monthStart, now.Add(time.Second))
	if err != nil {
		return fmt.Errorf("统计月度支出失败: %w", err)
	}
	if monthSum.Add(amount).GreaterThan(limits.Monthly) {
		return &LimitExceededError{
			Kind:      LimitKindMonthly,
			Limit:     limits.Monthly,
			Attempted: monthSum.Add(amount),
		}
	}

	return nil
}

// SetTierDefault 维护等级默认限额行（合规管理入口）
func (s *LimitService) SetTierDefault(ctx context.Context, tier int, perTransaction, daily, monthly decimal.Decimal) error {
	if tier < 0 || tier > 3 {
		return repository.ErrTierOutOfRange
	}
	return s.limitRepo.SaveTierLimit(ctx, &model.TransactionLimit{
		Tier:                tier,
		PerTransactionLimit: perTransaction,
		DailyLimit:          daily,
		MonthlyLimit:        monthly,
	})
}

// SetUserOverride 设置用户级限额覆盖
func (s *LimitService) SetUserOverride(ctx context.Context, userID int64, perTransaction, daily, monthly decimal.Decimal, reason string) error {
	return s.limitRepo.SaveUserOverride(ctx, &model.UserTransactionLimit{
		UserID:              userID,
		PerTransactionLimit: perTransaction,
		DailyLimit:          daily,
		MonthlyLimit:        monthly,
		Reason:              reason,
	})
}
