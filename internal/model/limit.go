package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易限额与等级
// ============================================================================
//
// 等级（tier）0-3 由 KYC 审核结果决定，限额解析优先级：
//   用户级覆盖（user_transaction_limits）> 等级默认（transaction_limits）> 配置兜底
// tier 3 视为无限额。限额检查每次都实时读取用户当前等级，不做缓存，
// 保证降级立刻生效。

const (
	TierMin = 0
	TierMax = 3
)

// UserTier 用户等级表
type UserTier struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	Tier      int       `gorm:"not null;default:0" json:"tier"`
	KYCLevel  string    `gorm:"type:varchar(32)" json:"kyc_level"` // 最近一次通过的 KYC 级别
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserTier) TableName() string {
	return "user_tiers"
}

// TransactionLimit 等级默认限额表
type TransactionLimit struct {
	ID                  int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Tier                int             `gorm:"uniqueIndex;not null" json:"tier"`
	PerTransactionLimit decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"per_transaction_limit"`
	DailyLimit          decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"daily_limit"`
	MonthlyLimit        decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"monthly_limit"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TransactionLimit) TableName() string {
	return "transaction_limits"
}

// UserTransactionLimit 用户级限额覆盖表（合规人工设定，优先于等级默认）
type UserTransactionLimit struct {
	ID                  int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID              int64           `gorm:"uniqueIndex;not null" json:"user_id"`
	PerTransactionLimit decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"per_transaction_limit"`
	DailyLimit          decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"daily_limit"`
	MonthlyLimit        decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"monthly_limit"`
	Reason              string          `gorm:"type:varchar(256)" json:"reason"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserTransactionLimit) TableName() string {
	return "user_transaction_limits"
}

// ============================================================================
// 等级变更审计
// ============================================================================

const (
	TierActorSystem     = "SYSTEM"
	TierActorCompliance = "COMPLIANCE"
	TierActorKYC        = "KYC"
)

// TierChange 等级变更审计表，晋升与降级都要留痕
type TierChange struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64     `gorm:"index;not null" json:"user_id"`
	FromTier       int       `gorm:"not null" json:"from_tier"`
	ToTier         int       `gorm:"not null" json:"to_tier"`
	Reason         string    `gorm:"type:varchar(256);not null" json:"reason"`
	Actor          string    `gorm:"type:varchar(32);not null" json:"actor"` // 触发方：SYSTEM/COMPLIANCE/KYC
	AffectedLimits bool      `gorm:"not null;default:true" json:"affected_limits"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (TierChange) TableName() string {
	return "tier_changes"
}

const (
	ViolationKindCriticalAlerts = "CRITICAL_ALERTS"
	ViolationKindSanctionsMatch = "SANCTIONS_MATCH"
)

// TierViolation 违规记录表（触发自动降级的依据之一）
type TierViolation struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"index;not null" json:"user_id"`
	Kind      string    `gorm:"type:varchar(64);not null" json:"kind"` // 如 CRITICAL_ALERTS / SANCTIONS_MATCH
	Detail    string    `gorm:"type:varchar(512)" json:"detail"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (TierViolation) TableName() string {
	return "tier_violations"
}
