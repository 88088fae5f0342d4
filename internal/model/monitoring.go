package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易监控（KYC/AML 合规）
// ============================================================================
//
// 规则引擎消费交易完成后的事件流，按 priority 升序逐条评估启用的规则。
// 一笔交易可以同时命中多种类型的规则，产生多条告警，互不去重。
// 规则评估只读，出错只记日志，绝不阻塞或回滚触发它的资金交易。

const (
	RuleTypeVelocity  = "velocity"
	RuleTypeThreshold = "threshold"
	RuleTypePattern   = "pattern"
	RuleTypeCategory  = "category"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// TransactionMonitoringRule 监控规则表
// Conditions 为 JSON 结构化参数，字段含义随 Type 不同而不同
type TransactionMonitoringRule struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string    `gorm:"type:varchar(128);not null" json:"name"`
	Type       string    `gorm:"type:varchar(20);index;not null" json:"type"`
	Severity   string    `gorm:"type:varchar(16);not null" json:"severity"`
	Conditions string    `gorm:"type:text;not null" json:"conditions"`
	Active     bool      `gorm:"index;not null;default:true" json:"active"`
	Priority   int       `gorm:"index;not null;default:100" json:"priority"` // 越小越先评估
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TransactionMonitoringRule) TableName() string {
	return "transaction_monitoring_rules"
}

// ============================================================================
// 可疑活动告警
// ============================================================================

const (
	AlertStatusNew           = "new"
	AlertStatusInvestigating = "investigating"
	AlertStatusResolved      = "resolved"
	AlertStatusFalsePositive = "false_positive"
)

var ValidAlertStatusTransitions = map[string][]string{
	AlertStatusNew:           {AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusInvestigating: {AlertStatusResolved, AlertStatusFalsePositive},
}

func CanAlertTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidAlertStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// SuspiciousActivityAlert 可疑活动告警表
// 由规则引擎创建，只能由合规审查流转状态；是 SAR 申报的数据来源
type SuspiciousActivityAlert struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AlertNo       string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"alert_no"`
	UserID        int64     `gorm:"index;not null" json:"user_id"`
	TransactionID string    `gorm:"type:varchar(64);index" json:"transaction_id"` // 触发告警的交易
	RuleID        int64     `gorm:"index;not null" json:"rule_id"`
	RuleType      string    `gorm:"type:varchar(20);not null" json:"rule_type"`
	Severity      string    `gorm:"type:varchar(16);not null" json:"severity"`
	Status        string    `gorm:"type:varchar(20);index;not null;default:new" json:"status"`
	AlertData     string    `gorm:"type:text" json:"alert_data"` // 命中现场快照（JSON）
	RiskScore     int       `gorm:"not null" json:"risk_score"`  // 0-100
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SuspiciousActivityAlert) TableName() string {
	return "suspicious_activity_alerts"
}

// AlertClosed 告警是否已关闭（已处理或误报）
func (a *SuspiciousActivityAlert) AlertClosed() bool {
	return a.Status == AlertStatusResolved || a.Status == AlertStatusFalsePositive
}

// ============================================================================
// 用户风险画像
// ============================================================================

const (
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// UserRiskProfile 用户风险画像表
// 每次告警创建或关闭后重算；overall = velocity*0.4 + pattern*0.3 + (100-compliance)*0.3
// （权重可配置），结果截断到 [0,100]
type UserRiskProfile struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	OverallRiskScore float64   `gorm:"not null;default:0" json:"overall_risk_score"`
	RiskLevel        string    `gorm:"type:varchar(16);not null;default:low" json:"risk_level"`
	VelocityScore    float64   `gorm:"not null;default:0" json:"velocity_score"`
	PatternScore     float64   `gorm:"not null;default:0" json:"pattern_score"`
	ComplianceScore  float64   `gorm:"not null;default:100" json:"compliance_score"`
	TotalAlerts      int       `gorm:"not null;default:0" json:"total_alerts"`
	ResolvedAlerts   int       `gorm:"not null;default:0" json:"resolved_alerts"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserRiskProfile) TableName() string {
	return "user_risk_profiles"
}

// ============================================================================
// 交易事件（规则引擎自己的活动窗口，与账本解耦）
// ============================================================================

const (
	EventKindEscrowLock    = "ESCROW_LOCK"
	EventKindEscrowRelease = "ESCROW_RELEASE"
	EventKindEscrowRefund  = "ESCROW_REFUND"
	EventKindDeposit       = "DEPOSIT"
	EventKindWithdrawal    = "WITHDRAWAL"
)

const (
	EventStatusSuccess = "SUCCESS"
	EventStatusFailed  = "FAILED"
)

// TransactionEvent 交易事件表
// 由 Kafka 事件流落库，规则引擎的时间窗查询都走这张表，
// 不对账本/钱包表加任何锁；失败的尝试（限额拒绝、余额不足）也入表，
// 供 pattern 规则的失败次数窗口使用
type TransactionEvent struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID string          `gorm:"type:varchar(64);index" json:"transaction_id"`
	UserID        int64           `gorm:"index;not null" json:"user_id"`
	WalletID      int64           `gorm:"index" json:"wallet_id"`
	Kind          string          `gorm:"type:varchar(20);not null" json:"kind"`
	Status        string          `gorm:"type:varchar(10);index;not null" json:"status"`
	Amount        decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`
	Category      string          `gorm:"type:varchar(64)" json:"category"` // 商品/商户类目，category 规则使用
	OccurredAt    time.Time       `gorm:"index;not null" json:"occurred_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (TransactionEvent) TableName() string {
	return "transaction_events"
}
