package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 订单状态机（订单本体由外部交易系统维护，核心只关心与托管相关的流转）
// ============================================================================

const (
	OrderStatusActive         = "ACTIVE"
	OrderStatusInEscrow       = "IN_ESCROW"
	OrderStatusCompleted      = "COMPLETED"
	OrderStatusDisputed       = "DISPUTED"
	OrderStatusResolvedBuyer  = "RESOLVED_BUYER"
	OrderStatusResolvedSeller = "RESOLVED_SELLER"
	OrderStatusResolvedRefund = "RESOLVED_REFUND"
)

var ValidOrderStatusTransitions = map[string][]string{
	OrderStatusActive:   {OrderStatusInEscrow},
	OrderStatusInEscrow: {OrderStatusCompleted, OrderStatusDisputed},
	OrderStatusDisputed: {OrderStatusResolvedBuyer, OrderStatusResolvedSeller, OrderStatusResolvedRefund},
}

func CanOrderTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidOrderStatusTransitions[currentStatus]
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

// ============================================================================
// 托管锁
// ============================================================================

const (
	LockTypeOrderPayment = "ORDER_PAYMENT"
	LockTypeDisputeHold  = "DISPUTE_HOLD"
)

// EscrowLock 托管锁表
// 订单进入 IN_ESCROW 时创建；released_at / refunded_at 至多一个被置位
// （释放与退款互斥），置位后即终态，重复操作必须被拒绝
type EscrowLock struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	LockNo       string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"lock_no"`    // 托管单号
	OrderNo      string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`   // 外部订单号，一单一锁
	WalletID     int64           `gorm:"index;not null" json:"wallet_id"`                         // 买家钱包
	Amount       decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`               // 锁定金额（全额）
	PlatformFee  decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"platform_fee"`
	LockType     string          `gorm:"type:varchar(20);not null;default:ORDER_PAYMENT" json:"lock_type"`
	OrderStatus  string          `gorm:"type:varchar(20);not null;default:IN_ESCROW" json:"order_status"` // 托管视角的订单状态

	SellerAmount decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"seller_amount"` // 实际放款给卖家的金额（分账时 < Amount）
	BuyerAmount  decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"buyer_amount"`  // 实际退回买家的金额
	LockedAt     time.Time       `gorm:"not null" json:"locked_at"`
	ReleasedAt   *time.Time      `json:"released_at"`
	RefundedAt   *time.Time      `json:"refunded_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EscrowLock) TableName() string {
	return "escrow_locks"
}

// Settled 托管是否已终态（已释放或已退款）
func (l *EscrowLock) Settled() bool {
	return l.ReleasedAt != nil || l.RefundedAt != nil
}

// CanResolveTo 结算前校验订单状态流转
// 退款与分账属于争议处理，允许经由 DISPUTED 一步到达裁决终态
func (l *EscrowLock) CanResolveTo(target string) bool {
	if CanOrderTransitionTo(l.OrderStatus, target) {
		return true
	}
	return CanOrderTransitionTo(l.OrderStatus, OrderStatusDisputed) &&
		CanOrderTransitionTo(OrderStatusDisputed, target)
}
