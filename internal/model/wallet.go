package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	WalletStatusActive = "ACTIVE"
	WalletStatusFrozen = "FROZEN"
	WalletStatusClosed = "CLOSED"
)

// ValidWalletStatusTransitions 钱包状态机
// ACTIVE <-> FROZEN 可逆，CLOSED 为终态（只有余额为零时才允许关闭）
var ValidWalletStatusTransitions = map[string][]string{
	WalletStatusActive: {WalletStatusFrozen, WalletStatusClosed},
	WalletStatusFrozen: {WalletStatusActive, WalletStatusClosed},
}

func CanWalletTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidWalletStatusTransitions[currentStatus]
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

// Wallet 用户钱包表
// 余额字段是账本（ledger_entries）的缓存投影，不是资金的权威来源
// 任何读余额再写余额的操作必须在同一事务内持有行锁（FOR UPDATE）
type Wallet struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID            int64           `gorm:"uniqueIndex;not null" json:"user_id"`                                 // 用户ID，1:1
	Currency          string          `gorm:"type:varchar(8);not null;default:CNY" json:"currency"`                // 币种
	AvailableBalance  decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"available_balance"`      // 可用余额
	LockedEscrowFunds decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"locked_escrow_funds"`    // 托管冻结金额
	Status            string          `gorm:"type:varchar(16);index;not null;default:ACTIVE" json:"status"`        // ACTIVE/FROZEN/CLOSED
	Version           int             `gorm:"not null;default:0" json:"version"`                                   // 乐观锁版本号
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}

// TotalBalance 总余额 = 可用 + 托管冻结
// 始终即时计算，不单独落库，对应账本侧 BalanceOf 的结果
func (w *Wallet) TotalBalance() decimal.Decimal {
	return w.AvailableBalance.Add(w.LockedEscrowFunds)
}
