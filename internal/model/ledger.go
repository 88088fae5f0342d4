package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// 复式账本
// ============================================================================
//
// 【账本表设计原则】
// 1. 只追加，不修改，不删除 —— 所有余额的权威来源，审计可追溯
// 2. 同一 transaction_id 下借贷必须平账（Σ借 == Σ贷，容差 0.01）
// 3. 金额恒为正数，方向由 kind 表达（CREDIT 入账 / DEBIT 出账）
// 4. 每条分录携带业务引用（表名+ID），便于对账与 SAR 取证
//
// 数据库层应当用触发器/约束拒绝 UPDATE/DELETE；这里的 gorm 钩子是
// 应用层的第二道防线，目标库不支持触发器时依然兜底。

const (
	LedgerKindDebit  = "DEBIT"
	LedgerKindCredit = "CREDIT"
)

// 分录落在钱包的哪个子账户上
// AVAILABLE 是可用余额，HOLD 是托管冻结——托管锁定就是同一钱包内
// AVAILABLE 借、HOLD 贷的平账对，钱包总余额（账本视角）不变
const (
	LedgerLegAvailable = "AVAILABLE"
	LedgerLegHold      = "HOLD"
)

// ErrImmutableLedger 账本分录不可变更
var ErrImmutableLedger = errors.New("账本分录不可修改或删除")

// LedgerEntry 账本分录表
type LedgerEntry struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID string          `gorm:"type:varchar(64);index;not null" json:"transaction_id"` // 同一笔交易的分录共享
	WalletID      int64           `gorm:"index;not null" json:"wallet_id"`
	Kind          string          `gorm:"type:varchar(8);not null" json:"kind"`                  // DEBIT / CREDIT
	Leg           string          `gorm:"type:varchar(12);not null;default:AVAILABLE" json:"leg"` // AVAILABLE / HOLD 子账户
	Amount        decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`             // 恒为正
	Description   string          `gorm:"type:varchar(256)" json:"description"`
	RefTable      string          `gorm:"type:varchar(64)" json:"ref_table"` // 业务引用表名
	RefID         int64           `gorm:"index" json:"ref_id"`               // 业务引用ID
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// BeforeUpdate 拒绝一切更新，修正错账只能追加红冲分录
func (LedgerEntry) BeforeUpdate(*gorm.DB) error {
	return ErrImmutableLedger
}

// BeforeDelete 拒绝一切删除
func (LedgerEntry) BeforeDelete(*gorm.DB) error {
	return ErrImmutableLedger
}

// SignedAmount 带符号金额：贷记为正，借记为负
func (e *LedgerEntry) SignedAmount() decimal.Decimal {
	if e.Kind == LedgerKindDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// LedgerBalanceTolerance 平账容差（货币单位 0.01）
var LedgerBalanceTolerance = decimal.NewFromFloat(0.01)
