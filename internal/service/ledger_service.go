package service

import (
	"context"
	"time"

	"marketpay/internal/model"
	"marketpay/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerService 复式账本
// 所有资金移动的唯一入口是 Record；分录写入即不可变，
// 借贷不平的整组分录在提交前被拒绝，绝不落库
type LedgerService struct {
	db         *gorm.DB
	ledgerRepo *repository.LedgerRepository
}

func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{
		db:         db,
		ledgerRepo: repository.NewLedgerRepository(db),
	}
}

// EntryInput 一条分录的录入参数
type EntryInput struct {
	WalletID    int64
	Kind        string // DEBIT / CREDIT
	Leg         string // AVAILABLE / HOLD，空值按 AVAILABLE 处理
	Amount      decimal.Decimal
	Description string
	RefTable    string
	RefID       int64
}

// Record 同一交易号下写入全部分录，全有或全无
// 调用方把资金事务的 tx 传进来，分录和余额缓存更新一起提交或一起回滚
func (s *LedgerService) Record(ctx context.Context, tx *gorm.DB, transactionID string, inputs []EntryInput) ([]*model.LedgerEntry, error) {
	entries := make([]*model.LedgerEntry, 0, len(inputs))
	for _, in := range inputs {
		leg := in.Leg
		if leg == "" {
			leg = model.LedgerLegAvailable
		}
		entries = append(entries, &model.LedgerEntry{
			TransactionID: transactionID,
			WalletID:      in.WalletID,
			Kind:          in.Kind,
			Leg:           leg,
			Amount:        in.Amount,
			Description:   in.Description,
			RefTable:      in.RefTable,
			RefID:         in.RefID,
		})
	}

	if err := s.ledgerRepo.CreateEntries(ctx, tx, transactionID, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// BalanceOf 账本侧权威余额，可选时点重放
func (s *LedgerService) BalanceOf(ctx context.Context, walletID int64, asOf *time.Time) (decimal.Decimal, error) {
	return s.ledgerRepo.BalanceOf(ctx, walletID, asOf)
}

// EntriesByTransaction SAR 申报与审计读取，只读
func (s *LedgerService) EntriesByTransaction(ctx context.Context, transactionID string) ([]*model.LedgerEntry, error) {
	return s.ledgerRepo.ListByTransactionID(ctx, transactionID)
}

func (s *LedgerService) EntriesByWallet(ctx context.Context, walletID int64, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	return s.ledgerRepo.ListByWalletID(ctx, walletID, page, pageSize)
}
