package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/infrastructure/lock"
	"marketpay/internal/model"
	"marketpay/internal/repository"
	"marketpay/pkg/clock"
	"marketpay/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WalletService 钱包服务
// 余额字段只是账本的缓存投影：入金/出金先写平账分录，再在同一个
// 数据库事务里更新缓存字段，任何一步失败整体回滚
type WalletService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	clk         clock.Clock
	walletRepo  *repository.WalletRepository
	escrowRepo  *repository.EscrowRepository
	outboxRepo  *repository.OutboxRepository
	ledgerSvc   *LedgerService
	limitSvc    *LimitService
}

func NewWalletService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, clk clock.Clock) *WalletService {
	return &WalletService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		clk:         clk,
		walletRepo:  repository.NewWalletRepository(db),
		escrowRepo:  repository.NewEscrowRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		ledgerSvc:   NewLedgerService(db),
		limitSvc:    NewLimitService(db, cfg, clk),
	}
}

// EnsureSystemWallets 启动时确保金库与手续费钱包存在
func (s *WalletService) EnsureSystemWallets(ctx context.Context) error {
	if _, err := s.walletRepo.GetOrCreate(ctx, s.cfg.Business.TreasuryUserID, s.cfg.Business.Currency); err != nil {
		return fmt.Errorf("创建金库钱包失败: %w", err)
	}
	if _, err := s.walletRepo.GetOrCreate(ctx, s.cfg.Business.PlatformFeeUserID, s.cfg.Business.Currency); err != nil {
		return fmt.Errorf("创建手续费钱包失败: %w", err)
	}
	return nil
}

func (s *WalletService) isSystemWallet(wallet *model.Wallet) bool {
	return wallet.UserID == s.cfg.Business.TreasuryUserID || wallet.UserID == s.cfg.Business.PlatformFeeUserID
}

// GetOrCreate 用户开户时创建钱包
func (s *WalletService) GetOrCreate(ctx context.Context, userID int64) (*model.Wallet, error) {
	return s.walletRepo.GetOrCreate(ctx, userID, s.cfg.Business.Currency)
}

func (s *WalletService) GetByUserID(ctx context.Context, userID int64) (*model.Wallet, error) {
	return s.walletRepo.GetByUserID(ctx, userID)
}

// HasSufficientBalance 只读预检，不构成并发保护（真正的保护在锁定事务里）
func (s *WalletService) HasSufficientBalance(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	wallet, err := s.walletRepo.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	return wallet.AvailableBalance.GreaterThanOrEqual(amount), nil
}

// requireActive 资金操作前的状态校验
func requireActive(wallet *model.Wallet) error {
	switch wallet.Status {
	case model.WalletStatusActive:
		return nil
	case model.WalletStatusFrozen:
		return repository.ErrWalletFrozen
	default:
		return repository.ErrWalletClosed
	}
}

type MoveFundsRequest struct {
	RequestID   string
	UserID      int64
	Amount      decimal.Decimal
	Description string
}

// Deposit 外部入金
// 复式记账：贷记用户钱包，借记金库钱包（金库是外部资金的镜像，允许为负）
func (s *WalletService) Deposit(ctx context.Context, req *MoveFundsRequest) (string, error) {
	if !req.Amount.IsPositive() {
		return "", errors.New("入金金额必须大于零")
	}

	wallet, err := s.walletRepo.GetOrCreate(ctx, req.UserID, s.cfg.Business.Currency)
	if err != nil {
		return "", fmt.Errorf("获取钱包失败: %w", err)
	}

	walletLock := lock.NewWalletLock(s.redisClient, wallet.ID, req.RequestID)
	if err := walletLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return "", fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer walletLock.Unlock(ctx)

	treasury, err := s.walletRepo.GetByUserID(ctx, s.cfg.Business.TreasuryUserID)
	if err != nil {
		return "", fmt.Errorf("获取金库钱包失败: %w", err)
	}

	transactionID := idgen.GenerateTransactionNo()
	now := s.clk.Now()

	err = s.db.Transaction(func(tx *gorm.DB) error {
		wallets, err := s.walletRepo.GetManyForUpdate(ctx, tx, []int64{wallet.ID, treasury.ID})
		if err != nil {
			return err
		}
		if err := requireActive(wallets[wallet.ID]); err != nil {
			return err
		}

		_, err = s.ledgerSvc.Record(ctx, tx, transactionID, []EntryInput{
			{WalletID: treasury.ID, Kind: model.LedgerKindDebit, Amount: req.Amount, Description: "入金-" + req.Description, RefTable: "wallet", RefID: wallet.ID},
			{WalletID: wallet.ID, Kind: model.LedgerKindCredit, Amount: req.Amount, Description: "入金-" + req.Description, RefTable: "wallet", RefID: wallet.ID},
		})
		if err != nil {
			return err
		}

		if err := s.walletRepo.ApplyBalanceChange(ctx, tx, wallet.ID, req.Amount, decimal.Zero, false); err != nil {
			return err
		}
		if err := s.walletRepo.ApplyBalanceChange(ctx, tx, treasury.ID, req.Amount.Neg(), decimal.Zero, true); err != nil {
			return err
		}

		return enqueueTransactionEvent(ctx, tx, s.outboxRepo, s.cfg, &TransactionEventMessage{
			TransactionID: transactionID,
			UserID:        req.UserID,
			WalletID:      wallet.ID,
			Kind:          model.EventKindDeposit,
			Status:        model.EventStatusSuccess,
			Amount:        req.Amount,
			OccurredAt:    now,
		})
	})
	if err != nil {
		return "", err
	}

	log.Printf("入金成功: transactionID=%s, userID=%d, amount=%s", transactionID, req.UserID, req.Amount.String())
	return transactionID, nil
}

// Withdraw 外部出金
// 限额先在锁外预检快速拒绝，再在锁定事务内复查；
// 余额不足/限额拒绝作为失败事件发布，供 pattern 规则的失败窗口使用
func (s *WalletService) Withdraw(ctx context.Context, req *MoveFundsRequest) (string, error) {
	if !req.Amount.IsPositive() {
		return "", errors.New("出金金额必须大于零")
	}

	wallet, err := s.walletRepo.GetByUserID(ctx, req.UserID)
	if err != nil {
		return "", err
	}

	if err := s.limitSvc.Check(ctx, nil, req.UserID, wallet.ID, req.Amount); err != nil {
		s.publishFailure(ctx, req.UserID, wallet.ID, model.EventKindWithdrawal, req.Amount)
		return "", err
	}

	walletLock := lock.NewWalletLock(s.redisClient, wallet.ID, req.RequestID)
	if err := walletLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return "", fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer walletLock.Unlock(ctx)

	treasury, err := s.walletRepo.GetByUserID(ctx, s.cfg.Business.TreasuryUserID)
	if err != nil {
		return "", fmt.Errorf("获取金库钱包失败: %w", err)
	}

	transactionID := idgen.GenerateTransactionNo()
	now := s.clk.Now()

	err = s.db.Transaction(func(tx *gorm.DB) error {
		wallets, err := s.walletRepo.GetManyForUpdate(ctx, tx, []int64{wallet.ID, treasury.ID})
		if err != nil {
			return err
		}
		locked := wallets[wallet.ID]
		if err := requireActive(locked); err != nil {
			return err
		}

		// 锁内复查限额，堵住检查通过与扣款之间的竞态
		if err := s.limitSvc.Check(ctx, tx, req.UserID, wallet.ID, req.Amount); err != nil {
			return err
		}

		if locked.AvailableBalance.LessThan(req.Amount) {
			return repository.ErrInsufficientBalance
		}

		_, err = s.ledgerSvc.Record(ctx, tx, transactionID, []EntryInput{
			{WalletID: wallet.ID, Kind: model.LedgerKindDebit, Amount: req.Amount, Description: "出金-" + req.Description, RefTable: "wallet", RefID: wallet.ID},
			{WalletID: treasury.ID, Kind: model.LedgerKindCredit, Amount: req.Amount, Description: "出金-" + req.Description, RefTable: "wallet", RefID: wallet.ID},
		})
		if err != nil {
			return err
		}

		if err := s.walletRepo.ApplyBalanceChange(ctx, tx, wallet.ID, req.Amount.Neg(), decimal.Zero, false); err != nil {
			return err
		}
		if err := s.walletRepo.ApplyBalanceChange(ctx, tx, treasury.ID, req.Amount, decimal.Zero, true); err != nil {
			return err
		}

		return enqueueTransactionEvent(ctx, tx, s.outboxRepo, s.cfg, &TransactionEventMessage{
			TransactionID: transactionID,
			UserID:        req.UserID,
			WalletID:      wallet.ID,
			Kind:          model.EventKindWithdrawal,
			Status:        model.EventStatusSuccess,
			Amount:        req.Amount,
			OccurredAt:    now,
		})
	})
	if err != nil {
		if isDeniedTransaction(err) {
			s.publishFailure(ctx, req.UserID, wallet.ID, model.EventKindWithdrawal, req.Amount)
		}
		return "", err
	}

	log.Printf("出金成功: transactionID=%s, userID=%d, amount=%s", transactionID, req.UserID, req.Amount.String())
	return transactionID, nil
}

// publishFailure 失败事件不在资金事务里（事务已回滚或没有开启），直接落发件箱
func (s *WalletService) publishFailure(ctx context.Context, userID, walletID int64, kind string, amount decimal.Decimal) {
	err := enqueueTransactionEvent(ctx, nil, s.outboxRepo, s.cfg, &TransactionEventMessage{
		UserID:     userID,
		WalletID:   walletID,
		Kind:       kind,
		Status:     model.EventStatusFailed,
		Amount:     amount,
		OccurredAt: s.clk.Now(),
	})
	if err != nil {
		log.Printf("记录失败事件失败: userID=%d, kind=%s, err=%v", userID, kind, err)
	}
}

// Freeze 冻结钱包（合规动作），冻结期间拒绝一切资金操作
func (s *WalletService) Freeze(ctx context.Context, userID int64) error {
	wallet, err := s.walletRepo.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	return s.walletRepo.UpdateStatus(ctx, nil, wallet.ID, model.WalletStatusActive, model.WalletStatusFrozen)
}

// Unfreeze 解冻
func (s *WalletService) Unfreeze(ctx context.Context, userID int64) error {
	wallet, err := s.walletRepo.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	return s.walletRepo.UpdateStatus(ctx, nil, wallet.ID, model.WalletStatusFrozen, model.WalletStatusActive)
}

// Close 关闭钱包，终态
// 只有总余额为零且没有在途托管时允许，行锁下校验防止并发入金穿插
func (s *WalletService) Close(ctx context.Context, userID int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		if !wallet.TotalBalance().IsZero() {
			return repository.ErrNonZeroBalance
		}

		unsettled, err := s.escrowRepo.ListUnsettledByWalletID(ctx, wallet.ID)
		if err != nil {
			return err
		}
		if len(unsettled) > 0 {
			return repository.ErrNonZeroBalance
		}

		return s.walletRepo.UpdateStatus(ctx, tx, wallet.ID, wallet.Status, model.WalletStatusClosed)
	})
}

// ReconcileResult 对账结果
type ReconcileResult struct {
	WalletID      int64           `json:"wallet_id"`
	CachedTotal   decimal.Decimal `json:"cached_total"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Discrepancy   decimal.Decimal `json:"discrepancy"`
	InTolerance   bool            `json:"in_tolerance"`
}

// Reconcile 缓存余额与账本余额对账
// 差异超容差说明出现了绕过账本的余额变更，属于数据完整性事故，
// 周期任务会大声记日志，绝不自动修正
func (s *WalletService) Reconcile(ctx context.Context, walletID int64) (*ReconcileResult, error) {
	wallet, err := s.walletRepo.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}

	ledgerBalance, err := s.ledgerSvc.BalanceOf(ctx, walletID, nil)
	if err != nil {
		return nil, err
	}

	cached := wallet.TotalBalance()
	discrepancy := cached.Sub(ledgerBalance)

	return &ReconcileResult{
		WalletID:      walletID,
		CachedTotal:   cached,
		LedgerBalance: ledgerBalance,
		Discrepancy:   discrepancy,
		InTolerance:   discrepancy.Abs().LessThanOrEqual(model.LedgerBalanceTolerance),
	}, nil
}

// ListActiveWallets 对账任务分页扫描
func (s *WalletService) ListActiveWallets(ctx context.Context, afterID int64, limit int) ([]*model.Wallet, error) {
	return s.walletRepo.ListActive(ctx, afterID, limit)
}
