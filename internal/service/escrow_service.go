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

var (
	ErrInvalidFeePercent = errors.New("手续费比例必须在 [0,1) 区间")
	ErrSplitMismatch     = errors.New("分账金额之和必须精确等于托管金额")
)

// EscrowService 托管引擎
//
// 订单状态机：ACTIVE -> IN_ESCROW -> {COMPLETED | DISPUTED}
//            DISPUTED -> {RESOLVED_BUYER | RESOLVED_SELLER | RESOLVED_REFUND}
// 订单本体归外部交易系统，这里只负责随状态流转搬钱：
//   锁定：买家钱包内 AVAILABLE 借 / HOLD 贷 的平账对，总余额不变
//   释放：HOLD 借出，卖家与手续费钱包贷入，一个 transaction_id 内平账
//   退款：HOLD 借出，原路贷回买家 AVAILABLE，全额无手续费
// 每条路径都是单个数据库事务 + 行锁，多钱包按 ID 升序加锁防死锁
type EscrowService struct {
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

func NewEscrowService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, clk clock.Clock) *EscrowService {
	return &EscrowService{
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

type LockRequest struct {
	RequestID   string          `json:"request_id"`
	OrderNo     string          `json:"order_no"`
	BuyerUserID int64           `json:"buyer_user_id"`
	Amount      decimal.Decimal `json:"amount"`
	FeePercent  decimal.Decimal `json:"fee_percent"` // 如 0.025 表示 2.5%
	LockType    string          `json:"lock_type"`
	Category    string          `json:"category"` // 商品类目，监控规则使用
}

// Lock 订单进入 IN_ESCROW：锁定买家资金
// 幂等：一单一锁，订单号已有托管锁直接返回
// 限额检查先在锁外预检，再在持钱包行锁的事务内复查
func (s *EscrowService) Lock(ctx context.Context, req *LockRequest) (*model.EscrowLock, error) {
	if !req.Amount.IsPositive() {
		return nil, repository.ErrInvalidEntryAmount
	}
	if req.FeePercent.IsNegative() || req.FeePercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidFeePercent
	}

	// 幂等校验
	existing, err := s.escrowRepo.GetByOrderNo(ctx, req.OrderNo)
	if err != nil {
		return nil, fmt.Errorf("查询托管锁失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	buyerWallet, err := s.walletRepo.GetByUserID(ctx, req.BuyerUserID)
	if err != nil {
		return nil, err
	}

	// 锁外预检，快速拒绝（不构成保护，锁内还会复查）
	if err := s.limitSvc.Check(ctx, nil, req.BuyerUserID, buyerWallet.ID, req.Amount); err != nil {
		s.publishFailure(ctx, req.BuyerUserID, buyerWallet.ID, model.EventKindEscrowLock, req.Amount, req.Category)
		return nil, err
	}

	walletLock := lock.NewWalletLock(s.redisClient, buyerWallet.ID, req.RequestID)
	if err := walletLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer walletLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	existing, err = s.escrowRepo.GetByOrderNo(ctx, req.OrderNo)
	if err != nil {
		return nil, fmt.Errorf("查询托管锁失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	lockType := req.LockType
	if lockType == "" {
		lockType = model.LockTypeOrderPayment
	}

	platformFee := req.Amount.Mul(req.FeePercent).Round(2)
	transactionID := idgen.GenerateTransactionNo()
	now := s.clk.Now()

	escrowLock := &model.EscrowLock{
		LockNo:       idgen.GenerateEscrowNo(),
		OrderNo:      req.OrderNo,
		WalletID:     buyerWallet.ID,
		Amount:       req.Amount,
		PlatformFee:  platformFee,
		LockType:     lockType,
		OrderStatus:  model.OrderStatusInEscrow,
		SellerAmount: decimal.Zero,
		BuyerAmount:  decimal.Zero,
		LockedAt:     now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		lockedWallet, err := s.walletRepo.GetByIDForUpdate(ctx, tx, buyerWallet.ID)
		if err != nil {
			return err
		}
		if err := requireActive(lockedWallet); err != nil {
			return err
		}

		// 锁内复查限额
		if err := s.limitSvc.Check(ctx, tx, req.BuyerUserID, buyerWallet.ID, req.Amount); err != nil {
			return err
		}

		if lockedWallet.AvailableBalance.LessThan(req.Amount) {
			return repository.ErrInsufficientBalance
		}

		if err := s.escrowRepo.Create(ctx, tx, escrowLock); err != nil {
			return fmt.Errorf("创建托管锁失败: %w", err)
		}

		desc := fmt.Sprintf("托管锁定-%s", req.OrderNo)
		_, err = s.ledgerSvc.Record(ctx, tx, transactionID, []EntryInput{
			{WalletID: buyerWallet.ID, Kind: model.LedgerKindDebit, Leg: model.LedgerLegAvailable, Amount: req.Amount, Description: desc, RefTable: "escrow_locks", RefID: escrowLock.ID},
			{WalletID: buyerWallet.ID, Kind: model.LedgerKindCredit, Leg: model.LedgerLegHold, Amount: req.Amount, Description: desc, RefTable: "escrow_locks", RefID: escrowLock.ID},
		})
		if err != nil {
			return err
		}

		if err := s.walletRepo.ApplyBalanceChange(ctx, tx, buyerWallet.ID, req.Amount.Neg(), req.Amount, false); err != nil {
			return err
		}

		return enqueueTransactionEvent(ctx, tx, s.outboxRepo, s.cfg, &TransactionEventMessage{
			TransactionID: transactionID,
			UserID:        req.BuyerUserID,
			WalletID:      buyerWallet.ID,
			Kind:          model.EventKindEscrowLock,
			Status:        model.EventStatusSuccess,
			Amount:        req.Amount,
			Category:      req.Category,
			OccurredAt:    now,
		})
	})
	if err != nil {
		if isDeniedTransaction(err) {
			s.publishFailure(ctx, req.BuyerUserID, buyerWallet.ID, model.EventKindEscrowLock, req.Amount, req.Category)
		}
		return nil, err
	}

	log.Printf("托管锁定成功: lockNo=%s, orderNo=%s, amount=%s, fee=%s",
		escrowLock.LockNo, req.OrderNo, req.Amount.String(), platformFee.String())
	return escrowLock, nil
}

// Release 订单完成：全额放款给卖家（扣除平台手续费）
func (s *EscrowService) Release(ctx context.Context, lockID, sellerUserID int64) error {
	lockRow, err := s.escrowRepo.GetByID(ctx, lockID)
	if err != nil {
		return err
	}
	return s.settle(ctx, lockRow, sellerUserID, decimal.Zero, lockRow.Amount)
}

// Refund 订单取消/争议判退：全额退回买家，不收手续费
func (s *EscrowService) Refund(ctx context.Context, lockID int64) error {
	lockRow, err := s.escrowRepo.GetByID(ctx, lockID)
	if err != nil {
		return err
	}
	return s.settle(ctx, lockRow, 0, lockRow.Amount, decimal.Zero)
}

// SplitResolve 争议分账（管理员裁决）
// 分账比例是裁决输入不是核心不变量；这里只强制两边之和精确等于托管金额
func (s *EscrowService) SplitResolve(ctx context.Context, lockID, sellerUserID int64, buyerAmount, sellerAmount decimal.Decimal) error {
	if buyerAmount.IsNegative() || sellerAmount.IsNegative() {
		return repository.ErrInvalidEntryAmount
	}

	lockRow, err := s.escrowRepo.GetByID(ctx, lockID)
	if err != nil {
		return err
	}
	if !buyerAmount.Add(sellerAmount).Equal(lockRow.Amount) {
		return ErrSplitMismatch
	}
	return s.settle(ctx, lockRow, sellerUserID, buyerAmount, sellerAmount)
}

// settle 托管结算的统一路径
// buyerAmount 退回买家可用余额；sellerGross 是卖家侧毛额，手续费按
// 毛额占比分摊（全额释放即全部手续费，全额退款即零手续费）
// 单个 transaction_id 覆盖全部分录：HOLD 借出 == 各路贷入之和
func (s *EscrowService) settle(ctx context.Context, lockRow *model.EscrowLock, sellerUserID int64, buyerAmount, sellerGross decimal.Decimal) error {
	if lockRow.Settled() {
		if lockRow.ReleasedAt != nil {
			return repository.ErrAlreadyReleased
		}
		return repository.ErrAlreadyRefunded
	}

	requestID := idgen.GenerateRequestID()
	settleLock := lock.NewEscrowSettleLock(s.redisClient, lockRow.ID, requestID)
	if err := settleLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer settleLock.Unlock(ctx)

	// 手续费按卖家毛额比例分摊
	fee := decimal.Zero
	if sellerGross.IsPositive() && lockRow.PlatformFee.IsPositive() {
		fee = lockRow.PlatformFee.Mul(sellerGross).Div(lockRow.Amount).Round(2)
	}
	sellerNet := sellerGross.Sub(fee)

	var sellerWallet *model.Wallet
	if sellerGross.IsPositive() {
		var err error
		sellerWallet, err = s.walletRepo.GetOrCreate(ctx, sellerUserID, s.cfg.Business.Currency)
		if err != nil {
			return fmt.Errorf("获取卖家钱包失败: %w", err)
		}
	}

	feeWallet, err := s.walletRepo.GetByUserID(ctx, s.cfg.Business.PlatformFeeUserID)
	if err != nil {
		return fmt.Errorf("获取手续费钱包失败: %w", err)
	}

	transactionID := idgen.GenerateTransactionNo()
	now := s.clk.Now()
	isRefund := sellerGross.IsZero()

	// 订单落点：全额放款即完成，退款与分账算争议裁决
	targetStatus := model.OrderStatusCompleted
	switch {
	case isRefund:
		targetStatus = model.OrderStatusResolvedRefund
	case buyerAmount.IsPositive():
		if buyerAmount.GreaterThanOrEqual(sellerGross) {
			targetStatus = model.OrderStatusResolvedBuyer
		} else {
			targetStatus = model.OrderStatusResolvedSeller
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		current, err := s.escrowRepo.GetByIDForUpdate(ctx, tx, lockRow.ID)
		if err != nil {
			return err
		}
		if current.Settled() {
			if current.ReleasedAt != nil {
				return repository.ErrAlreadyReleased
			}
			return repository.ErrAlreadyRefunded
		}
		if !current.CanResolveTo(targetStatus) {
			return fmt.Errorf("托管订单状态流转非法: %s -> %s", current.OrderStatus, targetStatus)
		}

		walletIDs := []int64{current.WalletID}
		if sellerWallet != nil {
			walletIDs = append(walletIDs, sellerWallet.ID)
		}
		if fee.IsPositive() {
			walletIDs = append(walletIDs, feeWallet.ID)
		}
		wallets, err := s.walletRepo.GetManyForUpdate(ctx, tx, walletIDs)
		if err != nil {
			return err
		}

		if sellerWallet != nil {
			if err := requireActive(wallets[sellerWallet.ID]); err != nil {
				return err
			}
		}
		// 买家钱包冻结不阻塞退款/释放（资金归属已定），关闭则异常
		if wallets[current.WalletID].Status == model.WalletStatusClosed {
			return repository.ErrWalletClosed
		}

		inputs := []EntryInput{
			{WalletID: current.WalletID, Kind: model.LedgerKindDebit, Leg: model.LedgerLegHold, Amount: current.Amount, Description: fmt.Sprintf("托管结算-%s", current.OrderNo), RefTable: "escrow_locks", RefID: current.ID},
		}
		if buyerAmount.IsPositive() {
			inputs = append(inputs, EntryInput{WalletID: current.WalletID, Kind: model.LedgerKindCredit, Leg: model.LedgerLegAvailable, Amount: buyerAmount, Description: fmt.Sprintf("托管退回-%s", current.OrderNo), RefTable: "escrow_locks", RefID: current.ID})
		}
		if sellerNet.IsPositive() {
			inputs = append(inputs, EntryInput{WalletID: sellerWallet.ID, Kind: model.LedgerKindCredit, Leg: model.LedgerLegAvailable, Amount: sellerNet, Description: fmt.Sprintf("托管放款-%s", current.OrderNo), RefTable: "escrow_locks", RefID: current.ID})
		}
		if fee.IsPositive() {
			inputs = append(inputs, EntryInput{WalletID: feeWallet.ID, Kind: model.LedgerKindCredit, Leg: model.LedgerLegAvailable, Amount: fee, Description: fmt.Sprintf("平台手续费-%s", current.OrderNo), RefTable: "escrow_locks", RefID: current.ID})
		}

		if _, err := s.ledgerSvc.Record(ctx, tx, transactionID, inputs); err != nil {
			return err
		}

		if err := s.walletRepo.ApplyBalanceChange(ctx, tx, current.WalletID, buyerAmount, current.Amount.Neg(), false); err != nil {
			return err
		}
		if sellerNet.IsPositive() {
			if err := s.walletRepo.ApplyBalanceChange(ctx, tx, sellerWallet.ID, sellerNet, decimal.Zero, false); err != nil {
				return err
			}
		}
		if fee.IsPositive() {
			if err := s.walletRepo.ApplyBalanceChange(ctx, tx, feeWallet.ID, fee, decimal.Zero, true); err != nil {
				return err
			}
		}

		if isRefund {
			if err := s.escrowRepo.MarkRefunded(ctx, tx, current.ID, buyerAmount, now); err != nil {
				return err
			}
		} else {
			if err := s.escrowRepo.MarkReleased(ctx, tx, current.ID, sellerNet, buyerAmount, targetStatus, now); err != nil {
				return err
			}
		}

		kind := model.EventKindEscrowRelease
		if isRefund {
			kind = model.EventKindEscrowRefund
		}
		buyerWallet := wallets[current.WalletID]
		return enqueueTransactionEvent(ctx, tx, s.outboxRepo, s.cfg, &TransactionEventMessage{
			TransactionID: transactionID,
			UserID:        buyerWallet.UserID,
			WalletID:      buyerWallet.ID,
			Kind:          kind,
			Status:        model.EventStatusSuccess,
			Amount:        current.Amount,
			OccurredAt:    now,
		})
	})
	if err != nil {
		return err
	}

	log.Printf("托管结算成功: lockNo=%s, orderNo=%s, buyer=%s, sellerNet=%s, fee=%s",
		lockRow.LockNo, lockRow.OrderNo, buyerAmount.String(), sellerNet.String(), fee.String())
	return nil
}

// GetByOrderNo 按订单号查托管锁
func (s *EscrowService) GetByOrderNo(ctx context.Context, orderNo string) (*model.EscrowLock, error) {
	lockRow, err := s.escrowRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if lockRow == nil {
		return nil, repository.ErrEscrowNotFound
	}
	return lockRow, nil
}

func (s *EscrowService) GetByID(ctx context.Context, lockID int64) (*model.EscrowLock, error) {
	return s.escrowRepo.GetByID(ctx, lockID)
}

func (s *EscrowService) publishFailure(ctx context.Context, userID, walletID int64, kind string, amount decimal.Decimal, category string) {
	err := enqueueTransactionEvent(ctx, nil, s.outboxRepo, s.cfg, &TransactionEventMessage{
		UserID:     userID,
		WalletID:   walletID,
		Kind:       kind,
		Status:     model.EventStatusFailed,
		Amount:     amount,
		Category:   category,
		OccurredAt: s.clk.Now(),
	})
	if err != nil {
		log.Printf("记录失败事件失败: userID=%d, kind=%s, err=%v", userID, kind, err)
	}
}
