package handler

import (
	"errors"
	"strconv"

	"marketpay/internal/config"
	"marketpay/internal/model"
	"marketpay/internal/repository"
	"marketpay/internal/service"
	"marketpay/pkg/clock"
	"marketpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	walletService     *service.WalletService
	escrowService     *service.EscrowService
	ledgerService     *service.LedgerService
	limitService      *service.LimitService
	monitoringService *service.MonitoringService
	tierService       *service.TierService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config, clk clock.Clock) *Handler {
	return &Handler{
		walletService:     service.NewWalletService(db, rdb, cfg, clk),
		escrowService:     service.NewEscrowService(db, rdb, cfg, clk),
		ledgerService:     service.NewLedgerService(db),
		limitService:      service.NewLimitService(db, cfg, clk),
		monitoringService: service.NewMonitoringService(db, cfg, clk),
		tierService:       service.NewTierService(db, cfg),
	}
}

// writeError 把服务层错误映射为业务码
func writeError(c *gin.Context, err error) {
	var limitErr *service.LimitExceededError
	if errors.As(err, &limitErr) {
		response.BusinessError(c, response.CodeLimitExceeded, limitErr.Error())
		return
	}

	switch {
	case errors.Is(err, repository.ErrWalletNotFound):
		response.BusinessError(c, response.CodeWalletNotFound, err.Error())
	case errors.Is(err, repository.ErrWalletFrozen),
		errors.Is(err, repository.ErrWalletClosed),
		errors.Is(err, repository.ErrWalletStatusInvalid):
		response.BusinessError(c, response.CodeWalletStatusInvalid, err.Error())
	case errors.Is(err, repository.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeBalanceNotEnough, err.Error())
	case errors.Is(err, repository.ErrNonZeroBalance):
		response.BusinessError(c, response.CodeNonZeroBalance, err.Error())
	case errors.Is(err, repository.ErrEscrowNotFound):
		response.BusinessError(c, response.CodeEscrowNotFound, err.Error())
	case errors.Is(err, repository.ErrAlreadyReleased),
		errors.Is(err, repository.ErrAlreadyRefunded):
		response.BusinessError(c, response.CodeAlreadySettled, err.Error())
	case errors.Is(err, repository.ErrLedgerImbalance):
		response.BusinessError(c, response.CodeLedgerImbalance, err.Error())
	case errors.Is(err, repository.ErrAlertNotFound):
		response.BusinessError(c, response.CodeAlertNotFound, err.Error())
	case errors.Is(err, repository.ErrAlertStatusInvalid):
		response.BusinessError(c, response.CodeAlertStatusInvalid, err.Error())
	case errors.Is(err, repository.ErrTierOutOfRange):
		response.BusinessError(c, response.CodeTierOutOfRange, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

func queryInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return v, true
}

// ============================================================
// 钱包相关接口
// ============================================================

// GetBalance 查询钱包余额
// GET /api/v1/wallet/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}

	wallet, err := h.walletService.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":             wallet.UserID,
		"currency":            wallet.Currency,
		"available_balance":   wallet.AvailableBalance,
		"locked_escrow_funds": wallet.LockedEscrowFunds,
		"total_balance":       wallet.TotalBalance(),
		"status":              wallet.Status,
	})
}

// MoveFundsRequest 入金/出金请求
type MoveFundsRequest struct {
	RequestID   string          `json:"request_id"` // 幂等ID，缺省用 X-Request-ID
	UserID      int64           `json:"user_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Description string          `json:"description"`
}

// Deposit 入金
// POST /api/v1/wallet/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req MoveFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if req.RequestID == "" {
		req.RequestID = requestID(c)
	}

	transactionID, err := h.walletService.Deposit(c.Request.Context(), &service.MoveFundsRequest{
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{"transaction_id": transactionID})
}

// Withdraw 出金
// POST /api/v1/wallet/withdraw
//
// 出金是限额与余额双重约束下的扣款：
// 锁外先做限额预检快速拒绝，真正的保护在钱包行锁事务内复查
func (h *Handler) Withdraw(c *gin.Context) {
	var req MoveFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if req.RequestID == "" {
		req.RequestID = requestID(c)
	}

	transactionID, err := h.walletService.Withdraw(c.Request.Context(), &service.MoveFundsRequest{
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{"transaction_id": transactionID})
}

// Freeze 冻结钱包
// POST /api/v1/wallet/freeze
func (h *Handler) Freeze(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.walletService.Freeze(c.Request.Context(), req.UserID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "钱包已冻结"})
}

// Unfreeze 解冻钱包
// POST /api/v1/wallet/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.walletService.Unfreeze(c.Request.Context(), req.UserID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "钱包已解冻"})
}

// CloseWallet 关闭钱包（余额必须已清零且无未结托管）
// POST /api/v1/wallet/close
func (h *Handler) CloseWallet(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.walletService.Close(c.Request.Context(), req.UserID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "钱包已关闭"})
}

// ReconcileWallet 核对冗余余额与账本推导余额
// GET /api/v1/wallet/reconcile?wallet_id=xxx
func (h *Handler) ReconcileWallet(c *gin.Context) {
	walletID, ok := queryInt64(c, "wallet_id")
	if !ok {
		return
	}

	result, err := h.walletService.Reconcile(c.Request.Context(), walletID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 托管相关接口
// ============================================================

// EscrowLockRequest 托管锁定请求
type EscrowLockRequest struct {
	RequestID   string          `json:"request_id"` // 幂等ID，缺省用 X-Request-ID
	OrderNo     string          `json:"order_no" binding:"required"`
	BuyerUserID int64           `json:"buyer_user_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	FeePercent  decimal.Decimal `json:"fee_percent"`
	LockType    string          `json:"lock_type"`
	Category    string          `json:"category"`
}

// LockEscrow 买家付款进入托管
// POST /api/v1/escrow/lock
func (h *Handler) LockEscrow(c *gin.Context) {
	var req EscrowLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if req.RequestID == "" {
		req.RequestID = requestID(c)
	}

	lock, err := h.escrowService.Lock(c.Request.Context(), &service.LockRequest{
		RequestID:   req.RequestID,
		OrderNo:     req.OrderNo,
		BuyerUserID: req.BuyerUserID,
		Amount:      req.Amount,
		FeePercent:  req.FeePercent,
		LockType:    req.LockType,
		Category:    req.Category,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"lock_no":      lock.LockNo,
		"order_no":     lock.OrderNo,
		"amount":       lock.Amount,
		"platform_fee": lock.PlatformFee,
	})
}

// ReleaseEscrow 订单完成放款给卖家
// POST /api/v1/escrow/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req struct {
		LockID       int64 `json:"lock_id" binding:"required"`
		SellerUserID int64 `json:"seller_user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.escrowService.Release(c.Request.Context(), req.LockID, req.SellerUserID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "托管已放款"})
}

// RefundEscrow 订单取消/判退，全额退回买家
// POST /api/v1/escrow/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req struct {
		LockID int64 `json:"lock_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.escrowService.Refund(c.Request.Context(), req.LockID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "托管已退款"})
}

// SplitEscrow 争议裁决分账
// POST /api/v1/escrow/split
func (h *Handler) SplitEscrow(c *gin.Context) {
	var req struct {
		LockID       int64           `json:"lock_id" binding:"required"`
		SellerUserID int64           `json:"seller_user_id" binding:"required"`
		BuyerAmount  decimal.Decimal `json:"buyer_amount"`
		SellerAmount decimal.Decimal `json:"seller_amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	err := h.escrowService.SplitResolve(c.Request.Context(), req.LockID, req.SellerUserID, req.BuyerAmount, req.SellerAmount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "分账完成"})
}

// GetEscrow 查询托管锁
// GET /api/v1/escrow/detail?order_no=xxx
func (h *Handler) GetEscrow(c *gin.Context) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		response.ParamError(c, "order_no 参数不能为空")
		return
	}

	lock, err := h.escrowService.GetByOrderNo(c.Request.Context(), orderNo)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, lock)
}

// ============================================================
// 账本相关接口
// ============================================================

// ListTransactionEntries 按交易号查分录
// GET /api/v1/ledger/transaction?transaction_id=xxx
func (h *Handler) ListTransactionEntries(c *gin.Context) {
	transactionID := c.Query("transaction_id")
	if transactionID == "" {
		response.ParamError(c, "transaction_id 参数不能为空")
		return
	}

	entries, err := h.ledgerService.EntriesByTransaction(c.Request.Context(), transactionID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": entries})
}

// ListWalletEntries 分页查询钱包流水
// GET /api/v1/ledger/wallet?wallet_id=xxx&page=1&page_size=20
func (h *Handler) ListWalletEntries(c *gin.Context) {
	walletID, ok := queryInt64(c, "wallet_id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, err := h.ledgerService.EntriesByWallet(c.Request.Context(), walletID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 限额相关接口
// ============================================================

// GetEffectiveLimits 查询用户当前生效的限额
// GET /api/v1/limits/effective?user_id=xxx
func (h *Handler) GetEffectiveLimits(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}

	limits, err := h.limitService.EffectiveLimits(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, limits)
}

// SetTierDefaultLimits 维护等级默认限额
// POST /api/v1/limits/tier-default
func (h *Handler) SetTierDefaultLimits(c *gin.Context) {
	var req struct {
		Tier           int             `json:"tier"`
		PerTransaction decimal.Decimal `json:"per_transaction" binding:"required"`
		Daily          decimal.Decimal `json:"daily" binding:"required"`
		Monthly        decimal.Decimal `json:"monthly" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	err := h.limitService.SetTierDefault(c.Request.Context(), req.Tier, req.PerTransaction, req.Daily, req.Monthly)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "限额已更新"})
}

// SetUserOverrideLimits 设置用户级限额覆盖
// POST /api/v1/limits/override
func (h *Handler) SetUserOverrideLimits(c *gin.Context) {
	var req struct {
		UserID         int64           `json:"user_id" binding:"required"`
		PerTransaction decimal.Decimal `json:"per_transaction" binding:"required"`
		Daily          decimal.Decimal `json:"daily" binding:"required"`
		Monthly        decimal.Decimal `json:"monthly" binding:"required"`
		Reason         string          `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	err := h.limitService.SetUserOverride(c.Request.Context(), req.UserID, req.PerTransaction, req.Daily, req.Monthly, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "限额覆盖已设置"})
}

// PrecheckLimit 交易前预检：限额 + 余额一次查清
// GET /api/v1/limits/precheck?user_id=xxx&amount=xxx
//
// 只读检查，不构成任何保证，真正的校验在资金事务内再跑一次。
func (h *Handler) PrecheckLimit(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil || !amount.IsPositive() {
		response.ParamError(c, "amount 必须为正数")
		return
	}

	wallet, err := h.walletService.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	result := gin.H{"allowed": true}
	if err := h.limitService.Check(c.Request.Context(), nil, userID, wallet.ID, amount); err != nil {
		var limitErr *service.LimitExceededError
		if errors.As(err, &limitErr) {
			result["allowed"] = false
			result["denied_by"] = limitErr.Kind
			response.Success(c, result)
			return
		}
		writeError(c, err)
		return
	}

	sufficient, err := h.walletService.HasSufficientBalance(c.Request.Context(), userID, amount)
	if err != nil {
		writeError(c, err)
		return
	}
	if !sufficient {
		result["allowed"] = false
		result["denied_by"] = "INSUFFICIENT_BALANCE"
	}
	response.Success(c, result)
}

// ============================================================
// 告警与风险画像接口
// ============================================================

// ListAlerts 查询用户告警
// GET /api/v1/alerts/list?user_id=xxx&status=new&page=1&page_size=20
func (h *Handler) ListAlerts(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	status := c.Query("status")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	alerts, total, err := h.monitoringService.ListAlerts(c.Request.Context(), userID, status, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      alerts,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetAlert 告警详情
// GET /api/v1/alerts/detail?alert_no=xxx
func (h *Handler) GetAlert(c *gin.Context) {
	alertNo := c.Query("alert_no")
	if alertNo == "" {
		response.ParamError(c, "alert_no 参数不能为空")
		return
	}

	alert, err := h.monitoringService.GetAlert(c.Request.Context(), alertNo)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, alert)
}

// alertTransition 告警状态流转的统一入口
func (h *Handler) alertTransition(c *gin.Context, fn func(alertNo string) error) {
	var req struct {
		AlertNo string `json:"alert_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := fn(req.AlertNo); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "告警状态已更新"})
}

// InvestigateAlert POST /api/v1/alerts/investigate
func (h *Handler) InvestigateAlert(c *gin.Context) {
	h.alertTransition(c, func(alertNo string) error {
		return h.monitoringService.MarkInvestigating(c.Request.Context(), alertNo)
	})
}

// ResolveAlert POST /api/v1/alerts/resolve
func (h *Handler) ResolveAlert(c *gin.Context) {
	h.alertTransition(c, func(alertNo string) error {
		return h.monitoringService.MarkResolved(c.Request.Context(), alertNo)
	})
}

// DismissAlert POST /api/v1/alerts/false-positive
func (h *Handler) DismissAlert(c *gin.Context) {
	h.alertTransition(c, func(alertNo string) error {
		return h.monitoringService.MarkFalsePositive(c.Request.Context(), alertNo)
	})
}

// GetRiskProfile 用户风险画像
// GET /api/v1/risk/profile?user_id=xxx
func (h *Handler) GetRiskProfile(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}

	profile, err := h.monitoringService.GetRiskProfile(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, profile)
}

// ============================================================
// 监控规则管理接口
// ============================================================

// CreateRule 创建监控规则
// POST /api/v1/rules/create
func (h *Handler) CreateRule(c *gin.Context) {
	var req struct {
		Name       string `json:"name" binding:"required"`
		Type       string `json:"type" binding:"required"`
		Severity   string `json:"severity" binding:"required"`
		Conditions string `json:"conditions" binding:"required"`
		Priority   int    `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rule := &model.TransactionMonitoringRule{
		Name:       req.Name,
		Type:       req.Type,
		Severity:   req.Severity,
		Conditions: req.Conditions,
		Active:     true,
		Priority:   req.Priority,
	}
	if rule.Priority == 0 {
		rule.Priority = 100
	}
	if err := h.monitoringService.CreateRule(c.Request.Context(), rule); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"rule_id": rule.ID})
}

// ListRules GET /api/v1/rules/list
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.monitoringService.ListRules(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": rules})
}

// ToggleRule 启用/停用规则
// POST /api/v1/rules/toggle
func (h *Handler) ToggleRule(c *gin.Context) {
	var req struct {
		RuleID int64 `json:"rule_id" binding:"required"`
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.monitoringService.SetRuleActive(c.Request.Context(), req.RuleID, *req.Active); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "规则已更新"})
}

// ============================================================
// 等级相关接口
// ============================================================

// GetTier 查询用户等级
// GET /api/v1/tier?user_id=xxx
func (h *Handler) GetTier(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}

	tier, err := h.tierService.GetTier(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": userID, "tier": tier})
}

// PromoteTier 晋升等级（合规人工操作）
// POST /api/v1/tier/promote
func (h *Handler) PromoteTier(c *gin.Context) {
	var req struct {
		UserID int64  `json:"user_id" binding:"required"`
		ToTier int    `json:"to_tier"`
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	err := h.tierService.Promote(c.Request.Context(), req.UserID, req.ToTier, req.Reason, model.TierActorCompliance, "")
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "等级已晋升"})
}

// DemoteTier 降级（合规人工操作）
// POST /api/v1/tier/demote
func (h *Handler) DemoteTier(c *gin.Context) {
	var req struct {
		UserID int64  `json:"user_id" binding:"required"`
		ToTier int    `json:"to_tier"`
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	err := h.tierService.Demote(c.Request.Context(), req.UserID, req.ToTier, req.Reason, model.TierActorCompliance)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "等级已降级"})
}

// KYCApproved KYC 审核通过回调
// POST /api/v1/tier/kyc-approved
func (h *Handler) KYCApproved(c *gin.Context) {
	var req struct {
		UserID       int64  `json:"user_id" binding:"required"`
		ApprovedTier int    `json:"approved_tier" binding:"required"`
		KYCLevel     string `json:"kyc_level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	err := h.tierService.HandleKYCApproval(c.Request.Context(), req.UserID, req.ApprovedTier, req.KYCLevel)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "KYC 结果已处理"})
}

// ListTierChanges 等级变更审计记录
// GET /api/v1/tier/changes?user_id=xxx&limit=20
func (h *Handler) ListTierChanges(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	changes, err := h.tierService.ListTierChanges(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": changes})
}

// ListViolations 违规记录
// GET /api/v1/tier/violations?user_id=xxx&limit=20
func (h *Handler) ListViolations(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	violations, err := h.tierService.ListViolations(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": violations})
}
