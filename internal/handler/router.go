package handler

import (
	"marketpay/internal/config"
	"marketpay/pkg/clock"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config, clk clock.Clock) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg, clk)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 钱包相关
		wallet := api.Group("/wallet")
		{
			wallet.GET("/balance", h.GetBalance)
			wallet.POST("/deposit", h.Deposit)
			wallet.POST("/withdraw", h.Withdraw)
			wallet.POST("/freeze", h.Freeze)
			wallet.POST("/unfreeze", h.Unfreeze)
			wallet.POST("/close", h.CloseWallet)
			wallet.GET("/reconcile", h.ReconcileWallet)
		}

		// 托管相关
		escrow := api.Group("/escrow")
		{
			escrow.POST("/lock", h.LockEscrow)
			escrow.POST("/release", h.ReleaseEscrow)
			escrow.POST("/refund", h.RefundEscrow)
			escrow.POST("/split", h.SplitEscrow)
			escrow.GET("/detail", h.GetEscrow)
		}

		// 账本查询
		ledger := api.Group("/ledger")
		{
			ledger.GET("/transaction", h.ListTransactionEntries)
			ledger.GET("/wallet", h.ListWalletEntries)
		}

		// 限额相关
		limits := api.Group("/limits")
		{
			limits.GET("/effective", h.GetEffectiveLimits)
			limits.GET("/precheck", h.PrecheckLimit)
			limits.POST("/tier-default", h.SetTierDefaultLimits)
			limits.POST("/override", h.SetUserOverrideLimits)
		}

		// 告警与风险画像
		alerts := api.Group("/alerts")
		{
			alerts.GET("/list", h.ListAlerts)
			alerts.GET("/detail", h.GetAlert)
			alerts.POST("/investigate", h.InvestigateAlert)
			alerts.POST("/resolve", h.ResolveAlert)
			alerts.POST("/false-positive", h.DismissAlert)
		}
		api.GET("/risk/profile", h.GetRiskProfile)

		// 监控规则管理
		rules := api.Group("/rules")
		{
			rules.POST("/create", h.CreateRule)
			rules.GET("/list", h.ListRules)
			rules.POST("/toggle", h.ToggleRule)
		}

		// 等级相关
		tier := api.Group("/tier")
		{
			tier.GET("", h.GetTier)
			tier.POST("/promote", h.PromoteTier)
			tier.POST("/demote", h.DemoteTier)
			tier.POST("/kyc-approved", h.KYCApproved)
			tier.GET("/changes", h.ListTierChanges)
			tier.GET("/violations", h.ListViolations)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
