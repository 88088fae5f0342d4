package job

import (
	"context"
	"log"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/service"
	"marketpay/pkg/clock"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ReconcileJob 余额核对任务
// 周期性扫描活跃钱包，比对冗余余额与账本推导余额。
// 差异超容差只告警不自动修正，资金问题必须人工介入
type ReconcileJob struct {
	walletService *service.WalletService
	cfg           *config.Config
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
}

func NewReconcileJob(db *gorm.DB, rdb *redis.Client, cfg *config.Config, clk clock.Clock) *ReconcileJob {
	interval := time.Duration(cfg.Business.ReconcileIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batchSize := cfg.Business.ReconcileBatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	return &ReconcileJob{
		walletService: service.NewWalletService(db, rdb, cfg, clk),
		cfg:           cfg,
		stopCh:        make(chan struct{}),
		interval:      interval,
		batchSize:     batchSize,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	log.Println("[ReconcileJob] 余额核对任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.reconcileAll(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcileJob) reconcileAll(ctx context.Context) {
	var afterID int64
	checked, mismatched := 0, 0

	for {
		wallets, err := j.walletService.ListActiveWallets(ctx, afterID, j.batchSize)
		if err != nil {
			log.Printf("[ReconcileJob] 查询钱包失败: %v", err)
			return
		}
		if len(wallets) == 0 {
			break
		}

		for _, w := range wallets {
			result, err := j.walletService.Reconcile(ctx, w.ID)
			if err != nil {
				log.Printf("[ReconcileJob] 核对失败: walletID=%d, err=%v", w.ID, err)
				continue
			}
			checked++
			if !result.InTolerance {
				mismatched++
				log.Printf("[ReconcileJob] 余额不一致: walletID=%d, cached=%s, ledger=%s, diff=%s",
					w.ID, result.CachedTotal.String(), result.LedgerBalance.String(), result.Discrepancy.String())
			}
			afterID = w.ID
		}

		if len(wallets) < j.batchSize {
			break
		}
	}

	if mismatched > 0 {
		log.Printf("[ReconcileJob] 本轮核对完成: checked=%d, mismatched=%d", checked, mismatched)
	}
}
