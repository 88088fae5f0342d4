package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"marketpay/internal/config"
	"marketpay/internal/model"
	"marketpay/internal/repository"

	"gorm.io/gorm"
)

// TierService 等级自动化
//
// 等级由 KYC 结果与风控信号驱动：KYC 通过晋升，未关闭的 critical
// 告警达到阈值自动降一级。每次变更都写 tier_changes 审计行，
// 并通过发件箱向等级通知主题发消息。限额层实时读取等级，
// 降级对下一笔交易立即生效
type TierService struct {
	db             *gorm.DB
	cfg            *config.Config
	limitRepo      *repository.LimitRepository
	monitoringRepo *repository.MonitoringRepository
	outboxRepo     *repository.OutboxRepository
}

func NewTierService(db *gorm.DB, cfg *config.Config) *TierService {
	return &TierService{
		db:             db,
		cfg:            cfg,
		limitRepo:      repository.NewLimitRepository(db),
		monitoringRepo: repository.NewMonitoringRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

// TierNotificationMessage 等级变更通知消息体
type TierNotificationMessage struct {
	UserID   int64  `json:"user_id"`
	FromTier int    `json:"from_tier"`
	ToTier   int    `json:"to_tier"`
	Reason   string `json:"reason"`
	Actor    string `json:"actor"`
}

// GetTier 当前等级（无记录即 0）
func (s *TierService) GetTier(ctx context.Context, userID int64) (int, error) {
	return s.limitRepo.GetUserTier(ctx, nil, userID)
}

// Promote 晋升到目标等级
func (s *TierService) Promote(ctx context.Context, userID int64, toTier int, reason, actor, kycLevel string) error {
	return s.changeTier(ctx, userID, toTier, reason, actor, kycLevel, true)
}

// Demote 降级到目标等级
func (s *TierService) Demote(ctx context.Context, userID int64, toTier int, reason, actor string) error {
	return s.changeTier(ctx, userID, toTier, reason, actor, "", false)
}

// changeTier 等级变更的统一路径：审计行 + 等级行 + 通知，同一事务
func (s *TierService) changeTier(ctx context.Context, userID int64, toTier int, reason, actor, kycLevel string, isPromote bool) error {
	if toTier < model.TierMin || toTier > model.TierMax {
		return repository.ErrTierOutOfRange
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		fromTier, err := s.limitRepo.GetUserTier(ctx, tx, userID)
		if err != nil {
			return err
		}
		if fromTier == toTier {
			return nil
		}
		// 晋升不走降级路径，反之亦然；同一入口的反向请求直接拒绝
		if isPromote && toTier < fromTier {
			return fmt.Errorf("晋升目标等级不能低于当前等级: %d -> %d", fromTier, toTier)
		}
		if !isPromote && toTier > fromTier {
			return fmt.Errorf("降级目标等级不能高于当前等级: %d -> %d", fromTier, toTier)
		}

		if err := s.limitRepo.UpsertUserTier(ctx, tx, userID, toTier, kycLevel); err != nil {
			return err
		}

		change := &model.TierChange{
			UserID:         userID,
			FromTier:       fromTier,
			ToTier:         toTier,
			Reason:         reason,
			Actor:          actor,
			AffectedLimits: true,
		}
		if err := s.limitRepo.CreateTierChange(ctx, tx, change); err != nil {
			return err
		}

		if err := s.enqueueNotification(ctx, tx, &TierNotificationMessage{
			UserID:   userID,
			FromTier: fromTier,
			ToTier:   toTier,
			Reason:   reason,
			Actor:    actor,
		}); err != nil {
			return err
		}

		log.Printf("用户等级变更: userID=%d, %d -> %d, actor=%s, reason=%s",
			userID, fromTier, toTier, actor, reason)
		return nil
	})
}

// HandleKYCApproval KYC 审核通过回调：晋升到审核结果对应的等级
// 目标等级不高于当前等级时不动作（KYC 不触发降级）
func (s *TierService) HandleKYCApproval(ctx context.Context, userID int64, approvedTier int, kycLevel string) error {
	current, err := s.limitRepo.GetUserTier(ctx, nil, userID)
	if err != nil {
		return err
	}
	if approvedTier <= current {
		return nil
	}
	reason := fmt.Sprintf("KYC 审核通过: %s", kycLevel)
	return s.Promote(ctx, userID, approvedTier, reason, model.TierActorKYC, kycLevel)
}

// EvaluateAlertEscalation 风控联动：未关闭 critical 告警达到阈值降一级
// 降级本身记 TierViolation；已降过且告警数未继续增长时不重复降级，
// 通过比较最近一次 CRITICAL_ALERTS 违规记录的快照计数实现
func (s *TierService) EvaluateAlertEscalation(ctx context.Context, userID int64) error {
	threshold := s.cfg.Risk.CriticalAlertsForDemote
	if threshold <= 0 {
		return nil
	}

	openCritical, err := s.monitoringRepo.CountOpenAlertsBySeverity(ctx, userID, model.SeverityCritical)
	if err != nil {
		return err
	}
	if openCritical < int64(threshold) {
		return nil
	}

	current, err := s.limitRepo.GetUserTier(ctx, nil, userID)
	if err != nil {
		return err
	}
	if current <= model.TierMin {
		return nil
	}

	// 同一批告警只降一次：上次违规快照的计数没涨就跳过
	violations, err := s.limitRepo.ListViolations(ctx, userID, 1)
	if err != nil {
		return err
	}
	if len(violations) > 0 && violations[0].Kind == model.ViolationKindCriticalAlerts {
		var snapshot struct {
			OpenCritical int64 `json:"open_critical"`
		}
		if json.Unmarshal([]byte(violations[0].Detail), &snapshot) == nil && openCritical <= snapshot.OpenCritical {
			return nil
		}
	}

	detail, _ := json.Marshal(map[string]interface{}{
		"open_critical": openCritical,
		"threshold":     threshold,
	})
	reason := fmt.Sprintf("未关闭 critical 告警达到 %d 条, 自动降级", openCritical)

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.limitRepo.CreateViolation(ctx, tx, &model.TierViolation{
			UserID: userID,
			Kind:   model.ViolationKindCriticalAlerts,
			Detail: string(detail),
		}); err != nil {
			return err
		}

		if err := s.limitRepo.UpsertUserTier(ctx, tx, userID, current-1, ""); err != nil {
			return err
		}
		if err := s.limitRepo.CreateTierChange(ctx, tx, &model.TierChange{
			UserID:         userID,
			FromTier:       current,
			ToTier:         current - 1,
			Reason:         reason,
			Actor:          model.TierActorSystem,
			AffectedLimits: true,
		}); err != nil {
			return err
		}
		return s.enqueueNotification(ctx, tx, &TierNotificationMessage{
			UserID:   userID,
			FromTier: current,
			ToTier:   current - 1,
			Reason:   reason,
			Actor:    model.TierActorSystem,
		})
	})
}

// RecordViolation 人工登记违规（不自动降级，由合规决定后续动作）
func (s *TierService) RecordViolation(ctx context.Context, userID int64, kind, detail string) error {
	return s.limitRepo.CreateViolation(ctx, nil, &model.TierViolation{
		UserID: userID,
		Kind:   kind,
		Detail: detail,
	})
}

func (s *TierService) ListTierChanges(ctx context.Context, userID int64, limit int) ([]*model.TierChange, error) {
	return s.limitRepo.ListTierChanges(ctx, userID, limit)
}

func (s *TierService) ListViolations(ctx context.Context, userID int64, limit int) ([]*model.TierViolation, error) {
	return s.limitRepo.ListViolations(ctx, userID, limit)
}

func (s *TierService) enqueueNotification(ctx context.Context, tx *gorm.DB, msg *TierNotificationMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: fmt.Sprintf("tier-%d", msg.UserID),
		Topic:      s.cfg.Kafka.Topic.TierNotifications,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}
