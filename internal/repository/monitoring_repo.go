package repository

import (
	"context"
	"errors"
	"time"

	"marketpay/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAlertNotFound      = errors.New("告警不存在")
	ErrAlertStatusInvalid = errors.New("告警状态流转不合法")
	ErrRuleNotFound       = errors.New("监控规则不存在")
)

type MonitoringRepository struct {
	db *gorm.DB
}

func NewMonitoringRepository(db *gorm.DB) *MonitoringRepository {
	return &MonitoringRepository{db: db}
}

// ============================================================
// 监控规则
// ============================================================

// ListActiveRules 启用的规则，priority 升序（数字小的先评估）
func (r *MonitoringRepository) ListActiveRules(ctx context.Context) ([]*model.TransactionMonitoringRule, error) {
	var rules []*model.TransactionMonitoringRule
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("priority ASC, id ASC").
		Find(&rules).Error
	return rules, err
}

func (r *MonitoringRepository) CreateRule(ctx context.Context, rule *model.TransactionMonitoringRule) error {
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *MonitoringRepository) ListRules(ctx context.Context) ([]*model.TransactionMonitoringRule, error) {
	var rules []*model.TransactionMonitoringRule
	err := r.db.WithContext(ctx).Order("priority ASC, id ASC").Find(&rules).Error
	return rules, err
}

func (r *MonitoringRepository) SetRuleActive(ctx context.Context, ruleID int64, active bool) error {
	result := r.db.WithContext(ctx).
		Model(&model.TransactionMonitoringRule{}).
		Where("id = ?", ruleID).
		Update("active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// ============================================================
// 告警
// ============================================================

func (r *MonitoringRepository) CreateAlert(ctx context.Context, tx *gorm.DB, alert *model.SuspiciousActivityAlert) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(alert).Error
}

func (r *MonitoringRepository) GetAlertByNo(ctx context.Context, alertNo string) (*model.SuspiciousActivityAlert, error) {
	var alert model.SuspiciousActivityAlert
	err := r.db.WithContext(ctx).Where("alert_no = ?", alertNo).First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	return &alert, nil
}

// UpdateAlertStatus 合规审查的状态流转，from 条件防并发覆盖
func (r *MonitoringRepository) UpdateAlertStatus(ctx context.Context, alertNo string, fromStatus, toStatus string) error {
	if !model.CanAlertTransitionTo(fromStatus, toStatus) {
		return ErrAlertStatusInvalid
	}

	result := r.db.WithContext(ctx).
		Model(&model.SuspiciousActivityAlert{}).
		Where("alert_no = ? AND status = ?", alertNo, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlertStatusInvalid
	}
	return nil
}

func (r *MonitoringRepository) ListAlertsByUser(ctx context.Context, userID int64, status string, page, pageSize int) ([]*model.SuspiciousActivityAlert, int64, error) {
	var alerts []*model.SuspiciousActivityAlert
	var total int64

	query := r.db.WithContext(ctx).Model(&model.SuspiciousActivityAlert{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&alerts).Error

	return alerts, total, err
}

// ListOpenAlertsByUser 未关闭的告警（new / investigating），风险画像重算使用
func (r *MonitoringRepository) ListOpenAlertsByUser(ctx context.Context, userID int64) ([]*model.SuspiciousActivityAlert, error) {
	var alerts []*model.SuspiciousActivityAlert
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []string{model.AlertStatusNew, model.AlertStatusInvestigating}).
		Find(&alerts).Error
	return alerts, err
}

// CountOpenAlertsBySeverity 指定严重度的未关闭告警数，等级自动化使用
func (r *MonitoringRepository) CountOpenAlertsBySeverity(ctx context.Context, userID int64, severity string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.SuspiciousActivityAlert{}).
		Where("user_id = ? AND severity = ? AND status IN ?",
			userID, severity, []string{model.AlertStatusNew, model.AlertStatusInvestigating}).
		Count(&count).Error
	return count, err
}

// CountAlertsByUser 返回 (总数, 已关闭数)，compliance 分项分数使用
func (r *MonitoringRepository) CountAlertsByUser(ctx context.Context, userID int64) (int64, int64, error) {
	var total, closed int64

	err := r.db.WithContext(ctx).
		Model(&model.SuspiciousActivityAlert{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	if err != nil {
		return 0, 0, err
	}

	err = r.db.WithContext(ctx).
		Model(&model.SuspiciousActivityAlert{}).
		Where("user_id = ? AND status IN ?", userID, []string{model.AlertStatusResolved, model.AlertStatusFalsePositive}).
		Count(&closed).Error
	if err != nil {
		return 0, 0, err
	}

	return total, closed, nil
}

// ============================================================
// 风险画像
// ============================================================

func (r *MonitoringRepository) GetOrCreateRiskProfile(ctx context.Context, userID int64) (*model.UserRiskProfile, error) {
	var profile model.UserRiskProfile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if err == nil {
		return &profile, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	newProfile := &model.UserRiskProfile{
		UserID:          userID,
		RiskLevel:       model.RiskLevelLow,
		ComplianceScore: 100,
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newProfile).Error
	if err != nil {
		return nil, err
	}

	err = r.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	return &profile, err
}

func (r *MonitoringRepository) SaveRiskProfile(ctx context.Context, profile *model.UserRiskProfile) error {
	return r.db.WithContext(ctx).
		Model(&model.UserRiskProfile{}).
		Where("user_id = ?", profile.UserID).
		Updates(map[string]interface{}{
			"overall_risk_score": profile.OverallRiskScore,
			"risk_level":         profile.RiskLevel,
			"velocity_score":     profile.VelocityScore,
			"pattern_score":      profile.PatternScore,
			"compliance_score":   profile.ComplianceScore,
			"total_alerts":       profile.TotalAlerts,
			"resolved_alerts":    profile.ResolvedAlerts,
		}).Error
}

func (r *MonitoringRepository) GetRiskProfile(ctx context.Context, userID int64) (*model.UserRiskProfile, error) {
	var profile model.UserRiskProfile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

// ============================================================
// 交易事件（规则引擎的时间窗数据，与账本解耦，允许轻微滞后）
// ============================================================

func (r *MonitoringRepository) CreateEvent(ctx context.Context, event *model.TransactionEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// CountEventsSince 成功交易计数，velocity 规则使用，minAmount 可选过滤
func (r *MonitoringRepository) CountEventsSince(ctx context.Context, userID int64, since time.Time, minAmount *decimal.Decimal) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&model.TransactionEvent{}).
		Where("user_id = ? AND status = ? AND occurred_at >= ?", userID, model.EventStatusSuccess, since)
	if minAmount != nil {
		query = query.Where("amount >= ?", *minAmount)
	}

	var count int64
	err := query.Count(&count).Error
	return count, err
}

// SumEventsSince 成功交易金额合计，threshold 规则的日累计使用
func (r *MonitoringRepository) SumEventsSince(ctx context.Context, userID int64, since time.Time) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := r.db.WithContext(ctx).
		Model(&model.TransactionEvent{}).
		Select("SUM(amount)").
		Where("user_id = ? AND status = ? AND occurred_at >= ?", userID, model.EventStatusSuccess, since).
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

// CountFailedSince 失败尝试计数，pattern 规则的失败窗口使用
func (r *MonitoringRepository) CountFailedSince(ctx context.Context, userID int64, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.TransactionEvent{}).
		Where("user_id = ? AND status = ? AND occurred_at >= ?", userID, model.EventStatusFailed, since).
		Count(&count).Error
	return count, err
}

// ListEventsSince 窗口内成功交易明细，整数倍金额等需要逐笔判断的规则使用
func (r *MonitoringRepository) ListEventsSince(ctx context.Context, userID int64, since time.Time, limit int) ([]*model.TransactionEvent, error) {
	var events []*model.TransactionEvent
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND occurred_at >= ?", userID, model.EventStatusSuccess, since).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
