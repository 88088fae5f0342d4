package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/model"
	"marketpay/internal/repository"
	"marketpay/pkg/clock"
	"marketpay/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrUnknownRuleType = errors.New("未知的规则类型")

// 规则条件结构，按 Type 反序列化 Conditions 字段

// VelocityConditions 频率规则：时间窗内交易笔数
type VelocityConditions struct {
	TimeWindowMinutes int             `json:"time_window_minutes"`
	MaxTransactions   int             `json:"max_transactions"`
	MinAmount         decimal.Decimal `json:"min_amount"` // 只统计不低于该金额的交易，零值统计全部
}

// ThresholdConditions 额度规则：单笔或当日累计超阈值
type ThresholdConditions struct {
	SingleLimit decimal.Decimal `json:"single_limit"`
	DailyLimit  decimal.Decimal `json:"daily_limit"`
}

// PatternConditions 模式规则：新账户大额、整数金额、密集失败
type PatternConditions struct {
	AccountAgeDays       int             `json:"account_age_days"`       // 账户年龄小于该值视为新账户
	MinAmount            decimal.Decimal `json:"min_amount"`             // 新账户大额的金额线
	RoundAmountThreshold decimal.Decimal `json:"round_amount_threshold"` // 整数金额可疑的起点
	FailedThreshold      int             `json:"failed_threshold"`       // 时间窗内失败次数
	TimeWindowHours      int             `json:"time_window_hours"`
}

// CategoryConditions 类目规则：高风险类目超金额
type CategoryConditions struct {
	AmountThreshold decimal.Decimal `json:"amount_threshold"`
	Categories      []string        `json:"categories"` // 为空时退回配置的高风险类目列表
}

// MonitoringService 交易监控规则引擎
//
// 完全旁路：消费事件流落库，评估只读事件表与钱包元数据，
// 永不触碰账本与余额行锁。规则出错记日志跳过，不影响后续规则
type MonitoringService struct {
	db             *gorm.DB
	cfg            *config.Config
	clk            clock.Clock
	monitoringRepo *repository.MonitoringRepository
	walletRepo     *repository.WalletRepository
}

func NewMonitoringService(db *gorm.DB, cfg *config.Config, clk clock.Clock) *MonitoringService {
	return &MonitoringService{
		db:             db,
		cfg:            cfg,
		clk:            clk,
		monitoringRepo: repository.NewMonitoringRepository(db),
		walletRepo:     repository.NewWalletRepository(db),
	}
}

// ProcessEventPayload Kafka 消费入口：反序列化、落库、评估规则
// 返回错误表示消息未成功处理（不提交 offset，等待重投）
func (s *MonitoringService) ProcessEventPayload(ctx context.Context, payload []byte) error {
	var msg TransactionEventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		// 毒消息记日志后吞掉，避免卡死分区
		log.Printf("无法解析交易事件, 丢弃: %v, payload=%s", err, string(payload))
		return nil
	}
	return s.RecordEvent(ctx, &msg)
}

// RecordEvent 事件落库并触发规则评估
func (s *MonitoringService) RecordEvent(ctx context.Context, msg *TransactionEventMessage) error {
	event := &model.TransactionEvent{
		TransactionID: msg.TransactionID,
		UserID:        msg.UserID,
		WalletID:      msg.WalletID,
		Kind:          msg.Kind,
		Status:        msg.Status,
		Amount:        msg.Amount,
		Category:      msg.Category,
		OccurredAt:    msg.OccurredAt,
	}
	if err := s.monitoringRepo.CreateEvent(ctx, event); err != nil {
		return fmt.Errorf("交易事件落库失败: %w", err)
	}

	s.Evaluate(ctx, event)
	return nil
}

// Evaluate 按优先级升序评估全部启用规则
// 一个事件可命中多条规则产生多条告警；单条规则出错跳过不中断
func (s *MonitoringService) Evaluate(ctx context.Context, event *model.TransactionEvent) {
	rules, err := s.monitoringRepo.ListActiveRules(ctx)
	if err != nil {
		log.Printf("加载监控规则失败: %v", err)
		return
	}

	for _, rule := range rules {
		hit, alertData, err := s.evaluateRule(ctx, rule, event)
		if err != nil {
			log.Printf("规则评估出错, 跳过: ruleID=%d, name=%s, err=%v", rule.ID, rule.Name, err)
			continue
		}
		if !hit {
			continue
		}
		if err := s.createAlert(ctx, rule, event, alertData); err != nil {
			log.Printf("创建告警失败: ruleID=%d, userID=%d, err=%v", rule.ID, event.UserID, err)
		}
	}
}

func (s *MonitoringService) evaluateRule(ctx context.Context, rule *model.TransactionMonitoringRule, event *model.TransactionEvent) (bool, map[string]interface{}, error) {
	switch rule.Type {
	case model.RuleTypeVelocity:
		return s.evaluateVelocity(ctx, rule, event)
	case model.RuleTypeThreshold:
		return s.evaluateThreshold(ctx, rule, event)
	case model.RuleTypePattern:
		return s.evaluatePattern(ctx, rule, event)
	case model.RuleTypeCategory:
		return s.evaluateCategory(rule, event)
	default:
		return false, nil, fmt.Errorf("%w: %s", ErrUnknownRuleType, rule.Type)
	}
}

func (s *MonitoringService) evaluateVelocity(ctx context.Context, rule *model.TransactionMonitoringRule, event *model.TransactionEvent) (bool, map[string]interface{}, error) {
	var cond VelocityConditions
	if err := json.Unmarshal([]byte(rule.Conditions), &cond); err != nil {
		return false, nil, fmt.Errorf("解析 velocity 条件失败: %w", err)
	}
	if cond.TimeWindowMinutes <= 0 || cond.MaxTransactions <= 0 {
		return false, nil, fmt.Errorf("velocity 条件参数无效: %s", rule.Conditions)
	}
	if event.Status != model.EventStatusSuccess {
		return false, nil, nil
	}

	since := s.clk.Now().Add(-time.Duration(cond.TimeWindowMinutes) * time.Minute)
	var minAmount *decimal.Decimal
	if cond.MinAmount.IsPositive() {
		minAmount = &cond.MinAmount
	}
	count, err := s.monitoringRepo.CountEventsSince(ctx, event.UserID, since, minAmount)
	if err != nil {
		return false, nil, err
	}
	if count < int64(cond.MaxTransactions) {
		return false, nil, nil
	}
	return true, map[string]interface{}{
		"time_window_minutes": cond.TimeWindowMinutes,
		"max_transactions":    cond.MaxTransactions,
		"observed":            count,
	}, nil
}

func (s *MonitoringService) evaluateThreshold(ctx context.Context, rule *model.TransactionMonitoringRule, event *model.TransactionEvent) (bool, map[string]interface{}, error) {
	var cond ThresholdConditions
	if err := json.Unmarshal([]byte(rule.Conditions), &cond); err != nil {
		return false, nil, fmt.Errorf("解析 threshold 条件失败: %w", err)
	}
	if event.Status != model.EventStatusSuccess {
		return false, nil, nil
	}

	if cond.SingleLimit.IsPositive() && event.Amount.GreaterThanOrEqual(cond.SingleLimit) {
		return true, map[string]interface{}{
			"single_limit": cond.SingleLimit.String(),
			"amount":       event.Amount.String(),
		}, nil
	}

	if cond.DailyLimit.IsPositive() {
		since := s.clk.Now().Add(-24 * time.Hour)
		sum, err := s.monitoringRepo.SumEventsSince(ctx, event.UserID, since)
		if err != nil {
			return false, nil, err
		}
		if sum.GreaterThanOrEqual(cond.DailyLimit) {
			return true, map[string]interface{}{
				"daily_limit": cond.DailyLimit.String(),
				"daily_sum":   sum.String(),
			}, nil
		}
	}
	return false, nil, nil
}

func (s *MonitoringService) evaluatePattern(ctx context.Context, rule *model.TransactionMonitoringRule, event *model.TransactionEvent) (bool, map[string]interface{}, error) {
	var cond PatternConditions
	if err := json.Unmarshal([]byte(rule.Conditions), &cond); err != nil {
		return false, nil, fmt.Errorf("解析 pattern 条件失败: %w", err)
	}
	now := s.clk.Now()

	// 新账户大额：账户年龄取钱包创建时间
	if cond.AccountAgeDays > 0 && cond.MinAmount.IsPositive() && event.Status == model.EventStatusSuccess {
		wallet, err := s.walletRepo.GetByID(ctx, event.WalletID)
		if err != nil && !errors.Is(err, repository.ErrWalletNotFound) {
			return false, nil, err
		}
		if wallet != nil {
			ageDays := now.Sub(wallet.CreatedAt).Hours() / 24
			if ageDays < float64(cond.AccountAgeDays) && event.Amount.GreaterThanOrEqual(cond.MinAmount) {
				return true, map[string]interface{}{
					"pattern":          "new_account_large_amount",
					"account_age_days": ageDays,
					"min_amount":       cond.MinAmount.String(),
					"amount":           event.Amount.String(),
				}, nil
			}
		}
	}

	// 整数金额：可疑的"凑整"交易
	if cond.RoundAmountThreshold.IsPositive() && event.Status == model.EventStatusSuccess {
		if event.Amount.GreaterThanOrEqual(cond.RoundAmountThreshold) && event.Amount.Mod(decimal.NewFromInt(1000)).IsZero() {
			return true, map[string]interface{}{
				"pattern": "round_amount",
				"amount":  event.Amount.String(),
			}, nil
		}
	}

	// 时间窗内失败次数（限额拒绝、余额不足都计入）
	if cond.FailedThreshold > 0 && cond.TimeWindowHours > 0 {
		since := now.Add(-time.Duration(cond.TimeWindowHours) * time.Hour)
		failed, err := s.monitoringRepo.CountFailedSince(ctx, event.UserID, since)
		if err != nil {
			return false, nil, err
		}
		if failed >= int64(cond.FailedThreshold) {
			return true, map[string]interface{}{
				"pattern":          "repeated_failures",
				"failed_threshold": cond.FailedThreshold,
				"observed":         failed,
			}, nil
		}
	}

	return false, nil, nil
}

func (s *MonitoringService) evaluateCategory(rule *model.TransactionMonitoringRule, event *model.TransactionEvent) (bool, map[string]interface{}, error) {
	var cond CategoryConditions
	if err := json.Unmarshal([]byte(rule.Conditions), &cond); err != nil {
		return false, nil, fmt.Errorf("解析 category 条件失败: %w", err)
	}
	if event.Status != model.EventStatusSuccess || event.Category == "" {
		return false, nil, nil
	}

	categories := cond.Categories
	if len(categories) == 0 {
		categories = s.cfg.Risk.HighRiskCategories
	}
	matched := false
	for _, c := range categories {
		if c == event.Category {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil, nil
	}
	if cond.AmountThreshold.IsPositive() && event.Amount.LessThan(cond.AmountThreshold) {
		return false, nil, nil
	}
	return true, map[string]interface{}{
		"category": event.Category,
		"amount":   event.Amount.String(),
	}, nil
}

func (s *MonitoringService) createAlert(ctx context.Context, rule *model.TransactionMonitoringRule, event *model.TransactionEvent, alertData map[string]interface{}) error {
	score, ok := s.cfg.Risk.SeverityScores[rule.Severity]
	if !ok {
		score = 50
	}

	dataJSON, err := json.Marshal(alertData)
	if err != nil {
		dataJSON = []byte("{}")
	}

	alert := &model.SuspiciousActivityAlert{
		AlertNo:       idgen.GenerateAlertNo(),
		UserID:        event.UserID,
		TransactionID: event.TransactionID,
		RuleID:        rule.ID,
		RuleType:      rule.Type,
		Severity:      rule.Severity,
		Status:        model.AlertStatusNew,
		AlertData:     string(dataJSON),
		RiskScore:     score,
	}
	if err := s.monitoringRepo.CreateAlert(ctx, nil, alert); err != nil {
		return err
	}

	log.Printf("产生可疑活动告警: alertNo=%s, userID=%d, rule=%s, severity=%s",
		alert.AlertNo, event.UserID, rule.Name, rule.Severity)

	if err := s.RecomputeRiskProfile(ctx, event.UserID); err != nil {
		log.Printf("重算风险画像失败: userID=%d, err=%v", event.UserID, err)
	}
	return nil
}

// RecomputeRiskProfile 重算用户风险画像
//
// velocity 子分 = 未关闭的 velocity/threshold 告警的最高单条分 + 超出一条
// 的部分每条加 5，截断到 100；pattern 子分同理取 pattern/category 告警；
// compliance 子分 = 已关闭告警数 / 总告警数 * 100（无告警为满分 100）。
// overall = velocity*0.4 + pattern*0.3 + (100-compliance)*0.3，权重可配置
func (s *MonitoringService) RecomputeRiskProfile(ctx context.Context, userID int64) error {
	profile, err := s.monitoringRepo.GetOrCreateRiskProfile(ctx, userID)
	if err != nil {
		return err
	}

	openAlerts, err := s.monitoringRepo.ListOpenAlertsByUser(ctx, userID)
	if err != nil {
		return err
	}
	total, closed, err := s.monitoringRepo.CountAlertsByUser(ctx, userID)
	if err != nil {
		return err
	}

	velocityScore := subScore(openAlerts, model.RuleTypeVelocity, model.RuleTypeThreshold)
	patternScore := subScore(openAlerts, model.RuleTypePattern, model.RuleTypeCategory)

	complianceScore := 100.0
	if total > 0 {
		complianceScore = float64(closed) / float64(total) * 100
	}

	overall := velocityScore*s.cfg.Risk.VelocityWeight +
		patternScore*s.cfg.Risk.PatternWeight +
		(100-complianceScore)*s.cfg.Risk.ComplianceWeight
	overall = clampScore(overall)

	level := model.RiskLevelLow
	switch {
	case overall >= s.cfg.Risk.CriticalLevelThreshold:
		level = model.RiskLevelCritical
	case overall >= s.cfg.Risk.HighLevelThreshold:
		level = model.RiskLevelHigh
	case overall >= s.cfg.Risk.MediumLevelThreshold:
		level = model.RiskLevelMedium
	}

	profile.VelocityScore = velocityScore
	profile.PatternScore = patternScore
	profile.ComplianceScore = complianceScore
	profile.OverallRiskScore = overall
	profile.RiskLevel = level
	profile.TotalAlerts = int(total)
	profile.ResolvedAlerts = int(closed)

	return s.monitoringRepo.SaveRiskProfile(ctx, profile)
}

// subScore 未关闭告警中命中指定规则类型的子分
func subScore(openAlerts []*model.SuspiciousActivityAlert, ruleTypes ...string) float64 {
	maxScore := 0.0
	count := 0
	for _, a := range openAlerts {
		matched := false
		for _, t := range ruleTypes {
			if a.RuleType == t {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		count++
		if float64(a.RiskScore) > maxScore {
			maxScore = float64(a.RiskScore)
		}
	}
	if count == 0 {
		return 0
	}
	// 最高单条分打底，额外每条告警加 5 分
	return clampScore(maxScore + float64(count-1)*5)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ============================================================================
// 告警生命周期（合规审查入口）
// ============================================================================

func (s *MonitoringService) MarkInvestigating(ctx context.Context, alertNo string) error {
	return s.transitionAlert(ctx, alertNo, model.AlertStatusInvestigating)
}

func (s *MonitoringService) MarkResolved(ctx context.Context, alertNo string) error {
	return s.transitionAlert(ctx, alertNo, model.AlertStatusResolved)
}

func (s *MonitoringService) MarkFalsePositive(ctx context.Context, alertNo string) error {
	return s.transitionAlert(ctx, alertNo, model.AlertStatusFalsePositive)
}

func (s *MonitoringService) transitionAlert(ctx context.Context, alertNo, targetStatus string) error {
	alert, err := s.monitoringRepo.GetAlertByNo(ctx, alertNo)
	if err != nil {
		return err
	}
	if !model.CanAlertTransitionTo(alert.Status, targetStatus) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrAlertStatusInvalid, alert.Status, targetStatus)
	}
	if err := s.monitoringRepo.UpdateAlertStatus(ctx, alertNo, alert.Status, targetStatus); err != nil {
		return err
	}

	if err := s.RecomputeRiskProfile(ctx, alert.UserID); err != nil {
		log.Printf("重算风险画像失败: userID=%d, err=%v", alert.UserID, err)
	}
	return nil
}

// ============================================================================
// 查询与规则管理
// ============================================================================

func (s *MonitoringService) GetAlert(ctx context.Context, alertNo string) (*model.SuspiciousActivityAlert, error) {
	return s.monitoringRepo.GetAlertByNo(ctx, alertNo)
}

func (s *MonitoringService) ListAlerts(ctx context.Context, userID int64, status string, page, pageSize int) ([]*model.SuspiciousActivityAlert, int64, error) {
	return s.monitoringRepo.ListAlertsByUser(ctx, userID, status, page, pageSize)
}

func (s *MonitoringService) GetRiskProfile(ctx context.Context, userID int64) (*model.UserRiskProfile, error) {
	return s.monitoringRepo.GetRiskProfile(ctx, userID)
}

func (s *MonitoringService) CreateRule(ctx context.Context, rule *model.TransactionMonitoringRule) error {
	switch rule.Type {
	case model.RuleTypeVelocity, model.RuleTypeThreshold, model.RuleTypePattern, model.RuleTypeCategory:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownRuleType, rule.Type)
	}
	if !json.Valid([]byte(rule.Conditions)) {
		return fmt.Errorf("规则条件不是合法 JSON: %s", rule.Conditions)
	}
	return s.monitoringRepo.CreateRule(ctx, rule)
}

func (s *MonitoringService) ListRules(ctx context.Context) ([]*model.TransactionMonitoringRule, error) {
	return s.monitoringRepo.ListRules(ctx)
}

func (s *MonitoringService) SetRuleActive(ctx context.Context, ruleID int64, active bool) error {
	return s.monitoringRepo.SetRuleActive(ctx, ruleID, active)
}
