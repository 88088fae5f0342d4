package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"marketpay/internal/model"
	"marketpay/internal/repository"
	"marketpay/pkg/clock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newMonitoringFixture(t *testing.T) (*MonitoringService, *gorm.DB, *clock.Manual) {
	db := setupTestDB(t)
	clk := newManualClock()
	return NewMonitoringService(db, testConfig(), clk), db, clk
}

func createRule(t *testing.T, svc *MonitoringService, name, ruleType, severity, conditions string) *model.TransactionMonitoringRule {
	t.Helper()
	rule := &model.TransactionMonitoringRule{
		Name:       name,
		Type:       ruleType,
		Severity:   severity,
		Conditions: conditions,
		Active:     true,
		Priority:   100,
	}
	require.NoError(t, svc.CreateRule(context.Background(), rule))
	return rule
}

func successEvent(userID, walletID int64, amount int64, at time.Time) *TransactionEventMessage {
	return &TransactionEventMessage{
		TransactionID: fmt.Sprintf("TXN-%d-%d", userID, at.UnixNano()),
		UserID:        userID,
		WalletID:      walletID,
		Kind:          model.EventKindWithdrawal,
		Status:        model.EventStatusSuccess,
		Amount:        decimal.NewFromInt(amount),
		OccurredAt:    at,
	}
}

func listAlerts(t *testing.T, db *gorm.DB, userID int64) []*model.SuspiciousActivityAlert {
	t.Helper()
	var alerts []*model.SuspiciousActivityAlert
	require.NoError(t, db.Where("user_id = ?", userID).Order("id ASC").Find(&alerts).Error)
	return alerts
}

// 开户 2 天、单笔 600000：命中"新账户大额"模式规则，产生 critical 告警
func TestMonitoringService_NewAccountLargeAmount(t *testing.T) {
	svc, db, clk := newMonitoringFixture(t)
	ctx := context.Background()

	// 两天前开的钱包
	wallet := &model.Wallet{UserID: 100, Currency: "CNY", Status: model.WalletStatusActive,
		CreatedAt: clk.Now().Add(-48 * time.Hour)}
	require.NoError(t, db.Create(wallet).Error)

	createRule(t, svc, "新账户大额", model.RuleTypePattern, model.SeverityCritical,
		`{"account_age_days": 7, "min_amount": "500000"}`)

	require.NoError(t, svc.RecordEvent(ctx, successEvent(100, wallet.ID, 600000, clk.Now())))

	alerts := listAlerts(t, db, 100)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, 100, alerts[0].RiskScore)
	assert.Equal(t, model.AlertStatusNew, alerts[0].Status)
	assert.Contains(t, alerts[0].AlertData, "new_account_large_amount")

	// 老账户同样金额不命中
	oldWallet := &model.Wallet{UserID: 200, Currency: "CNY", Status: model.WalletStatusActive,
		CreatedAt: clk.Now().Add(-30 * 24 * time.Hour)}
	require.NoError(t, db.Create(oldWallet).Error)
	require.NoError(t, svc.RecordEvent(ctx, successEvent(200, oldWallet.ID, 600000, clk.Now())))
	assert.Empty(t, listAlerts(t, db, 200))
}

func TestMonitoringService_VelocityRule(t *testing.T) {
	svc, db, clk := newMonitoringFixture(t)
	ctx := context.Background()

	createRule(t, svc, "高频交易", model.RuleTypeVelocity, model.SeverityHigh,
		`{"time_window_minutes": 60, "max_transactions": 3}`)

	for i := 0; i < 2; i++ {
		require.NoError(t, svc.RecordEvent(ctx, successEvent(100, 1, 100, clk.Now())))
		clk.Advance(time.Minute)
	}
	assert.Empty(t, listAlerts(t, db, 100))

	// 第三笔正好到达窗口上限，等值即命中
	require.NoError(t, svc.RecordEvent(ctx, successEvent(100, 1, 100, clk.Now())))
	alerts := listAlerts(t, db, 100)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.RuleTypeVelocity, alerts[0].RuleType)
}

func TestMonitoringService_ThresholdAndCategory(t *testing.T) {
	svc, db, clk := newMonitoringFixture(t)
	ctx := context.Background()

	createRule(t, svc, "单笔大额", model.RuleTypeThreshold, model.SeverityMedium,
		`{"single_limit": "50000"}`)
	createRule(t, svc, "高风险类目", model.RuleTypeCategory, model.SeverityHigh,
		`{"amount_threshold": "10000", "categories": ["gift_cards"]}`)

	// 一个事件可以同时命中多条规则
	msg := successEvent(100, 1, 60000, clk.Now())
	msg.Category = "gift_cards"
	require.NoError(t, svc.RecordEvent(ctx, msg))

	alerts := listAlerts(t, db, 100)
	require.Len(t, alerts, 2)

	// 类目命中但金额低于阈值不报
	small := successEvent(100, 1, 5000, clk.Now())
	small.Category = "gift_cards"
	require.NoError(t, svc.RecordEvent(ctx, small))
	assert.Len(t, listAlerts(t, db, 100), 2)

	// 单笔恰好等于限额同样命中
	require.NoError(t, svc.RecordEvent(ctx, successEvent(100, 1, 50000, clk.Now())))
	alerts = listAlerts(t, db, 100)
	require.Len(t, alerts, 3)
}

func TestMonitoringService_FailedAttemptsPattern(t *testing.T) {
	svc, db, clk := newMonitoringFixture(t)
	ctx := context.Background()

	createRule(t, svc, "密集失败", model.RuleTypePattern, model.SeverityMedium,
		`{"failed_threshold": 3, "time_window_hours": 1}`)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RecordEvent(ctx, &TransactionEventMessage{
			UserID:     100,
			WalletID:   1,
			Kind:       model.EventKindWithdrawal,
			Status:     model.EventStatusFailed,
			Amount:     decimal.NewFromInt(5000),
			OccurredAt: clk.Now(),
		}))
	}

	alerts := listAlerts(t, db, 100)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].AlertData, "repeated_failures")
}

func TestMonitoringService_BrokenRuleSkipped(t *testing.T) {
	svc, db, clk := newMonitoringFixture(t)
	ctx := context.Background()

	// 规则引擎直接入库一条坏条件的规则（绕过创建校验）
	require.NoError(t, db.Create(&model.TransactionMonitoringRule{
		Name: "坏规则", Type: model.RuleTypeVelocity, Severity: model.SeverityLow,
		Conditions: `{"time_window_minutes": 0}`, Active: true, Priority: 1,
	}).Error)
	createRule(t, svc, "单笔大额", model.RuleTypeThreshold, model.SeverityMedium,
		`{"single_limit": "50000"}`)

	// 坏规则跳过，后面的规则照常评估
	require.NoError(t, svc.RecordEvent(ctx, successEvent(100, 1, 60000, clk.Now())))
	alerts := listAlerts(t, db, 100)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.RuleTypeThreshold, alerts[0].RuleType)
}

func TestMonitoringService_AlertLifecycle(t *testing.T) {
	svc, db, clk := newMonitoringFixture(t)
	ctx := context.Background()

	createRule(t, svc, "单笔大额", model.RuleTypeThreshold, model.SeverityHigh,
		`{"single_limit": "50000"}`)
	require.NoError(t, svc.RecordEvent(ctx, successEvent(100, 1, 60000, clk.Now())))

	alerts := listAlerts(t, db, 100)
	require.Len(t, alerts, 1)
	alertNo := alerts[0].AlertNo

	require.NoError(t, svc.MarkInvestigating(ctx, alertNo))
	require.NoError(t, svc.MarkResolved(ctx, alertNo))

	// resolved 是终态
	err := svc.MarkInvestigating(ctx, alertNo)
	assert.ErrorIs(t, err, repository.ErrAlertStatusInvalid)

	alert, err := svc.GetAlert(ctx, alertNo)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, alert.Status)
}

func TestMonitoringService_RiskProfileRecompute(t *testing.T) {
	svc, db, clk := newMonitoringFixture(t)
	ctx := context.Background()

	createRule(t, svc, "单笔大额", model.RuleTypeThreshold, model.SeverityCritical,
		`{"single_limit": "50000"}`)

	require.NoError(t, svc.RecordEvent(ctx, successEvent(100, 1, 60000, clk.Now())))

	// 一条未关闭 critical 告警：velocity 子分 100，
	// overall = 100*0.4 + 0*0.3 + (100-0)*0.3 = 70 -> critical
	profile, err := svc.GetRiskProfile(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.InDelta(t, 100, profile.VelocityScore, 0.001)
	assert.InDelta(t, 0, profile.ComplianceScore, 0.001)
	assert.InDelta(t, 70, profile.OverallRiskScore, 0.001)
	assert.Equal(t, model.RiskLevelCritical, profile.RiskLevel)
	assert.Equal(t, 1, profile.TotalAlerts)

	// 告警关闭后合规分回升，整体风险回落
	alerts := listAlerts(t, db, 100)
	require.NoError(t, svc.MarkFalsePositive(ctx, alerts[0].AlertNo))

	profile, err = svc.GetRiskProfile(ctx, 100)
	require.NoError(t, err)
	assert.InDelta(t, 0, profile.VelocityScore, 0.001)
	assert.InDelta(t, 100, profile.ComplianceScore, 0.001)
	assert.InDelta(t, 0, profile.OverallRiskScore, 0.001)
	assert.Equal(t, model.RiskLevelLow, profile.RiskLevel)
	assert.Equal(t, 1, profile.ResolvedAlerts)
}
