package service

import (
	"context"
	"fmt"
	"testing"

	"marketpay/internal/model"
	"marketpay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTierFixture(t *testing.T) (*TierService, *gorm.DB) {
	db := setupTestDB(t)
	return NewTierService(db, testConfig()), db
}

func addOpenCriticalAlert(t *testing.T, db *gorm.DB, userID int64, seq int) {
	t.Helper()
	require.NoError(t, db.Create(&model.SuspiciousActivityAlert{
		AlertNo:  fmt.Sprintf("ALT-test-%d-%d", userID, seq),
		UserID:   userID,
		RuleID:   1,
		RuleType: model.RuleTypePattern,
		Severity: model.SeverityCritical,
		Status:   model.AlertStatusNew,
	}).Error)
}

func TestTierService_PromoteAndDemote(t *testing.T) {
	svc, db := newTierFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Promote(ctx, 100, 2, "完成增强KYC", model.TierActorKYC, "enhanced"))

	tier, err := svc.GetTier(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, tier)

	// 审计行落库
	changes, err := svc.ListTierChanges(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, 0, changes[0].FromTier)
	assert.Equal(t, 2, changes[0].ToTier)
	assert.Equal(t, model.TierActorKYC, changes[0].Actor)

	// 等级通知进了发件箱
	var notifications int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).
		Where("topic = ?", "test.tier.notifications").
		Count(&notifications).Error)
	assert.Equal(t, int64(1), notifications)

	t.Run("promote cannot lower the tier", func(t *testing.T) {
		assert.Error(t, svc.Promote(ctx, 100, 1, "误操作", model.TierActorCompliance, ""))
	})

	t.Run("demote", func(t *testing.T) {
		require.NoError(t, svc.Demote(ctx, 100, 1, "合规调查", model.TierActorCompliance))

		tier, err := svc.GetTier(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, tier)

		// 降级不抹掉已记录的 KYC 级别
		var record model.UserTier
		require.NoError(t, db.Where("user_id = ?", int64(100)).First(&record).Error)
		assert.Equal(t, "enhanced", record.KYCLevel)
	})

	t.Run("tier out of range", func(t *testing.T) {
		assert.ErrorIs(t, svc.Promote(ctx, 100, 7, "x", model.TierActorCompliance, ""), repository.ErrTierOutOfRange)
	})

	t.Run("same tier is a no-op", func(t *testing.T) {
		before, err := svc.ListTierChanges(ctx, 100, 10)
		require.NoError(t, err)

		require.NoError(t, svc.Demote(ctx, 100, 1, "重复请求", model.TierActorCompliance))

		after, err := svc.ListTierChanges(ctx, 100, 10)
		require.NoError(t, err)
		assert.Len(t, after, len(before))
	})
}

func TestTierService_HandleKYCApproval(t *testing.T) {
	svc, _ := newTierFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleKYCApproval(ctx, 100, 1, "basic"))
	tier, err := svc.GetTier(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, tier)

	// 审核结果不高于当前等级时不动作
	require.NoError(t, svc.HandleKYCApproval(ctx, 100, 1, "basic"))
	changes, err := svc.ListTierChanges(ctx, 100, 10)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestTierService_AlertEscalation(t *testing.T) {
	svc, db := newTierFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Promote(ctx, 100, 2, "KYC通过", model.TierActorKYC, "enhanced"))

	// 两条未关闭 critical 不够阈值（阈值 3）
	addOpenCriticalAlert(t, db, 100, 1)
	addOpenCriticalAlert(t, db, 100, 2)
	require.NoError(t, svc.EvaluateAlertEscalation(ctx, 100))
	tier, err := svc.GetTier(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, tier)

	// 第三条触发自动降一级
	addOpenCriticalAlert(t, db, 100, 3)
	require.NoError(t, svc.EvaluateAlertEscalation(ctx, 100))
	tier, err = svc.GetTier(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, tier)

	violations, err := svc.ListViolations(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, model.ViolationKindCriticalAlerts, violations[0].Kind)

	changes, err := svc.ListTierChanges(ctx, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, model.TierActorSystem, changes[0].Actor)

	// 同一批告警不重复降级
	require.NoError(t, svc.EvaluateAlertEscalation(ctx, 100))
	tier, err = svc.GetTier(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, tier)

	// 新增告警后计数增长，再降一级
	addOpenCriticalAlert(t, db, 100, 4)
	require.NoError(t, svc.EvaluateAlertEscalation(ctx, 100))
	tier, err = svc.GetTier(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, tier)

	// 已到最低级，不再继续降
	addOpenCriticalAlert(t, db, 100, 5)
	require.NoError(t, svc.EvaluateAlertEscalation(ctx, 100))
	tier, err = svc.GetTier(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, tier)
}
