package service

import (
	"testing"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/model"
	"marketpay/pkg/clock"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testTreasuryUserID    = int64(901)
	testPlatformFeeUserID = int64(902)
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 内存库按连接隔离，固定单连接保证所有查询看到同一份数据
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.Wallet{},
		&model.LedgerEntry{},
		&model.EscrowLock{},
		&model.UserTier{},
		&model.TransactionLimit{},
		&model.UserTransactionLimit{},
		&model.TierChange{},
		&model.TierViolation{},
		&model.TransactionMonitoringRule{},
		&model.SuspiciousActivityAlert{},
		&model.UserRiskProfile{},
		&model.TransactionEvent{},
		&model.OutboxMessage{},
	))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				TransactionEvents: "test.transaction.events",
				TierNotifications: "test.tier.notifications",
			},
		},
		Business: config.BusinessConfig{
			Currency:          "CNY",
			TreasuryUserID:    testTreasuryUserID,
			PlatformFeeUserID: testPlatformFeeUserID,
			MaxRetryCount:     3,
		},
		Risk: config.RiskConfig{
			SeverityScores: map[string]int{
				"low":      25,
				"medium":   50,
				"high":     75,
				"critical": 100,
			},
			VelocityWeight:          0.4,
			PatternWeight:           0.3,
			ComplianceWeight:        0.3,
			CriticalLevelThreshold:  70,
			HighLevelThreshold:      50,
			MediumLevelThreshold:    30,
			CriticalAlertsForDemote: 3,
			HighRiskCategories:      []string{"gift_cards", "crypto_vouchers"},
		},
	}
}

func newManualClock() *clock.Manual {
	return clock.NewManual(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
}
