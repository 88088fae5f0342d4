package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/model"
	"marketpay/internal/service"
	"marketpay/pkg/clock"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sarama 会话/分区桩，驱动 ConsumeClaim 不需要真实 broker

type stubSession struct {
	ctx    context.Context
	marked []int64
}

func (s *stubSession) Claims() map[string][]int32               { return nil }
func (s *stubSession) MemberID() string                         { return "test-member" }
func (s *stubSession) GenerationID() int32                      { return 1 }
func (s *stubSession) MarkOffset(string, int32, int64, string)  {}
func (s *stubSession) Commit()                                  {}
func (s *stubSession) ResetOffset(string, int32, int64, string) {}
func (s *stubSession) Context() context.Context                 { return s.ctx }
func (s *stubSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type stubClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "test.transaction.events" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func setupConsumerTest(t *testing.T) (*MonitorConsumer, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.Wallet{},
		&model.UserTier{},
		&model.TierChange{},
		&model.TierViolation{},
		&model.TransactionMonitoringRule{},
		&model.SuspiciousActivityAlert{},
		&model.UserRiskProfile{},
		&model.TransactionEvent{},
		&model.OutboxMessage{},
	))

	cfg := &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				TransactionEvents: "test.transaction.events",
				TierNotifications: "test.tier.notifications",
			},
		},
		Business: config.BusinessConfig{
			Currency:      "CNY",
			MaxRetryCount: 1, // 重试不等待，失败立即抛出
		},
		Risk: config.RiskConfig{
			SeverityScores:          map[string]int{"low": 25, "medium": 50, "high": 75, "critical": 100},
			VelocityWeight:          0.4,
			PatternWeight:           0.3,
			ComplianceWeight:        0.3,
			CriticalLevelThreshold:  70,
			HighLevelThreshold:      50,
			MediumLevelThreshold:    30,
			CriticalAlertsForDemote: 3,
		},
	}
	clk := clock.NewManual(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))

	consumer := &MonitorConsumer{
		monitoringService: service.NewMonitoringService(db, cfg, clk),
		tierService:       service.NewTierService(db, cfg),
		cfg:               cfg,
	}
	return consumer, db
}

func eventPayload(t *testing.T, offset int64) *sarama.ConsumerMessage {
	payload, err := json.Marshal(&service.TransactionEventMessage{
		TransactionID: "TXN-consumer-test",
		UserID:        100,
		WalletID:      1,
		Kind:          model.EventKindDeposit,
		Status:        model.EventStatusSuccess,
		Amount:        decimal.NewFromInt(500),
		OccurredAt:    time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{
		Topic:     "test.transaction.events",
		Partition: 0,
		Offset:    offset,
		Value:     payload,
	}
}

func TestMonitorConsumer_ConsumeClaim(t *testing.T) {
	t.Run("processed message marks offset", func(t *testing.T) {
		consumer, db := setupConsumerTest(t)

		messages := make(chan *sarama.ConsumerMessage, 1)
		messages <- eventPayload(t, 5)
		close(messages)

		session := &stubSession{ctx: context.Background()}
		require.NoError(t, consumer.ConsumeClaim(session, &stubClaim{messages: messages}))

		assert.Equal(t, []int64{5}, session.marked)
		var count int64
		require.NoError(t, db.Model(&model.TransactionEvent{}).Count(&count).Error)
		assert.EqualValues(t, 1, count)
	})

	t.Run("failed message stops session before later offsets", func(t *testing.T) {
		consumer, db := setupConsumerTest(t)
		// 事件表缺失制造持久性落库失败
		require.NoError(t, db.Migrator().DropTable(&model.TransactionEvent{}))

		messages := make(chan *sarama.ConsumerMessage, 2)
		messages <- eventPayload(t, 5)
		messages <- eventPayload(t, 6)
		close(messages)

		session := &stubSession{ctx: context.Background()}
		err := consumer.ConsumeClaim(session, &stubClaim{messages: messages})

		// 会话带错误退出，失败消息之后的 offset 一个都不能标记
		require.Error(t, err)
		assert.Empty(t, session.marked)
	})
}
