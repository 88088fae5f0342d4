package job

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/infrastructure/mq"
	"marketpay/internal/service"
	"marketpay/pkg/clock"

	"github.com/IBM/sarama"
	"gorm.io/gorm"
)

// MonitorConsumer 交易监控消费任务
// 从事件主题消费交易事件，落库并评估监控规则，随后做等级联动。
// 处理失败先原地重试，重试耗尽则退出会话，
// 下一轮从未提交的 offset 重新消费
type MonitorConsumer struct {
	group             sarama.ConsumerGroup
	monitoringService *service.MonitoringService
	tierService       *service.TierService
	cfg               *config.Config
}

func NewMonitorConsumer(db *gorm.DB, cfg *config.Config, clk clock.Clock) *MonitorConsumer {
	return &MonitorConsumer{
		group:             mq.NewConsumerGroup(&cfg.Kafka),
		monitoringService: service.NewMonitoringService(db, cfg, clk),
		tierService:       service.NewTierService(db, cfg),
		cfg:               cfg,
	}
}

func (c *MonitorConsumer) Start(ctx context.Context) {
	log.Println("[MonitorConsumer] 交易监控消费任务启动")

	go func() {
		for err := range c.group.Errors() {
			log.Printf("[MonitorConsumer] 消费组错误: %v", err)
		}
	}()

	topics := []string{c.cfg.Kafka.Topic.TransactionEvents}
	for {
		if err := c.group.Consume(ctx, topics, c); err != nil {
			log.Printf("[MonitorConsumer] 消费失败: %v", err)
		}
		if ctx.Err() != nil {
			log.Println("[MonitorConsumer] 收到停止信号，任务退出")
			return
		}
	}
}

func (c *MonitorConsumer) Stop() {
	if err := c.group.Close(); err != nil {
		log.Printf("[MonitorConsumer] 关闭消费组失败: %v", err)
	}
}

// sarama.ConsumerGroupHandler

func (c *MonitorConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *MonitorConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *MonitorConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for msg := range claim.Messages() {
		if err := c.processWithRetry(ctx, msg.Value); err != nil {
			// 不标记 offset 直接退出会话；offset 只增不减，
			// 继续消费后续消息会把失败消息永久跳过
			log.Printf("[MonitorConsumer] 处理事件失败: partition=%d, offset=%d, err=%v",
				msg.Partition, msg.Offset, err)
			return err
		}
		session.MarkMessage(msg, "")

		// 规则评估之后做等级联动（critical 告警累积触发自动降级）
		var event struct {
			UserID int64 `json:"user_id"`
		}
		if json.Unmarshal(msg.Value, &event) == nil && event.UserID > 0 {
			if err := c.tierService.EvaluateAlertEscalation(ctx, event.UserID); err != nil {
				log.Printf("[MonitorConsumer] 等级联动失败: userID=%d, err=%v", event.UserID, err)
			}
		}
	}
	return nil
}

// processWithRetry 原地重试瞬时故障，重试耗尽后把错误抛给会话
func (c *MonitorConsumer) processWithRetry(ctx context.Context, payload []byte) error {
	attempts := c.cfg.Business.MaxRetryCount
	if attempts <= 0 {
		attempts = 3
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = c.monitoringService.ProcessEventPayload(ctx, payload); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return err
}
