package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/model"
	"marketpay/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionEventMessage 交易事件消息体
// 资金服务通过发件箱发布，监控规则引擎从 Kafka 消费
type TransactionEventMessage struct {
	TransactionID string          `json:"transaction_id"`
	UserID        int64           `json:"user_id"`
	WalletID      int64           `json:"wallet_id"`
	Kind          string          `json:"kind"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// isDeniedTransaction 判断资金事务错误是否属于业务拒绝
// 限额复查拒绝和余额不足都要进失败事件流，供监控失败窗口计数
func isDeniedTransaction(err error) bool {
	var limitErr *LimitExceededError
	return errors.Is(err, repository.ErrInsufficientBalance) || errors.As(err, &limitErr)
}

// enqueueTransactionEvent 把交易事件写进发件箱
// 成功事件必须传资金事务的 tx（同事务提交）；失败事件（限额拒绝、
// 余额不足）没有资金事务，tx 传 nil 直接落库
func enqueueTransactionEvent(ctx context.Context, tx *gorm.DB, outboxRepo *repository.OutboxRepository, cfg *config.Config, msg *TransactionEventMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := msg.TransactionID
	if key == "" {
		key = msg.Kind
	}

	return outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: key,
		Topic:      cfg.Kafka.Topic.TransactionEvents,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}
