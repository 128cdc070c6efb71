package job

import (
	"context"

	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher 消息投递，生产环境为 Kafka 生产者
type Publisher interface {
	Publish(topic, key, value string) error
}

// OutboxSender 将 outbox 中的通知事件投递到 Kafka
// 投递失败只影响通知，账务已在写入 outbox 时提交
type OutboxSender struct {
	loop
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	maxRetry   int
	batchSize  int
	metrics    *metrics.Metrics
}

func NewOutboxSender(db *gorm.DB, publisher Publisher, opts Options) *OutboxSender {
	return &OutboxSender{
		loop:       newLoop("outbox_sender", opts.Interval, nil, opts.Logger),
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		maxRetry:   opts.MaxRetry,
		batchSize:  opts.BatchSize,
		metrics:    opts.Metrics,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.run(ctx, s.RunOnce)
}

// RunOnce 处理一批待发送消息
func (s *OutboxSender) RunOnce(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("查询消息失败", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}

	if pending, err := s.outboxRepo.CountByStatus(ctx, model.OutboxStatusPending); err == nil {
		s.metrics.OutboxBacklog(pending)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			s.log.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
			return
		}
		s.metrics.Outbox("sent")
		s.log.Debug("消息发送成功", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey))
		return
	}

	s.log.Warn("消息发送失败", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(err))

	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.log.Error("标记消息失败状态失败", zap.Int64("id", msg.ID), zap.Error(err))
			return
		}
		s.metrics.Outbox("failed")
		s.log.Error("消息超过最大重试次数，标记为失败", zap.Int64("id", msg.ID), zap.String("key", msg.MessageKey))
		return
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.log.Error("增加重试次数失败", zap.Int64("id", msg.ID), zap.Error(err))
		return
	}
	s.metrics.Outbox("retry")
}
