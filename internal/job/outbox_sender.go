package job

import (
	"context"
	"time"

	"pointsbilling/internal/config"
	"pointsbilling/internal/infrastructure/mq"
	"pointsbilling/internal/model"
	"pointsbilling/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender 把 outbox 表里待发送的流水事件投递到 Kafka
// 同一批里某个 key 发送失败后，这个 key 后面的消息留到下一轮，保证同一账户的事件按顺序到达
type OutboxSender struct {
	outboxRepo    *repository.OutboxRepository
	publisher     mq.Publisher
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
	maxRetryCount int
	now           func() time.Time
	log           *zap.SugaredLogger
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, cfg *config.Config, log *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo:    repository.NewOutboxRepository(db),
		publisher:     publisher,
		stopCh:        make(chan struct{}),
		interval:      cfg.Jobs.OutboxInterval,
		batchSize:     cfg.Jobs.BatchSize,
		maxRetryCount: cfg.Jobs.MaxRetryCount,
		now:           time.Now,
		log:           log.Sugar().Named("outbox_sender"),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Infow("消息发送任务启动", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// processPendingMessages 发送一批消息，返回发送成功的条数
func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Errorw("查询消息失败", "error", err)
		return 0
	}

	sent := 0
	blocked := make(map[string]struct{})
	for _, msg := range messages {
		if _, ok := blocked[msg.MessageKey]; ok {
			continue
		}
		if s.sendMessage(ctx, msg) {
			sent++
			continue
		}
		blocked[msg.MessageKey] = struct{}{}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, []byte(msg.Payload))
	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID, s.now()); updateErr != nil {
			// 状态没更新成功，下一轮会重发，消费方按 entry_no 去重
			s.log.Errorw("更新消息状态失败", "id", msg.ID, "error", updateErr)
			return false
		}
		s.log.Debugw("消息发送成功", "id", msg.ID, "event", msg.EventType, "key", msg.MessageKey)
		return true
	}

	giveUp := msg.RetryCount+1 >= s.maxRetryCount
	if updateErr := s.outboxRepo.RecordFailure(ctx, msg.ID, err, giveUp); updateErr != nil {
		s.log.Errorw("记录投递失败出错", "id", msg.ID, "error", updateErr)
		return false
	}

	if giveUp {
		s.log.Errorw("消息超过最大重试次数，标记为失败", "id", msg.ID, "topic", msg.Topic, "key", msg.MessageKey, "error", err)
	} else {
		s.log.Warnw("消息发送失败", "id", msg.ID, "retry_count", msg.RetryCount, "error", err)
	}
	return false
}
