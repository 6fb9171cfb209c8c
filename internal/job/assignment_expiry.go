package job

import (
	"context"
	"time"

	"pointsbilling/internal/config"
	"pointsbilling/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AssignmentExpiryJob 把已过期的订阅标记为失效
// 额度判断本身按墙上时间判断过期，这个任务只负责让 active 字段跟上实际状态
type AssignmentExpiryJob struct {
	assignmentRepo *repository.AssignmentRepository
	stopCh         chan struct{}
	interval       time.Duration
	batchSize      int
	now            func() time.Time
	log            *zap.SugaredLogger
}

func NewAssignmentExpiryJob(db *gorm.DB, cfg *config.Config, log *zap.Logger) *AssignmentExpiryJob {
	return &AssignmentExpiryJob{
		assignmentRepo: repository.NewAssignmentRepository(db),
		stopCh:         make(chan struct{}),
		interval:       cfg.Jobs.AssignmentExpiryInterval,
		batchSize:      cfg.Jobs.BatchSize,
		now:            time.Now,
		log:            log.Sugar().Named("assignment_expiry"),
	}
}

func (j *AssignmentExpiryJob) Start(ctx context.Context) {
	j.log.Infow("订阅过期任务启动", "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.closeExpiredAssignments(ctx)
		}
	}
}

func (j *AssignmentExpiryJob) Stop() {
	close(j.stopCh)
}

func (j *AssignmentExpiryJob) closeExpiredAssignments(ctx context.Context) int {
	now := j.now()
	assignments, err := j.assignmentRepo.GetExpired(ctx, now, j.batchSize)
	if err != nil {
		j.log.Errorw("查询过期订阅失败", "error", err)
		return 0
	}

	if len(assignments) == 0 {
		return 0
	}

	closed := 0
	for _, assignment := range assignments {
		ok, err := j.assignmentRepo.Deactivate(ctx, assignment.ID, now)
		if err != nil {
			j.log.Errorw("关闭订阅失败", "id", assignment.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		closed++
		j.log.Infow("订阅已过期",
			"id", assignment.ID,
			"account_id", assignment.AccountID,
			"tariff_id", assignment.TariffID,
			"expires_at", assignment.ExpiresAt,
		)
	}

	j.log.Infow("本次关闭过期订阅", "count", closed)
	return closed
}
