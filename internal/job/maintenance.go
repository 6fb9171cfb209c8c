package job

import (
	"context"
	"time"

	"pointsbilling/internal/config"
	"pointsbilling/internal/infrastructure/lock"
	"pointsbilling/internal/model"
	"pointsbilling/internal/repository"
	"pointsbilling/internal/service"
	"pointsbilling/pkg/errcode"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 维护任务在多实例部署时只需要跑一份，用 Redis 锁互斥
// 锁的过期时间要比一次执行长，执行完主动释放
const maintenanceLockTTL = 10 * time.Minute

// exclusive 拿到锁才执行 fn；client 为 nil 时直接执行（单实例或一次性命令）
func exclusive(ctx context.Context, client redis.UniversalClient, name string, log *zap.SugaredLogger, fn func(ctx context.Context) error) error {
	if client == nil {
		return fn(ctx)
	}
	ran, err := lock.RunExclusive(ctx, lock.NewJobLock(client, name, maintenanceLockTTL), fn)
	if err != nil {
		return err
	}
	if !ran {
		log.Debugw("其他实例正在执行，跳过", "job", name)
	}
	return nil
}

// CounterRetentionJob 删除超出保留期的每日计数
// 保留最近 retention_days 个自然日（含今天），今天和昨天的计数永远不会被删
type CounterRetentionJob struct {
	counterRepo   *repository.CounterRepository
	redis         redis.UniversalClient
	retentionDays int
	loc           *time.Location
	stopCh        chan struct{}
	interval      time.Duration
	now           func() time.Time
	log           *zap.SugaredLogger
}

func NewCounterRetentionJob(db *gorm.DB, client redis.UniversalClient, cfg *config.Config, log *zap.Logger) (*CounterRetentionJob, error) {
	loc, err := cfg.Quota.Location()
	if err != nil {
		return nil, err
	}
	return &CounterRetentionJob{
		counterRepo:   repository.NewCounterRepository(db),
		redis:         client,
		retentionDays: cfg.Quota.RetentionDays,
		loc:           loc,
		stopCh:        make(chan struct{}),
		interval:      cfg.Jobs.RetentionInterval,
		now:           time.Now,
		log:           log.Sugar().Named("counter_retention"),
	}, nil
}

func (j *CounterRetentionJob) Start(ctx context.Context) {
	j.log.Infow("计数清理任务启动", "interval", j.interval, "retention_days", j.retentionDays)

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
			if _, err := j.RunOnce(ctx); err != nil {
				j.log.Errorw("清理计数失败", "error", err)
			}
		}
	}
}

func (j *CounterRetentionJob) Stop() {
	close(j.stopCh)
}

// Cutoff 早于这一天的计数会被删除
func (j *CounterRetentionJob) Cutoff() string {
	days := j.retentionDays
	if days < 2 {
		days = 2
	}
	today := j.now().In(j.loc)
	return model.DayKey(today.AddDate(0, 0, -(days-1)), j.loc)
}

// RunOnce 执行一次清理，返回删除的行数
func (j *CounterRetentionJob) RunOnce(ctx context.Context) (int64, error) {
	var deleted int64
	err := exclusive(ctx, j.redis, "counter-retention", j.log, func(ctx context.Context) error {
		cutoff := j.Cutoff()
		n, err := j.counterRepo.DeleteBefore(ctx, cutoff)
		if err != nil {
			return errors.Wrapf(err, "删除 %s 之前的计数失败", cutoff)
		}
		deleted = n
		if n > 0 {
			j.log.Infow("已清理过期计数", "before", cutoff, "rows", n)
		}
		return nil
	})
	return deleted, err
}

// ReconcileReport 一次核对的结果
type ReconcileReport struct {
	Checked    int     `json:"checked"`
	Mismatched []int64 `json:"mismatched"`
}

// LedgerReconcileJob 逐个账户核对余额与流水，发现不一致只记录错误日志，不做修正
type LedgerReconcileJob struct {
	accountRepo *repository.AccountRepository
	ledger      *service.LedgerService
	redis       redis.UniversalClient
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	log         *zap.SugaredLogger
}

func NewLedgerReconcileJob(db *gorm.DB, ledger *service.LedgerService, client redis.UniversalClient, cfg *config.Config, log *zap.Logger) *LedgerReconcileJob {
	return &LedgerReconcileJob{
		accountRepo: repository.NewAccountRepository(db),
		ledger:      ledger,
		redis:       client,
		stopCh:      make(chan struct{}),
		interval:    cfg.Jobs.ReconcileInterval,
		batchSize:   cfg.Jobs.BatchSize,
		log:         log.Sugar().Named("ledger_reconcile"),
	}
}

func (j *LedgerReconcileJob) Start(ctx context.Context) {
	j.log.Infow("账本核对任务启动", "interval", j.interval)

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
			if _, err := j.RunOnce(ctx); err != nil {
				j.log.Errorw("账本核对失败", "error", err)
			}
		}
	}
}

func (j *LedgerReconcileJob) Stop() {
	close(j.stopCh)
}

// RunOnce 核对全部账户
func (j *LedgerReconcileJob) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	err := exclusive(ctx, j.redis, "ledger-reconcile", j.log, func(ctx context.Context) error {
		var afterID int64
		for {
			accounts, err := j.accountRepo.ListAfter(ctx, afterID, j.batchSize)
			if err != nil {
				return errors.Wrap(err, "遍历账户失败")
			}
			if len(accounts) == 0 {
				return nil
			}
			for _, account := range accounts {
				if err := j.verify(ctx, account); err != nil {
					if !errors.Is(err, errcode.ErrIntegrityViolation) {
						return err
					}
					j.log.Errorw("余额与流水不一致", "account_id", account.ID, "error", err)
					report.Mismatched = append(report.Mismatched, account.ID)
				}
				report.Checked++
			}
			afterID = accounts[len(accounts)-1].ID
		}
	})
	if err != nil {
		return report, err
	}
	if len(report.Mismatched) == 0 {
		j.log.Infow("账本核对完成", "checked", report.Checked)
	}
	return report, nil
}

// verify 批量读出的账户可能已经过时，不一致时重新读一次余额再确认
func (j *LedgerReconcileJob) verify(ctx context.Context, account *model.Account) error {
	err := j.ledger.Verify(ctx, account)
	if !errors.Is(err, errcode.ErrIntegrityViolation) {
		return err
	}
	fresh, reloadErr := j.ledger.GetBalance(ctx, account.ID)
	if reloadErr != nil {
		return reloadErr
	}
	if fresh.Version == account.Version {
		return err
	}
	return j.ledger.Verify(ctx, fresh)
}
