// maintenance 一次性维护命令，部署或排障时手动执行
//
//	maintenance --config config/config.yaml --dedup-legacy-counters
//	maintenance --purge-counters
//	maintenance --reconcile
//	maintenance --requeue-outbox
package main

import (
	"context"
	"os"

	"pointsbilling/internal/config"
	"pointsbilling/internal/infrastructure/cache"
	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/job"
	"pointsbilling/internal/repository"
	"pointsbilling/internal/service"
	"pointsbilling/pkg/log"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/pflag"
)

func main() {
	var (
		configPath = pflag.String("config", "config/config.yaml", "配置文件路径")
		dedup      = pflag.Bool("dedup-legacy-counters", false, "旧版用量表每个账户每天只保留最新一行")
		purge      = pflag.Bool("purge-counters", false, "删除超出保留期的每日计数")
		reconcile  = pflag.Bool("reconcile", false, "核对所有账户的余额与流水")
		requeue    = pflag.Bool("requeue-outbox", false, "把投递失败的 outbox 消息重新置为待发送")
		useLock    = pflag.Bool("lock", true, "通过 Redis 锁与在线实例的维护任务互斥")
	)
	pflag.Parse()

	logger := log.GetLogger()
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	if !*dedup && !*purge && !*reconcile && !*requeue {
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		sugar.Fatalw("加载配置失败", "path", *configPath, "error", err)
	}

	db, err := database.InitDB(&cfg.Database, logger)
	if err != nil {
		sugar.Fatalw("初始化数据库失败", "error", err)
	}

	var client redis.UniversalClient
	if *useLock {
		rdb, err := cache.InitRedis(&cfg.Redis, logger)
		if err != nil {
			sugar.Fatalw("初始化 Redis 失败", "error", err)
		}
		defer rdb.Close()
		client = rdb
	}

	ctx := context.Background()
	failed := false

	if *dedup {
		removed, err := repository.NewCounterRepository(db).DeduplicateLegacy(ctx)
		if err != nil {
			sugar.Errorw("旧版用量去重失败", "error", err)
			failed = true
		} else {
			sugar.Infow("旧版用量去重完成", "removed", removed)
		}
	}

	if *purge {
		retention, err := job.NewCounterRetentionJob(db, client, cfg, logger)
		if err != nil {
			sugar.Fatalw("初始化计数清理任务失败", "error", err)
		}
		deleted, err := retention.RunOnce(ctx)
		if err != nil {
			sugar.Errorw("清理计数失败", "error", err)
			failed = true
		} else {
			sugar.Infow("清理计数完成", "before", retention.Cutoff(), "rows", deleted)
		}
	}

	if *reconcile {
		ledger := service.NewLedgerService(db, cfg, logger)
		report, err := job.NewLedgerReconcileJob(db, ledger, client, cfg, logger).RunOnce(ctx)
		if err != nil {
			sugar.Errorw("账本核对失败", "error", err)
			failed = true
		} else {
			sugar.Infow("账本核对完成", "checked", report.Checked, "mismatched", report.Mismatched)
			if len(report.Mismatched) > 0 {
				failed = true
			}
		}
	}

	if *requeue {
		requeued, err := repository.NewOutboxRepository(db).RequeueFailed(ctx)
		if err != nil {
			sugar.Errorw("重新投递 outbox 失败", "error", err)
			failed = true
		} else {
			sugar.Infow("outbox 消息已重新排队", "rows", requeued)
		}
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if failed {
		_ = logger.Sync()
		os.Exit(1)
	}
}
