package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pointsbilling/internal/config"
	"pointsbilling/internal/handler"
	"pointsbilling/internal/infrastructure/cache"
	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/infrastructure/mq"
	"pointsbilling/internal/job"
	"pointsbilling/internal/repository"
	"pointsbilling/internal/service"
	"pointsbilling/pkg/idgen"
	"pointsbilling/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

type backgroundJob interface {
	Start(ctx context.Context)
}

func main() {
	configPath := pflag.String("config", "config/config.yaml", "配置文件路径")
	pflag.Parse()

	logger := log.GetLogger()
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		sugar.Fatalw("加载配置失败", "path", *configPath, "error", err)
	}

	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Server.NodeID); err != nil {
		sugar.Fatalw("初始化 ID 生成器失败", "node_id", cfg.Server.NodeID, "error", err)
	}

	// 初始化数据库
	db, err := database.InitDB(&cfg.Database, logger)
	if err != nil {
		sugar.Fatalw("初始化数据库失败", "error", err)
	}

	// 初始化 Redis
	redisClient, err := cache.InitRedis(&cfg.Redis, logger)
	if err != nil {
		sugar.Fatalw("初始化 Redis 失败", "error", err)
	}
	defer redisClient.Close()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 业务服务
	ledger := service.NewLedgerService(db, cfg, logger)
	tariffs := service.NewTariffService(db, cfg, logger)
	quota, err := service.NewQuotaService(tariffs, repository.NewCounterRepository(db), cfg, logger)
	if err != nil {
		sugar.Fatalw("初始化额度服务失败", "error", err)
	}
	usage := service.NewUsageService(db, ledger, quota, cfg, logger)

	if err := tariffs.SyncCatalog(ctx, cfg.Tariff.Catalog); err != nil {
		sugar.Fatalw("同步套餐目录失败", "error", err)
	}

	// 启动后台任务
	jobs := []backgroundJob{
		job.NewAssignmentExpiryJob(db, cfg, logger),
		job.NewLedgerReconcileJob(db, ledger, redisClient, cfg, logger),
	}

	retention, err := job.NewCounterRetentionJob(db, redisClient, cfg, logger)
	if err != nil {
		sugar.Fatalw("初始化计数清理任务失败", "error", err)
	}
	jobs = append(jobs, retention)

	if cfg.Kafka.Enabled {
		publisher, err := mq.InitKafka(&cfg.Kafka)
		if err != nil {
			sugar.Fatalw("初始化 Kafka 失败", "brokers", cfg.Kafka.Brokers, "error", err)
		}
		defer publisher.Close()
		jobs = append(jobs, job.NewOutboxSender(db, publisher, cfg, logger))
	} else if cfg.Ledger.OutboxEnabled {
		sugar.Warn("kafka 未启用，outbox 消息只落库不投递")
	}

	for _, j := range jobs {
		go j.Start(ctx)
	}

	// 设置路由
	gin.SetMode(gin.ReleaseMode)
	h := handler.NewHandler(db, handler.Services{
		Ledger:  ledger,
		Tariffs: tariffs,
		Quota:   quota,
		Usage:   usage,
	}, cfg, logger)
	router := handler.SetupRouter(h, redisClient, logger)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 在 goroutine 中启动服务器
	go func() {
		sugar.Infow("服务启动", "port", cfg.Server.Port, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("服务启动失败", "error", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("服务关闭异常", "error", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	sugar.Info("服务已关闭")
}
