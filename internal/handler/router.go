package handler

import (
	"context"
	"net/http"
	"time"

	"pointsbilling/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
// rdb 可以为 nil，此时健康检查不检查 Redis
func SetupRouter(h *Handler, rdb redis.UniversalClient, log *zap.Logger) *gin.Engine {
	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	// API 路由组
	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.POST("/open", h.OpenAccount)
			account.POST("/role", h.SetRole)
			account.GET("/balance", h.GetBalance)
		}

		ledger := api.Group("/ledger")
		{
			ledger.GET("/entries", h.ListEntries)
			ledger.GET("/entry", h.GetEntry)
			ledger.POST("/credit", h.Credit)
			ledger.POST("/debit", h.Debit)
			ledger.POST("/refund", h.Refund)
			ledger.POST("/transfer", h.Transfer)
		}

		usage := api.Group("/usage")
		{
			usage.POST("/reward", h.Reward)
		}

		quota := api.Group("/quota")
		{
			quota.GET("/check", h.CheckQuota)
			quota.GET("/counters", h.GetCounters)
		}

		tariff := api.Group("/tariff")
		{
			tariff.GET("/catalog", h.ListTariffs)
			tariff.POST("/assign", h.AssignTariff)
		}
	}

	// 健康检查
	r.GET("/health", h.health(rdb))

	return r
}

// health 检查数据库和 Redis，顺带报告 outbox 积压
func (h *Handler) health(rdb redis.UniversalClient) gin.HandlerFunc {
	outboxRepo := repository.NewOutboxRepository(h.db)
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := gin.H{"status": "ok"}
		code := http.StatusOK

		if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			status["status"], status["database"] = "unavailable", "down"
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "up"
		}

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				status["status"], status["redis"] = "unavailable", "down"
				code = http.StatusServiceUnavailable
			} else {
				status["redis"] = "up"
			}
		}

		if code == http.StatusOK {
			if backlog, err := outboxRepo.CountByStatus(ctx); err == nil {
				status["outbox"] = backlog
			}
		}

		c.JSON(code, status)
	}
}
