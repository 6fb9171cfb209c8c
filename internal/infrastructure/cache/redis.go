package cache

import (
	"context"
	"fmt"
	"time"

	"pointsbilling/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// InitRedis 建立 Redis 连接，维护任务的分布式锁依赖它
// 配置了 addrs 时按哨兵或集群模式连接
func InitRedis(cfg *config.RedisConfig, log *zap.Logger) (redis.UniversalClient, error) {
	addrs := cfg.Addrs
	if len(addrs) == 0 {
		addrs = []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)}
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       addrs,
		MasterName:  cfg.MasterName,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "连接 Redis 失败: %v", addrs)
	}

	log.Sugar().Infow("Redis 连接成功", "addrs", addrs, "master", cfg.MasterName)
	return client, nil
}
