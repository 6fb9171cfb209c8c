package repository

import (
	"context"
	"sort"
	"time"

	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"
	"pointsbilling/pkg/errcode"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errNegativeDelta = errcode.New(errcode.CodeInvalidArgument, "计数增量不能为负")

// CounterRepository 每日用量计数
//
// 写入只有一条路径：INSERT ... ON CONFLICT / ON DUPLICATE KEY UPDATE col = col + ?
// 不存在先查后写，所以并发的累加不会丢失，也不会因为唯一键冲突失败
type CounterRepository struct {
	db *gorm.DB
}

func NewCounterRepository(db *gorm.DB) *CounterRepository {
	return &CounterRepository{db: db}
}

// GetCounters 读取某天的计数，没有记录时返回零值，不会建行
func (r *CounterRepository) GetCounters(ctx context.Context, tx *gorm.DB, accountID int64, day string) (*model.Counters, error) {
	if tx == nil {
		tx = r.db
	}
	conn := tx.WithContext(ctx)

	counters := &model.Counters{
		AccountID: accountID,
		Date:      day,
		Resources: map[model.Resource]int64{},
	}

	var usage []model.DailyUsageCounter
	err := conn.
		Where("account_id = ? AND usage_date = ?", accountID, day).
		Limit(1).
		Find(&usage).Error
	if err != nil {
		return nil, err
	}
	if len(usage) > 0 {
		counters.GenericCount = usage[0].GenericCount
		counters.PointsEarned = usage[0].PointsEarned
		counters.PointsSpent = usage[0].PointsSpent
	}

	var rows []model.DailyResourceCounter
	err = conn.
		Where("account_id = ? AND usage_date = ?", accountID, day).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		counters.Resources[row.Resource] = row.Count
	}

	return counters, nil
}

// IncrementCounters 在事务内原子累加计数并返回累加后的快照
// 资源行按资源名排序写入，多个事务同时写同一账户时加锁顺序一致
func (r *CounterRepository) IncrementCounters(ctx context.Context, tx *gorm.DB, accountID int64, day string, deltas model.Deltas) (*model.Counters, error) {
	if tx == nil {
		return nil, database.ErrUnitOfWorkRequired
	}
	conn := tx.WithContext(ctx)

	var generic, earned, spent int64
	resources := make([]model.Resource, 0, len(deltas))
	for resource, delta := range deltas {
		if delta < 0 {
			return nil, errors.Wrapf(errNegativeDelta, "%s=%d", resource, delta)
		}
		switch resource {
		case model.ResourceGeneric:
			generic = delta
		case model.TallyPointsEarned:
			earned = delta
		case model.TallyPointsSpent:
			spent = delta
		default:
			if delta > 0 {
				resources = append(resources, resource)
			}
		}
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i] < resources[j] })

	now := time.Now()

	if generic > 0 || earned > 0 || spent > 0 {
		usage := &model.DailyUsageCounter{
			AccountID:    accountID,
			UsageDate:    day,
			GenericCount: generic,
			PointsEarned: earned,
			PointsSpent:  spent,
		}
		err := conn.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "usage_date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"generic_count": gorm.Expr("daily_usage_counter.generic_count + ?", generic),
				"points_earned": gorm.Expr("daily_usage_counter.points_earned + ?", earned),
				"points_spent":  gorm.Expr("daily_usage_counter.points_spent + ?", spent),
				"updated_at":    now,
			}),
		}).Create(usage).Error
		if err != nil {
			return nil, database.Classify(errors.Wrap(err, "累加每日用量失败"))
		}
	}

	for _, resource := range resources {
		delta := deltas[resource]
		row := &model.DailyResourceCounter{
			AccountID: accountID,
			UsageDate: day,
			Resource:  resource,
			Count:     delta,
		}
		err := conn.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "usage_date"}, {Name: "resource"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":      gorm.Expr("daily_resource_counter.count + ?", delta),
				"updated_at": now,
			}),
		}).Create(row).Error
		if err != nil {
			return nil, database.Classify(errors.Wrapf(err, "累加资源用量失败: %s", resource))
		}
	}

	return r.GetCounters(ctx, tx, accountID, day)
}

// DeleteBefore 删除 day 之前（不含 day）的计数，只给保留期清理任务用
func (r *CounterRepository) DeleteBefore(ctx context.Context, day string) (int64, error) {
	conn := r.db.WithContext(ctx)

	usage := conn.Where("usage_date < ?", day).Delete(&model.DailyUsageCounter{})
	if usage.Error != nil {
		return 0, usage.Error
	}
	resources := conn.Where("usage_date < ?", day).Delete(&model.DailyResourceCounter{})
	if resources.Error != nil {
		return usage.RowsAffected, resources.Error
	}
	return usage.RowsAffected + resources.RowsAffected, nil
}

// DeduplicateLegacy 旧版用量表同一账户同一天只保留最晚创建的一行，返回删除的行数
// 一次性修复命令使用，请求路径不会调用
func (r *CounterRepository) DeduplicateLegacy(ctx context.Context) (int64, error) {
	// 子查询包一层派生表，MySQL 不允许 DELETE 直接引用自身
	result := r.db.WithContext(ctx).Exec(`
DELETE FROM daily_usage_legacy WHERE id IN (
	SELECT id FROM (
		SELECT l.id FROM daily_usage_legacy l
		WHERE EXISTS (
			SELECT 1 FROM daily_usage_legacy n
			WHERE n.account_id = l.account_id
			  AND n.usage_date = l.usage_date
			  AND (n.created_at > l.created_at OR (n.created_at = l.created_at AND n.id > l.id))
		)
	) dup
)`)
	return result.RowsAffected, result.Error
}
