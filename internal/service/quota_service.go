package service

import (
	"context"
	"time"

	"pointsbilling/internal/config"
	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"
	"pointsbilling/internal/repository"
	"pointsbilling/pkg/errcode"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Bypass 额度检查的豁免方式
type Bypass int

const (
	// BypassNone 正常按套餐额度检查
	BypassNone Bypass = iota
	// BypassSkipLimits 调用方用积分支付，跳过额度检查，但仍需自行 Debit
	BypassSkipLimits
	// BypassUnlimitedRole 调用方已确认账户角色免额度
	BypassUnlimitedRole
)

func (b Bypass) String() string {
	switch b {
	case BypassSkipLimits:
		return "skip_limits"
	case BypassUnlimitedRole:
		return "unlimited_role"
	}
	return "none"
}

// Reason 额度检查结论
type Reason string

const (
	ReasonWithinLimit    Reason = "WITHIN_LIMIT"
	ReasonUnlimitedRole  Reason = "UNLIMITED_ROLE"
	ReasonSkipLimits     Reason = "SKIP_LIMITS"
	ReasonNoActiveTariff Reason = "NO_ACTIVE_TARIFF"
	ReasonConfiguration  Reason = "CONFIGURATION_ERROR"
	ReasonLimitExceeded  Reason = "LIMIT_EXCEEDED"
)

// Decision CanConsume 的结果
// Limit 为 -1 表示该套餐此资源不限量；ResetAt 是业务时区的下一个零点
type Decision struct {
	Allowed   bool           `json:"allowed"`
	Reason    Reason         `json:"reason"`
	Resource  model.Resource `json:"resource"`
	LimitedBy model.Resource `json:"limited_by,omitempty"` // 拒绝时触顶的计数
	Used      int64          `json:"used"`
	Limit     int64          `json:"limit"`
	ResetAt   time.Time      `json:"reset_at,omitempty"`
}

// Err 把拒绝转换成对应的错误分类，允许时返回 nil
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonNoActiveTariff:
		return errcode.ErrNoActiveTariff
	case ReasonLimitExceeded:
		return errcode.Wrapf(errcode.ErrLimitExceeded, nil,
			"resource=%s used=%d limit=%d reset_at=%s", d.LimitedBy, d.Used, d.Limit, d.ResetAt.Format(time.RFC3339))
	}
	return errcode.Wrapf(errcode.ErrConfiguration, nil, "resource=%s", d.Resource)
}

type tariffResolver interface {
	IsUnlimited(ctx context.Context, accountID int64) (bool, error)
	ActiveAssignment(ctx context.Context, accountID int64) (*ActiveTariff, error)
}

// QuotaService 额度检查与用量记录
//
// 检查和记录是两个独立的调用：CanConsume 只读不写，调用方在付费操作成功之后
// 再在自己的事务里调用 RecordUsage，失败的操作不会消耗额度。
// 检查与记录之间存在窗口，并发请求可能让当日用量略微超过上限，这是约定的行为。
type QuotaService struct {
	tariffs     tariffResolver
	counterRepo *repository.CounterRepository
	resources   map[model.Resource]struct{}
	loc         *time.Location
	now         func() time.Time
	log         *zap.SugaredLogger
}

type QuotaOption func(*QuotaService)

// WithQuotaClock 替换墙上时钟，测试用
func WithQuotaClock(now func() time.Time) QuotaOption {
	return func(s *QuotaService) {
		s.now = now
	}
}

func NewQuotaService(tariffs tariffResolver, counterRepo *repository.CounterRepository, cfg *config.Config, log *zap.Logger, opts ...QuotaOption) (*QuotaService, error) {
	loc, err := cfg.Quota.Location()
	if err != nil {
		return nil, err
	}

	resources := map[model.Resource]struct{}{model.ResourceGeneric: {}}
	for _, r := range cfg.Quota.Resources {
		resources[model.Resource(r)] = struct{}{}
	}

	s := &QuotaService{
		tariffs:     tariffs,
		counterRepo: counterRepo,
		resources:   resources,
		loc:         loc,
		now:         time.Now,
		log:         log.Sugar().Named("quota"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Today 业务时区的今天
func (s *QuotaService) Today() string {
	return model.DayKey(s.now(), s.loc)
}

// ResetAt 业务时区的下一个零点
func (s *QuotaService) ResetAt() time.Time {
	now := s.now().In(s.loc)
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, s.loc)
}

// KnownResource 资源类别是否在配置里声明过
func (s *QuotaService) KnownResource(resource model.Resource) bool {
	_, ok := s.resources[resource]
	return ok
}

// CanConsume 判断账户现在能否消耗一次 resource
// 只读，不会创建或修改计数；error 只在基础设施故障（或账户不存在）时返回
func (s *QuotaService) CanConsume(ctx context.Context, accountID int64, resource model.Resource, bypass Bypass) (Decision, error) {
	d := Decision{Resource: resource}

	if bypass == BypassUnlimitedRole {
		d.Allowed, d.Reason = true, ReasonUnlimitedRole
		return d, nil
	}

	unlimited, err := s.tariffs.IsUnlimited(ctx, accountID)
	if err != nil {
		return d, err
	}
	if unlimited {
		d.Allowed, d.Reason = true, ReasonUnlimitedRole
		return d, nil
	}

	if bypass == BypassSkipLimits {
		d.Allowed, d.Reason = true, ReasonSkipLimits
		return d, nil
	}

	active, err := s.tariffs.ActiveAssignment(ctx, accountID)
	if err != nil {
		if errors.Is(err, errcode.ErrNoActiveTariff) {
			d.Reason = ReasonNoActiveTariff
			return d, nil
		}
		if errors.Is(err, errcode.ErrConfiguration) {
			s.log.Errorw("套餐配置错误", "account_id", accountID, "error", err)
			d.Reason = ReasonConfiguration
			return d, nil
		}
		return d, err
	}

	if !s.KnownResource(resource) {
		s.log.Errorw("未知的资源类别", "account_id", accountID, "resource", resource)
		d.Reason = ReasonConfiguration
		return d, nil
	}

	// 一次消耗同时计入通用次数和资源次数，两个上限都要满足
	checks := []model.Resource{model.ResourceGeneric}
	if resource != model.ResourceGeneric {
		checks = append(checks, resource)
	}
	limits := make(map[model.Resource]int64, len(checks))
	for _, r := range checks {
		limit, ok := active.Tariff.Limit(r)
		if !ok || limit < model.UnlimitedLimit {
			s.log.Errorw("套餐缺少资源上限",
				"account_id", accountID,
				"tariff", active.Tariff.Code,
				"resource", r,
			)
			d.Reason = ReasonConfiguration
			return d, nil
		}
		limits[r] = limit
	}

	counters, err := s.counterRepo.GetCounters(ctx, nil, accountID, s.Today())
	if err != nil {
		return d, database.Classify(errors.Wrap(err, "查询当日用量失败"))
	}

	for _, r := range checks {
		used, limit := counters.Used(r), limits[r]
		if limit != model.UnlimitedLimit && used >= limit {
			d.Reason = ReasonLimitExceeded
			d.LimitedBy = r
			d.Used, d.Limit = used, limit
			d.ResetAt = s.ResetAt()
			return d, nil
		}
	}

	d.Allowed, d.Reason = true, ReasonWithinLimit
	d.Used, d.Limit = counters.Used(resource), limits[resource]
	return d, nil
}

// Counters 今天的用量快照
func (s *QuotaService) Counters(ctx context.Context, accountID int64) (*model.Counters, error) {
	return s.counterRepo.GetCounters(ctx, nil, accountID, s.Today())
}

var errNegativeDelta = errcode.New(errcode.CodeInvalidArgument, "计数增量不能为负")

// RecordUsage 在调用方事务里累加今天的计数
func (s *QuotaService) RecordUsage(ctx context.Context, uow *database.UnitOfWork, accountID int64, deltas model.Deltas) (counters *model.Counters, err error) {
	if uow == nil {
		return nil, database.ErrUnitOfWorkRequired
	}
	defer func() { uow.Observe(err) }()

	for resource, delta := range deltas {
		if delta < 0 {
			return nil, errcode.Wrapf(errNegativeDelta, nil, "%s=%d", resource, delta)
		}
	}

	// 计数分多条语句写入，任何一条失败都要让事务失效
	uow.MarkWritten()
	return s.counterRepo.IncrementCounters(ctx, uow.Tx(), accountID, s.Today(), deltas)
}
