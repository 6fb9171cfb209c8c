package service

import (
	"context"
	"sync"
	"time"

	"pointsbilling/internal/config"
	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"
	"pointsbilling/internal/repository"
	"pointsbilling/pkg/errcode"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ActiveTariff 账户当前生效的订阅及其套餐
type ActiveTariff struct {
	Assignment *model.TariffAssignment `json:"assignment"`
	Tariff     *model.Tariff           `json:"tariff"`
}

type cachedTariff struct {
	tariff   *model.Tariff
	loadedAt time.Time
}

// TariffService 套餐目录和角色豁免
// 套餐对本服务只读，按 id 在进程内缓存，过期时间由 tariff.cache_ttl 控制
type TariffService struct {
	db             *gorm.DB
	accountRepo    *repository.AccountRepository
	tariffRepo     *repository.TariffRepository
	assignmentRepo *repository.AssignmentRepository
	unlimitedRoles map[string]struct{}
	cacheTTL       time.Duration
	now            func() time.Time
	log            *zap.SugaredLogger

	mu    sync.RWMutex
	cache map[int64]cachedTariff
}

type TariffOption func(*TariffService)

// WithTariffClock 替换墙上时钟，测试用
func WithTariffClock(now func() time.Time) TariffOption {
	return func(s *TariffService) {
		s.now = now
	}
}

func NewTariffService(db *gorm.DB, cfg *config.Config, log *zap.Logger, opts ...TariffOption) *TariffService {
	roles := make(map[string]struct{}, len(cfg.Quota.UnlimitedRoles))
	for _, role := range cfg.Quota.UnlimitedRoles {
		roles[role] = struct{}{}
	}

	s := &TariffService{
		db:             db,
		accountRepo:    repository.NewAccountRepository(db),
		tariffRepo:     repository.NewTariffRepository(db),
		assignmentRepo: repository.NewAssignmentRepository(db),
		unlimitedRoles: roles,
		cacheTTL:       cfg.Tariff.CacheTTL,
		now:            time.Now,
		log:            log.Sugar().Named("tariff"),
		cache:          make(map[int64]cachedTariff),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsUnlimitedRole 角色是否免额度
func (s *TariffService) IsUnlimitedRole(role string) bool {
	_, ok := s.unlimitedRoles[role]
	return ok
}

// IsUnlimited 账户角色是否免额度，账户不存在时返回 ErrAccountNotFound
func (s *TariffService) IsUnlimited(ctx context.Context, accountID int64) (bool, error) {
	account, err := s.accountRepo.GetByID(ctx, nil, accountID)
	if err != nil {
		return false, err
	}
	return s.IsUnlimitedRole(account.Role), nil
}

// ActiveAssignment 当前生效的订阅，没有或已过期时返回 ErrNoActiveTariff
// 过期按墙上时间判断，不依赖过期任务是否已经把 active 清掉。
// 套餐下架只影响新的订阅，已有订阅按下架前的额度用到过期为止
func (s *TariffService) ActiveAssignment(ctx context.Context, accountID int64) (*ActiveTariff, error) {
	assignment, err := s.assignmentRepo.GetActive(ctx, nil, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "查询订阅失败")
	}
	if assignment == nil || assignment.ExpiredAt(s.now()) {
		return nil, errcode.ErrNoActiveTariff
	}

	tariff, err := s.Tariff(ctx, assignment.TariffID)
	if err != nil {
		if errors.Is(err, errcode.ErrTariffNotFound) {
			// 订阅指向不存在的套餐属于配置错误
			return nil, errcode.Wrapf(errcode.ErrConfiguration, err,
				"assignment=%d tariff=%d", assignment.ID, assignment.TariffID)
		}
		return nil, err
	}
	return &ActiveTariff{Assignment: assignment, Tariff: tariff}, nil
}

// Tariff 按 id 读取套餐，带缓存
func (s *TariffService) Tariff(ctx context.Context, id int64) (*model.Tariff, error) {
	s.mu.RLock()
	cached, ok := s.cache[id]
	s.mu.RUnlock()
	if ok && s.now().Sub(cached.loadedAt) < s.cacheTTL {
		return cached.tariff, nil
	}

	tariff, err := s.tariffRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[id] = cachedTariff{tariff: tariff, loadedAt: s.now()}
	s.mu.Unlock()
	return tariff, nil
}

func (s *TariffService) ListCatalog(ctx context.Context) ([]*model.Tariff, error) {
	return s.tariffRepo.ListActive(ctx)
}

// InvalidateCache 清空套餐缓存
func (s *TariffService) InvalidateCache() {
	s.mu.Lock()
	s.cache = make(map[int64]cachedTariff)
	s.mu.Unlock()
}

// Assign 给账户订阅套餐，旧的订阅被关闭
// 在账户行锁下执行，同一账户并发订阅时不会出现两条生效记录
func (s *TariffService) Assign(ctx context.Context, uow *database.UnitOfWork, accountID int64, tariffCode string, duration time.Duration) (assignment *model.TariffAssignment, err error) {
	if uow == nil {
		return nil, database.ErrUnitOfWorkRequired
	}
	if duration <= 0 {
		return nil, errcode.New(errcode.CodeInvalidArgument, "订阅时长必须大于0")
	}
	defer func() { uow.Observe(err) }()

	tx := uow.Tx()
	if _, err := s.accountRepo.GetForUpdate(ctx, tx, accountID); err != nil {
		if errors.Is(err, errcode.ErrAccountNotFound) {
			return nil, err
		}
		return nil, database.Classify(errors.Wrap(err, "锁定账户失败"))
	}

	tariff, err := s.tariffRepo.GetByCode(ctx, tx, tariffCode)
	if err != nil {
		return nil, err
	}
	if !tariff.Active {
		return nil, errcode.Wrapf(errcode.ErrTariffNotFound, nil, "套餐已下架: %s", tariffCode)
	}

	closed, err := s.assignmentRepo.DeactivateByAccount(ctx, tx, accountID)
	if err != nil {
		return nil, database.Classify(errors.Wrap(err, "关闭旧订阅失败"))
	}
	if closed > 0 {
		uow.MarkWritten()
	}

	now := s.now()
	assignment = &model.TariffAssignment{
		AccountID: accountID,
		TariffID:  tariff.ID,
		StartedAt: now,
		ExpiresAt: now.Add(duration),
		Active:    true,
	}
	if err := s.assignmentRepo.Create(ctx, tx, assignment); err != nil {
		return nil, database.Classify(errors.Wrap(err, "创建订阅失败"))
	}
	uow.MarkWritten()

	s.log.Infow("订阅套餐",
		"account_id", accountID,
		"tariff", tariff.Code,
		"expires_at", assignment.ExpiresAt,
	)
	return assignment, nil
}

// SyncCatalog 把配置里声明的套餐写入数据库，未声明的套餐下架
func (s *TariffService) SyncCatalog(ctx context.Context, specs []config.TariffSpec) error {
	tariffs := make([]*model.Tariff, 0, len(specs))
	codes := make([]string, 0, len(specs))
	for _, spec := range specs {
		tariff, err := tariffFromSpec(spec)
		if err != nil {
			return err
		}
		tariffs = append(tariffs, tariff)
		codes = append(codes, spec.Code)
	}

	err := database.WithinTx(ctx, s.db, func(uow *database.UnitOfWork) error {
		for _, tariff := range tariffs {
			if err := s.tariffRepo.Upsert(ctx, uow.Tx(), tariff); err != nil {
				return errors.Wrapf(err, "写入套餐失败: %s", tariff.Code)
			}
		}
		if len(codes) == 0 {
			return nil
		}
		retired, err := s.tariffRepo.DeactivateExcept(ctx, uow.Tx(), codes)
		if err != nil {
			return errors.Wrap(err, "下架套餐失败")
		}
		if retired > 0 {
			s.log.Infow("下架套餐", "count", retired)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.InvalidateCache()
	s.log.Infow("套餐目录已同步", "count", len(tariffs))
	return nil
}

func tariffFromSpec(spec config.TariffSpec) (*model.Tariff, error) {
	limits := make(model.ResourceLimits, len(spec.DailyLimits))
	for resource, limit := range spec.DailyLimits {
		if limit < model.UnlimitedLimit {
			return nil, errcode.Wrapf(errcode.ErrConfiguration, nil, "套餐 %s 的 %s 上限无效: %d", spec.Code, resource, limit)
		}
		limits[model.Resource(resource)] = limit
	}
	if spec.DailyGenericLimit < model.UnlimitedLimit {
		return nil, errcode.Wrapf(errcode.ErrConfiguration, nil, "套餐 %s 的通用上限无效: %d", spec.Code, spec.DailyGenericLimit)
	}
	if spec.PointCost < 0 {
		return nil, errcode.Wrapf(errcode.ErrConfiguration, nil, "套餐 %s 的积分价格无效: %d", spec.Code, spec.PointCost)
	}

	price := decimal.Zero
	if spec.Price != "" {
		var err error
		price, err = decimal.NewFromString(spec.Price)
		if err != nil {
			return nil, errcode.Wrapf(errcode.ErrConfiguration, err, "套餐 %s 的标价无效: %q", spec.Code, spec.Price)
		}
	}

	currency := spec.Currency
	if currency == "" {
		currency = "RUB"
	}
	name := spec.Name
	if name == "" {
		name = spec.Code
	}
	flags := spec.FeatureFlags
	if flags == nil {
		flags = map[string]bool{}
	}

	return &model.Tariff{
		Code:              spec.Code,
		Name:              name,
		DailyGenericLimit: spec.DailyGenericLimit,
		DailyLimits:       datatypes.NewJSONType(limits),
		PointCost:         spec.PointCost,
		Price:             price,
		Currency:          currency,
		FeatureFlags:      datatypes.NewJSONType(flags),
		Active:            true,
	}, nil
}
