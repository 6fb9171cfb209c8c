package handler

import (
	"context"
	"strconv"
	"time"

	"pointsbilling/internal/config"
	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"
	"pointsbilling/internal/service"
	"pointsbilling/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	db      *gorm.DB
	ledger  *service.LedgerService
	tariffs *service.TariffService
	quota   *service.QuotaService
	usage   *service.UsageService
	timeout time.Duration
	log     *zap.SugaredLogger
}

// Services 处理器依赖的服务，由 main 统一构建
type Services struct {
	Ledger  *service.LedgerService
	Tariffs *service.TariffService
	Quota   *service.QuotaService
	Usage   *service.UsageService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, svc Services, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{
		db:      db,
		ledger:  svc.Ledger,
		tariffs: svc.Tariffs,
		quota:   svc.Quota,
		usage:   svc.Usage,
		timeout: cfg.Ledger.OperationTimeout,
		log:     log.Sugar().Named("http"),
	}
}

// fail 写出错误响应，服务端问题记录 error 日志
func (h *Handler) fail(c *gin.Context, op string, err error) {
	if !response.FromError(c, err) {
		h.log.Errorw("请求处理失败", "op", op, "path", c.Request.URL.Path, "error", err)
	}
}

// inTx 在带超时的事务里执行写操作
func (h *Handler) inTx(c *gin.Context, fn func(ctx context.Context, uow *database.UnitOfWork) error) error {
	ctx := c.Request.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	err := database.WithinTx(ctx, h.db, func(uow *database.UnitOfWork) error {
		return fn(ctx, uow)
	})
	return database.Classify(err)
}

func queryInt64(c *gin.Context, key string) (int64, bool) {
	v, err := strconv.ParseInt(c.Query(key), 10, 64)
	if err != nil || v <= 0 {
		response.ParamError(c, key+" 参数错误")
		return 0, false
	}
	return v, true
}

// ============================================================
// 账户与账本
// ============================================================

// OpenAccountRequest 开户请求
type OpenAccountRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Role   string `json:"role"`
}

// OpenAccount 按外部身份开户，重复调用返回同一个账户
// POST /api/v1/account/open
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, err := h.ledger.OpenAccount(c.Request.Context(), req.UserID, req.Role)
	if err != nil {
		h.fail(c, "open_account", err)
		return
	}

	response.Success(c, account)
}

// SetRoleRequest 修改角色请求
type SetRoleRequest struct {
	AccountID int64  `json:"account_id" binding:"required"`
	Role      string `json:"role" binding:"required"`
}

// SetRole 修改账户角色
// POST /api/v1/account/role
func (h *Handler) SetRole(c *gin.Context) {
	var req SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.inTx(c, func(ctx context.Context, uow *database.UnitOfWork) error {
		return h.ledger.SetRole(ctx, uow, req.AccountID, req.Role)
	})
	if err != nil {
		h.fail(c, "set_role", err)
		return
	}

	response.Success(c, nil)
}

// GetBalance 查询余额
// GET /api/v1/account/balance?account_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	accountID, ok := queryInt64(c, "account_id")
	if !ok {
		return
	}

	account, err := h.ledger.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		h.fail(c, "get_balance", err)
		return
	}

	response.Success(c, gin.H{
		"account_id": account.ID,
		"user_id":    account.UserID,
		"role":       account.Role,
		"balance":    account.Balance,
	})
}

// ListEntries 查询流水，按时间倒序
// GET /api/v1/ledger/entries?account_id=xxx&page=1&page_size=20
func (h *Handler) ListEntries(c *gin.Context) {
	accountID, ok := queryInt64(c, "account_id")
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, err := h.ledger.ListEntries(c.Request.Context(), accountID, page, pageSize)
	if err != nil {
		h.fail(c, "list_entries", err)
		return
	}

	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetEntry 按流水号查询
// GET /api/v1/ledger/entry?entry_no=xxx
func (h *Handler) GetEntry(c *gin.Context) {
	entryNo := c.Query("entry_no")
	if entryNo == "" {
		response.ParamError(c, "entry_no 不能为空")
		return
	}

	entry, err := h.ledger.GetEntry(c.Request.Context(), entryNo)
	if err != nil {
		h.fail(c, "get_entry", err)
		return
	}
	if entry == nil {
		response.Error(c, response.CodeNotFound, "流水不存在")
		return
	}

	response.Success(c, entry)
}

// Credit 入账（购买、奖励、调账）
// POST /api/v1/ledger/credit
func (h *Handler) Credit(c *gin.Context) {
	var req service.CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	var entry *model.LedgerEntry
	err := h.inTx(c, func(ctx context.Context, uow *database.UnitOfWork) error {
		var err error
		entry, err = h.ledger.Credit(ctx, uow, req)
		return err
	})
	if err != nil {
		h.fail(c, "credit", err)
		return
	}

	response.Success(c, entry)
}

// Debit 出账
// POST /api/v1/ledger/debit
func (h *Handler) Debit(c *gin.Context) {
	var req service.DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	var entry *model.LedgerEntry
	err := h.inTx(c, func(ctx context.Context, uow *database.UnitOfWork) error {
		var err error
		entry, err = h.ledger.Debit(ctx, uow, req)
		return err
	})
	if err != nil {
		h.fail(c, "debit", err)
		return
	}

	response.Success(c, entry)
}

// Refund 冲正一笔流水
// POST /api/v1/ledger/refund
func (h *Handler) Refund(c *gin.Context) {
	var req service.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	var entry *model.LedgerEntry
	err := h.inTx(c, func(ctx context.Context, uow *database.UnitOfWork) error {
		var err error
		entry, err = h.ledger.Refund(ctx, uow, req)
		return err
	})
	if err != nil {
		h.fail(c, "refund", err)
		return
	}

	response.Success(c, entry)
}

// Transfer 账户间转账
// POST /api/v1/ledger/transfer
func (h *Handler) Transfer(c *gin.Context) {
	var req service.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	var result *service.TransferResult
	err := h.inTx(c, func(ctx context.Context, uow *database.UnitOfWork) error {
		var err error
		result, err = h.ledger.Transfer(ctx, uow, req)
		return err
	})
	if err != nil {
		h.fail(c, "transfer", err)
		return
	}

	response.Success(c, result)
}

// Reward 发放奖励积分，同时计入当日获得积分
// POST /api/v1/usage/reward
func (h *Handler) Reward(c *gin.Context) {
	var req service.RewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, err := h.usage.Reward(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "reward", err)
		return
	}

	response.Success(c, entry)
}

// ============================================================
// 额度
// ============================================================

// CheckQuota 判断账户现在能否消耗一次资源，只读
// GET /api/v1/quota/check?account_id=xxx&resource=image&skip_limits=false
func (h *Handler) CheckQuota(c *gin.Context) {
	accountID, ok := queryInt64(c, "account_id")
	if !ok {
		return
	}
	resource := c.DefaultQuery("resource", string(model.ResourceGeneric))

	bypass := service.BypassNone
	if skip, _ := strconv.ParseBool(c.Query("skip_limits")); skip {
		bypass = service.BypassSkipLimits
	}

	decision, err := h.quota.CanConsume(c.Request.Context(), accountID, model.Resource(resource), bypass)
	if err != nil {
		h.fail(c, "check_quota", err)
		return
	}
	if decision.Reason == service.ReasonConfiguration {
		// 配置错误不向用户暴露细节
		h.fail(c, "check_quota", decision.Err())
		return
	}

	response.Success(c, decision)
}

// GetCounters 今天的用量
// GET /api/v1/quota/counters?account_id=xxx
func (h *Handler) GetCounters(c *gin.Context) {
	accountID, ok := queryInt64(c, "account_id")
	if !ok {
		return
	}

	counters, err := h.quota.Counters(c.Request.Context(), accountID)
	if err != nil {
		h.fail(c, "get_counters", err)
		return
	}

	response.Success(c, gin.H{
		"counters": counters,
		"reset_at": h.quota.ResetAt(),
	})
}

// ============================================================
// 套餐
// ============================================================

// ListTariffs 在售套餐
// GET /api/v1/tariff/catalog
func (h *Handler) ListTariffs(c *gin.Context) {
	tariffs, err := h.tariffs.ListCatalog(c.Request.Context())
	if err != nil {
		h.fail(c, "list_tariffs", err)
		return
	}
	response.Success(c, tariffs)
}

// AssignTariffRequest 订阅请求
type AssignTariffRequest struct {
	AccountID  int64  `json:"account_id" binding:"required"`
	TariffCode string `json:"tariff_code" binding:"required"`
	Days       int    `json:"days" binding:"required,gt=0"`
}

// AssignTariff 给账户订阅套餐，替换当前的订阅
// POST /api/v1/tariff/assign
func (h *Handler) AssignTariff(c *gin.Context) {
	var req AssignTariffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	var assignment *model.TariffAssignment
	err := h.inTx(c, func(ctx context.Context, uow *database.UnitOfWork) error {
		var err error
		assignment, err = h.tariffs.Assign(ctx, uow, req.AccountID, req.TariffCode, time.Duration(req.Days)*24*time.Hour)
		return err
	})
	if err != nil {
		h.fail(c, "assign_tariff", err)
		return
	}

	response.Success(c, assignment)
}
