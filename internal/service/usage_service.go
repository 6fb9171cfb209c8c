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
	"gorm.io/gorm"
)

// Funding 一次消耗的支付方式
type Funding string

const (
	FundingQuota  Funding = "QUOTA"  // 消耗套餐每日额度
	FundingPoints Funding = "POINTS" // 用积分支付，跳过额度检查
)

type UsageRequest struct {
	AccountID      int64                  `json:"account_id" binding:"required"`
	Resource       model.Resource         `json:"resource" binding:"required"`
	Funding        Funding                `json:"funding" binding:"required"`
	Cost           int64                  `json:"cost"` // 积分支付时的扣费，额度支付时忽略
	IdempotencyKey string                 `json:"idempotency_key"`
	Description    string                 `json:"description"`
	Metadata       map[string]interface{} `json:"metadata"`
}

type UsageResult struct {
	Decision Decision           `json:"decision"`
	Counters *model.Counters    `json:"counters,omitempty"`
	Entry    *model.LedgerEntry `json:"entry,omitempty"`
}

type RewardRequest struct {
	AccountID      int64                  `json:"account_id" binding:"required"`
	Amount         int64                  `json:"amount" binding:"required,gt=0"`
	Kind           model.EntryKind        `json:"kind" binding:"required"`
	Description    string                 `json:"description"`
	Metadata       map[string]interface{} `json:"metadata"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// UsageService 一次付费操作的完整流程：检查 -> 执行 -> 成功后提交
type UsageService struct {
	db          *gorm.DB
	ledger      *LedgerService
	quota       *QuotaService
	receiptRepo *repository.ReceiptRepository
	timeout     time.Duration
	log         *zap.SugaredLogger
}

func NewUsageService(db *gorm.DB, ledger *LedgerService, quota *QuotaService, cfg *config.Config, log *zap.Logger) *UsageService {
	return &UsageService{
		db:          db,
		ledger:      ledger,
		quota:       quota,
		receiptRepo: repository.NewReceiptRepository(db),
		timeout:     cfg.Ledger.OperationTimeout,
		log:         log.Sugar().Named("usage"),
	}
}

// Consume 先检查额度（积分支付时检查余额），再执行 work，work 成功后在一个事务里
// 累加计数并扣积分。work 失败时什么都不记录。
//
// 带幂等键的请求在执行 work 之前占用回执，重放的请求直接返回 ErrDuplicateOperation，
// 不会再次执行 work。work 成功但记账失败时回执保持 PENDING，同一个键不能再用。
//
// 检查和提交之间不持有锁，极端并发下当日用量可能略超上限；积分不会透支，
// 提交时 Debit 仍会校验余额，此时返回 ErrInsufficientBalance。
func (s *UsageService) Consume(ctx context.Context, req UsageRequest, work func(ctx context.Context) error) (*UsageResult, error) {
	if req.Resource == "" {
		return nil, errcode.New(errcode.CodeInvalidArgument, "resource 不能为空")
	}

	bypass := BypassNone
	switch req.Funding {
	case FundingQuota:
	case FundingPoints:
		if err := validateAmount(req.Cost); err != nil {
			return nil, err
		}
		bypass = BypassSkipLimits
	default:
		return nil, errcode.New(errcode.CodeInvalidArgument, "未知的支付方式: "+string(req.Funding))
	}

	if req.IdempotencyKey != "" {
		// 幂等键可能已经被直接调用账本的请求用掉
		existing, err := s.ledger.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, errcode.Wrapf(errcode.ErrDuplicateOperation, nil, "idempotency_key=%s entry_no=%s", req.IdempotencyKey, existing.EntryNo)
		}
	}

	decision, err := s.quota.CanConsume(ctx, req.AccountID, req.Resource, bypass)
	if err != nil {
		return nil, err
	}
	result := &UsageResult{Decision: decision}
	if !decision.Allowed {
		return result, decision.Err()
	}

	// 免额度角色不扣积分
	charge := req.Funding == FundingPoints && decision.Reason != ReasonUnlimitedRole
	if charge {
		account, err := s.ledger.GetBalance(ctx, req.AccountID)
		if err != nil {
			return result, err
		}
		if account.Balance < req.Cost {
			return result, errcode.Wrapf(errcode.ErrInsufficientBalance, nil,
				"account=%d balance=%d cost=%d", account.ID, account.Balance, req.Cost)
		}
	}

	var receipt *model.UsageReceipt
	if req.IdempotencyKey != "" {
		receipt = &model.UsageReceipt{
			IdempotencyKey: req.IdempotencyKey,
			AccountID:      req.AccountID,
			Resource:       req.Resource,
			Funding:        string(req.Funding),
		}
		if err := s.receiptRepo.Claim(ctx, receipt); err != nil {
			return result, database.Classify(err)
		}
	}

	if err := work(ctx); err != nil {
		s.log.Infow("付费操作失败，不计用量", "account_id", req.AccountID, "resource", req.Resource, "error", err)
		if receipt != nil {
			if releaseErr := s.receiptRepo.Release(ctx, receipt.ID); releaseErr != nil {
				s.log.Errorw("释放幂等回执失败", "key", receipt.IdempotencyKey, "error", releaseErr)
			}
		}
		return result, err
	}

	deltas := model.Deltas{model.ResourceGeneric: 1}
	if req.Resource != model.ResourceGeneric {
		deltas[req.Resource] = 1
	}
	if charge {
		deltas[model.TallyPointsSpent] = req.Cost
	}

	txCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = database.WithinTx(txCtx, s.db, func(uow *database.UnitOfWork) error {
		var entryNo string
		if charge {
			entry, err := s.ledger.Debit(txCtx, uow, DebitRequest{
				AccountID:      req.AccountID,
				Amount:         req.Cost,
				Kind:           model.EntryKindGeneration,
				Description:    req.Description,
				Metadata:       req.Metadata,
				IdempotencyKey: req.IdempotencyKey,
			})
			if err != nil {
				return err
			}
			result.Entry, entryNo = entry, entry.EntryNo
		}

		counters, err := s.quota.RecordUsage(txCtx, uow, req.AccountID, deltas)
		if err != nil {
			return err
		}
		result.Counters = counters

		if receipt != nil {
			if err := s.receiptRepo.Complete(txCtx, uow.Tx(), receipt.ID, entryNo); err != nil {
				return uow.Observe(err)
			}
		}
		return nil
	})
	if err != nil {
		// work 已经执行但没能记账，只能报告给调用方
		s.log.Warnw("付费操作已完成但提交失败",
			"account_id", req.AccountID,
			"resource", req.Resource,
			"funding", req.Funding,
			"idempotency_key", req.IdempotencyKey,
			"error", err,
		)
		result.Entry, result.Counters = nil, nil
		return result, database.Classify(err)
	}
	return result, nil
}

// Reward 奖励积分并计入当日获得的积分
func (s *UsageService) Reward(ctx context.Context, req RewardRequest) (*model.LedgerEntry, error) {
	switch req.Kind {
	case model.EntryKindReward, model.EntryKindInviteBonus, model.EntryKindAchievement:
	default:
		return nil, errors.Wrapf(errUnknownKind, "不是奖励类流水: %s", req.Kind)
	}

	txCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	var entry *model.LedgerEntry
	err := database.WithinTx(txCtx, s.db, func(uow *database.UnitOfWork) error {
		var err error
		entry, err = s.ledger.Credit(txCtx, uow, CreditRequest(req))
		if err != nil {
			return err
		}
		_, err = s.quota.RecordUsage(txCtx, uow, req.AccountID, model.Deltas{model.TallyPointsEarned: req.Amount})
		return err
	})
	if err != nil {
		return nil, database.Classify(err)
	}
	return entry, nil
}

func (s *UsageService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
