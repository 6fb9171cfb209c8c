package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"pointsbilling/internal/config"
	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"
	"pointsbilling/internal/repository"
	"pointsbilling/pkg/errcode"
	"pointsbilling/pkg/idgen"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerService 积分账本
//
// 每个写操作都在调用方传入的 UnitOfWork 里执行，提交和回滚由调用方负责。
// 同一账户的写操作靠账户行锁串行：先 SELECT ... FOR UPDATE，再按版本号 CAS 更新余额，
// 所以 balance_after 严格按提交顺序排列。
type LedgerService struct {
	db          *gorm.DB
	cfg         *config.Config
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.LedgerRepository
	outboxRepo  *repository.OutboxRepository
	log         *zap.SugaredLogger
}

func NewLedgerService(db *gorm.DB, cfg *config.Config, log *zap.Logger) *LedgerService {
	return &LedgerService{
		db:          db,
		cfg:         cfg,
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		log:         log.Sugar().Named("ledger"),
	}
}

type CreditRequest struct {
	AccountID      int64                  `json:"account_id" binding:"required"`
	Amount         int64                  `json:"amount" binding:"required,gt=0"`
	Kind           model.EntryKind        `json:"kind" binding:"required"`
	Description    string                 `json:"description"`
	Metadata       map[string]interface{} `json:"metadata"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

type DebitRequest struct {
	AccountID      int64                  `json:"account_id" binding:"required"`
	Amount         int64                  `json:"amount" binding:"required,gt=0"`
	Kind           model.EntryKind        `json:"kind" binding:"required"`
	Description    string                 `json:"description"`
	Metadata       map[string]interface{} `json:"metadata"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

type RefundRequest struct {
	AccountID      int64                  `json:"account_id" binding:"required"`
	Amount         int64                  `json:"amount" binding:"required,gt=0"`
	OriginalKind   model.EntryKind        `json:"original_kind" binding:"required"`
	Description    string                 `json:"description"`
	Metadata       map[string]interface{} `json:"metadata"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

type TransferRequest struct {
	FromAccountID  int64                  `json:"from_account_id" binding:"required"`
	ToAccountID    int64                  `json:"to_account_id" binding:"required"`
	Amount         int64                  `json:"amount" binding:"required,gt=0"`
	Description    string                 `json:"description"`
	Metadata       map[string]interface{} `json:"metadata"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

type TransferResult struct {
	Debit  *model.LedgerEntry `json:"debit"`
	Credit *model.LedgerEntry `json:"credit"`
}

// LedgerEvent 写入 outbox 的流水事件
type LedgerEvent struct {
	EntryNo      string          `json:"entry_no"`
	AccountID    int64           `json:"account_id"`
	Amount       int64           `json:"amount"`
	Kind         model.EntryKind `json:"kind"`
	RefundedKind model.EntryKind `json:"refunded_kind,omitempty"`
	BalanceAfter int64           `json:"balance_after"`
	CreatedAt    string          `json:"created_at"`
}

// posting 一次余额变更，delta 带符号
type posting struct {
	accountID      int64
	delta          int64
	kind           model.EntryKind
	refundedKind   model.EntryKind
	description    string
	metadata       map[string]interface{}
	idempotencyKey string
}

var errUnknownKind = errcode.New(errcode.CodeInvalidArgument, "未知的流水类型")

// Credit 入账，只有账户不存在（或幂等键重复）时失败
func (s *LedgerService) Credit(ctx context.Context, uow *database.UnitOfWork, req CreditRequest) (*model.LedgerEntry, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if !req.Kind.Valid() {
		return nil, errors.Wrapf(errUnknownKind, "kind=%s", req.Kind)
	}
	return s.post(ctx, uow, posting{
		accountID:      req.AccountID,
		delta:          req.Amount,
		kind:           req.Kind,
		description:    req.Description,
		metadata:       req.Metadata,
		idempotencyKey: req.IdempotencyKey,
	})
}

// Debit 出账，余额不足时返回 ErrInsufficientBalance，不写任何数据
func (s *LedgerService) Debit(ctx context.Context, uow *database.UnitOfWork, req DebitRequest) (*model.LedgerEntry, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if !req.Kind.Valid() {
		return nil, errors.Wrapf(errUnknownKind, "kind=%s", req.Kind)
	}
	return s.post(ctx, uow, posting{
		accountID:      req.AccountID,
		delta:          -req.Amount,
		kind:           req.Kind,
		description:    req.Description,
		metadata:       req.Metadata,
		idempotencyKey: req.IdempotencyKey,
	})
}

// Refund 冲正一笔原始流水：撤销扣费时入账，撤销购买/奖励时出账
func (s *LedgerService) Refund(ctx context.Context, uow *database.UnitOfWork, req RefundRequest) (*model.LedgerEntry, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	direction := req.OriginalKind.RefundDirection()
	if direction == 0 {
		return nil, errors.Wrapf(errUnknownKind, "不支持退款的流水类型: %s", req.OriginalKind)
	}
	return s.post(ctx, uow, posting{
		accountID:      req.AccountID,
		delta:          direction * req.Amount,
		kind:           model.EntryKindRefund,
		refundedKind:   req.OriginalKind,
		description:    req.Description,
		metadata:       req.Metadata,
		idempotencyKey: req.IdempotencyKey,
	})
}

// Transfer 从 from 扣款再给 to 入账，扣款失败时不会入账
// 两个账户按 id 升序加锁，避免互相转账时死锁
func (s *LedgerService) Transfer(ctx context.Context, uow *database.UnitOfWork, req TransferRequest) (result *TransferResult, err error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, errcode.New(errcode.CodeInvalidArgument, "不能给自己转账")
	}
	if uow == nil {
		return nil, database.ErrUnitOfWorkRequired
	}
	defer func() { uow.Observe(err) }()

	first, second := req.FromAccountID, req.ToAccountID
	if first > second {
		first, second = second, first
	}
	for _, id := range []int64{first, second} {
		if _, err := s.lockAccount(ctx, uow, id); err != nil {
			return nil, err
		}
	}

	// 两条流水的幂等键不能相同，入账一侧加后缀
	debitKey, creditKey := req.IdempotencyKey, ""
	if debitKey != "" {
		creditKey = debitKey + ":in"
	}

	debit, err := s.post(ctx, uow, posting{
		accountID:      req.FromAccountID,
		delta:          -req.Amount,
		kind:           model.EntryKindTransfer,
		description:    req.Description,
		metadata:       withCounterparty(req.Metadata, req.ToAccountID),
		idempotencyKey: debitKey,
	})
	if err != nil {
		return nil, err
	}

	credit, err := s.post(ctx, uow, posting{
		accountID:      req.ToAccountID,
		delta:          req.Amount,
		kind:           model.EntryKindTransfer,
		description:    req.Description,
		metadata:       withCounterparty(req.Metadata, req.FromAccountID),
		idempotencyKey: creditKey,
	})
	if err != nil {
		return nil, err
	}

	return &TransferResult{Debit: debit, Credit: credit}, nil
}

func (s *LedgerService) post(ctx context.Context, uow *database.UnitOfWork, p posting) (entry *model.LedgerEntry, err error) {
	if uow == nil {
		return nil, database.ErrUnitOfWorkRequired
	}
	defer func() { uow.Observe(err) }()

	tx := uow.Tx()

	account, err := s.lockAccount(ctx, uow, p.accountID)
	if err != nil {
		return nil, err
	}

	// 幂等校验在行锁之后做，同一个键的并发重放只会有一个通过
	if p.idempotencyKey != "" {
		existing, err := s.ledgerRepo.FindByIdempotencyKey(ctx, tx, p.idempotencyKey)
		if err != nil {
			return nil, database.Classify(errors.Wrap(err, "查询幂等键失败"))
		}
		if existing != nil {
			return nil, errcode.Wrapf(errcode.ErrDuplicateOperation, nil,
				"idempotency_key=%s entry_no=%s", p.idempotencyKey, existing.EntryNo)
		}
	}

	if p.delta < 0 && account.Balance < -p.delta {
		return nil, errcode.Wrapf(errcode.ErrInsufficientBalance, nil,
			"account=%d balance=%d amount=%d", account.ID, account.Balance, -p.delta)
	}

	entry = &model.LedgerEntry{
		EntryNo:       idgen.GenerateEntryNo(),
		AccountID:     account.ID,
		Amount:        p.delta,
		Kind:          p.kind,
		Description:   p.description,
		Metadata:      datatypes.JSONMap(p.metadata),
		BalanceBefore: account.Balance,
		BalanceAfter:  account.Balance + p.delta,
		RefundedKind:  p.refundedKind,
	}
	if p.idempotencyKey != "" {
		key := p.idempotencyKey
		entry.IdempotencyKey = &key
	}

	if err := s.ledgerRepo.Create(ctx, tx, entry); err != nil {
		if errors.Is(err, errcode.ErrDuplicateOperation) {
			return nil, err
		}
		return nil, database.Classify(errors.Wrap(err, "记录流水失败"))
	}
	uow.MarkWritten()

	if err := s.accountRepo.CompareAndSwapBalance(ctx, tx, account.ID, account.Version, p.delta); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			// 持有行锁时版本号仍然变化，说明有写入绕过了锁，按并发失败处理，整个事务作废
			s.log.Errorw("余额 CAS 未命中", "account_id", account.ID, "version", account.Version)
			return nil, errcode.Wrap(errcode.ErrConcurrencyTimeout, err)
		}
		return nil, database.Classify(errors.Wrap(err, "更新余额失败"))
	}

	if s.cfg.Ledger.OutboxEnabled {
		if err := s.enqueueEvent(ctx, tx, entry); err != nil {
			return nil, database.Classify(errors.Wrap(err, "写入消息失败"))
		}
	}

	s.log.Infow("记账成功",
		"entry_no", entry.EntryNo,
		"account_id", entry.AccountID,
		"amount", entry.Amount,
		"kind", entry.Kind,
		"balance_after", entry.BalanceAfter,
	)
	return entry, nil
}

func (s *LedgerService) lockAccount(ctx context.Context, uow *database.UnitOfWork, accountID int64) (*model.Account, error) {
	account, err := s.accountRepo.GetForUpdate(ctx, uow.Tx(), accountID)
	if err != nil {
		if errors.Is(err, errcode.ErrAccountNotFound) {
			return nil, errcode.Wrapf(errcode.ErrAccountNotFound, nil, "account=%d", accountID)
		}
		return nil, database.Classify(errors.Wrap(err, "锁定账户失败"))
	}
	return account, nil
}

func (s *LedgerService) enqueueEvent(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	payload, err := json.Marshal(LedgerEvent{
		EntryNo:      entry.EntryNo,
		AccountID:    entry.AccountID,
		Amount:       entry.Amount,
		Kind:         entry.Kind,
		RefundedKind: entry.RefundedKind,
		BalanceAfter: entry.BalanceAfter,
		CreatedAt:    createdAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		EventType:  model.EventLedgerEntryCreated,
		MessageKey: strconv.FormatInt(entry.AccountID, 10),
		Topic:      s.cfg.Kafka.Topic.LedgerEvents,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}

func (s *LedgerService) GetBalance(ctx context.Context, accountID int64) (*model.Account, error) {
	return s.accountRepo.GetByID(ctx, nil, accountID)
}

func (s *LedgerService) ListEntries(ctx context.Context, accountID int64, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.ledgerRepo.ListByAccount(ctx, accountID, page, pageSize)
}

func (s *LedgerService) FindByIdempotencyKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	return s.ledgerRepo.FindByIdempotencyKey(ctx, nil, key)
}

// GetEntry 按流水号查询，不存在时返回 nil
func (s *LedgerService) GetEntry(ctx context.Context, entryNo string) (*model.LedgerEntry, error) {
	return s.ledgerRepo.GetByEntryNo(ctx, entryNo)
}

// OpenAccount 按外部身份开户，已存在时直接返回
func (s *LedgerService) OpenAccount(ctx context.Context, userID int64, role string) (*model.Account, error) {
	if userID <= 0 {
		return nil, errcode.New(errcode.CodeInvalidArgument, "user_id 必须大于0")
	}
	return s.accountRepo.GetOrCreate(ctx, userID, role)
}

// SetRole 修改账户角色，免额度角色立即生效
func (s *LedgerService) SetRole(ctx context.Context, uow *database.UnitOfWork, accountID int64, role string) (err error) {
	if uow == nil {
		return database.ErrUnitOfWorkRequired
	}
	defer func() { uow.Observe(err) }()

	if role == "" {
		return errcode.New(errcode.CodeInvalidArgument, "角色不能为空")
	}
	if err := s.accountRepo.UpdateRole(ctx, uow.Tx(), accountID, role); err != nil {
		return err
	}
	uow.MarkWritten()
	return nil
}

// Verify 核对账户余额与流水：余额必须等于流水金额之和，也必须等于最后一条流水的 balance_after
// 不一致时返回 ErrIntegrityViolation，只报告不修正
func (s *LedgerService) Verify(ctx context.Context, account *model.Account) error {
	sum, err := s.ledgerRepo.SumByAccount(ctx, nil, account.ID)
	if err != nil {
		return err
	}
	if sum != account.Balance {
		return errcode.Wrapf(errcode.ErrIntegrityViolation, nil,
			"account=%d balance=%d sum=%d", account.ID, account.Balance, sum)
	}

	last, err := s.ledgerRepo.LastEntry(ctx, nil, account.ID)
	if err != nil {
		return err
	}
	if last != nil && last.BalanceAfter != account.Balance {
		return errcode.Wrapf(errcode.ErrIntegrityViolation, nil,
			"account=%d balance=%d last_balance_after=%d entry_no=%s", account.ID, account.Balance, last.BalanceAfter, last.EntryNo)
	}
	return nil
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return errcode.Wrapf(errcode.ErrInvalidAmount, nil, "amount=%d", amount)
	}
	return nil
}

func withCounterparty(meta map[string]interface{}, counterparty int64) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["counterparty_account_id"] = counterparty
	return out
}
