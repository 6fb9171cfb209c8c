package errcode

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code 错误分类，调用方根据 Code 分支而不是解析错误字符串
type Code string

const (
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeNoActiveTariff      Code = "NO_ACTIVE_TARIFF"
	CodeLimitExceeded       Code = "LIMIT_EXCEEDED"
	CodeConfiguration       Code = "CONFIGURATION_ERROR"
	CodeConcurrencyTimeout  Code = "CONCURRENCY_TIMEOUT"
	CodeIntegrityViolation  Code = "INTEGRITY_VIOLATION"
	CodeAccountNotFound     Code = "ACCOUNT_NOT_FOUND"
	CodeTariffNotFound      Code = "TARIFF_NOT_FOUND"
	CodeDuplicateOperation  Code = "DUPLICATE_OPERATION"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
)

// Error 带分类的业务错误
// errors.Is 按 Code 比较，所以包装了底层原因的错误依然能匹配到哨兵错误
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Recoverable 用户是否可以自行处理（充值、订阅、等待重置、重试）
func (e *Error) Recoverable() bool {
	switch e.Code {
	case CodeConfiguration, CodeIntegrityViolation:
		return false
	}
	return true
}

var (
	ErrInsufficientBalance = New(CodeInsufficientBalance, "余额不足")
	ErrNoActiveTariff      = New(CodeNoActiveTariff, "没有生效的套餐")
	ErrLimitExceeded       = New(CodeLimitExceeded, "今日额度已用完")
	ErrConfiguration       = New(CodeConfiguration, "配置错误")
	ErrConcurrencyTimeout  = New(CodeConcurrencyTimeout, "并发等待超时，请重试")
	ErrIntegrityViolation  = New(CodeIntegrityViolation, "数据完整性校验失败")
	ErrAccountNotFound     = New(CodeAccountNotFound, "账户不存在")
	ErrTariffNotFound      = New(CodeTariffNotFound, "套餐不存在")
	ErrDuplicateOperation  = New(CodeDuplicateOperation, "重复请求")
	ErrInvalidAmount       = New(CodeInvalidArgument, "金额必须大于0")
)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap 给哨兵错误附加底层原因，Code 不变
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Code: sentinel.Code, Message: sentinel.Message, Cause: cause}
}

// Wrapf 同 Wrap，并在消息后追加格式化的细节
func Wrapf(sentinel *Error, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:    sentinel.Code,
		Message: sentinel.Message + ": " + fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// CodeOf 返回错误分类，未分类的错误返回空字符串
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable()
	}
	return false
}
