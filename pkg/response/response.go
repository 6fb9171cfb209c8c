package response

import (
	"net/http"

	"pointsbilling/pkg/errcode"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeBalanceNotEnough   = 1003
	CodeDuplicateRequest   = 1004
	CodeAccountNotFound    = 1005
	CodeNoActiveTariff     = 1101
	CodeLimitExceeded      = 1102
	CodeTariffNotFound     = 1103
	CodeConcurrencyTimeout = 1201
)

// MessageTryLater 配置错误、完整性错误和未知错误对用户统一展示的文案
const MessageTryLater = "服务暂时不可用，请稍后再试"

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}

var businessCodes = map[errcode.Code]struct {
	code    int
	message string
}{
	errcode.CodeInsufficientBalance: {CodeBalanceNotEnough, "积分不足，请先充值"},
	errcode.CodeDuplicateOperation:  {CodeDuplicateRequest, "请求已处理，请勿重复提交"},
	errcode.CodeAccountNotFound:     {CodeAccountNotFound, "账户不存在"},
	errcode.CodeNoActiveTariff:      {CodeNoActiveTariff, "没有生效的套餐，请先订阅"},
	errcode.CodeLimitExceeded:       {CodeLimitExceeded, "今日额度已用完，请明天再来或使用积分"},
	errcode.CodeTariffNotFound:      {CodeTariffNotFound, "套餐不存在"},
	errcode.CodeConcurrencyTimeout:  {CodeConcurrencyTimeout, "系统繁忙，请重试"},
	errcode.CodeInvalidArgument:     {CodeParamError, "参数错误"},
}

// FromError 按错误分类写出响应
// 返回 false 表示这是服务端问题（配置、完整性或未分类错误），调用方应记录 error 日志
func FromError(c *gin.Context, err error) bool {
	if bc, ok := businessCodes[errcode.CodeOf(err)]; ok {
		BusinessError(c, bc.code, bc.message)
		return true
	}
	ServerError(c, MessageTryLater)
	return false
}
