package response

import (
	"errors"
	"net/http"

	"creditledger/internal/model"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeUnavailable   = 503
	CodeBusinessError = 1000
)

const (
	CodeAlreadyConsumed    = 1001
	CodeCodeExpired        = 1002
	CodeCodeNotYetValid    = 1003
	CodeCodeDisabled       = 1004
	CodeNotPaid            = 1005
	CodeOrderStatusInvalid = 1006
	CodeBalanceNotEnough   = 1007
	CodeDuplicateRequest   = 1008
	CodeNoSubscription     = 1009
)

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

var errorCodes = []struct {
	err     error
	code    int
	message string
}{
	{model.ErrInvalidArgument, CodeParamError, "参数错误"},
	{model.ErrNotFound, CodeNotFound, "记录不存在"},
	{model.ErrAlreadyConsumed, CodeAlreadyConsumed, "兑换码已被使用"},
	{model.ErrExpired, CodeCodeExpired, "兑换码已过期"},
	{model.ErrNotYetValid, CodeCodeNotYetValid, "兑换码尚未生效"},
	{model.ErrCodeDisabled, CodeCodeDisabled, "兑换码已停用"},
	{model.ErrNotPaid, CodeNotPaid, "订单未支付"},
	{model.ErrOrderStatusInvalid, CodeOrderStatusInvalid, "订单状态不允许该操作"},
	{model.ErrInsufficientBalance, CodeBalanceNotEnough, "余额不足"},
	{model.ErrDuplicateCorrelation, CodeDuplicateRequest, "重复请求"},
	{model.ErrNoSubscription, CodeNoSubscription, "当前没有付费订阅"},
	{model.ErrUnavailable, CodeUnavailable, "服务繁忙，请稍后重试"},
}

// Lookup 将业务错误映射为响应码，未识别的错误按服务器错误处理
func Lookup(err error) (int, string) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code, e.message
		}
	}
	return CodeServerError, "服务器内部错误"
}

func FromError(c *gin.Context, err error) {
	code, message := Lookup(err)
	switch {
	case code == CodeServerError:
		ServerError(c, message)
	case code >= CodeBusinessError:
		BusinessError(c, code, message)
	default:
		Error(c, code, message)
	}
}
