package model

import "errors"

// ============================================================================
// 错误分类
// ============================================================================
//
// 终态错误：ErrNotFound / ErrExpired / ErrNotYetValid / ErrCodeDisabled / ErrInsufficientBalance
// 幂等结果：ErrAlreadyConsumed / ErrAlreadyActivated 不是故障，是确定性的结果
// 待外部解决：ErrNotPaid
// 内部错误：ErrConcurrencyConflict 在有限次重试后升级为 ErrUnavailable
//
// ============================================================================

var (
	ErrNotFound             = errors.New("记录不存在")
	ErrAlreadyConsumed      = errors.New("兑换码已被使用")
	ErrAlreadyActivated     = errors.New("订单已激活")
	ErrExpired              = errors.New("兑换码已过期")
	ErrNotYetValid          = errors.New("兑换码尚未生效")
	ErrCodeDisabled         = errors.New("兑换码已停用")
	ErrNotPaid              = errors.New("订单尚未支付")
	ErrInsufficientBalance  = errors.New("积分余额不足")
	ErrConcurrencyConflict  = errors.New("并发写入冲突")
	ErrUnavailable          = errors.New("系统繁忙，请稍后重试")
	ErrInvalidArgument      = errors.New("参数不合法")
	ErrDuplicateCorrelation = errors.New("关联单号重复入账")
	ErrNoSubscription       = errors.New("当前没有付费订阅")
	ErrOrderStatusInvalid   = errors.New("订单状态不合法")
)
