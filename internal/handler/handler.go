package handler

import (
	"net/http"
	"strconv"
	"time"

	"creditledger/internal/model"
	"creditledger/internal/service"
	"creditledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger       *service.LedgerService
	entitlements *service.EntitlementService
	redemptions  *service.RedemptionService
	activations  *service.ActivationService
	log          *zap.Logger
}

func NewHandler(
	ledger *service.LedgerService,
	entitlements *service.EntitlementService,
	redemptions *service.RedemptionService,
	activations *service.ActivationService,
	log *zap.Logger,
) *Handler {
	return &Handler{
		ledger:       ledger,
		entitlements: entitlements,
		redemptions:  redemptions,
		activations:  activations,
		log:          log.Named("handler"),
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	code, _ := response.Lookup(err)
	if code == response.CodeServerError || code == response.CodeUnavailable {
		h.log.Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err),
		)
	}
	response.FromError(c, err)
}

func pathAccountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("account_id"), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "account_id 参数错误")
		return 0, false
	}
	return id, true
}

// ============================================================
// 账户与权益
// ============================================================

type RegisterRequest struct {
	AccountID int64 `json:"account_id" binding:"required,gt=0"`
}

// Register 开户
// POST /api/v1/accounts
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, created, err := h.ledger.Register(c.Request.Context(), req.AccountID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id": account.ID,
		"balance":    account.Balance,
		"plan_id":    account.Subscription.PlanID,
		"created":    created,
	})
}

// GetEntitlement 查询余额与订阅权益
// GET /api/v1/accounts/:account_id/entitlement
func (h *Handler) GetEntitlement(c *gin.Context) {
	accountID, ok := pathAccountID(c)
	if !ok {
		return
	}

	snap, err := h.entitlements.GetEntitlement(c.Request.Context(), accountID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, snap)
}

type UsageRequest struct {
	RequestID   string `json:"request_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Description string `json:"description"`
}

// ConsumeCredits 扣减用量
// POST /api/v1/accounts/:account_id/usage
func (h *Handler) ConsumeCredits(c *gin.Context) {
	accountID, ok := pathAccountID(c)
	if !ok {
		return
	}
	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.ledger.ConsumeCredits(c.Request.Context(), accountID, req.Amount, req.RequestID, req.Description)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"record_no":   record.RecordNo,
		"new_balance": record.BalanceAfter,
	})
}

// CancelSubscription 取消订阅，到期前权益仍然有效
// POST /api/v1/accounts/:account_id/subscription/cancel
func (h *Handler) CancelSubscription(c *gin.Context) {
	accountID, ok := pathAccountID(c)
	if !ok {
		return
	}

	snap, err := h.entitlements.Cancel(c.Request.Context(), accountID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, snap)
}

type AutoRenewRequest struct {
	AutoRenew *bool `json:"auto_renew" binding:"required"`
}

// SetAutoRenew 开关自动续费
// PUT /api/v1/accounts/:account_id/subscription/auto-renew
func (h *Handler) SetAutoRenew(c *gin.Context) {
	accountID, ok := pathAccountID(c)
	if !ok {
		return
	}
	var req AutoRenewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	snap, err := h.entitlements.SetAutoRenew(c.Request.Context(), accountID, *req.AutoRenew)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, snap)
}

// ============================================================
// 积分
// ============================================================

type RedeemRequest struct {
	AccountID int64  `json:"account_id" binding:"required,gt=0"`
	Code      string `json:"code" binding:"required"`
}

// Redeem 核销兑换码
// POST /api/v1/credits/redeem
func (h *Handler) Redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.redemptions.Redeem(c.Request.Context(), req.AccountID, req.Code, c.ClientIP())
	if err != nil {
		code, message := response.Lookup(err)
		if code == response.CodeServerError || code == response.CodeUnavailable {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.Response{
			Code:    code,
			Message: message,
			Data:    &service.RedemptionResult{Success: false, Message: message, Code: model.NormalizeCode(req.Code)},
		})
		return
	}

	response.Success(c, result)
}

// GetHistory 积分流水，按时间倒序
// GET /api/v1/credits/history?account_id=xxx&limit=20&offset=0
func (h *Handler) GetHistory(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	page, err := h.ledger.GetLedgerHistory(c.Request.Context(), accountID, limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, page)
}

// ============================================================
// 订单
// ============================================================

type CreateOrderRequest struct {
	RequestID string `json:"request_id" binding:"required"` // 幂等ID
	AccountID int64  `json:"account_id" binding:"required,gt=0"`
	PlanID    string `json:"plan_id" binding:"required"`
}

// CreateOrder 创建订阅订单
// POST /api/v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	order, err := h.activations.CreateOrder(c.Request.Context(), &service.CreateOrderRequest{
		RequestID: req.RequestID,
		AccountID: req.AccountID,
		PlanID:    req.PlanID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"order_id":   order.OrderID,
		"status":     order.Status,
		"amount":     order.Amount,
		"expires_at": order.ExpiresAt,
	})
}

// GetOrder 查询订单详情
// GET /api/v1/orders/:order_id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.activations.GetOrder(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// ListOrders 查询用户订单列表
// GET /api/v1/orders?account_id=xxx&page=1&page_size=10
func (h *Handler) ListOrders(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	orders, total, err := h.activations.ListOrders(c.Request.Context(), accountID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// CancelOrder 取消未支付订单
// POST /api/v1/orders/:order_id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	if err := h.activations.CancelOrder(c.Request.Context(), c.Param("order_id")); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"message": "订单已取消",
	})
}

type PaidWebhookRequest struct {
	OrderID    string `json:"order_id" binding:"required"`
	PaymentRef string `json:"payment_ref"`
}

// PaidWebhook 支付渠道回调：确认支付后立即激活
// POST /api/v1/orders/webhook/paid
//
// 回调可能重复投递，确认支付和激活都是幂等的。
func (h *Handler) PaidWebhook(c *gin.Context) {
	var req PaidWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if _, err := h.activations.ConfirmPaid(c.Request.Context(), req.OrderID, req.PaymentRef); err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.activations.Activate(c.Request.Context(), req.OrderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

type ActivateRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

// Activate 激活已支付订单
// POST /api/v1/orders/activate
func (h *Handler) Activate(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.activations.Activate(c.Request.Context(), req.OrderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 运营接口
// ============================================================

type CreateCodesRequest struct {
	Kind         string     `json:"kind" binding:"required"`
	Count        int        `json:"count" binding:"required,gt=0"`
	Credits      int64      `json:"credits"`
	PlanID       string     `json:"plan_id"`
	Days         int        `json:"days"`
	BonusCredits int64      `json:"bonus_credits"`
	ValidFrom    *time.Time `json:"valid_from"`
	ValidUntil   *time.Time `json:"valid_until"`
	Note         string     `json:"note"`
}

// CreateCodes 批量生成兑换码
// POST /api/v1/admin/codes/batch
func (h *Handler) CreateCodes(c *gin.Context) {
	var req CreateCodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	kind, err := model.ParseCodeKind(req.Kind)
	if err != nil {
		response.ParamError(c, "kind 参数错误")
		return
	}

	batch, err := h.redemptions.CreateBatch(c.Request.Context(), service.BatchRequest{
		Kind:         kind,
		Count:        req.Count,
		Credits:      req.Credits,
		PlanID:       req.PlanID,
		Days:         req.Days,
		BonusCredits: req.BonusCredits,
		ValidFrom:    req.ValidFrom,
		ValidUntil:   req.ValidUntil,
		Note:         req.Note,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, batch)
}

// DisableCode 停用兑换码
// POST /api/v1/admin/codes/:code/disable
func (h *Handler) DisableCode(c *gin.Context) {
	if err := h.redemptions.Disable(c.Request.Context(), c.Param("code")); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"message": "兑换码已停用"})
}

// DeleteCode 删除未使用的兑换码
// DELETE /api/v1/admin/codes/:code
func (h *Handler) DeleteCode(c *gin.Context) {
	if err := h.redemptions.DeleteUnused(c.Request.Context(), c.Param("code")); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"message": "兑换码已删除"})
}

// ListPlans 在售套餐
// GET /api/v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.entitlements.ListPlans(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"plans": plans})
}

// RefreshPlan 套餐在库中修改后清除缓存
// POST /api/v1/admin/plans/:plan_id/refresh
func (h *Handler) RefreshPlan(c *gin.Context) {
	plan, err := h.entitlements.RefreshPlan(c.Request.Context(), c.Param("plan_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, plan)
}
