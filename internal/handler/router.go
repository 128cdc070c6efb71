package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter 配置路由，gatherer 为 nil 时不暴露 /metrics
func SetupRouter(h *Handler, mode string, gatherer prometheus.Gatherer, log *zap.Logger) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log))

	api := r.Group("/api/v1")
	{
		accounts := api.Group("/accounts")
		{
			accounts.POST("", h.Register)
			accounts.GET("/:account_id/entitlement", h.GetEntitlement)
			accounts.POST("/:account_id/usage", h.ConsumeCredits)
			accounts.POST("/:account_id/subscription/cancel", h.CancelSubscription)
			accounts.PUT("/:account_id/subscription/auto-renew", h.SetAutoRenew)
		}

		api.GET("/plans", h.ListPlans)

		credits := api.Group("/credits")
		{
			credits.POST("/redeem", h.Redeem)
			credits.GET("/history", h.GetHistory)
		}

		orders := api.Group("/orders")
		{
			orders.POST("", h.CreateOrder)
			orders.GET("", h.ListOrders)
			orders.GET("/:order_id", h.GetOrder)
			orders.POST("/:order_id/cancel", h.CancelOrder)
			orders.POST("/activate", h.Activate)
			orders.POST("/webhook/paid", h.PaidWebhook)
		}

		admin := api.Group("/admin")
		{
			admin.POST("/codes/batch", h.CreateCodes)
			admin.POST("/codes/:code/disable", h.DisableCode)
			admin.DELETE("/codes/:code", h.DeleteCode)
			admin.POST("/plans/:plan_id/refresh", h.RefreshPlan)
		}
	}

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
