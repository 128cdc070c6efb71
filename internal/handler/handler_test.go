package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"creditledger/internal/clock"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/internal/service"
	"creditledger/internal/testutil"
	"creditledger/pkg/idgen"
	"creditledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testServer struct {
	db     *gorm.DB
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db := testutil.NewDB(t)
	cfg := testutil.Config(t)
	log := zap.NewNop()
	ids, err := idgen.New(1)
	if err != nil {
		t.Fatalf("idgen: %v", err)
	}
	clk := clock.NewManual(time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC))

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	ledger := service.NewLedgerService(db, ids, clk, cfg, m, log)
	entitlements := service.NewEntitlementService(ledger, repository.NewPlanRepository(db), cfg, log)
	redemptions := service.NewRedemptionService(db, ledger, entitlements, ids, cfg, m, log)
	activations := service.NewActivationService(db, ledger, entitlements, ids, cfg, m, log)

	h := NewHandler(ledger, entitlements, redemptions, activations, log)
	return &testServer{
		db:     db,
		router: SetupRouter(h, gin.TestMode, registry, log),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp response.Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return rec, resp
}

func dataField(t *testing.T, resp response.Response, key string) interface{} {
	t.Helper()
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected data %#v", resp.Data)
	}
	return data[key]
}

func TestRedeemEndpoint(t *testing.T) {
	s := newTestServer(t)
	if err := s.db.Create(&model.RedemptionCode{Code: "CRK-HTTP-0000-0001", Kind: model.CodeKindCredit, Credits: 1000, Status: model.CodeStatusActive}).Error; err != nil {
		t.Fatalf("insert code: %v", err)
	}

	_, resp := s.do(t, http.MethodPost, "/api/v1/accounts", gin.H{"account_id": 7})
	if resp.Code != response.CodeSuccess || dataField(t, resp, "created") != true {
		t.Fatalf("register failed: %+v", resp)
	}

	rec, resp := s.do(t, http.MethodPost, "/api/v1/credits/redeem", gin.H{"account_id": 7, "code": "crk-http-0000-0001"})
	if rec.Code != http.StatusOK || resp.Code != response.CodeSuccess {
		t.Fatalf("redeem failed: %d %+v", rec.Code, resp)
	}
	if dataField(t, resp, "success") != true || dataField(t, resp, "new_balance") != float64(2000) {
		t.Fatalf("unexpected redeem data: %+v", resp.Data)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	_, resp = s.do(t, http.MethodPost, "/api/v1/credits/redeem", gin.H{"account_id": 7, "code": "CRK-HTTP-0000-0001"})
	if resp.Code != response.CodeAlreadyConsumed || dataField(t, resp, "success") != false {
		t.Fatalf("expected already consumed, got %+v", resp)
	}

	_, resp = s.do(t, http.MethodPost, "/api/v1/credits/redeem", gin.H{"account_id": 7})
	if resp.Code != response.CodeParamError {
		t.Fatalf("expected param error, got %+v", resp)
	}

	_, resp = s.do(t, http.MethodGet, "/api/v1/credits/history?account_id=7&limit=1", nil)
	if resp.Code != response.CodeSuccess || dataField(t, resp, "total") != float64(2) {
		t.Fatalf("unexpected history: %+v", resp)
	}
}

func TestOrderWebhookFlow(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/accounts", gin.H{"account_id": 9})

	_, resp := s.do(t, http.MethodPost, "/api/v1/orders", gin.H{"request_id": "req-1", "account_id": 9, "plan_id": "pro"})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("create order failed: %+v", resp)
	}
	orderID, _ := dataField(t, resp, "order_id").(string)

	_, resp = s.do(t, http.MethodPost, "/api/v1/orders/activate", gin.H{"order_id": orderID})
	if resp.Code != response.CodeNotPaid {
		t.Fatalf("expected not paid, got %+v", resp)
	}

	for i := 0; i < 2; i++ {
		_, resp = s.do(t, http.MethodPost, "/api/v1/orders/webhook/paid", gin.H{"order_id": orderID, "payment_ref": "wx-1"})
		if resp.Code != response.CodeSuccess {
			t.Fatalf("webhook %d failed: %+v", i, resp)
		}
	}
	if dataField(t, resp, "already_activated") != true {
		t.Fatalf("expected replayed webhook to report already activated: %+v", resp.Data)
	}

	_, resp = s.do(t, http.MethodGet, "/api/v1/accounts/9/entitlement", nil)
	if resp.Code != response.CodeSuccess || dataField(t, resp, "plan_id") != "pro" {
		t.Fatalf("unexpected entitlement: %+v", resp)
	}

	_, resp = s.do(t, http.MethodGet, "/api/v1/orders/"+orderID, nil)
	if resp.Code != response.CodeSuccess || dataField(t, resp, "status") != string(model.OrderStatusActivated) {
		t.Fatalf("unexpected order: %+v", resp)
	}

	_, resp = s.do(t, http.MethodGet, "/api/v1/orders/SUB-MISSING", nil)
	if resp.Code != response.CodeNotFound {
		t.Fatalf("expected not found, got %+v", resp)
	}
}

func TestUsageAndSubscriptionEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/accounts", gin.H{"account_id": 3})

	_, resp := s.do(t, http.MethodPost, "/api/v1/accounts/3/usage", gin.H{"request_id": "u-1", "amount": 400})
	if resp.Code != response.CodeSuccess || dataField(t, resp, "new_balance") != float64(600) {
		t.Fatalf("unexpected usage response: %+v", resp)
	}
	_, resp = s.do(t, http.MethodPost, "/api/v1/accounts/3/usage", gin.H{"request_id": "u-2", "amount": 4000})
	if resp.Code != response.CodeBalanceNotEnough {
		t.Fatalf("expected balance not enough, got %+v", resp)
	}

	_, resp = s.do(t, http.MethodPost, "/api/v1/accounts/3/subscription/cancel", nil)
	if resp.Code != response.CodeNoSubscription {
		t.Fatalf("expected no subscription, got %+v", resp)
	}
	_, resp = s.do(t, http.MethodPut, "/api/v1/accounts/3/subscription/auto-renew", gin.H{"auto_renew": true})
	if resp.Code != response.CodeNoSubscription {
		t.Fatalf("expected no subscription, got %+v", resp)
	}
	_, resp = s.do(t, http.MethodGet, "/api/v1/accounts/abc/entitlement", nil)
	if resp.Code != response.CodeParamError {
		t.Fatalf("expected param error, got %+v", resp)
	}
}

func TestAdminCodeEndpoints(t *testing.T) {
	s := newTestServer(t)

	_, resp := s.do(t, http.MethodPost, "/api/v1/admin/codes/batch", gin.H{"kind": "credit", "count": 2, "credits": 100})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("create batch failed: %+v", resp)
	}
	codes, _ := dataField(t, resp, "codes").([]interface{})
	if len(codes) != 2 {
		t.Fatalf("expected 2 codes, got %+v", resp.Data)
	}
	first, _ := codes[0].(string)
	second, _ := codes[1].(string)

	_, resp = s.do(t, http.MethodPost, "/api/v1/admin/codes/"+first+"/disable", nil)
	if resp.Code != response.CodeSuccess {
		t.Fatalf("disable failed: %+v", resp)
	}
	rec, resp := s.do(t, http.MethodDelete, "/api/v1/admin/codes/"+second, nil)
	if rec.Code != http.StatusOK || resp.Code != response.CodeSuccess {
		t.Fatalf("delete failed: %+v", resp)
	}

	_, resp = s.do(t, http.MethodPost, "/api/v1/admin/codes/batch", gin.H{"kind": "coupon", "count": 1})
	if resp.Code != response.CodeParamError {
		t.Fatalf("expected param error, got %+v", resp)
	}
}

func TestPlanEndpoints(t *testing.T) {
	s := newTestServer(t)

	_, resp := s.do(t, http.MethodGet, "/api/v1/plans", nil)
	plans, _ := dataField(t, resp, "plans").([]interface{})
	if resp.Code != response.CodeSuccess || len(plans) != 4 {
		t.Fatalf("unexpected plans: %+v", resp)
	}

	_, resp = s.do(t, http.MethodPost, "/api/v1/admin/plans/pro/refresh", nil)
	if resp.Code != response.CodeSuccess || dataField(t, resp, "plan_id") != "pro" {
		t.Fatalf("refresh failed: %+v", resp)
	}

	_, resp = s.do(t, http.MethodPost, "/api/v1/admin/plans/gold/refresh", nil)
	if resp.Code != response.CodeNotFound {
		t.Fatalf("expected not found, got %+v", resp)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}

	// 触发一次核销以产生指标
	s.do(t, http.MethodPost, "/api/v1/credits/redeem", gin.H{"account_id": 1, "code": "CRK-NONE"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	s.router.ServeHTTP(mrec, req)
	if mrec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", mrec.Code)
	}
}
