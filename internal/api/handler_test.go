package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/store/memory"
	"storefront/internal/util"
	"storefront/internal/vnpay"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSecret = []byte("test-secret")

func init() {
	gin.SetMode(gin.TestMode)
	util.UseLogger(zap.NewNop())
}

type mapCache struct {
	mu     sync.Mutex
	orders map[int64]models.Order
	ttls   map[int64]time.Duration
}

func (m *mapCache) GetCachedOrder(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &o, nil
}

func (m *mapCache) CacheOrder(_ context.Context, o *models.Order, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = *o
	m.ttls[o.ID] = ttl
	return nil
}

func (m *mapCache) InvalidateOrder(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, id)
	return nil
}

type testServer struct {
	router  *gin.Engine
	store   *memory.Store
	gateway *vnpay.Gateway
	cache   *mapCache
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := memory.NewStore()
	ledger := service.NewInventoryLedger(st)
	lifecycle := service.NewOrderLifecycle(st, ledger)
	gw := vnpay.NewGateway(vnpay.Config{
		TmnCode:    "DEMO1234",
		HashSecret: "SECRETKEYSECRETKEY",
		PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		ReturnURL:  "http://localhost:8080/api/v1/payments/vnpay/return",
	})
	cache := &mapCache{orders: map[int64]models.Order{}, ttls: map[int64]time.Duration{}}

	h := NewHandler(Deps{
		Orders:       service.NewOrderService(st, ledger),
		Lifecycle:    lifecycle,
		Payments:     service.NewPaymentService(st, gw, lifecycle),
		Inventory:    ledger,
		Cache:        cache,
		JWTSecret:    testSecret,
		OrderPageURL: "http://shop.test/orders/",
		CacheTTL:     time.Minute,
		ReadyChecks: map[string]Check{
			"store": func(context.Context) error { return nil },
		},
	})
	router := gin.New()
	h.SetupRoutes(router)

	_, err := ledger.Create(context.Background(), 1, 10, "HCM-1")
	require.NoError(t, err)
	_, err = ledger.Create(context.Background(), 2, 10, "HCM-1")
	require.NoError(t, err)

	return &testServer{router: router, store: st, gateway: gw, cache: cache}
}

func token(t *testing.T, userID int64, role string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (s *testServer) checkout(t *testing.T, userID int64, method string) int64 {
	t.Helper()
	s.store.PutCartItem(userID, 1, 2, decimal.RequireFromString("10.00"))
	s.store.PutCartItem(userID, 2, 1, decimal.RequireFromString("5.50"))

	w := s.do(t, http.MethodPost, "/api/v1/checkout", token(t, userID, RoleCustomer), gin.H{
		"shipping_address": "12 Nguyen Hue",
		"payment_method":   method,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return int64(decode(t, w)["order_id"].(float64))
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", "", nil).Code)
}

func TestReadyReportsFailedDependency(t *testing.T) {
	h := NewHandler(Deps{ReadyChecks: map[string]Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}})
	router := gin.New()
	h.SetupRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/checkout", "", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/checkout", "garbage", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := IssueToken([]byte("other-secret"), 7, RoleAdmin, time.Hour)
	require.NoError(t, err)
	w = s.do(t, http.MethodGet, "/api/v1/admin/inventory/1", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/admin/inventory/1", token(t, 7, RoleCustomer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCheckoutAndGetOrder(t *testing.T) {
	s := newTestServer(t)
	id := s.checkout(t, 7, "COD")

	w := s.do(t, http.MethodGet, "/api/v1/orders/"+strconv.FormatInt(id, 10), token(t, 7, RoleCustomer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Pending", body["status"])
	assert.Equal(t, "25.5", body["total_amount"])

	_, cached := s.cache.orders[id]
	assert.True(t, cached)

	// cached view still enforces ownership
	w = s.do(t, http.MethodGet, "/api/v1/orders/"+strconv.FormatInt(id, 10), token(t, 8, RoleCustomer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/orders/"+strconv.FormatInt(id, 10), token(t, 1, RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/orders/abc", token(t, 7, RoleCustomer), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/orders/999", token(t, 7, RoleCustomer), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckoutErrors(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, 7, RoleCustomer)

	w := s.do(t, http.MethodPost, "/api/v1/checkout", tok, gin.H{"payment_method": "COD"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/checkout", tok, gin.H{"shipping_address": "x", "payment_method": "COD"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty cart")

	s.store.PutCartItem(7, 1, 50, decimal.RequireFromString("10.00"))
	w = s.do(t, http.MethodPost, "/api/v1/checkout", tok, gin.H{"shipping_address": "x", "payment_method": "COD"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestBuyNowEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.store.PutProduct(1, decimal.RequireFromString("10.00"))

	w := s.do(t, http.MethodPost, "/api/v1/checkout/buy-now", token(t, 7, RoleCustomer), gin.H{
		"product_id":       1,
		"quantity":         3,
		"shipping_address": "12 Nguyen Hue",
		"payment_method":   "VNPAY",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "30", decode(t, w)["total_amount"])
}

func TestCancelOrderEndpoint(t *testing.T) {
	s := newTestServer(t)
	id := s.checkout(t, 7, "COD")
	path := "/api/v1/orders/" + strconv.FormatInt(id, 10) + "/cancel"

	w := s.do(t, http.MethodPost, path, token(t, 8, RoleCustomer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, path, token(t, 7, RoleCustomer), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, path, token(t, 7, RoleCustomer), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminUpdateStatus(t *testing.T) {
	s := newTestServer(t)
	id := s.checkout(t, 7, "COD")
	path := "/api/v1/admin/orders/" + strconv.FormatInt(id, 10) + "/status"
	admin := token(t, 1, RoleAdmin)

	// warm the cache so the update must evict it
	s.do(t, http.MethodGet, "/api/v1/orders/"+strconv.FormatInt(id, 10), admin, nil)
	require.Contains(t, s.cache.orders, id)

	w := s.do(t, http.MethodPut, path, admin, gin.H{"status": "Bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, path, admin, gin.H{"status": "Delivered"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPut, path, admin, gin.H{"status": "Paid"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])
	assert.NotContains(t, s.cache.orders, id)

	inv, err := s.store.GetInventory(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 8, inv.Quantity)

	w = s.do(t, http.MethodPut, "/api/v1/admin/orders/999/status", admin, gin.H{"status": "Paid"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminInventory(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, 1, RoleAdmin)

	w := s.do(t, http.MethodPost, "/api/v1/admin/inventory", admin, gin.H{"product_id": 3, "quantity": 4, "warehouse": "HN-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/admin/inventory", admin, gin.H{"product_id": 3, "quantity": 4})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/inventory/3/adjust", admin, gin.H{"delta": -5})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/inventory/3/adjust", admin, gin.H{"delta": -4})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["quantity"])

	w = s.do(t, http.MethodPut, "/api/v1/admin/inventory/3", admin, gin.H{"quantity": 0})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/admin/inventory/3", admin, gin.H{"quantity": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/admin/inventory/3", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HN-1", decode(t, w)["warehouse"])

	w = s.do(t, http.MethodGet, "/api/v1/admin/inventory/404", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func signedCallback(s *testServer, orderID int64, minor, code string) string {
	cb := url.Values{}
	cb.Set("vnp_TmnCode", "DEMO1234")
	cb.Set("vnp_TxnRef", strconv.FormatInt(orderID, 10)+"_101010")
	cb.Set("vnp_Amount", minor)
	cb.Set("vnp_TransactionNo", "14226112")
	cb.Set("vnp_ResponseCode", code)
	cb.Set("vnp_TransactionStatus", code)
	cb.Set("vnp_SecureHash", s.gateway.Sign(cb))
	return cb.Encode()
}

func TestVNPayRedirect(t *testing.T) {
	s := newTestServer(t)
	id := s.checkout(t, 7, "VNPAY")

	w := s.do(t, http.MethodGet, "/api/v1/payments/vnpay/"+strconv.FormatInt(id, 10), token(t, 7, RoleCustomer), nil)
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "sandbox.vnpayment.vn", loc.Host)
	assert.Equal(t, "2550", loc.Query().Get("vnp_Amount"))

	w = s.do(t, http.MethodGet, "/api/v1/payments/vnpay/"+strconv.FormatInt(id, 10), token(t, 8, RoleCustomer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestVNPayReturn(t *testing.T) {
	s := newTestServer(t)
	id := s.checkout(t, 7, "VNPAY")

	w := s.do(t, http.MethodGet, "/api/v1/payments/vnpay/return?"+signedCallback(s, id, "2550", "24"), "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "http://shop.test/orders/1?payment=failed", w.Header().Get("Location"))

	w = s.do(t, http.MethodGet, "/api/v1/payments/vnpay/return?"+signedCallback(s, id, "2550", "00"), "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "http://shop.test/orders/1?payment=success", w.Header().Get("Location"))

	order, err := s.store.GetOrderByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, order.Status)

	// the same return URL reloaded
	w = s.do(t, http.MethodGet, "/api/v1/payments/vnpay/return?"+signedCallback(s, id, "2550", "00"), "", nil)
	assert.Equal(t, "http://shop.test/orders/1?payment=success", w.Header().Get("Location"))

	inv, err := s.store.GetInventory(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 8, inv.Quantity)
}

func TestVNPayReturnTampered(t *testing.T) {
	s := newTestServer(t)
	id := s.checkout(t, 7, "VNPAY")

	q, err := url.ParseQuery(signedCallback(s, id, "2550", "24"))
	require.NoError(t, err)
	q.Set("vnp_ResponseCode", "00")
	q.Set("vnp_TransactionStatus", "00")

	w := s.do(t, http.MethodGet, "/api/v1/payments/vnpay/return?"+q.Encode(), "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "payment=failed")

	order, err := s.store.GetOrderByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
}

func TestVNPayIPN(t *testing.T) {
	s := newTestServer(t)
	id := s.checkout(t, 7, "VNPAY")

	tests := []struct {
		name  string
		query string
		code  string
	}{
		{"bad signature", signedCallback(s, id, "2550", "00") + "&vnp_BankCode=EVIL", "97"},
		{"wrong amount", signedCallback(s, id, "100", "00"), "04"},
		{"unknown order", signedCallback(s, 999, "2550", "00"), "01"},
		{"confirmed", signedCallback(s, id, "2550", "00"), "00"},
		{"duplicate", signedCallback(s, id, "2550", "00"), "02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/api/v1/payments/vnpay/ipn?"+tt.query, "", nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.code, decode(t, w)["RspCode"])
		})
	}
}

func TestVNPayIPNForCancelledOrder(t *testing.T) {
	s := newTestServer(t)
	id := s.checkout(t, 7, "VNPAY")

	w := s.do(t, http.MethodPost, "/api/v1/orders/"+strconv.FormatInt(id, 10)+"/cancel", token(t, 7, RoleCustomer), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/payments/vnpay/ipn?"+signedCallback(s, id, "2550", "00"), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "02", decode(t, w)["RspCode"])

	order, err := s.store.GetOrderByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
}

func TestIPNResponseCodes(t *testing.T) {
	code, _ := ipnResponse(service.CallbackDeclined)
	assert.Equal(t, "00", code)
	code, _ = ipnResponse(service.CallbackFailed)
	assert.Equal(t, "99", code)
	code, _ = ipnResponse(service.CallbackOrderCancelled)
	assert.Equal(t, "02", code)
}

func TestParseToken(t *testing.T) {
	tok, err := IssueToken(testSecret, 42, RoleAdmin, time.Hour)
	require.NoError(t, err)

	userID, role, err := parseToken(testSecret, tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
	assert.Equal(t, RoleAdmin, role)

	expired, err := IssueToken(testSecret, 42, RoleAdmin, -time.Minute)
	require.NoError(t, err)
	_, _, err = parseToken(testSecret, expired)
	assert.Error(t, err)
}

func TestOrderCacheTTLFollowsStatus(t *testing.T) {
	s := newTestServer(t)
	id := s.checkout(t, 7, "COD")
	path := "/api/v1/orders/" + strconv.FormatInt(id, 10)
	tok := token(t, 7, RoleCustomer)

	w := s.do(t, http.MethodGet, path, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultActiveCacheTTL, s.cache.ttls[id])

	w = s.do(t, http.MethodPost, path+"/cancel", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, s.cache.orders, id)

	w = s.do(t, http.MethodGet, path, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Cancelled", decode(t, w)["status"])
	assert.Equal(t, time.Minute, s.cache.ttls[id])
}

func TestWriteErrorStatusCodes(t *testing.T) {
	h := NewHandler(Deps{})
	tests := []struct {
		err  error
		code int
		body string
	}{
		{fmt.Errorf("%w: bad quantity", models.ErrInvalidArgument), http.StatusBadRequest, "invalid argument: bad quantity"},
		{models.ErrEmptyCart, http.StatusBadRequest, "cart is empty"},
		{models.ErrSignatureInvalid, http.StatusBadRequest, "payment signature invalid"},
		{models.ErrForbidden, http.StatusForbidden, "forbidden"},
		{fmt.Errorf("order 9: %w", models.ErrNotFound), http.StatusNotFound, "order 9: not found"},
		{models.ErrConflict, http.StatusConflict, "conflict"},
		{models.ErrInvalidTransition, http.StatusConflict, "invalid status transition"},
		{models.ErrInvalidState, http.StatusConflict, "invalid order state"},
		{models.ErrInsufficientStock, http.StatusUnprocessableEntity, "insufficient stock"},
		{fmt.Errorf("query: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "Request timed out"},
		{errors.New("dial tcp 10.0.0.5:5432: connection refused"), http.StatusInternalServerError, "Internal server error"},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		h.writeError(c, tt.err)

		assert.Equal(t, tt.code, w.Code, tt.err.Error())
		assert.Equal(t, tt.body, decode(t, w)["error"], tt.err.Error())
	}
}
