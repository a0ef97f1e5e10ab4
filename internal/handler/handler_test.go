package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/agromarket/internal/integrity/lockout"
	"github.com/mmeshcher/agromarket/internal/integrity/ratelimit"
	"github.com/mmeshcher/agromarket/internal/integrity/stock"
	"github.com/mmeshcher/agromarket/internal/middleware"
	"github.com/mmeshcher/agromarket/internal/model"
	"github.com/mmeshcher/agromarket/internal/repository"
	"github.com/mmeshcher/agromarket/internal/service"
)

type stubService struct {
	registerUser *model.User
	registerErr  error

	authUser   *model.User
	authErr    error
	authSource string

	cartResp   []model.CartItem
	cartErr    error
	addCartID  int64
	addCartErr error
	addCartQty decimal.Decimal
	removeErr  error

	checkoutResp *service.CheckoutResult
	checkoutErr  error

	ordersResp []model.Order
	ordersErr  error

	notesResp []model.Notification

	lotResp  *model.StockLot
	lotPrice decimal.Decimal

	suspiciousResp []model.Order
	suspiciousErr  error
	clearErr       error
	grantErr       error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string, userType model.UserType) (*model.User, error) {
	return s.registerUser, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string, userType model.UserType, source string) (*model.User, error) {
	s.authSource = source
	return s.authUser, s.authErr
}

func (s *stubService) AddToCart(ctx context.Context, userID, productID int64, category string, quantity decimal.Decimal) (int64, error) {
	s.addCartQty = quantity
	return s.addCartID, s.addCartErr
}

func (s *stubService) GetCart(ctx context.Context, userID int64) ([]model.CartItem, error) {
	return s.cartResp, s.cartErr
}

func (s *stubService) RemoveFromCart(ctx context.Context, userID, itemID int64) error {
	return s.removeErr
}

func (s *stubService) Checkout(ctx context.Context, userID int64) (*service.CheckoutResult, error) {
	return s.checkoutResp, s.checkoutErr
}

func (s *stubService) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) GetNotifications(ctx context.Context, userID int64) ([]model.Notification, error) {
	return s.notesResp, nil
}

func (s *stubService) AddLot(ctx context.Context, memberID, productID int64, category string, quantity, unitPrice decimal.Decimal) (*model.StockLot, error) {
	s.lotPrice = unitPrice
	return s.lotResp, nil
}

func (s *stubService) GetSuspiciousOrders(ctx context.Context, staffID int64) ([]model.Order, error) {
	return s.suspiciousResp, s.suspiciousErr
}

func (s *stubService) ClearSuspicion(ctx context.Context, staffID, orderID int64) error {
	return s.clearErr
}

func (s *stubService) GrantViewOrders(ctx context.Context, adminID, userID int64) error {
	return s.grantErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	auth := middleware.NewAuthMiddleware("test-secret")
	return NewHandler(svc, zap.NewNop(), auth, nil)
}

func (h *Handler) authCookie(t *testing.T, userID int64, userType model.UserType) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID, userType)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies[0]
}

func serve(t *testing.T, h *Handler, req *http.Request) *http.Response {
	t.Helper()

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func TestRegister(t *testing.T) {
	type want struct {
		status int
		cookie bool
	}

	tests := []struct {
		name string
		body string
		svc  *stubService
		want want
	}{
		{
			name: "customer registered",
			body: `{"login":"anna","password":"secret1"}`,
			svc:  &stubService{registerUser: &model.User{ID: 7, Type: model.UserTypeCustomer}},
			want: want{status: http.StatusOK, cookie: true},
		},
		{
			name: "malformed json",
			body: `{"login":`,
			svc:  &stubService{},
			want: want{status: http.StatusBadRequest},
		},
		{
			name: "unknown user type",
			body: `{"login":"anna","password":"secret1","user_type":"pirate"}`,
			svc:  &stubService{},
			want: want{status: http.StatusBadRequest},
		},
		{
			name: "short password",
			body: `{"login":"anna","password":"123"}`,
			svc:  &stubService{},
			want: want{status: http.StatusUnprocessableEntity},
		},
		{
			name: "duplicate login",
			body: `{"login":"anna","password":"secret1"}`,
			svc:  &stubService{registerErr: repository.ErrUserExists},
			want: want{status: http.StatusConflict},
		},
		{
			name: "staff self registration",
			body: `{"login":"boss","password":"secret1","user_type":"staff"}`,
			svc:  &stubService{registerErr: service.ErrUserTypeNotAllowed},
			want: want{status: http.StatusForbidden},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.svc)
			req := httptest.NewRequest(http.MethodPost, "/api/user/register", strings.NewReader(tt.body))

			res := serve(t, h, req)
			defer res.Body.Close()

			assert.Equal(t, tt.want.status, res.StatusCode)
			assert.Equal(t, tt.want.cookie, len(res.Cookies()) > 0)
		})
	}
}

func TestLogin_Success(t *testing.T) {
	svc := &stubService{authUser: &model.User{ID: 3, Type: model.UserTypeMember}}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/user/login",
		jsonBody(t, credentialsRequest{Login: "farmer", Password: "secret1", UserType: "member"}))
	req.RemoteAddr = "192.0.2.10:53211"

	res := serve(t, h, req)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Cookies())
	assert.Equal(t, "192.0.2.10", svc.authSource)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: &service.InvalidCredentialsError{AttemptsRemaining: 2}}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/user/login",
		jsonBody(t, credentialsRequest{Login: "anna", Password: "wrong"}))

	res := serve(t, h, req)
	defer res.Body.Close()

	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var body invalidCredentialsResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, 2, body.AttemptsRemaining)
	assert.Empty(t, res.Cookies())
}

func TestLogin_Locked(t *testing.T) {
	until := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	svc := &stubService{authErr: &lockout.LockedError{RemainingSeconds: 300, Attempts: 5, Level: 1, LockedUntil: until}}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/user/login",
		jsonBody(t, credentialsRequest{Login: "anna", Password: "secret1"}))

	res := serve(t, h, req)
	defer res.Body.Close()

	require.Equal(t, http.StatusLocked, res.StatusCode)
	assert.Equal(t, "300", res.Header.Get("Retry-After"))

	var body lockedResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, 300, body.RemainingSeconds)
	assert.Equal(t, 1, body.Level)
	assert.Equal(t, 5, body.Attempts)
	assert.Equal(t, "2026-03-01T10:05:00Z", body.LockedUntil)
}

func TestLogin_InternalError(t *testing.T) {
	svc := &stubService{authErr: context.DeadlineExceeded}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/user/login",
		jsonBody(t, credentialsRequest{Login: "anna", Password: "secret1"}))

	res := serve(t, h, req)
	defer res.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestCheckout(t *testing.T) {
	resetAt := time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC)
	reason := "2 orders placed within 10 minutes, total 37.50"

	type want struct {
		status     int
		retryAfter string
		contains   string
	}

	tests := []struct {
		name string
		svc  *stubService
		want want
	}{
		{
			name: "order created",
			svc: &stubService{checkoutResp: &service.CheckoutResult{
				Order: model.Order{
					ID:               11,
					CustomerID:       1,
					Total:            decimal.RequireFromString("12.5"),
					Status:           model.OrderStatusPending,
					IsSuspicious:     true,
					SuspiciousReason: &reason,
				},
				Remaining: 1,
				ResetAt:   resetAt,
			}},
			want: want{status: http.StatusOK, contains: `"total":"12.50"`},
		},
		{
			name: "rate limited",
			svc: &stubService{checkoutErr: &ratelimit.ExceededError{
				Limit:   3,
				ResetAt: resetAt,
				Now:     resetAt.Add(-90 * time.Second),
			}},
			want: want{
				status:     http.StatusTooManyRequests,
				retryAfter: "90",
				contains:   "Please try again in 2 minutes.",
			},
		},
		{
			name: "insufficient stock",
			svc: &stubService{checkoutErr: &stock.InsufficientStockError{
				ProductID: 4,
				Category:  "Kilo",
				Requested: decimal.NewFromInt(7),
				Available: decimal.NewFromInt(5),
			}},
			want: want{status: http.StatusConflict, contains: `"available":"5"`},
		},
		{
			name: "empty cart",
			svc:  &stubService{checkoutErr: service.ErrEmptyCart},
			want: want{status: http.StatusBadRequest},
		},
		{
			name: "storage failure",
			svc:  &stubService{checkoutErr: context.Canceled},
			want: want{status: http.StatusInternalServerError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.svc)
			req := httptest.NewRequest(http.MethodPost, "/api/user/checkout", nil)
			req.AddCookie(h.authCookie(t, 1, model.UserTypeCustomer))

			res := serve(t, h, req)
			defer res.Body.Close()

			assert.Equal(t, tt.want.status, res.StatusCode)
			assert.Equal(t, tt.want.retryAfter, res.Header.Get("Retry-After"))

			var buf bytes.Buffer
			_, err := buf.ReadFrom(res.Body)
			require.NoError(t, err)
			assert.Contains(t, buf.String(), tt.want.contains)
		})
	}
}

func TestCheckout_RequiresCustomer(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/user/checkout", nil)
	res := serve(t, h, req)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/api/user/checkout", nil)
	req.AddCookie(h.authCookie(t, 1, model.UserTypeMember))
	res = serve(t, h, req)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestAddToCart_Validation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "valid", body: `{"product_id":1,"category":"Kilo","quantity":"1.5"}`, status: http.StatusCreated},
		{name: "zero quantity", body: `{"product_id":1,"category":"Kilo","quantity":"0"}`, status: http.StatusUnprocessableEntity},
		{name: "bad category", body: `{"product_id":1,"category":"Kilo;drop","quantity":"1"}`, status: http.StatusUnprocessableEntity},
		{name: "too many decimals", body: `{"product_id":1,"category":"Pc","quantity":"1.0001"}`, status: http.StatusUnprocessableEntity},
		{name: "broken json", body: `{`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{addCartID: 5})
			req := httptest.NewRequest(http.MethodPost, "/api/user/cart", strings.NewReader(tt.body))
			req.AddCookie(h.authCookie(t, 1, model.UserTypeCustomer))

			res := serve(t, h, req)
			defer res.Body.Close()
			assert.Equal(t, tt.status, res.StatusCode)
		})
	}
}

func TestAddToCart_IgnoresClientPrice(t *testing.T) {
	svc := &stubService{addCartID: 5}
	h := newTestHandler(t, svc)

	body := `{"product_id":1,"category":"Kilo","quantity":"50","unit_price":"0.00"}`
	req := httptest.NewRequest(http.MethodPost, "/api/user/cart", strings.NewReader(body))
	req.AddCookie(h.authCookie(t, 1, model.UserTypeCustomer))

	res := serve(t, h, req)
	defer res.Body.Close()

	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "50", svc.addCartQty.String())
}

func TestAddToCart_UnknownProduct(t *testing.T) {
	h := newTestHandler(t, &stubService{addCartErr: repository.ErrProductNotFound})

	req := httptest.NewRequest(http.MethodPost, "/api/user/cart",
		strings.NewReader(`{"product_id":9,"category":"Kilo","quantity":"1"}`))
	req.AddCookie(h.authCookie(t, 1, model.UserTypeCustomer))

	res := serve(t, h, req)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRemoveFromCart(t *testing.T) {
	h := newTestHandler(t, &stubService{removeErr: repository.ErrCartItemNotFound})

	req := httptest.NewRequest(http.MethodDelete, "/api/user/cart/9", nil)
	req.AddCookie(h.authCookie(t, 1, model.UserTypeCustomer))
	res := serve(t, h, req)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	req = httptest.NewRequest(http.MethodDelete, "/api/user/cart/abc", nil)
	req.AddCookie(h.authCookie(t, 1, model.UserTypeCustomer))
	res = serve(t, h, req)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestGetOrders_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{ordersResp: []model.Order{}})

	req := httptest.NewRequest(http.MethodGet, "/api/user/orders", nil)
	req.AddCookie(h.authCookie(t, 1, model.UserTypeCustomer))

	res := serve(t, h, req)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestGetCart_JSONResponse(t *testing.T) {
	svc := &stubService{cartResp: []model.CartItem{{
		ID:        2,
		ProductID: 1,
		Category:  "Kilo",
		Quantity:  decimal.RequireFromString("1.5"),
		UnitPrice: decimal.RequireFromString("10"),
	}}}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/user/cart", nil)
	req.AddCookie(h.authCookie(t, 1, model.UserTypeCustomer))

	res := serve(t, h, req)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body []cartItemResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Len(t, body, 1)
	assert.Equal(t, "15.00", body[0].Subtotal)
	assert.Equal(t, "10.00", body[0].UnitPrice)
}

func TestAddLot_MemberOnly(t *testing.T) {
	svc := &stubService{lotResp: &model.StockLot{
		ID: 4, ProductID: 1, Category: "Tali", Remaining: decimal.NewFromInt(20), UnitPrice: decimal.RequireFromString("7.5"),
	}}
	h := newTestHandler(t, svc)
	body := `{"product_id":1,"category":"Tali","quantity":"20","unit_price":"7.50"}`

	req := httptest.NewRequest(http.MethodPost, "/api/member/lots", strings.NewReader(body))
	req.AddCookie(h.authCookie(t, 2, model.UserTypeMember))
	res := serve(t, h, req)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var lot lotResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&lot))
	res.Body.Close()
	assert.Equal(t, "7.50", lot.UnitPrice)
	assert.Equal(t, "7.5", svc.lotPrice.String())

	req = httptest.NewRequest(http.MethodPost, "/api/member/lots",
		strings.NewReader(`{"product_id":1,"category":"Tali","quantity":"20","unit_price":"-1"}`))
	req.AddCookie(h.authCookie(t, 2, model.UserTypeMember))
	res = serve(t, h, req)
	res.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/api/member/lots", strings.NewReader(body))
	req.AddCookie(h.authCookie(t, 2, model.UserTypeCustomer))
	res = serve(t, h, req)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	reason := "2 orders placed within 10 minutes, total 20.00"

	tests := []struct {
		name     string
		method   string
		path     string
		userType model.UserType
		svc      *stubService
		status   int
	}{
		{
			name:     "queue for staff",
			method:   http.MethodGet,
			path:     "/api/admin/orders/suspicious",
			userType: model.UserTypeStaff,
			svc:      &stubService{suspiciousResp: []model.Order{{ID: 1, IsSuspicious: true, SuspiciousReason: &reason}}},
			status:   http.StatusOK,
		},
		{
			name:     "queue without permission",
			method:   http.MethodGet,
			path:     "/api/admin/orders/suspicious",
			userType: model.UserTypeStaff,
			svc:      &stubService{suspiciousErr: service.ErrForbidden},
			status:   http.StatusForbidden,
		},
		{
			name:     "queue for customer",
			method:   http.MethodGet,
			path:     "/api/admin/orders/suspicious",
			userType: model.UserTypeCustomer,
			svc:      &stubService{},
			status:   http.StatusForbidden,
		},
		{
			name:     "clear",
			method:   http.MethodDelete,
			path:     "/api/admin/orders/1/suspicion",
			userType: model.UserTypeStaff,
			svc:      &stubService{},
			status:   http.StatusOK,
		},
		{
			name:     "clear unknown order",
			method:   http.MethodDelete,
			path:     "/api/admin/orders/77/suspicion",
			userType: model.UserTypeStaff,
			svc:      &stubService{clearErr: repository.ErrOrderNotFound},
			status:   http.StatusNotFound,
		},
		{
			name:     "grant by non admin",
			method:   http.MethodPost,
			path:     "/api/admin/users/5/view-orders",
			userType: model.UserTypeStaff,
			svc:      &stubService{grantErr: service.ErrForbidden},
			status:   http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.svc)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.AddCookie(h.authCookie(t, 9, tt.userType))

			res := serve(t, h, req)
			defer res.Body.Close()
			assert.Equal(t, tt.status, res.StatusCode)
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("agromarket_checkout_decisions_total 1\n"))
	})
	h := NewHandler(&stubService{}, zap.NewNop(), middleware.NewAuthMiddleware("s"), metrics)

	res := serve(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
