// Package handler содержит HTTP-обработчики API сервиса агромаркета.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/agromarket/internal/integrity/lockout"
	"github.com/mmeshcher/agromarket/internal/integrity/ratelimit"
	"github.com/mmeshcher/agromarket/internal/integrity/stock"
	"github.com/mmeshcher/agromarket/internal/middleware"
	"github.com/mmeshcher/agromarket/internal/model"
	"github.com/mmeshcher/agromarket/internal/repository"
	"github.com/mmeshcher/agromarket/internal/service"
	"github.com/mmeshcher/agromarket/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string, userType model.UserType) (*model.User, error)
	AuthenticateUser(ctx context.Context, login, password string, userType model.UserType, source string) (*model.User, error)
	AddToCart(ctx context.Context, userID, productID int64, category string, quantity decimal.Decimal) (int64, error)
	GetCart(ctx context.Context, userID int64) ([]model.CartItem, error)
	RemoveFromCart(ctx context.Context, userID, itemID int64) error
	Checkout(ctx context.Context, userID int64) (*service.CheckoutResult, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetNotifications(ctx context.Context, userID int64) ([]model.Notification, error)
	AddLot(ctx context.Context, memberID, productID int64, category string, quantity, unitPrice decimal.Decimal) (*model.StockLot, error)
	GetSuspiciousOrders(ctx context.Context, staffID int64) ([]model.Order, error)
	ClearSuspicion(ctx context.Context, staffID, orderID int64) error
	GrantViewOrders(ctx context.Context, adminID, userID int64) error
}

// Handler реализует HTTP-обработчики API сервиса агромаркета.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов. metrics может быть nil.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metrics http.Handler) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metrics,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	UserType string `json:"user_type,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type invalidCredentialsResponse struct {
	Message           string `json:"message"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

type lockedResponse struct {
	Message          string `json:"message"`
	RemainingSeconds int    `json:"remaining_seconds"`
	LockedUntil      string `json:"locked_until"`
	Level            int    `json:"level"`
	Attempts         int    `json:"attempts"`
}

func (h *Handler) decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, model.UserType, bool) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return req, "", false
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return req, "", false
	}

	userType, ok := validation.ParseUserType(req.UserType)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return req, "", false
	}
	return req, userType, true
}

// Register обрабатывает регистрацию покупателя или участника кооператива.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	req, userType, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}

	if !validation.IsValidLogin(req.Login) || !validation.IsValidPassword(req.Password) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, userType)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrUserTypeNotAllowed):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.logger.Error("register user error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID, u.Type)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	req, userType, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password, userType, clientSource(r))
	if err != nil {
		var (
			locked  *lockout.LockedError
			invalid *service.InvalidCredentialsError
		)
		switch {
		case errors.As(err, &locked):
			w.Header().Set("Retry-After", strconv.Itoa(locked.RemainingSeconds))
			writeJSON(w, http.StatusLocked, lockedResponse{
				Message:          locked.Error(),
				RemainingSeconds: locked.RemainingSeconds,
				LockedUntil:      locked.LockedUntil.UTC().Format(time.RFC3339),
				Level:            locked.Level,
				Attempts:         locked.Attempts,
			})
		case errors.As(err, &invalid):
			writeJSON(w, http.StatusUnauthorized, invalidCredentialsResponse{
				Message:           "invalid login or password",
				AttemptsRemaining: invalid.AttemptsRemaining,
			})
		default:
			h.logger.Error("login user error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID, u.Type)
	w.WriteHeader(http.StatusOK)
}

type cartItemRequest struct {
	ProductID int64           `json:"product_id"`
	Category  string          `json:"category"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type cartItemResponse struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	Category  string `json:"category"`
	Quantity  string `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
}

type idResponse struct {
	ID int64 `json:"id"`
}

// AddToCart добавляет товар в корзину текущего пользователя.
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ProductID <= 0 || !validation.IsValidCategory(req.Category) ||
		!validation.IsValidQuantity(req.Quantity) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	id, err := h.service.AddToCart(r.Context(), userID, req.ProductID, req.Category, req.Quantity)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("add to cart error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

// GetCart возвращает корзину текущего пользователя.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	items, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		h.logger.Error("get cart error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]cartItemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, cartItemResponse{
			ID:        it.ID,
			ProductID: it.ProductID,
			Category:  it.Category,
			Quantity:  it.Quantity.String(),
			UnitPrice: it.UnitPrice.StringFixed(2),
			Subtotal:  it.Subtotal().StringFixed(2),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// RemoveFromCart удаляет позицию из корзины текущего пользователя.
func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	itemID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || itemID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RemoveFromCart(r.Context(), userID, itemID); err != nil {
		if errors.Is(err, repository.ErrCartItemNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("remove from cart error", zap.Error(err), zap.Int64("userID", userID), zap.Int64("itemID", itemID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type orderItemResponse struct {
	ProductID int64  `json:"product_id"`
	Category  string `json:"category"`
	Quantity  string `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type orderResponse struct {
	ID               int64               `json:"id"`
	CustomerID       int64               `json:"customer_id"`
	Status           string              `json:"status"`
	Total            string              `json:"total"`
	CreatedAt        string              `json:"created_at"`
	IsSuspicious     bool                `json:"is_suspicious"`
	SuspiciousReason *string             `json:"suspicious_reason,omitempty"`
	Items            []orderItemResponse `json:"items,omitempty"`
}

func toOrderResponse(o model.Order) orderResponse {
	resp := orderResponse{
		ID:               o.ID,
		CustomerID:       o.CustomerID,
		Status:           string(o.Status),
		Total:            o.Total.StringFixed(2),
		CreatedAt:        o.CreatedAt.Format(time.RFC3339),
		IsSuspicious:     o.IsSuspicious,
		SuspiciousReason: o.SuspiciousReason,
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductID: it.ProductID,
			Category:  it.Category,
			Quantity:  it.Quantity.String(),
			UnitPrice: it.UnitPrice.StringFixed(2),
		})
	}
	return resp
}

type checkoutResponse struct {
	Order     orderResponse `json:"order"`
	Remaining int           `json:"remaining"`
	ResetAt   string        `json:"reset_at"`
}

type rateLimitedResponse struct {
	Message   string `json:"message"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at"`
}

type insufficientStockResponse struct {
	Message   string `json:"message"`
	ProductID int64  `json:"product_id"`
	Category  string `json:"category"`
	Requested string `json:"requested"`
	Available string `json:"available"`
}

// Checkout оформляет корзину текущего пользователя в заказ.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	res, err := h.service.Checkout(r.Context(), userID)
	if err != nil {
		var (
			exceeded     *ratelimit.ExceededError
			insufficient *stock.InsufficientStockError
		)
		switch {
		case errors.As(err, &exceeded):
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(exceeded.RetryAfter().Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
				Message:   exceeded.Error(),
				Remaining: exceeded.Remaining,
				ResetAt:   exceeded.ResetAt.UTC().Format(time.RFC3339),
			})
		case errors.As(err, &insufficient):
			writeJSON(w, http.StatusConflict, insufficientStockResponse{
				Message:   "not enough stock to fulfil the order",
				ProductID: insufficient.ProductID,
				Category:  insufficient.Category,
				Requested: insufficient.Requested.String(),
				Available: insufficient.Available.String(),
			})
		case errors.Is(err, service.ErrEmptyCart):
			writeJSON(w, http.StatusBadRequest, messageResponse{Message: err.Error()})
		case errors.Is(err, stock.ErrInvalidQuantity):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("checkout error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	writeJSON(w, http.StatusOK, checkoutResponse{
		Order:     toOrderResponse(res.Order),
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt.UTC().Format(time.RFC3339),
	})
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeOrders(w, orders)
}

func (h *Handler) writeOrders(w http.ResponseWriter, orders []model.Order) {
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

type notificationResponse struct {
	ID        int64   `json:"id"`
	Kind      string  `json:"kind"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	OrderIDs  []int64 `json:"order_ids,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// GetNotifications возвращает уведомления текущего пользователя.
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	notes, err := h.service.GetNotifications(r.Context(), userID)
	if err != nil {
		h.logger.Error("get notifications error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(notes) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]notificationResponse, 0, len(notes))
	for _, n := range notes {
		resp = append(resp, notificationResponse{
			ID:        n.ID,
			Kind:      n.Kind,
			Title:     n.Title,
			Body:      n.Body,
			OrderIDs:  n.OrderIDs,
			CreatedAt: n.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type lotRequest struct {
	ProductID int64           `json:"product_id"`
	Category  string          `json:"category"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type lotResponse struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	Category  string `json:"category"`
	Remaining string `json:"remaining"`
	UnitPrice string `json:"unit_price"`
	CreatedAt string `json:"created_at"`
}

// AddLot регистрирует партию товара текущего участника кооператива.
func (h *Handler) AddLot(w http.ResponseWriter, r *http.Request) {
	memberID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req lotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ProductID <= 0 || !validation.IsValidCategory(req.Category) ||
		!validation.IsValidQuantity(req.Quantity) || !validation.IsValidPrice(req.UnitPrice) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	lot, err := h.service.AddLot(r.Context(), memberID, req.ProductID, req.Category, req.Quantity, req.UnitPrice)
	if err != nil {
		h.logger.Error("add lot error", zap.Error(err), zap.Int64("memberID", memberID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, lotResponse{
		ID:        lot.ID,
		ProductID: lot.ProductID,
		Category:  lot.Category,
		Remaining: lot.Remaining.String(),
		UnitPrice: lot.UnitPrice.StringFixed(2),
		CreatedAt: lot.CreatedAt.Format(time.RFC3339),
	})
}

// GetSuspiciousOrders возвращает очередь помеченных заказов.
func (h *Handler) GetSuspiciousOrders(w http.ResponseWriter, r *http.Request) {
	staffID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetSuspiciousOrders(r.Context(), staffID)
	if err != nil {
		if errors.Is(err, service.ErrForbidden) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.logger.Error("get suspicious orders error", zap.Error(err), zap.Int64("staffID", staffID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeOrders(w, orders)
}

// ClearSuspicion снимает пометку с заказа.
func (h *Handler) ClearSuspicion(w http.ResponseWriter, r *http.Request) {
	staffID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || orderID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ClearSuspicion(r.Context(), staffID, orderID); err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("clear suspicion error", zap.Error(err), zap.Int64("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GrantViewOrders выдаёт сотруднику право на просмотр заказов.
func (h *Handler) GrantViewOrders(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.GrantViewOrders(r.Context(), adminID, userID); err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("grant permission error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientSource возвращает адрес клиента без порта.
func clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
