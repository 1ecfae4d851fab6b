// Package handler содержит HTTP-обработчики API сервиса shopcore.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/shopcore-system/internal/ledger"
	"github.com/mmeshcher/shopcore-system/internal/middleware"
	"github.com/mmeshcher/shopcore-system/internal/model"
	"github.com/mmeshcher/shopcore-system/internal/repository"
	"github.com/mmeshcher/shopcore-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	CreateOrder(ctx context.Context, userID int64, amount float64) (*model.Order, error)
	PayOrder(ctx context.Context, userID int64, number string) (*model.Order, error)
	CancelOrder(ctx context.Context, userID int64, number string) (*model.Order, error)
	RefundOrder(ctx context.Context, userID int64, number string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	IssueCoupon(ctx context.Context, userID, couponID int64) (*model.IssueResult, error)
	ConfigureCoupon(ctx context.Context, name string, quota int64, startAt, endAt time.Time) (*model.Coupon, error)
	GetActiveCoupons(ctx context.Context) ([]model.Coupon, error)
	GetUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, error)
	GetDeadLetters(ctx context.Context, limit int) ([]model.Event, error)
	RequeueDeadLetter(ctx context.Context, eventID string) error
}

// Handler реализует HTTP-обработчики API сервиса shopcore.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type createOrderRequest struct {
	Amount float64 `json:"amount"`
}

type orderResponse struct {
	Number    string  `json:"number"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		Number:    o.Number,
		Amount:    o.Amount,
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
	}
}

// CreateOrder создаёт заказ текущего пользователя и возвращает его номер.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), userID, req.Amount)
	if err != nil {
		if errors.Is(err, repository.ErrClaimTimeout) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("create order error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toOrderResponse(order)); err != nil {
		h.logger.Error("encode order response error", zap.Error(err))
	}
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
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

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// UpdateOrderStatus строит обработчик смены статуса заказа по переданному переходу.
func (h *Handler) UpdateOrderStatus(transition func(ctx context.Context, userID int64, number string) (*model.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		number := chi.URLParam(r, "number")
		if number == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		order, err := transition(r.Context(), userID, number)
		if err != nil {
			switch {
			case errors.Is(err, repository.ErrOrderNotFound):
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			case errors.Is(err, repository.ErrInvalidTransition):
				http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			default:
				h.logger.Error("update order status error", zap.Error(err), zap.String("order", number))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(toOrderResponse(order)); err != nil {
			h.logger.Error("encode order response error", zap.Error(err))
		}
	}
}

type couponResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Quota        int64  `json:"quota"`
	IssueStartAt string `json:"issue_start_at"`
	IssueEndAt   string `json:"issue_end_at"`
}

// GetCoupons возвращает купоны с открытым окном выдачи.
func (h *Handler) GetCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.service.GetActiveCoupons(r.Context())
	if err != nil {
		h.logger.Error("get coupons error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(coupons) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]couponResponse, 0, len(coupons))
	for _, c := range coupons {
		resp = append(resp, couponResponse{
			ID:           c.ID,
			Name:         c.Name,
			Quota:        c.Quota,
			IssueStartAt: c.IssueStartAt.Format(time.RFC3339),
			IssueEndAt:   c.IssueEndAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type issueResponse struct {
	CouponID    int64 `json:"coupon_id"`
	Rank        int64 `json:"rank"`
	IssuedCount int64 `json:"issued_count"`
}

// IssueCoupon выполняет попытку выдачи купона текущему пользователю.
func (h *Handler) IssueCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	couponID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || couponID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.IssueCoupon(r.Context(), userID, couponID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCouponNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrCouponNotActive),
			errors.Is(err, ledger.ErrQuotaExhausted),
			errors.Is(err, ledger.ErrAlreadyIssued):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, ledger.ErrStoreUnavailable):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("issue coupon error", zap.Error(err), zap.Int64("couponID", couponID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(issueResponse{
		CouponID:    couponID,
		Rank:        result.Rank,
		IssuedCount: result.IssuedCount,
	}); err != nil {
		h.logger.Error("encode issue response error", zap.Error(err))
	}
}

type userCouponResponse struct {
	CouponID int64  `json:"coupon_id"`
	Rank     int64  `json:"rank"`
	IssuedAt string `json:"issued_at"`
}

// GetUserCoupons возвращает купоны, выданные текущему пользователю.
func (h *Handler) GetUserCoupons(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	coupons, err := h.service.GetUserCoupons(r.Context(), userID)
	if err != nil {
		h.logger.Error("get user coupons error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(coupons) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]userCouponResponse, 0, len(coupons))
	for _, c := range coupons {
		resp = append(resp, userCouponResponse{
			CouponID: c.CouponID,
			Rank:     c.Rank,
			IssuedAt: c.IssuedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type configureCouponRequest struct {
	Name         string `json:"name"`
	Quota        int64  `json:"quota"`
	IssueStartAt string `json:"issue_start_at"`
	IssueEndAt   string `json:"issue_end_at"`
}

// ConfigureCoupon создаёт новую купонную кампанию.
func (h *Handler) ConfigureCoupon(w http.ResponseWriter, r *http.Request) {
	var req configureCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	startAt, err := time.Parse(time.RFC3339, req.IssueStartAt)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	endAt, err := time.Parse(time.RFC3339, req.IssueEndAt)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	coupon, err := h.service.ConfigureCoupon(r.Context(), req.Name, req.Quota, startAt, endAt)
	if err != nil {
		h.logger.Error("configure coupon error", zap.Error(err), zap.String("name", req.Name))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(couponResponse{
		ID:           coupon.ID,
		Name:         coupon.Name,
		Quota:        coupon.Quota,
		IssueStartAt: coupon.IssueStartAt.Format(time.RFC3339),
		IssueEndAt:   coupon.IssueEndAt.Format(time.RFC3339),
	}); err != nil {
		h.logger.Error("encode coupon response error", zap.Error(err))
	}
}

type deadLetterResponse struct {
	ID           string `json:"id"`
	EventType    string `json:"event_type"`
	EntityID     int64  `json:"entity_id"`
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// GetDeadLetters возвращает события, остановленные после исчерпания попыток.
func (h *Handler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := h.service.GetDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("get dead letters error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]deadLetterResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, deadLetterResponse{
			ID:           e.ID,
			EventType:    string(e.Type),
			EntityID:     e.EntityID,
			RetryCount:   e.RetryCount,
			ErrorMessage: e.ErrorMessage,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// RequeueDeadLetter возвращает событие из DEAD_LETTER в очередь на доставку.
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	if eventID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RequeueDeadLetter(r.Context(), eventID); err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("requeue dead letter error", zap.Error(err), zap.String("eventID", eventID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
