// Package service реализует бизнес-логику сервиса shopcore.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shopcore-system/internal/ledger"
	"github.com/mmeshcher/shopcore-system/internal/metrics"
	"github.com/mmeshcher/shopcore-system/internal/model"
)

// ErrCouponNotActive возвращается при попытке выдачи вне окна кампании.
var ErrCouponNotActive = errors.New("coupon issuance window is closed")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateOrder(ctx context.Context, userID int64, amountCents int64, date time.Time) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, userID int64, number string, target model.OrderStatus) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	CreateCoupon(ctx context.Context, name string, quota int64, startAt, endAt time.Time) (*model.Coupon, error)
	GetCoupon(ctx context.Context, couponID int64) (*model.Coupon, error)
	GetActiveCoupons(ctx context.Context, now time.Time) ([]model.Coupon, error)
	GetUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, error)
	InsertEvent(ctx context.Context, eventType model.EventType, entityID int64, payload any) error
	GetDeadLetters(ctx context.Context, limit int) ([]model.Event, error)
	RequeueDeadLetter(ctx context.Context, eventID string) error
}

// Ledger описывает контракт счётной книги выдачи купонов.
type Ledger interface {
	TryClaim(ctx context.Context, couponID, userID, quota int64) (*model.IssueResult, error)
	Reset(ctx context.Context, couponID int64) error
}

// Service содержит бизнес-логику сервиса shopcore.
type Service struct {
	repo   Repository
	ledger Ledger
	logger *zap.Logger

	now func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и ledger-ом.
func NewService(repo Repository, ldg Ledger, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		ledger: ldg,
		logger: logger,
		now:    time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	return s.repo.CreateUser(ctx, login, hashed)
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateOrder создаёт заказ: номер выдаётся из счётчика текущей даты,
// заказ и событие ORDER_CREATED фиксируются одной транзакцией.
func (s *Service) CreateOrder(ctx context.Context, userID int64, amount float64) (*model.Order, error) {
	// Округление, а не усечение: 0.29 в float64 — это 0.28999…
	amountCents := int64(math.Round(amount * 100))
	if amountCents <= 0 {
		return nil, errors.New("order amount must be positive")
	}

	order, err := s.repo.CreateOrder(ctx, userID, amountCents, s.now())
	if err != nil {
		return nil, err
	}

	metrics.OrdersCreatedTotal.Inc()
	return order, nil
}

// PayOrder отмечает заказ оплаченным.
func (s *Service) PayOrder(ctx context.Context, userID int64, number string) (*model.Order, error) {
	return s.repo.UpdateOrderStatus(ctx, userID, number, model.OrderStatusPaid)
}

// CancelOrder отменяет неоплаченный заказ.
func (s *Service) CancelOrder(ctx context.Context, userID int64, number string) (*model.Order, error) {
	return s.repo.UpdateOrderStatus(ctx, userID, number, model.OrderStatusCancelled)
}

// RefundOrder возвращает оплаченный заказ.
func (s *Service) RefundOrder(ctx context.Context, userID int64, number string) (*model.Order, error) {
	return s.repo.UpdateOrderStatus(ctx, userID, number, model.OrderStatusRefunded)
}

// GetOrdersByUser возвращает список заказов пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// IssueCoupon выполняет попытку выдачи купона пользователю.
//
// Решение принимает одна атомарная операция ledger-а; ответ возвращается
// сразу после неё. Долговременную запись создаёт конвейер событий, но выдача
// окончательна уже в момент успешного захвата слота.
func (s *Service) IssueCoupon(ctx context.Context, userID, couponID int64) (*model.IssueResult, error) {
	coupon, err := s.repo.GetCoupon(ctx, couponID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !coupon.Active(now) {
		metrics.CouponIssueDecisionsTotal.WithLabelValues("not_active").Inc()
		return nil, ErrCouponNotActive
	}

	res, err := s.ledger.TryClaim(ctx, couponID, userID, coupon.Quota)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrQuotaExhausted):
			metrics.CouponIssueDecisionsTotal.WithLabelValues("quota_exhausted").Inc()
		case errors.Is(err, ledger.ErrAlreadyIssued):
			metrics.CouponIssueDecisionsTotal.WithLabelValues("already_issued").Inc()
		default:
			metrics.CouponIssueDecisionsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	payload := model.CouponIssuedPayload{
		CouponID:    couponID,
		UserID:      userID,
		Rank:        res.Rank,
		IssuedCount: res.IssuedCount,
		OccurredAt:  now,
	}
	if err := s.repo.InsertEvent(ctx, model.EventCouponIssued, couponID, payload); err != nil {
		// Выдача уже состоялась в ledger-е; потерю факта фиксируем в логе,
		// ответ пользователю от этого не меняется.
		s.logger.Error("emit coupon issued event",
			zap.Int64("coupon_id", couponID),
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}

	metrics.CouponIssueDecisionsTotal.WithLabelValues("granted").Inc()
	return res, nil
}

// ConfigureCoupon создаёт кампанию купонов и инициализирует её счётную книгу.
func (s *Service) ConfigureCoupon(ctx context.Context, name string, quota int64, startAt, endAt time.Time) (*model.Coupon, error) {
	if quota <= 0 {
		return nil, errors.New("coupon quota must be positive")
	}
	if !endAt.After(startAt) {
		return nil, errors.New("issue window must not be empty")
	}

	coupon, err := s.repo.CreateCoupon(ctx, name, quota, startAt, endAt)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Reset(ctx, coupon.ID); err != nil {
		return nil, err
	}

	return coupon, nil
}

// GetActiveCoupons возвращает кампании с открытым окном выдачи.
func (s *Service) GetActiveCoupons(ctx context.Context) ([]model.Coupon, error) {
	return s.repo.GetActiveCoupons(ctx, s.now())
}

// GetUserCoupons возвращает купоны пользователя.
func (s *Service) GetUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, error) {
	return s.repo.GetUserCoupons(ctx, userID)
}

// GetDeadLetters возвращает конверты, ожидающие ручного вмешательства.
func (s *Service) GetDeadLetters(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.repo.GetDeadLetters(ctx, limit)
}

// RequeueDeadLetter возвращает конверт из DEAD_LETTER в очередь на доставку.
func (s *Service) RequeueDeadLetter(ctx context.Context, eventID string) error {
	return s.repo.RequeueDeadLetter(ctx, eventID)
}
