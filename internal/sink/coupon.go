// Package sink содержит приёмники событий outbox: долговременную запись
// выданных купонов и уведомления о жизненном цикле заказов.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/shopcore-system/internal/model"
	"github.com/mmeshcher/shopcore-system/internal/outbox"
)

// CouponStore описывает контракт долговременного хранилища выданных купонов.
type CouponStore interface {
	SaveUserCoupon(ctx context.Context, p model.CouponIssuedPayload) (bool, error)
}

// CouponSink переносит факт выдачи купона из события в долговременную запись.
type CouponSink struct {
	store  CouponStore
	logger *zap.Logger
}

// NewCouponSink создаёт приёмник событий COUPON_ISSUED.
func NewCouponSink(store CouponStore, logger *zap.Logger) *CouponSink {
	return &CouponSink{store: store, logger: logger}
}

// Apply применяет событие выдачи купона. Повторная доставка безвредна:
// запись ключуется парой (купон, пользователь).
func (s *CouponSink) Apply(ctx context.Context, e *model.Event) error {
	var p model.CouponIssuedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return outbox.Fatal(fmt.Errorf("unmarshal coupon payload: %w", err))
	}
	if p.CouponID <= 0 || p.UserID <= 0 || p.Rank <= 0 {
		return outbox.Fatal(fmt.Errorf("invalid coupon payload: coupon=%d user=%d rank=%d", p.CouponID, p.UserID, p.Rank))
	}

	inserted, err := s.store.SaveUserCoupon(ctx, p)
	if err != nil {
		return fmt.Errorf("save user coupon: %w", err)
	}

	if !inserted {
		s.logger.Debug("coupon record already exists, replay ignored",
			zap.Int64("coupon_id", p.CouponID),
			zap.Int64("user_id", p.UserID),
		)
	}

	return nil
}
