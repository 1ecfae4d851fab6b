// Package model содержит доменные сущности сервиса shopcore.
package model

import "time"

// User представляет зарегистрированного пользователя магазина.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRefunded  OrderStatus = "REFUNDED"
)

// Order описывает заказ пользователя.
type Order struct {
	ID        int64
	Number    string
	UserID    int64
	Amount    float64
	Status    OrderStatus
	CreatedAt time.Time
}

// Coupon описывает кампанию купонов с ограниченным тиражом.
type Coupon struct {
	ID           int64
	Name         string
	Quota        int64
	IssueStartAt time.Time
	IssueEndAt   time.Time
	CreatedAt    time.Time
}

// Active сообщает, открыто ли окно выдачи купона в момент now.
func (c Coupon) Active(now time.Time) bool {
	return !now.Before(c.IssueStartAt) && !now.After(c.IssueEndAt)
}

// UserCoupon описывает выданный пользователю купон (долговременная запись).
type UserCoupon struct {
	CouponID int64
	UserID   int64
	Rank     int64
	IssuedAt time.Time
}

// IssueResult содержит результат успешной выдачи купона.
type IssueResult struct {
	Rank        int64
	IssuedCount int64
}

// EventType перечисляет типы событий, проходящих через outbox.
type EventType string

const (
	EventOrderCreated   EventType = "ORDER_CREATED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderPaid      EventType = "ORDER_PAID"
	EventOrderRefunded  EventType = "ORDER_REFUNDED"
	EventCouponIssued   EventType = "COUPON_ISSUED"
)

// EventStatus описывает состояние конверта события в outbox.
//
// Допустимые переходы:
//
//	PENDING → SENDING → SUCCESS
//	SENDING → FAILED → SENDING (повтор после backoff)
//	FAILED  → DEAD_LETTER (исчерпаны попытки)
//	SENDING → DEAD_LETTER (фатальная ошибка, ретраи бесполезны)
type EventStatus string

const (
	EventStatusPending    EventStatus = "PENDING"
	EventStatusSending    EventStatus = "SENDING"
	EventStatusSuccess    EventStatus = "SUCCESS"
	EventStatusFailed     EventStatus = "FAILED"
	EventStatusDeadLetter EventStatus = "DEAD_LETTER"
)

// Event описывает конверт события в outbox-таблице.
// Статус конверта меняет только диспетчер; эмитенты лишь вставляют новые записи.
type Event struct {
	ID            string
	Type          EventType
	EntityID      int64
	Payload       []byte
	Status        EventStatus
	RetryCount    int
	MaxRetryCount int
	NextRetryAt   *time.Time
	ErrorMessage  string
	CreatedAt     time.Time
	SentAt        *time.Time
	CompletedAt   *time.Time
}

// CouponIssuedPayload — неизменяемый факт выдачи купона.
// Потребляется идемпотентно: долговременная запись ключуется парой (купон, пользователь).
type CouponIssuedPayload struct {
	CouponID    int64     `json:"coupon_id"`
	UserID      int64     `json:"user_id"`
	Rank        int64     `json:"rank"`
	IssuedCount int64     `json:"issued_count"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// OrderEventPayload — факт перехода заказа в новое состояние.
type OrderEventPayload struct {
	OrderID     int64       `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	UserID      int64       `json:"user_id"`
	Status      OrderStatus `json:"status"`
	OccurredAt  time.Time   `json:"occurred_at"`
}
