// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/shopcore-system/internal/model"
	"github.com/mmeshcher/shopcore-system/internal/ordernum"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ не найден или принадлежит другому пользователю.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCouponNotFound возвращается, если кампания купонов не найдена.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrEventNotFound возвращается, если конверт события не найден в требуемом статусе.
	ErrEventNotFound = errors.New("event not found")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса заказа.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrClaimTimeout возвращается, когда захват счётчика не уложился в отведённое время.
	// Мутации при этом не происходит, повтор всей операции безопасен.
	ErrClaimTimeout = errors.New("sequence claim timed out")
)

// Время, в течение которого претендент ждёт блокировку строки счётчика.
const sequenceLockTimeout = "3s"

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL:
// счётчику номеров заказов, заказам, кампаниям купонов и outbox-таблице событий.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	maxRetryCount int
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
// Подключение к БД повторяется с экспоненциальной задержкой, чтобы пережить старт Postgres.
func NewPostgresRepository(dsn string, maxRetryCount int) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	backoff := retry.WithMaxDuration(20*time.Second, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if pingErr := pool.Ping(ctx); pingErr != nil {
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if maxRetryCount <= 0 {
		maxRetryCount = 3
	}

	r := &PostgresRepository{pool: pool, maxRetryCount: maxRetryCount}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Задержки между повторами транзакций, прерванных конфликтом сериализации
// или дедлоком.
var retryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

// withRetry повторяет fn при временных ошибках: конфликт сериализации,
// дедлок, обрыв соединения. Транзакция к этому моменту уже откачена,
// поэтому повтор всей операции безопасен.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if isRetriableError(err) && i < len(retryDelays) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelays[i]):
			}
			continue
		}

		break
	}
	return err
}

func isRetriableError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// claimSequence захватывает строку счётчика для указанной даты эксклюзивной
// блокировкой, увеличивает счётчик и возвращает новое значение.
//
// Претенденты на одну дату выстраиваются в очередь на блокировке строки;
// претенденты на разные даты друг друга не блокируют. Первая заявка дня
// создаёт запись со значением 0 и сразу же увеличивает её до 1.
func (r *PostgresRepository) claimSequence(ctx context.Context, tx pgx.Tx, date time.Time) (int64, error) {
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%s'", sequenceLockTimeout)); err != nil {
		return 0, fmt.Errorf("set lock timeout: %w", err)
	}

	day := date.Format("2006-01-02")

	var seq int64
	err := tx.QueryRow(ctx,
		`SELECT sequence FROM order_sequences WHERE order_date = $1 FOR UPDATE`,
		day,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		// Первая заявка новой даты: создаём запись и захватываем её повторно.
		// ON CONFLICT защищает от гонки двух первых претендентов.
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_sequences (order_date, sequence) VALUES ($1, 0) ON CONFLICT (order_date) DO NOTHING`,
			day,
		); err != nil {
			return 0, classifyClaimError(fmt.Errorf("init sequence: %w", err))
		}
		err = tx.QueryRow(ctx,
			`SELECT sequence FROM order_sequences WHERE order_date = $1 FOR UPDATE`,
			day,
		).Scan(&seq)
	}
	if err != nil {
		return 0, classifyClaimError(fmt.Errorf("lock sequence: %w", err))
	}

	seq++
	if _, err := tx.Exec(ctx,
		`UPDATE order_sequences SET sequence = $2 WHERE order_date = $1`,
		day, seq,
	); err != nil {
		return 0, classifyClaimError(fmt.Errorf("update sequence: %w", err))
	}

	return seq, nil
}

// classifyClaimError переводит ошибку захвата счётчика в ошибку доменного уровня.
func classifyClaimError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgerrcode.LockNotAvailable || pgErr.Code == pgerrcode.QueryCanceled {
			return fmt.Errorf("%w: %s", ErrClaimTimeout, pgErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrClaimTimeout, err)
	}
	return err
}

// CreateOrder создаёт заказ с уникальным номером за сегодняшнюю дату.
// Дедлоки и конфликты сериализации повторяются через withRetry.
func (r *PostgresRepository) CreateOrder(ctx context.Context, userID int64, amountCents int64, date time.Time) (*model.Order, error) {
	var order *model.Order
	err := r.withRetry(ctx, func() error {
		var txErr error
		order, txErr = r.createOrder(ctx, userID, amountCents, date)
		return txErr
	})
	return order, err
}

// createOrder выполняет захват счётчика, вставку заказа и запись события
// ORDER_CREATED в одной транзакции: номер заказа не существует без увеличения
// счётчика, а увеличение счётчика не остаётся без заказа.
func (r *PostgresRepository) createOrder(ctx context.Context, userID int64, amountCents int64, date time.Time) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	seq, err := r.claimSequence(ctx, tx, date)
	if err != nil {
		return nil, err
	}

	number := ordernum.Format(date, seq)

	var (
		orderID   int64
		createdAt time.Time
	)
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (number, user_id, amount, status) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		number, userID, amountCents, string(model.OrderStatusNew),
	).Scan(&orderID, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	order := &model.Order{
		ID:        orderID,
		Number:    number,
		UserID:    userID,
		Amount:    float64(amountCents) / 100,
		Status:    model.OrderStatusNew,
		CreatedAt: createdAt,
	}

	if err := r.insertEventTx(ctx, tx, model.EventOrderCreated, orderID, model.OrderEventPayload{
		OrderID:     orderID,
		OrderNumber: number,
		UserID:      userID,
		Status:      model.OrderStatusNew,
		OccurredAt:  createdAt,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyClaimError(fmt.Errorf("commit tx: %w", err))
	}

	return order, nil
}

// Допустимые переходы статусов заказа.
var orderTransitions = map[model.OrderStatus]map[model.OrderStatus]model.EventType{
	model.OrderStatusNew: {
		model.OrderStatusPaid:      model.EventOrderPaid,
		model.OrderStatusCancelled: model.EventOrderCancelled,
	},
	model.OrderStatusPaid: {
		model.OrderStatusRefunded: model.EventOrderRefunded,
	},
}

// UpdateOrderStatus переводит заказ пользователя в новый статус и записывает
// соответствующее событие жизненного цикла в одной транзакции с обновлением.
// Дедлоки и конфликты сериализации повторяются через withRetry.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, userID int64, number string, target model.OrderStatus) (*model.Order, error) {
	var order *model.Order
	err := r.withRetry(ctx, func() error {
		var txErr error
		order, txErr = r.updateOrderStatus(ctx, userID, number, target)
		return txErr
	})
	return order, err
}

func (r *PostgresRepository) updateOrderStatus(ctx context.Context, userID int64, number string, target model.OrderStatus) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		o           model.Order
		amountCents int64
		status      string
	)
	err = tx.QueryRow(ctx,
		`SELECT id, number, user_id, amount, status, created_at FROM orders WHERE number = $1 AND user_id = $2 FOR UPDATE`,
		number, userID,
	).Scan(&o.ID, &o.Number, &o.UserID, &amountCents, &status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	o.Amount = float64(amountCents) / 100
	o.Status = model.OrderStatus(status)

	eventType, ok := orderTransitions[o.Status][target]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, target)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`,
		o.ID, string(target),
	); err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	o.Status = target

	if err := r.insertEventTx(ctx, tx, eventType, o.ID, model.OrderEventPayload{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		UserID:      o.UserID,
		Status:      target,
		OccurredAt:  time.Now(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &o, nil
}

// GetOrdersByUser возвращает список заказов пользователя.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, number, user_id, amount, status, created_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var (
			o           model.Order
			amountCents int64
			status      string
		)
		if err := rows.Scan(&o.ID, &o.Number, &o.UserID, &amountCents, &status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Amount = float64(amountCents) / 100
		o.Status = model.OrderStatus(status)
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// CreateCoupon создаёт кампанию купонов.
func (r *PostgresRepository) CreateCoupon(ctx context.Context, name string, quota int64, startAt, endAt time.Time) (*model.Coupon, error) {
	c := &model.Coupon{
		Name:         name,
		Quota:        quota,
		IssueStartAt: startAt,
		IssueEndAt:   endAt,
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO coupons (name, quota, issue_start_at, issue_end_at) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		name, quota, startAt, endAt,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert coupon: %w", err)
	}
	return c, nil
}

// GetCoupon возвращает кампанию купонов по идентификатору.
func (r *PostgresRepository) GetCoupon(ctx context.Context, couponID int64) (*model.Coupon, error) {
	var c model.Coupon
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, quota, issue_start_at, issue_end_at, created_at FROM coupons WHERE id = $1`,
		couponID,
	).Scan(&c.ID, &c.Name, &c.Quota, &c.IssueStartAt, &c.IssueEndAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return &c, nil
}

// GetActiveCoupons возвращает кампании с открытым окном выдачи.
func (r *PostgresRepository) GetActiveCoupons(ctx context.Context, now time.Time) ([]model.Coupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, quota, issue_start_at, issue_end_at, created_at
		 FROM coupons
		 WHERE issue_start_at <= $1 AND issue_end_at >= $1
		 ORDER BY id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("select coupons: %w", err)
	}
	defer rows.Close()

	var coupons []model.Coupon
	for rows.Next() {
		var c model.Coupon
		if err := rows.Scan(&c.ID, &c.Name, &c.Quota, &c.IssueStartAt, &c.IssueEndAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		coupons = append(coupons, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return coupons, nil
}

// GetUserCoupons возвращает купоны, выданные пользователю.
func (r *PostgresRepository) GetUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT coupon_id, user_id, issue_rank, issued_at
		 FROM user_coupons
		 WHERE user_id = $1
		 ORDER BY issued_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select user coupons: %w", err)
	}
	defer rows.Close()

	var res []model.UserCoupon
	for rows.Next() {
		var uc model.UserCoupon
		if err := rows.Scan(&uc.CouponID, &uc.UserID, &uc.Rank, &uc.IssuedAt); err != nil {
			return nil, fmt.Errorf("scan user coupon: %w", err)
		}
		res = append(res, uc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SaveUserCoupon записывает долговременный факт выдачи купона.
// Запись ключуется парой (купон, пользователь), поэтому повторное применение
// того же факта безвредно: возвращается false без изменения данных.
func (r *PostgresRepository) SaveUserCoupon(ctx context.Context, p model.CouponIssuedPayload) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO user_coupons (coupon_id, user_id, issue_rank, issued_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (coupon_id, user_id) DO NOTHING`,
		p.CouponID, p.UserID, p.Rank, p.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert user coupon: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) insertEventTx(ctx context.Context, tx pgx.Tx, eventType model.EventType, entityID int64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO outbox_events (id, event_type, entity_id, payload, status, max_retry_count)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), string(eventType), entityID, body, string(model.EventStatusPending), r.maxRetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// InsertEvent создаёт конверт события в статусе PENDING вне чужой транзакции.
func (r *PostgresRepository) InsertEvent(ctx context.Context, eventType model.EventType, entityID int64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO outbox_events (id, event_type, entity_id, payload, status, max_retry_count)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), string(eventType), entityID, body, string(model.EventStatusPending), r.maxRetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ClaimNextEvent атомарно захватывает один конверт, готовый к отправке,
// и переводит его в статус SENDING. FOR UPDATE SKIP LOCKED гарантирует,
// что два воркера не получат один и тот же конверт.
// Возвращает (nil, nil), если готовых конвертов нет.
func (r *PostgresRepository) ClaimNextEvent(ctx context.Context) (*model.Event, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		e         model.Event
		eventType string
		status    string
	)
	err = tx.QueryRow(ctx,
		`SELECT id, event_type, entity_id, payload, status, retry_count, max_retry_count, created_at
		 FROM outbox_events
		 WHERE status = $1 OR (status = $2 AND next_retry_at <= now())
		 ORDER BY created_at
		 FOR UPDATE SKIP LOCKED
		 LIMIT 1`,
		string(model.EventStatusPending), string(model.EventStatusFailed),
	).Scan(&e.ID, &eventType, &e.EntityID, &e.Payload, &status, &e.RetryCount, &e.MaxRetryCount, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tx.Commit(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable event: %w", err)
	}

	e.Type = model.EventType(eventType)

	var sentAt time.Time
	err = tx.QueryRow(ctx,
		`UPDATE outbox_events SET status = $2, sent_at = now() WHERE id = $1 RETURNING sent_at`,
		e.ID, string(model.EventStatusSending),
	).Scan(&sentAt)
	if err != nil {
		return nil, fmt.Errorf("mark event sending: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	e.Status = model.EventStatusSending
	e.SentAt = &sentAt
	return &e, nil
}

// ReclaimStaleEvents возвращает в PENDING конверты, застрявшие в SENDING
// дольше olderThan: воркер, захвативший такой конверт, упал, не доведя
// доставку до терминального статуса. Возвращает число возвращённых конвертов.
func (r *PostgresRepository) ReclaimStaleEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := r.pool.Exec(ctx,
		`UPDATE outbox_events SET status = $1, sent_at = NULL WHERE status = $2 AND sent_at < $3`,
		string(model.EventStatusPending), string(model.EventStatusSending), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkEventSuccess переводит конверт в терминальный статус SUCCESS.
func (r *PostgresRepository) MarkEventSuccess(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = $2, completed_at = now(), error_message = NULL
		 WHERE id = $1`,
		eventID, string(model.EventStatusSuccess),
	)
	if err != nil {
		return fmt.Errorf("mark event success: %w", err)
	}
	return nil
}

// MarkEventFailed фиксирует неудачную попытку отправки: увеличивает счётчик
// попыток и либо планирует повтор на nextRetryAt, либо переводит конверт
// в DEAD_LETTER, если лимит попыток исчерпан. Возвращает итоговый статус.
func (r *PostgresRepository) MarkEventFailed(ctx context.Context, eventID string, errMsg string, nextRetryAt time.Time) (model.EventStatus, error) {
	var status string
	err := r.pool.QueryRow(ctx,
		`UPDATE outbox_events
		 SET retry_count = retry_count + 1,
		     error_message = $2,
		     status = CASE WHEN retry_count + 1 >= max_retry_count THEN 'DEAD_LETTER' ELSE 'FAILED' END,
		     next_retry_at = CASE WHEN retry_count + 1 >= max_retry_count THEN NULL ELSE $3 END,
		     completed_at = CASE WHEN retry_count + 1 >= max_retry_count THEN now() ELSE completed_at END
		 WHERE id = $1
		 RETURNING status`,
		eventID, errMsg, nextRetryAt.UTC(),
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("mark event failed: %w", err)
	}
	return model.EventStatus(status), nil
}

// MarkEventDeadLetter сразу переводит конверт в DEAD_LETTER, минуя ретраи.
// Используется для фатальных ошибок, которые повтором не лечатся.
func (r *PostgresRepository) MarkEventDeadLetter(ctx context.Context, eventID string, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = $2, error_message = $3, completed_at = now(), next_retry_at = NULL
		 WHERE id = $1`,
		eventID, string(model.EventStatusDeadLetter), errMsg,
	)
	if err != nil {
		return fmt.Errorf("mark event dead letter: %w", err)
	}
	return nil
}

// RequeueDeadLetter возвращает конверт из DEAD_LETTER в PENDING для ручного
// повтора: счётчик попыток и сообщение об ошибке обнуляются.
func (r *PostgresRepository) RequeueDeadLetter(ctx context.Context, eventID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = $2, retry_count = 0, next_retry_at = NULL, error_message = NULL, completed_at = NULL
		 WHERE id = $1 AND status = $3`,
		eventID, string(model.EventStatusPending), string(model.EventStatusDeadLetter),
	)
	if err != nil {
		return fmt.Errorf("requeue dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// GetDeadLetters возвращает конверты, требующие ручного вмешательства.
func (r *PostgresRepository) GetDeadLetters(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, event_type, entity_id, payload, status, retry_count, max_retry_count, error_message, created_at
		 FROM outbox_events
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.EventStatusDeadLetter), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select dead letters: %w", err)
	}
	defer rows.Close()

	var res []model.Event
	for rows.Next() {
		var (
			e         model.Event
			eventType string
			status    string
			errMsg    *string
		)
		if err := rows.Scan(&e.ID, &eventType, &e.EntityID, &e.Payload, &status, &e.RetryCount, &e.MaxRetryCount, &errMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		e.Type = model.EventType(eventType)
		e.Status = model.EventStatus(status)
		if errMsg != nil {
			e.ErrorMessage = *errMsg
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
