// Package ledger реализует счётную книгу выдачи купонов поверх Redis.
//
// Вся проверка "выдавался ли купон пользователю и осталась ли квота" вместе
// с увеличением счётчика выполняется одним Lua-скриптом: Redis исполняет
// скрипты в один поток, поэтому операция атомарна и гонка между тысячами
// одновременных претендентов невозможна.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/shopcore-system/internal/model"
)

// ErrQuotaExhausted возвращается, когда квота купона исчерпана.
var (
	ErrQuotaExhausted = errors.New("coupon quota exhausted")
	// ErrAlreadyIssued возвращается, если пользователь уже получил этот купон.
	ErrAlreadyIssued = errors.New("coupon already issued to user")
	// ErrStoreUnavailable возвращается при недоступности Redis; мутации не происходит.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
)

const (
	issuedKeyPrefix = "coupon:issued:"

	resultQuotaExhausted = 0
	resultGranted        = 1
	resultAlreadyIssued  = 2
)

// Скрипт выдачи: проверка членства, проверка квоты и добавление пользователя
// выполняются неделимо. Возвращает {код, счётчик выданных}.
var issueScript = redis.NewScript(`
local issuedKey = KEYS[1]
local userId = ARGV[1]
local quota = tonumber(ARGV[2])

if redis.call('SISMEMBER', issuedKey, userId) == 1 then
    return {2, redis.call('SCARD', issuedKey)}
end

local issued = redis.call('SCARD', issuedKey)
if issued >= quota then
    return {0, issued}
end

redis.call('SADD', issuedKey, userId)
return {1, issued + 1}
`)

// RedisLedger хранит множество получателей каждого купона в Redis.
type RedisLedger struct {
	client redis.UniversalClient
}

// NewRedisLedger создаёт ledger поверх переданного клиента Redis.
func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client}
}

// NewRedisClient создаёт клиент Redis по адресу и проверяет соединение.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func issuedKey(couponID int64) string {
	return fmt.Sprintf("%s%d", issuedKeyPrefix, couponID)
}

// TryClaim атомарно пытается занять слот выдачи купона для пользователя.
//
// При успехе возвращает ранг (позицию среди всех успешных выдач) и новый
// счётчик выданных купонов. Квота передаётся из конфигурации кампании;
// решение принимает только этот скрипт, других путей мутации счётчика нет.
func (l *RedisLedger) TryClaim(ctx context.Context, couponID, userID, quota int64) (*model.IssueResult, error) {
	res, err := issueScript.Run(ctx, l.client,
		[]string{issuedKey(couponID)},
		userID, quota,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: run issue script: %s", ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("%w: unexpected script result %v", ErrStoreUnavailable, res)
	}

	code, issued := res[0], res[1]
	switch code {
	case resultGranted:
		return &model.IssueResult{Rank: issued, IssuedCount: issued}, nil
	case resultQuotaExhausted:
		return nil, fmt.Errorf("%w: issued %d of %d", ErrQuotaExhausted, issued, quota)
	case resultAlreadyIssued:
		return nil, ErrAlreadyIssued
	default:
		return nil, fmt.Errorf("%w: unknown script result code %d", ErrStoreUnavailable, code)
	}
}

// Reset очищает книгу выдачи купона. Вызывается при создании кампании,
// чтобы остатки от прежней кампании с тем же идентификатором не влияли на квоту.
func (l *RedisLedger) Reset(ctx context.Context, couponID int64) error {
	if err := l.client.Del(ctx, issuedKey(couponID)).Err(); err != nil {
		return fmt.Errorf("%w: reset ledger: %s", ErrStoreUnavailable, err)
	}
	return nil
}

// IssuedCount возвращает текущее число выданных купонов.
func (l *RedisLedger) IssuedCount(ctx context.Context, couponID int64) (int64, error) {
	n, err := l.client.SCard(ctx, issuedKey(couponID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: issued count: %s", ErrStoreUnavailable, err)
	}
	return n, nil
}
