package outbox

import (
	"math/rand"
	"time"
)

// BackoffConfig задаёт параметры экспоненциальной задержки между попытками.
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoff возвращает параметры задержки по умолчанию.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 1 * time.Second,
		MaxDelay:  60 * time.Second,
	}
}

// NextRetryAt вычисляет время следующей попытки: base * 2^(attempt-1),
// с ограничением сверху и полным джиттером, чтобы повторы не приходили пачкой.
// attempt считается с единицы.
func NextRetryAt(now time.Time, attempt int, cfg BackoffConfig, rng *rand.Rand) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}

	delay := cfg.BaseDelay
	for i := 1; i < attempt && delay < cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	jitter := time.Duration(rng.Int63n(int64(delay) + 1))

	return now.Add(jitter).UTC()
}
