// Package outbox реализует фоновую доставку событий из outbox-таблицы.
//
// Эмитенты только вставляют конверты в статусе PENDING; все дальнейшие переходы
// статуса выполняет диспетчер. Воркеры забирают по одному конверту за раз,
// поэтому один конверт никогда не обрабатывается двумя воркерами одновременно.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shopcore-system/internal/metrics"
	"github.com/mmeshcher/shopcore-system/internal/model"
)

// Store описывает контракт хранилища конвертов, используемый диспетчером.
type Store interface {
	ClaimNextEvent(ctx context.Context) (*model.Event, error)
	MarkEventSuccess(ctx context.Context, eventID string) error
	MarkEventFailed(ctx context.Context, eventID string, errMsg string, nextRetryAt time.Time) (model.EventStatus, error)
	MarkEventDeadLetter(ctx context.Context, eventID string, errMsg string) error
	ReclaimStaleEvents(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Sink применяет событие к нижележащему хранилищу или внешней системе.
// Применение обязано быть идемпотентным: конверт может быть доставлен повторно.
type Sink interface {
	Apply(ctx context.Context, e *model.Event) error
}

// SinkFunc адаптирует функцию под интерфейс Sink.
type SinkFunc func(ctx context.Context, e *model.Event) error

// Apply вызывает функцию.
func (f SinkFunc) Apply(ctx context.Context, e *model.Event) error {
	return f(ctx, e)
}

// FatalError помечает ошибку, которую повтор не исправит: конверт уходит
// в DEAD_LETTER сразу, не расходуя бюджет ретраев.
type FatalError struct {
	Err error
}

// Error возвращает текст ошибки.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

// Unwrap возвращает исходную ошибку.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal оборачивает ошибку как фатальную.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// IsFatal сообщает, является ли ошибка фатальной.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Config задаёт параметры диспетчера.
type Config struct {
	Workers      int
	PollInterval time.Duration
	IdleDelay    time.Duration
	Backoff      BackoffConfig

	// SweepInterval — период поиска конвертов, застрявших в SENDING;
	// StaleAfter — возраст sent_at, после которого конверт считается
	// брошенным упавшим воркером.
	SweepInterval time.Duration
	StaleAfter    time.Duration
}

// DefaultConfig возвращает параметры диспетчера по умолчанию.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		PollInterval:  200 * time.Millisecond,
		IdleDelay:     800 * time.Millisecond,
		Backoff:       DefaultBackoff(),
		SweepInterval: time.Minute,
		StaleAfter:    5 * time.Minute,
	}
}

// Dispatcher опрашивает outbox и доставляет события зарегистрированным приёмникам.
type Dispatcher struct {
	store  Store
	sinks  map[model.EventType]Sink
	cfg    Config
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	now func() time.Time
}

// NewDispatcher создаёт диспетчер с указанным хранилищем и параметрами.
func NewDispatcher(store Store, logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 800 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}

	return &Dispatcher{
		store:  store,
		sinks:  make(map[model.EventType]Sink),
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// Register привязывает приёмник к типу события.
func (d *Dispatcher) Register(t model.EventType, s Sink) {
	d.sinks[t] = s
}

// Run запускает воркеры и блокируется до отмены контекста.
// Регистрация приёмников должна завершиться до вызова Run.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup

	d.logger.Info("outbox dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("poll_interval", d.cfg.PollInterval),
	)

	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.workerLoop(ctx, worker)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()

	wg.Wait()
	d.logger.Info("outbox dispatcher stopped")
}

// sweepLoop периодически возвращает в очередь конверты, брошенные в SENDING
// упавшим воркером.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.ReclaimStaleEvents(ctx, d.cfg.StaleAfter)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Error("stale event sweep error", zap.Error(err))
				continue
			}
			if n > 0 {
				d.logger.Warn("reclaimed stale events", zap.Int64("count", n))
			}
		}
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed, err := d.ProcessOne(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Error("outbox worker error", zap.Int("worker", worker), zap.Error(err))
				continue
			}
			if !processed {
				select {
				case <-ctx.Done():
					return
				case <-time.After(d.cfg.IdleDelay):
				}
			}
		}
	}
}

// ProcessOne забирает и обрабатывает один готовый конверт.
// Возвращает false, если готовых конвертов нет.
func (d *Dispatcher) ProcessOne(ctx context.Context) (bool, error) {
	e, err := d.store.ClaimNextEvent(ctx)
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	if e == nil {
		return false, nil
	}

	start := d.now()
	err = d.dispatch(ctx, e)
	metrics.OutboxDispatchDuration.Observe(d.now().Sub(start).Seconds())
	return true, err
}

func (d *Dispatcher) dispatch(ctx context.Context, e *model.Event) error {
	sink, ok := d.sinks[e.Type]
	if !ok {
		// Конверт с незарегистрированным типом не станет доставляемым от повтора.
		return d.deadLetter(ctx, e, fmt.Sprintf("no sink registered for event type %s", e.Type))
	}

	err := sink.Apply(ctx, e)
	if err == nil {
		if markErr := d.store.MarkEventSuccess(ctx, e.ID); markErr != nil {
			return fmt.Errorf("mark success: %w", markErr)
		}
		metrics.OutboxDispatchTotal.WithLabelValues(string(e.Type), "success").Inc()
		return nil
	}

	if IsFatal(err) {
		return d.deadLetter(ctx, e, err.Error())
	}

	attempt := e.RetryCount + 1
	d.mu.Lock()
	retryAt := NextRetryAt(d.now(), attempt, d.cfg.Backoff, d.rng)
	d.mu.Unlock()

	status, markErr := d.store.MarkEventFailed(ctx, e.ID, err.Error(), retryAt)
	if markErr != nil {
		return fmt.Errorf("mark failed: %w", markErr)
	}

	if status == model.EventStatusDeadLetter {
		metrics.OutboxDispatchTotal.WithLabelValues(string(e.Type), "dead_letter").Inc()
		d.logger.Error("event moved to dead letter",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	} else {
		metrics.OutboxDispatchTotal.WithLabelValues(string(e.Type), "retry").Inc()
		d.logger.Warn("event dispatch failed, retry scheduled",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
			zap.Int("attempt", attempt),
			zap.Time("next_retry_at", retryAt),
			zap.Error(err),
		)
	}

	return nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, e *model.Event, reason string) error {
	if err := d.store.MarkEventDeadLetter(ctx, e.ID, reason); err != nil {
		return fmt.Errorf("mark dead letter: %w", err)
	}
	metrics.OutboxDispatchTotal.WithLabelValues(string(e.Type), "dead_letter").Inc()
	d.logger.Error("event moved to dead letter",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.String("reason", reason),
	)
	return nil
}
