package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/shopcore-system/internal/model"
)

// LogSink подтверждает доставку события записью в журнал. Используется как
// приёмник по умолчанию, когда внешняя доставка не настроена: конверт
// завершается в SUCCESS, а не копится в DEAD_LETTER из-за отсутствия приёмника.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink создаёт журнальный приёмник событий.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Apply записывает конверт в журнал. Никогда не возвращает ошибку.
func (s *LogSink) Apply(ctx context.Context, e *model.Event) error {
	s.logger.Info("event delivered to log sink",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.Int64("entity_id", e.EntityID),
	)
	return nil
}
