package audit

/*
Файл journal.go реализует журнал событий безопасности.

- Non-blocking Logging: события передаются через буферизованный канал, запись
  в хранилище не влияет на время ответа синхронного API и валидатора.
- Batching: события копятся в памяти и пишутся пачкой по таймеру или при
  достижении лимита пачки.
- Drain Pattern: Stop закрывает вход и ждет, пока воркер вычитает остаток
  и сделает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняются события.
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []SecurityEvent) error
}

// Logger — контракт аудита для остальных компонентов.
type Logger interface {
	LogSecurityEvent(event SecurityEvent)
}

const (
	defaultBufferSize = 10000
	batchSize         = 100
)

type Journal struct {
	ch            chan SecurityEvent
	repo          StorageInterface
	logger        *zap.Logger
	flushInterval time.Duration
	wg            sync.WaitGroup

	// closeMu защищает закрытие канала от конкурентных LogSecurityEvent.
	closeMu sync.RWMutex
	closed  bool
}

func NewJournal(repo StorageInterface, logger *zap.Logger, bufferSize int, flushInterval time.Duration) *Journal {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Journal{
		ch:            make(chan SecurityEvent, bufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "audit")),
		flushInterval: flushInterval,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.closeMu.Lock()
	if j.closed {
		j.closeMu.Unlock()
		return
	}
	j.closed = true
	j.logger.Info("stopping audit journal: closing channel and flushing buffer...")
	close(j.ch)
	j.closeMu.Unlock()

	j.wg.Wait()
	j.logger.Info("audit journal stopped gracefully")
}

// Pending — текущая заполненность буфера (для метрики backpressure).
func (j *Journal) Pending() int { return len(j.ch) }

func (j *Journal) LogSecurityEvent(event SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if j.closed {
		j.logger.Warn("security event dropped: journal is stopping",
			zap.String("id", event.ID), zap.String("type", event.Type))
		return
	}

	// Load Shedding: при переполнении не блокируем вызывающего,
	// но событие не теряем — оно уходит в основной лог.
	select {
	case j.ch <- event:
	default:
		j.logger.Error("audit_buffer_overflow",
			zap.String("id", event.ID),
			zap.String("type", event.Type),
			zap.String("severity", event.Severity),
			zap.String("source", event.Source),
			zap.Any("details", event.Details),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]SecurityEvent, 0, batchSize)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть закрыт
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush() // Финальный сброс
				j.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
