package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ZapSink пишет события в основной лог. Используется, когда БД не настроена.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("security-events")}
}

func (s *ZapSink) WriteBatch(_ context.Context, events []SecurityEvent) error {
	for _, e := range events {
		s.logger.Info(e.Type,
			zap.String("event_id", e.ID),
			zap.String("severity", e.Severity),
			zap.String("source", e.Source),
			zap.Any("details", e.Details),
			zap.Time("timestamp", e.Timestamp),
		)
	}
	return nil
}

// Recorder — синхронный Logger в памяти.
type Recorder struct {
	mu     sync.Mutex
	events []SecurityEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) LogSecurityEvent(event SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) WriteBatch(_ context.Context, events []SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events возвращает копию накопленных событий.
func (r *Recorder) Events() []SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SecurityEvent(nil), r.events...)
}

// OfType фильтрует события по типу.
func (r *Recorder) OfType(eventType string) []SecurityEvent {
	var out []SecurityEvent
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
