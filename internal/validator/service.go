// Package validator — фоновая проверка UNTRUSTED записей.
//
// Один тикер, пачка записей за проход, записи обрабатываются последовательно.
// Сбой одной записи (битый ввод, ошибка, таймаут, паника) оставляет ее
// UNTRUSTED и не мешает остальным. Повтор — на следующем проходе, при
// повторных сбоях интервал в проходах растет до maxDeferPasses, чтобы
// несколько битых записей не занимали пачку целиком.
package validator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-trustvault/internal/audit"
	"github.com/xela07ax/spaceai-trustvault/internal/detector"
	"github.com/xela07ax/spaceai-trustvault/internal/domain"
	"github.com/xela07ax/spaceai-trustvault/internal/engine"
	"github.com/xela07ax/spaceai-trustvault/internal/trust"
	"github.com/xela07ax/spaceai-trustvault/internal/vault"
)

const (
	auditSource    = "background-validator"
	maxDeferPasses = 32
)

var (
	ErrAlreadyStarted = errors.New("validator: already started")
	errPanic          = errors.New("validator: panic while validating record")
)

// Store — то, что валидатору нужно от хранилища.
type Store interface {
	ListRecordsByTrustLevel(ctx context.Context, level domain.TrustLevel, limit int) ([]*domain.Record, error)
	WriteRecord(ctx context.Context, rec *domain.Record) error
}

// Scanner — детектор опасных конструкций.
type Scanner interface {
	Detect(text string) []domain.Finding
}

// QuarantinePublisher оповещает горячий путь чтения о новом карантине.
type QuarantinePublisher interface {
	Quarantine(ctx context.Context, recordID string) error
}

type Config struct {
	Interval        time.Duration
	BatchSize       int
	RecordTimeout   time.Duration
	MaxContentBytes int
}

// Deps — зависимости сервиса. Quarantine, Locker, Metrics и OnTransition необязательны.
type Deps struct {
	Store        Store
	Scanner      Scanner
	Vault        *vault.Vault
	Machine      *trust.Machine
	Auditor      audit.Logger
	Quarantine   QuarantinePublisher
	Locker       Locker
	Metrics      *engine.Metrics
	OnTransition func(trust.Transition)
	Logger       *zap.Logger
}

// Report — итог одного прохода.
type Report struct {
	Picked      int           `json:"picked"`
	Validated   int           `json:"validated"`
	Flagged     int           `json:"flagged"`
	Quarantined int           `json:"quarantined"`
	Failed      int           `json:"failed"`
	Deferred    int           `json:"deferred"` // Отложены после прошлых сбоев
	Skipped     bool          `json:"skipped"`  // Проход выполняет другой инстанс
	Duration    time.Duration `json:"duration"`
}

type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	passMu  sync.Mutex // Проходы не пересекаются даже при ручном RunOnce
	pass    uint64
	backoff map[string]retryState // Под passMu

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 300 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	if deps.Scanner == nil {
		deps.Scanner = detector.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = engine.NewMetrics(nil)
	}
	return &Service{
		deps:    deps,
		cfg:     cfg,
		logger:  deps.Logger.Named("validator"),
		backoff: make(map[string]retryState),
	}
}

type retryState struct {
	failures int
	nextPass uint64
}

func (s *Service) deferFailed(id string) {
	st := s.backoff[id]
	st.failures++
	st.nextPass = s.pass + min(uint64(1)<<min(st.failures-1, 5), maxDeferPasses)
	s.backoff[id] = st
}

// pruneBackoff забывает записи, которые больше не UNTRUSTED:
// их мог завершить другой инстанс или импорт.
func (s *Service) pruneBackoff(candidates []*domain.Record) {
	if len(s.backoff) == 0 {
		return
	}
	listed := make(map[string]struct{}, len(candidates))
	for _, rec := range candidates {
		listed[rec.ID] = struct{}{}
	}
	for id := range s.backoff {
		if _, ok := listed[id]; !ok {
			delete(s.backoff, id)
		}
	}
}

// isMalformed: битый ввод не исправится сам, его откладываем.
func isMalformed(err error) bool {
	return errors.Is(err, detector.ErrMalformedInput) || errors.Is(err, detector.ErrInputTooLarge)
}

// Start запускает фоновый цикл: первый проход сразу, далее раз в Interval.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.logger.Info("background validator started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))
	return nil
}

// Stop останавливает цикл и ждет завершения текущего прохода. Повторный вызов безопасен.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("background validator stopped")
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("validation pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce выполняет один проход: до BatchSize самых старых UNTRUSTED записей.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := time.Now()
	var rep Report

	if s.deps.Locker != nil {
		unlock, ok, err := s.deps.Locker.TryLock(ctx)
		if err != nil {
			return rep, fmt.Errorf("validator: acquire pass lock: %w", err)
		}
		if !ok {
			s.logger.Debug("validation pass is held by another instance")
			rep.Skipped = true
			return rep, nil
		}
		defer unlock()
	}

	s.pass++
	// Отложенные записи не должны вытеснять остальные из пачки
	candidates, err := s.deps.Store.ListRecordsByTrustLevel(ctx, domain.TrustUntrusted, s.cfg.BatchSize+len(s.backoff))
	if err != nil {
		return rep, fmt.Errorf("validator: list untrusted: %w", err)
	}
	s.deps.Metrics.ValidationBacklog.Set(float64(len(candidates)))
	s.pruneBackoff(candidates)

	for _, rec := range candidates {
		if ctx.Err() != nil || rep.Picked == s.cfg.BatchSize {
			break
		}
		if st, ok := s.backoff[rec.ID]; ok && st.nextPass > s.pass {
			rep.Deferred++
			continue
		}
		rep.Picked++

		to, err := s.validateRecord(ctx, rec)
		if err != nil {
			rep.Failed++
			if isMalformed(err) {
				s.deferFailed(rec.ID)
			} else {
				// Таймаут, паника и сбой записи повторяются на следующем проходе
				delete(s.backoff, rec.ID)
			}
			s.reportFailure(rec, err)
			continue
		}
		delete(s.backoff, rec.ID)

		switch to {
		case domain.TrustValidated:
			rep.Validated++
		case domain.TrustFlagged:
			rep.Flagged++
		case domain.TrustQuarantined:
			rep.Quarantined++
		}
	}

	rep.Duration = time.Since(start)
	s.deps.Metrics.ValidationPassDuration.Observe(rep.Duration.Seconds())
	if rep.Picked > 0 {
		s.logger.Info("validation pass finished",
			zap.Int("picked", rep.Picked),
			zap.Int("validated", rep.Validated),
			zap.Int("flagged", rep.Flagged),
			zap.Int("quarantined", rep.Quarantined),
			zap.Int("failed", rep.Failed),
			zap.Duration("duration", rep.Duration))
	}
	return rep, ctx.Err()
}

type evaluation struct {
	tr  trust.Transition
	err error
}

// validateRecord: детекция и шифрование под таймаутом, затем одна атомарная
// запись терминального состояния и только после нее — аудит перехода.
func (s *Service) validateRecord(ctx context.Context, rec *domain.Record) (domain.TrustLevel, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RecordTimeout)
	defer cancel()

	ch := make(chan evaluation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- evaluation{err: fmt.Errorf("%w: %v", errPanic, p)}
			}
		}()
		tr, err := s.evaluate(rec)
		ch <- evaluation{tr: tr, err: err}
	}()

	var ev evaluation
	select {
	case <-rctx.Done():
		return "", fmt.Errorf("validate record %s: %w", rec.ID, rctx.Err())
	case ev = <-ch:
	}
	if ev.err != nil {
		return "", ev.err
	}

	if err := s.deps.Store.WriteRecord(ctx, ev.tr.Record); err != nil {
		return "", fmt.Errorf("persist record %s: %w", rec.ID, err)
	}

	s.deps.Machine.Announce(ev.tr)
	s.deps.Metrics.RecordsValidated.WithLabelValues(string(ev.tr.To)).Inc()

	if ev.tr.To == domain.TrustQuarantined && s.deps.Quarantine != nil {
		// Запись уже в БД: сбой рассылки лишь задерживает горячий путь
		if err := s.deps.Quarantine.Quarantine(ctx, rec.ID); err != nil {
			s.logger.Warn("quarantine broadcast failed", zap.String("record_id", rec.ID), zap.Error(err))
		}
	}
	if s.deps.OnTransition != nil {
		s.deps.OnTransition(ev.tr)
	}
	return ev.tr.To, nil
}

// evaluate — чистая часть проверки: классификация и, для FLAGGED, шифрование.
// Битый ввод — ошибка детекции: запись остается UNTRUSTED и нечитаемой.
func (s *Service) evaluate(rec *domain.Record) (trust.Transition, error) {
	if err := detector.Validate(rec.Content, s.cfg.MaxContentBytes); err != nil {
		return trust.Transition{}, fmt.Errorf("validate record %s: %w", rec.ID, err)
	}

	d := trust.Classify(s.deps.Scanner.Detect(rec.Content))
	var out trust.Outcome
	if d.Next == domain.TrustFlagged {
		res, err := s.deps.Vault.Vault(rec.ID, rec.Content, d.Vault)
		if err != nil {
			return trust.Transition{}, err
		}
		out = trust.Outcome{SanitizedContent: res.SanitizedContent, Patterns: res.Patterns}
	}
	return s.deps.Machine.Apply(rec, d, out)
}

func (s *Service) reportFailure(rec *domain.Record, err error) {
	reason := "error"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(err, errPanic):
		reason = "panic"
	case errors.Is(err, domain.ErrConflict):
		reason = "conflict"
	case isMalformed(err):
		reason = "malformed_input"
	}

	s.logger.Warn("record left UNTRUSTED, will retry next pass",
		zap.String("record_id", rec.ID),
		zap.String("reason", reason),
		zap.Error(err))
	s.deps.Metrics.RecordsValidated.WithLabelValues("failed").Inc()
	s.deps.Auditor.LogSecurityEvent(audit.SecurityEvent{
		Type:     audit.EventValidatorFailure,
		Severity: audit.SeverityWarning,
		Source:   auditSource,
		Details: map[string]interface{}{
			"record_id": rec.ID,
			"reason":    reason,
			"error":     err.Error(),
		},
	})
}
