// Package knowledge — прикладной слой записей знаний: создание, чтение с учетом
// уровня доверия, привилегированное раскрытие и загрузка рабочего набора.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-trustvault/internal/audit"
	"github.com/xela07ax/spaceai-trustvault/internal/domain"
	"github.com/xela07ax/spaceai-trustvault/internal/engine"
	"github.com/xela07ax/spaceai-trustvault/internal/trust"
	"github.com/xela07ax/spaceai-trustvault/internal/vault"
)

const auditSource = "knowledge-store"

var ErrEmptyContent = errors.New("knowledge: content is empty")

type Store interface {
	WriteRecord(ctx context.Context, rec *domain.Record) error
	ReadRecord(ctx context.Context, id string) (*domain.Record, error)
	ListRecords(ctx context.Context, limit, offset int) ([]*domain.Record, error)
	LoadReadable(ctx context.Context) ([]*domain.Record, int, error)
	Stats(ctx context.Context) (domain.TrustStats, error)
}

// QuarantineChecker — горячий путь отказа без обращения к хранилищу.
type QuarantineChecker interface {
	IsQuarantined(recordID string) bool
}

type CreateRequest struct {
	Content  string            `json:"content"`
	Source   string            `json:"source"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// LoadReport — итог загрузки рабочего набора.
type LoadReport struct {
	Loaded            int `json:"loaded"`
	QuarantineSkipped int `json:"quarantine_skipped"`
}

type Service struct {
	store      Store
	gate       *vault.Gatekeeper
	quarantine QuarantineChecker
	auditor    audit.Logger
	metrics    *engine.Metrics
	logger     *zap.Logger
	now        func() time.Time

	// Рабочий набор: только терминальные читаемые записи, они неизменны
	mu      sync.RWMutex
	working map[string]*domain.Record
}

func NewService(store Store, gate *vault.Gatekeeper, quarantine QuarantineChecker, auditor audit.Logger, metrics *engine.Metrics, logger *zap.Logger) *Service {
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	return &Service{
		store:      store,
		gate:       gate,
		quarantine: quarantine,
		auditor:    auditor,
		metrics:    metrics,
		logger:     logger.Named("knowledge"),
		now:        func() time.Time { return time.Now().UTC() },
		working:    make(map[string]*domain.Record),
	}
}

// Create сохраняет запись как UNTRUSTED и сразу возвращает ее.
// Проверка идет в фоне; содержимое не отклоняется, кроме пустого.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Record, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}
	rec := &domain.Record{
		ID:         uuid.New().String(),
		CreatedAt:  s.now(),
		Content:    req.Content,
		TrustLevel: domain.TrustUntrusted,
		Source:     req.Source,
		Tags:       req.Tags,
		Metadata:   req.Metadata,
	}
	if err := s.store.WriteRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("knowledge: create record: %w", err)
	}
	s.logger.Debug("record created", zap.String("record_id", rec.ID), zap.String("source", rec.Source))
	return rec, nil
}

// Read отдает запись по ее уровню доверия. QUARANTINED и UNTRUSTED — ошибки.
func (s *Service) Read(ctx context.Context, id string) (*View, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		s.countError(err)
		return nil, err
	}
	v, err := domain.Visit[*View](rec, readVisitor{})
	if err != nil {
		s.countError(err)
		return nil, err
	}
	return v, nil
}

// List — страница записей без карантинных.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*View, error) {
	recs, err := s.store.ListRecords(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list: %w", err)
	}
	out := make([]*View, 0, len(recs))
	for _, r := range recs {
		if s.quarantine != nil && s.quarantine.IsQuarantined(r.ID) {
			continue
		}
		v, err := domain.Visit[*View](r, listVisitor{})
		if err != nil {
			return nil, err
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// IssueConfirmation выдает одноразовый токен на раскрытие фрагмента ref
// (vault.OriginalScope — всего исходного текста) FLAGGED-записи.
func (s *Service) IssueConfirmation(ctx context.Context, id, ref, actor string) (string, time.Time, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return "", time.Time{}, err
	}
	if rec.TrustLevel != domain.TrustFlagged {
		return "", time.Time{}, fmt.Errorf("%w: record %s is %s", domain.ErrPermission, id, rec.TrustLevel)
	}
	if ref != vault.OriginalScope {
		if _, ok := rec.Pattern(ref); !ok {
			return "", time.Time{}, fmt.Errorf("%w: pattern %s in record %s", domain.ErrNotFound, ref, id)
		}
	}
	return s.gate.IssueConfirmation(id, ref, actor)
}

// RevealPattern — привилегированное раскрытие одного фрагмента.
func (s *Service) RevealPattern(ctx context.Context, id, ref, token, actor string) (*vault.Revealed, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		s.countError(err)
		return nil, err
	}
	out, err := s.gate.RevealPattern(rec, ref, token, actor)
	if err != nil {
		s.countError(err)
	}
	return out, err
}

// RevealOriginal — привилегированное раскрытие исходного текста FLAGGED-записи.
func (s *Service) RevealOriginal(ctx context.Context, id, token, actor string) (*vault.Revealed, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		s.countError(err)
		return nil, err
	}
	out, err := s.gate.RevealOriginal(rec, token, actor)
	if err != nil {
		s.countError(err)
	}
	return out, err
}

func (s *Service) Stats(ctx context.Context) (domain.TrustStats, error) {
	return s.store.Stats(ctx)
}

// LoadWorkingSet загружает читаемые записи при старте. Карантинные не
// загружаются; их число пишется в лог и в аудит.
func (s *Service) LoadWorkingSet(ctx context.Context) (LoadReport, error) {
	recs, skipped, err := s.store.LoadReadable(ctx)
	if err != nil {
		return LoadReport{}, fmt.Errorf("knowledge: load working set: %w", err)
	}

	var rep LoadReport
	working := make(map[string]*domain.Record, len(recs))
	for _, r := range recs {
		if r.TrustLevel == domain.TrustQuarantined {
			// Хранилище не должно было его вернуть
			skipped++
			continue
		}
		rep.Loaded++
		if r.TrustLevel.IsTerminal() {
			working[r.ID] = r
		}
	}
	rep.QuarantineSkipped = skipped

	s.mu.Lock()
	s.working = working
	s.mu.Unlock()

	if skipped > 0 {
		s.logger.Warn("quarantined records excluded from working set", zap.Int("count", skipped))
		s.auditor.LogSecurityEvent(audit.SecurityEvent{
			Type:     audit.EventQuarantineSkipped,
			Severity: audit.SeverityWarning,
			Source:   auditSource,
			Details:  map[string]interface{}{"count": skipped},
		})
	}
	s.logger.Info("working set loaded", zap.Int("loaded", rep.Loaded), zap.Int("quarantine_skipped", skipped))
	return rep, nil
}

// ApplyTransition обновляет рабочий набор по объявленному переходу валидатора.
func (s *Service) ApplyTransition(tr trust.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr.To == domain.TrustQuarantined {
		delete(s.working, tr.Record.ID)
		return
	}
	s.working[tr.Record.ID] = tr.Record.Clone()
}

// WorkingSetSize — число закэшированных проверенных записей.
func (s *Service) WorkingSetSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.working)
}

// lookup: карантинный реестр, затем рабочий набор, затем хранилище.
func (s *Service) lookup(ctx context.Context, id string) (*domain.Record, error) {
	if s.quarantine != nil && s.quarantine.IsQuarantined(id) {
		return nil, fmt.Errorf("%w: record %s", domain.ErrQuarantined, id)
	}

	s.mu.RLock()
	cached, ok := s.working[id]
	s.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	rec, err := s.store.ReadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.TrustLevel.IsTerminal() && rec.TrustLevel != domain.TrustQuarantined {
		s.mu.Lock()
		s.working[rec.ID] = rec.Clone()
		s.mu.Unlock()
	}
	return rec, nil
}

func (s *Service) countError(err error) {
	kind := "other"
	switch {
	case errors.Is(err, domain.ErrQuarantined):
		kind = "quarantined"
	case errors.Is(err, domain.ErrNeedsValidation):
		kind = "needs_validation"
	case errors.Is(err, domain.ErrPermission):
		kind = "permission"
	case errors.Is(err, domain.ErrIntegrity):
		kind = "integrity"
	case errors.Is(err, domain.ErrNotFound):
		kind = "not_found"
	}
	s.metrics.ErrorTotal.WithLabelValues(kind).Inc()
}
