// Package transfer переносит записи между инсталляциями.
//
// Фрагменты FLAGGED-записи перешифровываются с ключа отправителя на ключ
// получателя без расшифровки: получатель накладывает свой слой гаммы поверх
// шифротекста отправителя, затем снимает слой отправителя ключом, полученным
// по отдельному каналу. Открытый текст на стороне получателя не появляется.
package transfer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-trustvault/internal/audit"
	"github.com/xela07ax/spaceai-trustvault/internal/domain"
	"github.com/xela07ax/spaceai-trustvault/internal/engine"
	"github.com/xela07ax/spaceai-trustvault/internal/vault"
)

const (
	auditSource = "transfer-broker"

	// MetaOrigin — метаданные записи получателя: инсталляция-источник.
	MetaOrigin = "transfer.origin"
)

type Store interface {
	ReadRecord(ctx context.Context, id string) (*domain.Record, error)
	WriteRecord(ctx context.Context, rec *domain.Record) error
}

// KeySource — канал ключей отправителя, отдельный от передачи конверта.
type KeySource interface {
	ReleaseKey(ctx context.Context, recordID, reference string) ([]byte, error)
}

// Envelope — то, что уходит получателю. Исходный текст FLAGGED-записи
// в конверт не попадает: опасные фрагменты есть только в шифротексте.
type Envelope struct {
	Installation string         `json:"installation"`
	ExportedAt   time.Time      `json:"exported_at"`
	Record       *domain.Record `json:"record"`
}

// WrappedPattern — фрагмент под двумя слоями гаммы: отправителя и получателя.
type WrappedPattern struct {
	Sender domain.VaultedPattern // Как пришел: шифротекст, IV, тег и соль отправителя
	Double []byte
	Salt   []byte
	IV     []byte
}

// Pending — запись получателя до снятия слоев отправителя.
type Pending struct {
	Envelope *Envelope
	Patterns []*WrappedPattern
}

type Broker struct {
	installation string
	secret       vault.Secret
	store        Store
	auditor      audit.Logger
	metrics      *engine.Metrics
	logger       *zap.Logger
	rand         io.Reader
	now          func() time.Time
}

func NewBroker(installation string, secret vault.Secret, store Store, auditor audit.Logger, metrics *engine.Metrics, logger *zap.Logger) *Broker {
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	return &Broker{
		installation: installation,
		secret:       secret,
		store:        store,
		auditor:      auditor,
		metrics:      metrics,
		logger:       logger.Named("transfer"),
		rand:         rand.Reader,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Export — шаг 1 на стороне отправителя. Переносятся только VALIDATED и FLAGGED.
func (b *Broker) Export(ctx context.Context, id string) (*Envelope, error) {
	rec, err := b.store.ReadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := transferable(rec); err != nil {
		return nil, err
	}

	out := rec.Clone()
	if out.TrustLevel == domain.TrustFlagged {
		out.Content = ""
	}
	return &Envelope{Installation: b.installation, ExportedAt: b.now(), Record: out}, nil
}

// ReleaseKey — шаг 3 на стороне отправителя: ключ одного фрагмента для
// получателя. Каждая выдача попадает в аудит.
func (b *Broker) ReleaseKey(ctx context.Context, recordID, reference, peer string) ([]byte, error) {
	rec, err := b.store.ReadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.TrustLevel != domain.TrustFlagged {
		return nil, fmt.Errorf("%w: record %s is %s", domain.ErrNotTransferable, recordID, rec.TrustLevel)
	}
	p, ok := rec.Pattern(reference)
	if !ok {
		return nil, fmt.Errorf("%w: pattern %s in record %s", domain.ErrNotFound, reference, recordID)
	}

	key, err := b.secret.DerivePatternKey(p.KeyDerivationSalt, recordID, reference)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	b.auditor.LogSecurityEvent(audit.SecurityEvent{
		Type:     audit.EventKeyReleased,
		Severity: audit.SeverityWarning,
		Source:   auditSource,
		TraceID:  traceOf(ctx),
		Details: map[string]interface{}{
			"record_id": recordID,
			"reference": reference,
			"peer":      peer,
		},
	})
	return key.Bytes(), nil
}

// Rewrap — шаг 2 у получателя: свой слой гаммы поверх шифротекста
// отправителя под свежими солью и IV. Расшифровки нет.
func (b *Broker) Rewrap(env *Envelope) (*Pending, error) {
	rec := env.Record
	pending := &Pending{Envelope: env, Patterns: make([]*WrappedPattern, 0, len(rec.VaultedPatterns))}

	for _, p := range rec.VaultedPatterns {
		salt := make([]byte, vault.SaltLength)
		if _, err := io.ReadFull(b.rand, salt); err != nil {
			return nil, fmt.Errorf("transfer: generate salt: %w", err)
		}
		iv := make([]byte, vault.IVLength)
		if _, err := io.ReadFull(b.rand, iv); err != nil {
			return nil, fmt.Errorf("transfer: generate iv: %w", err)
		}

		key, err := b.secret.DerivePatternKey(salt, rec.ID, p.Reference)
		if err != nil {
			return nil, err
		}
		double, err := key.ApplyKeystream(iv, p.Ciphertext)
		key.Zero()
		if err != nil {
			return nil, err
		}
		pending.Patterns = append(pending.Patterns, &WrappedPattern{Sender: p, Double: double, Salt: salt, IV: iv})
	}
	return pending, nil
}

// Strip — шаг 4 у получателя: проверить тег отправителя, снять его слой и
// подписать результат своим ключом. senderKey затирает вызывающий (шаг 5).
func (b *Broker) Strip(recordID string, w *WrappedPattern, senderKey *vault.PatternKey) (domain.VaultedPattern, error) {
	s := w.Sender
	if !senderKey.Verify(recordID, s.Reference, s.IV, s.Ciphertext, s.AuthTag) {
		return domain.VaultedPattern{}, fmt.Errorf("%w: sender tag of %s/%s", domain.ErrIntegrity, recordID, s.Reference)
	}
	inner, err := senderKey.ApplyKeystream(s.IV, w.Double)
	if err != nil {
		return domain.VaultedPattern{}, err
	}

	own, err := b.secret.DerivePatternKey(w.Salt, recordID, s.Reference)
	if err != nil {
		return domain.VaultedPattern{}, err
	}
	defer own.Zero()

	return domain.VaultedPattern{
		Reference:         s.Reference,
		Description:       s.Description,
		Severity:          s.Severity,
		Offset:            s.Offset,
		Length:            s.Length,
		Ciphertext:        inner,
		IV:                w.IV,
		AuthTag:           own.Tag(recordID, s.Reference, w.IV, inner),
		KeyDerivationSalt: w.Salt,
	}, nil
}

// relocate переносит позицию фрагмента на токен в Content получателя:
// исходного текста отправителя у получателя нет.
func relocate(content string, p *domain.VaultedPattern) error {
	ph := p.Placeholder()
	i := strings.Index(content, ph)
	if i < 0 {
		return fmt.Errorf("%w: placeholder %s is missing from sanitized content", domain.ErrIntegrity, ph)
	}
	p.Offset, p.Length = i, len(ph)
	return nil
}

// Receive проводит шаги 2–5 и сохраняет запись одной записью в хранилище,
// только если все фрагменты перешифрованы. При любом сбое хранилище
// получателя не меняется, а ошибка оборачивает ErrTransferIncomplete.
func (b *Broker) Receive(ctx context.Context, env *Envelope, keys KeySource) (*domain.Record, error) {
	rec, err := b.receive(ctx, env, keys)
	if err != nil {
		b.fail(ctx, env, err)
		return nil, fmt.Errorf("%w: %w", domain.ErrTransferIncomplete, err)
	}

	b.metrics.TransfersTotal.WithLabelValues("completed").Inc()
	b.auditor.LogSecurityEvent(audit.SecurityEvent{
		Type:     audit.EventTransferCompleted,
		Severity: audit.SeverityInfo,
		Source:   auditSource,
		TraceID:  traceOf(ctx),
		Details: map[string]interface{}{
			"record_id":   rec.ID,
			"origin":      env.Installation,
			"trust_level": string(rec.TrustLevel),
			"patterns":    len(rec.VaultedPatterns),
		},
	})
	b.logger.Info("record received",
		zap.String("record_id", rec.ID),
		zap.String("origin", env.Installation),
		zap.String("trust_level", string(rec.TrustLevel)))
	return rec, nil
}

func (b *Broker) receive(ctx context.Context, env *Envelope, keys KeySource) (*domain.Record, error) {
	if env == nil || env.Record == nil {
		return nil, errors.New("empty envelope")
	}
	if err := transferable(env.Record); err != nil {
		return nil, err
	}
	if _, err := b.store.ReadRecord(ctx, env.Record.ID); err == nil {
		return nil, fmt.Errorf("%w: record %s already exists", domain.ErrConflict, env.Record.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	rec := env.Record.Clone()
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string, 1)
	}
	rec.Metadata[MetaOrigin] = env.Installation

	if rec.TrustLevel == domain.TrustFlagged {
		// Исходный текст не передается: у получателя Content — очищенный текст
		rec.Content = rec.SanitizedContent

		pending, err := b.Rewrap(env)
		if err != nil {
			return nil, err
		}
		patterns := make([]domain.VaultedPattern, 0, len(pending.Patterns))
		for _, w := range pending.Patterns {
			p, err := b.stripWithRemoteKey(ctx, rec.ID, w, keys)
			if err != nil {
				return nil, fmt.Errorf("pattern %s: %w", w.Sender.Reference, err)
			}
			if err := relocate(rec.Content, &p); err != nil {
				return nil, err
			}
			patterns = append(patterns, p)
		}
		rec.VaultedPatterns = patterns
	}

	if err := rec.CheckInvariants(); err != nil {
		return nil, err
	}
	if err := b.store.WriteRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("commit record %s: %w", rec.ID, err)
	}
	return rec, nil
}

func (b *Broker) stripWithRemoteKey(ctx context.Context, recordID string, w *WrappedPattern, keys KeySource) (domain.VaultedPattern, error) {
	raw, err := keys.ReleaseKey(ctx, recordID, w.Sender.Reference)
	if err != nil {
		return domain.VaultedPattern{}, fmt.Errorf("release key: %w", err)
	}
	key, err := vault.PatternKeyFromBytes(raw)
	for i := range raw {
		raw[i] = 0
	}
	if err != nil {
		return domain.VaultedPattern{}, err
	}
	defer key.Zero()
	return b.Strip(recordID, w, key)
}

func (b *Broker) fail(ctx context.Context, env *Envelope, err error) {
	details := map[string]interface{}{"error": err.Error()}
	if env != nil {
		details["origin"] = env.Installation
		if env.Record != nil {
			details["record_id"] = env.Record.ID
		}
	}
	severity := audit.SeverityWarning
	if errors.Is(err, domain.ErrIntegrity) {
		severity = audit.SeverityCritical
	}

	b.metrics.TransfersTotal.WithLabelValues("failed").Inc()
	b.auditor.LogSecurityEvent(audit.SecurityEvent{
		Type:     audit.EventTransferFailed,
		Severity: severity,
		Source:   auditSource,
		TraceID:  traceOf(ctx),
		Details:  details,
	})
	b.logger.Warn("transfer failed, receiver state unchanged", zap.Error(err))
}

func traceOf(ctx context.Context) string {
	id, _ := engine.LookupTraceID(ctx)
	return id
}

func transferable(rec *domain.Record) error {
	switch rec.TrustLevel {
	case domain.TrustValidated, domain.TrustFlagged:
		return nil
	default:
		return fmt.Errorf("%w: record %s is %s", domain.ErrNotTransferable, rec.ID, rec.TrustLevel)
	}
}

// EnvelopeSource — канал конвертов, отдельный от канала ключей.
type EnvelopeSource interface {
	Fetch(ctx context.Context, recordID string) (*Envelope, error)
}

// Puller забирает запись у одной инсталляции-источника целиком.
type Puller struct {
	broker    *Broker
	envelopes EnvelopeSource
	keys      KeySource
}

func NewPuller(b *Broker, envelopes EnvelopeSource, keys KeySource) *Puller {
	return &Puller{broker: b, envelopes: envelopes, keys: keys}
}

func (p *Puller) Pull(ctx context.Context, recordID string) (*domain.Record, error) {
	env, err := p.envelopes.Fetch(ctx, recordID)
	if err != nil {
		p.broker.fail(ctx, &Envelope{Record: &domain.Record{ID: recordID}}, err)
		return nil, fmt.Errorf("%w: %w", domain.ErrTransferIncomplete, err)
	}
	return p.broker.Receive(ctx, env, p.keys)
}
