// Package vault вырезает опасные фрагменты из записи, шифрует каждый на
// собственном ключе и подставляет вместо них непрозрачные ссылки.
package vault

import (
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xela07ax/spaceai-trustvault/internal/domain"
)

// Vault держит секрет инсталляции. Ключи фрагментов выводятся по требованию
// и затираются сразу после использования, кэша ключей нет.
type Vault struct {
	secret Secret
	rand   io.Reader
}

func New(secret Secret) *Vault {
	return &Vault{secret: secret, rand: rand.Reader}
}

// Result — очищенный текст и зашифрованные фрагменты.
type Result struct {
	SanitizedContent string
	Patterns         []domain.VaultedPattern
}

// Vault шифрует каждый найденный фрагмент и заменяет его токеном [PATTERN_n].
// Находки обрабатываются по возрастанию смещения; смещения в результате
// указывают на исходный Content, а сдвиг от предыдущих подстановок
// учитывается при сборке очищенного текста.
func (v *Vault) Vault(recordID, content string, findings []domain.Finding) (Result, error) {
	if len(findings) == 0 {
		return Result{}, fmt.Errorf("vault: nothing to vault for record %s", recordID)
	}

	ordered := append([]domain.Finding(nil), findings...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })

	var b strings.Builder
	b.Grow(len(content))
	patterns := make([]domain.VaultedPattern, 0, len(ordered))
	cursor := 0
	delta := 0 // Накопленная разница длин между исходным и очищенным текстом

	for i, f := range ordered {
		if f.Offset < cursor || f.Length <= 0 || f.End() > len(content) {
			return Result{}, fmt.Errorf("vault: finding %d [%d,%d) is out of range or overlaps", i, f.Offset, f.End())
		}

		ref := domain.PatternReference(i + 1)
		p, err := v.seal(recordID, ref, []byte(content[f.Offset:f.End()]))
		if err != nil {
			return Result{}, err
		}
		p.Description = f.Description
		p.Severity = f.Severity
		p.Offset = f.Offset
		p.Length = f.Length
		patterns = append(patterns, p)

		b.WriteString(content[cursor:f.Offset])
		placeholder := p.Placeholder()
		b.WriteString(placeholder)
		delta += len(placeholder) - f.Length
		cursor = f.End()
	}
	b.WriteString(content[cursor:])

	sanitized := b.String()
	if len(sanitized) != len(content)+delta {
		return Result{}, fmt.Errorf("vault: sanitized length mismatch for record %s", recordID)
	}
	return Result{SanitizedContent: sanitized, Patterns: patterns}, nil
}

// Unvault возвращает исходный фрагмент. При несовпадении тега — ErrIntegrity,
// поврежденный открытый текст не возвращается никогда.
func (v *Vault) Unvault(recordID string, p domain.VaultedPattern) ([]byte, error) {
	return Unvault(v.secret, recordID, p)
}

// Unvault — то же для явно переданного секрета.
func Unvault(secret Secret, recordID string, p domain.VaultedPattern) ([]byte, error) {
	key, err := secret.DerivePatternKey(p.KeyDerivationSalt, recordID, p.Reference)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	if !key.Verify(recordID, p.Reference, p.IV, p.Ciphertext, p.AuthTag) {
		return nil, fmt.Errorf("%w: record %s pattern %s", domain.ErrIntegrity, recordID, p.Reference)
	}
	return key.ApplyKeystream(p.IV, p.Ciphertext)
}

func (v *Vault) seal(recordID, ref string, plaintext []byte) (domain.VaultedPattern, error) {
	salt := make([]byte, SaltLength)
	if _, err := io.ReadFull(v.rand, salt); err != nil {
		return domain.VaultedPattern{}, fmt.Errorf("vault: generate salt: %w", err)
	}
	iv := make([]byte, IVLength)
	if _, err := io.ReadFull(v.rand, iv); err != nil {
		return domain.VaultedPattern{}, fmt.Errorf("vault: generate iv: %w", err)
	}

	key, err := v.secret.DerivePatternKey(salt, recordID, ref)
	if err != nil {
		return domain.VaultedPattern{}, err
	}
	defer key.Zero()

	ct, err := key.ApplyKeystream(iv, plaintext)
	if err != nil {
		return domain.VaultedPattern{}, err
	}
	return domain.VaultedPattern{
		Reference:         ref,
		Ciphertext:        ct,
		IV:                iv,
		AuthTag:           key.Tag(recordID, ref, iv, ct),
		KeyDerivationSalt: salt,
	}, nil
}
