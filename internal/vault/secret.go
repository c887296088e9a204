package vault

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLength — минимальная длина долговременного секрета инсталляции.
const MinSecretLength = 32

var ErrWeakSecret = errors.New("vault: installation secret too short")

// Secret — долговременный секрет инсталляции. Загружается один раз при старте
// и передается в Vault и Broker явно. Не логируется и не сериализуется.
type Secret struct {
	b []byte
}

// NewSecret копирует ключевой материал.
func NewSecret(material []byte) (Secret, error) {
	if len(material) < MinSecretLength {
		return Secret{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrWeakSecret, len(material), MinSecretLength)
	}
	return Secret{b: append([]byte(nil), material...)}, nil
}

// ParseSecret принимает "base64:...", "hex:..." или сырые байты.
func ParseSecret(data []byte) (Secret, error) {
	s := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(s, "base64:"):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "base64:"))
		if err != nil {
			return Secret{}, fmt.Errorf("vault: decode base64 secret: %w", err)
		}
		return NewSecret(raw)
	case strings.HasPrefix(s, "hex:"):
		raw, err := hex.DecodeString(strings.TrimPrefix(s, "hex:"))
		if err != nil {
			return Secret{}, fmt.Errorf("vault: decode hex secret: %w", err)
		}
		return NewSecret(raw)
	}
	return NewSecret([]byte(s))
}

func (s Secret) IsZero() bool { return len(s.b) == 0 }

func (s Secret) String() string   { return "[REDACTED]" }
func (s Secret) GoString() string { return "vault.Secret{[REDACTED]}" }

// MarshalText не дает секрету утечь через JSON/YAML/zap.Any.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// derive — HKDF-SHA256 от секрета с заданными солью и контекстом.
func (s Secret) derive(salt []byte, info string, n int) ([]byte, error) {
	if s.IsZero() {
		return nil, errors.New("vault: installation secret is not loaded")
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.b, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return out, nil
}
