package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	SaltLength    = 32
	IVLength      = aes.BlockSize
	keyLength     = 32
	PatternKeyLen = 2 * keyLength
	tagVersion    = "trustvault/pattern/v1"
	patternInfo   = "trustvault/pattern-key/v1"
)

// PatternKey — ключ одного фрагмента: AES-256 для шифрования и HMAC-SHA256
// для аутентификации (encrypt-then-MAC). Живет ровно одну операцию.
//
// Шифрование — AES-CTR: слои гаммы коммутируют, поэтому брокер переноса
// может снять слой отправителя под своим слоем, ни разу не восстановив открытый текст.
type PatternKey struct {
	enc []byte
	mac []byte
}

// DerivePatternKey выводит ключ фрагмента из секрета инсталляции, соли,
// записи и ссылки. Глобального ключа нет: у каждого фрагмента свой.
func (s Secret) DerivePatternKey(salt []byte, recordID, reference string) (*PatternKey, error) {
	if len(salt) != SaltLength {
		return nil, fmt.Errorf("vault: salt must be %d bytes", SaltLength)
	}
	info := patternInfo + "\x00" + recordID + "\x00" + reference
	material, err := s.derive(salt, info, PatternKeyLen)
	if err != nil {
		return nil, err
	}
	return &PatternKey{enc: material[:keyLength], mac: material[keyLength:]}, nil
}

// PatternKeyFromBytes восстанавливает ключ, полученный по каналу ключей.
func PatternKeyFromBytes(b []byte) (*PatternKey, error) {
	if len(b) != PatternKeyLen {
		return nil, fmt.Errorf("vault: pattern key must be %d bytes", PatternKeyLen)
	}
	material := append([]byte(nil), b...)
	return &PatternKey{enc: material[:keyLength], mac: material[keyLength:]}, nil
}

// Bytes — ключевой материал для передачи по отдельному каналу.
func (k *PatternKey) Bytes() []byte {
	out := make([]byte, 0, PatternKeyLen)
	out = append(out, k.enc...)
	return append(out, k.mac...)
}

// Zero затирает ключевой материал.
func (k *PatternKey) Zero() {
	if k == nil {
		return
	}
	for i := range k.enc {
		k.enc[i] = 0
	}
	for i := range k.mac {
		k.mac[i] = 0
	}
}

// ApplyKeystream накладывает (или снимает) гамму AES-CTR. Операция инволютивна.
func (k *PatternKey) ApplyKeystream(iv, data []byte) ([]byte, error) {
	if len(iv) != IVLength {
		return nil, fmt.Errorf("vault: iv must be %d bytes", IVLength)
	}
	block, err := aes.NewCipher(k.enc)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}

// Tag аутентифицирует шифротекст вместе с записью и ссылкой:
// фрагмент нельзя незаметно перенести в другую запись или позицию.
func (k *PatternKey) Tag(recordID, reference string, iv, ciphertext []byte) []byte {
	m := hmac.New(sha256.New, k.mac)
	writeField(m, []byte(tagVersion))
	writeField(m, []byte(recordID))
	writeField(m, []byte(reference))
	writeField(m, iv)
	writeField(m, ciphertext)
	return m.Sum(nil)
}

// Verify сравнивает тег за постоянное время.
func (k *PatternKey) Verify(recordID, reference string, iv, ciphertext, tag []byte) bool {
	return hmac.Equal(k.Tag(recordID, reference, iv, ciphertext), tag)
}

type byteWriter interface{ Write(p []byte) (int, error) }

// writeField пишет поле с префиксом длины, чтобы границы полей были однозначны.
func writeField(w byteWriter, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	w.Write(n[:])
	w.Write(b)
}
