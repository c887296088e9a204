package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuerName = "trustvault-console"

// TokenResponse — выпущенный токен оператора.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"` // Всегда "Bearer"
	ExpiresAt   time.Time `json:"expires_at"`
}

// Issuer подписывает токены операторов закрытым ключом (RS256).
// Для стендов и автоматизации: в проде токены выпускает внешний IdP.
type Issuer struct {
	privateKey *rsa.PrivateKey
	now        func() time.Time
}

func NewIssuer(privateKey *rsa.PrivateKey) *Issuer {
	return &Issuer{privateKey: privateKey, now: time.Now}
}

// Issue выпускает токен для subject с областями scopes на время ttl.
func (i *Issuer) Issue(subject string, scopes []string, ttl time.Duration) (*TokenResponse, error) {
	if subject == "" {
		return nil, errors.New("token subject is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %v", ttl)
	}

	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		set[s] = true
	}
	now := i.now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		UserID: subject,
		Scopes: set,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    issuerName,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &TokenResponse{AccessToken: signed, TokenType: "Bearer", ExpiresAt: expiresAt}, nil
}

// ParseRSAPrivateKey читает PEM (PKCS#1 или PKCS#8).
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
