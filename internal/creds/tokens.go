package creds

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/unioneyes/claimsync/internal/crypto"
	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/models"
)

// Token is the bearer credential for the API.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

// Expired reports whether the token's expiry has passed. Tokens with no
// expiry never expire.
func (t *Token) Expired() bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return time.Now().UnixMilli() >= t.ExpiresAt
}

// TokenStore persists the API token encrypted at rest. The sealing key
// is derived from a random seed kept in a separate 0600 file.
type TokenStore struct {
	keyPath   string
	tokenPath string
	logger    *events.Logger

	mu     sync.Mutex
	cached *Token
}

// NewTokenStore creates a token store over the given key and token
// file paths.
func NewTokenStore(keyPath, tokenPath string, logger *events.Logger) *TokenStore {
	return &TokenStore{
		keyPath:   keyPath,
		tokenPath: tokenPath,
		logger:    logger.WithField("component", "token_store"),
	}
}

// Token returns the stored token, decrypting it on first access.
// Returns models.ErrNotAuthenticated when no token is stored.
func (s *TokenStore) Token() (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached, nil
	}

	sealed, err := os.ReadFile(s.tokenPath)
	if os.IsNotExist(err) {
		return nil, models.ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	key, err := s.sealingKey(false)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.Open(sealed, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt token: %w", err)
	}

	var t Token
	if err := json.Unmarshal(plaintext, &t); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	s.cached = &t
	return &t, nil
}

// SetToken encrypts and persists a token.
func (s *TokenStore) SetToken(t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("serialize token: %w", err)
	}

	key, err := s.sealingKey(true)
	if err != nil {
		return err
	}

	sealed, err := crypto.Seal(plaintext, key)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.tokenPath), 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(s.tokenPath, sealed, 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}

	s.cached = t
	s.logger.WithField("user_id", t.UserID).Info("Token stored")
	return nil
}

// DeleteToken removes the stored token. Missing files are not an error.
func (s *TokenStore) DeleteToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = nil
	if err := os.Remove(s.tokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// Invalidate drops the in-memory token so the next read hits disk.
// Used when the API rejects the bearer.
func (s *TokenStore) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// sealingKey loads the key file (salt || seed) and derives the AES key.
// When create is set, a missing key file is generated.
func (s *TokenStore) sealingKey(create bool) ([]byte, error) {
	raw, err := os.ReadFile(s.keyPath)
	if os.IsNotExist(err) && create {
		raw, err = s.generateKeyFile()
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(raw) != crypto.SaltSize+crypto.KeySize {
		return nil, fmt.Errorf("key file %s is malformed", s.keyPath)
	}

	salt, seed := raw[:crypto.SaltSize], raw[crypto.SaltSize:]
	return crypto.DeriveKey(seed, salt), nil
}

func (s *TokenStore) generateKeyFile() ([]byte, error) {
	raw, err := crypto.NewKeyMaterial(crypto.SaltSize + crypto.KeySize)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(s.keyPath), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.keyPath, raw, 0600); err != nil {
		return nil, err
	}
	s.logger.Info("Generated new credential key")
	return raw, nil
}
