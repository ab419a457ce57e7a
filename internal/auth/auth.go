// Package auth verifies gateway callers.
//
// Authentication model:
//   - Callers present an app-scoped API key as "Authorization: Bearer sk_..."
//     or "X-API-Key: sk_..."; the two are interchangeable
//   - A request carrying X-PAYMENT skips key verification and pays per call
//   - Keys are stored as SHA-256 hashes; the raw key is shown once
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/echo/internal/idgen"
	"github.com/mbd888/echo/internal/ledger"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// APIKey represents an API key issued to a user of one app
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	UserID    string     `json:"userId"`
	AppID     string     `json:"appId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Caller is the authenticated identity for one request. Immutable once built.
type Caller struct {
	UserID         string
	AppID          string
	APIKeyID       string
	MarkupRatio    decimal.Decimal
	ReferralRatio  decimal.Decimal
	ReferralCodeID string
	ReferrerID     string
}

// HasReferral reports whether the caller was referred into the app.
func (c *Caller) HasReferral() bool { return c.ReferralCodeID != "" }

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// AppConfig supplies per-app pricing for callers. ledger.Store satisfies it.
type AppConfig interface {
	GetCurrentMarkup(ctx context.Context, appID string) (*ledger.AppMarkup, error)
	GetReferralCode(ctx context.Context, userID, appID string) (*ledger.ReferralCode, error)
}

// Manager handles authentication
type Manager struct {
	store         Store
	apps          AppConfig
	defaultMarkup decimal.Decimal
}

// NewManager creates a new auth manager. Apps without a stored markup use
// defaultMarkup and no referral split.
func NewManager(store Store, apps AppConfig, defaultMarkup decimal.Decimal) *Manager {
	if defaultMarkup.LessThan(decimal.NewFromInt(1)) {
		defaultMarkup = decimal.NewFromInt(1)
	}
	return &Manager{store: store, apps: apps, defaultMarkup: defaultMarkup}
}

// GenerateKey creates a new API key for a user of an app
// Returns the raw key (shown once) and the stored metadata
func (m *Manager) GenerateKey(ctx context.Context, userID, appID, name string) (rawKey string, key *APIKey, err error) {
	rawKey = "sk_" + idgen.Hex(32)
	key = &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hashKey(rawKey),
		UserID:    userID,
		AppID:     appID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = NormalizeKey(rawKey)
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func(id string) { _ = m.store.TouchLastUsed(context.Background(), id, time.Now()) }(key.ID)

	return key, nil
}

// Authenticate validates rawKey and resolves the caller's pricing context.
func (m *Manager) Authenticate(ctx context.Context, rawKey string) (*Caller, error) {
	key, err := m.ValidateKey(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	caller := &Caller{
		UserID:        key.UserID,
		AppID:         key.AppID,
		APIKeyID:      key.ID,
		MarkupRatio:   m.defaultMarkup,
		ReferralRatio: decimal.NewFromInt(1),
	}
	if m.apps == nil {
		return caller, nil
	}

	mk, err := m.apps.GetCurrentMarkup(ctx, key.AppID)
	switch {
	case err == nil:
		caller.MarkupRatio = mk.MarkupRatio
		caller.ReferralRatio = mk.ReferralRatio
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, err
	}

	rc, err := m.apps.GetReferralCode(ctx, key.UserID, key.AppID)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		caller.ReferralCodeID = rc.ID
		caller.ReferrerID = rc.ReferrerID
	}
	return caller, nil
}

// ListKeys returns all keys for a user
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return m.store.GetByUser(ctx, userID)
}

// RevokeKey revokes an API key
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID string) error {
	keys, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

// NormalizeKey strips an optional "Bearer " scheme and whitespace.
func NormalizeKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = raw[7:]
	}
	return strings.TrimSpace(raw)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.LastUsed = at
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
