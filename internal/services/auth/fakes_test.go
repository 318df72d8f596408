package auth_test

import (
	"context"
	"sync"
	"time"

	"tokend/internal/domain/models"
	"tokend/internal/storage"
)

// memStorage is an in-memory backend with the same compare-and-swap semantics
// as the real stores. Used by the concurrency and lifecycle tests.
type memStorage struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[string]*models.Account
	tokens   map[string]*models.RefreshToken
}

func newMemStorage() *memStorage {
	return &memStorage{
		accounts: make(map[string]*models.Account),
		tokens:   make(map[string]*models.RefreshToken),
	}
}

func (s *memStorage) SaveAccount(_ context.Context, email string, passHash []byte, role string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[email]; ok {
		return 0, storage.ErrAccountAlreadyExists
	}
	s.nextID++
	s.accounts[email] = &models.Account{
		ID:       s.nextID,
		Email:    email,
		PassHash: passHash,
		Role:     role,
		Active:   true,
	}
	return s.nextID, nil
}

func (s *memStorage) Account(_ context.Context, email string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[email]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (s *memStorage) AccountByID(_ context.Context, accountID int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.ID == accountID {
			copied := *account
			return &copied, nil
		}
	}
	return nil, storage.ErrAccountNotFound
}

func (s *memStorage) SetRole(_ context.Context, accountID int64, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.ID == accountID {
			account.Role = role
			return nil
		}
	}
	return storage.ErrAccountNotFound
}

func (s *memStorage) Deactivate(_ context.Context, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.ID == accountID {
			account.Active = false
			return nil
		}
	}
	return storage.ErrAccountNotFound
}

func (s *memStorage) SaveRefreshToken(_ context.Context, tokenHash string, accountID int64, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenHash] = &models.RefreshToken{
		TokenHash: tokenHash,
		AccountID: accountID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	return nil
}

func (s *memStorage) RefreshToken(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenHash]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	copied := *token
	return &copied, nil
}

func (s *memStorage) MarkUsed(_ context.Context, tokenHash, replacedByHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenHash]
	if !ok {
		return storage.ErrRefreshTokenNotFound
	}
	if !token.ActiveAt(time.Now()) {
		return storage.ErrRefreshTokenNotActive
	}
	token.Used = true
	token.ReplacedByHash = &replacedByHash
	return nil
}

func (s *memStorage) Revoke(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenHash]
	if !ok {
		return storage.ErrRefreshTokenNotFound
	}
	if !token.ActiveAt(time.Now()) {
		return storage.ErrRefreshTokenNotActive
	}
	now := time.Now()
	token.RevokedAt = &now
	return nil
}
