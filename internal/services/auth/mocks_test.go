package auth_test

import (
	"context"
	"time"

	"tokend/internal/domain/models"

	"github.com/stretchr/testify/mock"
)

type accountSaverMock struct{ mock.Mock }

func (m *accountSaverMock) SaveAccount(ctx context.Context, email string, passHash []byte, role string) (int64, error) {
	args := m.Called(ctx, email, passHash, role)
	return args.Get(0).(int64), args.Error(1)
}

type accountProviderMock struct{ mock.Mock }

func (m *accountProviderMock) Account(ctx context.Context, email string) (*models.Account, error) {
	args := m.Called(ctx, email)
	var account *models.Account
	if v := args.Get(0); v != nil {
		account = v.(*models.Account)
	}
	return account, args.Error(1)
}

func (m *accountProviderMock) AccountByID(ctx context.Context, accountID int64) (*models.Account, error) {
	args := m.Called(ctx, accountID)
	var account *models.Account
	if v := args.Get(0); v != nil {
		account = v.(*models.Account)
	}
	return account, args.Error(1)
}

type accountUpdaterMock struct{ mock.Mock }

func (m *accountUpdaterMock) SetRole(ctx context.Context, accountID int64, role string) error {
	return m.Called(ctx, accountID, role).Error(0)
}

func (m *accountUpdaterMock) Deactivate(ctx context.Context, accountID int64) error {
	return m.Called(ctx, accountID).Error(0)
}

type tokenStoreMock struct{ mock.Mock }

func (m *tokenStoreMock) SaveRefreshToken(ctx context.Context, tokenHash string, accountID int64, expiresAt time.Time) error {
	return m.Called(ctx, tokenHash, accountID, expiresAt).Error(0)
}

func (m *tokenStoreMock) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	args := m.Called(ctx, tokenHash)
	var token *models.RefreshToken
	if v := args.Get(0); v != nil {
		token = v.(*models.RefreshToken)
	}
	return token, args.Error(1)
}

func (m *tokenStoreMock) MarkUsed(ctx context.Context, tokenHash, replacedByHash string) error {
	return m.Called(ctx, tokenHash, replacedByHash).Error(0)
}

func (m *tokenStoreMock) Revoke(ctx context.Context, tokenHash string) error {
	return m.Called(ctx, tokenHash).Error(0)
}
