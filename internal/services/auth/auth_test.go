package auth_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tokend/internal/domain/models"
	"tokend/internal/lib/jwt"
	"tokend/internal/services/auth"
	"tokend/internal/storage"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testPepper     = "test-pepper"
	passDefaultLen = 10
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTokenManager(t *testing.T, accessTTL time.Duration) *jwt.Manager {
	t.Helper()
	m, err := jwt.NewManager(jwt.Config{
		Secret:    []byte("test-secret"),
		Issuer:    "tokend",
		Audience:  "tokend-clients",
		AccessTTL: accessTTL,
	})
	require.NoError(t, err)
	return m
}

// newMemService wires the service onto the in-memory CAS backend.
func newMemService(t *testing.T, accessTTL, refreshTTL time.Duration) (*auth.Auth, *memStorage) {
	t.Helper()
	store := newMemStorage()
	service := auth.New(
		discardLogger(),
		store, store, store, store,
		newTokenManager(t, accessTTL),
		refreshTTL,
		testPepper,
	)
	return service, store
}

func registerAndLogin(t *testing.T, service *auth.Auth) (email, password string, pair *models.TokenPair) {
	t.Helper()
	email = gofakeit.Email()
	password = randomPassword()

	_, err := service.Register(context.Background(), email, password)
	require.NoError(t, err)

	pair, err = service.Login(context.Background(), email, password)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	return email, password, pair
}

func randomPassword() string {
	return gofakeit.Password(true, true, true, true, false, passDefaultLen)
}

func TestLoginIssuesValidPair(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)

	_, _, pair := registerAndLogin(t, service)

	claims, err := service.Validate(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, claims.Role)
	assert.InDelta(t, time.Now().Add(time.Minute).Unix(), pair.ExpiresAt.Unix(), 1)
}

func TestLogin_InvalidCredentialsIndistinguishable(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)
	ctx := context.Background()

	email, _, _ := registerAndLogin(t, service)

	// Wrong password for a known account.
	_, errWrongPass := service.Login(ctx, email, "definitely-not-the-password")
	require.ErrorIs(t, errWrongPass, auth.ErrInvalidCredentials)

	// Unknown identifier.
	_, errUnknown := service.Login(ctx, gofakeit.Email(), randomPassword())
	require.ErrorIs(t, errUnknown, auth.ErrInvalidCredentials)
}

func TestLogin_DeactivatedAccount(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)
	ctx := context.Background()

	email := gofakeit.Email()
	password := randomPassword()
	accountID, err := service.Register(ctx, email, password)
	require.NoError(t, err)

	require.NoError(t, service.Deactivate(ctx, accountID))

	_, err = service.Login(ctx, email, password)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestRegister_Duplicate(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)
	ctx := context.Background()

	email := gofakeit.Email()
	_, err := service.Register(ctx, email, randomPassword())
	require.NoError(t, err)

	_, err = service.Register(ctx, email, randomPassword())
	require.ErrorIs(t, err, auth.ErrAccountAlreadyExists)
}

func TestRefresh_RotatesExactlyOnce(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)
	ctx := context.Background()

	_, _, pair := registerAndLogin(t, service)

	rotated, err := service.Refresh(ctx, pair.AccessToken, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, rotated.AccessToken)

	// The original refresh token is terminally Used.
	_, err = service.Refresh(ctx, "", pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)

	// The successor works.
	_, err = service.Refresh(ctx, rotated.AccessToken, rotated.RefreshToken)
	require.NoError(t, err)
}

func TestRefresh_UnknownToken(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)

	_, err := service.Refresh(context.Background(), "", "token-that-was-never-issued")
	require.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)
}

func TestRefresh_RevokedToken(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)
	ctx := context.Background()

	_, _, pair := registerAndLogin(t, service)

	require.NoError(t, service.Logout(ctx, pair.RefreshToken))

	_, err := service.Refresh(ctx, "", pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)
}

func TestRefresh_ExpiredToken(t *testing.T) {
	service, _ := newMemService(t, time.Minute, 50*time.Millisecond)
	ctx := context.Background()

	_, _, pair := registerAndLogin(t, service)

	time.Sleep(100 * time.Millisecond)

	_, err := service.Refresh(ctx, "", pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)
}

func TestRefresh_DeactivatedAccount(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)
	ctx := context.Background()

	email := gofakeit.Email()
	password := randomPassword()
	accountID, err := service.Register(ctx, email, password)
	require.NoError(t, err)
	pair, err := service.Login(ctx, email, password)
	require.NoError(t, err)

	require.NoError(t, service.Deactivate(ctx, accountID))

	_, err = service.Refresh(ctx, "", pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)
}

func TestRefresh_SubjectMismatch(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)
	ctx := context.Background()

	_, _, alicePair := registerAndLogin(t, service)
	_, _, bobPair := registerAndLogin(t, service)

	// Bob's access token presented with Alice's refresh token.
	_, err := service.Refresh(ctx, bobPair.AccessToken, alicePair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)
}

func TestRefresh_ForgedAccessToken(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)
	ctx := context.Background()

	_, _, pair := registerAndLogin(t, service)

	forger, err := jwt.NewManager(jwt.Config{
		Secret:    []byte("attacker-secret"),
		Issuer:    "tokend",
		Audience:  "tokend-clients",
		AccessTTL: time.Minute,
	})
	require.NoError(t, err)
	forged, _, err := forger.Sign(&models.Account{ID: 1, Email: "x", Role: models.RoleAdmin})
	require.NoError(t, err)

	_, err = service.Refresh(ctx, forged, pair.RefreshToken)
	require.ErrorIs(t, err, jwt.ErrSignatureInvalid)
}

func TestRefresh_LostRaceMapsToInvalid(t *testing.T) {
	saver := &accountSaverMock{}
	provider := &accountProviderMock{}
	updater := &accountUpdaterMock{}
	store := &tokenStoreMock{}

	account := &models.Account{ID: 7, Email: "alice@example.com", Role: models.RoleUser, Active: true}
	record := &models.RefreshToken{
		TokenHash: "irrelevant",
		AccountID: 7,
		ExpiresAt: time.Now().Add(time.Hour),
	}

	store.On("RefreshToken", mock.Anything, mock.Anything).Return(record, nil)
	provider.On("AccountByID", mock.Anything, int64(7)).Return(account, nil)
	// Another rotation claimed the token between lookup and CAS.
	store.On("MarkUsed", mock.Anything, mock.Anything, mock.Anything).
		Return(storage.ErrRefreshTokenNotActive)

	service := auth.New(
		discardLogger(), saver, provider, updater, store,
		newTokenManager(t, time.Minute), time.Hour, testPepper,
	)

	_, err := service.Refresh(context.Background(), "", "some-refresh-token")
	require.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)
	store.AssertExpectations(t)
}

func TestLogout_Idempotent(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)
	ctx := context.Background()

	_, _, pair := registerAndLogin(t, service)

	require.NoError(t, service.Logout(ctx, pair.RefreshToken))
	require.NoError(t, service.Logout(ctx, pair.RefreshToken))
	require.NoError(t, service.Logout(ctx, "never-issued"))
}

func TestSetRole_AccountNotFound(t *testing.T) {
	saver := &accountSaverMock{}
	provider := &accountProviderMock{}
	updater := &accountUpdaterMock{}
	store := &tokenStoreMock{}

	updater.On("SetRole", mock.Anything, int64(99), models.RoleAdmin).
		Return(storage.ErrAccountNotFound)

	service := auth.New(
		discardLogger(), saver, provider, updater, store,
		newTokenManager(t, time.Minute), time.Hour, testPepper,
	)

	err := service.SetRole(context.Background(), 99, models.RoleAdmin)
	require.ErrorIs(t, err, auth.ErrAccountNotFound)
	updater.AssertExpectations(t)
}

func TestConcurrentRefresh_SingleWinner(t *testing.T) {
	service, _ := newMemService(t, time.Minute, time.Hour)

	_, _, pair := registerAndLogin(t, service)

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := service.Refresh(context.Background(), "", pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	fail := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)
		fail++
	}

	require.Equal(t, 1, success, "expected exactly one rotation winner")
	require.Equal(t, n-1, fail)
}

// TestTokenLifecycleScenario walks the full flow: short-lived access token,
// validation fails after expiry, rotation still succeeds with the paired
// refresh token, and the spent refresh token is rejected.
func TestTokenLifecycleScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing-dependent scenario in short mode")
	}

	service, _ := newMemService(t, time.Second, time.Hour)
	ctx := context.Background()

	_, _, pair := registerAndLogin(t, service)

	// Fresh token validates immediately.
	_, err := service.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// Strictly after expiry: zero leeway.
	_, err = service.Validate(ctx, pair.AccessToken)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	// The expired access token plus the paired refresh token rotates.
	rotated, err := service.Refresh(ctx, pair.AccessToken, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, rotated.AccessToken)
	require.NotEmpty(t, rotated.RefreshToken)

	_, err = service.Validate(ctx, rotated.AccessToken)
	require.NoError(t, err)

	// The original refresh token is spent.
	_, err = service.Refresh(ctx, pair.AccessToken, pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)
}
