package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"tokend/internal/domain/models"
	"tokend/internal/lib/jwt"
	"tokend/internal/lib/sl"
	"tokend/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

type Auth struct {
	logger          *slog.Logger
	accountSaver    AccountSaver
	accountProvider AccountProvider
	accountUpdater  AccountUpdater
	tokenStore      RefreshTokenStore
	tokens          *jwt.Manager
	refreshTokenTTL time.Duration
	refreshPepper   string
}

type AccountSaver interface {
	SaveAccount(
		ctx context.Context,
		email string,
		passHash []byte,
		role string,
	) (accountID int64, err error)
}

type AccountProvider interface {
	Account(
		ctx context.Context,
		email string,
	) (account *models.Account, err error)
	AccountByID(
		ctx context.Context,
		accountID int64,
	) (account *models.Account, err error)
}

type AccountUpdater interface {
	SetRole(ctx context.Context, accountID int64, role string) error
	Deactivate(ctx context.Context, accountID int64) error
}

type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, tokenHash string, accountID int64, expiresAt time.Time) error
	RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	MarkUsed(ctx context.Context, tokenHash, replacedByHash string) error
	Revoke(ctx context.Context, tokenHash string) error
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRefreshTokenInvalid covers unknown, used, revoked, and expired
	// refresh tokens alike; callers are never told which.
	ErrRefreshTokenInvalid  = errors.New("invalid refresh token")
	ErrAccountAlreadyExists = errors.New("account already exists")
	ErrAccountNotFound      = errors.New("account not found")
)

// New returns a new instance of the Auth service.
func New(
	logger *slog.Logger,
	accountSaver AccountSaver,
	accountProvider AccountProvider,
	accountUpdater AccountUpdater,
	tokenStore RefreshTokenStore,
	tokens *jwt.Manager,
	refreshTokenTTL time.Duration,
	refreshPepper string,
) *Auth {
	return &Auth{
		logger:          logger,
		accountSaver:    accountSaver,
		accountProvider: accountProvider,
		accountUpdater:  accountUpdater,
		tokenStore:      tokenStore,
		tokens:          tokens,
		refreshTokenTTL: refreshTokenTTL,
		refreshPepper:   refreshPepper,
	}
}

func (a *Auth) Register(
	ctx context.Context,
	email string,
	password string,
) (accountID int64, err error) {
	const op = "auth.Register"
	log := a.logger.With(
		slog.String("op", op),
		slog.String("email", email),
	)
	log.Info("register request")

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	accountID, err = a.accountSaver.SaveAccount(ctx, email, passHash, models.RoleUser)
	if err != nil {
		if errors.Is(err, storage.ErrAccountAlreadyExists) {
			log.Warn("account already exists", sl.Err(err))
			return 0, fmt.Errorf("%s: %w", op, ErrAccountAlreadyExists)
		}
		log.Error("failed to save account", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("account registered", slog.Int64("accountID", accountID))

	return accountID, nil
}

// Login verifies the presented credentials and issues a token pair. Unknown
// email, wrong password, and a deactivated account all fail with the same
// ErrInvalidCredentials so callers cannot enumerate identifiers.
func (a *Auth) Login(
	ctx context.Context,
	email string,
	password string,
) (*models.TokenPair, error) {
	const op = "auth.Login"
	log := a.logger.With(slog.String("op", op))
	log.Info("login request", slog.String("email", email))

	account, err := a.accountProvider.Account(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			log.Warn("account not found", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get account", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(account.PassHash, []byte(password)); err != nil {
		log.Warn("invalid password", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if !account.Active {
		log.Warn("account deactivated", slog.Int64("accountID", account.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	pair, err := a.issuePair(ctx, account)
	if err != nil {
		log.Error("failed to issue token pair", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("account logged in", slog.Int64("accountID", account.ID))

	return pair, nil
}

// Validate checks an access token and returns its claims. Purely
// computational, no storage round-trip.
func (a *Auth) Validate(
	ctx context.Context,
	accessToken string,
) (*jwt.Claims, error) {
	const op = "auth.Validate"

	claims, err := a.tokens.Verify(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return claims, nil
}

// Refresh rotates a refresh token: the presented token moves to the terminal
// Used state and a fresh pair is issued for the same account. Of N concurrent
// calls with the same token, exactly one succeeds; the rest fail with
// ErrRefreshTokenInvalid and the caller must log in again.
//
// accessToken is optional. When present it must pass the signature check
// (expiry aside) and its subject must match the refresh token's account.
func (a *Auth) Refresh(
	ctx context.Context,
	accessToken string,
	refreshToken string,
) (*models.TokenPair, error) {
	const op = "auth.Refresh"
	log := a.logger.With(slog.String("op", op))
	log.Info("refresh request")

	tokenHash := a.hashRefreshToken(refreshToken)

	record, err := a.tokenStore.RefreshToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			log.Warn("refresh token not found")
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenInvalid)
		}
		log.Error("failed to get refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !record.ActiveAt(time.Now()) {
		log.Warn("refresh token not active", slog.Int64("accountID", record.AccountID))
		return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenInvalid)
	}

	if accessToken != "" {
		claims, err := a.tokens.VerifySubject(accessToken)
		if err != nil {
			log.Warn("access token rejected during refresh", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if claims.Subject != strconv.FormatInt(record.AccountID, 10) {
			log.Warn("access token subject mismatch")
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenInvalid)
		}
	}

	account, err := a.accountProvider.AccountByID(ctx, record.AccountID)
	if err != nil {
		log.Error("failed to get account", sl.Err(err))
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenInvalid)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !account.Active {
		log.Warn("account deactivated", slog.Int64("accountID", account.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenInvalid)
	}

	newRaw, err := generateRefreshTokenRaw()
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	newHash := a.hashRefreshToken(newRaw)

	// The guarded MarkUsed is the single atomic step of rotation: a
	// concurrent rotation that already claimed the token makes this fail.
	if err := a.tokenStore.MarkUsed(ctx, tokenHash, newHash); err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotActive) ||
			errors.Is(err, storage.ErrRefreshTokenNotFound) {
			log.Warn("lost rotation race", slog.Int64("accountID", record.AccountID))
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenInvalid)
		}
		log.Error("failed to mark refresh token used", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	accessTokenNew, expiresAt, err := a.tokens.Sign(account)
	if err != nil {
		log.Error("failed to generate access token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	newExpiresAt := time.Now().Add(a.refreshTokenTTL)
	if err := a.tokenStore.SaveRefreshToken(ctx, newHash, account.ID, newExpiresAt); err != nil {
		log.Error("failed to save refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens rotated", slog.Int64("accountID", account.ID))

	return &models.TokenPair{
		AccessToken:  accessTokenNew,
		RefreshToken: newRaw,
		ExpiresAt:    expiresAt,
	}, nil
}

// Logout revokes a refresh token. Tokens already in a terminal state are
// treated as revoked: logout never fails for them.
func (a *Auth) Logout(
	ctx context.Context,
	refreshToken string,
) error {
	const op = "auth.Logout"
	log := a.logger.With(slog.String("op", op))
	log.Info("logout request")

	tokenHash := a.hashRefreshToken(refreshToken)

	err := a.tokenStore.Revoke(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotActive) ||
			errors.Is(err, storage.ErrRefreshTokenNotFound) {
			log.Warn("logout of non-active refresh token")
			return nil
		}
		log.Error("failed to revoke refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("refresh token revoked")

	return nil
}

// SetRole changes the role label of an account.
func (a *Auth) SetRole(
	ctx context.Context,
	accountID int64,
	role string,
) error {
	const op = "auth.SetRole"
	log := a.logger.With(slog.String("op", op), slog.Int64("accountID", accountID))

	if err := a.accountUpdater.SetRole(ctx, accountID, role); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			log.Warn("account not found", sl.Err(err))
			return fmt.Errorf("%s: %w", op, ErrAccountNotFound)
		}
		log.Error("failed to set role", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("role updated", slog.String("role", role))

	return nil
}

// Deactivate soft-deletes an account. Outstanding refresh tokens stay in the
// store but rotation rejects them once the account is inactive.
func (a *Auth) Deactivate(
	ctx context.Context,
	accountID int64,
) error {
	const op = "auth.Deactivate"
	log := a.logger.With(slog.String("op", op), slog.Int64("accountID", accountID))

	if err := a.accountUpdater.Deactivate(ctx, accountID); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			log.Warn("account not found", sl.Err(err))
			return fmt.Errorf("%s: %w", op, ErrAccountNotFound)
		}
		log.Error("failed to deactivate account", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("account deactivated")

	return nil
}

// issuePair mints an access token and a fresh refresh token for the account.
func (a *Auth) issuePair(ctx context.Context, account *models.Account) (*models.TokenPair, error) {
	accessToken, expiresAt, err := a.tokens.Sign(account)
	if err != nil {
		return nil, err
	}

	rawToken, err := generateRefreshTokenRaw()
	if err != nil {
		return nil, err
	}

	tokenHash := a.hashRefreshToken(rawToken)
	refreshExpiresAt := time.Now().Add(a.refreshTokenTTL)

	if err := a.tokenStore.SaveRefreshToken(ctx, tokenHash, account.ID, refreshExpiresAt); err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: rawToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// hashRefreshToken computes SHA-256 hash of the token with pepper.
func (a *Auth) hashRefreshToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token + a.refreshPepper))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// generateRefreshTokenRaw generates a cryptographically secure random token.
func generateRefreshTokenRaw() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
