// Package jwt issues and verifies signed access tokens.
//
// The signing key, issuer, audience, and lifetime are fixed at construction
// and never mutated; a Manager is safe for concurrent use.
package jwt

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"tokend/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrSigningKeyUnavailable is fatal: the service must not start without
	// key material.
	ErrSigningKeyUnavailable = errors.New("signing key unavailable")

	ErrTokenExpired     = errors.New("token expired")
	ErrTokenMalformed   = errors.New("token malformed")
	ErrSignatureInvalid = errors.New("token signature invalid")
)

type Config struct {
	Secret    []byte
	Issuer    string
	Audience  string
	AccessTTL time.Duration
}

// Claims is the payload embedded in every access token.
type Claims struct {
	UID   int64  `json:"uid"`
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type Manager struct {
	cfg     Config
	parser  *jwt.Parser
	sigOnly *jwt.Parser
}

// NewManager validates the configuration and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrSigningKeyUnavailable
	}
	if cfg.AccessTTL <= 0 {
		return nil, fmt.Errorf("invalid access token TTL: %v", cfg.AccessTTL)
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}

	methods := []string{jwt.SigningMethodHS256.Alg()}

	return &Manager{
		cfg: cfg,
		// No leeway: a token is rejected the instant it expires. Strict by
		// policy.
		parser: jwt.NewParser(
			jwt.WithValidMethods(methods),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
		),
		sigOnly: jwt.NewParser(
			jwt.WithValidMethods(methods),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// Sign mints an access token for the account and returns the signed token
// together with its expiry instant.
func (m *Manager) Sign(account *models.Account) (string, time.Time, error) {
	const op = "jwt.Sign"

	now := time.Now()
	expiresAt := now.Add(m.cfg.AccessTTL)

	claims := Claims{
		UID:   account.ID,
		Email: account.Email,
		Role:  account.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(account.ID, 10),
			Issuer:    m.cfg.Issuer,
			Audience:  jwt.ClaimStrings{m.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: %w", op, err)
	}

	return token, expiresAt, nil
}

// Verify checks signature, issuer, audience, and expiry, and returns the
// embedded claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	const op = "jwt.Verify"

	claims := &Claims{}
	token, err := m.parser.ParseWithClaims(tokenString, claims, m.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapParseError(err))
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: %w", op, ErrTokenMalformed)
	}

	return claims, nil
}

// VerifySubject checks everything Verify checks except expiry. Rotation uses
// it to bind a presented (possibly expired) access token to the refresh
// token's account. Claims are never extracted from a token that fails the
// signature check.
func (m *Manager) VerifySubject(tokenString string) (*Claims, error) {
	const op = "jwt.VerifySubject"

	claims := &Claims{}
	token, err := m.sigOnly.ParseWithClaims(tokenString, claims, m.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapParseError(err))
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: %w", op, ErrTokenMalformed)
	}

	if claims.Issuer != m.cfg.Issuer || !slices.Contains(claims.Audience, m.cfg.Audience) {
		return nil, fmt.Errorf("%s: %w", op, ErrTokenMalformed)
	}

	return claims, nil
}

func (m *Manager) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return m.cfg.Secret, nil
}

// mapParseError collapses golang-jwt parse failures into the service
// taxonomy: expiry, bad signature, or malformed for everything else.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	default:
		return ErrTokenMalformed
	}
}
