// Package storage declares the sentinel errors shared by all storage backends.
package storage

import "errors"

var (
	ErrAccountAlreadyExists = errors.New("account already exists")
	ErrAccountNotFound      = errors.New("account not found")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	// ErrRefreshTokenNotActive is returned by MarkUsed and Revoke when the
	// conditional update matched no row: the token was already used, revoked,
	// or expired. This is how a lost rotation race surfaces.
	ErrRefreshTokenNotActive = errors.New("refresh token not active")
)
