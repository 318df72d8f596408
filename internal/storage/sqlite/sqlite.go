package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tokend/internal/domain/models"
	"tokend/internal/storage"

	"github.com/mattn/go-sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"
	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveAccount(ctx context.Context, email string, passHash []byte, role string) (int64, error) {
	const op = "storage.sqlite.SaveAccount"
	stmt, err := s.db.Prepare("INSERT INTO accounts (email, pass_hash, role) VALUES (?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()
	result, err := stmt.ExecContext(ctx, email, passHash, role)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrAccountAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.LastInsertId()
}

func (s *Storage) Account(ctx context.Context, email string) (*models.Account, error) {
	const op = "storage.sqlite.Account"
	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, role, active FROM accounts WHERE email = ?", email)
	return scanAccount(row, op)
}

func (s *Storage) AccountByID(ctx context.Context, accountID int64) (*models.Account, error) {
	const op = "storage.sqlite.AccountByID"
	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, role, active FROM accounts WHERE id = ?", accountID)
	return scanAccount(row, op)
}

func scanAccount(row *sql.Row, op string) (*models.Account, error) {
	var account models.Account
	err := row.Scan(&account.ID, &account.Email, &account.PassHash, &account.Role, &account.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &account, nil
}

func (s *Storage) SetRole(ctx context.Context, accountID int64, role string) error {
	const op = "storage.sqlite.SetRole"
	result, err := s.db.ExecContext(ctx, "UPDATE accounts SET role = ? WHERE id = ?", role, accountID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return checkAffected(result, op, storage.ErrAccountNotFound)
}

// Deactivate soft-deletes an account. Rows are never physically removed.
func (s *Storage) Deactivate(ctx context.Context, accountID int64) error {
	const op = "storage.sqlite.Deactivate"
	result, err := s.db.ExecContext(ctx, "UPDATE accounts SET active = 0 WHERE id = ?", accountID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return checkAffected(result, op, storage.ErrAccountNotFound)
}

func (s *Storage) SaveRefreshToken(ctx context.Context, tokenHash string, accountID int64, expiresAt time.Time) error {
	const op = "storage.sqlite.SaveRefreshToken"
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO refresh_tokens (token_hash, account_id, expires_at) VALUES (?, ?, ?)",
		tokenHash, accountID, expiresAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshToken"
	row := s.db.QueryRowContext(ctx,
		`SELECT token_hash, account_id, created_at, expires_at, used, revoked_at, replaced_by_hash
		 FROM refresh_tokens WHERE token_hash = ?`, tokenHash)

	var token models.RefreshToken
	err := row.Scan(
		&token.TokenHash, &token.AccountID, &token.CreatedAt, &token.ExpiresAt,
		&token.Used, &token.RevokedAt, &token.ReplacedByHash,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrRefreshTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &token, nil
}

// MarkUsed flips the used flag on a still-active token. The WHERE guard makes
// the update a compare-and-swap: of N concurrent rotations with the same
// token, exactly one update matches a row; the rest get
// ErrRefreshTokenNotActive.
func (s *Storage) MarkUsed(ctx context.Context, tokenHash, replacedByHash string) error {
	const op = "storage.sqlite.MarkUsed"
	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET used = 1, replaced_by_hash = ?
		 WHERE token_hash = ? AND used = 0 AND revoked_at IS NULL AND expires_at > ?`,
		replacedByHash, tokenHash, time.Now())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return checkAffected(result, op, storage.ErrRefreshTokenNotActive)
}

// Revoke moves an active token to the terminal Revoked state. Expired tokens
// are terminal already and stay Expired.
func (s *Storage) Revoke(ctx context.Context, tokenHash string) error {
	const op = "storage.sqlite.Revoke"
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ?
		 WHERE token_hash = ? AND used = 0 AND revoked_at IS NULL AND expires_at > ?`,
		now, tokenHash, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return checkAffected(result, op, storage.ErrRefreshTokenNotActive)
}

func checkAffected(result sql.Result, op string, sentinel error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, sentinel)
	}
	return nil
}
