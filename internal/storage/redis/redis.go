// Package redis implements the refresh-token store on Redis. Accounts stay in
// sqlite or mongodb; this backend only holds rotation state, with key TTLs
// matching token expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tokend/internal/domain/models"
	"tokend/internal/storage"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "refresh:"

type Storage struct {
	rdb *redis.Client
}

type tokenRecord struct {
	AccountID      int64      `json:"account_id"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Used           bool       `json:"used"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	ReplacedByHash *string    `json:"replaced_by_hash,omitempty"`
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Storage, error) {
	const op = "storage.redis.New"

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return &Storage{rdb: rdb}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client) *Storage {
	return &Storage{rdb: rdb}
}

func (s *Storage) Close() error {
	return s.rdb.Close()
}

func (s *Storage) SaveRefreshToken(ctx context.Context, tokenHash string, accountID int64, expiresAt time.Time) error {
	const op = "storage.redis.SaveRefreshToken"

	rec := tokenRecord{
		AccountID: accountID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("%s: token already expired", op)
	}

	if err := s.rdb.Set(ctx, keyPrefix+tokenHash, data, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.redis.RefreshToken"

	data, err := s.rdb.Get(ctx, keyPrefix+tokenHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrRefreshTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var rec tokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.RefreshToken{
		TokenHash:      tokenHash,
		AccountID:      rec.AccountID,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		Used:           rec.Used,
		RevokedAt:      rec.RevokedAt,
		ReplacedByHash: rec.ReplacedByHash,
	}, nil
}

// MarkUsed flips the used flag inside an optimistic WATCH transaction. A
// concurrent write to the key between read and commit aborts the transaction,
// so exactly one of N concurrent rotations commits.
func (s *Storage) MarkUsed(ctx context.Context, tokenHash, replacedByHash string) error {
	const op = "storage.redis.MarkUsed"

	err := s.mutateActive(ctx, tokenHash, func(rec *tokenRecord) {
		rec.Used = true
		rec.ReplacedByHash = &replacedByHash
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Revoke moves an active token to the terminal Revoked state.
func (s *Storage) Revoke(ctx context.Context, tokenHash string) error {
	const op = "storage.redis.Revoke"

	err := s.mutateActive(ctx, tokenHash, func(rec *tokenRecord) {
		now := time.Now()
		rec.RevokedAt = &now
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) mutateActive(ctx context.Context, tokenHash string, mutate func(*tokenRecord)) error {
	key := keyPrefix + tokenHash

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return storage.ErrRefreshTokenNotFound
			}
			return err
		}

		var rec tokenRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Used || rec.RevokedAt != nil || !time.Now().Before(rec.ExpiresAt) {
			return storage.ErrRefreshTokenNotActive
		}

		mutate(&rec)

		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		// Keep the original expiry; terminal records age out with the key.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Lost the race: another rotation committed first.
		return storage.ErrRefreshTokenNotActive
	}
	return err
}
