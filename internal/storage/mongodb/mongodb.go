package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokend/internal/domain/models"
	"tokend/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	accounts *mongo.Collection
	counters *mongo.Collection
	tokens   *mongo.Collection
}

type accountDoc struct {
	ID        int64     `bson:"_id"`
	Email     string    `bson:"email"`
	PassHash  []byte    `bson:"pass_hash"`
	Role      string    `bson:"role"`
	Active    bool      `bson:"active"`
	CreatedAt time.Time `bson:"created_at"`
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

type refreshTokenDoc struct {
	TokenHash      string     `bson:"token_hash"`
	AccountID      int64      `bson:"account_id"`
	CreatedAt      time.Time  `bson:"created_at"`
	ExpiresAt      time.Time  `bson:"expires_at"`
	Used           bool       `bson:"used"`
	RevokedAt      *time.Time `bson:"revoked_at,omitempty"`
	ReplacedByHash *string    `bson:"replaced_by_hash,omitempty"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		accounts: db.Collection("accounts"),
		counters: db.Collection("counters"),
		tokens:   db.Collection("refresh_tokens"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	// accounts.email unique
	_, err := s.accounts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("accounts.email index: %w", err)
	}

	// refresh_tokens.token_hash unique
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.token_hash index: %w", err)
	}

	// refresh_tokens.expires_at TTL index (auto-delete expired tokens)
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.expires_at TTL index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextID atomically increments and returns the next ID for a given collection.
func (s *Storage) nextID(ctx context.Context, collectionName string) (int64, error) {
	filter := bson.D{{Key: "_id", Value: collectionName}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter counterDoc
	err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

// SaveAccount saves a new account and returns the generated ID.
func (s *Storage) SaveAccount(ctx context.Context, email string, passHash []byte, role string) (int64, error) {
	const op = "storage.mongodb.SaveAccount"

	id, err := s.nextID(ctx, "accounts")
	if err != nil {
		return 0, fmt.Errorf("%s: nextID: %w", op, err)
	}

	doc := accountDoc{
		ID:        id,
		Email:     email,
		PassHash:  passHash,
		Role:      role,
		Active:    true,
		CreatedAt: time.Now(),
	}

	_, err = s.accounts.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrAccountAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

// Account retrieves an account by email.
func (s *Storage) Account(ctx context.Context, email string) (*models.Account, error) {
	const op = "storage.mongodb.Account"
	return s.findAccount(ctx, bson.D{{Key: "email", Value: email}}, op)
}

// AccountByID retrieves an account by ID.
func (s *Storage) AccountByID(ctx context.Context, accountID int64) (*models.Account, error) {
	const op = "storage.mongodb.AccountByID"
	return s.findAccount(ctx, bson.D{{Key: "_id", Value: accountID}}, op)
}

func (s *Storage) findAccount(ctx context.Context, filter bson.D, op string) (*models.Account, error) {
	var doc accountDoc
	err := s.accounts.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.Account{
		ID:       doc.ID,
		Email:    doc.Email,
		PassHash: doc.PassHash,
		Role:     doc.Role,
		Active:   doc.Active,
	}, nil
}

// SetRole updates the role label of an account.
func (s *Storage) SetRole(ctx context.Context, accountID int64, role string) error {
	const op = "storage.mongodb.SetRole"
	return s.updateAccount(ctx, accountID, bson.D{{Key: "role", Value: role}}, op)
}

// Deactivate soft-deletes an account; documents are never removed.
func (s *Storage) Deactivate(ctx context.Context, accountID int64) error {
	const op = "storage.mongodb.Deactivate"
	return s.updateAccount(ctx, accountID, bson.D{{Key: "active", Value: false}}, op)
}

func (s *Storage) updateAccount(ctx context.Context, accountID int64, set bson.D, op string) error {
	result, err := s.accounts.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: accountID}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	return nil
}

// SaveRefreshToken stores a new refresh token hash.
func (s *Storage) SaveRefreshToken(ctx context.Context, tokenHash string, accountID int64, expiresAt time.Time) error {
	const op = "storage.mongodb.SaveRefreshToken"

	doc := refreshTokenDoc{
		TokenHash: tokenHash,
		AccountID: accountID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}

	_, err := s.tokens.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshToken retrieves a refresh token by its hash.
func (s *Storage) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshToken"

	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrRefreshTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.RefreshToken{
		TokenHash:      doc.TokenHash,
		AccountID:      doc.AccountID,
		CreatedAt:      doc.CreatedAt,
		ExpiresAt:      doc.ExpiresAt,
		Used:           doc.Used,
		RevokedAt:      doc.RevokedAt,
		ReplacedByHash: doc.ReplacedByHash,
	}, nil
}

// MarkUsed flips the used flag on a still-active token. The filter carries
// the guard, so the FindOneAndUpdate is a single-document compare-and-swap:
// concurrent rotations with the same token see exactly one winner.
func (s *Storage) MarkUsed(ctx context.Context, tokenHash, replacedByHash string) error {
	const op = "storage.mongodb.MarkUsed"

	filter := bson.D{
		{Key: "token_hash", Value: tokenHash},
		{Key: "used", Value: false},
		{Key: "revoked_at", Value: nil},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: time.Now()}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "used", Value: true},
		{Key: "replaced_by_hash", Value: replacedByHash},
	}}}

	err := s.tokens.FindOneAndUpdate(ctx, filter, update).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%s: %w", op, storage.ErrRefreshTokenNotActive)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Revoke moves an active token to the terminal Revoked state. Expired tokens
// are terminal already and stay Expired.
func (s *Storage) Revoke(ctx context.Context, tokenHash string) error {
	const op = "storage.mongodb.Revoke"

	now := time.Now()
	filter := bson.D{
		{Key: "token_hash", Value: tokenHash},
		{Key: "used", Value: false},
		{Key: "revoked_at", Value: nil},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "revoked_at", Value: now},
	}}}

	err := s.tokens.FindOneAndUpdate(ctx, filter, update).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%s: %w", op, storage.ErrRefreshTokenNotActive)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// SeedAccount inserts an account with a fixed ID if it doesn't exist (for dev/test).
func (s *Storage) SeedAccount(ctx context.Context, id int64, email string, passHash []byte, role string) error {
	const op = "storage.mongodb.SeedAccount"

	doc := accountDoc{
		ID:        id,
		Email:     email,
		PassHash:  passHash,
		Role:      role,
		Active:    true,
		CreatedAt: time.Now(),
	}

	_, err := s.accounts.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil // Already exists, skip
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
