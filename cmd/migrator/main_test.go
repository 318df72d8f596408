package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"tokend/internal/domain/models"
	sqlitestorage "tokend/internal/storage/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name        string
		storageType string
		command     string
		seedAdmin   string
		wantErr     bool
	}{
		{"sqlite up", "sqlite", "up", "", false},
		{"sqlite up with seed", "sqlite", "up", "admin@example.com:secret", false},
		{"sqlite down", "sqlite", "down", "", false},
		{"seed with down", "sqlite", "down", "admin@example.com:secret", true},
		{"seed with version", "sqlite", "version", "admin@example.com:secret", true},
		{"mongo up with seed", "mongo", "up", "admin@example.com:secret", false},
		{"mongo down", "mongo", "down", "", true},
		{"mongo version", "mongo", "version", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFlags(tt.storageType, tt.command, tt.seedAdmin)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSeedCredentials(t *testing.T) {
	email, passHash, err := seedCredentials("admin@example.com:s3cret")
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", email)
	require.NoError(t, bcrypt.CompareHashAndPassword(passHash, []byte("s3cret")))

	for _, spec := range []string{"", "no-colon", ":password", "email:"} {
		_, _, err := seedCredentials(spec)
		require.Error(t, err, "spec %q", spec)
	}
}

func TestSeedAdminSqlite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrator_test.db")

	schema, err := os.ReadFile("../../migrations/000001_init.up.sql")
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, seedAdminSqlite(path, "admin@example.com:secret"))

	// Seeding again is a no-op, not an error.
	require.NoError(t, seedAdminSqlite(path, "admin@example.com:other"))

	store, err := sqlitestorage.New(path)
	require.NoError(t, err)
	defer store.Close()

	account, err := store.Account(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, account.Role)
	assert.True(t, account.Active)
	require.NoError(t, bcrypt.CompareHashAndPassword(account.PassHash, []byte("secret")))
}
