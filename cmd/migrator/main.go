package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"tokend/internal/config"
	"tokend/internal/domain/models"
	"tokend/internal/storage"
	mongostorage "tokend/internal/storage/mongodb"
	sqlitestorage "tokend/internal/storage/sqlite"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// seedAdminID is the fixed account ID used when seeding the admin into mongo,
// where IDs are assigned by the application rather than the database.
const seedAdminID = 1

func main() {
	var configPath, command, migrationsDir, seedAdmin string
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.StringVar(&command, "command", "up", "migration command: up, down, version")
	flag.StringVar(&migrationsDir, "migrations", "./migrations", "path to migrations directory")
	flag.StringVar(&seedAdmin, "seed-admin", "", "seed an admin account, format email:password (only with -command up)")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	cfg := config.LoadConfig(configPath)

	if err := validateFlags(cfg.Storage.Type, command, seedAdmin); err != nil {
		log.Fatal(err)
	}

	switch cfg.Storage.Type {
	case "sqlite":
		runSqlite(cfg, command, migrationsDir)
		if seedAdmin != "" {
			if err := seedAdminSqlite(cfg.Storage.Path, seedAdmin); err != nil {
				log.Fatalf("failed to seed admin account: %v", err)
			}
			fmt.Println("admin account seeded")
		}
	case "mongo":
		if err := setupMongo(cfg, seedAdmin); err != nil {
			log.Fatalf("mongo setup failed: %v", err)
		}
	default:
		log.Fatalf("unknown storage type: %s", cfg.Storage.Type)
	}
}

// validateFlags rejects flag combinations before any storage is touched.
// Seeding only makes sense on a schema that exists, so it is tied to "up";
// mongo has no versioned migrations, its "up" creates indexes on connect.
func validateFlags(storageType, command, seedAdmin string) error {
	if seedAdmin != "" && command != "up" {
		return fmt.Errorf("-seed-admin only applies with -command up, got %q", command)
	}
	if storageType == "mongo" && command != "up" {
		return fmt.Errorf("mongo storage supports only -command up, got %q", command)
	}
	return nil
}

func runSqlite(cfg *config.Config, command, migrationsDir string) {
	switch command {
	case "up":
		if err := runMigration(migrationsDir, cfg.Storage.Path, true); err != nil {
			log.Fatalf("migration up failed: %v", err)
		}
		fmt.Println("migrations applied successfully")
	case "down":
		if err := runMigration(migrationsDir, cfg.Storage.Path, false); err != nil {
			log.Fatalf("migration down failed: %v", err)
		}
		fmt.Println("migrations rolled back successfully")
	case "version":
		v, dirty, err := migrationVersion(migrationsDir, cfg.Storage.Path)
		if err != nil {
			log.Fatalf("failed to get version: %v", err)
		}
		if dirty {
			fmt.Printf("database is in a dirty state (version %d)\n", v)
			os.Exit(1)
		}
		fmt.Printf("current migration version: %d\n", v)
	default:
		log.Fatalf("unknown command: %s (supported: up, down, version)", command)
	}
}

// setupMongo connects (which creates the collections and indexes) and
// optionally seeds the admin account.
func setupMongo(cfg *config.Config, seedAdmin string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := mongostorage.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return err
	}
	defer store.Close(ctx)

	fmt.Println("mongodb connected, indexes ensured")

	if seedAdmin == "" {
		return nil
	}

	email, passHash, err := seedCredentials(seedAdmin)
	if err != nil {
		return err
	}

	if err := store.SeedAccount(ctx, seedAdminID, email, passHash, models.RoleAdmin); err != nil {
		return err
	}
	fmt.Println("admin account seeded")
	return nil
}

func runMigration(migrationsDir, storagePath string, up bool) error {
	m, db, err := newMigrate(migrationsDir, storagePath)
	if err != nil {
		return err
	}
	defer db.Close()

	if up {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func migrationVersion(migrationsDir, storagePath string) (uint, bool, error) {
	m, db, err := newMigrate(migrationsDir, storagePath)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func newMigrate(migrationsDir, storagePath string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "sqlite3", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	return m, db, nil
}

// seedCredentials parses an email:password spec and hashes the password.
func seedCredentials(spec string) (string, []byte, error) {
	email, password, ok := strings.Cut(spec, ":")
	if !ok || email == "" || password == "" {
		return "", nil, errors.New("seed-admin expects email:password")
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, err
	}
	return email, passHash, nil
}

func seedAdminSqlite(storagePath, spec string) error {
	email, passHash, err := seedCredentials(spec)
	if err != nil {
		return err
	}

	store, err := sqlitestorage.New(storagePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = store.SaveAccount(ctx, email, passHash, models.RoleAdmin)
	if errors.Is(err, storage.ErrAccountAlreadyExists) {
		return nil // already seeded
	}
	return err
}
