package app

import (
	"context"
	"log/slog"
	"time"

	"tokend/internal/app/httpapp"
	"tokend/internal/config"
	authtransport "tokend/internal/httpserver/auth"
	"tokend/internal/lib/jwt"
	"tokend/internal/services/auth"
	"tokend/internal/storage/mongodb"
	"tokend/internal/storage/redis"
	"tokend/internal/storage/sqlite"
)

type App struct {
	HTTPSrv *httpapp.App
}

// accountStorage is the account surface every primary backend provides.
type accountStorage interface {
	auth.AccountSaver
	auth.AccountProvider
	auth.AccountUpdater
}

func New(
	logger *slog.Logger,
	cfg *config.Config,
) *App {
	var accounts accountStorage
	var tokenStore auth.RefreshTokenStore

	switch cfg.Storage.Type {
	case "sqlite":
		storage, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			panic(err)
		}
		accounts = storage
		tokenStore = storage
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		storage, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			panic(err)
		}
		accounts = storage
		tokenStore = storage
	default:
		panic("unknown storage type: " + cfg.Storage.Type)
	}

	// Optional: keep rotation state in Redis instead of the primary store.
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := redis.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			panic(err)
		}
		tokenStore = store
	}

	// A missing signing key aborts startup; it is never retried.
	tokenManager, err := jwt.NewManager(jwt.Config{
		Secret:    []byte(cfg.Tokens.Secret),
		Issuer:    cfg.Tokens.Issuer,
		Audience:  cfg.Tokens.Audience,
		AccessTTL: cfg.Tokens.AccessTTL,
	})
	if err != nil {
		panic(err)
	}

	authService := auth.New(
		logger,
		accounts,
		accounts,
		accounts,
		tokenStore,
		tokenManager,
		cfg.Tokens.RefreshTTL,
		cfg.Tokens.RefreshPepper,
	)

	router := authtransport.NewRouter(logger, authService)
	httpApp := httpapp.New(logger, router, cfg.HTTP.Port, cfg.HTTP.Timeout)

	return &App{
		HTTPSrv: httpApp,
	}
}
