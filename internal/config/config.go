package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	Storage StorageConfig `yaml:"storage"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Redis   RedisConfig   `yaml:"redis"`
	HTTP    HTTPConfig    `yaml:"http"`
	Tokens  TokensConfig  `yaml:"tokens"`
}

type StorageConfig struct {
	Type string `yaml:"type" env-default:"sqlite"`
	Path string `yaml:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RedisConfig is optional; when Addr is set, refresh tokens live in Redis
// instead of the primary store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

type HTTPConfig struct {
	Port    int           `yaml:"port" env-default:"8080"`
	Timeout time.Duration `yaml:"timeout" env-default:"5s"`
}

type TokensConfig struct {
	// Secret is the HS256 signing key. The service refuses to start
	// without it.
	Secret        string        `yaml:"secret" env:"TOKEN_SECRET"`
	Issuer        string        `yaml:"issuer" env-default:"tokend"`
	Audience      string        `yaml:"audience" env-default:"tokend-clients"`
	AccessTTL     time.Duration `yaml:"access_ttl" env-default:"30m"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" env-default:"720h"`
	RefreshPepper string        `yaml:"refresh_pepper" env:"REFRESH_PEPPER"`
}

func LoadConfig(path string) *Config {
	var cfg Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}
