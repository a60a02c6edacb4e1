package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings holds process-level configuration loaded from the environment.
type Settings struct {
	Addr       string `env:"FEED_ADDR" envDefault:":8080"`
	RulesPath  string `env:"FEED_RULES_PATH"`
	Store      string `env:"FEED_STORE" envDefault:"sqlite"`
	SQLitePath string `env:"FEED_SQLITE_PATH" envDefault:"./data/activity.db"`

	MongoURI string `env:"FEED_MONGO_URI"`
	MongoDB  string `env:"FEED_MONGO_DB" envDefault:"activity"`

	// Optional shared tier for actor attributes.
	RedisURL    string        `env:"FEED_REDIS_URL"`
	RedisPrefix string        `env:"FEED_REDIS_PREFIX" envDefault:"feed:attr:"`
	AttrTTL     time.Duration `env:"FEED_ATTR_TTL" envDefault:"10m"`

	LogLevel  string `env:"FEED_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FEED_LOG_FORMAT" envDefault:"text"`
	Tracing   bool   `env:"FEED_TRACING" envDefault:"false"`
}

// LoadSettings reads an optional .env file and then the environment.
func LoadSettings(dotenv string) (*Settings, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	s := &Settings{}
	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	switch s.Store {
	case "sqlite":
	case "mongo":
		if s.MongoURI == "" {
			return nil, fmt.Errorf("FEED_MONGO_URI is required when FEED_STORE=mongo")
		}
	default:
		return nil, fmt.Errorf("FEED_STORE must be sqlite or mongo, got %q", s.Store)
	}
	return s, nil
}

// UseRedis reports whether the shared attribute tier is configured.
func (s Settings) UseRedis() bool {
	return s.RedisURL != ""
}

// SlogLevel maps LogLevel onto slog.
func (s Settings) SlogLevel() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
