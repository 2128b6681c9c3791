// Package config loads crewbot settings from CREWBOT_* environment variables,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Debug       bool   `envconfig:"DEBUG" default:"false"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`

	// Retrieval store. DatabaseURL is optional: without it (and without the
	// sqlite driver) the bot runs on canned answers only.
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"crewbot.db"`
	MaxConns    int32  `envconfig:"DB_MAX_CONNS" default:"10"`

	OpenAIAPIKey    string  `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL   string  `envconfig:"OPENAI_BASE_URL"`
	EmbeddingModel  string  `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDims   int     `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`
	EmbedRatePerSec float64 `envconfig:"EMBED_RATE_PER_SECOND" default:"0"`
	EmbedBurst      int     `envconfig:"EMBED_BURST" default:"5"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"crewbot-docs"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	// Periodic re-ingestion from the S3 bucket. Entries are "owner" or
	// "owner:prefix"; a zero interval disables the sync worker.
	SyncTargets  []string      `envconfig:"SYNC_TARGETS"`
	SyncInterval time.Duration `envconfig:"SYNC_INTERVAL" default:"0"`

	// Deadlines. ReplyWindow must stay under the channel provider's webhook timeout.
	ReplyWindow      time.Duration `envconfig:"REPLY_WINDOW" default:"8s"`
	RetrievalTimeout time.Duration `envconfig:"RETRIEVAL_TIMEOUT" default:"5s"`
	EmbedTimeout     time.Duration `envconfig:"EMBED_TIMEOUT" default:"2500ms"`
	StoreTimeout     time.Duration `envconfig:"STORE_TIMEOUT" default:"2s"`
	RetrievalK       int           `envconfig:"RETRIEVAL_K" default:"8"`

	LoaderInitTimeout   time.Duration `envconfig:"LOADER_INIT_TIMEOUT" default:"5s"`
	LoaderRetryCooldown time.Duration `envconfig:"LOADER_RETRY_COOLDOWN" default:"1m"`
	LoaderMaxAttempts   int           `envconfig:"LOADER_MAX_ATTEMPTS" default:"3"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("CREWBOT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: must be %s or %s", c.StoreDriver, StorePostgres, StoreSQLite)
	}
	if c.ReplyWindow <= 0 {
		return fmt.Errorf("REPLY_WINDOW must be positive")
	}
	if c.RetrievalTimeout >= c.ReplyWindow {
		return fmt.Errorf("RETRIEVAL_TIMEOUT (%s) must be shorter than REPLY_WINDOW (%s)", c.RetrievalTimeout, c.ReplyWindow)
	}
	return nil
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

// SyncEnabled reports whether serve should run the document sync worker.
func (c *Config) SyncEnabled() bool {
	return c.SyncInterval > 0 && len(c.SyncTargets) > 0 && c.HasS3()
}

func (c *Config) UsesSQLite() bool {
	return c.StoreDriver == StoreSQLite
}

// HasStore reports whether a retrieval store is configured at all.
func (c *Config) HasStore() bool {
	if c.UsesSQLite() {
		return c.SQLitePath != ""
	}
	return c.DatabaseURL != ""
}
