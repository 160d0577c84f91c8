package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// EnvPrefix is the prefix of every configuration variable
const EnvPrefix = "REGAUDIT"

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Debug       bool   `envconfig:"DEBUG" default:"false"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	DatabaseURL   string        `envconfig:"DATABASE_URL" required:"true"`
	DBMaxConns    int32         `envconfig:"DB_MAX_CONNS" default:"20"`
	DBConnectWait time.Duration `envconfig:"DB_CONNECT_WAIT" default:"30s"`

	OpenAIAPIKey         string  `envconfig:"OPENAI_API_KEY"`
	EmbeddingModel       string  `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions  int     `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`
	EmbeddingBatchSize   int     `envconfig:"EMBEDDING_BATCH_SIZE" default:"64"`
	EmbeddingConcurrency int     `envconfig:"EMBEDDING_CONCURRENCY" default:"4"`
	EmbeddingRatePerSec  float64 `envconfig:"EMBEDDING_RATE_PER_SEC" default:"5"`
	EmbeddingBurst       int     `envconfig:"EMBEDDING_BURST" default:"5"`

	LLMModel             string `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMBaseURL           string `envconfig:"LLM_BASE_URL"`
	ReasoningConcurrency int    `envconfig:"REASONING_CONCURRENCY" default:"4"`

	MatchTopK      int     `envconfig:"MATCH_TOP_K" default:"5"`
	MatchThreshold float64 `envconfig:"MATCH_THRESHOLD" default:"0.35"`

	StageTimeout      time.Duration `envconfig:"STAGE_TIMEOUT" default:"5m"`
	StageMaxAttempts  int           `envconfig:"STAGE_MAX_ATTEMPTS" default:"3"`
	CaseLeaseTTL      time.Duration `envconfig:"CASE_LEASE_TTL" default:"20m"`
	WorkerCount       int           `envconfig:"WORKER_COUNT" default:"4"`
	IndexPollInterval time.Duration `envconfig:"INDEX_POLL_INTERVAL" default:"5s"`

	WebhookSecret  string `envconfig:"WEBHOOK_SECRET"`
	TicketSinkURL  string `envconfig:"TICKET_SINK_URL"`
	TicketPrefix   string `envconfig:"TICKET_PREFIX" default:"REG"`
	TokenizerModel string `envconfig:"TOKENIZER_MODEL"`
	ChunkMaxTokens int    `envconfig:"CHUNK_MAX_TOKENS" default:"512"`
	ChunkMinTokens int    `envconfig:"CHUNK_MIN_TOKENS" default:"32"`

	RegulationsFile string `envconfig:"REGULATIONS_FILE"`

	S3Endpoint     string        `envconfig:"S3_ENDPOINT"`
	S3AccessKey    string        `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey    string        `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket       string        `envconfig:"S3_BUCKET" default:"regaudit-reports"`
	S3Region       string        `envconfig:"S3_REGION" default:"us-east-1"`
	S3UsePathStyle bool          `envconfig:"S3_USE_PATH_STYLE" default:"true"`
	S3LinkExpiry   time.Duration `envconfig:"S3_LINK_EXPIRY" default:"1h"`

	SentryDSN string `envconfig:"SENTRY_DSN"`
}

func Load() (*Config, error) {
	// a missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("config: .env not loaded")
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.MatchThreshold < 0 || c.MatchThreshold > 2:
		return fmt.Errorf("%s_MATCH_THRESHOLD must be a cosine distance in [0, 2], got %v", EnvPrefix, c.MatchThreshold)
	case c.ChunkMinTokens >= c.ChunkMaxTokens:
		return fmt.Errorf("%s_CHUNK_MIN_TOKENS must be below %s_CHUNK_MAX_TOKENS", EnvPrefix, EnvPrefix)
	case c.StageMaxAttempts < 1:
		return fmt.Errorf("%s_STAGE_MAX_ATTEMPTS must be at least 1", EnvPrefix)
	case c.LogFormat != "json" && c.LogFormat != "console":
		return fmt.Errorf("%s_LOG_FORMAT must be json or console, got %q", EnvPrefix, c.LogFormat)
	}
	return nil
}

func (c *Config) HasS3() bool {
	return c.S3Bucket != "" && (c.S3Endpoint != "" || c.S3AccessKey != "")
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

func (c *Config) HasTicketSink() bool {
	return c.TicketSinkURL != ""
}
