package config

import (
	"time"

	iconfig "github.com/maidworks/maid/shared/config"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	LLM      LLMConfig
	Memory   MemoryConfig
	Otel     OtelConfig
}

type ServerConfig struct {
	Host             string
	Port             int
	AllowedOrigins   []string
	AllowEmptyOrigin bool
	ConnectionKeyTTL time.Duration
	ShutdownTimeout  time.Duration
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	// BaseURL of the external auth service that validates bearer tokens.
	BaseURL string
	// Origin header sent along with session lookups.
	Origin string
}

type LLMConfig struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	UtilityModel   string
	EmbeddingModel string
	EmbeddingDim   int
}

type MemoryConfig struct {
	DebounceDelay     time.Duration
	QueueAttempts     int
	Threshold         float64
	TopK              int
	ExtractionRetries int
}

type OtelConfig struct {
	Enabled     bool
	Environment string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             iconfig.GetEnv("HOST", "0.0.0.0"),
			Port:             iconfig.GetEnvInt("PORT", 8080),
			AllowedOrigins:   iconfig.GetEnvSlice("ALLOWED_ORIGINS", []string{"*"}),
			AllowEmptyOrigin: iconfig.GetEnvBool("ALLOW_EMPTY_ORIGIN", true),
			ConnectionKeyTTL: iconfig.GetEnvMillis("WS_CONNECTION_KEY_TTL_MS", 60*time.Second),
			ShutdownTimeout:  iconfig.GetEnvMillis("APP_SHUTDOWN_TIMEOUT_MS", 10*time.Second),
		},
		Database: DatabaseConfig{
			URL: iconfig.GetEnv("DATABASE_URL", "postgres://localhost:5432/maid?sslmode=disable"),
		},
		Redis: RedisConfig{
			URL: iconfig.GetEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Auth: AuthConfig{
			BaseURL: iconfig.GetEnv("BETTER_AUTH_URL", ""),
			Origin:  iconfig.GetEnv("AUTH_ORIGIN", ""),
		},
		LLM: LLMConfig{
			BaseURL:        iconfig.GetEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:         iconfig.GetEnv("OPENAI_API_KEY", ""),
			ChatModel:      iconfig.GetEnv("CHAT_MODEL", "gpt-4o-mini"),
			UtilityModel:   iconfig.GetEnv("UTILITY_MODEL", "gpt-4o-mini"),
			EmbeddingModel: iconfig.GetEnv("EMBEDDING_MODEL", "text-embedding-3-large"),
			EmbeddingDim:   iconfig.GetEnvInt("EMBEDDING_DIM", 1024),
		},
		Memory: MemoryConfig{
			DebounceDelay:     iconfig.GetEnvMillis("MEMORY_QUEUE_DEBOUNCE_DELAY_MS", 3*time.Second),
			QueueAttempts:     iconfig.GetEnvInt("MEMORY_QUEUE_ATTEMPTS", 3),
			Threshold:         iconfig.GetEnvFloat("MEMORY_EXTRACTION_THRESHOLD", 0.7),
			TopK:              iconfig.GetEnvInt("MEMORY_EXTRACTION_TOP_K", 5),
			ExtractionRetries: iconfig.GetEnvInt("MEMORY_EXTRACTION_RETRIES", 3),
		},
		Otel: OtelConfig{
			Enabled:     iconfig.GetEnvBool("OTEL_TRACES_ENABLED", false),
			Environment: iconfig.GetEnv("ENVIRONMENT", "development"),
		},
	}
}
