package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers accepted in DB_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	LogLevel    string
	Host        string
	Port        string
	DBDriver    string
	DatabaseURL string
	SQLitePath  string
	StoragePath string

	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string

	WorkerConcurrency  int
	DispatchInterval   time.Duration
	AutoRetry          bool
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RetryMaxAttempts   int
	RetrySweepInterval time.Duration
	ProviderTimeout    time.Duration
	LocalTranslateURL  string
	GoogleTranslateURL string
	DeepLAPIKey        string
	DeepLBaseURL       string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIModel        string
	OllamaBaseURL      string
	LLMDefaultModel    string
	TokenizerEncoding  string
	ChunkSizeTablePath string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		Host:        os.Getenv("HOST"),
		Port:        getEnv("PORT", "8080"),
		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "doctranslate.db"),
		StoragePath: getEnv("STORAGE_PATH", "./data"),

		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),

		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 4),
		DispatchInterval:   time.Millisecond * time.Duration(getEnvInt("DISPATCH_INTERVAL_MS", 500)),
		AutoRetry:          getEnvBool("AUTO_RETRY", true),
		RetryBaseDelay:     time.Second * time.Duration(getEnvInt("RETRY_BASE_DELAY_SECONDS", 30)),
		RetryMaxDelay:      time.Second * time.Duration(getEnvInt("RETRY_MAX_DELAY_SECONDS", 1800)),
		RetryMaxAttempts:   getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetrySweepInterval: time.Second * time.Duration(getEnvInt("RETRY_SWEEP_INTERVAL_SECONDS", 15)),
		ProviderTimeout:    time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 60)),
		LocalTranslateURL:  getEnv("LOCAL_TRANSLATE_URL", "http://localhost:5000"),
		GoogleTranslateURL: getEnv("GOOGLE_TRANSLATE_URL", "https://translate.googleapis.com"),
		DeepLAPIKey:        os.Getenv("DEEPL_API_KEY"),
		DeepLBaseURL:       os.Getenv("DEEPL_BASE_URL"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OllamaBaseURL:      getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		LLMDefaultModel:    getEnv("LLM_DEFAULT_MODEL", "qwen2.5:7b"),
		TokenizerEncoding:  getEnv("TOKENIZER_ENCODING", "cl100k_base"),
		ChunkSizeTablePath: os.Getenv("CHUNK_SIZE_TABLE"),
	}

	switch cfg.DBDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case DriverSQLite, DriverMemory:
	default:
		return nil, fmt.Errorf("DB_DRIVER must be postgres, sqlite or memory, got %q", cfg.DBDriver)
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.RetryMaxAttempts < 0 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must not be negative")
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return nil, fmt.Errorf("RETRY_MAX_DELAY_SECONDS must be at least RETRY_BASE_DELAY_SECONDS")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
