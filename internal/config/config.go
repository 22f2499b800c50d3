package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	APIPort             string
	StoreBackend        string
	PostgresURL         string
	TemporalEnabled     bool
	TemporalAddress     string
	TemporalTaskQueue   string
	DefaultProviderMode string
	LiveProviderEnabled bool
	LLMProvider         string
	LLMModel            string
	LLMBaseURL          string
	OpenAIAPIKey        string
	HandlerTimeout      time.Duration
	SearchMaxResults    int
	FetchTimeout        time.Duration
	FetchMaxBytes       int64
	ReaderConcurrency   int
	OTELEndpoint        string
	OTELInsecure        bool
	ServiceName         string
	LogLevel            string
	CORSAllowedOrigins  []string
	EventForwardURL     string
}

func Load() Config {
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	llmProvider := strings.ToLower(getEnv("LLM_PROVIDER", "ollama"))
	llmBaseURL := getEnv("LLM_BASE_URL", "")
	if llmBaseURL == "" && llmProvider == "ollama" {
		llmBaseURL = getEnv("OLLAMA_BASE_URL", "http://localhost:11434")
	}
	return Config{
		APIPort:             getEnv("API_PORT", "8000"),
		StoreBackend:        strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
		PostgresURL:         postgresURL,
		TemporalEnabled:     getEnvBool("TEMPORAL_ENABLED", false),
		TemporalAddress:     getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue:   getEnv("TEMPORAL_TASK_QUEUE", "inquiryos-pipeline"),
		DefaultProviderMode: strings.ToLower(getEnv("DEFAULT_PROVIDER_MODE", "dummy")),
		LiveProviderEnabled: getEnvBool("LIVE_PROVIDER_ENABLED", false),
		LLMProvider:         llmProvider,
		LLMModel:            getEnv("LLM_MODEL", "llama3"),
		LLMBaseURL:          llmBaseURL,
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		HandlerTimeout:      getEnvDuration("HANDLER_TIMEOUT", 60*time.Second),
		SearchMaxResults:    getEnvInt("SEARCH_MAX_RESULTS", 5),
		FetchTimeout:        getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
		FetchMaxBytes:       int64(getEnvInt("FETCH_MAX_BYTES", 1_000_000)),
		ReaderConcurrency:   getEnvInt("READER_CONCURRENCY", 4),
		OTELEndpoint:        getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         getEnv("OTEL_SERVICE_NAME", "inquiryos"),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		CORSAllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		EventForwardURL:     getEnv("EVENT_FORWARD_URL", ""),
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.StoreBackend != "postgres" && c.StoreBackend != "memory" {
		errs = append(errs, fmt.Errorf("config: STORE_BACKEND must be postgres or memory, got %q", c.StoreBackend))
	}
	if c.StoreBackend == "postgres" && c.PostgresURL == "" {
		errs = append(errs, errors.New("config: POSTGRES_URL is required for the postgres backend"))
	}
	if c.DefaultProviderMode != "dummy" && c.DefaultProviderMode != "live" {
		errs = append(errs, fmt.Errorf("config: DEFAULT_PROVIDER_MODE must be dummy or live, got %q", c.DefaultProviderMode))
	}
	if c.DefaultProviderMode == "live" && !c.LiveProviderEnabled {
		errs = append(errs, errors.New("config: DEFAULT_PROVIDER_MODE=live requires LIVE_PROVIDER_ENABLED"))
	}
	if c.HandlerTimeout <= 0 {
		errs = append(errs, errors.New("config: HANDLER_TIMEOUT must be positive"))
	}
	if c.SearchMaxResults <= 0 {
		errs = append(errs, errors.New("config: SEARCH_MAX_RESULTS must be positive"))
	}
	if c.ReaderConcurrency <= 0 {
		errs = append(errs, errors.New("config: READER_CONCURRENCY must be positive"))
	}
	if c.FetchMaxBytes <= 0 {
		errs = append(errs, errors.New("config: FETCH_MAX_BYTES must be positive"))
	}
	if c.TemporalEnabled && c.TemporalTaskQueue == "" {
		errs = append(errs, errors.New("config: TEMPORAL_TASK_QUEUE is required when Temporal is enabled"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

func splitList(value string) []string {
	items := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "inquiryos")
	password := getEnv("POSTGRES_PASSWORD", "inquiryos")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "inquiryos")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
