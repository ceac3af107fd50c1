package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the application configuration.
var Module = fx.Provide(Load)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StorageDir string

	Worker    WorkerConfig
	Provider  ProviderConfig
	RateLimit RateLimitConfig
}

// RateLimitConfig tunes the per-account message submission bucket.
type RateLimitConfig struct {
	MessageRate  float64
	MessageBurst int
}

// WorkerConfig tunes the background worker pool and pipeline behavior.
type WorkerConfig struct {
	Concurrency        int
	MaxRetry           int
	QuotaRetryDelay    time.Duration
	PollInterval       time.Duration
	PollTimeout        time.Duration
	AudioChunkMaxBytes int64
	SceneSeconds       int
}

// ProviderConfig carries credentials for the external AI capabilities.
// A missing credential surfaces as a configuration error at call time,
// never as a silently disabled feature.
type ProviderConfig struct {
	OpenAIBaseURL      string
	OpenAIAPIKey       string
	SpeechmaticsURL    string
	SpeechmaticsAPIKey string
	VideoBaseURL       string
	VideoAPIKey        string
	SearchEndpoint     string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "wisdar"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "wisdar"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		StorageDir: getenv("STORAGE_DIR", "./uploads"),

		Worker: WorkerConfig{
			Concurrency:        getenvInt("WORKER_CONCURRENCY", 10),
			MaxRetry:           getenvInt("WORKER_MAX_RETRY", 3),
			QuotaRetryDelay:    getenvDuration("WORKER_QUOTA_RETRY_DELAY", time.Minute),
			PollInterval:       getenvDuration("WORKER_POLL_INTERVAL", 20*time.Second),
			PollTimeout:        getenvDuration("WORKER_POLL_TIMEOUT", 10*time.Minute),
			AudioChunkMaxBytes: getenvInt64("AUDIO_CHUNK_MAX_BYTES", 25*1024*1024),
			SceneSeconds:       getenvInt("VIDEO_SCENE_SECONDS", 8),
		},
		RateLimit: RateLimitConfig{
			MessageRate:  getenvFloat("MESSAGE_RATE_PER_SECOND", 1),
			MessageBurst: getenvInt("MESSAGE_RATE_BURST", 5),
		},
		Provider: ProviderConfig{
			OpenAIBaseURL:      getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			OpenAIAPIKey:       strings.TrimSpace(getenv("OPENAI_API_KEY", "")),
			SpeechmaticsURL:    getenv("SPEECHMATICS_URL", "https://asr.api.speechmatics.com/v2"),
			SpeechmaticsAPIKey: strings.TrimSpace(getenv("SPEECHMATICS_API_KEY", "")),
			VideoBaseURL:       getenv("VIDEO_API_URL", ""),
			VideoAPIKey:        strings.TrimSpace(getenv("VIDEO_API_KEY", "")),
			SearchEndpoint:     getenv("SEARCH_ENDPOINT", ""),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
