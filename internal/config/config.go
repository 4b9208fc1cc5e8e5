package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultMaxJobs       = 2
	defaultJobTimeoutS   = 3600
	defaultMaxDatasetMB  = 5
	defaultRatePerMinute = 5
	defaultQueueCapacity = 1024
	defaultIdempotencyS  = 600
	defaultRunRetentionS = 86400
	defaultWorkDir       = "/tmp/traind"
	defaultCleanupEveryS = 3600
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr          string
	GatewaySharedSecret string
	AllowOrigins        []string

	MaxConcurrentJobs  int
	JobTimeout         time.Duration
	MaxDatasetSizeMB   int
	RateLimitPerMinute int
	QueueCapacity      int
	IdempotencyTTL     time.Duration
	RunRetention       time.Duration
	CleanupInterval    time.Duration

	WorkDir     string
	ArtifactDir string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	LogLevel slog.Level
	LogFile  string
}

// Load reads configuration from TRAIND_* environment variables with sensible
// defaults. The gateway shared secret is the one required value: without it
// no request signature can ever verify.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:          getEnv("TRAIND_LISTEN_ADDR", defaultListenAddr),
		GatewaySharedSecret: os.Getenv("TRAIND_GATEWAY_SHARED_SECRET"),
		MaxConcurrentJobs:   getEnvInt("TRAIND_MAX_CONCURRENT_JOBS", defaultMaxJobs),
		JobTimeout:          getEnvSeconds("TRAIND_JOB_TIMEOUT_SECONDS", defaultJobTimeoutS),
		MaxDatasetSizeMB:    getEnvInt("TRAIND_MAX_DATASET_SIZE_MB", defaultMaxDatasetMB),
		RateLimitPerMinute:  getEnvInt("TRAIND_RATE_LIMIT_PER_MINUTE", defaultRatePerMinute),
		QueueCapacity:       getEnvInt("TRAIND_QUEUE_CAPACITY", defaultQueueCapacity),
		IdempotencyTTL:      getEnvSeconds("TRAIND_IDEMPOTENCY_TTL_SECONDS", defaultIdempotencyS),
		RunRetention:        getEnvSeconds("TRAIND_RUN_RETENTION_SECONDS", defaultRunRetentionS),
		CleanupInterval:     getEnvSeconds("TRAIND_CLEANUP_INTERVAL_SECONDS", defaultCleanupEveryS),
		WorkDir:             getEnv("TRAIND_WORK_DIR", defaultWorkDir),
		ArtifactDir:         getEnv("TRAIND_ARTIFACT_DIR", ""),
		MinIOEndpoint:       os.Getenv("TRAIND_MINIO_ENDPOINT"),
		MinIOAccessKey:      os.Getenv("TRAIND_MINIO_ACCESS_KEY"),
		MinIOSecretKey:      os.Getenv("TRAIND_MINIO_SECRET_KEY"),
		MinIOBucket:         getEnv("TRAIND_MINIO_BUCKET", "traind-artifacts"),
		MinIOUseSSL:         os.Getenv("TRAIND_MINIO_USE_SSL") == "true",
		LogLevel:            parseLogLevel(os.Getenv("TRAIND_LOG_LEVEL")),
		LogFile:             os.Getenv("TRAIND_LOG_FILE"),
	}

	if v := os.Getenv("TRAIND_ALLOW_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			cfg.AllowOrigins = append(cfg.AllowOrigins, strings.TrimSpace(origin))
		}
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = cfg.WorkDir + "/artifacts"
	}

	if cfg.GatewaySharedSecret == "" {
		return Config{}, errors.New("TRAIND_GATEWAY_SHARED_SECRET is required for HMAC verification")
	}

	return cfg, nil
}

// MinIOEnabled reports whether object storage is configured; otherwise
// artifacts are published to the local filesystem.
func (c Config) MinIOEnabled() bool {
	return c.MinIOEndpoint != "" && c.MinIOAccessKey != "" && c.MinIOSecretKey != ""
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvSeconds(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvInt(key, defaultVal)) * time.Second
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
