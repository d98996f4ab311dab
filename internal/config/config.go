// Package config assembles the runner configuration from environment
// variables. A .env file is honored for local development; real deployments
// inject the environment through the container definition.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runner configuration.
type Config struct {
	AWSRegion string

	// Queues
	ImageQueueURL     string
	ImageDLQURL       string
	RegionQueueURL    string
	ResultsQueueURL   string // async inference notifications + poller ticks
	ImageVisibility   time.Duration
	RegionVisibility  time.Duration
	QueueWaitTime     time.Duration

	// Tables
	ImageTable         string
	RegionTable        string
	TileTable          string
	RequestedJobsTable string
	FeatureTable       string

	// Status topic
	StatusTopicARN string

	// Scheduler
	MaxJobsLookahead         int
	RetryTime                time.Duration
	MaxRetryAttempts         int
	ThrottlingEnabled        bool
	CapacityTargetPercentage float64
	DefaultHTTPConcurrency   int
	DefaultInstanceConcurrency int
	EndpointCacheTTL         time.Duration
	EndpointCacheSize        int

	// Region/tile processing
	WorkersPerCPU    int
	RegionSize       int
	SelfThrottling   bool
	MaxRegionsPerEndpoint int
	RedisURL         string

	// Async inference
	AsyncBucket     string
	AsyncPrefix     string
	TilePollerDelay time.Duration

	// Observability
	MetricsNamespace string
	HealthAddr       string
}

// Load reads configuration from the environment, applying defaults suitable
// for a single-worker development setup.
func Load() (*Config, error) {
	// Missing .env is fine; environment may be fully populated already.
	_ = godotenv.Load()

	cfg := &Config{
		AWSRegion:                  getEnv("AWS_REGION", "us-west-2"),
		ImageQueueURL:              os.Getenv("IMAGE_QUEUE_URL"),
		ImageDLQURL:                os.Getenv("IMAGE_DLQ_URL"),
		RegionQueueURL:             os.Getenv("REGION_QUEUE_URL"),
		ResultsQueueURL:            os.Getenv("RESULTS_QUEUE_URL"),
		ImageVisibility:            getDuration("IMAGE_VISIBILITY_TIMEOUT", 20*time.Minute),
		RegionVisibility:           getDuration("REGION_VISIBILITY_TIMEOUT", 20*time.Minute),
		QueueWaitTime:              getDuration("QUEUE_WAIT_TIME", 10*time.Second),
		ImageTable:                 getEnv("IMAGE_TABLE", "image-requests"),
		RegionTable:                getEnv("REGION_TABLE", "region-requests"),
		TileTable:                  getEnv("TILE_TABLE", "tile-requests"),
		RequestedJobsTable:         getEnv("REQUESTED_JOBS_TABLE", "requested-jobs"),
		FeatureTable:               getEnv("FEATURE_TABLE", "features"),
		StatusTopicARN:             os.Getenv("STATUS_TOPIC_ARN"),
		MaxJobsLookahead:           getInt("MAX_JOBS_LOOKAHEAD", 50),
		RetryTime:                  getDuration("JOB_RETRY_TIME", 10*time.Minute),
		MaxRetryAttempts:           getInt("MAX_RETRY_ATTEMPTS", 3),
		ThrottlingEnabled:          getBool("THROTTLING_ENABLED", true),
		CapacityTargetPercentage:   getFloat("CAPACITY_TARGET_PERCENTAGE", 1.0),
		DefaultHTTPConcurrency:     getInt("DEFAULT_HTTP_CONCURRENCY", 10),
		DefaultInstanceConcurrency: getInt("DEFAULT_INSTANCE_CONCURRENCY", 2),
		EndpointCacheTTL:           getDuration("ENDPOINT_CACHE_TTL", 5*time.Minute),
		EndpointCacheSize:          getInt("ENDPOINT_CACHE_SIZE", 100),
		WorkersPerCPU:              getInt("WORKERS_PER_CPU", 1),
		RegionSize:                 getInt("REGION_SIZE", 20480),
		SelfThrottling:             getBool("SELF_THROTTLING", true),
		MaxRegionsPerEndpoint:      getInt("MAX_REGIONS_PER_ENDPOINT", 8),
		RedisURL:                   getEnv("REDIS_URL", "redis://localhost:6379"),
		AsyncBucket:                os.Getenv("ASYNC_BUCKET"),
		AsyncPrefix:                getEnv("ASYNC_PREFIX", "async-inference"),
		TilePollerDelay:            getDuration("TILE_POLLER_DELAY", 90*time.Second),
		MetricsNamespace:           getEnv("METRICS_NAMESPACE", "TileFlow"),
		HealthAddr:                 getEnv("HEALTH_ADDR", ":8080"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ImageQueueURL == "" {
		return fmt.Errorf("IMAGE_QUEUE_URL is required")
	}
	if c.RegionQueueURL == "" {
		return fmt.Errorf("REGION_QUEUE_URL is required")
	}
	if c.MaxJobsLookahead <= 0 {
		return fmt.Errorf("MAX_JOBS_LOOKAHEAD must be positive")
	}
	if c.CapacityTargetPercentage <= 0 {
		return fmt.Errorf("CAPACITY_TARGET_PERCENTAGE must be positive")
	}
	if c.RegionSize <= 0 {
		return fmt.Errorf("REGION_SIZE must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are treated as seconds for container-friendly config.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
