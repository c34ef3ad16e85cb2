package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every runtime knob for the analytics core. All values come
// from environment variables; main loads a .env file first in development.
type Config struct {
	Port        string
	DatabaseURL string

	// Token service
	UploadTokenSecret string        // HMAC-SHA256 key, required
	UploadTokenTTL    time.Duration // default token lifetime; issue requests may ask up to 2x

	// Ingestion gates
	MinReportsPerWindow     int           // k-anonymity threshold per bucket
	MaxOutOfOrder           time.Duration // reports older than this at receipt are dropped
	EnableProIngest         bool          // pro-plan LDP ingestion is opt-in
	ShuffleMaxDelay         time.Duration // cap of the uniform random hold
	RateLimitPerMin         int           // generic bucket for unknown plans
	FreeRateLimitPerMin     int
	StandardRateLimitPerMin int
	ProRateLimitPerMin      int

	// Aggregation
	AlphaSmoothing     float64       // Bayesian prior added to RR estimates
	AggregateDPEpsilon float64       // ε for the central (standard plan) Laplace mechanism
	SNRFloor           float64       // minimum estimate/SE to publish an LDP bucket
	LiveWatermark      time.Duration // live window lookback for /aggregate
	ReduceInterval     time.Duration // scheduler tick

	// HTTP surface
	AllowedOrigins string // comma-separated CORS allow-list, empty or * for any
	CSPPolicy      string // Content-Security-Policy header value, empty disables
	AdminToken     string // bearer token for /api/admin/* and /api/collect
}

// Load reads the configuration from the environment. It returns an error for
// missing required values instead of exiting so callers control the failure.
func Load() (*Config, error) {
	secret := os.Getenv("UPLOAD_TOKEN_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("required environment variable UPLOAD_TOKEN_SECRET is not set")
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("required environment variable DATABASE_URL is not set")
	}

	cfg := &Config{
		Port:              envOrDefault("PORT", "8080"),
		DatabaseURL:       dbURL,
		UploadTokenSecret: secret,
		UploadTokenTTL:    time.Duration(envInt("UPLOAD_TOKEN_TTL_SECONDS", 900)) * time.Second,

		MinReportsPerWindow:     envInt("MIN_REPORTS_PER_WINDOW", 40),
		MaxOutOfOrder:           time.Duration(envInt("MAX_OUT_OF_ORDER_SECONDS", 300)) * time.Second,
		EnableProIngest:         envBool("ENABLE_PRO_INGEST", false),
		ShuffleMaxDelay:         time.Duration(envInt("SHUFFLE_MAX_DELAY_SECONDS", 120)) * time.Second,
		RateLimitPerMin:         envInt("RATE_LIMIT_BUCKET_PER_MIN", 200),
		FreeRateLimitPerMin:     envInt("FREE_RATE_LIMIT_BUCKET_PER_MIN", 60),
		StandardRateLimitPerMin: envInt("STANDARD_RATE_LIMIT_BUCKET_PER_MIN", 240),
		ProRateLimitPerMin:      envInt("PRO_RATE_LIMIT_BUCKET_PER_MIN", 480),

		AlphaSmoothing:     envFloat("ALPHA_SMOOTHING", 0.5),
		AggregateDPEpsilon: envFloat("AGGREGATE_DP_EPSILON", 1.0),
		SNRFloor:           envFloat("SNR_FLOOR", 1.5),
		LiveWatermark:      time.Duration(envInt("LIVE_WATERMARK_SECONDS", 120)) * time.Second,
		ReduceInterval:     time.Duration(envInt("REDUCE_INTERVAL_SECONDS", 300)) * time.Second,

		AllowedOrigins: os.Getenv("ALLOWED_ORIGINS"),
		CSPPolicy:      envOrDefault("CSP_POLICY", "default-src 'none'"),
		AdminToken:     os.Getenv("API_AUTH_TOKEN"),
	}

	if cfg.UploadTokenTTL < time.Minute {
		return nil, fmt.Errorf("UPLOAD_TOKEN_TTL_SECONDS must be at least 60, got %s", cfg.UploadTokenTTL)
	}
	if cfg.AggregateDPEpsilon <= 0 {
		return nil, fmt.Errorf("AGGREGATE_DP_EPSILON must be > 0, got %f", cfg.AggregateDPEpsilon)
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
