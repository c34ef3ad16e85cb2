package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/atnightfa11/marketing-analytics/internal/api"
	"github.com/atnightfa11/marketing-analytics/internal/collector"
	"github.com/atnightfa11/marketing-analytics/internal/config"
	"github.com/atnightfa11/marketing-analytics/internal/metrics"
	"github.com/atnightfa11/marketing-analytics/internal/privacy"
	"github.com/atnightfa11/marketing-analytics/internal/ratelimit"
	"github.com/atnightfa11/marketing-analytics/internal/reduce"
	"github.com/atnightfa11/marketing-analytics/internal/shuffle"
	"github.com/atnightfa11/marketing-analytics/internal/store"
	"github.com/atnightfa11/marketing-analytics/internal/token"
	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

func main() {
	log.Println("Starting analytics core (privacy-preserving ingestion and aggregation)...")

	// All credentials MUST come from environment variables. Use a .env file
	// for local development: cp .env.example .env && edit .env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: %v. Copy .env.example to .env and fill in your values: cp .env.example .env", err)
	}

	st, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: Failed to connect to PostgreSQL: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.InitSchema(ctx); err != nil {
		log.Fatalf("FATAL: DB schema init failed: %v", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	tokens := token.NewService(st, []byte(cfg.UploadTokenSecret), cfg.UploadTokenTTL)

	limiter := ratelimit.NewLimiter(map[string]int{
		models.PlanFree:     cfg.FreeRateLimitPerMin,
		models.PlanStandard: cfg.StandardRateLimitPerMin,
		models.PlanPro:      cfg.ProRateLimitPerMin,
	}, cfg.RateLimitPerMin)
	go limiter.CleanupLoop(ctx)

	coll := collector.New(st, m, cfg.MaxOutOfOrder, cfg.EnableProIngest)

	// Nonces must outlive the longest-lived token plus clock skew before
	// the purge may reclaim them, or a replay could slip in late.
	nonceRetention := 2*cfg.UploadTokenTTL + 5*time.Minute
	shuffler := shuffle.New(tokens, limiter, coll, st, m, cfg.ShuffleMaxDelay, nonceRetention)

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()

	// EWMA baseline with a 3-sigma alert threshold after 5 observations.
	detector := privacy.NewAnomalyDetector(0.3, 3.0, 5)
	reducer := reduce.New(st, privacy.CryptoSource{}, m, detector, wsHub, reduce.Config{
		MinReportsPerWindow: cfg.MinReportsPerWindow,
		SNRFloor:            cfg.SNRFloor,
		Alpha:               cfg.AlphaSmoothing,
		AggregateEpsilon:    cfg.AggregateDPEpsilon,
	})
	scheduler := reduce.NewScheduler(reducer, m, cfg.ReduceInterval)
	go scheduler.Run(ctx)

	// Setup the Gin Router
	r := api.SetupRouter(cfg, st, tokens, shuffler, coll, scheduler, m, wsHub)

	// Start the server
	log.Printf("Analytics core running on :%s\n", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
