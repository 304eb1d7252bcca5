package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lokalshop/engine/internal/cache"
	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/cropper"
	"github.com/lokalshop/engine/internal/database"
	"github.com/lokalshop/engine/internal/detection"
	"github.com/lokalshop/engine/internal/enhance"
	"github.com/lokalshop/engine/internal/logging"
	"github.com/lokalshop/engine/internal/matching"
	"github.com/lokalshop/engine/internal/models"
	"github.com/lokalshop/engine/internal/pipeline"
	"github.com/lokalshop/engine/internal/sampler"
	"github.com/lokalshop/engine/internal/storage"
)

// process-video runs the full pipeline against a single file and prints the
// result as JSON. Useful for tuning thresholds without a running server.
func main() {
	videoPath := flag.String("video", "", "Path to the video file to process")
	videoID := flag.String("id", "", "Video ID to assign (random if empty)")
	flag.Parse()

	if *videoPath == "" {
		fmt.Fprintln(os.Stderr, "usage: process-video -video <path> [-id <video-id>]")
		os.Exit(1)
	}

	logging.Init()
	cfg := config.Load()

	if _, err := os.Stat(*videoPath); err != nil {
		log.Fatal().Err(err).Str("path", *videoPath).Msg("video file not accessible")
	}

	db, err := database.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	localStorage, err := storage.NewLocalStorage(cfg.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	frameSampler, err := sampler.New(cfg.Sampler)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize frame sampler")
	}
	defer frameSampler.Cleanup()

	sqliteCache, err := cache.NewSQLiteStore(db.Conn(), time.Now)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cache store")
	}
	tiered := cache.NewTiered(sqliteCache,
		cache.NewMemoryStore(cfg.Cache.MemoryEntries, time.Now),
		cache.TTLs{
			Matching:  cfg.Cache.MatchingTTL,
			Products:  cfg.Cache.ProductsTTL,
			Detection: cfg.Cache.DetectionTTL,
		})

	detector := detection.NewHTTPDetector(cfg.Detector)
	if err := detector.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Str("url", cfg.Detector.BaseURL).Msg("detector not reachable")
	}

	var vision enhance.VisionClient
	if cfg.Enhancer.APIKey != "" {
		vision = enhance.NewOpenAIClient(cfg.Enhancer.APIKey, cfg.Enhancer.Model, cfg.Enhancer.Timeout)
	}

	catalogRepo := database.NewCatalogRepository(db)
	pipe := pipeline.New(cfg,
		frameSampler,
		detector,
		cropper.New(cfg.Cropper),
		enhance.New(cfg.Enhancer, vision, tiered),
		matching.New(cfg.Matcher, catalogRepo, tiered),
		database.NewJobRepository(db),
		localStorage,
	)

	job, err := pipe.Submit(context.Background(), *videoID, *videoPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to submit video")
	}

	events, cancel := pipe.Broker().Subscribe(job.ID)
	defer cancel()

	// The run may already be terminal by the time the subscription lands.
	snap, err := pipe.GetJob(context.Background(), job.ID)
	if err == nil && !snap.Status.Terminal() {
		for ev := range events {
			log.Info().
				Str("status", string(ev.Status)).
				Int("progress", ev.ProgressPercent).
				Msg(ev.Message)
			if ev.Status.Terminal() {
				break
			}
		}
	}

	final, err := pipe.GetJob(context.Background(), job.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load final job state")
	}

	if final.Status == models.StatusFailed {
		log.Fatal().Str("error", final.Error).Msg("processing failed")
	}

	out, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to encode result")
	}
	fmt.Println(string(out))
}
