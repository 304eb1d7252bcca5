package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lokalshop/engine/internal/api"
	"github.com/lokalshop/engine/internal/cache"
	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/cropper"
	"github.com/lokalshop/engine/internal/database"
	"github.com/lokalshop/engine/internal/detection"
	"github.com/lokalshop/engine/internal/enhance"
	"github.com/lokalshop/engine/internal/logging"
	"github.com/lokalshop/engine/internal/matching"
	"github.com/lokalshop/engine/internal/pipeline"
	"github.com/lokalshop/engine/internal/sampler"
	"github.com/lokalshop/engine/internal/storage"
)

func main() {
	logging.Init()
	cfg := config.Load()

	db, err := database.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open database")
	}
	defer db.Close()

	localStorage, err := storage.NewLocalStorage(cfg.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("failed to initialize storage")
	}

	frameSampler, err := sampler.New(cfg.Sampler)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize frame sampler")
	}

	sqliteCache, err := cache.NewSQLiteStore(db.Conn(), time.Now)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cache store")
	}
	memCache := cache.NewMemoryStore(cfg.Cache.MemoryEntries, time.Now)
	tiered := cache.NewTiered(sqliteCache, memCache, cache.TTLs{
		Matching:  cfg.Cache.MatchingTTL,
		Products:  cfg.Cache.ProductsTTL,
		Detection: cfg.Cache.DetectionTTL,
	})

	detector := detection.NewHTTPDetector(cfg.Detector)
	if err := detector.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Str("url", cfg.Detector.BaseURL).Msg("detector not reachable at startup")
	}

	objCropper := cropper.New(cfg.Cropper)

	var vision enhance.VisionClient
	if cfg.Enhancer.APIKey != "" {
		vision = enhance.NewOpenAIClient(cfg.Enhancer.APIKey, cfg.Enhancer.Model, cfg.Enhancer.Timeout)
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set, labels will not be enhanced")
	}
	enhancer := enhance.New(cfg.Enhancer, vision, tiered)

	catalogRepo := database.NewCatalogRepository(db)
	matcher := matching.New(cfg.Matcher, catalogRepo, tiered)

	jobRepo := database.NewJobRepository(db)
	pipe := pipeline.New(cfg, frameSampler, detector, objCropper, enhancer, matcher, jobRepo, localStorage)

	app := api.NewApp(pipe, matcher)
	router := api.NewRouter(app)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info().
		Int("port", cfg.Port).
		Str("db", cfg.DBPath).
		Str("uploads", cfg.UploadDir).
		Str("detector", cfg.Detector.BaseURL).
		Msg("server starting")

	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
