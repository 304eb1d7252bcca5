package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/database"
	"github.com/lokalshop/engine/internal/logging"
	"github.com/lokalshop/engine/internal/models"
)

// seed-catalog loads products from a JSON file into the catalog table.
// The file holds an array of product objects in the API shape.
func main() {
	file := flag.String("file", "", "Path to a JSON file with an array of products")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: seed-catalog -file <products.json>")
		os.Exit(1)
	}

	logging.Init()
	cfg := config.Load()

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("failed to read products file")
	}

	var products []models.Product
	if err := json.Unmarshal(data, &products); err != nil {
		log.Fatal().Err(err).Msg("failed to parse products file")
	}

	db, err := database.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	repo := database.NewCatalogRepository(db)
	ctx := context.Background()

	inserted := 0
	for i := range products {
		if err := repo.Insert(ctx, &products[i]); err != nil {
			log.Error().Err(err).Str("title", products[i].Title).Msg("failed to insert product")
			continue
		}
		inserted++
	}

	log.Info().Int("inserted", inserted).Int("total", len(products)).Msg("catalog seeded")
}
