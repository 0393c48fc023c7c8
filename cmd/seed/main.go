// Seeds the book catalog for local development. Reads a JSON array of books
// from the path given as the first argument, or loads a small default catalog
// when no path is given. Upserts by id, so re-running is safe.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"topshot-backend/internal/config"
	"topshot-backend/internal/database"
	"topshot-backend/internal/domain"
	"topshot-backend/internal/repo"
)

var defaultCatalog = []domain.Book{
	{ID: uuid.MustParse("7b1f8a52-3c0d-4b8e-9f3a-1d2e4c5b6a70"), Title: "The River and the Source", Price: 850, Stock: 25},
	{ID: uuid.MustParse("c3d9e1f4-5a6b-4c7d-8e9f-0a1b2c3d4e5f"), Title: "Petals of Blood", Price: 1200, Stock: 15},
	{ID: uuid.MustParse("a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d"), Title: "Weep Not, Child", Price: 950, Stock: 30},
	{ID: uuid.MustParse("d4e5f6a7-b8c9-4d0e-9f1a-2b3c4d5e6f70"), Title: "Dust", Price: 1400, Stock: 10},
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	books := defaultCatalog
	if len(os.Args) > 1 {
		raw, err := os.ReadFile(os.Args[1])
		if err != nil {
			logger.Error("read catalog file", "path", os.Args[1], "err", err)
			os.Exit(1)
		}
		books = nil
		if err := json.Unmarshal(raw, &books); err != nil {
			logger.Error("parse catalog file", "path", os.Args[1], "err", err)
			os.Exit(1)
		}
	}

	cfg := config.Load()
	db, err := database.Open(cfg)
	if err != nil {
		logger.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := database.Migrate(ctx, db); err != nil {
		logger.Error("migrate", "err", err)
		os.Exit(1)
	}

	bookRepo := repo.NewBookRepo(db)
	for i := range books {
		if err := bookRepo.Upsert(ctx, &books[i]); err != nil {
			logger.Error("upsert book", "title", books[i].Title, "err", err)
			os.Exit(1)
		}
		logger.Info("seeded", "id", books[i].ID, "title", books[i].Title, "stock", books[i].Stock)
	}
}
