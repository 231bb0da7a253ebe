package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/ucp-merchant/internal/catalog"
	"github.com/xenking/ucp-merchant/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		catalogFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "", "catalog YAML file; the embedded demo catalog when empty")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, catalogFile); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}

	lg.Info("Seed completed successfully")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, catalogFile string) error {
	cat, err := catalog.Load(catalogFile)
	if err != nil {
		return errors.Wrap(err, "load catalog")
	}
	lg.Info("Loaded catalog",
		zap.String("merchant", cat.Merchant.ID),
		zap.Int("products", len(cat.Products)),
		zap.Int("discounts", len(cat.Discounts)),
	)

	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := postgres.UpsertProducts(ctx, pool, cat.Products); err != nil {
		return errors.Wrap(err, "seed products")
	}
	for _, p := range cat.Products {
		lg.Info("Upserted product", zap.String("id", p.ID), zap.String("name", p.Name))
	}

	if err := postgres.UpsertDiscounts(ctx, pool, cat.Discounts); err != nil {
		return errors.Wrap(err, "seed discounts")
	}
	for _, d := range cat.Discounts {
		lg.Info("Upserted discount", zap.String("code", d.Code), zap.String("description", d.Description))
	}
	return nil
}
