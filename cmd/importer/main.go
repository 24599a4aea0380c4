package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AliAkbar852/ScentSymphony/internal/catalog"
	"github.com/AliAkbar852/ScentSymphony/internal/config"
	"github.com/AliAkbar852/ScentSymphony/internal/crawler"
	"github.com/AliAkbar852/ScentSymphony/internal/pkg/logger"
)

// main 导入国家与品牌维度数据。
//
// 与爬虫共用同一数据库，可以同时运行。已存在的行不会被修改。
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	appLogger := logger.NewDefault(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error("import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) error {
	countries, err := catalog.LoadCountryCounts(cfg.Crawl.CountryJSON)
	if err != nil {
		return err
	}
	listings, err := catalog.LoadBrandListings(cfg.Crawl.BrandJSON)
	if err != nil {
		return err
	}
	// 品牌详情可选
	details, err := catalog.LoadBrandDetails(cfg.Crawl.BrandCSV)
	switch {
	case errors.Is(err, os.ErrNotExist):
		appLogger.Info("brand details file missing, importing without details",
			slog.String("path", cfg.Crawl.BrandCSV))
		details = nil
	case err != nil:
		return err
	}

	db, err := catalog.Open(cfg.Database, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	if err := catalog.Migrate(ctx, db); err != nil {
		return err
	}

	base := cfg.Crawl.BaseURL
	importer := catalog.NewImporter(catalog.NewResolver(db, appLogger), appLogger,
		func(raw string) string { return crawler.ResolveURL(base, raw) })

	stats, err := importer.Import(ctx, countries, listings, details)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		appLogger.Warn("import finished with failures", slog.Int("failed", stats.Failed))
	}
	return nil
}
