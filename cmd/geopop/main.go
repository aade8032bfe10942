package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"geopop/pkg/cache"
	"geopop/pkg/config"
	"geopop/pkg/db"
	"geopop/pkg/enrich"
	"geopop/pkg/geonames"
	"geopop/pkg/logging"
	"geopop/pkg/request"
	"geopop/pkg/store"
	"geopop/pkg/version"
	"geopop/pkg/wikidata"
)

// cacheTTL bounds how long cached SPARQL responses are reused.
const cacheTTL = 30 * 24 * time.Hour

var (
	configPath = flag.String("config", "configs/geopop.yaml", "Path to config file")
	initConfig = flag.Bool("init-config", false, "Generate default config file and exit")
)

func main() {
	flag.Parse()

	if *initConfig {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Config file generated:", *configPath)
		return
	}

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Enrichment failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Credentials come from .env in development; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("geopop started",
		"version", version.Version,
		"run_id", uuid.NewString(),
		"dataset", cfg.GeoNames.Dataset,
		"radius_km", cfg.Match.RadiusKm,
		"batch_size", cfg.Match.BatchSize,
		"only_missing", cfg.Match.OnlyMissing,
		"max_qps", cfg.Wikidata.MaxQPS,
	)

	cacher, cleanupCache, err := initCache(cfg)
	if err != nil {
		return err
	}
	defer cleanupCache()

	dbURL, err := cfg.DatabaseURL()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("failed to connect to target database: %w", err)
	}
	defer st.Close()

	// The dump download is neither rate limited nor cached; the archive
	// is too large for the response cache.
	dataset := geonames.New(&cfg.GeoNames, cfg.Match.RadiusKm)
	if err := dataset.Load(ctx, request.New(&cfg.Request, nil, 0, cfg.Wikidata.UserAgent)); err != nil {
		return err
	}

	sparql := request.New(&cfg.Request, cacher, cfg.Wikidata.MaxQPS, cfg.Wikidata.UserAgent)
	matcher := wikidata.NewMatcher(wikidata.NewClient(sparql), cfg.Match.RadiusKm)

	_, err = enrich.NewRunner(st, dataset, matcher, &cfg.Match).Run(ctx)
	return err
}

func initCache(cfg *config.Config) (cache.Cacher, func(), error) {
	if !cfg.Cache.Enabled {
		return cache.NullCache{}, func() {}, nil
	}

	d, err := db.Init(cfg.Cache.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache db: %w", err)
	}
	if err := d.PruneCache(cacheTTL); err != nil {
		slog.Warn("failed to prune cache", "error", err)
	}
	return cache.NewSQLiteCache(d), func() { d.Close() }, nil
}
